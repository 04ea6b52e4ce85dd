// Package vertex wraps the Vertex AI REST client shared by training and hosting.
package vertex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	aiplatform "google.golang.org/api/aiplatform/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Client is a regional Vertex AI client scoped to one project.
type Client struct {
	Service *aiplatform.Service
	Project string
	Region  string
	// PollInterval paces long-running operation polling.
	PollInterval time.Duration
}

// New creates a client for the regional endpoint. Extra options are applied after the
// defaults, so tests can point the client at a local server.
func New(ctx context.Context, project, region, credentialsFile string, opts ...option.ClientOption) (*Client, error) {
	if project == "" {
		return nil, errors.New("vertex project is required")
	}
	if region == "" {
		return nil, errors.New("vertex region is required")
	}

	base := []option.ClientOption{
		option.WithEndpoint(fmt.Sprintf("https://%s-aiplatform.googleapis.com/", region)),
	}
	if credentialsFile != "" {
		base = append(base, option.WithCredentialsFile(credentialsFile))
	}

	service, err := aiplatform.NewService(ctx, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create vertex client: %w", err)
	}

	return &Client{Service: service, Project: project, Region: region, PollInterval: 10 * time.Second}, nil
}

// Parent is the location resource name, projects/<p>/locations/<r>.
func (c *Client) Parent() string {
	return fmt.Sprintf("projects/%s/locations/%s", c.Project, c.Region)
}

// WaitOperation polls a long-running operation until it is done and returns its
// response payload.
func (c *Client) WaitOperation(ctx context.Context, op *aiplatform.GoogleLongrunningOperation) (googleapi.RawMessage, error) {
	interval := c.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	for {
		if op.Done {
			if op.Error != nil {
				return nil, fmt.Errorf("operation %s failed: %s (code %d)", op.Name, op.Error.Message, op.Error.Code)
			}
			return op.Response, nil
		}

		slog.Debug("Waiting for operation", "operation", op.Name)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("stopped waiting for operation %s: %w", op.Name, ctx.Err())
		case <-time.After(interval):
		}

		next, err := c.Service.Projects.Locations.Operations.Get(op.Name).Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("failed to get operation %s: %w", op.Name, err)
		}
		op = next
	}
}

// DecodeResponse unmarshals an operation response into v.
func DecodeResponse(raw googleapi.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("operation returned no response")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode operation response: %w", err)
	}
	return nil
}

// IsClientError reports whether err is a 4xx response from the API.
func IsClientError(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests
}
