package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Endpoint is a deployed classifier: a tensor in, raw class scores out.
type Endpoint interface {
	Invoke(ctx context.Context, t Tensor) ([]float32, error)
}

// PredictRequest is the KServe v1 request body.
type PredictRequest struct {
	Instances []any `json:"instances"`
}

// PredictResponse is the KServe v1 response body.
type PredictResponse struct {
	Predictions [][]float32 `json:"predictions"`
}

// HTTPEndpoint calls a model server speaking the KServe v1 JSON protocol.
type HTTPEndpoint struct {
	// URL is the full predict URL, e.g. http://host:8080/v1/models/dermtune:predict.
	URL        string
	Token      string
	HTTPClient *http.Client
}

func NewHTTPEndpoint(url string) *HTTPEndpoint {
	return &HTTPEndpoint{URL: url, HTTPClient: &http.Client{Timeout: 60 * time.Second}}
}

func (e *HTTPEndpoint) Invoke(ctx context.Context, t Tensor) ([]float32, error) {
	requestBody, err := json.Marshal(PredictRequest{Instances: []any{t.Nested()}})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.Token != "" {
		req.Header.Set("Authorization", "Bearer "+e.Token)
	}

	client := e.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("received non-200 status code: %d - %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var response PredictResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	if len(response.Predictions) != 1 {
		return nil, fmt.Errorf("expected 1 prediction, got %d", len(response.Predictions))
	}

	return response.Predictions[0], nil
}

// ScoresFromAny converts a decoded JSON prediction into a score vector. It accepts a
// flat array of numbers or a single-element array wrapping one.
func ScoresFromAny(v any) ([]float32, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("prediction is %T, not an array", v)
	}
	if len(arr) == 1 {
		if inner, ok := arr[0].([]any); ok {
			arr = inner
		}
	}

	scores := make([]float32, len(arr))
	for i, x := range arr {
		f, ok := x.(float64)
		if !ok {
			return nil, fmt.Errorf("prediction element %d is %T, not a number", i, x)
		}
		scores[i] = float32(f)
	}
	return scores, nil
}
