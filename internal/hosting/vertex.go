package hosting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	aiplatform "google.golang.org/api/aiplatform/v1"

	"github.com/lehigh-university-libraries/dermtune/internal/inference"
	"github.com/lehigh-university-libraries/dermtune/internal/vertex"
)

// Vertex deploys models to Vertex AI endpoints.
type Vertex struct {
	client      *vertex.Client
	DisplayName string
}

func NewVertex(client *vertex.Client, displayName string) *Vertex {
	return &Vertex{client: client, DisplayName: displayName}
}

// Deploy uploads the model, creates an endpoint and deploys the model to it. If any
// step fails, whatever was created is removed before returning.
func (v *Vertex) Deploy(ctx context.Context, artifactURI string, shape Shape) (Deployment, error) {
	if shape.ServingImage == "" {
		return nil, errors.New("serving image is required")
	}
	if shape.MachineType == "" {
		return nil, errors.New("machine type is required")
	}

	locations := v.client.Service.Projects.Locations
	d := &VertexDeployment{client: v.client}

	slog.Info("Uploading model", "artifact", artifactURI, "image", shape.ServingImage)
	op, err := locations.Models.Upload(v.client.Parent(), &aiplatform.GoogleCloudAiplatformV1UploadModelRequest{
		Model: &aiplatform.GoogleCloudAiplatformV1Model{
			DisplayName: v.DisplayName,
			ArtifactUri: artifactURI,
			ContainerSpec: &aiplatform.GoogleCloudAiplatformV1ModelContainerSpec{
				ImageUri: shape.ServingImage,
			},
		},
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to upload model: %w", err)
	}
	raw, err := v.client.WaitOperation(ctx, op)
	if err != nil {
		return nil, err
	}
	var uploaded aiplatform.GoogleCloudAiplatformV1UploadModelResponse
	if err := vertex.DecodeResponse(raw, &uploaded); err != nil {
		return nil, err
	}
	d.model = uploaded.Model

	fail := func(err error) (Deployment, error) {
		if tdErr := d.Teardown(context.Background()); tdErr != nil {
			slog.Error("Failed to clean up after deploy error", "error", tdErr)
		}
		return nil, err
	}

	slog.Info("Creating endpoint", "display_name", v.DisplayName)
	op, err = locations.Endpoints.Create(v.client.Parent(), &aiplatform.GoogleCloudAiplatformV1Endpoint{
		DisplayName: v.DisplayName,
	}).Context(ctx).Do()
	if err != nil {
		return fail(fmt.Errorf("failed to create endpoint: %w", err))
	}
	raw, err = v.client.WaitOperation(ctx, op)
	if err != nil {
		return fail(err)
	}
	var endpoint aiplatform.GoogleCloudAiplatformV1Endpoint
	if err := vertex.DecodeResponse(raw, &endpoint); err != nil {
		return fail(err)
	}
	d.endpoint = endpoint.Name

	machine := &aiplatform.GoogleCloudAiplatformV1MachineSpec{MachineType: shape.MachineType}
	if shape.AcceleratorType != "" && shape.AcceleratorCount > 0 {
		machine.AcceleratorType = shape.AcceleratorType
		machine.AcceleratorCount = shape.AcceleratorCount
	}
	minReplicas := max(shape.MinReplicas, 1)
	maxReplicas := max(shape.MaxReplicas, minReplicas)

	slog.Info("Deploying model", "model", d.model, "endpoint", d.endpoint, "machine_type", shape.MachineType)
	started := time.Now()
	op, err = locations.Endpoints.DeployModel(d.endpoint, &aiplatform.GoogleCloudAiplatformV1DeployModelRequest{
		DeployedModel: &aiplatform.GoogleCloudAiplatformV1DeployedModel{
			Model:       d.model,
			DisplayName: v.DisplayName,
			DedicatedResources: &aiplatform.GoogleCloudAiplatformV1DedicatedResources{
				MachineSpec:     machine,
				MinReplicaCount: minReplicas,
				MaxReplicaCount: maxReplicas,
			},
		},
		TrafficSplit: map[string]int64{"0": 100},
	}).Context(ctx).Do()
	if err != nil {
		return fail(fmt.Errorf("failed to deploy model: %w", err))
	}
	raw, err = v.client.WaitOperation(ctx, op)
	if err != nil {
		return fail(err)
	}
	var deployed aiplatform.GoogleCloudAiplatformV1DeployModelResponse
	if err := vertex.DecodeResponse(raw, &deployed); err != nil {
		return fail(err)
	}
	if deployed.DeployedModel != nil {
		d.deployedModelID = deployed.DeployedModel.Id
	}

	slog.Info("Endpoint ready", "endpoint", d.endpoint, "deployed_model", d.deployedModelID,
		"duration", time.Since(started).Round(time.Second))
	return d, nil
}

// VertexDeployment is a model deployed on a Vertex AI endpoint.
type VertexDeployment struct {
	client          *vertex.Client
	model           string
	endpoint        string
	deployedModelID string

	once sync.Once
	err  error
}

func (d *VertexDeployment) Name() string { return d.endpoint }

// Invoke sends one instance, the CHW tensor as nested arrays, to the endpoint.
func (d *VertexDeployment) Invoke(ctx context.Context, t inference.Tensor) ([]float32, error) {
	resp, err := d.client.Service.Projects.Locations.Endpoints.Predict(d.endpoint, &aiplatform.GoogleCloudAiplatformV1PredictRequest{
		Instances: []any{t.Nested()},
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to call endpoint: %w", err)
	}
	if len(resp.Predictions) != 1 {
		return nil, fmt.Errorf("expected 1 prediction, got %d", len(resp.Predictions))
	}
	return inference.ScoresFromAny(resp.Predictions[0])
}

// Teardown undeploys the model and deletes the endpoint and the model. Every step is
// attempted even if an earlier one fails.
func (d *VertexDeployment) Teardown(ctx context.Context) error {
	d.once.Do(func() {
		d.err = d.teardown(ctx)
	})
	return d.err
}

func (d *VertexDeployment) teardown(ctx context.Context) error {
	locations := d.client.Service.Projects.Locations
	var errs []error

	wait := func(what string, op *aiplatform.GoogleLongrunningOperation, err error) {
		if err == nil {
			_, err = d.client.WaitOperation(ctx, op)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to %s: %w", what, err))
		}
	}

	if d.endpoint != "" {
		for _, id := range d.deployedModels(ctx) {
			slog.Info("Undeploying model", "endpoint", d.endpoint, "deployed_model", id)
			op, err := locations.Endpoints.UndeployModel(d.endpoint, &aiplatform.GoogleCloudAiplatformV1UndeployModelRequest{
				DeployedModelId: id,
			}).Context(ctx).Do()
			wait("undeploy model", op, err)
		}
	}
	if d.endpoint != "" {
		slog.Info("Deleting endpoint", "endpoint", d.endpoint)
		op, err := locations.Endpoints.Delete(d.endpoint).Context(ctx).Do()
		wait("delete endpoint", op, err)
	}
	if d.model != "" {
		slog.Info("Deleting model", "model", d.model)
		op, err := locations.Models.Delete(d.model).Context(ctx).Do()
		wait("delete model", op, err)
	}

	return errors.Join(errs...)
}

// deployedModels lists what is deployed on the endpoint, asking the service so a
// deploy that finished after we stopped waiting is still found. The locally recorded
// id is used when the endpoint cannot be read.
func (d *VertexDeployment) deployedModels(ctx context.Context) []string {
	var ids []string
	if d.deployedModelID != "" {
		ids = append(ids, d.deployedModelID)
	}

	endpoint, err := d.client.Service.Projects.Locations.Endpoints.Get(d.endpoint).Context(ctx).Do()
	if err != nil {
		slog.Warn("Failed to read endpoint before teardown", "endpoint", d.endpoint, "error", err)
		return ids
	}
	for _, m := range endpoint.DeployedModels {
		if m != nil && m.Id != "" && !slices.Contains(ids, m.Id) {
			ids = append(ids, m.Id)
		}
	}
	return ids
}
