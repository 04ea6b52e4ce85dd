package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/lehigh-university-libraries/dermtune/internal/config"
	"github.com/lehigh-university-libraries/dermtune/internal/dataset"
	"github.com/lehigh-university-libraries/dermtune/internal/hosting"
	"github.com/lehigh-university-libraries/dermtune/internal/inference"
	"github.com/lehigh-university-libraries/dermtune/internal/training"
	"github.com/lehigh-university-libraries/dermtune/internal/vertex"
)

func newVertexClient(ctx context.Context, cfg *config.Config) (*vertex.Client, error) {
	client, err := vertex.New(ctx, cfg.Training.Project, cfg.Training.Region, cfg.Storage.CredentialsFile)
	if err != nil {
		return nil, err
	}
	if cfg.Training.PollInterval > 0 {
		client.PollInterval = cfg.Training.PollInterval
	}
	return client, nil
}

// NewTrainer returns the Vertex AI training service for cfg.
func NewTrainer(ctx context.Context, cfg *config.Config) (training.Service, error) {
	client, err := newVertexClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return training.NewVertex(client, cfg.Training.PollInterval), nil
}

// NewEndpoint builds a standalone endpoint for the non-vertex kinds.
func NewEndpoint(cfg *config.Config) (inference.Endpoint, error) {
	switch cfg.Endpoint.Kind {
	case "http":
		if cfg.Endpoint.URL == "" {
			return nil, fmt.Errorf("endpoint.url is required for the http endpoint")
		}
		return inference.NewHTTPEndpoint(cfg.Endpoint.URL), nil
	case "onnx":
		if cfg.Endpoint.ONNXModel == "" {
			return nil, fmt.Errorf("endpoint.onnx_model is required for the onnx endpoint")
		}
		return inference.NewONNXEndpoint(inference.ONNXConfig{
			ModelPath:   cfg.Endpoint.ONNXModel,
			LibraryPath: cfg.Endpoint.ONNXLibrary,
			ImageSize:   cfg.ImageSize,
			NumClasses:  len(dataset.Labels),
		})
	case "gemini":
		return inference.NewGeminiEndpoint(cfg.Endpoint.GeminiAPIKey, cfg.Endpoint.GeminiModel), nil
	default:
		return nil, fmt.Errorf("endpoint kind %s has no standalone endpoint", cfg.Endpoint.Kind)
	}
}

// NewHost returns a Vertex AI host, or a static host wrapping a standalone endpoint.
func NewHost(ctx context.Context, cfg *config.Config) (hosting.Host, error) {
	if cfg.Endpoint.Kind == "vertex" {
		client, err := newVertexClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return hosting.NewVertex(client, "dermtune"), nil
	}

	endpoint, err := NewEndpoint(cfg)
	if err != nil {
		return nil, err
	}
	label := cfg.Endpoint.Kind
	switch cfg.Endpoint.Kind {
	case "http":
		label = cfg.Endpoint.URL
	case "onnx":
		label = "onnx:" + cfg.Endpoint.ONNXModel
	case "gemini":
		label = "gemini:" + strings.TrimPrefix(cfg.Endpoint.GeminiModel, "models/")
	}
	return &hosting.Static{Endpoint: endpoint, Label: label}, nil
}
