// Package hosting deploys trained models behind prediction endpoints and tears them
// down again.
package hosting

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/lehigh-university-libraries/dermtune/internal/inference"
)

// Shape is the compute a model is served on.
type Shape struct {
	MachineType      string
	AcceleratorType  string
	AcceleratorCount int64
	MinReplicas      int64
	MaxReplicas      int64
	ServingImage     string
}

// Deployment is a live endpoint. Teardown releases it; calling it more than once
// is safe and only the first call does any work.
type Deployment interface {
	inference.Endpoint
	Name() string
	Teardown(ctx context.Context) error
}

// Host provisions deployments.
type Host interface {
	Deploy(ctx context.Context, artifactURI string, shape Shape) (Deployment, error)
}

// Static serves an endpoint that already exists, such as a local model server or an
// in-process ONNX session.
type Static struct {
	Endpoint inference.Endpoint
	Label    string
}

func (s *Static) Deploy(ctx context.Context, artifactURI string, shape Shape) (Deployment, error) {
	if s.Endpoint == nil {
		return nil, errors.New("no endpoint configured")
	}
	slog.Info("Using existing endpoint", "endpoint", s.Label)
	return &staticDeployment{Endpoint: s.Endpoint, name: s.Label}, nil
}

type staticDeployment struct {
	inference.Endpoint
	name string
	once sync.Once
	err  error
}

func (d *staticDeployment) Name() string { return d.name }

// Teardown closes the endpoint if it holds resources.
func (d *staticDeployment) Teardown(ctx context.Context) error {
	d.once.Do(func() {
		if c, ok := d.Endpoint.(io.Closer); ok {
			d.err = c.Close()
		}
	})
	return d.err
}
