package hosting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/lehigh-university-libraries/dermtune/internal/inference"
	"github.com/lehigh-university-libraries/dermtune/internal/vertex"
)

const (
	modelName    = "projects/p/locations/us-central1/models/m1"
	endpointName = "projects/p/locations/us-central1/endpoints/e1"
)

type fakeVertex struct {
	mu          sync.Mutex
	calls       []string
	failDeploy  bool
	// pendingDeploy leaves the deploy operation running while the model lands anyway.
	pendingDeploy bool
	deployed      []string
	predictBody   string
}

func (f *fakeVertex) setDeployed(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deployed = ids
}

func (f *fakeVertex) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeVertex) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func done(w http.ResponseWriter, response any) {
	json.NewEncoder(w).Encode(map[string]any{"name": "operations/op", "done": true, "response": response})
}

func (f *fakeVertex) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	path := r.URL.Path

	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/models:upload"):
		f.record("upload")
		done(w, map[string]any{"model": modelName})
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/locations/us-central1/endpoints"):
		f.record("create")
		done(w, map[string]any{"name": endpointName})
	case r.Method == http.MethodPost && strings.HasSuffix(path, ":deployModel"):
		f.record("deploy")
		if f.failDeploy {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":{"code":500,"message":"no capacity"}}`))
			return
		}
		f.setDeployed("d1")
		if f.pendingDeploy {
			json.NewEncoder(w).Encode(map[string]any{"name": "operations/deploy", "done": false})
			return
		}
		done(w, map[string]any{"deployedModel": map[string]any{"id": "d1"}})
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/operations/deploy"):
		json.NewEncoder(w).Encode(map[string]any{"name": "operations/deploy", "done": false})
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/endpoints/e1"):
		f.record("get-endpoint")
		f.mu.Lock()
		models := make([]map[string]any, 0, len(f.deployed))
		for _, id := range f.deployed {
			models = append(models, map[string]any{"id": id})
		}
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"name": endpointName, "deployedModels": models})
	case r.Method == http.MethodPost && strings.HasSuffix(path, ":predict"):
		f.record("predict")
		w.Write([]byte(f.predictBody))
	case r.Method == http.MethodPost && strings.HasSuffix(path, ":undeployModel"):
		f.record("undeploy")
		f.setDeployed()
		done(w, map[string]any{})
	case r.Method == http.MethodDelete && strings.HasSuffix(path, "/endpoints/e1"):
		f.record("delete-endpoint")
		done(w, map[string]any{})
	case r.Method == http.MethodDelete && strings.HasSuffix(path, "/models/m1"):
		f.record("delete-model")
		done(w, map[string]any{})
	default:
		http.NotFound(w, r)
	}
}

func newHost(t *testing.T, fake *fakeVertex) *Vertex {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := vertex.New(context.Background(), "p", "us-central1", "",
		option.WithEndpoint(srv.URL+"/"), option.WithoutAuthentication())
	require.NoError(t, err)
	client.PollInterval = time.Millisecond
	return NewVertex(client, "dermtune")
}

var shape = Shape{MachineType: "n1-standard-4", ServingImage: "us-docker.pkg.dev/p/serve:latest", MinReplicas: 1}

func TestVertexDeployInvokeTeardown(t *testing.T) {
	fake := &fakeVertex{predictBody: `{"predictions":[[1.0, 2.0, 0.5]]}`}
	host := newHost(t, fake)

	d, err := host.Deploy(context.Background(), "gs://bucket/output/model/", shape)
	require.NoError(t, err)
	assert.Equal(t, endpointName, d.Name())

	tensor := inference.Tensor{Shape: []int64{1, 3, 1, 1}, Data: []float32{0.1, 0.2, 0.3}}
	scores, err := d.Invoke(context.Background(), tensor)
	require.NoError(t, err)
	assert.Equal(t, []float32{1.0, 2.0, 0.5}, scores)

	require.NoError(t, d.Teardown(context.Background()))
	require.NoError(t, d.Teardown(context.Background()))

	assert.Equal(t, 1, fake.count("undeploy"))
	assert.Equal(t, 1, fake.count("delete-endpoint"))
	assert.Equal(t, 1, fake.count("delete-model"))
}

func TestVertexDeployCleansUpOnFailure(t *testing.T) {
	fake := &fakeVertex{failDeploy: true}
	host := newHost(t, fake)

	_, err := host.Deploy(context.Background(), "gs://bucket/output/model/", shape)
	require.Error(t, err)

	assert.Zero(t, fake.count("undeploy"), "nothing was deployed")
	assert.Equal(t, 1, fake.count("delete-endpoint"))
	assert.Equal(t, 1, fake.count("delete-model"))
}

func TestVertexDeployUndeploysAfterAbandonedWait(t *testing.T) {
	fake := &fakeVertex{pendingDeploy: true}
	host := newHost(t, fake)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := host.Deploy(ctx, "gs://bucket/output/model/", shape)
	require.ErrorContains(t, err, "deadline exceeded")

	assert.Equal(t, 1, fake.count("undeploy"), "model deployed after the wait stopped must be undeployed")
	assert.Equal(t, 1, fake.count("delete-endpoint"))
	assert.Equal(t, 1, fake.count("delete-model"))

	fake.mu.Lock()
	calls := append([]string(nil), fake.calls...)
	fake.mu.Unlock()
	assert.Less(t, slices.Index(calls, "undeploy"), slices.Index(calls, "delete-endpoint"))
}

func TestVertexDeployRequiresServingImage(t *testing.T) {
	host := newHost(t, &fakeVertex{})
	_, err := host.Deploy(context.Background(), "gs://bucket/model/", Shape{MachineType: "n1-standard-4"})
	assert.ErrorContains(t, err, "serving image")
}

func TestVertexInvokeMalformedResponse(t *testing.T) {
	fake := &fakeVertex{predictBody: `{"predictions":[{"label":"mel"}]}`}
	host := newHost(t, fake)

	d, err := host.Deploy(context.Background(), "gs://bucket/output/model/", shape)
	require.NoError(t, err)
	defer d.Teardown(context.Background())

	_, err = d.Invoke(context.Background(), inference.Tensor{Shape: []int64{1, 3, 1, 1}, Data: []float32{0, 0, 0}})
	assert.Error(t, err)
}

type closingEndpoint struct {
	closed int
}

func (c *closingEndpoint) Invoke(ctx context.Context, t inference.Tensor) ([]float32, error) {
	return nil, errors.New("unused")
}

func (c *closingEndpoint) Close() error {
	c.closed++
	return nil
}

func TestStaticTeardownClosesOnce(t *testing.T) {
	ep := &closingEndpoint{}
	d, err := (&Static{Endpoint: ep, Label: "onnx"}).Deploy(context.Background(), "", Shape{})
	require.NoError(t, err)

	require.NoError(t, d.Teardown(context.Background()))
	require.NoError(t, d.Teardown(context.Background()))
	assert.Equal(t, 1, ep.closed)
	assert.Equal(t, "onnx", d.Name())
}
