package adapter

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/require"

	"github.com/fleetml/fleet/api/pkg/types"
)

// fakeDocker records calls and simulates a minimal container runtime.
type fakeDocker struct {
	mu sync.Mutex

	images      map[string]bool
	pulled      []string
	existing    map[string]bool // name → running
	created     map[string]*container.Config
	started     []string
	stopped     []string
	killed      []string
	removed     []string
	stopFails   bool
	lastHost    *container.HostConfig
	runningByID map[string]bool
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		images:      map[string]bool{},
		existing:    map[string]bool{},
		created:     map[string]*container.Config{},
		runningByID: map[string]bool{},
	}
}

func (f *fakeDocker) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "ctr-" + name
	f.created[name] = config
	f.lastHost = hostConfig
	return id, nil
}

func (f *fakeDocker) ContainerStart(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	f.runningByID[id] = true
	return nil
}

func (f *fakeDocker) ContainerStop(_ context.Context, id string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopFails {
		return fmt.Errorf("stop failed")
	}
	f.stopped = append(f.stopped, id)
	f.runningByID[id] = false
	return nil
}

func (f *fakeDocker) ContainerKill(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, id)
	f.runningByID[id] = false
	return nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDocker) ContainerInspect(_ context.Context, nameOrID string) (bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if running, ok := f.existing[nameOrID]; ok {
		return true, running, nil
	}
	if running, ok := f.runningByID[nameOrID]; ok {
		return true, running, nil
	}
	return false, false, nil
}

func (f *fakeDocker) ImageExists(_ context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[ref], nil
}

func (f *fakeDocker) ImagePull(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	f.images[ref] = true
	return nil
}

// healthServer runs a local /health endpoint and returns the port it bound.
func healthServer(t *testing.T) int {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(server.Close)
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

func containerConfig(id string, port int) *types.ModelConfig {
	return &types.ModelConfig{
		ID:        id,
		Framework: types.FrameworkContainer,
		ModelPath: "/models/llama-7b/model.safetensors",
		Priority:  5,
		Container: &types.ContainerEngineParams{
			Image: "vllm/vllm-openai:v0.6.0",
			Port:  port,
		},
	}
}

func alloc(devices ...int) *types.ResourceAllocation {
	return &types.ResourceAllocation{
		GPUDevices:        devices,
		MemoryAllocatedMB: 8192,
		AllocatedAt:       time.Now(),
	}
}

func TestContainerAdapter_StartPullsImageAndPublishesPort(t *testing.T) {
	port := healthServer(t)
	docker := newFakeDocker()
	a := NewContainerAdapter(ContainerAdapterParams{Docker: docker, StartTimeout: 5 * time.Second})

	config := containerConfig("m1", port)
	endpoint, err := a.Start(context.Background(), config, alloc(0, 1))
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("http://127.0.0.1:%d", port), endpoint)
	require.Equal(t, []string{"vllm/vllm-openai:v0.6.0"}, docker.pulled)

	name := ContainerName("m1")
	created := docker.created[name]
	require.NotNil(t, created)
	require.Equal(t, "m1", created.Labels["fleet.model_id"])

	require.NotNil(t, docker.lastHost)
	require.Len(t, docker.lastHost.DeviceRequests, 1)
	require.Equal(t, []string{"0", "1"}, docker.lastHost.DeviceRequests[0].DeviceIDs)

	require.Equal(t, endpoint, a.Endpoint("m1"))
	require.True(t, a.Probe(context.Background(), "m1"))
}

func TestContainerAdapter_StartSkipsPullWhenImagePresent(t *testing.T) {
	port := healthServer(t)
	docker := newFakeDocker()
	docker.images["vllm/vllm-openai:v0.6.0"] = true
	a := NewContainerAdapter(ContainerAdapterParams{Docker: docker, StartTimeout: 5 * time.Second})

	_, err := a.Start(context.Background(), containerConfig("m1", port), alloc(0))
	require.NoError(t, err)
	require.Empty(t, docker.pulled)
}

func TestContainerAdapter_RunningNameCollisionIsFatal(t *testing.T) {
	port := healthServer(t)
	docker := newFakeDocker()
	docker.existing[ContainerName("m1")] = true // running

	a := NewContainerAdapter(ContainerAdapterParams{Docker: docker, StartTimeout: time.Second})
	_, err := a.Start(context.Background(), containerConfig("m1", port), alloc(0))
	require.True(t, types.IsCode(err, types.CodeContainerNameTaken))
}

func TestContainerAdapter_ReclaimsStaleStoppedContainer(t *testing.T) {
	port := healthServer(t)
	docker := newFakeDocker()
	docker.existing[ContainerName("m1")] = false // exists but stopped

	a := NewContainerAdapter(ContainerAdapterParams{Docker: docker, StartTimeout: 5 * time.Second})
	_, err := a.Start(context.Background(), containerConfig("m1", port), alloc(0))
	require.NoError(t, err)
	require.Contains(t, docker.removed, ContainerName("m1"))
}

func TestContainerAdapter_StopEscalatesToKill(t *testing.T) {
	port := healthServer(t)
	docker := newFakeDocker()
	a := NewContainerAdapter(ContainerAdapterParams{Docker: docker, StartTimeout: 5 * time.Second})

	_, err := a.Start(context.Background(), containerConfig("m1", port), alloc(0))
	require.NoError(t, err)

	docker.stopFails = true
	require.NoError(t, a.Stop(context.Background(), "m1"))
	require.Len(t, docker.killed, 1)
}

func TestContainerAdapter_StopIsIdempotent(t *testing.T) {
	a := NewContainerAdapter(ContainerAdapterParams{Docker: newFakeDocker()})
	require.NoError(t, a.Stop(context.Background(), "never-started"))
}

func TestContainerAdapter_ValidateRequiresImage(t *testing.T) {
	a := NewContainerAdapter(ContainerAdapterParams{Docker: newFakeDocker()})
	config := containerConfig("m1", 9000)
	config.Container.Image = ""
	err := a.Validate(config)
	require.True(t, types.IsKind(err, types.ErrorKindValidation))
}
