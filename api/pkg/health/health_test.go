package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetml/fleet/api/pkg/types"
)

type fakeRegistry struct {
	mu         sync.Mutex
	runtime    types.ModelRuntime
	failures   int
	restarts   int
	restartErr error
	errored    []string
}

func (f *fakeRegistry) Get(modelID string) (*types.ModelRuntime, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runtime.Config == nil || f.runtime.Config.ID != modelID {
		return nil, types.NewError(types.ErrorKindValidation, types.CodeNotFound, "model %s not found", modelID)
	}
	snapshot := f.runtime
	return &snapshot, nil
}

func (f *fakeRegistry) ReportHealth(modelID string, healthy bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runtime.State != types.StateRunning {
		return 0, types.NewError(types.ErrorKindHealth, types.CodeInvalidState, "model %s not running", modelID)
	}
	if healthy {
		f.failures = 0
		return 0, nil
	}
	f.failures++
	return f.failures, nil
}

func (f *fakeRegistry) MarkError(modelID string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errored = append(f.errored, modelID)
	f.runtime.State = types.StateError
	return nil
}

func (f *fakeRegistry) Restart(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	if f.restartErr != nil {
		return f.restartErr
	}
	f.failures = 0
	return nil
}

type fakeRecovery struct {
	mu     sync.Mutex
	queued []string
}

func (f *fakeRecovery) EnqueueRecovery(modelID string, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, modelID)
}

func healthConfig(id, endpoint string, maxFailures int, retryEnabled bool) types.ModelRuntime {
	return types.ModelRuntime{
		Config: &types.ModelConfig{
			ID: id,
			HealthCheck: types.HealthCheckConfig{
				Enabled:                true,
				Interval:               1,
				Timeout:                1,
				MaxConsecutiveFailures: maxFailures,
			},
			RetryPolicy: types.RetryPolicy{
				Enabled:       retryEnabled,
				MaxAttempts:   2,
				InitialDelay:  0,
				MaxDelay:      0,
				BackoffFactor: 2,
			},
		},
		State:       types.StateRunning,
		EndpointURL: endpoint,
	}
}

func newSet(registry *fakeRegistry, recovery *fakeRecovery) *LoopSet {
	return NewLoopSet(Params{Registry: registry, Recovery: recovery})
}

func engineStub(t *testing.T, status *atomic.Int32) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var probes atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		probes.Add(1)
		w.WriteHeader(int(status.Load()))
	}))
	t.Cleanup(server.Close)
	return server, &probes
}

func TestTick_HealthyProbeResetsFailures(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	server, _ := engineStub(t, &status)

	registry := &fakeRegistry{runtime: healthConfig("m1", server.URL, 3, true)}
	registry.failures = 2
	set := newSet(registry, &fakeRecovery{})

	done := set.tick(context.Background(), "m1")
	require.False(t, done)
	require.Equal(t, 0, registry.failures)
}

func TestTick_FailureBelowThresholdKeepsLooping(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	server, _ := engineStub(t, &status)

	registry := &fakeRegistry{runtime: healthConfig("m1", server.URL, 3, true)}
	set := newSet(registry, &fakeRecovery{})

	done := set.tick(context.Background(), "m1")
	require.False(t, done)
	require.Equal(t, 1, registry.failures)
	require.Equal(t, 0, registry.restarts)
}

func TestTick_ThresholdTriggersRestart(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	server, _ := engineStub(t, &status)

	registry := &fakeRegistry{runtime: healthConfig("m1", server.URL, 3, true)}
	registry.failures = 2
	set := newSet(registry, &fakeRecovery{})

	done := set.tick(context.Background(), "m1")
	require.True(t, done)
	require.Equal(t, 1, registry.restarts)
	require.Empty(t, registry.errored)
}

func TestTick_RetryDisabledParksInError(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusInternalServerError)
	server, _ := engineStub(t, &status)

	registry := &fakeRegistry{runtime: healthConfig("m1", server.URL, 1, false)}
	recovery := &fakeRecovery{}
	set := newSet(registry, recovery)

	done := set.tick(context.Background(), "m1")
	require.True(t, done)
	require.Equal(t, 0, registry.restarts)
	require.Equal(t, []string{"m1"}, registry.errored)
	require.Equal(t, []string{"m1"}, recovery.queued)
}

func TestTick_ExhaustedRestartsParkInError(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	server, _ := engineStub(t, &status)

	registry := &fakeRegistry{runtime: healthConfig("m1", server.URL, 1, true)}
	registry.restartErr = types.NewError(types.ErrorKindAdapter, types.CodeStartFailed, "still broken")
	recovery := &fakeRecovery{}
	set := newSet(registry, recovery)

	done := set.tick(context.Background(), "m1")
	require.True(t, done)
	require.Equal(t, 2, registry.restarts, "retry policy allows two attempts")
	require.Equal(t, []string{"m1"}, registry.errored)
	require.Equal(t, []string{"m1"}, recovery.queued)
}

func TestTick_ConnectionRefusedCountsAsFailure(t *testing.T) {
	registry := &fakeRegistry{runtime: healthConfig("m1", "http://127.0.0.1:1", 3, true)}
	set := newSet(registry, &fakeRecovery{})

	done := set.tick(context.Background(), "m1")
	require.False(t, done)
	require.Equal(t, 1, registry.failures)
}

func TestTick_ExitsWhenModelLeftRunning(t *testing.T) {
	registry := &fakeRegistry{runtime: healthConfig("m1", "http://127.0.0.1:1", 3, true)}
	registry.runtime.State = types.StateStopping
	set := newSet(registry, &fakeRecovery{})

	require.True(t, set.tick(context.Background(), "m1"))
}

func TestLoopSet_EventDrivenLifecycle(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	server, probes := engineStub(t, &status)

	registry := &fakeRegistry{runtime: healthConfig("m1", server.URL, 3, true)}
	set := newSet(registry, &fakeRecovery{})
	set.tickOverride = 10 * time.Millisecond

	set.HandleEvent(types.LifecycleEvent{ModelID: "m1", From: types.StateStarting, To: types.StateRunning})
	require.Eventually(t, func() bool { return probes.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)

	set.HandleEvent(types.LifecycleEvent{ModelID: "m1", From: types.StateRunning, To: types.StateStopping})
	set.StopAll()

	settled := probes.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, settled, probes.Load(), "no probes after the loop is cancelled")
}

func TestLoopSet_SkipsModelsWithHealthChecksDisabled(t *testing.T) {
	registry := &fakeRegistry{runtime: healthConfig("m1", "http://127.0.0.1:1", 3, true)}
	registry.runtime.Config.HealthCheck.Enabled = false
	set := newSet(registry, &fakeRecovery{})

	set.HandleEvent(types.LifecycleEvent{ModelID: "m1", To: types.StateRunning})
	_, loaded := set.loops.Load("m1")
	require.False(t, loaded)
	set.StopAll()
}

func TestCheckNow_ReportsAndCounts(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	server, _ := engineStub(t, &status)

	registry := &fakeRegistry{runtime: healthConfig("m1", server.URL, 3, true)}
	set := newSet(registry, &fakeRecovery{})

	result, err := set.CheckNow(context.Background(), "m1")
	require.NoError(t, err)
	require.False(t, result.Healthy)
	require.Equal(t, 1, result.ConsecutiveFailures)
	require.Equal(t, 0, registry.restarts, "on-demand checks never escalate")

	status.Store(http.StatusOK)
	result, err = set.CheckNow(context.Background(), "m1")
	require.NoError(t, err)
	require.True(t, result.Healthy)
	require.Equal(t, 0, result.ConsecutiveFailures)
}

func TestCheckNow_RejectsNonRunningModel(t *testing.T) {
	registry := &fakeRegistry{runtime: healthConfig("m1", "http://127.0.0.1:1", 3, true)}
	registry.runtime.State = types.StateStopped
	set := newSet(registry, &fakeRecovery{})

	_, err := set.CheckNow(context.Background(), "m1")
	require.True(t, types.IsCode(err, types.CodeInvalidState))
}
