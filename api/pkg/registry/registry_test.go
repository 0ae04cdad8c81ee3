package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetml/fleet/api/pkg/adapter"
	"github.com/fleetml/fleet/api/pkg/types"
)

// fakeEngine is an in-memory EngineAdapter.
type fakeEngine struct {
	mu       sync.Mutex
	startErr error
	started  map[string]bool
	stops    []string
	ports    map[string]int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{started: map[string]bool{}, ports: map[string]int{}}
}

func (f *fakeEngine) Validate(config *types.ModelConfig) error {
	if config.Process == nil {
		return types.NewValidationError("process engine parameters missing for model %s", config.ID)
	}
	return nil
}

func (f *fakeEngine) Start(_ context.Context, config *types.ModelConfig, _ *types.ResourceAllocation) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started[config.ID] = true
	f.ports[config.ID] = config.Port()
	return fmt.Sprintf("http://127.0.0.1:%d", config.Port()), nil
}

func (f *fakeEngine) Stop(_ context.Context, modelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, modelID)
	delete(f.started, modelID)
	return nil
}

func (f *fakeEngine) Probe(_ context.Context, modelID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started[modelID]
}

func (f *fakeEngine) Endpoint(modelID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started[modelID] {
		return ""
	}
	return fmt.Sprintf("http://127.0.0.1:%d", f.ports[modelID])
}

// fakePlacer drives the registry's bookkeeping the way the real scheduler
// does: reserve, then launch.
type fakePlacer struct {
	registry *Registry

	mu        sync.Mutex
	scheduled []string
	recovery  []string
	dropped   []string
	fail      error
}

func (p *fakePlacer) Schedule(ctx context.Context, modelID string) (*types.ScheduleDecision, error) {
	p.mu.Lock()
	p.scheduled = append(p.scheduled, modelID)
	fail := p.fail
	p.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	allocation := &types.ResourceAllocation{
		GPUDevices:        []int{0},
		MemoryAllocatedMB: 4096,
		AllocatedAt:       time.Now(),
	}
	if err := p.registry.ReserveAllocation(modelID, allocation); err != nil {
		return nil, err
	}
	if err := p.registry.ExecuteLaunch(ctx, modelID); err != nil {
		return nil, err
	}
	return &types.ScheduleDecision{ModelID: modelID, Outcome: types.ScheduleOutcomeSuccess}, nil
}

func (p *fakePlacer) EnqueueRecovery(modelID string, _ string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recovery = append(p.recovery, modelID)
}

func (p *fakePlacer) DropRecovery(modelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropped = append(p.dropped, modelID)
}

func newTestRegistry(t *testing.T) (*Registry, *fakeEngine, *fakePlacer) {
	t.Helper()
	engine := newFakeEngine()
	set := adapter.NewSet()
	set.Register(types.FrameworkProcess, engine)
	r := New(set)
	placer := &fakePlacer{registry: r}
	r.SetPlacer(placer)
	return r, engine, placer
}

func testConfig(id string, port int) *types.ModelConfig {
	return &types.ModelConfig{
		ID:        id,
		Name:      id,
		Framework: types.FrameworkProcess,
		ModelPath: "/models/" + id,
		Priority:  5,
		Process:   &types.ProcessEngineParams{BinaryPath: "engine", Port: port},
		HealthCheck: types.HealthCheckConfig{
			Enabled:                true,
			Interval:               10,
			Timeout:                5,
			MaxConsecutiveFailures: 3,
		},
	}
}

func TestRegister_Validation(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	err := r.Register(&types.ModelConfig{ID: ""})
	require.True(t, types.IsKind(err, types.ErrorKindValidation))

	bad := testConfig("m1", 9000)
	bad.Priority = 11
	require.Error(t, r.Register(bad))

	bad = testConfig("m1", 9000)
	bad.ModelPath = ""
	require.Error(t, r.Register(bad))
}

func TestRegister_RejectsDuplicateAndPortConflict(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	require.NoError(t, r.Register(testConfig("m1", 9000)))

	err := r.Register(testConfig("m1", 9001))
	require.True(t, types.IsCode(err, types.CodeDuplicateModel))

	err = r.Register(testConfig("m2", 9000))
	require.True(t, types.IsKind(err, types.ErrorKindValidation))
	require.NoError(t, r.Register(testConfig("m2", 9001)))
}

func TestLifecycle_StartRunStop(t *testing.T) {
	r, engine, placer := newTestRegistry(t)
	require.NoError(t, r.Register(testConfig("m1", 9000)))

	require.NoError(t, r.Start(context.Background(), "m1"))
	runtime, err := r.Get("m1")
	require.NoError(t, err)
	require.Equal(t, types.StateRunning, runtime.State)
	require.Equal(t, "http://127.0.0.1:9000", runtime.EndpointURL)
	require.NotNil(t, runtime.Allocation)
	require.False(t, runtime.LastScheduledAt.IsZero())

	// Idempotent: a second start must not schedule again.
	require.NoError(t, r.Start(context.Background(), "m1"))
	require.Len(t, placer.scheduled, 1)

	require.NoError(t, r.Stop(context.Background(), "m1"))
	runtime, err = r.Get("m1")
	require.NoError(t, err)
	require.Equal(t, types.StateStopped, runtime.State)
	require.Nil(t, runtime.Allocation)
	require.Empty(t, runtime.EndpointURL)
	require.Contains(t, engine.stops, "m1")
	require.Contains(t, placer.dropped, "m1")

	// Stop is idempotent too.
	require.NoError(t, r.Stop(context.Background(), "m1"))
}

func TestLifecycle_EventsAreEmittedInOrder(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	var mu sync.Mutex
	var seen []types.LifecycleState
	r.Subscribe(func(event types.LifecycleEvent) {
		mu.Lock()
		seen = append(seen, event.To)
		mu.Unlock()
	})

	require.NoError(t, r.Register(testConfig("m1", 9000)))
	require.NoError(t, r.Start(context.Background(), "m1"))
	require.NoError(t, r.Stop(context.Background(), "m1"))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []types.LifecycleState{
		types.StateStarting,
		types.StateRunning,
		types.StateStopping,
		types.StateStopped,
	}, seen)
}

func TestExecuteLaunch_FailureSettlesInError(t *testing.T) {
	r, engine, placer := newTestRegistry(t)
	engine.startErr = types.NewError(types.ErrorKindAdapter, types.CodeStartTimeout, "engine never came up")
	require.NoError(t, r.Register(testConfig("m1", 9000)))

	err := r.Start(context.Background(), "m1")
	require.True(t, types.IsCode(err, types.CodeStartTimeout))

	runtime, getErr := r.Get("m1")
	require.NoError(t, getErr)
	require.Equal(t, types.StateError, runtime.State)
	require.Nil(t, runtime.Allocation)
	require.Contains(t, runtime.LastError, "engine never came up")

	// Error is recoverable: a later start schedules again.
	engine.startErr = nil
	require.NoError(t, r.Start(context.Background(), "m1"))
	require.Len(t, placer.scheduled, 2)
}

func TestTransitions_InvalidFlipRejected(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	require.NoError(t, r.Register(testConfig("m1", 9000)))

	// STOPPED → RUNNING is not reachable without going through STARTING.
	err := r.ExecuteLaunch(context.Background(), "m1")
	require.True(t, types.IsCode(err, types.CodeInvalidState))

	require.NoError(t, r.Start(context.Background(), "m1"))
	// RUNNING → STARTING must be rejected.
	err = r.ReserveAllocation("m1", &types.ResourceAllocation{GPUDevices: []int{0}, MemoryAllocatedMB: 1})
	require.True(t, types.IsCode(err, types.CodeInvalidState))
}

func TestMarkPreempted_ReleasesAllocationAndCounts(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	require.NoError(t, r.Register(testConfig("m1", 9000)))
	require.NoError(t, r.Start(context.Background(), "m1"))

	require.NoError(t, r.MarkPreempted("m1"))
	runtime, err := r.Get("m1")
	require.NoError(t, err)
	require.Equal(t, types.StatePreempted, runtime.State)
	require.Nil(t, runtime.Allocation)
	require.Empty(t, runtime.EndpointURL)
	require.Equal(t, 1, runtime.PreemptionCount)

	// The counter is cumulative across later cycles.
	require.NoError(t, r.Start(context.Background(), "m1"))
	require.NoError(t, r.MarkPreempted("m1"))
	runtime, err = r.Get("m1")
	require.NoError(t, err)
	require.Equal(t, 2, runtime.PreemptionCount)
}

func TestReportHealth_Thresholding(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	require.NoError(t, r.Register(testConfig("m1", 9000)))
	require.NoError(t, r.Start(context.Background(), "m1"))

	failures, err := r.ReportHealth("m1", false)
	require.NoError(t, err)
	require.Equal(t, 1, failures)
	runtime, _ := r.Get("m1")
	require.Equal(t, types.HealthUnknown, runtime.Health)

	_, _ = r.ReportHealth("m1", false)
	failures, err = r.ReportHealth("m1", false)
	require.NoError(t, err)
	require.Equal(t, 3, failures)
	runtime, _ = r.Get("m1")
	require.Equal(t, types.HealthUnhealthy, runtime.Health)

	// One good probe resets the streak.
	failures, err = r.ReportHealth("m1", true)
	require.NoError(t, err)
	require.Equal(t, 0, failures)
	runtime, _ = r.Get("m1")
	require.Equal(t, types.HealthHealthy, runtime.Health)
}

func TestReportHealth_OnlyWhileRunning(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	require.NoError(t, r.Register(testConfig("m1", 9000)))

	_, err := r.ReportHealth("m1", false)
	require.True(t, types.IsCode(err, types.CodeInvalidState))
}

func TestUpdate_InPlaceWhenNoRestartNeeded(t *testing.T) {
	r, _, placer := newTestRegistry(t)
	require.NoError(t, r.Register(testConfig("m1", 9000)))
	require.NoError(t, r.Start(context.Background(), "m1"))

	next := testConfig("m1", 9000)
	next.Priority = 9
	require.NoError(t, r.Update(context.Background(), next))

	runtime, err := r.Get("m1")
	require.NoError(t, err)
	require.Equal(t, types.StateRunning, runtime.State)
	require.Equal(t, 9, runtime.Config.Priority)
	require.Len(t, placer.scheduled, 1)
}

func TestUpdate_RestartsOnEngineDelta(t *testing.T) {
	r, engine, placer := newTestRegistry(t)
	require.NoError(t, r.Register(testConfig("m1", 9000)))
	require.NoError(t, r.Start(context.Background(), "m1"))

	next := testConfig("m1", 9000)
	next.ModelPath = "/models/m1-v2"
	require.NoError(t, r.Update(context.Background(), next))

	runtime, err := r.Get("m1")
	require.NoError(t, err)
	require.Equal(t, types.StateRunning, runtime.State)
	require.Equal(t, "/models/m1-v2", runtime.Config.ModelPath)
	require.Contains(t, engine.stops, "m1")
	require.Len(t, placer.scheduled, 2)
}

func TestUpdate_StoppedModelNeverSchedules(t *testing.T) {
	r, _, placer := newTestRegistry(t)
	require.NoError(t, r.Register(testConfig("m1", 9000)))

	next := testConfig("m1", 9000)
	next.ModelPath = "/models/m1-v2"
	require.NoError(t, r.Update(context.Background(), next))
	require.Empty(t, placer.scheduled)
}

func TestUnregister_StopsAndRemoves(t *testing.T) {
	r, engine, _ := newTestRegistry(t)
	require.NoError(t, r.Register(testConfig("m1", 9000)))
	require.NoError(t, r.Start(context.Background(), "m1"))

	require.NoError(t, r.Unregister(context.Background(), "m1"))
	require.Contains(t, engine.stops, "m1")
	_, err := r.Get("m1")
	require.True(t, types.IsCode(err, types.CodeNotFound))

	err = r.Unregister(context.Background(), "m1")
	require.True(t, types.IsCode(err, types.CodeNotFound))
}

func TestAllocationsByDevice_SplitsAcrossDevices(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	require.NoError(t, r.Register(testConfig("m1", 9000)))

	require.NoError(t, r.ReserveAllocation("m1", &types.ResourceAllocation{
		GPUDevices:        []int{0, 1},
		MemoryAllocatedMB: 8000,
		AllocatedAt:       time.Now(),
	}))

	allocated := r.AllocationsByDevice()
	require.Equal(t, uint64(4000), allocated[0])
	require.Equal(t, uint64(4000), allocated[1])
}

func TestList_SortedByID(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	require.NoError(t, r.Register(testConfig("m2", 9001)))
	require.NoError(t, r.Register(testConfig("m1", 9000)))

	models := r.List()
	require.Len(t, models, 2)
	require.Equal(t, "m1", models[0].Config.ID)
	require.Equal(t, "m2", models[1].Config.ID)
}
