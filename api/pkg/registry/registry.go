package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/fleetml/fleet/api/pkg/adapter"
	"github.com/fleetml/fleet/api/pkg/types"
)

// Placer is the slice of the scheduler the registry needs to start a model.
// It is injected after construction because the scheduler in turn reads the
// registry's bookkeeping.
type Placer interface {
	// Schedule finds GPU room for the model, preempting lower-priority models
	// if necessary, and launches its engine.
	Schedule(ctx context.Context, modelID string) (*types.ScheduleDecision, error)
	// EnqueueRecovery marks the model for the background recovery loop.
	EnqueueRecovery(modelID string, reason string)
	// DropRecovery removes the model from the recovery queue, if present.
	DropRecovery(modelID string)
}

// modelEntry is one live row. opMu serializes whole operator operations
// (start, stop, update, unregister) and may be held across engine I/O; mu
// guards the runtime fields and is only ever held for short sections.
type modelEntry struct {
	opMu sync.Mutex

	mu      sync.Mutex
	runtime types.ModelRuntime
}

// snapshotLocked copies the runtime row. Config and Allocation are shared
// pointers but treated as immutable once set.
func (e *modelEntry) snapshotLocked() *types.ModelRuntime {
	snapshot := e.runtime
	return &snapshot
}

func (e *modelEntry) transitionLocked(to types.LifecycleState) (types.LifecycleEvent, error) {
	from := e.runtime.State
	if !canTransition(from, to) {
		return types.LifecycleEvent{}, types.NewError(types.ErrorKindValidation, types.CodeInvalidState,
			"model %s cannot go %s -> %s", e.runtime.Config.ID, from, to)
	}
	e.runtime.State = to
	return types.LifecycleEvent{
		ModelID:     e.runtime.Config.ID,
		From:        from,
		To:          to,
		EndpointURL: e.runtime.EndpointURL,
		Created:     time.Now(),
	}, nil
}

// Registry owns the model table and the lifecycle state machine. All state
// flips happen here; the scheduler, health loops and router observe through
// snapshots and subscriptions.
type Registry struct {
	adapters *adapter.Set
	models   *xsync.MapOf[string, *modelEntry]

	placerMu sync.RWMutex
	placer   Placer

	listenersMu sync.RWMutex
	listeners   []func(types.LifecycleEvent)

	healthListenersMu sync.RWMutex
	healthListeners   []func(modelID string, health types.HealthState)
}

func New(adapters *adapter.Set) *Registry {
	return &Registry{
		adapters: adapters,
		models:   xsync.NewMapOf[string, *modelEntry](),
	}
}

// SetPlacer wires in the scheduler. Must be called before any Start.
func (r *Registry) SetPlacer(p Placer) {
	r.placerMu.Lock()
	defer r.placerMu.Unlock()
	r.placer = p
}

func (r *Registry) getPlacer() (Placer, error) {
	r.placerMu.RLock()
	defer r.placerMu.RUnlock()
	if r.placer == nil {
		return nil, types.NewError(types.ErrorKindValidation, types.CodeInvalidState, "scheduler not wired yet")
	}
	return r.placer, nil
}

// Subscribe registers a listener for lifecycle events. Listeners run
// synchronously on the transitioning goroutine and must be fast.
func (r *Registry) Subscribe(listener func(types.LifecycleEvent)) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, listener)
}

func (r *Registry) emit(event types.LifecycleEvent) {
	if event.ModelID == "" {
		return
	}
	r.listenersMu.RLock()
	defer r.listenersMu.RUnlock()
	for _, listener := range r.listeners {
		listener(event)
	}
}

// Register validates and admits a new model in STOPPED state.
func (r *Registry) Register(config *types.ModelConfig) error {
	if err := r.validateConfig(config); err != nil {
		return err
	}
	now := time.Now()
	if config.CreatedAt.IsZero() {
		config.CreatedAt = now
	}
	config.UpdatedAt = now

	entry := &modelEntry{
		runtime: types.ModelRuntime{
			Config: config,
			State:  types.StateStopped,
			Health: types.HealthUnknown,
		},
	}
	if _, loaded := r.models.LoadOrStore(config.ID, entry); loaded {
		return types.NewError(types.ErrorKindValidation, types.CodeDuplicateModel,
			"model %s is already registered", config.ID)
	}
	log.Info().
		Str("model_id", config.ID).
		Str("framework", string(config.Framework)).
		Int("priority", config.Priority).
		Msg("model registered")
	return nil
}

// ValidateConfig checks a config against the adapters and the other
// registered models without registering it.
func (r *Registry) ValidateConfig(config *types.ModelConfig) error {
	return r.validateConfig(config)
}

func (r *Registry) validateConfig(config *types.ModelConfig) error {
	if config == nil || config.ID == "" {
		return types.NewValidationError("model id must not be empty")
	}
	if config.Priority < 1 || config.Priority > 10 {
		return types.NewValidationError("priority must be in [1, 10], got %d", config.Priority)
	}
	if config.ModelPath == "" {
		return types.NewValidationError("model_path must not be empty for model %s", config.ID)
	}
	engineAdapter, err := r.adapters.For(config.Framework)
	if err != nil {
		return err
	}
	if err := engineAdapter.Validate(config); err != nil {
		return err
	}
	// Engine ports bind 1:1 on the host, so two models may not declare the
	// same one.
	port := config.Port()
	var conflict string
	r.models.Range(func(id string, entry *modelEntry) bool {
		if id == config.ID {
			return true
		}
		entry.mu.Lock()
		other := entry.runtime.Config.Port()
		entry.mu.Unlock()
		if other == port {
			conflict = id
			return false
		}
		return true
	})
	if conflict != "" {
		return types.NewValidationError("port %d already declared by model %s", port, conflict)
	}
	return nil
}

// Get returns a snapshot of one model's runtime row.
func (r *Registry) Get(modelID string) (*types.ModelRuntime, error) {
	entry, ok := r.models.Load(modelID)
	if !ok {
		return nil, types.NewError(types.ErrorKindValidation, types.CodeNotFound, "model %s not found", modelID)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.snapshotLocked(), nil
}

// List returns snapshots of every model, ordered by ID for stable output.
func (r *Registry) List() []*types.ModelRuntime {
	out := make([]*types.ModelRuntime, 0, r.models.Size())
	r.models.Range(func(_ string, entry *modelEntry) bool {
		entry.mu.Lock()
		out = append(out, entry.snapshotLocked())
		entry.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Config.ID < out[j].Config.ID })
	return out
}

// Start schedules and launches the model. Idempotent when the model is
// already RUNNING or STARTING.
func (r *Registry) Start(ctx context.Context, modelID string) error {
	entry, ok := r.models.Load(modelID)
	if !ok {
		return types.NewError(types.ErrorKindValidation, types.CodeNotFound, "model %s not found", modelID)
	}
	entry.opMu.Lock()
	defer entry.opMu.Unlock()

	entry.mu.Lock()
	state := entry.runtime.State
	entry.mu.Unlock()

	switch state {
	case types.StateRunning, types.StateStarting:
		return nil
	case types.StateStopping:
		return types.NewError(types.ErrorKindValidation, types.CodeInvalidState,
			"model %s is stopping, wait for it to settle", modelID)
	}

	placer, err := r.getPlacer()
	if err != nil {
		return err
	}
	_, err = placer.Schedule(ctx, modelID)
	return err
}

// Stop terminates the model's engine and settles it in STOPPED. Idempotent.
func (r *Registry) Stop(ctx context.Context, modelID string) error {
	entry, ok := r.models.Load(modelID)
	if !ok {
		return types.NewError(types.ErrorKindValidation, types.CodeNotFound, "model %s not found", modelID)
	}
	entry.opMu.Lock()
	defer entry.opMu.Unlock()
	return r.stopHeld(ctx, entry)
}

// stopHeld does the actual stop. Caller holds entry.opMu.
func (r *Registry) stopHeld(ctx context.Context, entry *modelEntry) error {
	entry.mu.Lock()
	state := entry.runtime.State
	config := entry.runtime.Config
	entry.mu.Unlock()

	switch state {
	case types.StateStopped, types.StateStopping:
		return nil
	case types.StateError, types.StatePreempted:
		// No live engine expected, but stop anyway in case one leaked.
		r.stopEngine(ctx, config)
		return r.settle(entry, types.StateStopped, "")
	}

	if err := r.flip(entry, types.StateStopping); err != nil {
		return err
	}
	r.stopEngine(ctx, config)
	if placer, err := r.getPlacer(); err == nil {
		placer.DropRecovery(config.ID)
	}
	return r.settle(entry, types.StateStopped, "")
}

// stopEngine calls the adapter outside any lock and logs failures. Engine
// teardown failing never blocks the state machine.
func (r *Registry) stopEngine(ctx context.Context, config *types.ModelConfig) {
	engineAdapter, err := r.adapters.For(config.Framework)
	if err != nil {
		return
	}
	if err := engineAdapter.Stop(ctx, config.ID); err != nil {
		log.Error().Err(err).Str("model_id", config.ID).Msg("engine stop failed")
	}
}

// flip transitions the model and emits the event.
func (r *Registry) flip(entry *modelEntry, to types.LifecycleState) error {
	entry.mu.Lock()
	event, err := entry.transitionLocked(to)
	entry.mu.Unlock()
	if err != nil {
		return err
	}
	r.emit(event)
	return nil
}

// settle is flip plus releasing the allocation and endpoint, used when the
// model comes to rest in STOPPED or ERROR.
func (r *Registry) settle(entry *modelEntry, to types.LifecycleState, lastError string) error {
	entry.mu.Lock()
	event, err := entry.transitionLocked(to)
	if err == nil {
		entry.runtime.Allocation = nil
		entry.runtime.EndpointURL = ""
		entry.runtime.Health = types.HealthUnknown
		entry.runtime.ConsecutiveHealthFailures = 0
		if lastError != "" {
			entry.runtime.LastError = lastError
		}
	}
	entry.mu.Unlock()
	if err != nil {
		return err
	}
	r.emit(event)
	return nil
}

// Restart is a stop followed by a fresh schedule.
func (r *Registry) Restart(ctx context.Context, modelID string) error {
	entry, ok := r.models.Load(modelID)
	if !ok {
		return types.NewError(types.ErrorKindValidation, types.CodeNotFound, "model %s not found", modelID)
	}
	entry.opMu.Lock()
	defer entry.opMu.Unlock()

	if err := r.stopHeld(ctx, entry); err != nil {
		return err
	}
	placer, err := r.getPlacer()
	if err != nil {
		return err
	}
	_, err = placer.Schedule(ctx, modelID)
	return err
}

// Update replaces the model's config. When the model is live and the change
// touches anything the engine was started with, it is restarted onto the new
// config; otherwise the config is swapped in place.
func (r *Registry) Update(ctx context.Context, next *types.ModelConfig) error {
	entry, ok := r.models.Load(next.ID)
	if !ok {
		return types.NewError(types.ErrorKindValidation, types.CodeNotFound, "model %s not found", next.ID)
	}
	entry.opMu.Lock()
	defer entry.opMu.Unlock()

	entry.mu.Lock()
	current := entry.runtime.Config
	state := entry.runtime.State
	entry.mu.Unlock()

	if err := r.validateConfig(next); err != nil {
		return err
	}
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = time.Now()

	live := state == types.StateRunning || state == types.StateStarting
	needsRestart := live && current.RestartRequiredDelta(next)

	if needsRestart {
		if err := r.stopHeld(ctx, entry); err != nil {
			return err
		}
	}

	entry.mu.Lock()
	entry.runtime.Config = next
	entry.mu.Unlock()
	log.Info().Str("model_id", next.ID).Bool("restarted", needsRestart).Msg("model config updated")

	if !needsRestart {
		return nil
	}
	placer, err := r.getPlacer()
	if err != nil {
		return err
	}
	_, err = placer.Schedule(ctx, next.ID)
	return err
}

// Unregister stops the model if needed and removes it from the table.
func (r *Registry) Unregister(ctx context.Context, modelID string) error {
	entry, ok := r.models.Load(modelID)
	if !ok {
		return types.NewError(types.ErrorKindValidation, types.CodeNotFound, "model %s not found", modelID)
	}
	entry.opMu.Lock()
	defer entry.opMu.Unlock()

	if err := r.stopHeld(ctx, entry); err != nil {
		return err
	}
	r.models.Delete(modelID)
	log.Info().Str("model_id", modelID).Msg("model unregistered")
	return nil
}

// ---- scheduler-facing bookkeeping ------------------------------------------
//
// These methods mutate runtime rows under the data lock only. The scheduler
// calls them while holding its own global lock, so decision and bookkeeping
// stay atomic with respect to other schedule calls.

// AllocationsByDevice sums live reservations per GPU device.
func (r *Registry) AllocationsByDevice() map[int]uint64 {
	allocated := make(map[int]uint64)
	r.models.Range(func(_ string, entry *modelEntry) bool {
		entry.mu.Lock()
		if a := entry.runtime.Allocation; a != nil {
			share := a.MemoryAllocatedMB / uint64(len(a.GPUDevices))
			for _, device := range a.GPUDevices {
				allocated[device] += share
			}
		}
		entry.mu.Unlock()
		return true
	})
	return allocated
}

// ReserveAllocation records the scheduler's placement and moves the model to
// STARTING. Valid from STOPPED, ERROR and PREEMPTED.
func (r *Registry) ReserveAllocation(modelID string, allocation *types.ResourceAllocation) error {
	entry, ok := r.models.Load(modelID)
	if !ok {
		return types.NewError(types.ErrorKindValidation, types.CodeNotFound, "model %s not found", modelID)
	}
	entry.mu.Lock()
	event, err := entry.transitionLocked(types.StateStarting)
	if err == nil {
		entry.runtime.Allocation = allocation
		entry.runtime.LastScheduledAt = time.Now()
		entry.runtime.LastError = ""
	}
	entry.mu.Unlock()
	if err != nil {
		return err
	}
	r.emit(event)
	return nil
}

// MarkPreempted releases the victim's reservation and bumps its preemption
// counter. The engine itself is stopped afterwards, outside the scheduler
// lock, via StopEngine.
func (r *Registry) MarkPreempted(modelID string) error {
	entry, ok := r.models.Load(modelID)
	if !ok {
		return types.NewError(types.ErrorKindValidation, types.CodeNotFound, "model %s not found", modelID)
	}
	entry.mu.Lock()
	event, err := entry.transitionLocked(types.StatePreempted)
	if err == nil {
		entry.runtime.Allocation = nil
		entry.runtime.EndpointURL = ""
		entry.runtime.Health = types.HealthUnknown
		entry.runtime.ConsecutiveHealthFailures = 0
		entry.runtime.PreemptionCount++
	}
	entry.mu.Unlock()
	if err != nil {
		return err
	}
	r.emit(event)
	return nil
}

// StopEngine tears down the model's engine without touching lifecycle state.
// Used by the scheduler for preemption victims already marked PREEMPTED.
func (r *Registry) StopEngine(ctx context.Context, modelID string) {
	entry, ok := r.models.Load(modelID)
	if !ok {
		return
	}
	entry.mu.Lock()
	config := entry.runtime.Config
	entry.mu.Unlock()
	r.stopEngine(ctx, config)
}

// ExecuteLaunch starts the engine for a model previously reserved into
// STARTING. Engine I/O runs outside every lock. On success the model becomes
// RUNNING; on failure it settles in ERROR with the allocation released.
func (r *Registry) ExecuteLaunch(ctx context.Context, modelID string) error {
	entry, ok := r.models.Load(modelID)
	if !ok {
		return types.NewError(types.ErrorKindValidation, types.CodeNotFound, "model %s not found", modelID)
	}

	entry.mu.Lock()
	config := entry.runtime.Config
	allocation := entry.runtime.Allocation
	state := entry.runtime.State
	entry.mu.Unlock()

	if state != types.StateStarting {
		return types.NewError(types.ErrorKindValidation, types.CodeInvalidState,
			"model %s is %s, expected %s", modelID, state, types.StateStarting)
	}

	engineAdapter, err := r.adapters.For(config.Framework)
	if err != nil {
		return err
	}

	endpoint, err := engineAdapter.Start(ctx, config, allocation)
	if err != nil {
		settleErr := r.settle(entry, types.StateError, err.Error())
		if settleErr != nil {
			log.Error().Err(settleErr).Str("model_id", modelID).Msg("could not settle model in error state")
		}
		return err
	}

	entry.mu.Lock()
	event, err := entry.transitionLocked(types.StateRunning)
	if err == nil {
		entry.runtime.EndpointURL = endpoint
		entry.runtime.Health = types.HealthUnknown
		entry.runtime.ConsecutiveHealthFailures = 0
		event.EndpointURL = endpoint
	}
	entry.mu.Unlock()
	if err != nil {
		// Something stopped or preempted the model while its engine was
		// coming up. The new engine must not outlive the decision.
		log.Warn().Err(err).Str("model_id", modelID).Msg("model left STARTING during launch, tearing engine back down")
		r.stopEngine(context.WithoutCancel(ctx), config)
		return err
	}
	r.emit(event)
	return nil
}

// ProbeEngine reports OS/container-level liveness of the model's engine.
func (r *Registry) ProbeEngine(ctx context.Context, modelID string) bool {
	entry, ok := r.models.Load(modelID)
	if !ok {
		return false
	}
	entry.mu.Lock()
	config := entry.runtime.Config
	entry.mu.Unlock()
	engineAdapter, err := r.adapters.For(config.Framework)
	if err != nil {
		return false
	}
	return engineAdapter.Probe(ctx, modelID)
}

// MarkError force-settles the model in ERROR. Used for stuck-start detection
// and health-loop giveups.
func (r *Registry) MarkError(modelID string, reason string) error {
	entry, ok := r.models.Load(modelID)
	if !ok {
		return types.NewError(types.ErrorKindValidation, types.CodeNotFound, "model %s not found", modelID)
	}
	return r.settle(entry, types.StateError, reason)
}

// SubscribeHealth registers a listener fired whenever a model's health
// verdict changes.
func (r *Registry) SubscribeHealth(listener func(modelID string, health types.HealthState)) {
	r.healthListenersMu.Lock()
	defer r.healthListenersMu.Unlock()
	r.healthListeners = append(r.healthListeners, listener)
}

func (r *Registry) emitHealth(modelID string, health types.HealthState) {
	r.healthListenersMu.RLock()
	defer r.healthListenersMu.RUnlock()
	for _, listener := range r.healthListeners {
		listener(modelID, health)
	}
}

// ReportHealth records one probe result for a RUNNING model and returns the
// updated consecutive-failure count. The health loop owns the thresholding.
func (r *Registry) ReportHealth(modelID string, healthy bool) (int, error) {
	entry, ok := r.models.Load(modelID)
	if !ok {
		return 0, types.NewError(types.ErrorKindValidation, types.CodeNotFound, "model %s not found", modelID)
	}
	entry.mu.Lock()
	if entry.runtime.State != types.StateRunning {
		entry.mu.Unlock()
		return 0, types.NewError(types.ErrorKindHealth, types.CodeInvalidState,
			"model %s is %s, health not tracked", modelID, entry.runtime.State)
	}
	before := entry.runtime.Health
	if healthy {
		entry.runtime.Health = types.HealthHealthy
		entry.runtime.ConsecutiveHealthFailures = 0
	} else {
		entry.runtime.ConsecutiveHealthFailures++
		max := entry.runtime.Config.HealthCheck.MaxConsecutiveFailures
		if max > 0 && entry.runtime.ConsecutiveHealthFailures >= max {
			entry.runtime.Health = types.HealthUnhealthy
		}
	}
	after := entry.runtime.Health
	failures := entry.runtime.ConsecutiveHealthFailures
	entry.mu.Unlock()

	if after != before {
		r.emitHealth(modelID, after)
	}
	return failures, nil
}
