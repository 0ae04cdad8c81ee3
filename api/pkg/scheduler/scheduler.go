package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fleetml/fleet/api/pkg/gpu"
	"github.com/fleetml/fleet/api/pkg/metrics"
	"github.com/fleetml/fleet/api/pkg/resources"
	"github.com/fleetml/fleet/api/pkg/types"
)

// ModelTable is the slice of the registry the scheduler drives. Bookkeeping
// methods (reserve, preempt, errors) are called while holding the scheduler's
// global lock; engine I/O methods (StopEngine, ExecuteLaunch, ProbeEngine)
// are only ever called outside it.
type ModelTable interface {
	Get(modelID string) (*types.ModelRuntime, error)
	List() []*types.ModelRuntime
	AllocationsByDevice() map[int]uint64
	ReserveAllocation(modelID string, allocation *types.ResourceAllocation) error
	MarkPreempted(modelID string) error
	MarkError(modelID string, reason string) error
	StopEngine(ctx context.Context, modelID string)
	ExecuteLaunch(ctx context.Context, modelID string) error
	ProbeEngine(ctx context.Context, modelID string) bool
}

// Scheduler owns all placement decisions. One global mutex serializes
// decision-making and registry bookkeeping; engine starts and stops happen
// after the lock is released so slow engines never block other decisions.
type Scheduler struct {
	mu sync.Mutex

	policyMu sync.RWMutex
	policy   types.SchedulerPolicy

	probe       gpu.Probe
	models      ModelTable
	sink        metrics.Sink
	decisions   *DecisionTracker
	preemptions []time.Time
	recovery    *recoveryQueue
	history     *attemptHistory
	stateFile   string
}

type Params struct {
	Policy types.SchedulerPolicy
	Probe  gpu.Probe
	Models ModelTable
	Sink   metrics.Sink
	// StateFile persists the recovery queue and decision log across restarts.
	// Empty disables persistence.
	StateFile string
}

func New(params Params) *Scheduler {
	if params.Policy == (types.SchedulerPolicy{}) {
		params.Policy = types.DefaultSchedulerPolicy()
	}
	if params.Sink == nil {
		params.Sink = metrics.Nop{}
	}
	return &Scheduler{
		policy:    params.Policy,
		probe:     params.Probe,
		models:    params.Models,
		sink:      params.Sink,
		decisions: NewDecisionTracker(params.Policy.DecisionHistorySize),
		recovery:  newRecoveryQueue(),
		history:   newAttemptHistory(params.Policy.RecoveryHistorySize),
		stateFile: params.StateFile,
	}
}

func (s *Scheduler) Policy() types.SchedulerPolicy {
	s.policyMu.RLock()
	defer s.policyMu.RUnlock()
	return s.policy
}

// UpdatePolicy swaps the scheduler tunables at runtime. History buffer sizes
// are fixed at construction and ignored here.
func (s *Scheduler) UpdatePolicy(policy types.SchedulerPolicy) error {
	if err := validatePolicy(policy); err != nil {
		return err
	}
	s.policyMu.Lock()
	policy.DecisionHistorySize = s.policy.DecisionHistorySize
	policy.RecoveryHistorySize = s.policy.RecoveryHistorySize
	s.policy = policy
	s.policyMu.Unlock()

	log.Info().
		Int("min_priority_gap", policy.MinPriorityGap).
		Int("max_preemptions_per_hour", policy.MaxPreemptionsPerHour).
		Int("max_recovery_attempts", policy.MaxRecoveryAttempts).
		Msg("scheduler policy updated")
	if err := s.Save(); err != nil {
		log.Warn().Err(err).Msg("persisting scheduler state failed")
	}
	return nil
}

func validatePolicy(policy types.SchedulerPolicy) error {
	switch {
	case policy.MinPriorityGap < 0:
		return types.NewValidationError("min_priority_gap must be >= 0, got %d", policy.MinPriorityGap)
	case policy.MaxPreemptionsPerHour < 0:
		return types.NewValidationError("max_preemptions_per_hour must be >= 0, got %d", policy.MaxPreemptionsPerHour)
	case policy.MaxRecoveryAttempts < 1:
		return types.NewValidationError("max_recovery_attempts must be >= 1, got %d", policy.MaxRecoveryAttempts)
	case policy.RecoveryBackoffFactor < 1:
		return types.NewValidationError("recovery_backoff_factor must be >= 1, got %f", policy.RecoveryBackoffFactor)
	case policy.MinRecoveryInterval < 0 || policy.MaxRecoveryInterval < policy.MinRecoveryInterval:
		return types.NewValidationError("recovery intervals must satisfy 0 <= min <= max, got %d..%d",
			policy.MinRecoveryInterval, policy.MaxRecoveryInterval)
	case policy.RecoveryCheckInterval < 1:
		return types.NewValidationError("recovery_check_interval_s must be >= 1, got %d", policy.RecoveryCheckInterval)
	case policy.FailureDetectionTimeout < 0:
		return types.NewValidationError("failure_detection_timeout_s must be >= 0, got %d", policy.FailureDetectionTimeout)
	}
	return nil
}

// AllocationSnapshot merges the live hardware view with the scheduler's
// reservation accounting, per device.
func (s *Scheduler) AllocationSnapshot(ctx context.Context) (*types.AllocationSnapshot, error) {
	gpus, err := s.probe.ListGPUs(ctx)
	if err != nil {
		return nil, types.WrapError(types.ErrorKindProbe, types.CodeProbeUnavailable, err, "listing GPUs for allocation snapshot")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	shares := make(map[int]map[string]uint64)
	for _, runtime := range s.models.List() {
		allocation := runtime.Allocation
		if allocation == nil || len(allocation.GPUDevices) == 0 {
			continue
		}
		share := allocation.MemoryAllocatedMB / uint64(len(allocation.GPUDevices))
		for _, device := range allocation.GPUDevices {
			if shares[device] == nil {
				shares[device] = make(map[string]uint64)
			}
			shares[device][runtime.Config.ID] = share
		}
	}

	free := s.freeInventory(gpus)
	snapshot := &types.AllocationSnapshot{TakenAt: time.Now(), Devices: make([]types.DeviceAllocation, 0, len(gpus))}
	for i, g := range gpus {
		var reserved uint64
		for _, share := range shares[g.DeviceID] {
			reserved += share
		}
		snapshot.Devices = append(snapshot.Devices, types.DeviceAllocation{
			Device:      g,
			ReservedMB:  reserved,
			AvailableMB: free[i].MemoryFreeMB,
			ModelShares: shares[g.DeviceID],
		})
	}
	return snapshot, nil
}

// RecentDecisions returns the newest decisions first.
func (s *Scheduler) RecentDecisions(limit int) []*types.ScheduleDecision {
	return s.decisions.Recent(limit)
}

// RecoveryAttempts returns the recovery history, oldest first.
func (s *Scheduler) RecoveryAttempts() []types.RecoveryAttempt {
	return s.history.all()
}

// Schedule places the model on the host's GPUs and launches its engine,
// preempting lower-priority models when it has to. Idempotent for models
// already RUNNING or STARTING.
func (s *Scheduler) Schedule(ctx context.Context, modelID string) (*types.ScheduleDecision, error) {
	return s.ScheduleWithOptions(ctx, modelID, types.ScheduleOptions{AllowPreemption: true})
}

// ScheduleWithOptions is Schedule with per-call overrides: preemption can be
// disabled entirely, or forced past the hourly budget.
func (s *Scheduler) ScheduleWithOptions(ctx context.Context, modelID string, opts types.ScheduleOptions) (*types.ScheduleDecision, error) {
	started := time.Now()

	runtime, err := s.models.Get(modelID)
	if err != nil {
		return nil, err
	}
	if runtime.State == types.StateRunning || runtime.State == types.StateStarting {
		return &types.ScheduleDecision{
			ModelID: modelID,
			Outcome: types.ScheduleOutcomeSuccess,
			Reason:  "already " + string(runtime.State),
		}, nil
	}

	gpus, probeErr := s.probe.ListGPUs(ctx)
	if probeErr != nil {
		wrapped := types.WrapError(types.ErrorKindProbe, types.CodeProbeUnavailable, probeErr,
			"cannot schedule model %s without a GPU inventory", modelID)
		return s.finish(modelID, started, types.ScheduleOutcomeFailed, nil, nil, wrapped.Error(), nil, nil), wrapped
	}
	s.sink.GPUSnapshot(gpus)
	if len(gpus) == 0 {
		err := types.NewError(types.ErrorKindResource, types.CodeNoGpusVisible, "no GPUs visible on this host")
		return s.finish(modelID, started, types.ScheduleOutcomeNoGPUs, nil, nil, err.Error(), gpus, nil), err
	}

	s.mu.Lock()
	free := s.freeInventory(gpus)
	requirement := resources.Estimate(runtime.Config)

	var victims []string
	allocation, planErr := resources.Plan(requirement, free)
	if planErr != nil && types.IsCode(planErr, types.CodeInsufficientMemory) && opts.AllowPreemption {
		allocation, victims, planErr = s.preemptLocked(runtime, requirement, free, opts.Force)
	}
	if planErr != nil {
		s.mu.Unlock()
		outcome := outcomeForError(planErr)
		return s.finish(modelID, started, outcome, nil, nil, planErr.Error(), free, nil), planErr
	}

	for _, victim := range victims {
		if err := s.models.MarkPreempted(victim); err != nil {
			log.Warn().Err(err).Str("victim", victim).Msg("preemption bookkeeping failed, victim state moved underneath us")
			continue
		}
		s.preemptions = append(s.preemptions, time.Now())
		s.recovery.enqueue(victim, "preempted by "+modelID, s.backoff(0))
		s.sink.Preemption(victim)
	}
	if err := s.models.ReserveAllocation(modelID, allocation); err != nil {
		s.mu.Unlock()
		return s.finish(modelID, started, types.ScheduleOutcomeFailed, nil, victims, err.Error(), free, nil), err
	}
	freeAfter := s.freeInventory(gpus)
	s.mu.Unlock()

	// Engine I/O happens strictly after the lock is released.
	for _, victim := range victims {
		log.Info().Str("victim", victim).Str("for_model", modelID).Msg("stopping preempted engine")
		s.models.StopEngine(ctx, victim)
	}
	if err := s.models.ExecuteLaunch(ctx, modelID); err != nil {
		s.EnqueueRecovery(modelID, "launch failed: "+err.Error())
		return s.finish(modelID, started, types.ScheduleOutcomeFailed, nil, victims, err.Error(), free, nil), err
	}

	return s.finish(modelID, started, types.ScheduleOutcomeSuccess, allocation, victims, "", free, freeAfter), nil
}

// finish records the decision in the log, metrics and the state file, and
// returns it.
func (s *Scheduler) finish(modelID string, started time.Time, outcome types.ScheduleOutcome,
	allocation *types.ResourceAllocation, victims []string, reason string, before, after []types.GPUInfo) *types.ScheduleDecision {

	decision := &types.ScheduleDecision{
		ModelID:           modelID,
		Created:           time.Now(),
		Outcome:           outcome,
		Allocation:        allocation,
		PreemptedModelIDs: victims,
		Reason:            reason,
		GPUSnapshotBefore: before,
		GPUSnapshotAfter:  after,
	}
	s.decisions.Log(decision)
	s.sink.ScheduleDecision(outcome, time.Since(started))

	event := log.Info()
	if outcome != types.ScheduleOutcomeSuccess {
		event = log.Warn()
	}
	event.
		Str("model_id", modelID).
		Str("outcome", string(outcome)).
		Strs("preempted", victims).
		Str("reason", reason).
		Dur("took", time.Since(started)).
		Msg("schedule decision")

	if err := s.Save(); err != nil {
		log.Warn().Err(err).Msg("persisting scheduler state failed")
	}
	return decision
}

// freeInventory returns the probe snapshot with per-device free memory capped
// by outstanding reservations. Hardware-reported free and our own accounting
// both bound what the planner may hand out. Caller holds s.mu.
func (s *Scheduler) freeInventory(gpus []types.GPUInfo) []types.GPUInfo {
	allocated := s.models.AllocationsByDevice()
	out := make([]types.GPUInfo, len(gpus))
	for i, g := range gpus {
		free := g.MemoryFreeMB
		reserved := allocated[g.DeviceID]
		if reserved >= g.MemoryTotalMB {
			free = 0
		} else if unreserved := g.MemoryTotalMB - reserved; unreserved < free {
			free = unreserved
		}
		g.MemoryFreeMB = free
		out[i] = g
	}
	return out
}

// preemptLocked picks the cheapest victim set that makes the requirement fit.
// Victims are chosen lowest priority first, most recently scheduled first
// within a priority. Nothing is committed here; the caller marks the chosen
// victims. Caller holds s.mu.
func (s *Scheduler) preemptLocked(requester *types.ModelRuntime, requirement types.ResourceRequirement, free []types.GPUInfo, force bool) (*types.ResourceAllocation, []string, error) {
	policy := s.Policy()
	budget := policy.MaxPreemptionsPerHour - s.recentPreemptionsLocked()
	if budget <= 0 && !force {
		return nil, nil, types.NewError(types.ErrorKindPreemption, types.CodeRateLimited,
			"preemption budget exhausted: %d preemptions in the last hour", policy.MaxPreemptionsPerHour)
	}

	candidates := s.victimCandidatesLocked(requester, requirement)
	if len(candidates) == 0 {
		return nil, nil, types.NewError(types.ErrorKindPreemption, types.CodeNoEligibleVictim,
			"insufficient memory and no running model has priority below %d", requester.Config.Priority-policy.MinPriorityGap)
	}

	sim := append([]types.GPUInfo(nil), free...)
	chosen := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		if len(chosen) >= budget && !force {
			return nil, nil, types.NewError(types.ErrorKindPreemption, types.CodeRateLimited,
				"placement needs more than the %d preemptions left in this hour's budget", budget)
		}
		creditAllocation(sim, candidate.Allocation)
		chosen = append(chosen, candidate.Config.ID)
		if allocation, err := resources.Plan(requirement, sim); err == nil {
			return allocation, chosen, nil
		}
	}

	return nil, nil, types.NewError(types.ErrorKindResource, types.CodeInsufficientMemory,
		"requirement of %d MiB does not fit even after preempting all %d eligible victims",
		requirement.GPUMemoryMB, len(candidates))
}

// victimCandidatesLocked lists RUNNING models with priority strictly below
// the requester's priority minus the configured gap. For a pinned requester
// only victims holding memory on the pinned devices help.
func (s *Scheduler) victimCandidatesLocked(requester *types.ModelRuntime, requirement types.ResourceRequirement) []*types.ModelRuntime {
	victimPriorityCeiling := requester.Config.Priority - s.Policy().MinPriorityGap
	pinned := make(map[int]bool, len(requirement.GPUDevices))
	for _, d := range requirement.GPUDevices {
		pinned[d] = true
	}

	var candidates []*types.ModelRuntime
	for _, candidate := range s.models.List() {
		if candidate.State != types.StateRunning || candidate.Allocation == nil {
			continue
		}
		if candidate.Config.ID == requester.Config.ID {
			continue
		}
		if candidate.Config.Priority >= victimPriorityCeiling {
			continue
		}
		if len(pinned) > 0 && !overlapsDevices(candidate.Allocation.GPUDevices, pinned) {
			continue
		}
		candidates = append(candidates, candidate)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Config.Priority != candidates[j].Config.Priority {
			return candidates[i].Config.Priority < candidates[j].Config.Priority
		}
		return candidates[i].LastScheduledAt.After(candidates[j].LastScheduledAt)
	})
	return candidates
}

func overlapsDevices(devices []int, pinned map[int]bool) bool {
	for _, d := range devices {
		if pinned[d] {
			return true
		}
	}
	return false
}

// creditAllocation returns a victim's reservation to the simulated inventory,
// using the same per-device split as the reservation accounting.
func creditAllocation(inventory []types.GPUInfo, allocation *types.ResourceAllocation) {
	if allocation == nil || len(allocation.GPUDevices) == 0 {
		return
	}
	share := allocation.MemoryAllocatedMB / uint64(len(allocation.GPUDevices))
	for i := range inventory {
		for _, device := range allocation.GPUDevices {
			if inventory[i].DeviceID == device {
				inventory[i].MemoryFreeMB += share
			}
		}
	}
}

// recentPreemptionsLocked prunes and counts the trailing-hour preemption
// window. Caller holds s.mu.
func (s *Scheduler) recentPreemptionsLocked() int {
	cutoff := time.Now().Add(-time.Hour)
	kept := s.preemptions[:0]
	for _, t := range s.preemptions {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.preemptions = kept
	return len(kept)
}

func outcomeForError(err error) types.ScheduleOutcome {
	switch types.CodeOf(err) {
	case types.CodeInsufficientMemory, types.CodeNoEligibleVictim:
		return types.ScheduleOutcomeInsufficientResources
	case types.CodeRateLimited:
		return types.ScheduleOutcomePreemptionRateLimited
	case types.CodeNoGpusVisible:
		return types.ScheduleOutcomeNoGPUs
	default:
		return types.ScheduleOutcomeFailed
	}
}

// backoff returns the recovery delay before the given zero-based attempt.
func (s *Scheduler) backoff(attempt int) time.Duration {
	policy := s.Policy()
	delay := float64(policy.MinRecoveryInterval)
	for i := 0; i < attempt; i++ {
		delay *= policy.RecoveryBackoffFactor
		if delay >= float64(policy.MaxRecoveryInterval) {
			break
		}
	}
	if delay > float64(policy.MaxRecoveryInterval) {
		delay = float64(policy.MaxRecoveryInterval)
	}
	return time.Duration(delay * float64(time.Second))
}
