package types

import (
	"time"
)

// Framework selects which engine adapter drives a model.
type Framework string

const (
	FrameworkProcess   Framework = "process"
	FrameworkContainer Framework = "container"
)

// LifecycleState is the registry's view of where a model is in its life.
type LifecycleState string

const (
	StateStopped   LifecycleState = "stopped"
	StateStarting  LifecycleState = "starting"
	StateRunning   LifecycleState = "running"
	StateStopping  LifecycleState = "stopping"
	StateError     LifecycleState = "error"
	StatePreempted LifecycleState = "preempted"
)

// HealthState is the rolling HTTP-probe verdict, distinct from lifecycle state.
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)

// Quantization levels understood by the memory estimator.
type Quantization string

const (
	QuantizationFP32 Quantization = "fp32"
	QuantizationFP16 Quantization = "fp16"
	QuantizationINT8 Quantization = "int8"
	QuantizationINT4 Quantization = "int4"
)

// ProcessEngineParams configures a subprocess-based engine (vLLM-style).
// Unknown parameters go through ExtraArgs, which is tokenized shell-style.
type ProcessEngineParams struct {
	BinaryPath           string       `json:"binary_path"`
	Port                 int          `json:"port"`
	ContextLength        int64        `json:"context_length,omitempty"`
	BatchSize            int          `json:"batch_size,omitempty"`
	TensorParallelSize   int          `json:"tensor_parallel_size,omitempty"`
	Quantization         Quantization `json:"quantization,omitempty"`
	ModelSizeGB          float64      `json:"model_size_gb,omitempty"`
	GPUMemoryUtilization float64      `json:"gpu_memory_utilization,omitempty"`
	ExtraArgs            string       `json:"extra_args,omitempty"`
}

// ContainerEngineParams configures a container-based engine.
type ContainerEngineParams struct {
	Image                string       `json:"image"`
	Port                 int          `json:"port"`
	ContextLength        int64        `json:"context_length,omitempty"`
	BatchSize            int          `json:"batch_size,omitempty"`
	Quantization         Quantization `json:"quantization,omitempty"`
	ModelSizeGB          float64      `json:"model_size_gb,omitempty"`
	GPUMemoryUtilization float64      `json:"gpu_memory_utilization,omitempty"`
	CacheDir             string       `json:"cache_dir,omitempty"`
	ExtraArgs            []string     `json:"extra_args,omitempty"`
}

// HealthCheckConfig drives the per-model health loop.
type HealthCheckConfig struct {
	Enabled                bool   `json:"enabled"`
	Interval               int    `json:"interval_s"`
	Timeout                int    `json:"timeout_s"`
	MaxConsecutiveFailures int    `json:"max_consecutive_failures"`
	EndpointPath           string `json:"endpoint_path,omitempty"`
}

func (h HealthCheckConfig) IntervalDuration() time.Duration {
	return time.Duration(h.Interval) * time.Second
}

func (h HealthCheckConfig) TimeoutDuration() time.Duration {
	return time.Duration(h.Timeout) * time.Second
}

// RetryPolicy is exponential backoff clamped to MaxDelay.
type RetryPolicy struct {
	Enabled       bool    `json:"enabled"`
	MaxAttempts   int     `json:"max_attempts"`
	InitialDelay  int     `json:"initial_delay_s"`
	MaxDelay      int     `json:"max_delay_s"`
	BackoffFactor float64 `json:"backoff_factor"`
}

// Delay returns the backoff delay before the given zero-based attempt.
func (r RetryPolicy) Delay(attempt int) time.Duration {
	delay := float64(r.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= r.BackoffFactor
		if delay >= float64(r.MaxDelay) {
			delay = float64(r.MaxDelay)
			break
		}
	}
	if delay > float64(r.MaxDelay) {
		delay = float64(r.MaxDelay)
	}
	return time.Duration(delay * float64(time.Second))
}

// ResourceRequirement is what a model needs from the host.
type ResourceRequirement struct {
	GPUMemoryMB    uint64 `json:"gpu_memory_mb"`
	GPUDevices     []int  `json:"gpu_devices,omitempty"`
	CPUCores       int    `json:"cpu_cores,omitempty"`
	SystemMemoryMB uint64 `json:"system_memory_mb,omitempty"`
}

// Complete reports whether the declared requirement can be used as-is,
// without falling back to the parameter-driven estimate.
func (r *ResourceRequirement) Complete() bool {
	return r != nil && r.GPUMemoryMB > 0
}

// ResourceAllocation is a reservation of GPU memory on specific devices.
// A model has at most one allocation at a time.
type ResourceAllocation struct {
	GPUDevices        []int     `json:"gpu_devices"`
	MemoryAllocatedMB uint64    `json:"memory_allocated_mb"`
	AllocatedAt       time.Time `json:"allocated_at"`
}

// ModelConfig is the declared desired state of one model.
type ModelConfig struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Framework Framework `json:"framework"`
	ModelPath string    `json:"model_path"`
	// Priority is 1..10, 10 highest.
	Priority int `json:"priority"`
	// GPUDevices pins the model to physical GPU indices. Empty means the
	// scheduler chooses.
	GPUDevices  []int                  `json:"gpu_devices,omitempty"`
	Process     *ProcessEngineParams   `json:"process,omitempty"`
	Container   *ContainerEngineParams `json:"container,omitempty"`
	Resources   *ResourceRequirement   `json:"resource_requirements,omitempty"`
	HealthCheck HealthCheckConfig      `json:"health_check"`
	RetryPolicy RetryPolicy            `json:"retry_policy"`
	// AutoStart schedules the model as soon as it is registered or rehydrated
	// from the config store.
	AutoStart bool      `json:"auto_start,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Port returns the engine port declared in the framework parameters.
func (c *ModelConfig) Port() int {
	switch c.Framework {
	case FrameworkProcess:
		if c.Process != nil {
			return c.Process.Port
		}
	case FrameworkContainer:
		if c.Container != nil {
			return c.Container.Port
		}
	}
	return 0
}

// RestartRequiredDelta reports whether replacing the receiver with next
// requires a stop/start cycle of a running model.
func (c *ModelConfig) RestartRequiredDelta(next *ModelConfig) bool {
	if c.Framework != next.Framework {
		return true
	}
	if c.ModelPath != next.ModelPath {
		return true
	}
	if len(c.GPUDevices) != len(next.GPUDevices) {
		return true
	}
	for i := range c.GPUDevices {
		if c.GPUDevices[i] != next.GPUDevices[i] {
			return true
		}
	}
	if !processParamsEqual(c.Process, next.Process) {
		return true
	}
	if !containerParamsEqual(c.Container, next.Container) {
		return true
	}
	if !requirementsEqual(c.Resources, next.Resources) {
		return true
	}
	return false
}

func processParamsEqual(a, b *ProcessEngineParams) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return *a == *b
}

func containerParamsEqual(a, b *ContainerEngineParams) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	if a.Image != b.Image || a.Port != b.Port || a.ContextLength != b.ContextLength ||
		a.BatchSize != b.BatchSize || a.Quantization != b.Quantization ||
		a.ModelSizeGB != b.ModelSizeGB || a.GPUMemoryUtilization != b.GPUMemoryUtilization ||
		a.CacheDir != b.CacheDir || len(a.ExtraArgs) != len(b.ExtraArgs) {
		return false
	}
	for i := range a.ExtraArgs {
		if a.ExtraArgs[i] != b.ExtraArgs[i] {
			return false
		}
	}
	return true
}

func requirementsEqual(a, b *ResourceRequirement) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	if a.GPUMemoryMB != b.GPUMemoryMB || a.CPUCores != b.CPUCores ||
		a.SystemMemoryMB != b.SystemMemoryMB || len(a.GPUDevices) != len(b.GPUDevices) {
		return false
	}
	for i := range a.GPUDevices {
		if a.GPUDevices[i] != b.GPUDevices[i] {
			return false
		}
	}
	return true
}

// GPUInfo is a point-in-time snapshot of one device.
type GPUInfo struct {
	DeviceID       int     `json:"device_id"`
	Vendor         string  `json:"vendor"`
	ModelName      string  `json:"model_name,omitempty"`
	MemoryTotalMB  uint64  `json:"memory_total_mb"`
	MemoryUsedMB   uint64  `json:"memory_used_mb"`
	MemoryFreeMB   uint64  `json:"memory_free_mb"`
	UtilizationPct float64 `json:"utilization_pct"`
	TemperatureC   float64 `json:"temperature_c"`
	PowerW         float64 `json:"power_w"`
}

// ModelRuntime is the registry's per-model row. Snapshots handed out by the
// registry are copies; only the registry mutates the live row.
type ModelRuntime struct {
	Config                    *ModelConfig        `json:"config"`
	State                     LifecycleState      `json:"lifecycle_state"`
	Allocation                *ResourceAllocation `json:"allocation,omitempty"`
	EndpointURL               string              `json:"endpoint_url,omitempty"`
	LastScheduledAt           time.Time           `json:"last_scheduled_at,omitempty"`
	PreemptionCount           int                 `json:"preemption_count"`
	Health                    HealthState         `json:"current_health"`
	ConsecutiveHealthFailures int                 `json:"consecutive_health_failures"`
	LastError                 string              `json:"last_error,omitempty"`
}

// ScheduleOutcome classifies one invocation of the scheduler.
type ScheduleOutcome string

const (
	ScheduleOutcomeSuccess               ScheduleOutcome = "SUCCESS"
	ScheduleOutcomeFailed                ScheduleOutcome = "FAILED"
	ScheduleOutcomeInsufficientResources ScheduleOutcome = "INSUFFICIENT_RESOURCES"
	ScheduleOutcomePreemptionRateLimited ScheduleOutcome = "PREEMPTION_RATE_LIMITED"
	ScheduleOutcomeNoGPUs                ScheduleOutcome = "NO_GPUS_VISIBLE"
)

// ScheduleDecision is an immutable audit record of one schedule call.
type ScheduleDecision struct {
	ID                string              `json:"id"`
	ModelID           string              `json:"model_id"`
	Created           time.Time           `json:"decided_at"`
	Outcome           ScheduleOutcome     `json:"outcome"`
	Allocation        *ResourceAllocation `json:"allocation,omitempty"`
	PreemptedModelIDs []string            `json:"preempted_model_ids,omitempty"`
	Reason            string              `json:"reason,omitempty"`
	GPUSnapshotBefore []GPUInfo           `json:"gpu_snapshot_before,omitempty"`
	GPUSnapshotAfter  []GPUInfo           `json:"gpu_snapshot_after,omitempty"`
	// RepeatCount counts collapsed consecutive identical failures, so a model
	// that cannot fit does not flood the decision log.
	RepeatCount int `json:"repeat_count,omitempty"`
}

// ReducedDecision is the persisted form of a decision: runtime snapshots are
// cut down to id, outcome and preemption info.
type ReducedDecision struct {
	ID                string          `json:"id"`
	ModelID           string          `json:"model_id"`
	Created           time.Time       `json:"decided_at"`
	Outcome           ScheduleOutcome `json:"outcome"`
	PreemptedModelIDs []string        `json:"preempted_model_ids,omitempty"`
	Reason            string          `json:"reason,omitempty"`
}

func (d *ScheduleDecision) Reduce() ReducedDecision {
	return ReducedDecision{
		ID:                d.ID,
		ModelID:           d.ModelID,
		Created:           d.Created,
		Outcome:           d.Outcome,
		PreemptedModelIDs: d.PreemptedModelIDs,
		Reason:            d.Reason,
	}
}

// ScheduleOptions tunes a single schedule call.
type ScheduleOptions struct {
	// AllowPreemption permits evicting lower-priority models when the
	// requirement does not fit in free memory.
	AllowPreemption bool `json:"allow_preemption"`
	// Force ignores the hourly preemption budget. Victim eligibility rules
	// still apply.
	Force bool `json:"force"`
}

// DeviceAllocation is one GPU's view in an allocation snapshot: hardware
// numbers from the probe plus the scheduler's own reservation accounting.
type DeviceAllocation struct {
	Device      GPUInfo `json:"device"`
	ReservedMB  uint64  `json:"reserved_mb"`
	AvailableMB uint64  `json:"available_mb"`
	// ModelShares maps model ID to the memory it holds on this device.
	ModelShares map[string]uint64 `json:"model_shares,omitempty"`
}

// AllocationSnapshot is a point-in-time view of every device's reservations.
type AllocationSnapshot struct {
	TakenAt time.Time          `json:"taken_at"`
	Devices []DeviceAllocation `json:"devices"`
}

// RecoveryAttempt records one pass of the recovery loop over one model.
type RecoveryAttempt struct {
	ID          string    `json:"id"`
	ModelID     string    `json:"model_id"`
	AttemptedAt time.Time `json:"attempted_at"`
	Reason      string    `json:"reason"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
}

// LifecycleEvent is emitted by the registry on every state transition.
type LifecycleEvent struct {
	ModelID     string         `json:"model_id"`
	From        LifecycleState `json:"from"`
	To          LifecycleState `json:"to"`
	EndpointURL string         `json:"endpoint_url,omitempty"`
	Created     time.Time      `json:"created"`
}

// SchedulerPolicy collects the scheduler's tunables. It is persisted with the
// scheduler state so a restart keeps rate-limit accounting intact.
type SchedulerPolicy struct {
	MinPriorityGap           int     `json:"min_priority_gap"`
	MaxPreemptionsPerHour    int     `json:"max_preemptions_per_hour"`
	RecoveryCheckInterval    int     `json:"recovery_check_interval_s"`
	MaxRecoveryAttempts      int     `json:"max_recovery_attempts"`
	MinRecoveryInterval      int     `json:"min_recovery_interval_s"`
	MaxRecoveryInterval      int     `json:"max_recovery_interval_s"`
	RecoveryBackoffFactor    float64 `json:"recovery_backoff_factor"`
	FailureDetectionTimeout  int     `json:"failure_detection_timeout_s"`
	DecisionHistorySize      int     `json:"decision_history_size"`
	RecoveryHistorySize      int     `json:"recovery_history_size"`
	PersistedDecisionEntries int     `json:"persisted_decision_entries"`
}

// DefaultSchedulerPolicy returns the documented defaults.
func DefaultSchedulerPolicy() SchedulerPolicy {
	return SchedulerPolicy{
		MinPriorityGap:           1,
		MaxPreemptionsPerHour:    10,
		RecoveryCheckInterval:    60,
		MaxRecoveryAttempts:      3,
		MinRecoveryInterval:      30,
		MaxRecoveryInterval:      300,
		RecoveryBackoffFactor:    2.0,
		FailureDetectionTimeout:  120,
		DecisionHistorySize:      1000,
		RecoveryHistorySize:      500,
		PersistedDecisionEntries: 100,
	}
}

// LoadBalancePolicy selects how the router picks among live targets.
type LoadBalancePolicy string

const (
	LoadBalanceRoundRobin       LoadBalancePolicy = "round-robin"
	LoadBalanceWeighted         LoadBalancePolicy = "weighted"
	LoadBalanceLeastConnections LoadBalancePolicy = "least-connections"
	LoadBalanceResponseTime     LoadBalancePolicy = "response-time"
)

// TargetSnapshot is the router's public view of one endpoint.
type TargetSnapshot struct {
	ModelID             string  `json:"model_id"`
	EndpointURL         string  `json:"endpoint_url"`
	Priority            int     `json:"priority"`
	Weight              int     `json:"weight"`
	Active              bool    `json:"active"`
	InFlight            int64   `json:"in_flight_count"`
	TotalRequests       int64   `json:"total_requests"`
	TotalResponseTimeMS int64   `json:"total_response_time_ms"`
	ErrorCount          int64   `json:"error_count"`
	ConsecutiveFailures int64   `json:"consecutive_failures"`
	AvgResponseTimeMS   float64 `json:"avg_response_time_ms"`
}
