package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fleetml/fleet/api/pkg/types"
)

// Sink receives operational events from the core. Implementations must be
// cheap and non-blocking: callers fire these inline.
type Sink interface {
	LifecycleTransition(event types.LifecycleEvent)
	ScheduleDecision(outcome types.ScheduleOutcome, took time.Duration)
	Preemption(victimModelID string)
	HealthProbe(modelID string, healthy bool)
	RecoveryAttempt(modelID string, success bool)
	ProxiedRequest(modelID string, statusCode int, took time.Duration)
	GPUSnapshot(gpus []types.GPUInfo)
}

// Nop discards everything. Used in tests and when metrics are disabled.
type Nop struct{}

func (Nop) LifecycleTransition(types.LifecycleEvent)              {}
func (Nop) ScheduleDecision(types.ScheduleOutcome, time.Duration) {}
func (Nop) Preemption(string)                                     {}
func (Nop) HealthProbe(string, bool)                              {}
func (Nop) RecoveryAttempt(string, bool)                          {}
func (Nop) ProxiedRequest(string, int, time.Duration)             {}
func (Nop) GPUSnapshot([]types.GPUInfo)                           {}

var _ Sink = Nop{}

// Prometheus is the production sink.
type Prometheus struct {
	transitions      *prometheus.CounterVec
	decisions        *prometheus.CounterVec
	scheduleDuration prometheus.Histogram
	preemptions      *prometheus.CounterVec
	healthProbes     *prometheus.CounterVec
	recoveries       *prometheus.CounterVec
	proxyRequests    *prometheus.CounterVec
	proxyDuration    *prometheus.HistogramVec
	gpuMemoryFree    *prometheus.GaugeVec
	gpuUtilization   *prometheus.GaugeVec
}

func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_lifecycle_transitions_total",
			Help: "Model lifecycle transitions by target state.",
		}, []string{"model_id", "to"}),
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_schedule_decisions_total",
			Help: "Scheduling decisions by outcome.",
		}, []string{"outcome"}),
		scheduleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleet_schedule_duration_seconds",
			Help:    "Wall time of one schedule call, engine launch included.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		preemptions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_preemptions_total",
			Help: "Models preempted to make room for higher-priority models.",
		}, []string{"model_id"}),
		healthProbes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_health_probes_total",
			Help: "Health probe results per model.",
		}, []string{"model_id", "result"}),
		recoveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_recovery_attempts_total",
			Help: "Recovery loop attempts per model.",
		}, []string{"model_id", "result"}),
		proxyRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_proxy_requests_total",
			Help: "Requests forwarded to engines, by status code class.",
		}, []string{"model_id", "code"}),
		proxyDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleet_proxy_request_duration_seconds",
			Help:    "End-to-end latency of proxied requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 9),
		}, []string{"model_id"}),
		gpuMemoryFree: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_gpu_memory_free_mb",
			Help: "Free GPU memory per device at the last probe.",
		}, []string{"device"}),
		gpuUtilization: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_gpu_utilization_pct",
			Help: "GPU utilization per device at the last probe.",
		}, []string{"device"}),
	}
}

func (p *Prometheus) LifecycleTransition(event types.LifecycleEvent) {
	p.transitions.WithLabelValues(event.ModelID, string(event.To)).Inc()
}

func (p *Prometheus) ScheduleDecision(outcome types.ScheduleOutcome, took time.Duration) {
	p.decisions.WithLabelValues(string(outcome)).Inc()
	p.scheduleDuration.Observe(took.Seconds())
}

func (p *Prometheus) Preemption(victimModelID string) {
	p.preemptions.WithLabelValues(victimModelID).Inc()
}

func (p *Prometheus) HealthProbe(modelID string, healthy bool) {
	result := "healthy"
	if !healthy {
		result = "unhealthy"
	}
	p.healthProbes.WithLabelValues(modelID, result).Inc()
}

func (p *Prometheus) RecoveryAttempt(modelID string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	p.recoveries.WithLabelValues(modelID, result).Inc()
}

func (p *Prometheus) ProxiedRequest(modelID string, statusCode int, took time.Duration) {
	p.proxyRequests.WithLabelValues(modelID, fmt.Sprintf("%dxx", statusCode/100)).Inc()
	p.proxyDuration.WithLabelValues(modelID).Observe(took.Seconds())
}

func (p *Prometheus) GPUSnapshot(gpus []types.GPUInfo) {
	for _, g := range gpus {
		device := fmt.Sprintf("%d", g.DeviceID)
		p.gpuMemoryFree.WithLabelValues(device).Set(float64(g.MemoryFreeMB))
		p.gpuUtilization.WithLabelValues(device).Set(g.UtilizationPct)
	}
}

var _ Sink = (*Prometheus)(nil)
