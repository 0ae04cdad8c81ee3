package health

import (
	"context"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/fleetml/fleet/api/pkg/metrics"
	"github.com/fleetml/fleet/api/pkg/types"
)

// Registry is the slice of the model registry the health loops talk to.
type Registry interface {
	Get(modelID string) (*types.ModelRuntime, error)
	ReportHealth(modelID string, healthy bool) (int, error)
	MarkError(modelID string, reason string) error
	Restart(ctx context.Context, modelID string) error
}

// Recovery queues models the loop gave up on.
type Recovery interface {
	EnqueueRecovery(modelID string, reason string)
}

// LoopSet runs one probe loop per RUNNING model with health checks enabled.
// Loops are spawned and cancelled off lifecycle events, so subscribing
// HandleEvent on the registry is all the wiring there is.
type LoopSet struct {
	registry Registry
	recovery Recovery
	sink     metrics.Sink
	client   *http.Client
	loops    *xsync.MapOf[string, context.CancelFunc]
	wg       conc.WaitGroup

	// rootCtx bounds everything the set does, including in-flight restarts.
	// Per-loop contexts derive from it.
	rootCtx    context.Context
	rootCancel context.CancelFunc

	// interval override for tests; 0 means use the model's configured one
	tickOverride time.Duration
}

type Params struct {
	Registry Registry
	Recovery Recovery
	Sink     metrics.Sink
}

func NewLoopSet(params Params) *LoopSet {
	if params.Sink == nil {
		params.Sink = metrics.Nop{}
	}
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &LoopSet{
		registry:   params.Registry,
		recovery:   params.Recovery,
		sink:       params.Sink,
		client:     &http.Client{},
		loops:      xsync.NewMapOf[string, context.CancelFunc](),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
	}
}

// HandleEvent starts a loop when a model reaches RUNNING and cancels it when
// the model leaves RUNNING. Subscribe this on the registry.
func (s *LoopSet) HandleEvent(event types.LifecycleEvent) {
	switch {
	case event.To == types.StateRunning:
		s.startLoop(event.ModelID)
	case event.From == types.StateRunning:
		s.stopLoop(event.ModelID)
	}
}

func (s *LoopSet) startLoop(modelID string) {
	runtime, err := s.registry.Get(modelID)
	if err != nil {
		return
	}
	if !runtime.Config.HealthCheck.Enabled {
		return
	}

	ctx, cancel := context.WithCancel(s.rootCtx)
	if previous, loaded := s.loops.LoadAndStore(modelID, cancel); loaded {
		previous()
	}
	s.wg.Go(func() {
		s.run(ctx, modelID)
	})
}

func (s *LoopSet) stopLoop(modelID string) {
	if cancel, loaded := s.loops.LoadAndDelete(modelID); loaded {
		cancel()
	}
}

// StopAll cancels every loop, aborts in-flight restarts and waits for the
// goroutines to drain.
func (s *LoopSet) StopAll() {
	s.rootCancel()
	s.loops.Range(func(modelID string, cancel context.CancelFunc) bool {
		cancel()
		s.loops.Delete(modelID)
		return true
	})
	s.wg.Wait()
}

func (s *LoopSet) run(ctx context.Context, modelID string) {
	runtime, err := s.registry.Get(modelID)
	if err != nil {
		return
	}
	config := runtime.Config.HealthCheck
	interval := config.IntervalDuration()
	if s.tickOverride > 0 {
		interval = s.tickOverride
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}

	log.Info().Str("model_id", modelID).Dur("interval", interval).Msg("health loop started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("model_id", modelID).Msg("health loop stopped")
			return
		case <-ticker.C:
			if done := s.tick(ctx, modelID); done {
				return
			}
		}
	}
}

// tick runs one probe and reacts to the failure threshold. Returns true when
// the loop should exit: the model left RUNNING, or the loop escalated and a
// fresh RUNNING event will spawn a replacement loop.
func (s *LoopSet) tick(ctx context.Context, modelID string) bool {
	runtime, err := s.registry.Get(modelID)
	if err != nil {
		return true
	}
	if runtime.State != types.StateRunning || runtime.EndpointURL == "" {
		return true
	}

	healthy := s.probe(ctx, runtime)
	s.sink.HealthProbe(modelID, healthy)

	failures, err := s.registry.ReportHealth(modelID, healthy)
	if err != nil {
		// Left RUNNING between the probe and the report.
		return true
	}
	max := runtime.Config.HealthCheck.MaxConsecutiveFailures
	if healthy || max <= 0 || failures < max {
		return false
	}

	log.Warn().
		Str("model_id", modelID).
		Int("consecutive_failures", failures).
		Msg("model unhealthy, escalating")
	s.escalate(modelID, runtime.Config.RetryPolicy)
	return true
}

// CheckResult is what an on-demand check returns to the operator.
type CheckResult struct {
	ModelID             string    `json:"model_id"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CheckedAt           time.Time `json:"checked_at"`
}

// CheckNow runs one probe outside the loop schedule. The result feeds the
// same failure accounting as the periodic loop, but never escalates; the next
// scheduled tick acts on the threshold.
func (s *LoopSet) CheckNow(ctx context.Context, modelID string) (*CheckResult, error) {
	runtime, err := s.registry.Get(modelID)
	if err != nil {
		return nil, err
	}
	if runtime.State != types.StateRunning || runtime.EndpointURL == "" {
		return nil, types.NewError(types.ErrorKindHealth, types.CodeInvalidState,
			"model %s is %s, health checks need a running engine", modelID, runtime.State)
	}

	healthy := s.probe(ctx, runtime)
	s.sink.HealthProbe(modelID, healthy)
	failures, err := s.registry.ReportHealth(modelID, healthy)
	if err != nil {
		return nil, err
	}
	return &CheckResult{
		ModelID:             modelID,
		Healthy:             healthy,
		ConsecutiveFailures: failures,
		CheckedAt:           time.Now(),
	}, nil
}

// probe does one HTTP health check against the engine endpoint. Any refusal,
// timeout or non-200 counts as a failure.
func (s *LoopSet) probe(ctx context.Context, runtime *types.ModelRuntime) bool {
	timeout := runtime.Config.HealthCheck.TimeoutDuration()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := runtime.EndpointURL + endpointPath(runtime.Config)
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// escalate restarts an unhealthy model under its retry policy, or parks it in
// ERROR for the recovery loop when restarting is disabled or keeps failing.
// Runs on the set's root context: the restart itself emits the stop event
// that cancels this model's loop, and that must not abort the restart.
func (s *LoopSet) escalate(modelID string, policy types.RetryPolicy) {
	ctx := s.rootCtx
	if !policy.Enabled {
		s.parkInError(modelID, "health checks failed and restarts are disabled")
		return
	}

	attempts := uint(policy.MaxAttempts)
	if attempts == 0 {
		attempts = 1
	}
	err := retry.Do(
		func() error { return s.registry.Restart(ctx, modelID) },
		retry.Attempts(attempts),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return policy.Delay(int(n))
		}),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Err(err).Str("model_id", modelID).Uint("attempt", n+1).Msg("unhealthy-model restart failed, retrying")
		}),
	)
	if err == nil {
		log.Info().Str("model_id", modelID).Msg("unhealthy model restarted")
		return
	}
	if ctx.Err() != nil {
		return
	}
	s.parkInError(modelID, "restart after failed health checks did not succeed: "+err.Error())
}

func (s *LoopSet) parkInError(modelID, reason string) {
	if err := s.registry.MarkError(modelID, reason); err != nil {
		log.Error().Err(err).Str("model_id", modelID).Msg("could not settle unhealthy model in error state")
		return
	}
	if s.recovery != nil {
		s.recovery.EnqueueRecovery(modelID, reason)
	}
}

func endpointPath(config *types.ModelConfig) string {
	if config.HealthCheck.EndpointPath != "" {
		return config.HealthCheck.EndpointPath
	}
	return "/health"
}
