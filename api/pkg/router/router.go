package router

import (
	"bytes"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fleetml/fleet/api/pkg/metrics"
	"github.com/fleetml/fleet/api/pkg/types"
)

// target is one live engine endpoint. Counters are atomics so request paths
// never take the table lock for bookkeeping.
type target struct {
	modelID  string
	endpoint *url.URL
	priority int
	weight   int

	active              atomic.Bool
	inFlight            atomic.Int64
	totalRequests       atomic.Int64
	totalResponseTimeMS atomic.Int64
	errorCount          atomic.Int64
	consecutiveFailures atomic.Int64

	history *requestHistory
}

func (t *target) snapshot() types.TargetSnapshot {
	total := t.totalRequests.Load()
	totalMS := t.totalResponseTimeMS.Load()
	snapshot := types.TargetSnapshot{
		ModelID:             t.modelID,
		EndpointURL:         t.endpoint.String(),
		Priority:            t.priority,
		Weight:              t.weight,
		Active:              t.active.Load(),
		InFlight:            t.inFlight.Load(),
		TotalRequests:       total,
		TotalResponseTimeMS: totalMS,
		ErrorCount:          t.errorCount.Load(),
		ConsecutiveFailures: t.consecutiveFailures.Load(),
	}
	if total > 0 {
		snapshot.AvgResponseTimeMS = float64(totalMS) / float64(total)
	}
	return snapshot
}

// avgResponseTime is the response-time policy's ranking key.
func (t *target) avgResponseTime() float64 {
	total := t.totalRequests.Load()
	if total == 0 {
		return 0
	}
	return float64(t.totalResponseTimeMS.Load()) / float64(total)
}

type modelTargets struct {
	targets []*target
	rr      atomic.Uint64
}

// Router forwards inference traffic to live engines. The target table is
// updated off registry events; requests only ever read it.
type Router struct {
	mu     sync.RWMutex
	models map[string]*modelTargets
	policy types.LoadBalancePolicy

	client            *http.Client
	sink              metrics.Sink
	failoverThreshold int64
	historySize       int
}

type Params struct {
	Policy types.LoadBalancePolicy
	Sink   metrics.Sink
	// FailoverThreshold deactivates a target after this many consecutive
	// failed requests. Default 3.
	FailoverThreshold int
	// HistorySize bounds the per-target request history. Default 1000.
	HistorySize int
}

func New(params Params) *Router {
	if params.Policy == "" {
		params.Policy = types.LoadBalanceRoundRobin
	}
	if params.Sink == nil {
		params.Sink = metrics.Nop{}
	}
	if params.FailoverThreshold <= 0 {
		params.FailoverThreshold = 3
	}
	if params.HistorySize <= 0 {
		params.HistorySize = 1000
	}
	return &Router{
		models: make(map[string]*modelTargets),
		policy: params.Policy,
		// No client timeout: inference responses stream for minutes. The
		// request context bounds each call instead.
		client:            &http.Client{},
		sink:              params.Sink,
		failoverThreshold: int64(params.FailoverThreshold),
		historySize:       params.HistorySize,
	}
}

// HandleLifecycle maintains the table off registry events: add on RUNNING,
// remove on any transition out of RUNNING.
func (r *Router) HandleLifecycle(event types.LifecycleEvent, priority int) {
	switch {
	case event.To == types.StateRunning:
		if err := r.AddTarget(event.ModelID, event.EndpointURL, priority); err != nil {
			log.Error().Err(err).Str("model_id", event.ModelID).Msg("could not add router target")
		}
	case event.From == types.StateRunning:
		r.RemoveModel(event.ModelID)
	}
}

// HandleHealth deactivates a model's targets while it is unhealthy and
// restores them when probes recover.
func (r *Router) HandleHealth(modelID string, health types.HealthState) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.models[modelID]
	if !ok {
		return
	}
	for _, t := range entry.targets {
		switch health {
		case types.HealthHealthy:
			t.active.Store(true)
			t.consecutiveFailures.Store(0)
		case types.HealthUnhealthy:
			t.active.Store(false)
		}
	}
}

// AddTarget registers an endpoint for a model. The weight defaults to the
// model's priority so the weighted policy favors important models.
func (r *Router) AddTarget(modelID, endpointURL string, priority int) error {
	parsed, err := url.Parse(endpointURL)
	if err != nil || parsed.Host == "" {
		return types.NewValidationError("invalid endpoint URL %q for model %s", endpointURL, modelID)
	}
	t := &target{
		modelID:  modelID,
		endpoint: parsed,
		priority: priority,
		weight:   priority,
		history:  newRequestHistory(r.historySize),
	}
	t.active.Store(true)

	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.models[modelID]
	if !ok {
		entry = &modelTargets{}
		r.models[modelID] = entry
	}
	for _, existing := range entry.targets {
		if existing.endpoint.String() == parsed.String() {
			existing.active.Store(true)
			existing.consecutiveFailures.Store(0)
			return nil
		}
	}
	entry.targets = append(entry.targets, t)
	log.Info().Str("model_id", modelID).Str("endpoint", endpointURL).Msg("router target added")
	return nil
}

// RemoveModel drops every target for the model. In-flight requests to the
// removed targets run to completion.
func (r *Router) RemoveModel(modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.models[modelID]; ok {
		delete(r.models, modelID)
		log.Info().Str("model_id", modelID).Msg("router targets removed")
	}
}

// SetPolicy switches the load-balancing policy for subsequent selections.
func (r *Router) SetPolicy(policy types.LoadBalancePolicy) error {
	switch policy {
	case types.LoadBalanceRoundRobin, types.LoadBalanceWeighted,
		types.LoadBalanceLeastConnections, types.LoadBalanceResponseTime:
	default:
		return types.NewValidationError("unknown load balance policy %q", policy)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = policy
	return nil
}

func (r *Router) Policy() types.LoadBalancePolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policy
}

// Targets returns snapshots, all models when modelID is empty.
func (r *Router) Targets(modelID string) []types.TargetSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.TargetSnapshot
	for id, entry := range r.models {
		if modelID != "" && id != modelID {
			continue
		}
		for _, t := range entry.targets {
			out = append(out, t.snapshot())
		}
	}
	return out
}

// History returns the recent request records for one model, newest last.
func (r *Router) History(modelID string) []RequestRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.models[modelID]
	if !ok {
		return nil
	}
	var out []RequestRecord
	for _, t := range entry.targets {
		out = append(out, t.history.all()...)
	}
	return out
}

// activeTargets snapshots the selectable targets for a model.
func (r *Router) activeTargets(modelID string) (*modelTargets, []*target) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.models[modelID]
	if !ok {
		return nil, nil
	}
	active := make([]*target, 0, len(entry.targets))
	for _, t := range entry.targets {
		if t.active.Load() {
			active = append(active, t)
		}
	}
	return entry, active
}

// pick selects one target from a non-empty active set under the configured
// policy.
func (r *Router) pick(entry *modelTargets, active []*target) *target {
	if len(active) == 1 {
		return active[0]
	}
	switch r.Policy() {
	case types.LoadBalanceWeighted:
		return pickWeighted(entry, active)
	case types.LoadBalanceLeastConnections:
		return pickLeastConnections(active)
	case types.LoadBalanceResponseTime:
		return pickResponseTime(active)
	default:
		n := entry.rr.Add(1) - 1
		return active[n%uint64(len(active))]
	}
}

// pickWeighted is weighted round-robin: the shared counter walks an expanded
// sequence where each target occupies weight slots.
func pickWeighted(entry *modelTargets, active []*target) *target {
	totalWeight := 0
	for _, t := range active {
		weight := t.weight
		if weight <= 0 {
			weight = 1
		}
		totalWeight += weight
	}
	n := int((entry.rr.Add(1) - 1) % uint64(totalWeight))
	for _, t := range active {
		weight := t.weight
		if weight <= 0 {
			weight = 1
		}
		if n < weight {
			return t
		}
		n -= weight
	}
	return active[len(active)-1]
}

func pickLeastConnections(active []*target) *target {
	best := []*target{active[0]}
	bestCount := active[0].inFlight.Load()
	for _, t := range active[1:] {
		count := t.inFlight.Load()
		switch {
		case count < bestCount:
			best = []*target{t}
			bestCount = count
		case count == bestCount:
			best = append(best, t)
		}
	}
	return best[rand.Intn(len(best))]
}

func pickResponseTime(active []*target) *target {
	best := []*target{active[0]}
	bestAvg := active[0].avgResponseTime()
	for _, t := range active[1:] {
		avg := t.avgResponseTime()
		switch {
		case avg < bestAvg:
			best = []*target{t}
			bestAvg = avg
		case avg == bestAvg:
			best = append(best, t)
		}
	}
	return best[rand.Intn(len(best))]
}

// maxReplayBodyBytes bounds how much of the inbound body is buffered for
// failover replay. Larger bodies are streamed to a single target instead, so
// an oversized upload cannot balloon memory.
const maxReplayBodyBytes = 8 << 20

// Proxy forwards one request for the model. Bodies up to maxReplayBodyBytes
// are buffered so a transport error can fail over to a second target exactly
// once; responses stream back with flushes so token streams arrive as they
// are produced.
func (r *Router) Proxy(modelID string, w http.ResponseWriter, req *http.Request) {
	entry, active := r.activeTargets(modelID)
	if len(active) == 0 {
		http.Error(w, "no active targets for model "+modelID, http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxReplayBodyBytes+1))
	if err != nil {
		http.Error(w, "reading request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	first := r.pick(entry, active)
	if len(body) > maxReplayBodyBytes {
		// Too large to replay: one attempt, streaming the tail straight from
		// the client.
		if done := r.forward(first, w, req, io.MultiReader(bytes.NewReader(body), req.Body)); done {
			return
		}
		http.Error(w, "target for model "+modelID+" failed", http.StatusBadGateway)
		r.sink.ProxiedRequest(modelID, http.StatusBadGateway, 0)
		return
	}
	_ = req.Body.Close()

	if done := r.forward(first, w, req, bytes.NewReader(body)); done {
		return
	}

	// One failover: any other active target.
	for _, t := range active {
		if t == first {
			continue
		}
		log.Warn().
			Str("model_id", modelID).
			Str("failed_target", first.endpoint.String()).
			Str("failover_target", t.endpoint.String()).
			Msg("transport error, failing over")
		if done := r.forward(t, w, req, bytes.NewReader(body)); done {
			return
		}
		break
	}

	http.Error(w, "all targets for model "+modelID+" failed", http.StatusBadGateway)
	r.sink.ProxiedRequest(modelID, http.StatusBadGateway, 0)
}

// forward sends the request to one target. Returns false only on a transport
// error before any response bytes were written, which is the only safe
// failover point.
func (r *Router) forward(t *target, w http.ResponseWriter, req *http.Request, body io.Reader) bool {
	started := time.Now()
	t.inFlight.Add(1)
	defer t.inFlight.Add(-1)

	outURL := *t.endpoint
	outURL.Path = singleJoiningSlash(t.endpoint.Path, req.URL.Path)
	outURL.RawQuery = req.URL.RawQuery

	out, err := http.NewRequestWithContext(req.Context(), req.Method, outURL.String(), body)
	if err != nil {
		r.recordFailure(t, started, 0, err)
		return false
	}
	out.Header = req.Header.Clone()

	resp, err := r.client.Do(out)
	if err != nil {
		r.recordFailure(t, started, 0, err)
		return false
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	copyStreaming(w, resp.Body)

	took := time.Since(started)
	t.totalRequests.Add(1)
	t.totalResponseTimeMS.Add(took.Milliseconds())
	if resp.StatusCode >= 500 {
		t.errorCount.Add(1)
		r.bumpFailureStreak(t)
	} else {
		t.consecutiveFailures.Store(0)
	}
	t.history.add(RequestRecord{At: started, Status: resp.StatusCode, DurationMS: took.Milliseconds()})
	r.sink.ProxiedRequest(t.modelID, resp.StatusCode, took)
	return true
}

func (r *Router) recordFailure(t *target, started time.Time, status int, err error) {
	took := time.Since(started)
	t.totalRequests.Add(1)
	t.totalResponseTimeMS.Add(took.Milliseconds())
	t.errorCount.Add(1)
	r.bumpFailureStreak(t)
	t.history.add(RequestRecord{At: started, Status: status, DurationMS: took.Milliseconds(), Error: err.Error()})
}

func (r *Router) bumpFailureStreak(t *target) {
	if t.consecutiveFailures.Add(1) >= r.failoverThreshold {
		if t.active.CompareAndSwap(true, false) {
			log.Warn().
				Str("model_id", t.modelID).
				Str("endpoint", t.endpoint.String()).
				Int64("consecutive_failures", t.consecutiveFailures.Load()).
				Msg("target deactivated after repeated failures")
		}
	}
}

// copyStreaming copies the upstream body flushing after every chunk, so SSE
// token streams reach the client promptly.
func copyStreaming(w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func singleJoiningSlash(a, b string) string {
	switch {
	case b == "" || b == "/":
		if a == "" {
			return "/"
		}
		return a
	case a == "" || a == "/":
		return b
	}
	aslash := a[len(a)-1] == '/'
	bslash := b[0] == '/'
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
