package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fleetml/fleet/api/pkg/types"
)

// recoveryAttemptWindow bounds how far back failed attempts count against
// MaxRecoveryAttempts. Attempts older than this age out and free a new slot.
const recoveryAttemptWindow = time.Hour

// RecoveryEntry is one model waiting for the recovery loop.
type RecoveryEntry struct {
	ModelID string `json:"model_id"`
	Reason  string `json:"reason"`
	// Attempts counts failed attempts within the trailing window.
	Attempts      int         `json:"attempts"`
	AttemptTimes  []time.Time `json:"attempt_times,omitempty"`
	EnqueuedAt    time.Time   `json:"enqueued_at"`
	NextAttemptAt time.Time   `json:"next_attempt_at"`
}

type recoveryQueue struct {
	mu      sync.Mutex
	entries map[string]*RecoveryEntry
}

func newRecoveryQueue() *recoveryQueue {
	return &recoveryQueue{entries: make(map[string]*RecoveryEntry)}
}

// enqueue adds a model unless it is already queued; re-enqueueing an existing
// entry never resets its attempt counter.
func (q *recoveryQueue) enqueue(modelID, reason string, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.entries[modelID]; exists {
		return
	}
	now := time.Now()
	q.entries[modelID] = &RecoveryEntry{
		ModelID:       modelID,
		Reason:        reason,
		EnqueuedAt:    now,
		NextAttemptAt: now.Add(delay),
	}
}

func (q *recoveryQueue) drop(modelID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, modelID)
}

// bump records a failed attempt and returns how many attempts fall within the
// trailing window.
func (q *recoveryQueue) bump(modelID string, nextDelay time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[modelID]
	if !ok {
		return 0
	}
	now := time.Now()
	entry.AttemptTimes = append(entry.AttemptTimes, now)
	cutoff := now.Add(-recoveryAttemptWindow)
	kept := entry.AttemptTimes[:0]
	for _, at := range entry.AttemptTimes {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	entry.AttemptTimes = kept
	entry.Attempts = len(kept)
	entry.NextAttemptAt = now.Add(nextDelay)
	return entry.Attempts
}

// pauseUntilWindowFrees pushes the next attempt past the point where the
// oldest counted attempt leaves the window, and returns that time.
func (q *recoveryQueue) pauseUntilWindowFrees(modelID string) time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[modelID]
	if !ok || len(entry.AttemptTimes) == 0 {
		return time.Time{}
	}
	resume := entry.AttemptTimes[0].Add(recoveryAttemptWindow)
	if resume.After(entry.NextAttemptAt) {
		entry.NextAttemptAt = resume
	}
	return entry.NextAttemptAt
}

func (q *recoveryQueue) due(now time.Time) []RecoveryEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []RecoveryEntry
	for _, entry := range q.entries {
		if !entry.NextAttemptAt.After(now) {
			due = append(due, *entry)
		}
	}
	return due
}

func (q *recoveryQueue) snapshot() []RecoveryEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]RecoveryEntry, 0, len(q.entries))
	for _, entry := range q.entries {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

func (q *recoveryQueue) restore(entries []RecoveryEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range entries {
		entry := entries[i]
		q.entries[entry.ModelID] = &entry
	}
}

// attemptHistory is a bounded log of recovery attempts, oldest first.
type attemptHistory struct {
	mu      sync.Mutex
	size    int
	entries []types.RecoveryAttempt
}

func newAttemptHistory(size int) *attemptHistory {
	if size <= 0 {
		size = 1
	}
	return &attemptHistory{size: size}
}

func (h *attemptHistory) add(attempt types.RecoveryAttempt) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, attempt)
	if len(h.entries) > h.size {
		h.entries = h.entries[len(h.entries)-h.size:]
	}
}

func (h *attemptHistory) all() []types.RecoveryAttempt {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]types.RecoveryAttempt(nil), h.entries...)
}

// EnqueueRecovery queues the model for the background recovery loop.
func (s *Scheduler) EnqueueRecovery(modelID, reason string) {
	s.recovery.enqueue(modelID, reason, s.backoff(0))
	log.Info().Str("model_id", modelID).Str("reason", reason).Msg("model queued for recovery")
}

// DropRecovery removes the model from the recovery queue, if queued.
func (s *Scheduler) DropRecovery(modelID string) {
	s.recovery.drop(modelID)
}

// RecoveryQueue returns a snapshot of the queue for the operator API.
func (s *Scheduler) RecoveryQueue() []RecoveryEntry {
	return s.recovery.snapshot()
}

// RunRecovery drives the recovery loop until the context is cancelled. One
// pass per interval: detect dead or stuck engines, then retry queued models.
func (s *Scheduler) RunRecovery(ctx context.Context) {
	interval := time.Duration(s.Policy().RecoveryCheckInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("recovery loop started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("recovery loop stopped")
			return
		case <-ticker.C:
			s.RecoveryPass(ctx)
		}
	}
}

// RecoveryPass runs one iteration of the recovery loop.
func (s *Scheduler) RecoveryPass(ctx context.Context) {
	s.detectFailures(ctx)

	due := s.due(time.Now())
	for _, entry := range due {
		if ctx.Err() != nil {
			return
		}
		s.attemptRecovery(ctx, entry)
	}
}

// due returns actionable queue entries ordered highest model priority first,
// so contested GPU room goes to the most important model.
func (s *Scheduler) due(now time.Time) []RecoveryEntry {
	entries := s.recovery.due(now)
	priority := func(modelID string) int {
		runtime, err := s.models.Get(modelID)
		if err != nil {
			return 0
		}
		return runtime.Config.Priority
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return priority(entries[i].ModelID) > priority(entries[j].ModelID)
	})
	return entries
}

func (s *Scheduler) attemptRecovery(ctx context.Context, entry RecoveryEntry) {
	runtime, err := s.models.Get(entry.ModelID)
	if err != nil {
		// Unregistered while queued.
		s.recovery.drop(entry.ModelID)
		return
	}
	if runtime.State != types.StateError && runtime.State != types.StatePreempted {
		// Recovered or stopped through some other path; the queue entry is
		// stale.
		s.recovery.drop(entry.ModelID)
		return
	}

	log.Info().
		Str("model_id", entry.ModelID).
		Int("attempt", entry.Attempts+1).
		Str("reason", entry.Reason).
		Msg("attempting recovery")

	_, scheduleErr := s.Schedule(ctx, entry.ModelID)
	success := scheduleErr == nil
	s.sink.RecoveryAttempt(entry.ModelID, success)
	attempt := types.RecoveryAttempt{
		ID:          uuid.New().String(),
		ModelID:     entry.ModelID,
		AttemptedAt: time.Now(),
		Reason:      entry.Reason,
		Success:     success,
	}
	if scheduleErr != nil {
		attempt.Error = scheduleErr.Error()
	}
	s.history.add(attempt)

	if success {
		s.recovery.drop(entry.ModelID)
		return
	}

	attempts := s.recovery.bump(entry.ModelID, s.backoff(entry.Attempts+1))
	if attempts >= s.Policy().MaxRecoveryAttempts {
		resumeAt := s.recovery.pauseUntilWindowFrees(entry.ModelID)
		log.Warn().
			Str("model_id", entry.ModelID).
			Int("attempts", attempts).
			Time("resume_at", resumeAt).
			Msg("recovery attempts exhausted for the trailing hour, pausing until old attempts age out")
	}
}

// detectFailures scans for engines that died underneath a RUNNING model and
// for starts stuck past the detection timeout, and feeds both into the queue.
func (s *Scheduler) detectFailures(ctx context.Context) {
	timeout := time.Duration(s.Policy().FailureDetectionTimeout) * time.Second
	for _, runtime := range s.models.List() {
		modelID := runtime.Config.ID
		switch runtime.State {
		case types.StateStarting:
			if time.Since(runtime.LastScheduledAt) <= timeout {
				continue
			}
			reason := fmt.Sprintf("start did not settle within %s", timeout)
			log.Warn().Str("model_id", modelID).Msg("stuck start detected")
			if err := s.models.MarkError(modelID, reason); err != nil {
				continue
			}
			s.EnqueueRecovery(modelID, reason)
		case types.StateRunning:
			// Grace period after launch: engines can take a while to settle,
			// only probe models that have been up past the timeout.
			if time.Since(runtime.LastScheduledAt) <= timeout {
				continue
			}
			if s.models.ProbeEngine(ctx, modelID) {
				continue
			}
			reason := "engine process or container is gone"
			log.Warn().Str("model_id", modelID).Msg("dead engine detected under running model")
			if err := s.models.MarkError(modelID, reason); err != nil {
				continue
			}
			s.EnqueueRecovery(modelID, reason)
		}
	}
}
