package scheduler

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetml/fleet/api/pkg/types"
)

// DecisionTracker keeps a circular buffer of schedule decisions for the
// operator API. Consecutive identical failures for the same model are
// collapsed into one entry with a repeat count, so a model that cannot fit
// does not flood the log.
type DecisionTracker struct {
	mu        sync.RWMutex
	decisions []*types.ScheduleDecision
	index     int
	size      int
	count     int
}

func NewDecisionTracker(size int) *DecisionTracker {
	if size <= 0 {
		size = 1
	}
	return &DecisionTracker{
		decisions: make([]*types.ScheduleDecision, size),
		size:      size,
	}
}

func (t *DecisionTracker) Log(decision *types.ScheduleDecision) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if decision.ID == "" {
		decision.ID = uuid.New().String()
	}
	if decision.Created.IsZero() {
		decision.Created = time.Now()
	}

	if isRepeatable(decision.Outcome) {
		key := duplicateKey(decision)
		for i := 0; i < min(t.count, 10); i++ {
			checkIndex := (t.index - 1 - i + t.size) % t.size
			prev := t.decisions[checkIndex]
			if prev != nil && isRepeatable(prev.Outcome) && duplicateKey(prev) == key {
				prev.RepeatCount++
				prev.Created = time.Now()
				prev.Reason = decision.Reason
				return
			}
		}
	}

	t.decisions[t.index] = decision
	t.index = (t.index + 1) % t.size
	if t.count < t.size {
		t.count++
	}
}

func isRepeatable(outcome types.ScheduleOutcome) bool {
	return outcome == types.ScheduleOutcomeInsufficientResources ||
		outcome == types.ScheduleOutcomePreemptionRateLimited ||
		outcome == types.ScheduleOutcomeNoGPUs
}

// duplicateKey ignores everything after the first '(' in the reason, which is
// where the volatile memory numbers live.
func duplicateKey(decision *types.ScheduleDecision) string {
	reasonCore := decision.Reason
	if idx := strings.Index(reasonCore, "("); idx > 0 {
		reasonCore = strings.TrimSpace(reasonCore[:idx])
	}
	return decision.ModelID + ":" + string(decision.Outcome) + ":" + reasonCore
}

// Recent returns the most recent decisions, newest first.
func (t *DecisionTracker) Recent(limit int) []*types.ScheduleDecision {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.count == 0 {
		return []*types.ScheduleDecision{}
	}
	if limit <= 0 || limit > t.count {
		limit = t.count
	}

	result := make([]*types.ScheduleDecision, 0, limit)
	currentIndex := t.index - 1
	if currentIndex < 0 {
		currentIndex = t.size - 1
	}
	for i := 0; i < limit; i++ {
		if t.decisions[currentIndex] != nil {
			result = append(result, t.decisions[currentIndex])
		}
		currentIndex--
		if currentIndex < 0 {
			currentIndex = t.size - 1
		}
	}
	return result
}

func (t *DecisionTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.decisions {
		t.decisions[i] = nil
	}
	t.index = 0
	t.count = 0
}
