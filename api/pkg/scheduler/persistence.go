package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fleetml/fleet/api/pkg/types"
)

const stateVersion = "1.0"

// persistedState is the on-disk scheduler state. It carries just enough to
// survive a restart: the recovery queue, the preemption rate-limit window and
// a reduced decision log.
type persistedState struct {
	Version         string                  `json:"version"`
	SavedAt         time.Time               `json:"saved_at"`
	Policy          types.SchedulerPolicy   `json:"policy"`
	PreemptionTimes []time.Time             `json:"preemption_times"`
	RecoveryQueue   []RecoveryEntry         `json:"recovery_queue"`
	RecentDecisions []types.ReducedDecision `json:"recent_decisions"`
}

// Save writes the scheduler state via temp-file-and-rename so a crash mid
// write never corrupts the previous state.
func (s *Scheduler) Save() error {
	if s.stateFile == "" {
		return nil
	}

	policy := s.Policy()
	s.mu.Lock()
	s.recentPreemptionsLocked()
	state := persistedState{
		Version:         stateVersion,
		SavedAt:         time.Now(),
		Policy:          policy,
		PreemptionTimes: append([]time.Time(nil), s.preemptions...),
		RecoveryQueue:   s.recovery.snapshot(),
	}
	s.mu.Unlock()

	for _, decision := range s.decisions.Recent(policy.PersistedDecisionEntries) {
		state.RecentDecisions = append(state.RecentDecisions, decision.Reduce())
	}

	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling scheduler state: %w", err)
	}

	dir := filepath.Dir(s.stateFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.stateFile)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("writing scheduler state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.stateFile); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("renaming scheduler state into place: %w", err)
	}
	return nil
}

// Load restores a previously saved state. A missing file is a clean start; an
// unreadable or version-mismatched file is moved aside and ignored so one bad
// file never blocks startup.
func (s *Scheduler) Load() error {
	if s.stateFile == "" {
		return nil
	}
	payload, err := os.ReadFile(s.stateFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading scheduler state: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(payload, &state); err != nil {
		s.quarantine("unparseable")
		return nil
	}
	if state.Version != stateVersion {
		s.quarantine(state.Version)
		return nil
	}

	s.mu.Lock()
	cutoff := time.Now().Add(-time.Hour)
	for _, t := range state.PreemptionTimes {
		if t.After(cutoff) {
			s.preemptions = append(s.preemptions, t)
		}
	}
	s.mu.Unlock()
	s.recovery.restore(state.RecoveryQueue)

	// Seed the decision log oldest first so Recent keeps returning newest
	// first.
	for i := len(state.RecentDecisions) - 1; i >= 0; i-- {
		reduced := state.RecentDecisions[i]
		s.decisions.Log(&types.ScheduleDecision{
			ID:                reduced.ID,
			ModelID:           reduced.ModelID,
			Created:           reduced.Created,
			Outcome:           reduced.Outcome,
			PreemptedModelIDs: reduced.PreemptedModelIDs,
			Reason:            reduced.Reason,
		})
	}

	log.Info().
		Str("state_file", s.stateFile).
		Time("saved_at", state.SavedAt).
		Int("recovery_queue", len(state.RecoveryQueue)).
		Int("decisions", len(state.RecentDecisions)).
		Msg("scheduler state restored")
	return nil
}

func (s *Scheduler) quarantine(version string) {
	quarantined := fmt.Sprintf("%s.invalid-%s-%d", s.stateFile, version, time.Now().Unix())
	if err := os.Rename(s.stateFile, quarantined); err != nil {
		log.Error().Err(err).Str("state_file", s.stateFile).Msg("could not move invalid state file aside")
		return
	}
	log.Warn().
		Str("state_file", s.stateFile).
		Str("moved_to", quarantined).
		Msg("scheduler state file invalid or from another version, starting fresh")
}
