package registry

import (
	"github.com/fleetml/fleet/api/pkg/types"
)

// allowedTransitions is the lifecycle state machine. Every state flip in the
// registry goes through this table; anything not listed is rejected with an
// InvalidState error.
var allowedTransitions = map[types.LifecycleState][]types.LifecycleState{
	types.StateStopped:  {types.StateStarting},
	types.StateStarting: {types.StateRunning, types.StateError, types.StatePreempted, types.StateStopping},
	types.StateRunning:  {types.StateStopping, types.StateError, types.StatePreempted},
	types.StateStopping: {types.StateStopped, types.StateError},
	// ERROR and PREEMPTED hold no live engine, so an operator stop can short
	// circuit straight to STOPPED.
	types.StateError:     {types.StateStarting, types.StateStopped},
	types.StatePreempted: {types.StateStarting, types.StateStopped},
}

func canTransition(from, to types.LifecycleState) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
