package keeper

import "time"

// State is the keeper's position within a tick. Transitions are pure so the
// scheduling behavior is testable without timers.
type State int

const (
	StateIdle State = iota
	StateSealing
	StatePublishing
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSealing:
		return "sealing"
	case StatePublishing:
		return "publishing"
	case StateBackoff:
		return "backoff"
	}
	return "unknown"
}

// Transition computes the next state from the current one and whether the
// work of the current state failed. A failed phase ends the tick in backoff;
// the full scheduling interval is then awaited before the next attempt.
func Transition(current State, failed bool) State {
	switch current {
	case StateIdle:
		return StateSealing
	case StateSealing:
		if failed {
			return StateBackoff
		}
		return StatePublishing
	case StatePublishing:
		if failed {
			return StateBackoff
		}
		return StateIdle
	case StateBackoff:
		return StateIdle
	}
	return StateIdle
}

// BackoffDelay returns the capped exponential delay before retry attempt
// number `attempt` (zero-based).
func BackoffDelay(attempt int, base, max time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
