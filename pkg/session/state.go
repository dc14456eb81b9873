package session

// State is the lifecycle position of one streaming session.
type State int

const (
	StateInitializing State = iota
	StateConnected
	StateStreaming
	StateIdle
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateConnected:
		return "CONNECTED"
	case StateStreaming:
		return "STREAMING"
	case StateIdle:
		return "IDLE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// validTransitions encodes the session lifecycle. Streaming and Connected
// alternate per utterance; Idle is the reconnect window after the carrier
// stream detaches without ending the call; Closed is terminal from any
// state.
var validTransitions = map[State][]State{
	StateInitializing: {StateConnected, StateClosed},
	StateConnected:    {StateStreaming, StateIdle, StateClosed},
	StateStreaming:    {StateConnected, StateClosed},
	StateIdle:         {StateConnected, StateClosed},
	StateClosed:       {},
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}

// StateChange is delivered to listeners on every transition.
type StateChange struct {
	SessionID string
	FromState State
	ToState   State
	Reason    string
}

// StateListener observes session state changes. Listeners run on the
// transitioning goroutine and must not call back into the session.
type StateListener func(change StateChange)
