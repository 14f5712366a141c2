package gateway

// State is where a connection is in its lifecycle.
type State int

const (
	Pending State = iota // transport open, no identity
	Active               // joined and registered
	Closed               // terminal
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Input is an event that can move a connection between states.
type Input int

const (
	InputJoinAccepted Input = iota
	InputJoinDenied
	InputSubmit
	InputTransportClosed
	InputHeartbeatTimeout
	InputEvicted
)

// Effect is an action the gateway performs as the result of a transition,
// in the order returned.
type Effect int

const (
	EffectRegister Effect = iota
	EffectMarkOnline
	EffectBroadcastJoined
	EffectSendHistory
	EffectStartHeartbeat
	EffectProcessSubmission
	EffectRejectNotJoined
	EffectRejectAlreadyJoined
	EffectStopHeartbeat
	EffectDeregister
	// MarkOffline and BroadcastLeft only apply when Deregister removed the entry.
	EffectMarkOffline
	EffectBroadcastLeft
	EffectCloseInvalidSession
	EffectCloseReplaced
	EffectCloseHeartbeatTimeout
)

// Transition is the connection state machine. It has no side effects.
func Transition(s State, in Input) (State, []Effect) {
	switch s {
	case Pending:
		switch in {
		case InputJoinAccepted:
			return Active, []Effect{EffectRegister, EffectMarkOnline, EffectBroadcastJoined, EffectSendHistory, EffectStartHeartbeat}
		case InputJoinDenied:
			return Closed, []Effect{EffectCloseInvalidSession}
		case InputSubmit:
			return Pending, []Effect{EffectRejectNotJoined}
		case InputTransportClosed:
			return Closed, nil
		}
		// no heartbeat runs and nothing is registered yet
		return Pending, nil

	case Active:
		switch in {
		case InputJoinAccepted, InputJoinDenied:
			return Active, []Effect{EffectRejectAlreadyJoined}
		case InputSubmit:
			return Active, []Effect{EffectProcessSubmission}
		case InputTransportClosed:
			return Closed, []Effect{EffectStopHeartbeat, EffectDeregister, EffectMarkOffline, EffectBroadcastLeft}
		case InputHeartbeatTimeout:
			return Closed, []Effect{EffectStopHeartbeat, EffectDeregister, EffectMarkOffline, EffectBroadcastLeft, EffectCloseHeartbeatTimeout}
		case InputEvicted:
			// the registry already holds the replacement; presence is unchanged
			return Closed, []Effect{EffectStopHeartbeat, EffectCloseReplaced}
		}
	}
	return Closed, nil
}
