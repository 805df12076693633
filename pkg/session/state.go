package session

// State is a session's position in its lifecycle. Transitions only move
// forward; Closed is terminal.
type State int32

const (
	StateNegotiating State = iota
	StatePromptResolving
	StateWarmup
	StateHandshaking
	StateDuplex
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StatePromptResolving:
		return "prompt-resolving"
	case StateWarmup:
		return "warmup"
	case StateHandshaking:
		return "handshaking"
	case StateDuplex:
		return "duplex"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
