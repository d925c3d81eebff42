package epoch

import "arena/pkg/exception"

// State is the lifecycle stage of the current epoch.
type State uint16

const (
	StateUnknown State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// transition validates a move from one state to the next.
// Closing may be re-entered while a failed close is retried.
func transition(from, to State) error {
	switch {
	case from == StateOpen && to == StateClosing,
		from == StateClosing && to == StateClosing,
		from == StateClosing && to == StateClosed,
		from == StateClosed && to == StateOpen:
		return nil
	default:
		return exception.ErrInvalidTransition
	}
}
