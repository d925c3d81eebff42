package llm

import (
	"arena/pkg/exception"
)

// State is a provider's circuit state.
type State uint8

const (
	StateHealthy State = iota
	StateCircuitOpen
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// breaker counts consecutive failures of one provider.
type breaker struct {
	state     State
	failures  int
	threshold int
}

// failure records a failed call and reports whether the circuit just opened.
func (b *breaker) failure() bool {
	if b.state == StateCircuitOpen {
		return false
	}
	b.failures++
	if b.failures >= b.threshold {
		b.state = StateCircuitOpen
		return true
	}
	return false
}

func (b *breaker) success() {
	if b.state == StateHealthy {
		b.failures = 0
	}
}

// close moves an open circuit back to healthy.
func (b *breaker) close() error {
	if b.state != StateCircuitOpen {
		return exception.ErrInvalidTransition
	}
	b.state = StateHealthy
	b.failures = 0
	return nil
}
