package bootstrap

import (
	"errors"
	"fmt"
	"net/netip"
)

// ErrClosed is returned by a closed Manager.
var ErrClosed = errors.New("bootstrap manager closed")

// Phase names the step of the bootstrap protocol that failed.
type Phase string

const (
	PhasePing Phase = "ping"
	PhaseJoin Phase = "join"
)

// BootstrapError represents a failed bootstrap step.
type BootstrapError struct {
	Phase Phase
	Addr  netip.AddrPort
	Cause error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap %s failed for %s: %v", e.Phase, e.Addr, e.Cause)
}

func (e *BootstrapError) Unwrap() error {
	return e.Cause
}
