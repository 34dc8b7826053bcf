package sandbox

import (
	"fmt"

	"github.com/opencontainers/runtime-spec/specs-go"
)

type Status int

const (
	Created Status = iota
	Running
	Stopped
)

func (s Status) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s Status) containerState() specs.ContainerState {
	switch s {
	case Created:
		return specs.StateCreated
	case Running:
		return specs.StateRunning
	}
	return specs.StateStopped
}

// transition checks that a sandbox only ever moves forward.
func (s Status) transition(to Status) error {
	switch {
	case s == Created && to == Running,
		s == Created && to == Stopped,
		s == Running && to == Stopped:
		return nil
	}
	return fmt.Errorf("%s to %s: %w", s, to, ErrBadTransition)
}
