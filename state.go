// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package isolate

import (
	"sync/atomic"
)

// State is the lifecycle state of an Isolate.
//
//	StateCreated → StateRunnable            [MakeRunnable]
//	StateRunnable → StatePausedOnStart      [pause on start]
//	StateRunnable → StateRunning            [startup callback]
//	StatePausedOnStart → StateRunning       [ResumeFromPause]
//	StateRunning → StatePausedOnExit        [pause on exit]
//	StatePausedOnExit → StateRunning        [ResumeFromPause]
//	(any) → StateShuttingDown               [shutdown callback]
//	StateShuttingDown → StateDestroyed      [teardown complete]
//
// StateDestroyed is terminal. Transitions between non-terminal states use
// CAS; StateShuttingDown and StateDestroyed are stored unconditionally.
type State uint32

const (
	StateCreated State = iota
	StateRunnable
	StateRunning
	StatePausedOnStart
	StatePausedOnExit
	StateShuttingDown
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateRunnable:
		return "Runnable"
	case StateRunning:
		return "Running"
	case StatePausedOnStart:
		return "PausedOnStart"
	case StatePausedOnExit:
		return "PausedOnExit"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateDestroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}

// lifecycle is a lock-free holder for a State.
type lifecycle struct {
	v atomic.Uint32
}

func (s *lifecycle) Load() State {
	return State(s.v.Load())
}

func (s *lifecycle) Store(state State) {
	s.v.Store(uint32(state))
}

func (s *lifecycle) TryTransition(from, to State) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

func (s *lifecycle) TransitionAny(validFrom []State, to State) bool {
	for _, from := range validFrom {
		if s.v.CompareAndSwap(uint32(from), uint32(to)) {
			return true
		}
	}
	return false
}

// IsTerminating reports whether teardown has started.
func (s *lifecycle) IsTerminating() bool {
	return s.Load() >= StateShuttingDown
}
