package persist

import (
	"fmt"
	"slices"
)

// State of one logical write
type State int

const (
	StateNotExists State = iota
	StateWriting
	StateWritten
	StateVerified
	StateMismatched
	StateFailed
)

var stateNames = map[State]string{
	StateNotExists:  "not_exists",
	StateWriting:    "writing",
	StateWritten:    "written",
	StateVerified:   "verified",
	StateMismatched: "mismatched",
	StateFailed:     "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transition is allowed
func (s State) Terminal() bool {
	return s == StateVerified || s == StateMismatched || s == StateFailed
}

var transitions = map[State][]State{
	StateNotExists: {StateWriting, StateFailed},
	StateWriting:   {StateWritten, StateFailed},
	StateWritten:   {StateVerified, StateMismatched, StateFailed},
}

// lifecycle tracks the states one Save passes through
type lifecycle struct {
	state   State
	history []State
}

func newLifecycle() *lifecycle {
	return &lifecycle{state: StateNotExists, history: []State{StateNotExists}}
}

func (l *lifecycle) advance(to State) error {
	if !slices.Contains(transitions[l.state], to) {
		return fmt.Errorf("illegal write transition %s -> %s", l.state, to)
	}
	l.state = to
	l.history = append(l.history, to)
	return nil
}

// fail moves to StateFailed from any non-terminal state.
func (l *lifecycle) fail() {
	if !l.state.Terminal() {
		_ = l.advance(StateFailed)
	}
}
