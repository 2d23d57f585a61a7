package workflow

import (
	"fmt"

	"github.com/songzhibin97/chatflow-engine/types"
)

// State is the position of a user in the conversation state machine.
type State int

const (
	// StateIdle means the user has no session.
	StateIdle State = iota
	// StateRunning means a session exists and is not waiting for input.
	StateRunning
	// StateAwaitingInput means the run is suspended until the user answers.
	StateAwaitingInput
	// StateTerminal means the run ended and the session was removed.
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateAwaitingInput:
		return "awaiting_input"
	case StateTerminal:
		return "terminal"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{StateIdle, StateRunning, StateAwaitingInput, StateTerminal} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// Outcome describes what an inbound event did. Entry points always return a
// non-nil Outcome, also alongside an error.
type Outcome struct {
	State State `json:"state"`
	// Accepted reports whether the event moved the conversation.
	Accepted bool     `json:"accepted"`
	Notices  []string `json:"notices,omitempty"`
	FlowID   string   `json:"flow_id,omitempty"`
	NodeID   string   `json:"node_id,omitempty"`
	RunID    uint64   `json:"run_id,omitempty"`
	// Steps is the number of nodes executed for this event.
	Steps int `json:"steps"`
}

func (o *Outcome) notice(msg string) *Outcome {
	o.Notices = append(o.Notices, msg)
	return o
}

// at records a stored session that is at rest between events.
func (o *Outcome) at(sess types.Session) {
	o.State = StateAwaitingInput
	o.FlowID, o.NodeID, o.RunID = sess.FlowID, sess.CurrentNodeID, sess.RunID
}
