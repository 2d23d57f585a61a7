package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DirectiveKind is the transition decided by the executor after a node ran.
type DirectiveKind int

// Directive kinds.
const (
	DirectiveAutoAdvance DirectiveKind = iota
	DirectiveWaitForInput
	DirectiveGoto
	DirectiveTerminate
)

// String implements fmt.Stringer.
func (k DirectiveKind) String() string {
	switch k {
	case DirectiveAutoAdvance:
		return "auto_advance"
	case DirectiveWaitForInput:
		return "wait_for_input"
	case DirectiveGoto:
		return "goto"
	case DirectiveTerminate:
		return "terminate"
	}
	return "unknown"
}

// Directive is returned by the node executor.
type Directive struct {
	Kind DirectiveKind
	// Target is the node to jump to for DirectiveGoto.
	Target string
	// Handle restricts auto-advance to edges with this source handle.
	Handle string
	// Resume, when positive on a wait directive, asks for a deferred resume.
	Resume time.Duration
	// Context holds keys the node adds to the run context. Nil means no change.
	Context map[string]interface{}
}

// AutoAdvance follows the first outgoing edge.
func AutoAdvance(ctx map[string]interface{}) Directive {
	return Directive{Kind: DirectiveAutoAdvance, Context: ctx}
}

// AdvanceVia follows the first outgoing edge whose source handle matches.
func AdvanceVia(handle string, ctx map[string]interface{}) Directive {
	return Directive{Kind: DirectiveAutoAdvance, Handle: handle, Context: ctx}
}

// WaitForInput suspends the run until an inbound event arrives.
func WaitForInput(ctx map[string]interface{}) Directive {
	return Directive{Kind: DirectiveWaitForInput, Context: ctx}
}

// Goto jumps to an explicit node.
func Goto(target string, ctx map[string]interface{}) Directive {
	return Directive{Kind: DirectiveGoto, Target: target, Context: ctx}
}

// Terminate ends the run.
func Terminate(ctx map[string]interface{}) Directive {
	return Directive{Kind: DirectiveTerminate, Context: ctx}
}

const choiceTokenPrefix = "btn"

// ErrMalformedToken is returned when a callback token cannot be decoded.
var ErrMalformedToken = errors.New("malformed choice token")

// Choice is a button label paired with its callback token.
type Choice struct {
	Label string `json:"label"`
	Token string `json:"token"`
}

// EncodeChoiceToken builds the callback token "btn:{nodeID}:{index}".
func EncodeChoiceToken(nodeID string, index int) string {
	return fmt.Sprintf("%s:%s:%d", choiceTokenPrefix, nodeID, index)
}

// DecodeChoiceToken parses a token produced by EncodeChoiceToken.
func DecodeChoiceToken(token string) (nodeID string, index int, err error) {
	parts := strings.Split(token, ":")
	if len(parts) != 3 || parts[0] != choiceTokenPrefix || parts[1] == "" {
		return "", 0, fmt.Errorf("%w: %q", ErrMalformedToken, token)
	}
	index, err = strconv.Atoi(parts[2])
	if err != nil || index < 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrMalformedToken, token)
	}
	return parts[1], index, nil
}
