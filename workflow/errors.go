package workflow

import (
	"errors"
	"fmt"
)

// Error taxonomy of the engine. Every entry point recovers these and reports
// them through an Outcome; none of them is fatal for other users.
var (
	// ErrNotFound means the active flow, the session's flow or a node is missing.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCallback means a stale, out-of-range or malformed callback.
	ErrInvalidCallback = errors.New("invalid callback")
	// ErrSideEffectFailure means a gateway send failed; the session was not advanced.
	ErrSideEffectFailure = errors.New("side effect failed")
	// ErrCycleOverflow means the step budget of one event was exhausted.
	ErrCycleOverflow = errors.New("cycle overflow")
	// ErrGraphMismatch means the session points at a node the flow no longer has.
	ErrGraphMismatch = fmt.Errorf("%w: graph mismatch", ErrNotFound)
	// ErrGeneratorRequired is returned by NewEngine without a run id generator.
	ErrGeneratorRequired = errors.New("generator is required")
)

// User-visible notices.
const (
	NoticeNoActiveFlow   = "No active flow configured"
	NoticeFlowLoadFailed = "Failed to load flow"
	NoticeNoStartNode    = "Flow has no start node"
	NoticeStaleButton    = "This button is no longer active"
	NoticeMalformedToken = "Invalid button data"
	NoticeInvalidChoice  = "Invalid button"
	NoticeCompleted      = "Flow completed"
	NoticeSendStart      = "Send /start to begin"
	NoticeChooseOption   = "Please choose one of the options above"
	NoticePleaseWait     = "Please wait for the next message"
	NoticeCannotContinue = "This flow cannot continue"
	NoticeFlowChanged    = "This flow has changed, send /start to begin again"
)

func noticeAccepted(label string) string {
	return "✅ " + label
}
