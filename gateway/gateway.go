// Package gateway holds the outbound messaging channel used by node execution.
package gateway

import (
	"context"

	"github.com/songzhibin97/chatflow-engine/types"
)

// Gateway delivers outbound messages to a user. Every method may fail; the
// engine treats a failure as a side effect failure and leaves the user's
// position unchanged.
type Gateway interface {
	SendText(ctx context.Context, userID, text string) error
	SendPhoto(ctx context.Context, userID, url, caption string) error
	SendVideo(ctx context.Context, userID, url, caption string) error
	SendChoiceMenu(ctx context.Context, userID, text string, choices []types.Choice) error
}

// MessageKind tags an outbound Message.
type MessageKind string

const (
	KindText   MessageKind = "text"
	KindPhoto  MessageKind = "photo"
	KindVideo  MessageKind = "video"
	KindChoice MessageKind = "choice_menu"
)

// Message is a gateway call captured as data.
type Message struct {
	Kind    MessageKind    `json:"kind"`
	UserID  string         `json:"user_id"`
	Text    string         `json:"text,omitempty"`
	URL     string         `json:"url,omitempty"`
	Caption string         `json:"caption,omitempty"`
	Choices []types.Choice `json:"choices,omitempty"`
}
