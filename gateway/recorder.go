package gateway

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/songzhibin97/chatflow-engine/types"
)

// Recorder is a Gateway that queues messages per user until they are drained.
// The HTTP server returns the drained queue in its responses, so messages
// from a deferred resume are delivered with the user's next request.
type Recorder struct {
	mu     sync.Mutex
	queues map[string][]Message
	logger zerolog.Logger
}

var _ Gateway = (*Recorder)(nil)

// NewRecorder creates an empty Recorder that logs every message at debug level.
func NewRecorder(logger zerolog.Logger) *Recorder {
	return &Recorder{queues: make(map[string][]Message), logger: logger}
}

func (r *Recorder) push(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.queues[msg.UserID] = append(r.queues[msg.UserID], msg)
	r.mu.Unlock()
	r.logger.Debug().Str("user_id", msg.UserID).Str("kind", string(msg.Kind)).Msg("outbound message queued")
	return nil
}

func (r *Recorder) SendText(ctx context.Context, userID, text string) error {
	return r.push(ctx, Message{Kind: KindText, UserID: userID, Text: text})
}

func (r *Recorder) SendPhoto(ctx context.Context, userID, url, caption string) error {
	return r.push(ctx, Message{Kind: KindPhoto, UserID: userID, URL: url, Caption: caption})
}

func (r *Recorder) SendVideo(ctx context.Context, userID, url, caption string) error {
	return r.push(ctx, Message{Kind: KindVideo, UserID: userID, URL: url, Caption: caption})
}

func (r *Recorder) SendChoiceMenu(ctx context.Context, userID, text string, choices []types.Choice) error {
	cp := append([]types.Choice(nil), choices...)
	return r.push(ctx, Message{Kind: KindChoice, UserID: userID, Text: text, Choices: cp})
}

// Drain returns and forgets the messages queued for userID.
func (r *Recorder) Drain(userID string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.queues[userID]
	delete(r.queues, userID)
	return msgs
}
