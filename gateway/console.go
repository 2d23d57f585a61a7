package gateway

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/songzhibin97/chatflow-engine/types"
)

// Console renders messages as plain text for the interactive CLI. It remembers
// the most recent choice menu so numbered answers can be mapped back to
// callback tokens.
type Console struct {
	mu      sync.Mutex
	out     io.Writer
	choices []types.Choice
}

var _ Gateway = (*Console)(nil)

func NewConsole(out io.Writer) *Console {
	return &Console{out: out}
}

func (c *Console) printf(format string, args ...interface{}) error {
	_, err := fmt.Fprintf(c.out, format, args...)
	return err
}

func (c *Console) SendText(ctx context.Context, userID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.printf("bot> %s\n", text)
}

func (c *Console) SendPhoto(ctx context.Context, userID, url, caption string) error {
	return c.sendMedia("photo", url, caption)
}

func (c *Console) SendVideo(ctx context.Context, userID, url, caption string) error {
	return c.sendMedia("video", url, caption)
}

func (c *Console) sendMedia(kind, url, caption string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caption == "" {
		return c.printf("bot> [%s] %s\n", kind, url)
	}
	return c.printf("bot> [%s] %s (%s)\n", kind, url, caption)
}

func (c *Console) SendChoiceMenu(ctx context.Context, userID, text string, choices []types.Choice) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.choices = append([]types.Choice(nil), choices...)
	if err := c.printf("bot> %s\n", text); err != nil {
		return err
	}
	for i, ch := range choices {
		if err := c.printf("     %d) %s\n", i+1, ch.Label); err != nil {
			return err
		}
	}
	return nil
}

// Choice returns the token of the n-th (1-based) choice of the last menu.
func (c *Console) Choice(n int) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n < 1 || n > len(c.choices) {
		return "", false
	}
	return c.choices[n-1].Token, true
}
