package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestUserLocks(t *testing.T) {
	t.Run("serialises one user", func(t *testing.T) {
		locks := newUserLocks(zerolog.Nop())
		var (
			mu      sync.Mutex
			active  int
			maxSeen int
			wg      sync.WaitGroup
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = locks.with(context.Background(), "u", func(context.Context) error {
					mu.Lock()
					active++
					if active > maxSeen {
						maxSeen = active
					}
					mu.Unlock()
					time.Sleep(time.Millisecond)
					mu.Lock()
					active--
					mu.Unlock()
					return nil
				})
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, maxSeen)
		assert.Zero(t, locks.size())
	})

	t.Run("returns the callback error", func(t *testing.T) {
		locks := newUserLocks(zerolog.Nop())
		want := errors.New("fail")
		err := locks.with(context.Background(), "u", func(context.Context) error { return want })
		assert.ErrorIs(t, err, want)
		assert.Zero(t, locks.size())
	})

	t.Run("entries are per user", func(t *testing.T) {
		locks := newUserLocks(zerolog.Nop())
		held := make(chan struct{})
		done := make(chan struct{})
		go func() {
			_ = locks.with(context.Background(), "a", func(context.Context) error {
				close(held)
				<-done
				return nil
			})
		}()
		<-held
		assert.Equal(t, 1, locks.size())

		ran := false
		_ = locks.with(context.Background(), "b", func(context.Context) error {
			ran = true
			assert.Equal(t, 2, locks.size())
			return nil
		})
		assert.True(t, ran)
		close(done)
	})

	t.Run("distributed lock failure skips the callback", func(t *testing.T) {
		locks := newUserLocks(zerolog.Nop())
		locks.distributed = &countingLocker{fail: errors.New("unavailable")}
		called := false
		err := locks.with(context.Background(), "u", func(context.Context) error {
			called = true
			return nil
		})
		assert.ErrorContains(t, err, "unavailable")
		assert.False(t, called)
		assert.Zero(t, locks.size())
	})
}
