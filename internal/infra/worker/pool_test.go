//go:build !integration

package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

func TestPool(t *testing.T) {
	logger := zerolog.Nop()

	t.Run("runs submitted tasks and drains on stop", func(t *testing.T) {
		p := NewPool(2, 16, &logger)
		var ran int32
		for i := 0; i < 10; i++ {
			if err := p.Submit(func(ctx context.Context) error {
				atomic.AddInt32(&ran, 1)
				return nil
			}); err != nil {
				t.Fatalf("submit: %v", err)
			}
		}
		p.Start(context.Background())
		p.Stop()
		if got := atomic.LoadInt32(&ran); got != 10 {
			t.Errorf("expected 10 tasks to run, got %d", got)
		}
	})

	t.Run("rejects when saturated", func(t *testing.T) {
		p := NewPool(1, 1, &logger)
		noop := func(ctx context.Context) error { return nil }
		if err := p.Submit(noop); err != nil {
			t.Fatalf("first submit: %v", err)
		}
		if err := p.Submit(noop); !errors.Is(err, ErrQueueFull) {
			t.Errorf("expected ErrQueueFull, got %v", err)
		}
	})

	t.Run("survives a panicking task", func(t *testing.T) {
		p := NewPool(1, 4, &logger)
		var ran int32
		_ = p.Submit(func(ctx context.Context) error { panic("boom") })
		_ = p.Submit(func(ctx context.Context) error { atomic.AddInt32(&ran, 1); return nil })
		p.Start(context.Background())
		p.Stop()
		if atomic.LoadInt32(&ran) != 1 {
			t.Error("expected the second task to run")
		}
	})
}
