// Package task provides the cancellable repeating-task primitive used by every
// polling loop in the pipeline (signal polling, chunk waits, manifest refresh).
// Time comes from an injected clock so tests can drive it deterministically.
package task

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Task is a running repeating job. The zero value is not usable; see Repeat.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Repeat calls fn every interval until ctx is cancelled or Stop is called.
// Invocations never overlap: the next tick is only consumed after fn returns,
// and ticks missed while fn was running are coalesced by the ticker.
func Repeat(ctx context.Context, clk clock.Clock, interval time.Duration, fn func(context.Context)) *Task {
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{cancel: cancel, done: make(chan struct{})}

	ticker := clk.Ticker(interval)
	go func() {
		defer close(t.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// A tick racing with cancellation must not run fn.
				if ctx.Err() != nil {
					return
				}
				fn(ctx)
			}
		}
	}()
	return t
}

// Stop cancels the task and blocks until the loop goroutine has exited, so no
// callback can fire after Stop returns. Safe to call more than once.
func (t *Task) Stop() {
	if t == nil {
		return
	}
	t.once.Do(t.cancel)
	<-t.done
}

// Done is closed once the loop has exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Sleep waits for d on clk or returns ctx.Err() if ctx ends first.
func Sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if clk == nil {
		clk = clock.New()
	}
	timer := clk.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
