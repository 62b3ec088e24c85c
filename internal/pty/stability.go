package pty

import (
	"context"
	"sync"
	"time"
)

// DefaultDebounce is how long output must be silent to count as stable.
const DefaultDebounce = 500 * time.Millisecond

// detector is a re-armable "output occurred" signal. Every notify closes
// the current channel and arms a fresh one, so any number of waiters see
// the same signal.
type detector struct {
	debounce time.Duration

	mu    sync.Mutex
	armed chan struct{}
}

func newDetector(debounce time.Duration) *detector {
	return &detector{
		debounce: debounce,
		armed:    make(chan struct{}),
	}
}

func (d *detector) notify() {
	d.mu.Lock()
	close(d.armed)
	d.armed = make(chan struct{})
	d.mu.Unlock()
}

func (d *detector) next() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.armed
}

// wait blocks until no output has been signalled for one debounce window.
// Output arriving inside the window restarts the window. If budget runs
// out first it returns ErrTimeout. Silence from the start is stability.
func (d *detector) wait(ctx context.Context, budget time.Duration) error {
	if budget <= 0 {
		return ErrTimeout
	}

	deadline := time.NewTimer(budget)
	defer deadline.Stop()

	window := time.NewTimer(d.debounce)
	defer window.Stop()

	for {
		output := d.next()
		select {
		case <-output:
			if !window.Stop() {
				select {
				case <-window.C:
				default:
				}
			}
			window.Reset(d.debounce)
		case <-window.C:
			return nil
		case <-deadline.C:
			return ErrTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
