package hub

import (
	"strings"
	"sync"
	"time"
)

// batcher coalesces output chunks for one client into a single frame per
// interval. Flushes are serialized so frames leave in arrival order.
type batcher struct {
	mu       sync.Mutex
	texts    []string
	ts       int64
	timer    *time.Timer
	err      error
	interval time.Duration

	flushMu sync.Mutex
	onFlush func(text string, ts int64) error
}

func newBatcher(interval time.Duration, onFlush func(string, int64) error) *batcher {
	return &batcher{
		interval: interval,
		onFlush:  onFlush,
	}
}

// Add queues text. It returns the error of an earlier failed flush, so the
// owner learns that its peer is gone on the next chunk.
func (b *batcher) Add(text string, ts int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return b.err
	}
	b.texts = append(b.texts, text)
	if ts > b.ts {
		b.ts = ts
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.interval, func() { _ = b.Flush() })
	}
	return nil
}

// Flush sends everything pending now.
func (b *batcher) Flush() error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	texts, ts := b.texts, b.ts
	b.texts, b.ts = nil, 0
	err := b.err
	b.mu.Unlock()

	if err != nil || len(texts) == 0 {
		return err
	}
	if err := b.onFlush(strings.Join(texts, ""), ts); err != nil {
		b.mu.Lock()
		b.err = err
		b.mu.Unlock()
		return err
	}
	return nil
}

// Stop drops pending output and cancels the timer.
func (b *batcher) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.texts = nil
}
