package batch

import (
	"context"
	"sync"
	"time"
)

// FlushFunc processes one batch. It runs on the batcher's goroutine, or on
// the caller's for an explicit Flush.
type FlushFunc[T any] func(ctx context.Context, items []T) error

// Batcher collects items and hands them to a FlushFunc when the batch is
// full, when the interval elapses, or on Stop.
type Batcher[T any] struct {
	batchSize     int
	batchInterval time.Duration
	flush         FlushFunc[T]
	onError       func(error)

	mu      sync.Mutex
	pending []T

	flushChan chan struct{}
	stopChan  chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

// NewBatcher starts a batcher. onError, when non-nil, is told about failed
// background flushes.
func NewBatcher[T any](batchSize int, batchInterval time.Duration, flush FlushFunc[T], onError func(error)) *Batcher[T] {
	if batchSize <= 0 {
		batchSize = 1
	}
	if batchInterval <= 0 {
		batchInterval = time.Second
	}
	b := &Batcher[T]{
		batchSize:     batchSize,
		batchInterval: batchInterval,
		flush:         flush,
		onError:       onError,
		pending:       make([]T, 0, batchSize),
		flushChan:     make(chan struct{}, 1),
		stopChan:      make(chan struct{}),
		done:          make(chan struct{}),
	}

	go b.run()

	return b
}

// Add queues an item; a full batch is flushed in the background.
func (b *Batcher[T]) Add(v T) {
	b.mu.Lock()
	b.pending = append(b.pending, v)
	shouldFlush := len(b.pending) >= b.batchSize
	b.mu.Unlock()

	if shouldFlush {
		select {
		case b.flushChan <- struct{}{}:
		default:
		}
	}
}

// Flush immediately processes all pending items.
func (b *Batcher[T]) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	items := b.pending
	b.pending = make([]T, 0, b.batchSize)
	b.mu.Unlock()

	return b.flush(ctx, items)
}

func (b *Batcher[T]) run() {
	defer close(b.done)

	ticker := time.NewTicker(b.batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.background()
		case <-b.flushChan:
			b.background()
		case <-b.stopChan:
			b.background()
			return
		}
	}
}

func (b *Batcher[T]) background() {
	if err := b.Flush(context.Background()); err != nil && b.onError != nil {
		b.onError(err)
	}
}

// Stop flushes what is pending and waits for the batcher to exit.
func (b *Batcher[T]) Stop() {
	b.stopOnce.Do(func() { close(b.stopChan) })
	<-b.done
}

// PendingCount returns the number of pending items.
func (b *Batcher[T]) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
