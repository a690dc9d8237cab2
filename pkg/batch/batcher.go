package batch

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrFull is returned by Add when the pending queue is at capacity.
var ErrFull = errors.New("batch queue full")

// ErrStopped is returned by Add after Stop.
var ErrStopped = errors.New("batcher stopped")

// Operation is one unit of deferred work.
type Operation interface {
	Execute(ctx context.Context) error
}

// OperationFunc adapts a function to Operation.
type OperationFunc func(ctx context.Context) error

func (f OperationFunc) Execute(ctx context.Context) error { return f(ctx) }

// Processor processes a batch of operations. Batches are handed over in the
// order operations were added and never concurrently.
type Processor interface {
	ProcessBatch(ctx context.Context, operations []Operation) error
}

// Config controls batch sizing.
type Config struct {
	BatchSize     int
	BatchInterval time.Duration
	MaxPending    int
	FlushTimeout  time.Duration
}

// Batcher collects operations and flushes them in order from one goroutine.
type Batcher struct {
	cfg       Config
	processor Processor

	mu      sync.Mutex
	pending []Operation
	stopped bool

	flushMu   sync.Mutex
	flushChan chan struct{}
	stopChan  chan struct{}
	done      chan struct{}
	onError   func(error)
}

func NewBatcher(cfg Config, processor Processor, onError func(error)) *Batcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 100 * time.Millisecond
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	if onError == nil {
		onError = func(error) {}
	}

	b := &Batcher{
		cfg:       cfg,
		processor: processor,
		pending:   make([]Operation, 0, cfg.BatchSize),
		flushChan: make(chan struct{}, 1),
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
		onError:   onError,
	}
	go b.run()
	return b
}

// Add queues an operation without blocking.
func (b *Batcher) Add(op Operation) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrStopped
	}
	if b.cfg.MaxPending > 0 && len(b.pending) >= b.cfg.MaxPending {
		b.mu.Unlock()
		return ErrFull
	}
	b.pending = append(b.pending, op)
	shouldFlush := len(b.pending) >= b.cfg.BatchSize
	b.mu.Unlock()

	if shouldFlush {
		select {
		case b.flushChan <- struct{}{}:
		default:
		}
	}
	return nil
}

// Flush processes everything queued so far.
func (b *Batcher) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	ops := b.pending
	b.pending = make([]Operation, 0, b.cfg.BatchSize)
	b.mu.Unlock()

	return b.processor.ProcessBatch(ctx, ops)
}

func (b *Batcher) flushWithTimeout() {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.FlushTimeout)
	defer cancel()
	if err := b.Flush(ctx); err != nil {
		b.onError(err)
	}
}

func (b *Batcher) run() {
	defer close(b.done)
	ticker := time.NewTicker(b.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flushWithTimeout()
		case <-b.flushChan:
			b.flushWithTimeout()
		case <-b.stopChan:
			b.flushWithTimeout()
			return
		}
	}
}

// Stop rejects further operations, flushes what is queued and waits.
func (b *Batcher) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.stopped = true
	b.mu.Unlock()

	close(b.stopChan)
	<-b.done
}

// PendingCount returns the number of pending operations
func (b *Batcher) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// SequentialProcessor executes operations one by one and keeps going past
// failures. The joined error of all failures is returned.
type SequentialProcessor struct{}

func (SequentialProcessor) ProcessBatch(ctx context.Context, operations []Operation) error {
	var errs []error
	for _, op := range operations {
		if err := op.Execute(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
