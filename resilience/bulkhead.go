package resilience

import (
	"context"
	"errors"
)

// ErrBulkheadFull is returned when no slot is available and MaxWait is zero.
var ErrBulkheadFull = errors.New("bulkhead is full")

// Bulkhead limits the number of concurrent calls through a semaphore. It
// isolates pools of work (ingestion sessions, enrichment fan-out) from each
// other.
type Bulkhead struct {
	name string
	sem  chan struct{}
}

// NewBulkhead creates a bulkhead that admits at most maxConcurrent callers.
func NewBulkhead(name string, maxConcurrent int) *Bulkhead {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Bulkhead{
		name: name,
		sem:  make(chan struct{}, maxConcurrent),
	}
}

// Name returns the bulkhead's identifier.
func (b *Bulkhead) Name() string { return b.name }

// Acquire claims a slot, waiting until the context is canceled if necessary.
// Every successful Acquire must be paired with a Release.
func (b *Bulkhead) Acquire(ctx context.Context) error {
	select {
	case b.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire claims a slot only if one is immediately available.
func (b *Bulkhead) TryAcquire() bool {
	select {
	case b.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a previously acquired slot.
func (b *Bulkhead) Release() { <-b.sem }

// Execute runs fn once a slot is available, waiting until the context is
// canceled if necessary.
func (b *Bulkhead) Execute(ctx context.Context, fn func() error) error {
	if err := b.Acquire(ctx); err != nil {
		return err
	}
	defer b.Release()
	return fn()
}

// TryExecute runs fn only if a slot is immediately available.
func (b *Bulkhead) TryExecute(fn func() error) error {
	if !b.TryAcquire() {
		return ErrBulkheadFull
	}
	defer b.Release()
	return fn()
}

// InFlight returns the number of currently held slots.
func (b *Bulkhead) InFlight() int { return len(b.sem) }
