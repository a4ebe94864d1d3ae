package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/skillsenselab/scribe/events"
	"github.com/skillsenselab/scribe/observability"
)

// flushSession drains the buffer and persists the batch in one transaction.
// On failure the batch goes back to the head of the buffer for the periodic
// scheduler to retry; after MaxFlushRetries consecutive failures the batch is
// dropped and a loss warning is published so live clients know persistence
// fell behind.
func (c *Controller) flushSession(ctx context.Context, sessionID uuid.UUID, buf *SegmentBuffer) error {
	batch := buf.Swap(c.now())
	if len(batch) == 0 {
		return nil
	}

	ctx, span := observability.StartSpan(ctx, observability.SpanFlushBatch)
	defer span.End()
	observability.SetSpanAttribute(ctx, "batch.size", len(batch))

	id := sessionID.String()
	err := c.store.AppendSegments(ctx, batch)
	if err == nil {
		buf.ResetFailures()
		c.log.WithSession(id).Debug("flushed batch", map[string]interface{}{
			"segments": len(batch),
		})
		return nil
	}
	observability.SetSpanError(ctx, err)

	if buf.Failures() >= c.cfg.MaxFlushRetries {
		// Retries exhausted; acknowledge the loss instead of wedging the
		// session behind an unwritable batch.
		buf.ResetFailures()
		c.log.WithSession(id).WithError(err).Error("dropping batch after retries", map[string]interface{}{
			"segments": len(batch),
			"retries":  c.cfg.MaxFlushRetries,
		})
		c.pub.Publish(id, events.Event{
			Type:      events.TypeSegmentLossWarning,
			SessionID: id,
			Payload: events.LossPayload{
				Dropped: len(batch),
				Reason:  "persistence retries exhausted",
			},
		})
		return err
	}

	failures := buf.Requeue(batch)
	c.log.WithSession(id).WithError(err).Warn("flush failed, batch requeued", map[string]interface{}{
		"segments": len(batch),
		"failures": failures,
	})
	return err
}

// Flusher is the periodic scheduler that applies the time-based flush trigger
// and retries requeued batches.
type Flusher struct {
	ctrl *Controller
	stop chan struct{}
	done chan struct{}
}

// NewFlusher creates a flusher over the controller's buffers.
func NewFlusher(ctrl *Controller) *Flusher {
	return &Flusher{
		ctrl: ctrl,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start launches the scheduler goroutine.
func (f *Flusher) Start() {
	go f.run()
}

// Stop halts the scheduler and waits for the in-flight sweep to finish.
// Buffers still holding data are flushed by their sessions' finalization.
func (f *Flusher) Stop() {
	close(f.stop)
	<-f.done
}

func (f *Flusher) run() {
	defer close(f.done)
	ticker := time.NewTicker(f.ctrl.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stop:
			return
		case now := <-ticker.C:
			f.sweep(now)
		}
	}
}

// sweep flushes every buffer whose time trigger fired or that holds a failed
// batch awaiting retry.
func (f *Flusher) sweep(now time.Time) {
	f.ctrl.buffers.forEach(func(sessionID string, buf *SegmentBuffer) {
		if !buf.Stale(now, f.ctrl.cfg.FlushInterval) {
			return
		}
		id, err := uuid.Parse(sessionID)
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), f.ctrl.cfg.FlushTimeout)
		_ = f.ctrl.flushSession(ctx, id, buf)
		cancel()
	})
}
