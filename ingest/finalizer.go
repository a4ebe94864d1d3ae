package ingest

import (
	"context"

	"github.com/google/uuid"

	"github.com/skillsenselab/scribe/events"
	"github.com/skillsenselab/scribe/observability"
	"github.com/skillsenselab/scribe/store"
	"github.com/skillsenselab/scribe/transcript"
)

// StopSession finalizes a session: it drains the buffer, computes the
// aggregate statistics over final segments and marks the session completed.
// Finalization runs at most once; concurrent or repeated calls observe the
// conditional status transition and return the session as-is.
func (c *Controller) StopSession(ctx context.Context, sessionID uuid.UUID) (*store.Session, error) {
	claimed, err := c.store.BeginFinalize(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		// Already finalizing, completed or failed elsewhere.
		return c.store.Get(ctx, sessionID)
	}

	ctx, span := observability.StartSpan(ctx, observability.SpanFinalize)
	defer span.End()

	id := sessionID.String()
	log := c.log.WithSession(id)

	// Drain whatever is still buffered. A failure here either requeues or
	// drops with a loss warning; finalization proceeds regardless, and a
	// requeued batch that never lands is dropped with the buffer below.
	if buf, ok := c.buffers.get(id); ok {
		if err := c.flushSession(ctx, sessionID, buf); err != nil {
			if remaining := buf.Swap(c.now()); len(remaining) > 0 {
				log.Error("discarding unpersisted segments at finalize", map[string]interface{}{
					"segments": len(remaining),
				})
				c.pub.Publish(id, events.Event{
					Type:      events.TypeSegmentLossWarning,
					SessionID: id,
					Payload: events.LossPayload{
						Dropped: len(remaining),
						Reason:  "session finalized with unpersisted segments",
					},
				})
			}
		}
	}
	c.releaseSession(id)

	if err := c.stt.EndSession(ctx, id); err != nil {
		// The backend's per-session state expires on its own; not fatal.
		log.WithError(err).Warn("recognizer session teardown failed")
	}

	finals, err := c.store.FinalSegments(ctx, sessionID)
	if err != nil {
		c.failSession(ctx, sessionID, err)
		return nil, err
	}
	stats := computeStats(finals)

	if err := c.store.Complete(ctx, sessionID, stats); err != nil {
		c.failSession(ctx, sessionID, err)
		return nil, err
	}

	log.Info("session completed", map[string]interface{}{
		"total_segments": stats.TotalSegments,
	})
	c.pub.Publish(id, events.Event{
		Type:      events.TypeSessionCompleted,
		SessionID: id,
		Payload:   stats,
	})
	if c.onFinalized != nil {
		go c.onFinalized(sessionID)
	}
	return c.store.Get(ctx, sessionID)
}

// DrainSessions finalizes every session that still holds a buffer. Run at
// shutdown once the listener stopped accepting work; sessions whose
// connections already finalized them are skipped by the idempotent stop.
func (c *Controller) DrainSessions(ctx context.Context) int {
	drained := 0
	c.buffers.forEach(func(id string, _ *SegmentBuffer) {
		sessionID, err := uuid.Parse(id)
		if err != nil {
			return
		}
		if _, err := c.StopSession(ctx, sessionID); err != nil {
			c.log.WithSession(id).WithError(err).Warn("drain finalize failed")
			return
		}
		drained++
	})
	if drained > 0 {
		c.log.Info("drained open sessions", map[string]interface{}{
			"count": drained,
		})
	}
	return drained
}

// FailSession marks a session failed from the outside (transport error after
// admission, startup recovery) and releases its resources.
func (c *Controller) FailSession(ctx context.Context, sessionID uuid.UUID) error {
	claimed, err := c.store.BeginFinalize(ctx, sessionID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	c.failSession(ctx, sessionID, nil)
	return nil
}

func (c *Controller) failSession(ctx context.Context, sessionID uuid.UUID, cause error) {
	id := sessionID.String()
	c.releaseSession(id)
	if cause != nil {
		c.log.WithSession(id).WithError(cause).Error("finalization failed")
	}
	if err := c.store.MarkFailed(ctx, sessionID); err != nil {
		c.log.WithSession(id).WithError(err).Error("could not mark session failed")
	}
}

// computeStats derives the aggregate statistics from final segments only.
// Duration spans from the first segment's start to the last segment's end,
// falling back to the last start when the recognizer reported no end bound.
func computeStats(finals []store.Segment) transcript.Stats {
	stats := transcript.Stats{TotalSegments: len(finals)}
	if len(finals) == 0 {
		return stats
	}

	var sum float64
	for _, seg := range finals {
		sum += seg.Confidence
	}
	avg := sum / float64(len(finals))
	stats.AverageConfidence = &avg

	last := finals[len(finals)-1]
	lastEnd := last.StartMS
	if last.EndMS != nil {
		lastEnd = *last.EndMS
	}
	duration := float64(lastEnd-finals[0].StartMS) / 1000.0
	stats.TotalDuration = &duration
	return stats
}
