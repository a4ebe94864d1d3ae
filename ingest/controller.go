// Package ingest owns the live transcription path: session admission, chunk
// recognition, segment buffering with batched persistence, and finalization.
package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/skillsenselab/scribe/errors"
	"github.com/skillsenselab/scribe/events"
	"github.com/skillsenselab/scribe/logger"
	"github.com/skillsenselab/scribe/resilience"
	"github.com/skillsenselab/scribe/store"
	"github.com/skillsenselab/scribe/stt"
	"github.com/skillsenselab/scribe/transcript"
)

// Store is the persistence surface the ingestion path depends on.
// *store.SessionStore satisfies it; tests substitute fakes.
type Store interface {
	Create(ctx context.Context, correlationID string, startedAt time.Time) (*store.Session, error)
	Get(ctx context.Context, id uuid.UUID) (*store.Session, error)
	AppendSegments(ctx context.Context, segments []store.Segment) error
	FinalSegments(ctx context.Context, sessionID uuid.UUID) ([]store.Segment, error)
	BeginFinalize(ctx context.Context, id uuid.UUID) (bool, error)
	Complete(ctx context.Context, id uuid.UUID, stats transcript.Stats) error
	MarkFailed(ctx context.Context, id uuid.UUID) error
}

// Controller coordinates one recognizer backend, the per-session buffers and
// the persistence layer. All methods are safe for concurrent use; state is
// partitioned by session so sessions never contend with each other.
type Controller struct {
	cfg   Config
	store Store
	stt   stt.Provider
	pub   events.Publisher
	log   *logger.Logger

	buffers bufferTable
	slots   *resilience.Bulkhead
	now     func() time.Time

	// onFinalized is invoked after a session completes, carrying the
	// enrichment trigger. Runs on its own goroutine.
	onFinalized func(sessionID uuid.UUID)
}

// Option configures a Controller.
type Option func(*Controller)

// WithOnFinalized registers a hook called once per completed session.
func WithOnFinalized(fn func(sessionID uuid.UUID)) Option {
	return func(c *Controller) { c.onFinalized = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController creates the ingestion controller.
func NewController(cfg Config, st Store, recognizer stt.Provider, pub events.Publisher, log *logger.Logger, opts ...Option) *Controller {
	cfg.ApplyDefaults()
	c := &Controller{
		cfg:   cfg,
		store: st,
		stt:   recognizer,
		pub:   pub,
		log:   log.WithComponent("ingest"),
		slots: resilience.NewBulkhead("sessions", cfg.MaxSessions),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartSession admits a new session, creating its record and buffer. The
// session holds one concurrency slot until finalization or failure.
func (c *Controller) StartSession(ctx context.Context, correlationID string) (*store.Session, error) {
	if !c.slots.TryAcquire() {
		return nil, apperrors.New(apperrors.ErrCodeRateLimited, "session capacity reached", 429)
	}
	startedAt := c.now().UTC()
	session, err := c.store.Create(ctx, correlationID, startedAt)
	if err != nil {
		c.slots.Release()
		return nil, err
	}
	c.buffers.create(session.ID.String(), newSegmentBuffer(session.SessionStartMS, startedAt))

	c.log.WithSession(session.ID.String()).Info("session started", map[string]interface{}{
		"correlation_id": correlationID,
		"in_flight":      c.slots.InFlight(),
	})
	return session, nil
}

// ProcessChunk runs one audio unit through recognition, stamps the result
// with session-relative offsets and buffers it. Final segments may trigger an
// immediate flush when the count threshold is reached.
func (c *Controller) ProcessChunk(ctx context.Context, sessionID uuid.UUID, audio []byte) (*stt.ChunkResult, error) {
	if len(audio) == 0 {
		return nil, apperrors.InvalidInput("audio", "empty chunk")
	}
	id := sessionID.String()
	buf, ok := c.buffers.get(id)
	if !ok {
		return nil, apperrors.SessionClosed(id)
	}

	result, err := c.stt.TranscribeChunk(ctx, stt.ChunkRequest{
		SessionID: id,
		Audio:     audio,
		Seq:       buf.NextSeq(),
		Language:  c.cfg.Language,
	})
	if err != nil {
		return nil, err
	}
	if result.Text == "" {
		// Silence or no new output; nothing to buffer.
		return result, nil
	}

	startMS, endMS := transcript.Offsets(buf.AnchorMS(), c.now().UnixMilli(), result.ProcessingTimeMS)
	kind := transcript.KindInterim
	eventType := events.TypePartialTranscript
	if result.IsFinal {
		kind = transcript.KindFinal
		eventType = events.TypeFinalTranscript
	}
	count := buf.Append(store.Segment{
		SessionID:  sessionID,
		Kind:       kind,
		Text:       result.Text,
		Confidence: result.Confidence,
		StartMS:    startMS,
		EndMS:      endMS,
	})

	c.pub.Publish(id, events.Event{
		Type:      eventType,
		SessionID: id,
		Payload: events.TranscriptPayload{
			Text:       result.Text,
			Confidence: result.Confidence,
			StartMS:    startMS,
			EndMS:      endMS,
		},
	})

	if count >= c.cfg.FlushCount {
		if err := c.flushSession(ctx, sessionID, buf); err != nil {
			// The batch was requeued; the periodic flusher retries it.
			c.log.WithSession(id).WithError(err).Warn("count-triggered flush failed")
		}
	}
	return result, nil
}

// Session returns the current persisted state of a session.
func (c *Controller) Session(ctx context.Context, sessionID uuid.UUID) (*store.Session, error) {
	return c.store.Get(ctx, sessionID)
}

// ActiveSessions returns the number of held session slots.
func (c *Controller) ActiveSessions() int { return c.slots.InFlight() }

// releaseSession drops the buffer and returns the slot. Safe to call more
// than once per session; only the call that removes the buffer releases.
func (c *Controller) releaseSession(sessionID string) {
	if c.buffers.remove(sessionID) {
		c.slots.Release()
	}
}
