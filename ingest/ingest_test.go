package ingest

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/skillsenselab/scribe/errors"
	"github.com/skillsenselab/scribe/events"
	"github.com/skillsenselab/scribe/logger"
	"github.com/skillsenselab/scribe/store"
	"github.com/skillsenselab/scribe/stt"
	"github.com/skillsenselab/scribe/transcript"
)

type fakeStore struct {
	mu          sync.Mutex
	sessions    map[uuid.UUID]*store.Session
	segments    []store.Segment
	appendErr   error
	appendDelay time.Duration
	appends     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[uuid.UUID]*store.Session)}
}

func (f *fakeStore) Create(_ context.Context, correlationID string, startedAt time.Time) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &store.Session{
		ID:                      uuid.New(),
		CorrelationID:           correlationID,
		Status:                  transcript.StatusActive,
		StartedAt:               startedAt,
		SessionStartMS:          startedAt.UnixMilli(),
		PostTranscriptionStatus: transcript.EnrichmentPending,
	}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeStore) Get(_ context.Context, id uuid.UUID) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, apperrors.NotFound("session", id.String())
	}
	copied := *s
	return &copied, nil
}

func (f *fakeStore) AppendSegments(ctx context.Context, segments []store.Segment) error {
	if f.appendDelay > 0 {
		select {
		case <-time.After(f.appendDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends++
	if f.appendErr != nil {
		return f.appendErr
	}
	f.segments = append(f.segments, segments...)
	return nil
}

func (f *fakeStore) FinalSegments(_ context.Context, sessionID uuid.UUID) ([]store.Segment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var finals []store.Segment
	for _, seg := range f.segments {
		if seg.SessionID == sessionID && seg.Kind == transcript.KindFinal {
			finals = append(finals, seg)
		}
	}
	return finals, nil
}

func (f *fakeStore) BeginFinalize(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.Status != transcript.StatusActive {
		return false, nil
	}
	s.Status = transcript.StatusFinalizing
	return true, nil
}

func (f *fakeStore) Complete(_ context.Context, id uuid.UUID, stats transcript.Stats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[id]
	s.Status = transcript.StatusCompleted
	s.TotalSegments = stats.TotalSegments
	s.AverageConfidence = stats.AverageConfidence
	s.TotalDuration = stats.TotalDuration
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id].Status = transcript.StatusFailed
	return nil
}

func (f *fakeStore) persisted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.segments)
}

// fakeRecognizer replays a scripted sequence of results.
type fakeRecognizer struct {
	mu      sync.Mutex
	results []stt.ChunkResult
	next    int
	ended   []string
}

func (f *fakeRecognizer) Name() string                            { return "fake" }
func (f *fakeRecognizer) IsAvailable(context.Context) bool        { return true }
func (f *fakeRecognizer) EndSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, id)
	return nil
}

func (f *fakeRecognizer) TranscribeChunk(_ context.Context, _ stt.ChunkRequest) (*stt.ChunkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next >= len(f.results) {
		return &stt.ChunkResult{}, nil
	}
	r := f.results[f.next]
	f.next++
	return &r, nil
}

// recorder captures published events.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ string, event events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) byType(t string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func finalResult(text string, confidence float64, processingMS int64) stt.ChunkResult {
	return stt.ChunkResult{
		Text:             text,
		Confidence:       confidence,
		IsFinal:          true,
		ProcessingTimeMS: &processingMS,
	}
}

func testController(t *testing.T, st Store, rec stt.Provider, pub events.Publisher, cfg Config) *Controller {
	t.Helper()
	return NewController(cfg, st, rec, pub, logger.NewDefault())
}

func TestStartSessionCapacity(t *testing.T) {
	st := newFakeStore()
	ctrl := testController(t, st, &fakeRecognizer{}, &recorder{}, Config{MaxSessions: 2})

	ctx := context.Background()
	if _, err := ctrl.StartSession(ctx, "a"); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if _, err := ctrl.StartSession(ctx, "b"); err != nil {
		t.Fatalf("second start: %v", err)
	}
	_, err := ctrl.StartSession(ctx, "c")
	if !apperrors.IsCode(err, apperrors.ErrCodeRateLimited) {
		t.Fatalf("expected RATE_LIMITED beyond capacity, got %v", err)
	}
	if got := ctrl.ActiveSessions(); got != 2 {
		t.Errorf("ActiveSessions = %d, want 2", got)
	}
}

func TestProcessChunkBuffersAndPublishes(t *testing.T) {
	st := newFakeStore()
	rec := &fakeRecognizer{results: []stt.ChunkResult{
		{Text: "hello", Confidence: 0.9, IsFinal: false},
		finalResult("hello world", 0.95, 120),
	}}
	pub := &recorder{}
	ctrl := testController(t, st, rec, pub, Config{FlushCount: 100})

	ctx := context.Background()
	session, err := ctrl.StartSession(ctx, "corr")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := ctrl.ProcessChunk(ctx, session.ID, []byte("pcm")); err != nil {
			t.Fatalf("ProcessChunk %d: %v", i, err)
		}
	}

	if got := len(pub.byType(events.TypePartialTranscript)); got != 1 {
		t.Errorf("partial events = %d, want 1", got)
	}
	if got := len(pub.byType(events.TypeFinalTranscript)); got != 1 {
		t.Errorf("final events = %d, want 1", got)
	}
	// Below both flush triggers: nothing persisted yet.
	if got := st.persisted(); got != 0 {
		t.Errorf("persisted segments = %d, want 0 before flush", got)
	}
}

func TestProcessChunkRejectsUnknownSession(t *testing.T) {
	ctrl := testController(t, newFakeStore(), &fakeRecognizer{}, &recorder{}, Config{})
	_, err := ctrl.ProcessChunk(context.Background(), uuid.New(), []byte("pcm"))
	if !apperrors.IsCode(err, apperrors.ErrCodeSessionClosed) {
		t.Fatalf("expected SESSION_CLOSED, got %v", err)
	}
}

func TestCountTriggeredFlush(t *testing.T) {
	st := newFakeStore()
	rec := &fakeRecognizer{}
	for i := 0; i < 5; i++ {
		rec.results = append(rec.results, finalResult("seg", 0.9, 100))
	}
	ctrl := testController(t, st, rec, &recorder{}, Config{FlushCount: 5})

	ctx := context.Background()
	session, err := ctrl.StartSession(ctx, "corr")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := ctrl.ProcessChunk(ctx, session.ID, []byte("pcm")); err != nil {
			t.Fatalf("ProcessChunk %d: %v", i, err)
		}
	}
	if got := st.persisted(); got != 0 {
		t.Fatalf("persisted = %d before threshold, want 0", got)
	}
	if _, err := ctrl.ProcessChunk(ctx, session.ID, []byte("pcm")); err != nil {
		t.Fatalf("ProcessChunk 5: %v", err)
	}
	if got := st.persisted(); got != 5 {
		t.Errorf("persisted = %d after threshold, want 5", got)
	}
}

func TestFlushFailureRequeuesThenDrops(t *testing.T) {
	st := newFakeStore()
	st.appendErr = errors.New("disk on fire")
	pub := &recorder{}
	ctrl := testController(t, st, &fakeRecognizer{}, pub, Config{FlushCount: 100, MaxFlushRetries: 2})

	ctx := context.Background()
	session, err := ctrl.StartSession(ctx, "corr")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	buf, ok := ctrl.buffers.get(session.ID.String())
	if !ok {
		t.Fatal("buffer missing")
	}
	buf.Append(store.Segment{SessionID: session.ID, Kind: transcript.KindFinal, Text: "a", Confidence: 0.9})
	buf.Append(store.Segment{SessionID: session.ID, Kind: transcript.KindFinal, Text: "b", Confidence: 0.9})

	// First failure requeues the batch intact.
	if err := ctrl.flushSession(ctx, session.ID, buf); err == nil {
		t.Fatal("expected flush error")
	}
	if got := buf.Len(); got != 2 {
		t.Fatalf("buffered after requeue = %d, want 2", got)
	}
	if got := buf.Failures(); got != 1 {
		t.Fatalf("failures = %d, want 1", got)
	}

	// Second failure hits the retry limit and drops with a loss warning.
	_ = ctrl.flushSession(ctx, session.ID, buf)
	_ = ctrl.flushSession(ctx, session.ID, buf)
	if got := buf.Len(); got != 0 {
		t.Errorf("buffered after drop = %d, want 0", got)
	}
	losses := pub.byType(events.TypeSegmentLossWarning)
	if len(losses) != 1 {
		t.Fatalf("loss warnings = %d, want 1", len(losses))
	}
	payload := losses[0].Payload.(events.LossPayload)
	if payload.Dropped != 2 {
		t.Errorf("dropped = %d, want 2", payload.Dropped)
	}

	// A later flush after recovery starts from a clean failure count.
	st.mu.Lock()
	st.appendErr = nil
	st.mu.Unlock()
	buf.Append(store.Segment{SessionID: session.ID, Kind: transcript.KindFinal, Text: "c", Confidence: 0.9})
	if err := ctrl.flushSession(ctx, session.ID, buf); err != nil {
		t.Fatalf("flush after recovery: %v", err)
	}
	if got := st.persisted(); got != 1 {
		t.Errorf("persisted after recovery = %d, want 1", got)
	}
}

func TestStopSessionComputesStats(t *testing.T) {
	st := newFakeStore()
	rec := &fakeRecognizer{}
	pub := &recorder{}
	ctrl := testController(t, st, rec, pub, Config{FlushCount: 100})

	ctx := context.Background()
	session, err := ctrl.StartSession(ctx, "corr")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	end := func(ms int64) *int64 { return &ms }
	st.segments = []store.Segment{
		{SessionID: session.ID, Kind: transcript.KindFinal, Confidence: 0.90, StartMS: 500, EndMS: end(1200)},
		{SessionID: session.ID, Kind: transcript.KindInterim, Confidence: 0.10, StartMS: 900},
		{SessionID: session.ID, Kind: transcript.KindFinal, Confidence: 0.88, StartMS: 1300, EndMS: end(2100)},
		{SessionID: session.ID, Kind: transcript.KindFinal, Confidence: 0.91, StartMS: 2200, EndMS: end(3000)},
		{SessionID: session.ID, Kind: transcript.KindFinal, Confidence: 0.92, StartMS: 3100, EndMS: end(3900)},
		{SessionID: session.ID, Kind: transcript.KindFinal, Confidence: 0.88, StartMS: 4000, EndMS: end(4500)},
	}

	got, err := ctrl.StopSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if got.Status != transcript.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.TotalSegments != 5 {
		t.Errorf("total_segments = %d, want 5 (interim excluded)", got.TotalSegments)
	}
	if got.AverageConfidence == nil || math.Abs(*got.AverageConfidence-0.898) > 1e-9 {
		t.Errorf("average_confidence = %v, want 0.898", got.AverageConfidence)
	}
	if got.TotalDuration == nil || math.Abs(*got.TotalDuration-4.0) > 1e-9 {
		t.Errorf("total_duration = %v, want 4.0", got.TotalDuration)
	}

	if got := len(pub.byType(events.TypeSessionCompleted)); got != 1 {
		t.Errorf("session_completed events = %d, want 1", got)
	}
	rec.mu.Lock()
	ended := len(rec.ended)
	rec.mu.Unlock()
	if ended != 1 {
		t.Errorf("recognizer EndSession calls = %d, want 1", ended)
	}
	if got := ctrl.ActiveSessions(); got != 0 {
		t.Errorf("ActiveSessions after stop = %d, want 0", got)
	}
}

func TestStopSessionFlushesRemainder(t *testing.T) {
	st := newFakeStore()
	rec := &fakeRecognizer{results: []stt.ChunkResult{
		finalResult("tail", 0.8, 50),
	}}
	ctrl := testController(t, st, rec, &recorder{}, Config{FlushCount: 100})

	ctx := context.Background()
	session, err := ctrl.StartSession(ctx, "corr")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := ctrl.ProcessChunk(ctx, session.ID, []byte("pcm")); err != nil {
		t.Fatalf("ProcessChunk: %v", err)
	}
	if got := st.persisted(); got != 0 {
		t.Fatalf("persisted before stop = %d, want 0", got)
	}
	if _, err := ctrl.StopSession(ctx, session.ID); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if got := st.persisted(); got != 1 {
		t.Errorf("persisted after stop = %d, want 1 (no loss)", got)
	}
}

func TestStopSessionIdempotent(t *testing.T) {
	st := newFakeStore()
	finalized := 0
	var mu sync.Mutex
	ctrl := NewController(Config{}, st, &fakeRecognizer{}, &recorder{}, logger.NewDefault(),
		WithOnFinalized(func(uuid.UUID) {
			mu.Lock()
			finalized++
			mu.Unlock()
		}))

	ctx := context.Background()
	session, err := ctrl.StartSession(ctx, "corr")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := ctrl.StopSession(ctx, session.ID); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	again, err := ctrl.StopSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if again.Status != transcript.StatusCompleted {
		t.Errorf("status after repeat stop = %s, want completed", again.Status)
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if finalized != 1 {
		t.Errorf("onFinalized calls = %d, want 1", finalized)
	}
}

func TestFlusherTimeTrigger(t *testing.T) {
	st := newFakeStore()
	ctrl := testController(t, st, &fakeRecognizer{}, &recorder{}, Config{
		FlushCount:    100,
		FlushInterval: 20 * time.Millisecond,
		TickInterval:  5 * time.Millisecond,
	})
	ctx := context.Background()
	session, err := ctrl.StartSession(ctx, "corr")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	buf, _ := ctrl.buffers.get(session.ID.String())
	buf.Append(store.Segment{SessionID: session.ID, Kind: transcript.KindFinal, Text: "a", Confidence: 0.9})

	flusher := NewFlusher(ctrl)
	flusher.Start()
	defer flusher.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for st.persisted() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := st.persisted(); got != 1 {
		t.Fatalf("persisted = %d, want 1 after interval flush", got)
	}
}

func TestFlusherSlowStorePersistsWithoutLoss(t *testing.T) {
	st := newFakeStore()
	// Each write takes several ticks; the flush budget must not be the
	// scheduler cadence or every attempt would time out and the batch
	// would be dropped as a loss.
	st.appendDelay = 30 * time.Millisecond
	rec := &recorder{}
	ctrl := testController(t, st, &fakeRecognizer{}, rec, Config{
		FlushCount:      100,
		FlushInterval:   10 * time.Millisecond,
		TickInterval:    5 * time.Millisecond,
		FlushTimeout:    time.Second,
		MaxFlushRetries: 1,
	})
	session, err := ctrl.StartSession(context.Background(), "corr")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	buf, _ := ctrl.buffers.get(session.ID.String())
	buf.Append(store.Segment{SessionID: session.ID, Kind: transcript.KindFinal, Text: "slow", Confidence: 0.9})

	flusher := NewFlusher(ctrl)
	flusher.Start()
	defer flusher.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for st.persisted() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := st.persisted(); got != 1 {
		t.Fatalf("persisted = %d, want 1 despite slow store", got)
	}
	if losses := rec.byType(events.TypeSegmentLossWarning); len(losses) != 0 {
		t.Errorf("slow store caused %d loss warnings, want 0", len(losses))
	}
}

func TestComputeStatsEdgeCases(t *testing.T) {
	empty := computeStats(nil)
	if empty.TotalSegments != 0 || empty.AverageConfidence != nil || empty.TotalDuration != nil {
		t.Errorf("empty stats = %+v, want zero count and nil aggregates", empty)
	}

	single := computeStats([]store.Segment{{Confidence: 0.7, StartMS: 1000}})
	if single.TotalDuration == nil || *single.TotalDuration != 0 {
		t.Errorf("single segment without end bound: duration = %v, want 0", single.TotalDuration)
	}
	if single.AverageConfidence == nil || *single.AverageConfidence != 0.7 {
		t.Errorf("single segment: avg = %v, want 0.7", single.AverageConfidence)
	}
}
