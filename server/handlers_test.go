package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	apperrors "github.com/skillsenselab/scribe/errors"
	"github.com/skillsenselab/scribe/events"
	"github.com/skillsenselab/scribe/ingest"
	"github.com/skillsenselab/scribe/logger"
	"github.com/skillsenselab/scribe/provider"
	"github.com/skillsenselab/scribe/store"
	"github.com/skillsenselab/scribe/stt"
	"github.com/skillsenselab/scribe/transcript"
)

// memStore implements both ingest.Store and SessionReader in memory.
type memStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*store.Session
	segments []store.Segment
	results  []store.EnrichmentResult
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[uuid.UUID]*store.Session)}
}

func (m *memStore) Create(_ context.Context, correlationID string, startedAt time.Time) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &store.Session{
		ID:                      uuid.New(),
		CorrelationID:           correlationID,
		Status:                  transcript.StatusActive,
		StartedAt:               startedAt,
		SessionStartMS:          startedAt.UnixMilli(),
		PostTranscriptionStatus: transcript.EnrichmentPending,
	}
	m.sessions[s.ID] = s
	return s, nil
}

func (m *memStore) Get(_ context.Context, id uuid.UUID) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, apperrors.NotFound("session", id.String())
	}
	copied := *s
	return &copied, nil
}

func (m *memStore) AppendSegments(_ context.Context, segments []store.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segments = append(m.segments, segments...)
	return nil
}

func (m *memStore) FinalSegments(_ context.Context, sessionID uuid.UUID) ([]store.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var finals []store.Segment
	for _, seg := range m.segments {
		if seg.SessionID == sessionID && seg.Kind == transcript.KindFinal {
			finals = append(finals, seg)
		}
	}
	return finals, nil
}

func (m *memStore) BeginFinalize(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status != transcript.StatusActive {
		return false, nil
	}
	s.Status = transcript.StatusFinalizing
	return true, nil
}

func (m *memStore) Complete(_ context.Context, id uuid.UUID, stats transcript.Stats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	s.Status = transcript.StatusCompleted
	s.TotalSegments = stats.TotalSegments
	s.AverageConfidence = stats.AverageConfidence
	s.TotalDuration = stats.TotalDuration
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id].Status = transcript.StatusFailed
	return nil
}

func (m *memStore) EnrichmentResults(_ context.Context, sessionID uuid.UUID) ([]store.EnrichmentResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.EnrichmentResult(nil), m.results...), nil
}

type echoRecognizer struct{}

func (echoRecognizer) Name() string                     { return "echo" }
func (echoRecognizer) IsAvailable(context.Context) bool { return true }
func (echoRecognizer) EndSession(context.Context, string) error {
	return nil
}
func (echoRecognizer) TranscribeChunk(_ context.Context, req stt.ChunkRequest) (*stt.ChunkResult, error) {
	ms := int64(100)
	return &stt.ChunkResult{
		Text:             string(req.Audio),
		Confidence:       0.9,
		IsFinal:          true,
		ProcessingTimeMS: &ms,
	}, nil
}

type fakeEnricher struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeEnricher) Retrigger(context.Context, uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func testAPI(t *testing.T, st *memStore, health HealthChecker, deps ...provider.Provider) (*API, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.NewDefault()
	hub := events.NewHub(log)
	t.Cleanup(hub.Stop)
	ctrl := ingest.NewController(ingest.Config{FlushCount: 1}, st, echoRecognizer{}, hub, log)
	api := NewAPI(ctrl, st, &fakeEnricher{}, hub, health, deps, "scribe", "test", log)
	engine := gin.New()
	api.RegisterRoutes(engine)
	return api, engine
}

func doRequest(engine *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	engine.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	_, engine := testAPI(t, newMemStore(), func(context.Context) error { return nil })
	w := doRequest(engine, http.MethodGet, "/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"healthy"`) {
		t.Errorf("body = %s, want healthy", w.Body.String())
	}
}

// staticBackend reports a fixed availability for health checks.
type staticBackend struct {
	name string
	up   bool
}

func (b staticBackend) Name() string                     { return b.name }
func (b staticBackend) IsAvailable(context.Context) bool { return b.up }

func TestHealthzReportsBackendAvailability(t *testing.T) {
	_, engine := testAPI(t, newMemStore(), func(context.Context) error { return nil },
		staticBackend{name: "whisper-live", up: true},
		staticBackend{name: "ollama", up: false},
	)
	w := doRequest(engine, http.MethodGet, "/healthz")
	// A down backend degrades but does not fail readiness.
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"degraded"`) {
		t.Errorf("body = %s, want degraded status", body)
	}
	if !strings.Contains(body, `"whisper-live":"up"`) || !strings.Contains(body, `"ollama":"down"`) {
		t.Errorf("body = %s, want per-backend availability", body)
	}
}

func TestHealthzUnhealthy(t *testing.T) {
	_, engine := testAPI(t, newMemStore(), func(context.Context) error {
		return apperrors.StorageUnavailable("ping", nil)
	})
	w := doRequest(engine, http.MethodGet, "/healthz")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestGetSessionInvalidID(t *testing.T) {
	_, engine := testAPI(t, newMemStore(), nil)
	w := doRequest(engine, http.MethodGet, "/api/sessions/not-a-uuid")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	_, engine := testAPI(t, newMemStore(), nil)
	w := doRequest(engine, http.MethodGet, "/api/sessions/"+uuid.NewString())
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestGetTranscript(t *testing.T) {
	st := newMemStore()
	_, engine := testAPI(t, st, nil)

	session, _ := st.Create(context.Background(), "corr", time.Now())
	end := int64(1500)
	st.segments = []store.Segment{
		{SessionID: session.ID, Kind: transcript.KindFinal, Text: "hello", Confidence: 0.9, StartMS: 500, EndMS: &end},
		{SessionID: session.ID, Kind: transcript.KindInterim, Text: "hel", Confidence: 0.5, StartMS: 400},
	}

	w := doRequest(engine, http.MethodGet, "/api/sessions/"+session.ID.String()+"/transcript")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var body struct {
		Data struct {
			Segments []store.Segment `json:"segments"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Data.Segments) != 1 {
		t.Errorf("segments = %d, want 1 (finals only)", len(body.Data.Segments))
	}
}

func TestTriggerEnrichmentConflicts(t *testing.T) {
	st := newMemStore()
	api, engine := testAPI(t, st, nil)

	session, _ := st.Create(context.Background(), "corr", time.Now())

	// Not completed yet.
	w := doRequest(engine, http.MethodPost, "/api/sessions/"+session.ID.String()+"/enrich")
	if w.Code != http.StatusConflict {
		t.Fatalf("status for active session = %d, want 409", w.Code)
	}

	st.mu.Lock()
	st.sessions[session.ID].Status = transcript.StatusCompleted
	st.sessions[session.ID].PostTranscriptionStatus = transcript.EnrichmentCompleted
	st.mu.Unlock()
	w = doRequest(engine, http.MethodPost, "/api/sessions/"+session.ID.String()+"/enrich")
	if w.Code != http.StatusConflict {
		t.Fatalf("status for completed enrichment = %d, want 409", w.Code)
	}

	st.mu.Lock()
	st.sessions[session.ID].PostTranscriptionStatus = transcript.EnrichmentFailed
	st.mu.Unlock()
	w = doRequest(engine, http.MethodPost, "/api/sessions/"+session.ID.String()+"/enrich")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status for failed enrichment = %d, want 202", w.Code)
	}

	deadline := time.Now().Add(time.Second)
	enricher := api.enrich.(*fakeEnricher)
	for {
		enricher.mu.Lock()
		calls := enricher.calls
		enricher.mu.Unlock()
		if calls == 1 || time.Now().After(deadline) {
			if calls != 1 {
				t.Errorf("enricher calls = %d, want 1", calls)
			}
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func wsReadReply(t *testing.T, conn *websocket.Conn) wsReply {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply wsReply
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return reply
}

func TestTranscribeSocketFlow(t *testing.T) {
	st := newMemStore()
	_, engine := testAPI(t, st, nil)

	srv := httptest.NewServer(engine)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/transcribe"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(wsControl{Type: wsTypeStart, CorrelationID: "corr-1"}); err != nil {
		t.Fatalf("write start: %v", err)
	}
	started := wsReadReply(t, conn)
	if started.Type != wsTypeStarted || started.SessionID == "" {
		t.Fatalf("start reply = %+v", started)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("hello world")); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	result := wsReadReply(t, conn)
	if result.Type != wsTypeTranscript || result.Text != "hello world" || !result.IsFinal {
		t.Fatalf("transcript reply = %+v", result)
	}

	if err := conn.WriteJSON(wsControl{Type: wsTypeStop}); err != nil {
		t.Fatalf("write stop: %v", err)
	}
	completed := wsReadReply(t, conn)
	if completed.Type != wsTypeCompleted {
		t.Fatalf("stop reply = %+v", completed)
	}
	if completed.Stats == nil || completed.Stats.TotalSegments != 1 {
		t.Fatalf("stats = %+v, want 1 final segment", completed.Stats)
	}

	id, _ := uuid.Parse(started.SessionID)
	session, err := st.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.Status != transcript.StatusCompleted {
		t.Errorf("session status = %s, want completed", session.Status)
	}
}

func TestTranscribeDisconnectFinalizes(t *testing.T) {
	st := newMemStore()
	_, engine := testAPI(t, st, nil)

	srv := httptest.NewServer(engine)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/transcribe"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := conn.WriteJSON(wsControl{Type: wsTypeStart}); err != nil {
		t.Fatalf("write start: %v", err)
	}
	started := wsReadReply(t, conn)
	conn.Close()

	id, _ := uuid.Parse(started.SessionID)
	deadline := time.Now().Add(2 * time.Second)
	for {
		session, err := st.Get(context.Background(), id)
		if err == nil && session.Status == transcript.StatusCompleted {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("session not finalized after disconnect: %+v", session)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAudioBeforeStartRejected(t *testing.T) {
	_, engine := testAPI(t, newMemStore(), nil)
	srv := httptest.NewServer(engine)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/transcribe"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("audio")); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	reply := wsReadReply(t, conn)
	if reply.Type != wsTypeError || reply.Error == nil || reply.Error.Code != string(apperrors.ErrCodeConflict) {
		t.Fatalf("reply = %+v, want CONFLICT error", reply)
	}
}
