// Package events streams session lifecycle and enrichment progress to
// subscribers over Server-Sent Events.
package events

import (
	"encoding/json"
	"time"
)

// Event type constants emitted by the service.
const (
	TypePartialTranscript   = "partial_transcript"
	TypeFinalTranscript     = "final_transcript"
	TypeSessionCompleted    = "session_completed"
	TypeSegmentLossWarning  = "segment_loss_warning"
	TypeEnrichmentProgress  = "enrichment_progress"
	TypeEnrichmentCompleted = "enrichment_completed"
	TypeEnrichmentFailed    = "enrichment_failed"
	TypeModelDegraded       = "model_degraded"
)

// Event is the envelope broadcast to subscribers of a session.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// TranscriptPayload carries one segment's text to live viewers.
type TranscriptPayload struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	StartMS    int64   `json:"start_ms"`
	EndMS      *int64  `json:"end_ms,omitempty"`
}

// ProgressPayload carries one enrichment task outcome.
type ProgressPayload struct {
	Task     string `json:"task"`
	Outcome  string `json:"outcome"`
	Degraded bool   `json:"degraded"`
	Model    string `json:"model,omitempty"`
}

// DegradationPayload identifies which model candidate served a call and why.
type DegradationPayload struct {
	Model  string `json:"model"`
	Reason string `json:"reason"`
}

// LossPayload reports segments dropped after flush retries were exhausted.
type LossPayload struct {
	Dropped int    `json:"dropped"`
	Reason  string `json:"reason"`
}

// Publisher is the interface the ingestion and enrichment layers use to emit
// session events. The hub implements it; tests substitute a recorder.
type Publisher interface {
	Publish(sessionID string, event Event)
}

// Marshal encodes an event for the wire, stamping the timestamp if unset.
func Marshal(event Event) []byte {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return []byte(`{"type":"error"}`)
	}
	return data
}
