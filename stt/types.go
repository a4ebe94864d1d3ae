package stt

// ChunkRequest carries one streamed audio unit to the recognizer.
type ChunkRequest struct {
	// SessionID identifies the continuous recognition stream the chunk
	// belongs to, so stateful backends can keep per-session context.
	SessionID string `json:"session_id"`
	// Audio is the raw encoded audio unit.
	Audio []byte `json:"audio"`
	// Seq is the zero-based position of the chunk within the session.
	Seq int `json:"seq"`
	// Language is the expected language hint (e.g. "en").
	Language string `json:"language,omitempty"`
}

// ChunkResult is the recognizer's output for one audio unit.
type ChunkResult struct {
	// Text is the transcribed text.
	Text string `json:"text"`
	// Confidence is the recognizer's confidence in [0,1].
	Confidence float64 `json:"confidence"`
	// IsFinal marks committed output; non-final results are provisional
	// and may be revised by later chunks.
	IsFinal bool `json:"is_final"`
	// ProcessingTimeMS is how long recognition took, when reported.
	ProcessingTimeMS *int64 `json:"processing_time_ms,omitempty"`
}
