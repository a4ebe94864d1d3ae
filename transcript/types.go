// Package transcript defines the core domain vocabulary for transcription
// sessions and segments, plus the pure timestamp arithmetic applied to every
// inbound segment.
package transcript

// SessionStatus is the lifecycle state of a transcription session.
type SessionStatus string

const (
	StatusCreated    SessionStatus = "created"
	StatusActive     SessionStatus = "active"
	StatusFinalizing SessionStatus = "finalizing"
	StatusCompleted  SessionStatus = "completed"
	StatusFailed     SessionStatus = "failed"
)

// EnrichmentStatus is the state of a session's post-transcription run.
type EnrichmentStatus string

const (
	EnrichmentPending    EnrichmentStatus = "pending"
	EnrichmentProcessing EnrichmentStatus = "processing"
	EnrichmentCompleted  EnrichmentStatus = "completed"
	EnrichmentFailed     EnrichmentStatus = "failed"
)

// SegmentKind distinguishes provisional from committed segments.
type SegmentKind string

const (
	// KindInterim marks a provisional segment, shown live but excluded
	// from statistics and replaced by later output.
	KindInterim SegmentKind = "interim"
	// KindFinal marks a committed segment. Final segments are immutable
	// once persisted.
	KindFinal SegmentKind = "final"
)

// Stats holds the aggregate statistics computed at finalization. They are
// derived strictly from final-kind segments.
type Stats struct {
	// TotalSegments is the count of final segments.
	TotalSegments int `json:"total_segments"`
	// AverageConfidence is the mean confidence over final segments,
	// nil when the session produced none.
	AverageConfidence *float64 `json:"average_confidence"`
	// TotalDuration is (last.end_ms - first.start_ms)/1000 in seconds,
	// nil when no segment carries both bounds.
	TotalDuration *float64 `json:"total_duration"`
}
