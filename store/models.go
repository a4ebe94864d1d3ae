package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/skillsenselab/scribe/transcript"
)

// Session is one continuous transcription run from start to stop/disconnect.
// Sessions are never deleted by this service.
type Session struct {
	ID            uuid.UUID                `gorm:"type:uuid;primary_key" json:"id"`
	CorrelationID string                   `gorm:"index" json:"correlation_id"`
	Status        transcript.SessionStatus `gorm:"index:idx_sessions_status_started,priority:1" json:"status"`
	StartedAt     time.Time                `gorm:"index:idx_sessions_status_started,priority:2" json:"started_at"`

	// SessionStartMS anchors all segment offsets to the session start.
	SessionStartMS int64 `gorm:"column:session_start_ms" json:"session_start_ms"`

	// Aggregate statistics, computed at finalization from final-kind
	// segments only. Nullable until the session completes.
	TotalSegments     int      `json:"total_segments"`
	AverageConfidence *float64 `json:"average_confidence"`
	TotalDuration     *float64 `json:"total_duration"`

	// PostTranscriptionStatus guards the enrichment run: the
	// pending->processing transition happens exactly once per trigger via
	// an atomic conditional update.
	PostTranscriptionStatus transcript.EnrichmentStatus `gorm:"column:post_transcription_status" json:"post_transcription_status"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// BeforeCreate generates a UUID if not already set.
func (s *Session) BeforeCreate(_ *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// Segment is a unit of transcribed text belonging to exactly one session.
// Final segments are immutable once persisted; interim segments are
// display-only and excluded from statistics.
type Segment struct {
	ID        uuid.UUID              `gorm:"type:uuid;primary_key" json:"id"`
	SessionID uuid.UUID              `gorm:"type:uuid;index:idx_segments_session_start,priority:1;index:idx_segments_session_kind,priority:1" json:"session_id"`
	Kind      transcript.SegmentKind `gorm:"index:idx_segments_session_kind,priority:2" json:"kind"`

	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`

	StartMS int64  `gorm:"column:start_ms;index:idx_segments_session_start,priority:2" json:"start_ms"`
	EndMS   *int64 `gorm:"column:end_ms" json:"end_ms"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// BeforeCreate generates a UUID if not already set.
func (s *Segment) BeforeCreate(_ *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// EnrichmentResult is the persisted output of one enrichment task run.
// Successful task results survive even when the overall run is marked failed.
type EnrichmentResult struct {
	ID        uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	SessionID uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_enrichment_session_task,priority:1" json:"session_id"`
	Task      string    `gorm:"uniqueIndex:idx_enrichment_session_task,priority:2" json:"task"`

	Outcome  string `json:"outcome"`
	Degraded bool   `json:"degraded"`
	Model    string `json:"model"`

	// Content is the task's produced text or JSON document.
	Content string `json:"content"`

	DurationMS int64     `gorm:"column:duration_ms" json:"duration_ms"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// BeforeCreate generates a UUID if not already set.
func (r *EnrichmentResult) BeforeCreate(_ *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
