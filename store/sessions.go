package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/skillsenselab/scribe/errors"
	"github.com/skillsenselab/scribe/logger"
	"github.com/skillsenselab/scribe/transcript"
)

// SessionStore provides all persistence operations for sessions, segments and
// enrichment results. All writes are partitioned by session id; the only
// cross-writer synchronization is the enrichment claim's conditional update.
type SessionStore struct {
	db  *DB
	log *logger.Logger
}

// NewSessionStore creates a SessionStore over the given database.
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{
		db:  db,
		log: db.log.WithComponent("sessions"),
	}
}

// Create inserts a new active session anchored at the given start time.
func (s *SessionStore) Create(ctx context.Context, correlationID string, startedAt time.Time) (*Session, error) {
	session := &Session{
		CorrelationID:           correlationID,
		Status:                  transcript.StatusActive,
		StartedAt:               startedAt,
		SessionStartMS:          startedAt.UnixMilli(),
		PostTranscriptionStatus: transcript.EnrichmentPending,
	}
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, apperrors.StorageUnavailable("create session", err)
	}
	return session, nil
}

// Get fetches a session by id.
func (s *SessionStore) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	var session Session
	err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("session", id.String())
	}
	if err != nil {
		return nil, apperrors.StorageUnavailable("get session", err)
	}
	return &session, nil
}

// AppendSegments persists one flushed batch in a single transaction. The
// batch commits atomically: either every segment lands or none do, so a
// failed flush can be requeued without partial writes.
func (s *SessionStore) AppendSegments(ctx context.Context, segments []Segment) error {
	if len(segments) == 0 {
		return nil
	}
	err := s.db.Transaction(ctx, func(tx *gorm.DB) error {
		return tx.Create(&segments).Error
	})
	if err != nil {
		return apperrors.StorageUnavailable("append segments", err)
	}
	return nil
}

// FinalSegments returns the session's final-kind segments ordered by start_ms.
func (s *SessionStore) FinalSegments(ctx context.Context, sessionID uuid.UUID) ([]Segment, error) {
	var segments []Segment
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND kind = ?", sessionID, transcript.KindFinal).
		Order("start_ms ASC").
		Find(&segments).Error
	if err != nil {
		return nil, apperrors.StorageUnavailable("list final segments", err)
	}
	return segments, nil
}

// BeginFinalize transitions active -> finalizing. Returns false when the
// session was not active, i.e. another finalize already ran or is running.
func (s *SessionStore) BeginFinalize(ctx context.Context, id uuid.UUID) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&Session{}).
		Where("id = ? AND status = ?", id, transcript.StatusActive).
		Update("status", transcript.StatusFinalizing)
	if res.Error != nil {
		return false, apperrors.StorageUnavailable("begin finalize", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Complete stores the aggregate statistics and transitions to completed.
func (s *SessionStore) Complete(ctx context.Context, id uuid.UUID, stats transcript.Stats) error {
	err := s.db.WithContext(ctx).
		Model(&Session{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":             transcript.StatusCompleted,
			"total_segments":     stats.TotalSegments,
			"average_confidence": stats.AverageConfidence,
			"total_duration":     stats.TotalDuration,
		}).Error
	if err != nil {
		return apperrors.StorageUnavailable("complete session", err)
	}
	return nil
}

// MarkFailed transitions a session to failed.
func (s *SessionStore) MarkFailed(ctx context.Context, id uuid.UUID) error {
	err := s.db.WithContext(ctx).
		Model(&Session{}).
		Where("id = ?", id).
		Update("status", transcript.StatusFailed).Error
	if err != nil {
		return apperrors.StorageUnavailable("fail session", err)
	}
	return nil
}

// ClaimEnrichment performs the idempotency guard: a single conditional update
// moving post_transcription_status from one of the given states to
// processing. Exactly one concurrent caller observes true; everyone else gets
// false with no side effects. No external lock is involved.
func (s *SessionStore) ClaimEnrichment(ctx context.Context, id uuid.UUID, from ...transcript.EnrichmentStatus) (bool, error) {
	if len(from) == 0 {
		from = []transcript.EnrichmentStatus{transcript.EnrichmentPending}
	}
	res := s.db.WithContext(ctx).
		Model(&Session{}).
		Where("id = ? AND post_transcription_status IN ?", id, from).
		Update("post_transcription_status", transcript.EnrichmentProcessing)
	if res.Error != nil {
		return false, apperrors.StorageUnavailable("claim enrichment", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// FinishEnrichment records the terminal outcome of an enrichment run.
func (s *SessionStore) FinishEnrichment(ctx context.Context, id uuid.UUID, status transcript.EnrichmentStatus) error {
	err := s.db.WithContext(ctx).
		Model(&Session{}).
		Where("id = ? AND post_transcription_status = ?", id, transcript.EnrichmentProcessing).
		Update("post_transcription_status", status).Error
	if err != nil {
		return apperrors.StorageUnavailable("finish enrichment", err)
	}
	return nil
}

// SaveEnrichmentResult persists one task's outcome, replacing whatever the
// same task left behind on an earlier run so a retriggered session does not
// collide with the (session_id, task) unique index. Results survive
// regardless of the overall run verdict.
func (s *SessionStore) SaveEnrichmentResult(ctx context.Context, result *EnrichmentResult) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "task"}},
			DoUpdates: clause.AssignmentColumns([]string{"outcome", "degraded", "model", "content", "duration_ms"}),
		}).
		Create(result).Error
	if err != nil {
		return apperrors.StorageUnavailable("save enrichment result", err)
	}
	return nil
}

// EnrichmentResults returns all task results for a session.
func (s *SessionStore) EnrichmentResults(ctx context.Context, sessionID uuid.UUID) ([]EnrichmentResult, error) {
	var results []EnrichmentResult
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("task ASC").
		Find(&results).Error
	if err != nil {
		return nil, apperrors.StorageUnavailable("list enrichment results", err)
	}
	return results, nil
}

// FailStaleActive marks sessions that were active before the cutoff as
// failed. Run at startup to clean up sessions interrupted by a crash; the
// scan rides the (status, started_at) index.
func (s *SessionStore) FailStaleActive(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&Session{}).
		Where("status IN ? AND started_at < ?", []transcript.SessionStatus{transcript.StatusActive, transcript.StatusFinalizing}, cutoff).
		Update("status", transcript.StatusFailed)
	if res.Error != nil {
		return 0, apperrors.StorageUnavailable("fail stale sessions", res.Error)
	}
	if res.RowsAffected > 0 {
		s.log.Warn("marked stale sessions failed", map[string]interface{}{
			"count": res.RowsAffected,
		})
	}
	return res.RowsAffected, nil
}
