package server

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "github.com/skillsenselab/scribe/errors"
	"github.com/skillsenselab/scribe/events"
	"github.com/skillsenselab/scribe/ingest"
	"github.com/skillsenselab/scribe/logger"
	"github.com/skillsenselab/scribe/provider"
	"github.com/skillsenselab/scribe/store"
	"github.com/skillsenselab/scribe/transcript"
)

// SessionReader is the read-side persistence surface the API serves from.
type SessionReader interface {
	Get(ctx context.Context, id uuid.UUID) (*store.Session, error)
	FinalSegments(ctx context.Context, sessionID uuid.UUID) ([]store.Segment, error)
	EnrichmentResults(ctx context.Context, sessionID uuid.UUID) ([]store.EnrichmentResult, error)
}

// Enricher triggers post-transcription runs.
type Enricher interface {
	Retrigger(ctx context.Context, sessionID uuid.UUID) error
}

// HealthChecker reports whether the service's dependencies are reachable.
type HealthChecker func(ctx context.Context) error

// API wires the service's handlers onto a Gin engine.
type API struct {
	ctrl    *ingest.Controller
	reader  SessionReader
	enrich  Enricher
	hub     *events.Hub
	health  HealthChecker
	deps    []provider.Provider
	service string
	version string
	log     *logger.Logger
}

// NewAPI creates the handler set. deps are the external backends whose
// availability the health endpoint reports.
func NewAPI(ctrl *ingest.Controller, reader SessionReader, enricher Enricher, hub *events.Hub, health HealthChecker, deps []provider.Provider, service, version string, log *logger.Logger) *API {
	return &API{
		ctrl:    ctrl,
		reader:  reader,
		enrich:  enricher,
		hub:     hub,
		health:  health,
		deps:    deps,
		service: service,
		version: version,
		log:     log.WithComponent("api"),
	}
}

// RegisterRoutes mounts all routes on the engine.
func (a *API) RegisterRoutes(engine *gin.Engine) {
	engine.GET("/healthz", a.Healthz)
	engine.GET("/ws/transcribe", a.Transcribe)

	api := engine.Group("/api")
	{
		api.GET("/sessions/:id", a.GetSession)
		api.GET("/sessions/:id/transcript", a.GetTranscript)
		api.GET("/sessions/:id/enrichment", a.GetEnrichment)
		api.GET("/sessions/:id/events", a.StreamEvents)
		api.POST("/sessions/:id/enrich", a.TriggerEnrichment)
	}
}

// Healthz reports liveness plus dependency reachability.
func (a *API) Healthz(c *gin.Context) {
	status := "healthy"
	code := 200
	var detail string
	if a.health != nil {
		if err := a.health(c.Request.Context()); err != nil {
			status = "unhealthy"
			code = 503
			detail = err.Error()
		}
	}

	// Backend availability is reported but does not fail readiness: an
	// unreachable recognizer or model can recover while the server keeps
	// serving reads and SSE streams.
	backends := make(gin.H, len(a.deps))
	for _, dep := range a.deps {
		if dep.IsAvailable(c.Request.Context()) {
			backends[dep.Name()] = "up"
		} else {
			backends[dep.Name()] = "down"
			if status == "healthy" {
				status = "degraded"
			}
		}
	}

	body := gin.H{
		"status":          status,
		"service":         a.service,
		"version":         a.version,
		"active_sessions": a.ctrl.ActiveSessions(),
	}
	if len(backends) > 0 {
		body["backends"] = backends
	}
	if detail != "" {
		body["detail"] = detail
	}
	c.JSON(code, body)
}

func sessionID(c *gin.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperrors.InvalidInput("id", "not a valid session id")
	}
	return id, nil
}

// GetSession returns a session's current state and statistics.
func (a *API) GetSession(c *gin.Context) {
	id, err := sessionID(c)
	if err != nil {
		RespondWithError(c, err)
		return
	}
	session, err := a.reader.Get(c.Request.Context(), id)
	if err != nil {
		RespondWithError(c, err)
		return
	}
	RespondOK(c, session)
}

// GetTranscript returns the session's final segments in order.
func (a *API) GetTranscript(c *gin.Context) {
	id, err := sessionID(c)
	if err != nil {
		RespondWithError(c, err)
		return
	}
	ctx := c.Request.Context()
	session, err := a.reader.Get(ctx, id)
	if err != nil {
		RespondWithError(c, err)
		return
	}
	segments, err := a.reader.FinalSegments(ctx, id)
	if err != nil {
		RespondWithError(c, err)
		return
	}
	RespondOK(c, gin.H{
		"session_id": session.ID,
		"status":     session.Status,
		"stats": transcript.Stats{
			TotalSegments:     session.TotalSegments,
			AverageConfidence: session.AverageConfidence,
			TotalDuration:     session.TotalDuration,
		},
		"segments": segments,
	})
}

// GetEnrichment returns the persisted enrichment task results.
func (a *API) GetEnrichment(c *gin.Context) {
	id, err := sessionID(c)
	if err != nil {
		RespondWithError(c, err)
		return
	}
	ctx := c.Request.Context()
	session, err := a.reader.Get(ctx, id)
	if err != nil {
		RespondWithError(c, err)
		return
	}
	results, err := a.reader.EnrichmentResults(ctx, id)
	if err != nil {
		RespondWithError(c, err)
		return
	}
	RespondOK(c, gin.H{
		"session_id": session.ID,
		"status":     session.PostTranscriptionStatus,
		"results":    results,
	})
}

// TriggerEnrichment starts (or retries) a session's enrichment run. The run
// itself proceeds in the background; the conditional claim inside it keeps
// duplicate triggers harmless.
func (a *API) TriggerEnrichment(c *gin.Context) {
	id, err := sessionID(c)
	if err != nil {
		RespondWithError(c, err)
		return
	}
	ctx := c.Request.Context()
	session, err := a.reader.Get(ctx, id)
	if err != nil {
		RespondWithError(c, err)
		return
	}
	if session.Status != transcript.StatusCompleted {
		RespondWithError(c, apperrors.Conflict("session is not completed"))
		return
	}
	switch session.PostTranscriptionStatus {
	case transcript.EnrichmentProcessing:
		RespondWithError(c, apperrors.Conflict("enrichment is already running"))
		return
	case transcript.EnrichmentCompleted:
		RespondWithError(c, apperrors.Conflict("enrichment already completed"))
		return
	}

	go func() {
		if err := a.enrich.Retrigger(context.Background(), id); err != nil {
			if !apperrors.IsCode(err, apperrors.ErrCodeConflict) {
				a.log.WithSession(id.String()).WithError(err).Error("enrichment trigger failed")
			}
		}
	}()
	RespondAccepted(c, gin.H{"session_id": id, "status": transcript.EnrichmentProcessing})
}
