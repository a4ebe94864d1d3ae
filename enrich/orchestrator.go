// Package enrich runs post-transcription work over completed sessions: a
// fixed task set fanned out in parallel, guarded by a conditional status
// claim so each session is enriched at most once.
package enrich

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/skillsenselab/scribe/errors"
	"github.com/skillsenselab/scribe/events"
	"github.com/skillsenselab/scribe/logger"
	"github.com/skillsenselab/scribe/observability"
	"github.com/skillsenselab/scribe/resilience"
	"github.com/skillsenselab/scribe/store"
	"github.com/skillsenselab/scribe/transcript"
)

// Config tunes the orchestrator.
type Config struct {
	// TaskTimeout bounds each task's run.
	TaskTimeout time.Duration `yaml:"task_timeout" mapstructure:"task_timeout"`
	// SuccessRatio is the fraction of tasks that must succeed for the run
	// to count as completed.
	SuccessRatio float64 `yaml:"success_ratio" mapstructure:"success_ratio"`
	// MaxParallel bounds concurrently running tasks across all sessions.
	MaxParallel int `yaml:"max_parallel" mapstructure:"max_parallel"`
	// Tasks selects which of the known tasks run. Empty means all.
	Tasks []string `yaml:"tasks" mapstructure:"tasks"`
}

// ApplyDefaults sets the service defaults (30s per task, 0.75 ratio).
func (c *Config) ApplyDefaults() {
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 30 * time.Second
	}
	if c.SuccessRatio <= 0 || c.SuccessRatio > 1 {
		c.SuccessRatio = 0.75
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 4
	}
}

// Store is the persistence surface enrichment depends on.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (*store.Session, error)
	FinalSegments(ctx context.Context, sessionID uuid.UUID) ([]store.Segment, error)
	ClaimEnrichment(ctx context.Context, id uuid.UUID, from ...transcript.EnrichmentStatus) (bool, error)
	FinishEnrichment(ctx context.Context, id uuid.UUID, status transcript.EnrichmentStatus) error
	SaveEnrichmentResult(ctx context.Context, result *store.EnrichmentResult) error
	EnrichmentResults(ctx context.Context, sessionID uuid.UUID) ([]store.EnrichmentResult, error)
}

// Orchestrator claims sessions for enrichment and fans the task set out.
type Orchestrator struct {
	cfg   Config
	store Store
	tasks []Task
	pub   events.Publisher
	log   *logger.Logger
	pool  *resilience.Bulkhead
}

// NewOrchestrator creates an orchestrator over the given task set.
func NewOrchestrator(cfg Config, st Store, tasks []Task, pub events.Publisher, log *logger.Logger) *Orchestrator {
	cfg.ApplyDefaults()
	return &Orchestrator{
		cfg:   cfg,
		store: st,
		tasks: tasks,
		pub:   pub,
		log:   log.WithComponent("enrich"),
		pool:  resilience.NewBulkhead("enrich-tasks", cfg.MaxParallel),
	}
}

// Run enriches one session. The conditional claim makes it safe to call from
// multiple triggers at once: exactly one caller wins, everyone else gets
// CONFLICT without side effects. Retrigger reclaims sessions whose previous
// run failed; a completed run stays final.
func (o *Orchestrator) Run(ctx context.Context, sessionID uuid.UUID) error {
	return o.run(ctx, sessionID, transcript.EnrichmentPending)
}

// Retrigger reruns enrichment for a session whose previous run failed.
func (o *Orchestrator) Retrigger(ctx context.Context, sessionID uuid.UUID) error {
	return o.run(ctx, sessionID, transcript.EnrichmentPending, transcript.EnrichmentFailed)
}

func (o *Orchestrator) run(ctx context.Context, sessionID uuid.UUID, from ...transcript.EnrichmentStatus) error {
	session, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != transcript.StatusCompleted {
		return apperrors.Conflict(fmt.Sprintf("session is %s, not completed", session.Status))
	}

	claimed, err := o.store.ClaimEnrichment(ctx, sessionID, from...)
	if err != nil {
		return err
	}
	if !claimed {
		return apperrors.Conflict("enrichment already claimed")
	}

	ctx, span := observability.StartSpan(ctx, observability.SpanEnrichmentRun)
	defer span.End()

	id := sessionID.String()
	log := o.log.WithSession(id)

	finals, err := o.store.FinalSegments(ctx, sessionID)
	if err != nil {
		o.finish(ctx, sessionID, transcript.EnrichmentFailed, 0)
		return err
	}
	input := TaskInput{
		SessionID:  id,
		Transcript: joinSegments(finals),
		Stats: SessionStats{
			TotalSegments:     session.TotalSegments,
			AverageConfidence: session.AverageConfidence,
			TotalDuration:     session.TotalDuration,
		},
	}

	succeeded := o.fanOut(ctx, sessionID, input)
	ratio := float64(succeeded) / float64(len(o.tasks))
	status := transcript.EnrichmentFailed
	if ratio >= o.cfg.SuccessRatio {
		status = transcript.EnrichmentCompleted
	}
	log.Info("enrichment finished", map[string]interface{}{
		"succeeded": succeeded,
		"tasks":     len(o.tasks),
		"status":    string(status),
	})
	o.finish(ctx, sessionID, status, succeeded)
	return nil
}

// fanOut runs every task in parallel through the shared pool and returns the
// success count. Each task gets its own deadline; one slow or failing task
// never blocks the others, and its partial results still persist.
func (o *Orchestrator) fanOut(ctx context.Context, sessionID uuid.UUID, input TaskInput) int {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for _, task := range o.tasks {
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			if err := o.pool.Acquire(ctx); err != nil {
				o.recordTask(ctx, sessionID, task.Name(), nil, err, 0)
				return
			}
			defer o.pool.Release()

			taskCtx, cancel := context.WithTimeout(ctx, o.cfg.TaskTimeout)
			defer cancel()

			start := time.Now()
			output, err := task.Run(taskCtx, input)
			elapsed := time.Since(start)
			if taskCtx.Err() == context.DeadlineExceeded {
				err = apperrors.TaskTimeout(task.Name())
			}
			o.recordTask(ctx, sessionID, task.Name(), output, err, elapsed)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(task)
	}
	wg.Wait()
	return succeeded
}

// recordTask persists one task outcome and publishes progress.
func (o *Orchestrator) recordTask(ctx context.Context, sessionID uuid.UUID, name string, output *TaskOutput, err error, elapsed time.Duration) {
	ctx, span := observability.StartSpan(ctx, observability.SpanEnrichmentTask)
	defer span.End()
	observability.SetSpanAttribute(ctx, "task", name)

	id := sessionID.String()
	result := &store.EnrichmentResult{
		SessionID:  sessionID,
		Task:       name,
		DurationMS: elapsed.Milliseconds(),
	}
	if err != nil {
		observability.SetSpanError(ctx, err)
		result.Outcome = OutcomeFailed
		if apperrors.CodeOf(err) == apperrors.ErrCodeTaskTimeout {
			result.Outcome = OutcomeTimedOut
		}
		result.Content = err.Error()
		o.log.WithSession(id).WithError(err).Warn("enrichment task failed", map[string]interface{}{
			logger.FieldTask: name,
		})
	} else {
		result.Outcome = OutcomeSucceeded
		result.Content = output.Content
		result.Model = output.Model
		result.Degraded = output.Degraded
	}
	if saveErr := o.store.SaveEnrichmentResult(ctx, result); saveErr != nil {
		o.log.WithSession(id).WithError(saveErr).Error("could not persist task result", map[string]interface{}{
			logger.FieldTask: name,
		})
	}

	progress := events.ProgressPayload{Task: name, Outcome: result.Outcome}
	if output != nil {
		progress.Degraded = output.Degraded
		progress.Model = output.Model
	}
	o.pub.Publish(id, events.Event{
		Type:      events.TypeEnrichmentProgress,
		SessionID: id,
		Payload:   progress,
	})
	if output != nil && output.Degraded {
		o.pub.Publish(id, events.Event{
			Type:      events.TypeModelDegraded,
			SessionID: id,
			Payload: events.DegradationPayload{
				Model:  output.Model,
				Reason: fmt.Sprintf("task %s served by a fallback candidate", name),
			},
		})
	}
}

func (o *Orchestrator) finish(ctx context.Context, sessionID uuid.UUID, status transcript.EnrichmentStatus, succeeded int) {
	id := sessionID.String()
	if err := o.store.FinishEnrichment(ctx, sessionID, status); err != nil {
		o.log.WithSession(id).WithError(err).Error("could not record enrichment outcome")
	}
	eventType := events.TypeEnrichmentCompleted
	if status == transcript.EnrichmentFailed {
		eventType = events.TypeEnrichmentFailed
	}
	o.pub.Publish(id, events.Event{
		Type:      eventType,
		SessionID: id,
		Payload: map[string]any{
			"succeeded": succeeded,
			"tasks":     len(o.tasks),
		},
	})
}

// Task outcome values stored per result row. A timeout is kept distinct
// from a failure so result rows show whether the budget or the model was
// the problem; both count against the success ratio.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeTimedOut  = "timed-out"
)

// Results returns the persisted task results for a session.
func (o *Orchestrator) Results(ctx context.Context, sessionID uuid.UUID) ([]store.EnrichmentResult, error) {
	return o.store.EnrichmentResults(ctx, sessionID)
}
