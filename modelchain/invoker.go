// Package modelchain wraps one logical language-model call with an ordered
// chain of candidate backends, per-candidate retry with exponential backoff,
// and explicit degradation reporting when a non-primary candidate serves the
// call.
package modelchain

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/skillsenselab/scribe/errors"
	"github.com/skillsenselab/scribe/llm"
	"github.com/skillsenselab/scribe/logger"
	"github.com/skillsenselab/scribe/observability"
	"github.com/skillsenselab/scribe/resilience"
)

// Candidate is one backend in the chain, tried in declaration order.
type Candidate struct {
	// Provider is the backend that executes the call.
	Provider llm.Provider
	// Model is the model id requested from the backend. Empty means the
	// backend's default.
	Model string
}

// candidateLabel is the identifier used in attempts and degradation reasons.
func (c Candidate) label() string {
	if c.Model == "" {
		return c.Provider.Name()
	}
	return c.Provider.Name() + "/" + c.Model
}

// AttemptOutcome classifies a single attempt against one candidate.
type AttemptOutcome string

const (
	OutcomeSucceeded AttemptOutcome = "succeeded"
	OutcomeFailed    AttemptOutcome = "failed"
	OutcomeDenied    AttemptOutcome = "denied"
)

// Attempt records one call against one candidate, kept for observability and
// degradation reporting only.
type Attempt struct {
	Model   string              `json:"model"`
	Attempt int                 `json:"attempt"`
	Outcome AttemptOutcome      `json:"outcome"`
	Latency time.Duration       `json:"latency"`
	Code    apperrors.ErrorCode `json:"code,omitempty"`
}

// Result is the outcome of one invocation through the chain.
type Result struct {
	// Response is the winning backend's response.
	Response *llm.CompletionResponse
	// Model identifies the candidate that served the call.
	Model string
	// Degraded is true when a non-primary candidate served the call.
	Degraded bool
	// DegradedReason explains which candidate was used and why.
	DegradedReason string
	// Attempts lists every attempt made, in order.
	Attempts []Attempt
}

// Config configures the invoker's per-candidate retry policy.
type Config struct {
	// RetryAttempts is the number of attempts per candidate.
	RetryAttempts int `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	// InitialBackoff is the first retry delay; subsequent delays double.
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
}

// ApplyDefaults sets the service defaults (3 attempts, 1s/2s/4s backoff).
func (c *Config) ApplyDefaults() {
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
}

// DegradationFunc receives an observability event when a call is served
// degraded.
type DegradationFunc func(model, reason string)

// Invoker executes calls through an ordered candidate chain.
type Invoker struct {
	candidates []Candidate
	cfg        Config
	log        *logger.Logger
	onDegraded DegradationFunc
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithDegradationFunc installs a callback fired on degraded completions.
func WithDegradationFunc(fn DegradationFunc) Option {
	return func(iv *Invoker) { iv.onDegraded = fn }
}

// New creates an Invoker over the given candidate chain. The first candidate
// is the primary; the rest are fallbacks in order.
func New(candidates []Candidate, cfg Config, log *logger.Logger, opts ...Option) *Invoker {
	cfg.ApplyDefaults()
	iv := &Invoker{
		candidates: candidates,
		cfg:        cfg,
		log:        log.WithComponent("modelchain"),
	}
	for _, o := range opts {
		o(iv)
	}
	return iv
}

// Complete runs one completion call through the chain.
func (iv *Invoker) Complete(ctx context.Context, req llm.CompletionRequest) (*Result, error) {
	return iv.invoke(ctx, func(ctx context.Context, cand Candidate) (*llm.CompletionResponse, error) {
		r := req
		r.Model = cand.Model
		return cand.Provider.Complete(ctx, r)
	})
}

// CompleteStructured runs one structured completion call through the chain.
func (iv *Invoker) CompleteStructured(ctx context.Context, req llm.CompletionRequest, schema any) (*Result, error) {
	return iv.invoke(ctx, func(ctx context.Context, cand Candidate) (*llm.CompletionResponse, error) {
		r := req
		r.Model = cand.Model
		return cand.Provider.CompleteStructured(ctx, r, schema)
	})
}

type callFunc func(ctx context.Context, cand Candidate) (*llm.CompletionResponse, error)

// invoke walks the chain. Each candidate gets up to RetryAttempts tries with
// exponential backoff; a permission failure short-circuits to the next
// candidate without consuming retries. The backoff wait is context-aware so
// sibling tasks in a shared pool keep running.
func (iv *Invoker) invoke(ctx context.Context, call callFunc) (*Result, error) {
	ctx, span := observability.StartSpan(ctx, observability.SpanModelInvocation)
	defer span.End()

	if len(iv.candidates) == 0 {
		return nil, apperrors.ModelUnavailable("completion", fmt.Errorf("no candidates configured"))
	}

	result := &Result{}
	var failures []string

	for i, cand := range iv.candidates {
		label := cand.label()
		attemptNo := 0

		retryCfg := resilience.RetryConfig{
			MaxAttempts:    iv.cfg.RetryAttempts,
			InitialBackoff: iv.cfg.InitialBackoff,
			BackoffFactor:  2.0,
			RetryIf: func(err error) bool {
				if apperrors.IsCode(err, apperrors.ErrCodePermissionDenied) {
					return false
				}
				return resilience.DefaultRetryIf(err)
			},
			OnRetry: func(attempt int, err error, backoff time.Duration) {
				iv.log.Warn("candidate attempt failed, backing off", map[string]interface{}{
					logger.FieldModel: label,
					"attempt":         attempt,
					"backoff":         backoff.String(),
					"error":           err.Error(),
				})
			},
		}

		resp, err := resilience.Retry(ctx, retryCfg, func() (*llm.CompletionResponse, error) {
			attemptNo++
			start := time.Now()
			resp, callErr := call(ctx, cand)
			rec := Attempt{
				Model:   label,
				Attempt: attemptNo,
				Latency: time.Since(start),
			}
			switch {
			case callErr == nil:
				rec.Outcome = OutcomeSucceeded
			case apperrors.IsCode(callErr, apperrors.ErrCodePermissionDenied):
				rec.Outcome = OutcomeDenied
				rec.Code = apperrors.ErrCodePermissionDenied
			default:
				rec.Outcome = OutcomeFailed
				rec.Code = apperrors.CodeOf(callErr)
			}
			result.Attempts = append(result.Attempts, rec)
			return resp, callErr
		})

		if err == nil {
			result.Response = resp
			result.Model = label
			if i > 0 {
				result.Degraded = true
				result.DegradedReason = fmt.Sprintf("served by fallback %s after: %s", label, strings.Join(failures, "; "))
				observability.SetSpanAttribute(ctx, "degraded", true)
				iv.log.Warn("completion served degraded", map[string]interface{}{
					logger.FieldModel: label,
					"reason":          result.DegradedReason,
				})
				if iv.onDegraded != nil {
					iv.onDegraded(label, result.DegradedReason)
				}
			}
			observability.SetSpanAttribute(ctx, "model", label)
			return result, nil
		}

		if ctx.Err() != nil {
			observability.SetSpanError(ctx, ctx.Err())
			return nil, ctx.Err()
		}

		failures = append(failures, fmt.Sprintf("%s: %s", label, apperrors.CodeOf(err)))
		iv.log.Warn("candidate exhausted, trying next", map[string]interface{}{
			logger.FieldModel: label,
			"error":           err.Error(),
		})
	}

	err := apperrors.ModelUnavailable("completion", fmt.Errorf("%s", strings.Join(failures, "; ")))
	observability.SetSpanError(ctx, err)
	return nil, err
}
