package enrich

import (
	"context"
	"fmt"
	"strings"

	"github.com/skillsenselab/scribe/llm"
	"github.com/skillsenselab/scribe/modelchain"
	"github.com/skillsenselab/scribe/store"
)

// Task names. The set is fixed; results are keyed by (session, task).
const (
	TaskRefinement = "refinement"
	TaskAnalytics  = "analytics"
	TaskExtraction = "extraction"
	TaskSummary    = "summary"
)

// TaskInput is the material a task works from.
type TaskInput struct {
	SessionID  string
	Transcript string
	Stats      SessionStats
}

// SessionStats carries the finalized aggregates into task prompts.
type SessionStats struct {
	TotalSegments     int
	AverageConfidence *float64
	TotalDuration     *float64
}

// TaskOutput is what a task produced.
type TaskOutput struct {
	Content  string
	Model    string
	Degraded bool
}

// Task is one unit of post-transcription work. Implementations must respect
// the context deadline; the orchestrator enforces one per task.
type Task interface {
	Name() string
	Run(ctx context.Context, input TaskInput) (*TaskOutput, error)
}

// Completer is the model-invocation surface tasks call through. The
// candidate-chain invoker implements it.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*modelchain.Result, error)
	CompleteStructured(ctx context.Context, req llm.CompletionRequest, schema any) (*modelchain.Result, error)
}

// promptTask is a task backed by a single completion call.
type promptTask struct {
	name       string
	system     string
	structured bool
	schema     any
	completer  Completer
	buildUser  func(input TaskInput) string
}

func (t *promptTask) Name() string { return t.name }

func (t *promptTask) Run(ctx context.Context, input TaskInput) (*TaskOutput, error) {
	req := llm.CompletionRequest{
		SystemPrompt: t.system,
		Prompt:       t.buildUser(input),
		Temperature:  0.2,
	}
	var (
		res *modelchain.Result
		err error
	)
	if t.structured {
		res, err = t.completer.CompleteStructured(ctx, req, t.schema)
	} else {
		res, err = t.completer.Complete(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return &TaskOutput{
		Content:  res.Response.Content,
		Model:    res.Model,
		Degraded: res.Degraded,
	}, nil
}

// analyticsSchema shapes the structured analytics output.
var analyticsSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"speaking_pace":    map[string]any{"type": "string"},
		"filler_words":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"clarity_score":    map[string]any{"type": "number"},
		"overall_feedback": map[string]any{"type": "string"},
	},
	"required": []string{"clarity_score", "overall_feedback"},
}

// extractionSchema shapes the structured key-points output.
var extractionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"key_points":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"action_items": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"topics":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"required": []string{"key_points"},
}

func transcriptPrompt(input TaskInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Transcript (%d segments", input.Stats.TotalSegments)
	if input.Stats.TotalDuration != nil {
		fmt.Fprintf(&b, ", %.1fs", *input.Stats.TotalDuration)
	}
	b.WriteString("):\n\n")
	b.WriteString(input.Transcript)
	return b.String()
}

// DefaultTasks builds the standard four-task set over the given completer.
func DefaultTasks(completer Completer) []Task {
	return []Task{
		&promptTask{
			name:      TaskRefinement,
			completer: completer,
			system: "You clean up raw speech transcripts. Fix punctuation, casing and " +
				"obvious recognition errors. Preserve the speaker's wording; do not " +
				"summarize or omit content. Return only the refined transcript.",
			buildUser: transcriptPrompt,
		},
		&promptTask{
			name:       TaskAnalytics,
			completer:  completer,
			structured: true,
			schema:     analyticsSchema,
			system: "You analyze spoken delivery. Assess pace, filler words and clarity " +
				"from the transcript and respond with the requested JSON document.",
			buildUser: transcriptPrompt,
		},
		&promptTask{
			name:       TaskExtraction,
			completer:  completer,
			structured: true,
			schema:     extractionSchema,
			system: "You extract key points, action items and topics from transcripts. " +
				"Respond with the requested JSON document.",
			buildUser: transcriptPrompt,
		},
		&promptTask{
			name:      TaskSummary,
			completer: completer,
			system: "You summarize transcripts in at most three sentences, neutral tone, " +
				"third person. Return only the summary.",
			buildUser: transcriptPrompt,
		},
	}
}

// SelectTasks filters a task set by name, preserving order. Unknown names
// are ignored; an empty selection returns the full set.
func SelectTasks(tasks []Task, names []string) []Task {
	if len(names) == 0 {
		return tasks
	}
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	selected := make([]Task, 0, len(tasks))
	for _, task := range tasks {
		if wanted[task.Name()] {
			selected = append(selected, task)
		}
	}
	return selected
}

// joinSegments renders final segments into the transcript text tasks consume.
func joinSegments(segments []store.Segment) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}
