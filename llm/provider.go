// Package llm defines the language-model provider interface and common types
// for interacting with completion backends.
package llm

import (
	"context"

	"github.com/skillsenselab/scribe/provider"
)

// Provider is the interface that LLM backends must implement.
//
// Implementations classify refusals: an authorization or quota rejection must
// surface as errors.PermissionDenied and a throttle as errors.RateLimited, so
// the invocation chain can decide between skipping and retrying.
type Provider interface {
	provider.Provider // embeds Name() and IsAvailable()

	// Complete sends a completion request and returns the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CompleteStructured sends a completion request expecting structured
	// JSON output. The schema parameter hints at the desired shape.
	CompleteStructured(ctx context.Context, req CompletionRequest, schema any) (*CompletionResponse, error)
}

// NewRegistry creates a provider registry for LLM backends.
func NewRegistry() *provider.Registry[Provider] {
	return provider.NewRegistry[Provider]()
}
