// Package provider defines the base abstraction shared by external
// capability backends (speech-to-text, language models).
package provider

import "context"

// Provider is the base interface all backends must implement.
type Provider interface {
	// Name returns the backend's unique name.
	Name() string
	// IsAvailable checks if the backend is ready to handle requests.
	// Surfaced through the health endpoint.
	IsAvailable(ctx context.Context) bool
}
