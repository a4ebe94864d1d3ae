// Package stt defines the speech-to-text provider interface and common types
// for streamed chunk recognition.
package stt

import (
	"context"

	"github.com/skillsenselab/scribe/provider"
)

// Provider is the interface that speech-to-text backends must implement.
type Provider interface {
	provider.Provider // embeds Name() and IsAvailable()

	// TranscribeChunk sends one audio unit for recognition and returns
	// the (possibly provisional) result.
	TranscribeChunk(ctx context.Context, req ChunkRequest) (*ChunkResult, error)

	// EndSession tells stateful backends the stream is over so they can
	// release per-session recognition context.
	EndSession(ctx context.Context, sessionID string) error
}

// NewRegistry creates a provider registry for speech-to-text backends.
func NewRegistry() *provider.Registry[Provider] {
	return provider.NewRegistry[Provider]()
}
