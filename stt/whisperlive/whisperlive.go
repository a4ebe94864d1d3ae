// Package whisperlive implements stt.Provider against a faster-whisper
// streaming HTTP sidecar.
package whisperlive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/skillsenselab/scribe/stt"
)

const (
	// ProviderName is the registered name for the whisper-live provider.
	ProviderName = "whisper-live"

	defaultURL     = "http://localhost:8387"
	defaultModel   = "base"
	defaultTimeout = 30 * time.Second
)

// Config holds configuration for the whisper-live provider.
type Config struct {
	URL      string        `json:"url" yaml:"url" mapstructure:"url"`
	Model    string        `json:"model" yaml:"model" mapstructure:"model"`
	Language string        `json:"language,omitempty" yaml:"language" mapstructure:"language"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
}

// Provider implements stt.Provider using the sidecar's chunk endpoint.
type Provider struct {
	cfg    Config
	client *http.Client
}

// NewProvider creates a new whisper-live provider.
func NewProvider(cfg Config) *Provider {
	if cfg.URL == "" {
		cfg.URL = defaultURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Provider{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Name returns the provider name.
func (p *Provider) Name() string { return ProviderName }

// IsAvailable checks if the sidecar is reachable.
func (p *Provider) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type chunkRequest struct {
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
	Language  string `json:"language,omitempty"`
	Seq       int    `json:"seq"`
	Audio     []byte `json:"audio"`
}

type chunkResponse struct {
	Text             string  `json:"text"`
	Confidence       float64 `json:"confidence"`
	IsFinal          bool    `json:"is_final"`
	ProcessingTimeMS *int64  `json:"processing_time_ms"`
}

// TranscribeChunk sends one audio unit to the sidecar's /v1/stream endpoint.
func (p *Provider) TranscribeChunk(ctx context.Context, req stt.ChunkRequest) (*stt.ChunkResult, error) {
	language := req.Language
	if language == "" {
		language = p.cfg.Language
	}

	body, err := json.Marshal(chunkRequest{
		SessionID: req.SessionID,
		Model:     p.cfg.Model,
		Language:  language,
		Seq:       req.Seq,
		Audio:     req.Audio,
	})
	if err != nil {
		return nil, fmt.Errorf("whisper-live: encode chunk: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL+"/v1/stream", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("whisper-live: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("whisper-live: chunk request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("whisper-live: status %d: %s", resp.StatusCode, data)
	}

	var cr chunkResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("whisper-live: decode response: %w", err)
	}

	return &stt.ChunkResult{
		Text:             cr.Text,
		Confidence:       cr.Confidence,
		IsFinal:          cr.IsFinal,
		ProcessingTimeMS: cr.ProcessingTimeMS,
	}, nil
}

// EndSession closes the sidecar's per-session recognition context.
func (p *Provider) EndSession(ctx context.Context, sessionID string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.cfg.URL+"/v1/stream/"+sessionID, nil)
	if err != nil {
		return fmt.Errorf("whisper-live: build end request: %w", err)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("whisper-live: end session: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("whisper-live: end session status %d", resp.StatusCode)
	}
	return nil
}
