package main

import (
	"fmt"

	"github.com/skillsenselab/scribe/config"
	"github.com/skillsenselab/scribe/enrich"
	"github.com/skillsenselab/scribe/ingest"
	"github.com/skillsenselab/scribe/llm/ollama"
	"github.com/skillsenselab/scribe/modelchain"
	"github.com/skillsenselab/scribe/observability"
	"github.com/skillsenselab/scribe/server"
	"github.com/skillsenselab/scribe/store"
	"github.com/skillsenselab/scribe/stt/whisperlive"
	"github.com/skillsenselab/scribe/version"
)

// STTConfig selects and configures the speech-to-text backend.
type STTConfig struct {
	Provider    string             `yaml:"provider" mapstructure:"provider"`
	WhisperLive whisperlive.Config `yaml:"whisper_live" mapstructure:"whisper_live"`
}

// ModelCandidate is one entry in the ordered LLM candidate chain.
type ModelCandidate struct {
	Provider string `yaml:"provider" mapstructure:"provider"`
	Model    string `yaml:"model" mapstructure:"model"`
}

// LLMConfig configures the enrichment model backends and the candidate chain
// walked on failure, in listed order.
type LLMConfig struct {
	Ollama     ollama.Config     `yaml:"ollama" mapstructure:"ollama"`
	Candidates []ModelCandidate  `yaml:"candidates" mapstructure:"candidates"`
	Retry      modelchain.Config `yaml:"retry" mapstructure:"retry"`
}

// AppConfig is scribe's full configuration tree.
type AppConfig struct {
	config.ServiceConfig `mapstructure:",squash"`

	Server  server.Config        `yaml:"server" mapstructure:"server"`
	Store   store.Config         `yaml:"store" mapstructure:"store"`
	Ingest  ingest.Config        `yaml:"ingest" mapstructure:"ingest"`
	Enrich  enrich.Config        `yaml:"enrich" mapstructure:"enrich"`
	STT     STTConfig            `yaml:"stt" mapstructure:"stt"`
	LLM     LLMConfig            `yaml:"llm" mapstructure:"llm"`
	Tracing observability.Config `yaml:"tracing" mapstructure:"tracing"`
}

// ApplyDefaults fills unset fields across the whole tree.
func (c *AppConfig) ApplyDefaults() {
	c.ServiceConfig.ApplyDefaults()
	if c.Name == "" {
		c.Name = "scribe"
	}
	if c.Version == "" {
		c.Version = version.Get().Version
	}
	c.Server.ApplyDefaults()
	c.Store.ApplyDefaults()
	c.Ingest.ApplyDefaults()
	c.Enrich.ApplyDefaults()
	if c.STT.Provider == "" {
		c.STT.Provider = whisperlive.ProviderName
	}
	if len(c.LLM.Candidates) == 0 {
		c.LLM.Candidates = []ModelCandidate{{Provider: ollama.ProviderName}}
	}
	c.LLM.Retry.ApplyDefaults()
}

// Validate checks the whole tree for invalid values.
func (c *AppConfig) Validate() error {
	if err := c.ServiceConfig.Validate(); err != nil {
		return err
	}
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Ingest.Validate(); err != nil {
		return err
	}
	for i, cand := range c.LLM.Candidates {
		if cand.Provider == "" {
			return fmt.Errorf("llm.candidates[%d].provider must be set", i)
		}
	}
	return nil
}
