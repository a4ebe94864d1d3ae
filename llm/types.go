package llm

// CompletionRequest is the universal input for all LLM backends.
type CompletionRequest struct {
	// Model overrides the backend's default model.
	Model string `json:"model,omitempty"`
	// SystemPrompt frames the task for the model.
	SystemPrompt string `json:"system_prompt,omitempty"`
	// Prompt is the user-facing request content.
	Prompt string `json:"prompt"`
	// Temperature controls randomness (0.0 = deterministic).
	Temperature float64 `json:"temperature,omitempty"`
	// MaxTokens limits the response length. 0 means backend default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionResponse is the universal output from all LLM backends.
type CompletionResponse struct {
	// Content is the generated text. For structured calls it is the raw
	// JSON document.
	Content string `json:"content"`
	// Model is the model that produced the response.
	Model string `json:"model"`
	// Usage reports token consumption.
	Usage Usage `json:"usage"`
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
