package api

import "github.com/samcharles93/sabi/internal/inference"

type ForwardRequest struct {
	Model    string  `json:"model,omitempty"`
	Tokens   [][]int `json:"tokens"`
	StartPos int     `json:"start_pos,omitempty"`
	Targets  [][]int `json:"targets,omitempty"`
	// Mask replaces the causal mask. It is [batch or 1][seq][seq]; true
	// lets a query row see a key column.
	Mask      [][][]bool `json:"mask,omitempty"`
	AllLogits bool       `json:"all_logits,omitempty"`
}

type ForwardResponse struct {
	ID     string `json:"id"`
	Object string `json:"object"`
	Model  string `json:"model"`
	// Logits is [batch][positions][vocab]; positions is 1 unless all
	// logits or a loss were requested.
	Logits [][][]float32 `json:"logits"`
	// Loss is null when every target was ignored.
	Loss *float64 `json:"loss,omitempty"`
}

type GenerateRequest struct {
	Model  string  `json:"model,omitempty"`
	Tokens [][]int `json:"tokens,omitempty"`
	// Prompt is text input for models that ship a tokenizer. It replaces
	// Tokens, one row per string.
	Prompt []string `json:"prompt,omitempty"`
	Stream bool     `json:"stream,omitempty"`
	inference.DecodingOptions
}

type GenerateResponse struct {
	ID        string  `json:"id"`
	Object    string  `json:"object"`
	CreatedAt int64   `json:"created_at"`
	Model     string  `json:"model"`
	Tokens    [][]int `json:"tokens"`
	// Text holds the decoded completion of each row for prompt requests.
	Text  []string      `json:"text,omitempty"`
	Usage GenerateUsage `json:"usage"`
}

type GenerateUsage struct {
	PromptTokens    int     `json:"prompt_tokens"`
	GeneratedTokens int     `json:"generated_tokens"`
	Steps           int     `json:"steps"`
	Truncations     int     `json:"truncations,omitempty"`
	DurationMS      int64   `json:"duration_ms"`
	TokensPerSecond float64 `json:"tokens_per_second"`
}

type ModelsResponse struct {
	Object string       `json:"object"`
	Data   []ModelEntry `json:"data"`
}

type ModelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

// TokenEvent is one streamed token of a generate call.
type TokenEvent struct {
	Type           string `json:"type"`
	Row            int    `json:"row"`
	Token          int    `json:"token"`
	SequenceNumber int    `json:"sequence_number"`
}
