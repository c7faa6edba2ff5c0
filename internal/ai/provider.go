package ai

import "context"

// Usage is the normalized token-usage shape across vendors.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Request is one normalized generation request.
type Request struct {
	Prompt string
	Image  string // optional image URL / data URI for vision-capable models
	Model  string
	Stream bool
}

// Result is the buffered outcome of a generation call. Exactly one of Text
// and ImageURL is set depending on the adapter variant. Usage is nil when the
// vendor reports none.
type Result struct {
	Text     string
	ImageURL string
	Usage    *Usage
}

// Provider is the common capability every adapter implements.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}
