package ai

import "context"

// MistralProvider adapts the Mistral chat API. Any request tagged with the
// "mistral" provider family dispatches here regardless of model.
type MistralProvider struct {
	c *compatClient
}

func NewMistralProvider(baseURL, apiKey string) *MistralProvider {
	if baseURL == "" {
		baseURL = "https://api.mistral.ai/v1"
	}
	return &MistralProvider{c: newCompatClient("mistral", baseURL, apiKey)}
}

func (p *MistralProvider) Generate(ctx context.Context, req Request) (*Result, error) {
	if req.Model == "" {
		req.Model = "mistral-small-latest"
	}
	return p.c.Generate(ctx, req)
}

func (p *MistralProvider) GenerateStream(ctx context.Context, req Request) (<-chan string, <-chan error) {
	if req.Model == "" {
		req.Model = "mistral-small-latest"
	}
	return p.c.GenerateStream(ctx, req)
}
