package ai

import "context"

// DeepSeekProvider adapts the DeepSeek chat API (OpenAI-compatible wire shape).
type DeepSeekProvider struct {
	c *compatClient
}

func NewDeepSeekProvider(baseURL, apiKey string) *DeepSeekProvider {
	if baseURL == "" {
		baseURL = "https://api.deepseek.com/v1"
	}
	return &DeepSeekProvider{c: newCompatClient("deepseek", baseURL, apiKey)}
}

func (p *DeepSeekProvider) Generate(ctx context.Context, req Request) (*Result, error) {
	if req.Model == "" {
		req.Model = "deepseek-chat"
	}
	return p.c.Generate(ctx, req)
}

func (p *DeepSeekProvider) GenerateStream(ctx context.Context, req Request) (<-chan string, <-chan error) {
	if req.Model == "" {
		req.Model = "deepseek-chat"
	}
	return p.c.GenerateStream(ctx, req)
}
