package ai

import (
	"context"
	"log"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIImageProvider is the image-generation variant: the result carries an
// image URL, and usage is a prompt-length estimate since the vendor reports
// no token counts for image calls. The estimate is not billing-accurate.
type OpenAIImageProvider struct {
	client *openai.Client
	model  string
}

func NewOpenAIImageProvider(apiKey, baseURL, model string) *OpenAIImageProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = "dall-e-3"
	}
	return &OpenAIImageProvider{client: openai.NewClientWithConfig(cfg), model: model}
}

func (p *OpenAIImageProvider) Generate(ctx context.Context, req Request) (*Result, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	resp, err := p.client.CreateImage(ctx, openai.ImageRequest{
		Prompt: req.Prompt,
		Model:  model,
		N:      1,
		Size:   openai.CreateImageSize1024x1024,
	})
	if err != nil {
		return nil, mapOpenAIError("openai-image", err)
	}
	if len(resp.Data) == 0 {
		log.Printf("openai-image: response carried no data, model=%s", model)
		return nil, malformedResponse()
	}

	return &Result{
		ImageURL: resp.Data[0].URL,
		Usage:    syntheticImageUsage(req.Prompt),
	}, nil
}

// syntheticImageUsage approximates prompt tokens at four characters per token.
func syntheticImageUsage(prompt string) *Usage {
	est := (len(prompt) + 3) / 4
	return &Usage{PromptTokens: est, CompletionTokens: 0, TotalTokens: est}
}
