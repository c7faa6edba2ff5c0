package ai

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider is the chat-completions adapter, covering text and
// chat-with-image requests plus the local tool extension point.
type OpenAIProvider struct {
	client *openai.Client
	tools  *ToolSet
}

func NewOpenAIProvider(apiKey, baseURL string, tools *ToolSet) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg), tools: tools}
}

func (p *OpenAIProvider) chatRequest(req Request, stream bool) openai.ChatCompletionRequest {
	msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	if req.Image != "" {
		msg.MultiContent = []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: req.Prompt},
			{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: req.Image},
			},
		}
	} else {
		msg.Content = req.Prompt
	}

	out := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: []openai.ChatCompletionMessage{msg},
		Stream:   stream,
	}
	if p.tools != nil && req.Image == "" {
		out.Tools = p.tools.Definitions()
	}
	return out
}

func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (*Result, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.chatRequest(req, false))
	if err != nil {
		return nil, mapOpenAIError("openai", err)
	}
	if len(resp.Choices) == 0 {
		log.Printf("openai: response carried no choices, model=%s", req.Model)
		return nil, malformedResponse()
	}

	choice := resp.Choices[0]
	var b strings.Builder
	b.WriteString(choice.Message.Content)

	// Tool invocations are executed locally and spliced into the reply.
	// Unknown tool names are skipped without error.
	for _, tc := range choice.Message.ToolCalls {
		if tc.Function.Name == "" {
			continue
		}
		out, ok := p.tools.Execute(ctx, tc.Function.Name, tc.Function.Arguments)
		if !ok {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(out)
	}

	return &Result{
		Text: b.String(),
		Usage: &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// GenerateStream forwards deltas as received. Usage is not reported on this
// path; cancellation of ctx closes the vendor stream.
func (p *OpenAIProvider) GenerateStream(ctx context.Context, req Request) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		stream, err := p.client.CreateChatCompletionStream(ctx, p.chatRequest(req, true))
		if err != nil {
			errs <- mapOpenAIError("openai", err)
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				errs <- mapOpenAIError("openai", err)
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			if delta := resp.Choices[0].Delta.Content; delta != "" {
				select {
				case chunks <- delta:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return chunks, errs
}

func mapOpenAIError(vendor string, err error) *ProviderError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		log.Printf("%s: api error status=%d message=%q", vendor, apiErr.HTTPStatusCode, apiErr.Message)
		return upstreamFailure(apiErr.HTTPStatusCode)
	}
	log.Printf("%s: request failed: %v", vendor, err)
	return upstreamFailure(0)
}
