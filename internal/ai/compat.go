package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// compatClient speaks the OpenAI-compatible /chat/completions wire protocol
// that Mistral and DeepSeek both expose, including SSE streaming.
type compatClient struct {
	vendor  string
	baseURL string
	apiKey  string
	client  *http.Client
}

type compatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type compatChatReq struct {
	Model    string      `json:"model"`
	Messages []compatMsg `json:"messages"`
	Stream   bool        `json:"stream"`
}

type compatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type compatChatResp struct {
	Choices []struct {
		Message compatMsg `json:"message"`
	} `json:"choices"`
	Usage *compatUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type compatStreamResp struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func newCompatClient(vendor, baseURL, apiKey string) *compatClient {
	return &compatClient{
		vendor:  vendor,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 90 * time.Second},
	}
}

func (c *compatClient) newRequest(ctx context.Context, req Request, stream bool) (*http.Request, error) {
	body := compatChatReq{
		Model:    req.Model,
		Stream:   stream,
		Messages: []compatMsg{{Role: "user", Content: req.Prompt}},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return httpReq, nil
}

// fail logs the vendor detail and returns the generic upstream error.
func (c *compatClient) fail(status int, detail string) *ProviderError {
	log.Printf("%s: upstream failure status=%d detail=%q", c.vendor, status, detail)
	return upstreamFailure(status)
}

func (c *compatClient) Generate(ctx context.Context, req Request) (*Result, error) {
	httpReq, err := c.newRequest(ctx, req, false)
	if err != nil {
		return nil, c.fail(0, err.Error())
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, c.fail(0, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return nil, c.fail(resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded compatChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		log.Printf("%s: undecodable response body: %v", c.vendor, err)
		return nil, malformedResponse()
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return nil, c.fail(resp.StatusCode, decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		log.Printf("%s: response carried no choices, model=%s", c.vendor, req.Model)
		return nil, malformedResponse()
	}

	out := &Result{Text: decoded.Choices[0].Message.Content}
	if decoded.Usage != nil {
		out.Usage = &Usage{
			PromptTokens:     decoded.Usage.PromptTokens,
			CompletionTokens: decoded.Usage.CompletionTokens,
			TotalTokens:      decoded.Usage.TotalTokens,
		}
	}
	return out, nil
}

// GenerateStream streams assistant content chunks via SSE. Both channels are
// closed when streaming ends; ctx cancellation tears down the vendor call.
func (c *compatClient) GenerateStream(ctx context.Context, req Request) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		httpReq, err := c.newRequest(ctx, req, true)
		if err != nil {
			errs <- c.fail(0, err.Error())
			return
		}

		// Streaming can outlive the buffered-call timeout; ctx controls it.
		client := &http.Client{Transport: c.client.Transport}

		resp, err := client.Do(httpReq)
		if err != nil {
			if ctx.Err() == nil {
				errs <- c.fail(0, err.Error())
			}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
			errs <- c.fail(resp.StatusCode, strings.TrimSpace(string(body)))
			return
		}

		sc := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var decoded compatStreamResp
			if err := json.Unmarshal([]byte(data), &decoded); err != nil {
				log.Printf("%s: undecodable stream frame: %v", c.vendor, err)
				errs <- malformedResponse()
				return
			}
			if decoded.Error != nil && decoded.Error.Message != "" {
				errs <- c.fail(resp.StatusCode, decoded.Error.Message)
				return
			}
			if len(decoded.Choices) == 0 {
				continue
			}
			if delta := decoded.Choices[0].Delta.Content; delta != "" {
				select {
				case chunks <- delta:
				case <-ctx.Done():
					return
				}
			}
		}

		if err := sc.Err(); err != nil && ctx.Err() == nil {
			errs <- c.fail(0, err.Error())
		}
	}()

	return chunks, errs
}
