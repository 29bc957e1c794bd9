// Package provider wraps the remote chat-completion API behind a one-shot
// Complete call.
//
// The wire format is OpenAI-compatible (configurable base URL), so one
// client covers every aggregator and self-hosted gateway the engine talks
// to. Failures carry a tagged kind so the scheduler can decide what to
// retry.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Message is one entry of the conversation sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is the provider-reported token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is the outcome of a successful completion call.
type Result struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

// Request describes one completion call.
type Request struct {
	Model    string
	Messages []Message
	// MaxTokens caps the reply length; 0 leaves the provider default.
	MaxTokens int
}

// Client is the narrow surface the scheduler and stitcher depend on.
// Tests substitute stubs.
type Client interface {
	Complete(ctx context.Context, req Request) (*Result, error)
}

// Config holds configuration for the HTTP client.
type Config struct {
	// APIKey authenticates against the provider (required).
	APIKey string

	// BaseURL overrides the provider endpoint; empty uses api.openai.com.
	BaseURL string

	// Timeout bounds one completion call end to end (default: 300s; big
	// chunks on slow models routinely take minutes).
	Timeout time.Duration
}

// HTTPClient talks to an OpenAI-compatible chat-completion endpoint.
type HTTPClient struct {
	client *openai.Client
}

// NewHTTPClient creates a provider client from config.
func NewHTTPClient(cfg Config) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &HTTPClient{client: openai.NewClientWithConfig(clientConfig)}
}

// Complete performs a single non-streaming chat completion. It blocks until
// the provider returns and never retries; retry policy lives with the
// caller.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (*Result, error) {
	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   false,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}

	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Kind: KindServerError, Err: fmt.Errorf("empty choices in response")}
	}

	choice := resp.Choices[0]
	return &Result{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}
