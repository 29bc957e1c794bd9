package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		message string
		want    ErrorKind
	}{
		{name: "429", status: 429, message: "too many requests", want: KindRateLimited},
		{name: "rate limit text", status: 400, message: "Rate limit exceeded", want: KindRateLimited},
		{name: "bad request", status: 400, message: "invalid model", want: KindInvalidRequest},
		{name: "not found", status: 404, message: "no such model", want: KindInvalidRequest},
		{name: "server error", status: 500, message: "internal", want: KindServerError},
		{name: "bad gateway", status: 502, message: "upstream", want: KindServerError},
		{name: "no status", status: 0, message: "connection reset", want: KindTransientNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := kindForStatus(tt.status, tt.message); got != tt.want {
				t.Errorf("kindForStatus(%d, %q) = %s, want %s", tt.status, tt.message, got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{
			name: "api error 429",
			err:  &openai.APIError{HTTPStatusCode: 429, Message: "slow down"},
			want: KindRateLimited,
		},
		{
			name: "api error with rate message",
			err:  &openai.APIError{HTTPStatusCode: 400, Message: "rate exceeded"},
			want: KindRateLimited,
		},
		{
			name: "request error 503",
			err:  &openai.RequestError{HTTPStatusCode: 503, Err: errors.New("unavailable")},
			want: KindServerError,
		},
		{
			name: "plain 429 text",
			err:  errors.New("got 429 from upstream"),
			want: KindRateLimited,
		},
		{
			name: "network failure",
			err:  errors.New("dial tcp: connection refused"),
			want: KindTransientNetwork,
		},
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: KindTransientNetwork,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tagged := classify(tt.err)
			if tagged.Kind != tt.want {
				t.Errorf("classify(%v) kind = %s, want %s", tt.err, tagged.Kind, tt.want)
			}
			if !errors.Is(tagged, tt.err) {
				t.Errorf("classified error must wrap the original")
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	wrapped := &Error{Kind: KindRateLimited, Err: errors.New("x")}
	if got := KindOf(wrapped); got != KindRateLimited {
		t.Errorf("KindOf(tagged) = %s, want rate_limited", got)
	}
	if got := KindOf(errors.New("untagged")); got != KindTransientNetwork {
		t.Errorf("KindOf(untagged) = %s, want transient_network", got)
	}
}

func newTestClient(url string) *HTTPClient {
	return NewHTTPClient(Config{
		APIKey:  "test-key",
		BaseURL: url + "/v1",
		Timeout: 5 * time.Second,
	})
}

func TestCompleteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"role": "assistant", "content": "HELLO"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	result, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if result.Content != "HELLO" {
		t.Errorf("content = %q, want HELLO", result.Content)
	}
	if result.FinishReason != "stop" {
		t.Errorf("finish reason = %q, want stop", result.FinishReason)
	}
	if result.Usage.TotalTokens != 15 {
		t.Errorf("total tokens = %d, want 15", result.Usage.TotalTokens)
	}
}

func TestCompleteErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   ErrorKind
	}{
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			body:   `{"error": {"message": "rate limit exceeded", "type": "rate_limit_error"}}`,
			want:   KindRateLimited,
		},
		{
			name:   "invalid request",
			status: http.StatusBadRequest,
			body:   `{"error": {"message": "unknown model", "type": "invalid_request_error"}}`,
			want:   KindInvalidRequest,
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			body:   `{"error": {"message": "boom", "type": "server_error"}}`,
			want:   KindServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := newTestClient(srv.URL)
			_, err := client.Complete(context.Background(), Request{
				Model:    "test-model",
				Messages: []Message{{Role: "user", Content: "hi"}},
			})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := KindOf(err); got != tt.want {
				t.Errorf("error kind = %s, want %s", got, tt.want)
			}
		})
	}
}
