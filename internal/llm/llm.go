// Package llm adapts upstream model providers behind one streaming
// interface. Three wire families are supported: OpenAI-compatible chat
// completions, the Claude messages API with content blocks, and
// DashScope-style generation.
package llm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

var (
	ErrNoProvider    = errors.New("no provider for model")
	ErrUpstream      = errors.New("upstream request failed")
	ErrStreamTimeout = errors.New("upstream stream timed out")
)

// Message is one prompt turn sent upstream.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Params are the sampling parameters forwarded to the provider.
type Params struct {
	Temperature      float64
	TopP             float64
	MaxTokens        int
	FrequencyPenalty float64
	PresencePenalty  float64
}

// Request is a fully assembled upstream completion request.
type Request struct {
	Model           string
	System          string
	SystemCacheable bool
	Messages        []Message
	Params          Params
}

// Event is one unit received from an upstream stream. Done carries the
// final token usage when the provider reported it; zero counts mean the
// caller must estimate from the text.
type Event struct {
	Delta            string
	Done             bool
	PromptTokens     int
	CompletionTokens int
}

// Stream is a live upstream response. Recv blocks for the next event;
// io.EOF after the Done event. Close aborts the underlying body.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// Provider opens completion streams against one upstream family.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (Stream, error)
}

// newHTTPClient builds a client for streaming use: the dial is bounded
// but the overall request is not, since a healthy stream can run for
// minutes. Total deadlines come from the caller's context.
func newHTTPClient(connectTimeout time.Duration) *http.Client {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   connectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   connectTimeout,
			ResponseHeaderTimeout: 30 * time.Second,
			MaxIdleConnsPerHost:   8,
		},
	}
}
