package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// openaiProvider speaks the OpenAI-compatible chat completions protocol.
// Most aggregation gateways accept this dialect, so it doubles as the
// fallback family for unknown models.
type openaiProvider struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewOpenAI creates an OpenAI-compatible provider.
func NewOpenAI(name, apiKey, baseURL string, connectTimeout time.Duration) Provider {
	return &openaiProvider{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  newHTTPClient(connectTimeout),
	}
}

func (p *openaiProvider) Name() string { return p.name }

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiPayload struct {
	Model            string          `json:"model"`
	Messages         []openaiMessage `json:"messages"`
	Stream           bool            `json:"stream"`
	StreamOptions    *streamOptions  `json:"stream_options,omitempty"`
	Temperature      float64         `json:"temperature,omitempty"`
	TopP             float64         `json:"top_p,omitempty"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	FrequencyPenalty float64         `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64         `json:"presence_penalty,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *openaiProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	msgs := make([]openaiMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openaiMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, openaiMessage{Role: m.Role, Content: m.Content})
	}

	payload := openaiPayload{
		Model:            req.Model,
		Messages:         msgs,
		Stream:           true,
		StreamOptions:    &streamOptions{IncludeUsage: true},
		Temperature:      req.Params.Temperature,
		TopP:             req.Params.TopP,
		MaxTokens:        req.Params.MaxTokens,
		FrequencyPenalty: req.Params.FrequencyPenalty,
		PresencePenalty:  req.Params.PresencePenalty,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, drainError(resp)
	}

	return &openaiStream{body: resp.Body, sse: newSSEReader(resp.Body)}, nil
}

type openaiStream struct {
	body  io.ReadCloser
	sse   *sseReader
	buf   utf8Buffer
	usage Event
	done  bool
}

func (s *openaiStream) Recv() (Event, error) {
	if s.done {
		return Event{}, io.EOF
	}
	for {
		ev, err := s.sse.next()
		if err == io.EOF {
			// Stream ended without [DONE]; surface what we have.
			s.done = true
			s.usage.Done = true
			s.usage.Delta = s.buf.flush()
			return s.usage, nil
		}
		if err != nil {
			return Event{}, err
		}
		if bytes.Equal(ev.data, []byte("[DONE]")) {
			s.done = true
			s.usage.Done = true
			s.usage.Delta = s.buf.flush()
			return s.usage, nil
		}

		var chunk openaiChunk
		if err := json.Unmarshal(ev.data, &chunk); err != nil {
			continue // tolerate malformed keep-alive frames
		}
		if chunk.Usage != nil {
			s.usage.PromptTokens = chunk.Usage.PromptTokens
			s.usage.CompletionTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			if out := s.buf.feed(chunk.Choices[0].Delta.Content); out != "" {
				return Event{Delta: out}, nil
			}
		}
	}
}

func (s *openaiStream) Close() error { return s.body.Close() }

// drainError reads a bounded error body and wraps it as an upstream error.
func drainError(resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	return fmt.Errorf("%w: HTTP %d: %s", ErrUpstream, resp.StatusCode, bytes.TrimSpace(body))
}
