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

const anthropicVersion = "2023-06-01"

// claudeProvider speaks the Claude messages API. Content travels in
// block arrays, and a cacheable system prompt carries an ephemeral
// cache_control hint so repeated prefixes hit the provider-side cache.
type claudeProvider struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewClaude creates a Claude messages provider.
func NewClaude(name, apiKey, baseURL string, connectTimeout time.Duration) Provider {
	return &claudeProvider{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  newHTTPClient(connectTimeout),
	}
}

func (p *claudeProvider) Name() string { return p.name }

type claudeBlock struct {
	Type         string              `json:"type"`
	Text         string              `json:"text"`
	CacheControl *claudeCacheControl `json:"cache_control,omitempty"`
}

type claudeCacheControl struct {
	Type string `json:"type"`
}

type claudeMessage struct {
	Role    string        `json:"role"`
	Content []claudeBlock `json:"content"`
}

type claudePayload struct {
	Model       string          `json:"model"`
	System      []claudeBlock   `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Stream      bool            `json:"stream"`
	Temperature float64         `json:"temperature,omitempty"`
	TopP        float64         `json:"top_p,omitempty"`
}

func buildClaudePayload(req Request) claudePayload {
	payload := claudePayload{
		Model:       req.Model,
		MaxTokens:   req.Params.MaxTokens,
		Stream:      true,
		Temperature: req.Params.Temperature,
		TopP:        req.Params.TopP,
	}
	if payload.MaxTokens <= 0 {
		payload.MaxTokens = 1024
	}
	if req.System != "" {
		block := claudeBlock{Type: "text", Text: req.System}
		if req.SystemCacheable {
			block.CacheControl = &claudeCacheControl{Type: "ephemeral"}
		}
		payload.System = []claudeBlock{block}
	}
	for _, m := range req.Messages {
		role := m.Role
		if role == "system" {
			// The messages API accepts only user/assistant turns.
			role = "user"
		}
		payload.Messages = append(payload.Messages, claudeMessage{
			Role:    role,
			Content: []claudeBlock{{Type: "text", Text: m.Content}},
		})
	}
	return payload
}

type claudeEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Message struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *claudeProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	body, err := json.Marshal(buildClaudePayload(req))
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, drainError(resp)
	}

	return &claudeStream{body: resp.Body, sse: newSSEReader(resp.Body)}, nil
}

type claudeStream struct {
	body  io.ReadCloser
	sse   *sseReader
	buf   utf8Buffer
	usage Event
	done  bool
}

func (s *claudeStream) Recv() (Event, error) {
	if s.done {
		return Event{}, io.EOF
	}
	for {
		raw, err := s.sse.next()
		if err == io.EOF {
			s.done = true
			s.usage.Done = true
			s.usage.Delta = s.buf.flush()
			return s.usage, nil
		}
		if err != nil {
			return Event{}, err
		}

		var ev claudeEvent
		if err := json.Unmarshal(raw.data, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "message_start":
			s.usage.PromptTokens = ev.Message.Usage.InputTokens
		case "content_block_delta":
			if ev.Delta.Text != "" {
				if out := s.buf.feed(ev.Delta.Text); out != "" {
					return Event{Delta: out}, nil
				}
			}
		case "message_delta":
			if ev.Usage.OutputTokens > 0 {
				s.usage.CompletionTokens = ev.Usage.OutputTokens
			}
		case "message_stop":
			s.done = true
			s.usage.Done = true
			s.usage.Delta = s.buf.flush()
			return s.usage, nil
		case "error":
			return Event{}, fmt.Errorf("%w: %s", ErrUpstream, raw.data)
		}
	}
}

func (s *claudeStream) Close() error { return s.body.Close() }
