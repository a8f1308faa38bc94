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

// qwenProvider speaks the DashScope text-generation protocol with
// incremental output enabled, so each chunk carries only new text.
type qwenProvider struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewQwen creates a DashScope-compatible provider.
func NewQwen(name, apiKey, baseURL string, connectTimeout time.Duration) Provider {
	return &qwenProvider{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  newHTTPClient(connectTimeout),
	}
}

func (p *qwenProvider) Name() string { return p.name }

type qwenPayload struct {
	Model string `json:"model"`
	Input struct {
		Messages []Message `json:"messages"`
	} `json:"input"`
	Parameters struct {
		ResultFormat      string  `json:"result_format"`
		IncrementalOutput bool    `json:"incremental_output"`
		Temperature       float64 `json:"temperature,omitempty"`
		TopP              float64 `json:"top_p,omitempty"`
		MaxTokens         int     `json:"max_tokens,omitempty"`
	} `json:"parameters"`
}

type qwenChunk struct {
	Output struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	} `json:"output"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (p *qwenProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	payload := qwenPayload{Model: req.Model}
	if req.System != "" {
		payload.Input.Messages = append(payload.Input.Messages,
			Message{Role: "system", Content: req.System})
	}
	payload.Input.Messages = append(payload.Input.Messages, req.Messages...)
	payload.Parameters.ResultFormat = "message"
	payload.Parameters.IncrementalOutput = true
	payload.Parameters.Temperature = req.Params.Temperature
	payload.Parameters.TopP = req.Params.TopP
	payload.Parameters.MaxTokens = req.Params.MaxTokens

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/api/v1/services/aigc/text-generation/generation",
		bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("X-DashScope-SSE", "enable")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, drainError(resp)
	}

	return &qwenStream{body: resp.Body, sse: newSSEReader(resp.Body)}, nil
}

type qwenStream struct {
	body  io.ReadCloser
	sse   *sseReader
	buf   utf8Buffer
	usage Event
	done  bool
}

func (s *qwenStream) Recv() (Event, error) {
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

		var chunk qwenChunk
		if err := json.Unmarshal(raw.data, &chunk); err != nil {
			continue
		}
		if chunk.Code != "" {
			return Event{}, fmt.Errorf("%w: %s: %s", ErrUpstream, chunk.Code, chunk.Message)
		}
		// Usage counts are cumulative; keep the latest.
		if chunk.Usage.OutputTokens > 0 || chunk.Usage.InputTokens > 0 {
			s.usage.PromptTokens = chunk.Usage.InputTokens
			s.usage.CompletionTokens = chunk.Usage.OutputTokens
		}
		if len(chunk.Output.Choices) == 0 {
			continue
		}
		choice := chunk.Output.Choices[0]
		delta := s.buf.feed(choice.Message.Content)

		if choice.FinishReason == "stop" || choice.FinishReason == "length" {
			s.done = true
			s.usage.Done = true
			s.usage.Delta = delta + s.buf.flush()
			return s.usage, nil
		}
		if delta != "" {
			return Event{Delta: delta}, nil
		}
	}
}

func (s *qwenStream) Close() error { return s.body.Close() }
