package llm

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/emberai/huoyuan/internal/circuitbreaker"
)

type fakeProvider struct {
	name string
	err  error
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Stream(context.Context, Request) (Stream, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &scriptedStream{events: []Event{{Delta: "ok"}, {Done: true}}}, nil
}

type scriptedStream struct {
	events []Event
	i      int
}

func (s *scriptedStream) Recv() (Event, error) {
	if s.i >= len(s.events) {
		return Event{}, io.EOF
	}
	ev := s.events[s.i]
	s.i++
	return ev, nil
}

func (s *scriptedStream) Close() error { return nil }

func TestRegistry_PrefixRouting(t *testing.T) {
	r := NewRegistry(circuitbreaker.New(5, time.Second))
	r.Register("gpt-", &fakeProvider{name: "openai"}, 0.4)
	r.Register("claude-", &fakeProvider{name: "claude"}, 0.4)
	r.Register("qwen-", &fakeProvider{name: "qwen"}, 0.6)
	r.Register("", &fakeProvider{name: "openai"}, 0.5)

	cases := map[string]string{
		"gpt-4o":        "openai",
		"claude-sonnet": "claude",
		"qwen-plus":     "qwen",
		"something-odd": "openai", // fallback
	}
	for model, want := range cases {
		got, err := r.ProviderFor(model)
		if err != nil {
			t.Errorf("%s: %v", model, err)
			continue
		}
		if got != want {
			t.Errorf("%s routed to %s, want %s", model, got, want)
		}
	}
}

func TestRegistry_NoFallback(t *testing.T) {
	r := NewRegistry(circuitbreaker.New(5, time.Second))
	r.Register("gpt-", &fakeProvider{name: "openai"}, 0.4)

	if _, err := r.ProviderFor("mystery-model"); !errors.Is(err, ErrNoProvider) {
		t.Errorf("got %v, want ErrNoProvider", err)
	}
}

func TestRegistry_BreakerFailsFast(t *testing.T) {
	breaker := circuitbreaker.New(2, time.Minute)
	r := NewRegistry(breaker)
	r.Register("gpt-", &fakeProvider{name: "openai", err: errors.New("connect refused")}, 0.4)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := r.Stream(ctx, Request{Model: "gpt-4o"}); err == nil {
			t.Fatal("expected failure")
		}
	}

	// Breaker is open now; the next call must not reach the provider.
	if state := breaker.State("openai"); state != circuitbreaker.StateOpen {
		t.Fatalf("breaker state = %v, want open", state)
	}
	if _, err := r.Stream(ctx, Request{Model: "gpt-4o"}); !errors.Is(err, ErrUpstream) {
		t.Errorf("got %v, want ErrUpstream fast-fail", err)
	}
}

func TestRegistry_EstimateCompletionTokens(t *testing.T) {
	r := NewRegistry(circuitbreaker.New(5, time.Second))
	r.Register("qwen-", &fakeProvider{name: "qwen"}, 0.6)

	if got := r.EstimateCompletionTokens("qwen-plus", "一二三四五六七八九十"); got != 6 {
		t.Errorf("estimate = %d, want 6", got)
	}
	// Non-empty text never rounds to zero tokens.
	if got := r.EstimateCompletionTokens("qwen-plus", "a"); got != 1 {
		t.Errorf("estimate = %d, want 1", got)
	}
}
