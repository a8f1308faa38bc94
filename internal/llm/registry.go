package llm

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emberai/huoyuan/internal/circuitbreaker"
	"github.com/emberai/huoyuan/internal/metrics"
)

// route binds a model-name prefix to a provider plus its estimation ratio.
type route struct {
	prefix   string
	provider Provider
	// completionRatio approximates tokens per character for this family,
	// used when the provider reports no usage.
	completionRatio float64
}

// Registry resolves models to providers and guards each provider with
// the shared circuit breaker.
type Registry struct {
	routes  []route
	breaker *circuitbreaker.Breaker
}

// NewRegistry creates an empty registry using breaker for admission.
func NewRegistry(breaker *circuitbreaker.Breaker) *Registry {
	return &Registry{breaker: breaker}
}

// Register adds a provider for every model whose name starts with prefix.
// Longer prefixes win over shorter ones; an empty prefix is the fallback.
func (r *Registry) Register(prefix string, p Provider, completionRatio float64) {
	if completionRatio <= 0 {
		completionRatio = 0.5
	}
	r.routes = append(r.routes, route{prefix: prefix, provider: p, completionRatio: completionRatio})
	sort.SliceStable(r.routes, func(i, j int) bool {
		return len(r.routes[i].prefix) > len(r.routes[j].prefix)
	})
}

func (r *Registry) resolve(model string) (route, error) {
	for _, rt := range r.routes {
		if strings.HasPrefix(model, rt.prefix) {
			return rt, nil
		}
	}
	return route{}, fmt.Errorf("%w: %s", ErrNoProvider, model)
}

// ProviderFor returns the provider name that would serve model.
func (r *Registry) ProviderFor(model string) (string, error) {
	rt, err := r.resolve(model)
	if err != nil {
		return "", err
	}
	return rt.provider.Name(), nil
}

// EstimateCompletionTokens converts streamed text to a token count for
// model when the upstream reported no usage.
func (r *Registry) EstimateCompletionTokens(model, text string) int {
	rt, err := r.resolve(model)
	if err != nil {
		return utf8.RuneCountInString(text) / 2
	}
	n := int(float64(utf8.RuneCountInString(text)) * rt.completionRatio)
	if n == 0 && text != "" {
		n = 1
	}
	return n
}

// EstimateInputTokens converts a prompt character count to tokens for
// model, using the same per-family ratio as completion estimation.
func (r *Registry) EstimateInputTokens(model string, chars int) int {
	if chars <= 0 {
		return 0
	}
	rt, err := r.resolve(model)
	if err != nil {
		return chars / 2
	}
	n := int(float64(chars) * rt.completionRatio)
	if n == 0 {
		n = 1
	}
	return n
}

// Stream opens an upstream stream for req.Model through the circuit
// breaker. A tripped provider fails fast with ErrUpstream.
func (r *Registry) Stream(ctx context.Context, req Request) (Stream, error) {
	rt, err := r.resolve(req.Model)
	if err != nil {
		return nil, err
	}
	name := rt.provider.Name()

	if !r.breaker.Allow(name) {
		metrics.ProviderErrorsTotal.WithLabelValues(name, "circuit_open").Inc()
		return nil, fmt.Errorf("%w: provider %s unavailable", ErrUpstream, name)
	}

	start := time.Now()
	stream, err := rt.provider.Stream(ctx, req)
	metrics.ProviderRequestDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		r.breaker.RecordFailure(name)
		metrics.ProviderErrorsTotal.WithLabelValues(name, "open_failed").Inc()
		return nil, err
	}
	r.breaker.RecordSuccess(name)
	return &guardedStream{inner: stream, name: name, breaker: r.breaker}, nil
}

// guardedStream feeds mid-stream read failures back into the breaker.
type guardedStream struct {
	inner   Stream
	name    string
	breaker *circuitbreaker.Breaker
}

func (g *guardedStream) Recv() (Event, error) {
	ev, err := g.inner.Recv()
	if err != nil && err != io.EOF {
		g.breaker.RecordFailure(g.name)
		metrics.ProviderErrorsTotal.WithLabelValues(g.name, "stream_failed").Inc()
	}
	return ev, err
}

func (g *guardedStream) Close() error { return g.inner.Close() }
