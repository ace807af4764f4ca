// Package mock provides a fake provider for testing orchestrator
// behavior without real upstreams.
package mock

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/orzion/chatcore"
)

// Provider is a mock LLM provider for testing.
type Provider struct {
	name       string
	classes    []chatcore.ModelClass
	chunks     []string
	latency    time.Duration
	failAfter  int
	errAfter   int
	callCount  atomic.Int64
	staticErr  error
	streamFunc func(chatcore.ProviderRequest) (chatcore.Stream, error)
}

var _ chatcore.Provider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name: "mock",
		classes: []chatcore.ModelClass{
			chatcore.ClassPro, chatcore.ClassTurbo, chatcore.ClassMini, chatcore.ClassImage,
		},
		chunks: []string{"Hello ", "from ", "mock provider"},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithClasses sets the model classes the provider reports as available.
func WithClasses(classes ...chatcore.ModelClass) Option {
	return func(p *Provider) { p.classes = classes }
}

// WithChunks sets the text chunks streamed on each call.
func WithChunks(chunks ...string) Option {
	return func(p *Provider) { p.chunks = chunks }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithFailAfter makes the provider fail to open a stream after N
// successful calls.
func WithFailAfter(n int) Option {
	return func(p *Provider) { p.failAfter = n }
}

// WithError makes the provider always return this error on open.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithErrorAfterChunks makes each stream fail mid-way with
// ErrUpstreamUnavailable after emitting N chunks.
func WithErrorAfterChunks(n int) Option {
	return func(p *Provider) { p.errAfter = n }
}

// WithStreamFunc sets a custom stream function.
func WithStreamFunc(fn func(chatcore.ProviderRequest) (chatcore.Stream, error)) Option {
	return func(p *Provider) { p.streamFunc = fn }
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Available(class chatcore.ModelClass) bool {
	for _, c := range p.classes {
		if c == class {
			return true
		}
	}
	return false
}

func (p *Provider) StreamCompletion(ctx context.Context, req chatcore.ProviderRequest) (chatcore.Stream, error) {
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	count := p.callCount.Add(1)

	if p.staticErr != nil {
		return nil, p.staticErr
	}

	if p.failAfter > 0 && int(count) > p.failAfter {
		return nil, chatcore.ErrUpstreamUnavailable
	}

	if p.streamFunc != nil {
		return p.streamFunc(req)
	}

	return &mockStream{chunks: p.chunks, errAfter: p.errAfter}, nil
}

// CallCount returns the number of calls made to the provider.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }

type mockStream struct {
	chunks   []string
	errAfter int
	index    int
}

func (s *mockStream) Next() (chatcore.Chunk, error) {
	if s.errAfter > 0 && s.index >= s.errAfter {
		return chatcore.Chunk{}, chatcore.ErrUpstreamUnavailable
	}
	if s.index >= len(s.chunks) {
		return chatcore.Chunk{}, io.EOF
	}
	chunk := chatcore.Chunk{Text: s.chunks[s.index]}
	s.index++
	return chunk, nil
}

func (s *mockStream) Close() error { return nil }
