package chatcore

import (
	"context"
	"errors"
	"io"
	"strings"
)

// Provider is the interface LLM provider adapters must implement.
type Provider interface {
	// Name returns the provider identifier (e.g. "googleai", "openrouter").
	Name() string

	// Available reports whether the provider has credentials for the
	// given model class.
	Available(class ModelClass) bool

	// StreamCompletion performs a streaming chat completion. The returned
	// stream is finite and not restartable; closing it aborts the
	// in-flight upstream call.
	StreamCompletion(ctx context.Context, req ProviderRequest) (Stream, error)
}

// ProviderRequest is the normalized request handed to an adapter.
type ProviderRequest struct {
	Class       ModelClass
	Messages    []Message
	Temperature *float64
	MaxTokens   *int
}

// Chunk is one piece of streamed completion text. Reset tells the caller
// to discard everything received so far on this stream: the orchestrator
// emits it when a mid-stream provider failure forces a fresh fallback
// answer, so partial output from two models is never concatenated.
type Chunk struct {
	Text  string
	Reset bool
}

// Stream is a pull-based iterator over completion chunks.
type Stream interface {
	// Next returns the next chunk. Returns io.EOF when done.
	Next() (Chunk, error)

	// Close releases resources and cancels any in-flight upstream call.
	Close() error
}

// Complete drains a provider stream into the full completion text.
func Complete(ctx context.Context, p Provider, req ProviderRequest) (string, error) {
	stream, err := p.StreamCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()
	return Drain(stream)
}

// Drain consumes a stream to EOF and returns the concatenated text,
// honoring Reset chunks.
func Drain(s Stream) (string, error) {
	var b strings.Builder
	for {
		chunk, err := s.Next()
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		if chunk.Reset {
			b.Reset()
		}
		b.WriteString(chunk.Text)
	}
}
