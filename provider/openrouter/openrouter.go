// Package openrouter adapts OpenAI-compatible chat completion endpoints
// as a chatcore fallback provider. Each model class can point at a
// different endpoint, key, and upstream model, so the fallback pool is
// assembled from whatever OpenRouter (or a compatible gateway) serves
// cheapest per tier.
package openrouter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/orzion/chatcore"
)

// Provider is the OpenAI-compatible adapter.
type Provider struct {
	name       string
	httpClient *http.Client
	models     map[chatcore.ModelClass]chatcore.FallbackModel
	referer    string
	title      string
}

var _ chatcore.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithAttribution sets the HTTP-Referer and X-Title headers OpenRouter
// uses for app rankings.
func WithAttribution(referer, title string) Option {
	return func(p *Provider) {
		p.referer = referer
		p.title = title
	}
}

// New creates an OpenRouter provider from the fallback provider config.
func New(cfg chatcore.FallbackConfig, opts ...Option) *Provider {
	p := &Provider{
		name:       "openrouter",
		httpClient: http.DefaultClient,
		models:     cfg.Models,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewResearch creates a single-endpoint provider around the dedicated
// research model. It answers every class with the same upstream model.
func NewResearch(m chatcore.FallbackModel, opts ...Option) *Provider {
	models := map[chatcore.ModelClass]chatcore.FallbackModel{
		chatcore.ClassPro:   m,
		chatcore.ClassTurbo: m,
		chatcore.ClassMini:  m,
	}
	p := &Provider{
		name:       "openrouter_research",
		httpClient: http.DefaultClient,
		models:     models,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Available(class chatcore.ModelClass) bool {
	m, ok := p.models[class]
	return ok && m.URL != "" && m.Model != ""
}

// OpenAI chat completion request format. Content is either a plain
// string or a part list when the turn carries images.
type apiRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	Temperature *float64     `json:"temperature,omitempty"`
	MaxTokens   *int         `json:"max_tokens,omitempty"`
	Stream      bool         `json:"stream"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type apiContentPart struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	ImageURL *apiImageURL `json:"image_url,omitempty"`
}

type apiImageURL struct {
	URL string `json:"url"`
}

// apiStreamChunk is a single SSE chunk.
type apiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
}

func (p *Provider) StreamCompletion(ctx context.Context, req chatcore.ProviderRequest) (chatcore.Stream, error) {
	model, ok := p.models[req.Class]
	if !ok || model.URL == "" {
		return nil, fmt.Errorf("%w: %s: no endpoint for class %s", chatcore.ErrNotConfigured, p.name, req.Class)
	}

	body := buildRequest(model.Model, req)

	httpResp, err := p.doRequest(ctx, model, body)
	if err != nil {
		return nil, err
	}

	if err := mapHTTPError(httpResp); err != nil {
		return nil, err
	}

	return &sseStream{
		reader: bufio.NewReader(httpResp.Body),
		body:   httpResp.Body,
	}, nil
}

func buildRequest(model string, req chatcore.ProviderRequest) apiRequest {
	msgs := make([]apiMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = apiMessage{Role: string(m.Role), Content: messageContent(m)}
	}
	return apiRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	}
}

func messageContent(m chatcore.Message) any {
	if len(m.Images) == 0 {
		return m.Content
	}
	parts := []apiContentPart{{Type: "text", Text: m.Content}}
	for _, img := range m.Images {
		parts = append(parts, apiContentPart{Type: "image_url", ImageURL: &apiImageURL{URL: img}})
	}
	return parts
}

func (p *Provider) doRequest(ctx context.Context, model chatcore.FallbackModel, body apiRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("chatcore: marshal %s request: %w", p.name, err)
	}

	url := strings.TrimRight(model.URL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("chatcore: create %s request: %w", p.name, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+model.APIKey)
	if p.referer != "" {
		httpReq.Header.Set("HTTP-Referer", p.referer)
	}
	if p.title != "" {
		httpReq.Header.Set("X-Title", p.title)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, chatcore.ErrUpstreamUnavailable
	}

	return resp, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return chatcore.ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return chatcore.ErrAuthFailed
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", chatcore.ErrInvalidRequest, string(body))
	default:
		return chatcore.ErrUpstreamUnavailable
	}
}

// sseStream parses Server-Sent Events from an HTTP response body. The
// stream is complete only once the [DONE] sentinel arrives; a read error
// before it means the upstream cut us off mid-answer.
type sseStream struct {
	reader *bufio.Reader
	body   io.ReadCloser
	done   bool
}

func (s *sseStream) Next() (chatcore.Chunk, error) {
	if s.done {
		return chatcore.Chunk{}, io.EOF
	}
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return chatcore.Chunk{}, fmt.Errorf("%w: openrouter: response cut off before completion: %v", chatcore.ErrUpstreamUnavailable, err)
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			s.done = true
			return chatcore.Chunk{}, io.EOF
		}

		var chunk apiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // skip malformed chunks
		}

		if len(chunk.Choices) == 0 {
			continue
		}

		return chatcore.Chunk{Text: chunk.Choices[0].Delta.Content}, nil
	}
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
