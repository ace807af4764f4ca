// Package googleai adapts the Google Generative Language API as a
// chatcore primary provider. Each model class is backed by its own API
// key and upstream model ID, so one exhausted key does not take down the
// other classes.
package googleai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/orzion/chatcore"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Provider is the Google AI adapter.
type Provider struct {
	baseURL    string
	httpClient *http.Client
	models     map[chatcore.ModelClass]chatcore.PrimaryModel
}

var _ chatcore.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates a Google AI provider from the primary provider config.
func New(cfg chatcore.PrimaryConfig, opts ...Option) *Provider {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	p := &Provider{
		baseURL:    strings.TrimRight(base, "/"),
		httpClient: http.DefaultClient,
		models:     cfg.Models,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return "googleai" }

func (p *Provider) Available(class chatcore.ModelClass) bool {
	m, ok := p.models[class]
	return ok && m.APIKey != "" && m.Model != ""
}

// Generative Language API types.
type genRequest struct {
	Contents          []genContent  `json:"contents"`
	SystemInstruction *genContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  *genGenConfig `json:"generationConfig,omitempty"`
}

type genContent struct {
	Role  string    `json:"role,omitempty"`
	Parts []genPart `json:"parts"`
}

type genPart struct {
	Text       string         `json:"text,omitempty"`
	InlineData *genInlineData `json:"inlineData,omitempty"`
	FileData   *genFileData   `json:"fileData,omitempty"`
}

type genInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type genFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type genGenConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type genResponse struct {
	Candidates []struct {
		Content      genContent `json:"content"`
		FinishReason string     `json:"finishReason"`
	} `json:"candidates"`
}

func (p *Provider) StreamCompletion(ctx context.Context, req chatcore.ProviderRequest) (chatcore.Stream, error) {
	model, ok := p.models[req.Class]
	if !ok || model.APIKey == "" {
		return nil, fmt.Errorf("%w: googleai: no credentials for class %s", chatcore.ErrNotConfigured, req.Class)
	}

	body := buildRequest(req)
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", p.baseURL, model.Model, model.APIKey)

	httpResp, err := p.doRequest(ctx, url, body)
	if err != nil {
		return nil, err
	}

	if err := mapHTTPError(httpResp); err != nil {
		return nil, err
	}

	return &genStream{
		reader: bufio.NewReader(httpResp.Body),
		body:   httpResp.Body,
	}, nil
}

func buildRequest(req chatcore.ProviderRequest) genRequest {
	gr := genRequest{}

	for _, m := range req.Messages {
		if m.Role == chatcore.RoleSystem {
			gr.SystemInstruction = &genContent{Parts: []genPart{{Text: m.Content}}}
			continue
		}
		role := "user"
		if m.Role == chatcore.RoleAssistant {
			role = "model"
		}
		parts := []genPart{{Text: m.Content}}
		for _, img := range m.Images {
			parts = append(parts, imagePart(img))
		}
		gr.Contents = append(gr.Contents, genContent{Role: role, Parts: parts})
	}

	if req.Temperature != nil || req.MaxTokens != nil {
		gr.GenerationConfig = &genGenConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
	}

	return gr
}

// imagePart translates an attachment reference into a request part.
// Data URLs are inlined as base64; anything else is passed by URI.
func imagePart(ref string) genPart {
	if rest, ok := strings.CutPrefix(ref, "data:"); ok {
		if mime, data, ok := strings.Cut(rest, ";base64,"); ok {
			return genPart{InlineData: &genInlineData{MimeType: mime, Data: data}}
		}
	}
	return genPart{FileData: &genFileData{FileURI: ref}}
}

func (p *Provider) doRequest(ctx context.Context, url string, body genRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("chatcore: marshal googleai request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("chatcore: create googleai request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

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

// genStream parses the SSE response body. The API marks the final event
// with a finishReason; hitting EOF without one means the connection was
// cut mid-answer, which must surface as an upstream error rather than a
// clean end of stream.
type genStream struct {
	reader   *bufio.Reader
	body     io.ReadCloser
	finished bool
}

func (s *genStream) Next() (chatcore.Chunk, error) {
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if s.finished && errors.Is(err, io.EOF) {
				return chatcore.Chunk{}, io.EOF
			}
			return chatcore.Chunk{}, fmt.Errorf("%w: googleai: response cut off before completion: %v", chatcore.ErrUpstreamUnavailable, err)
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")

		var resp genResponse
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			continue
		}

		if len(resp.Candidates) == 0 {
			continue
		}

		cand := resp.Candidates[0]
		if cand.FinishReason != "" {
			s.finished = true
		}

		var text strings.Builder
		for _, part := range cand.Content.Parts {
			text.WriteString(part.Text)
		}
		if text.Len() == 0 {
			if s.finished {
				return chatcore.Chunk{}, io.EOF
			}
			continue
		}

		return chatcore.Chunk{Text: text.String()}, nil
	}
}

func (s *genStream) Close() error {
	return s.body.Close()
}
