// Package deepgram provides a speech-to-text provider backed by the
// Deepgram pre-recorded HTTP API. It implements the stt.Provider
// interface.
//
// Each Transcribe call issues one POST to /v1/listen with the complete
// utterance body. Classroom audio arrives in utterance-sized chunks, so
// the batch endpoint fits without a streaming socket.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aulavoz/aulavoz/pkg/provider/stt"
)

// Compile-time interface assertion.
var _ stt.Provider = (*Provider)(nil)

const (
	defaultBaseURL = "https://api.deepgram.com"
	defaultModel   = "nova-3"
	defaultTimeout = 30 * time.Second
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithLanguage sets the default BCP-47 language assumed when a request
// does not carry one. Empty keeps Deepgram's language detection on.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithPrompt sets the default vocabulary hint applied when a request
// does not carry one. Comma-separated phrases become keyterms.
func WithPrompt(prompt string) Option {
	return func(p *Provider) {
		p.prompt = prompt
	}
}

// WithBaseURL overrides the API base URL. Intended for tests and proxies.
func WithBaseURL(baseURL string) Option {
	return func(p *Provider) {
		if baseURL != "" {
			p.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// Provider implements stt.Provider backed by the Deepgram API.
// It is safe for concurrent use.
type Provider struct {
	apiKey     string
	baseURL    string
	model      string
	language   string
	prompt     string
	httpClient *http.Client
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// listenResponse is the JSON structure returned by POST /v1/listen.
type listenResponse struct {
	Results struct {
		Channels []struct {
			DetectedLanguage string `json:"detected_language"`
			Alternatives     []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	if len(req.Audio) == 0 {
		return stt.Result{}, errors.New("deepgram: audio must not be empty")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.listenURL(req), bytes.NewReader(req.Audio))
	if err != nil {
		return stt.Result{}, fmt.Errorf("deepgram: create listen request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Token "+p.apiKey)
	if req.MIMEType != "" {
		httpReq.Header.Set("Content-Type", req.MIMEType)
	} else {
		// Deepgram sniffs the container when the type is generic.
		httpReq.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return stt.Result{}, fmt.Errorf("deepgram: POST listen: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return stt.Result{}, fmt.Errorf("deepgram: POST listen returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("deepgram: read listen response: %w", err)
	}

	var lr listenResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return stt.Result{}, fmt.Errorf("deepgram: decode listen response: %w", err)
	}
	if len(lr.Results.Channels) == 0 || len(lr.Results.Channels[0].Alternatives) == 0 {
		return stt.Result{}, errors.New("deepgram: response contains no transcription")
	}

	ch := lr.Results.Channels[0]
	alt := ch.Alternatives[0]

	lang := ch.DetectedLanguage
	if lang == "" {
		lang = p.requestLanguage(req)
	}

	return stt.Result{
		Text:       alt.Transcript,
		Language:   lang,
		Confidence: alt.Confidence,
	}, nil
}

// listenURL builds the /v1/listen URL for req.
func (p *Provider) listenURL(req stt.Request) string {
	q := url.Values{}
	q.Set("model", p.model)
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")

	if lang := p.requestLanguage(req); lang != "" {
		q.Set("language", lang)
	} else {
		q.Set("detect_language", "true")
	}

	// Vocabulary hints map to keyterms, one per comma-separated phrase.
	for _, term := range strings.Split(p.requestPrompt(req), ",") {
		if term = strings.TrimSpace(term); term != "" {
			q.Add("keyterm", term)
		}
	}

	return p.baseURL + "/v1/listen?" + q.Encode()
}

// requestLanguage resolves the language for req, falling back to the
// provider default.
func (p *Provider) requestLanguage(req stt.Request) string {
	if req.Language != "" {
		return req.Language
	}
	return p.language
}

// requestPrompt resolves the vocabulary hint for req, falling back to
// the provider default.
func (p *Provider) requestPrompt(req stt.Request) string {
	if req.Prompt != "" {
		return req.Prompt
	}
	return p.prompt
}
