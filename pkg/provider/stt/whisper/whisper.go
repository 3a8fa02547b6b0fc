// Package whisper provides a speech-to-text provider backed by a
// self-hosted whisper server (whisper.cpp's whisper-server or an
// API-compatible replacement). It implements the stt.Provider interface.
//
// Each Transcribe call POSTs the complete utterance to /inference as
// multipart/form-data and reads the JSON transcript. Classrooms that
// must keep audio on premises point providers.stt at this service
// instead of a cloud vendor.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/aulavoz/aulavoz/pkg/provider/stt"
)

// Compile-time interface assertion.
var _ stt.Provider = (*Provider)(nil)

const defaultTimeout = 60 * time.Second

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the server (e.g.,
// "base", "small"). When empty the server uses whichever model it was
// started with, which is the default.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default language assumed when a request does not
// carry one. Empty lets the server detect the language.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithTimeout sets the per-request HTTP timeout. Inference on CPU-only
// hosts is slow, so the default is a generous 60 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// Provider implements stt.Provider backed by a whisper HTTP server.
// It is safe for concurrent use.
type Provider struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a new Provider that connects to the whisper server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL: strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	if len(req.Audio) == 0 {
		return stt.Result{}, errors.New("whisper: audio must not be empty")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", fileName(req.MIMEType))
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(req.Audio); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: write audio data: %w", err)
	}

	lang := req.Language
	if lang == "" {
		lang = p.language
	}
	if lang != "" {
		// The server wants a bare ISO 639-1 code, not a full BCP-47 tag.
		short, _, _ := strings.Cut(lang, "-")
		if err := mw.WriteField("language", short); err != nil {
			return stt.Result{}, fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return stt.Result{}, fmt.Errorf("whisper: write model field: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create inference request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: POST inference: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return stt.Result{}, fmt.Errorf("whisper: POST inference returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: read inference response: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: decode inference response: %w", err)
	}

	return stt.Result{
		// whisper likes to emit a leading space.
		Text:     strings.TrimSpace(result.Text),
		Language: lang,
	}, nil
}

// fileName derives the upload filename from the audio MIME type so the
// server picks the right demuxer.
func fileName(mimeType string) string {
	if _, sub, ok := strings.Cut(mimeType, "/"); ok && sub != "" {
		return "audio." + sub
	}
	return "audio.wav"
}
