// Package local provides a text-to-speech provider backed by a self-hosted
// synthesis server speaking the Coqui TTS REST API (GET /api/tts returning
// a WAV file). It implements the tts.Provider interface.
//
// Schools that cannot send classroom audio to a cloud vendor run a local
// server (e.g., ghcr.io/coqui-ai/tts-cpu) and point this provider at it:
//
//	p, err := local.New("http://localhost:5002",
//	    local.WithLanguage("es"),
//	    local.WithTimeout(15*time.Second),
//	)
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aulavoz/aulavoz/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	defaultTimeout = 30 * time.Second
	ttsEndpoint    = "/api/tts"
)

// Option is a functional option for configuring the local Provider.
type Option func(*Provider)

// WithLanguage sets the language_id query parameter sent to the server for
// multi-lingual models. Defaults to none, which suits single-language models.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSpeaker sets the default speaker_id used when a request does not
// carry a voice. Single-speaker models need none.
func WithSpeaker(speaker string) Option {
	return func(p *Provider) {
		p.speaker = speaker
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// Provider implements tts.Provider backed by a local synthesis server.
// It is safe for concurrent use.
type Provider struct {
	serverURL  string
	language   string
	speaker    string
	httpClient *http.Client
}

// New creates a new local Provider that targets the synthesis server at
// serverURL (e.g., "http://localhost:5002"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("local: serverURL must not be empty")
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

// Synthesize implements tts.Provider. The server's WAV response is returned
// whole, container and all. Request.Speed is ignored; the server API has no
// rate control.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Result, error) {
	if req.Text == "" {
		return tts.Result{}, errors.New("local: text must not be empty")
	}

	params := url.Values{}
	params.Set("text", req.Text)
	if speaker := firstNonEmpty(req.Voice, p.speaker); speaker != "" {
		params.Set("speaker_id", speaker)
	}
	if language := firstNonEmpty(req.Language, p.language); language != "" {
		params.Set("language_id", language)
	}

	reqURL := p.serverURL + ttsEndpoint + "?" + params.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return tts.Result{}, fmt.Errorf("local: create tts request: %w", err)
	}
	httpReq.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return tts.Result{}, fmt.Errorf("local: GET %s: %w", ttsEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return tts.Result{}, fmt.Errorf("local: GET %s returned status %d", ttsEndpoint, resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Result{}, fmt.Errorf("local: read WAV response: %w", err)
	}
	if !isWAV(wav) {
		return tts.Result{}, errors.New("local: response is not a RIFF/WAVE file")
	}

	return tts.Result{Audio: wav, Format: tts.FormatWAV}, nil
}

// isWAV reports whether data starts with a RIFF/WAVE container header.
func isWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
