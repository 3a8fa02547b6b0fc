// Package openai provides a speech-to-text provider backed by the OpenAI
// audio transcription API. It implements the stt.Provider interface.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/aulavoz/aulavoz/pkg/provider/stt"
)

// Compile-time interface assertion.
var _ stt.Provider = (*Provider)(nil)

const defaultModel = "gpt-4o-mini-transcribe"

// Provider implements stt.Provider using the OpenAI transcription API.
type Provider struct {
	client oai.Client
	model  string
	prompt string
}

// config holds optional configuration for the provider.
type config struct {
	model   string
	prompt  string
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithModel sets the transcription model (e.g., "whisper-1",
// "gpt-4o-mini-transcribe"). Defaults to gpt-4o-mini-transcribe.
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithPrompt sets a default vocabulary hint sent with every request that
// does not carry its own. Useful for subject-specific terms the model
// would otherwise mishear.
func WithPrompt(prompt string) Option {
	return func(c *config) {
		c.prompt = prompt
	}
}

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI STT Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}

	cfg := &config{model: defaultModel}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.model == "" {
		cfg.model = defaultModel
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: cfg.model, prompt: cfg.prompt}, nil
}

// Transcribe implements stt.Provider. An utterance the API hears as silence
// comes back as an empty Result with a nil error.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	if len(req.Audio) == 0 {
		return stt.Result{}, fmt.Errorf("openai: audio must not be empty")
	}

	mimeType := req.MIMEType
	if mimeType == "" {
		mimeType = "audio/webm"
	}

	params := oai.AudioTranscriptionNewParams{
		Model: oai.AudioModel(p.model),
		File:  oai.File(bytes.NewReader(req.Audio), fileName(mimeType), mimeType),
	}
	if lang := primarySubtag(req.Language); lang != "" {
		params.Language = oai.String(lang)
	}
	if prompt := firstNonEmpty(req.Prompt, p.prompt); prompt != "" {
		params.Prompt = oai.String(prompt)
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return stt.Result{}, fmt.Errorf("openai: transcribe: %w", err)
	}

	return stt.Result{
		Text:     strings.TrimSpace(resp.Text),
		Language: req.Language,
	}, nil
}

// fileName maps a MIME type to the upload filename. The API detects the
// container format from the file extension.
func fileName(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "wav"):
		return "audio.wav"
	case strings.Contains(mimeType, "mpeg"), strings.Contains(mimeType, "mp3"):
		return "audio.mp3"
	case strings.Contains(mimeType, "ogg"):
		return "audio.ogg"
	case strings.Contains(mimeType, "mp4"):
		return "audio.mp4"
	case strings.Contains(mimeType, "flac"):
		return "audio.flac"
	default:
		return "audio.webm"
	}
}

// primarySubtag reduces a BCP-47 tag to the lowercase primary language
// subtag the transcription API expects ("es-MX" becomes "es").
func primarySubtag(language string) string {
	if language == "" {
		return ""
	}
	primary, _, _ := strings.Cut(language, "-")
	return strings.ToLower(primary)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
