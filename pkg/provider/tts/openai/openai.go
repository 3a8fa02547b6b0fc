// Package openai provides a text-to-speech provider backed by the OpenAI
// speech API. It implements the tts.Provider interface.
package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/aulavoz/aulavoz/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	defaultModel = "gpt-4o-mini-tts"
	defaultVoice = "alloy"
)

// Provider implements tts.Provider using the OpenAI speech API.
type Provider struct {
	client oai.Client
	model  string
	voice  string
	format string
}

// config holds optional configuration for the provider.
type config struct {
	model   string
	voice   string
	format  string
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithModel sets the speech model (e.g., "tts-1", "gpt-4o-mini-tts").
// Defaults to gpt-4o-mini-tts.
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithVoice sets the default voice used when a request does not carry one
// (e.g., "alloy", "nova", "onyx"). Defaults to alloy.
func WithVoice(voice string) Option {
	return func(c *config) {
		c.voice = voice
	}
}

// WithFormat sets the audio output format, tts.FormatMP3 or tts.FormatWAV.
// Defaults to MP3, which keeps payloads small on the student socket.
func WithFormat(format string) Option {
	return func(c *config) {
		c.format = format
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

// New constructs a new OpenAI TTS Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}

	cfg := &config{
		model:  defaultModel,
		voice:  defaultVoice,
		format: tts.FormatMP3,
	}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.format != tts.FormatMP3 && cfg.format != tts.FormatWAV {
		return nil, fmt.Errorf("openai: unsupported format %q", cfg.format)
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
	return &Provider{
		client: client,
		model:  cfg.model,
		voice:  cfg.voice,
		format: cfg.format,
	}, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Result, error) {
	if req.Text == "" {
		return tts.Result{}, fmt.Errorf("openai: text must not be empty")
	}

	voice := req.Voice
	if voice == "" {
		voice = p.voice
	}

	params := oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(p.model),
		Input:          req.Text,
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormat(p.format),
	}
	if req.Speed > 0 {
		params.Speed = oai.Float(req.Speed)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return tts.Result{}, fmt.Errorf("openai: synthesize: %w", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Result{}, fmt.Errorf("openai: read audio response: %w", err)
	}

	return tts.Result{Audio: audio, Format: p.format}, nil
}
