// Package elevenlabs provides a text-to-speech provider backed by the
// ElevenLabs HTTP API. It implements the tts.Provider interface.
//
// Each Synthesize call issues one POST to /v1/text-to-speech/{voice_id}
// and returns the complete MP3 utterance. The capture loop already works
// in utterance-sized chunks, so batch synthesis fits the delivery model
// without streaming sockets.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aulavoz/aulavoz/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	defaultBaseURL = "https://api.elevenlabs.io"
	defaultModel   = "eleven_flash_v2_5"
	defaultTimeout = 30 * time.Second

	// defaultVoiceID is the ElevenLabs "Rachel" premade voice.
	defaultVoiceID = "21m00Tcm4TlvDq8ikWAM"

	// outputFormat is fixed to MP3; students receive compressed audio
	// over the socket and decode it in the browser.
	outputFormat = "mp3_44100_128"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5",
// "eleven_multilingual_v2").
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithVoiceID sets the default voice used when a request does not carry one.
func WithVoiceID(voiceID string) Option {
	return func(p *Provider) {
		if voiceID != "" {
			p.voiceID = voiceID
		}
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

// Provider implements tts.Provider backed by the ElevenLabs API.
// It is safe for concurrent use.
type Provider struct {
	apiKey     string
	baseURL    string
	model      string
	voiceID    string
	httpClient *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
		voiceID: defaultVoiceID,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// synthesisRequest is the JSON body sent to POST /v1/text-to-speech/{voice_id}.
type synthesisRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// Synthesize implements tts.Provider. The returned audio is always MP3.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Result, error) {
	if req.Text == "" {
		return tts.Result{}, errors.New("elevenlabs: text must not be empty")
	}

	voiceID := req.Voice
	if voiceID == "" {
		voiceID = p.voiceID
	}

	settings := &voiceSettings{
		Stability:       0.5,
		SimilarityBoost: 0.75,
	}
	if req.Speed > 0 {
		settings.Speed = req.Speed
	}

	body, err := json.Marshal(synthesisRequest{
		Text:          req.Text,
		ModelID:       p.model,
		VoiceSettings: settings,
	})
	if err != nil {
		return tts.Result{}, fmt.Errorf("elevenlabs: marshal synthesis request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s", p.baseURL, voiceID, outputFormat)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return tts.Result{}, fmt.Errorf("elevenlabs: create synthesis request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return tts.Result{}, fmt.Errorf("elevenlabs: POST text-to-speech: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return tts.Result{}, fmt.Errorf("elevenlabs: POST text-to-speech returned status %d", resp.StatusCode)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Result{}, fmt.Errorf("elevenlabs: read audio response: %w", err)
	}
	if len(audio) == 0 {
		return tts.Result{}, errors.New("elevenlabs: empty audio response")
	}

	return tts.Result{Audio: audio, Format: tts.FormatMP3}, nil
}
