// Package google provides a speech-to-text provider backed by the Google
// Cloud Speech-to-Text API. It implements the stt.Provider interface.
//
// Authentication uses Application Default Credentials; point
// GOOGLE_APPLICATION_CREDENTIALS at a service account key file or run on a
// platform with ambient credentials.
package google

import (
	"context"
	"fmt"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"

	"github.com/aulavoz/aulavoz/pkg/provider/stt"
)

// Compile-time interface assertion.
var _ stt.Provider = (*Provider)(nil)

const (
	defaultLanguage = "en-US"

	// defaultModel is tuned for short utterances, which is what the
	// capture loop produces (a few seconds of speech per chunk).
	defaultModel = "latest_short"

	// opusSampleRate is fixed by the Opus codec inside WebM/Ogg
	// containers produced by browser MediaRecorder.
	opusSampleRate = 48000
)

// Option is a functional option for configuring the Google Provider.
type Option func(*Provider)

// WithDefaultLanguage sets the BCP-47 language code used when a request
// does not carry one. Defaults to "en-US".
func WithDefaultLanguage(language string) Option {
	return func(p *Provider) {
		if language != "" {
			p.language = language
		}
	}
}

// WithAlternativeLanguages sets additional candidate languages the
// recogniser may detect alongside the primary one.
func WithAlternativeLanguages(languages ...string) Option {
	return func(p *Provider) {
		p.altLanguages = languages
	}
}

// WithModel sets the recognition model (e.g., "latest_short",
// "latest_long"). Defaults to latest_short.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// Provider implements stt.Provider backed by Google Cloud Speech-to-Text.
// It is safe for concurrent use.
type Provider struct {
	client       *speech.Client
	language     string
	altLanguages []string
	model        string
}

// New creates a new Google Provider using Application Default Credentials.
func New(ctx context.Context, opts ...Option) (*Provider, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("google: create speech client: %w", err)
	}
	p := &Provider{
		client:   client,
		language: defaultLanguage,
		model:    defaultModel,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe implements stt.Provider using a single synchronous Recognize
// call per audio chunk.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	if len(req.Audio) == 0 {
		return stt.Result{}, fmt.Errorf("google: audio must not be empty")
	}

	language := req.Language
	if language == "" {
		language = p.language
	}

	cfg := &speechpb.RecognitionConfig{
		Encoding:                   encodingFor(req.MIMEType),
		LanguageCode:               language,
		AlternativeLanguageCodes:   p.altLanguages,
		EnableAutomaticPunctuation: true,
		Model:                      p.model,
	}
	// Opus containers do not carry a sample rate the API can read, so it
	// must be stated explicitly. WAV and FLAC headers carry their own.
	if cfg.Encoding == speechpb.RecognitionConfig_WEBM_OPUS || cfg.Encoding == speechpb.RecognitionConfig_OGG_OPUS {
		cfg.SampleRateHertz = opusSampleRate
	}

	resp, err := p.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: cfg,
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: req.Audio},
		},
	})
	if err != nil {
		return stt.Result{}, fmt.Errorf("google: recognize: %w", err)
	}

	text, detected, confidence := collapseResults(resp.GetResults())
	if detected == "" {
		detected = language
	}
	return stt.Result{
		Text:       text,
		Language:   detected,
		Confidence: confidence,
	}, nil
}

// Close releases the underlying gRPC connection.
func (p *Provider) Close() error {
	return p.client.Close()
}

// collapseResults joins the top alternative of each recognition result
// into a single transcript. The confidence is taken from the first result,
// which covers the bulk of a short utterance.
func collapseResults(results []*speechpb.SpeechRecognitionResult) (text, language string, confidence float64) {
	var parts []string
	for _, result := range results {
		alts := result.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		if t := strings.TrimSpace(alts[0].GetTranscript()); t != "" {
			parts = append(parts, t)
		}
		if confidence == 0 {
			confidence = float64(alts[0].GetConfidence())
		}
		if language == "" {
			language = result.GetLanguageCode()
		}
	}
	return strings.Join(parts, " "), language, confidence
}

// encodingFor maps a MIME type to the recognition encoding. Self-describing
// containers (WAV, FLAC) go through as unspecified and let the API read
// their headers.
func encodingFor(mimeType string) speechpb.RecognitionConfig_AudioEncoding {
	switch {
	case strings.Contains(mimeType, "webm"):
		return speechpb.RecognitionConfig_WEBM_OPUS
	case strings.Contains(mimeType, "ogg"):
		return speechpb.RecognitionConfig_OGG_OPUS
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED
	}
}
