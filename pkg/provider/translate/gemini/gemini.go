// Package gemini provides a translation provider backed by the Google Gemini
// API via the official google.golang.org/genai SDK. It implements the
// translate.Provider interface.
//
// The provider tracks rate-limit and overload errors from the primary model
// and temporarily degrades to a cheaper fallback model, retrying the primary
// after a short recovery window. This keeps captions flowing during bursts
// instead of surfacing 429s to every student in the room.
//
// Usage:
//
//	p, err := gemini.New(ctx, apiKey,
//	    gemini.WithModel("gemini-2.0-flash"),
//	    gemini.WithFallbackModel("gemini-2.0-flash-lite"),
//	)
//	res, err := p.Translate(ctx, translate.Request{
//	    Text:           "Hoy vamos a hablar de la fotosíntesis.",
//	    SourceLanguage: "es",
//	    TargetLanguage: "en",
//	})
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"google.golang.org/genai"

	"github.com/aulavoz/aulavoz/pkg/provider/translate"
)

// Compile-time interface assertion.
var _ translate.Provider = (*Provider)(nil)

const (
	defaultModel         = "gemini-2.0-flash"
	defaultFallbackModel = "gemini-2.0-flash-lite"

	// degradePeriod is how long the provider stays on the fallback model
	// after the primary model returns a rate-limit or overload error.
	degradePeriod = 30 * time.Second
)

// Option is a functional option for configuring the Gemini Provider.
type Option func(*Provider)

// WithModel sets the primary model ID (e.g., "gemini-2.0-flash").
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithFallbackModel sets the model used while the primary is rate-limited.
func WithFallbackModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.fallbackModel = model
		}
	}
}

// WithLogger sets the logger used for model degradation notices.
// Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Provider implements translate.Provider backed by the Gemini API.
// It is safe for concurrent use.
type Provider struct {
	client        *genai.Client
	model         string
	fallbackModel string
	logger        *slog.Logger

	// degraded marks that the primary model recently failed with an
	// overload error; recoverAt is the UnixNano time after which the
	// primary is retried.
	degraded  atomic.Bool
	recoverAt atomic.Int64
}

// New creates a new Gemini Provider. apiKey must be non-empty.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: apiKey must not be empty")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	p := &Provider{
		client:        client,
		model:         defaultModel,
		fallbackModel: defaultFallbackModel,
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Translate implements translate.Provider. The returned Result.Model names
// the model that actually produced the translation, which may be the
// fallback model during a degradation window.
func (p *Provider) Translate(ctx context.Context, req translate.Request) (translate.Result, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return translate.Result{}, nil
	}
	prompt := buildPrompt(req.SourceLanguage, req.TargetLanguage, req.Simplify, text)

	model := p.activeModel()
	resp, err := p.client.Models.GenerateContent(ctx, model, genai.Text(prompt), nil)
	if err != nil {
		if !isOverloaded(err) || model == p.fallbackModel {
			return translate.Result{}, fmt.Errorf("gemini: generate translation: %w", err)
		}
		p.degrade()
		model = p.fallbackModel
		resp, err = p.client.Models.GenerateContent(ctx, model, genai.Text(prompt), nil)
		if err != nil {
			return translate.Result{}, fmt.Errorf("gemini: generate translation with fallback %s: %w", model, err)
		}
	}
	return translate.Result{
		Text:  strings.TrimSpace(resp.Text()),
		Model: model,
	}, nil
}

// activeModel returns the model to use for the next request. While degraded
// it returns the fallback model until the recovery deadline passes, then
// flips back to the primary.
func (p *Provider) activeModel() string {
	if p.degraded.Load() {
		if time.Now().UnixNano() < p.recoverAt.Load() {
			return p.fallbackModel
		}
		p.degraded.Store(false)
		p.logger.Info("gemini: retrying primary model", "model", p.model)
	}
	return p.model
}

// degrade switches the provider onto the fallback model for degradePeriod.
// Repeated overload errors extend the window.
func (p *Provider) degrade() {
	p.recoverAt.Store(time.Now().Add(degradePeriod).UnixNano())
	if !p.degraded.Swap(true) {
		p.logger.Warn("gemini: primary model overloaded, using fallback",
			"model", p.model,
			"fallback", p.fallbackModel,
			"retry_after", degradePeriod)
	}
}

// buildPrompt assembles the translation instruction sent to the model.
// An empty source language asks the model to detect it.
func buildPrompt(source, target string, simplify bool, text string) string {
	var b strings.Builder
	b.WriteString("You are translating live classroom speech for students.\n")
	if source == "" {
		fmt.Fprintf(&b, "Detect the source language and translate the following text to %s.\n", target)
	} else {
		fmt.Fprintf(&b, "Translate the following text from %s to %s.\n", source, target)
	}
	b.WriteString("Preserve the speaker's meaning and tone. Output only the translation, with no explanations, notes, or quotation marks.\n")
	if simplify {
		b.WriteString("Use short sentences and simple, common vocabulary so language learners can follow.\n")
	}
	b.WriteString("\n")
	b.WriteString(text)
	return b.String()
}

// isOverloaded reports whether err looks like a rate-limit or overload
// response from the Gemini API. The SDK does not expose typed status codes
// for these, so match on the standard code and status strings.
func isOverloaded(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "RESOURCE_EXHAUSTED") ||
		strings.Contains(msg, "UNAVAILABLE")
}
