// Package anyllm provides a translation provider backed by
// github.com/mozilla-ai/any-llm-go, so classrooms can run translation
// against any OpenAI-compatible or local LLM endpoint (Ollama, llama.cpp,
// Groq, Mistral, DeepSeek) instead of a dedicated translation API.
//
// Usage:
//
//	p, err := anyllm.New("ollama", "llama3.1",
//	    anyllmlib.WithBaseURL("http://localhost:11434"))
//	res, err := p.Translate(ctx, translate.Request{
//	    Text: "buenos días", SourceLanguage: "es", TargetLanguage: "en",
//	})
package anyllm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/aulavoz/aulavoz/pkg/provider/translate"
)

// Compile-time interface assertion.
var _ translate.Provider = (*Provider)(nil)

// translateTemperature keeps the model close to a literal translation
// instead of a creative rewrite.
const translateTemperature = 0.2

// Provider implements translate.Provider by wrapping any-llm-go.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

// New creates a new Provider backed by the given LLM provider name.
//
// providerName is one of: "openai", "ollama", "groq", "mistral", "deepseek",
// "llamacpp". model is the specific model to use (e.g., "gpt-4o-mini",
// "llama3.1").
//
// opts are any-llm-go configuration options (e.g., anyllmlib.WithAPIKey,
// anyllmlib.WithBaseURL). Without an API key option the backend falls back
// to its usual environment variable (OPENAI_API_KEY, GROQ_API_KEY, ...).
func New(providerName, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}

	return &Provider{backend: backend, model: model}, nil
}

// createBackend creates the underlying any-llm-go provider for the given
// provider name.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, ollama, groq, mistral, deepseek, llamacpp", providerName)
	}
}

// Translate implements translate.Provider. The instruction travels in the
// system message and the raw utterance in the user message, which keeps
// smaller local models from translating the instruction itself.
func (p *Provider) Translate(ctx context.Context, req translate.Request) (translate.Result, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return translate.Result{}, nil
	}

	temp := translateTemperature
	params := anyllmlib.CompletionParams{
		Model: p.model,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleSystem, Content: systemPrompt(req.SourceLanguage, req.TargetLanguage, req.Simplify)},
			{Role: anyllmlib.RoleUser, Content: text},
		},
		Temperature: &temp,
	}

	resp, err := p.backend.Completion(ctx, params)
	if err != nil {
		return translate.Result{}, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return translate.Result{}, fmt.Errorf("anyllm: empty choices in response")
	}

	return translate.Result{
		Text:  strings.TrimSpace(resp.Choices[0].Message.ContentString()),
		Model: p.model,
	}, nil
}

// systemPrompt builds the translation instruction for the system message.
func systemPrompt(source, target string, simplify bool) string {
	var b strings.Builder
	b.WriteString("You are a translation engine for live classroom captions. ")
	if source == "" {
		fmt.Fprintf(&b, "Detect the source language and translate the user's message to %s. ", target)
	} else {
		fmt.Fprintf(&b, "Translate the user's message from %s to %s. ", source, target)
	}
	b.WriteString("Reply with only the translation, nothing else.")
	if simplify {
		b.WriteString(" Use short sentences and simple, common vocabulary suited to language learners.")
	}
	return b.String()
}
