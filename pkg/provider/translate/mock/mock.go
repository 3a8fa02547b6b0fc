// Package mock provides a test double for the translate.Provider interface.
//
// By default the Provider echoes a deterministic transformation of the input
// so tests can assert on per-language output without configuring a response
// for every language:
//
//	p := &mock.Provider{}
//	res, _ := p.Translate(ctx, translate.Request{Text: "hello", TargetLanguage: "es-ES"})
//	// res.Text == "[es-ES] hello"
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/aulavoz/aulavoz/pkg/provider/translate"
)

// TranslateCall records a single invocation of Translate.
type TranslateCall struct {
	// Ctx is the context passed to Translate.
	Ctx context.Context
	// Req is the request passed to Translate.
	Req translate.Request
}

// Provider is a mock implementation of translate.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// ByLanguage maps a target language to a fixed translation. Languages not
	// present fall back to the "[lang] text" echo form.
	ByLanguage map[string]string

	// Err, if non-nil, is returned by every Translate call.
	Err error

	// ErrFor restricts Err to specific target languages. When non-empty, only
	// languages present in the map fail; all others succeed. Ignored when Err
	// is nil.
	ErrFor map[string]bool

	// --- Call records ---

	// TranslateCalls records every call to Translate in order.
	TranslateCalls []TranslateCall
}

// Translate records the call and returns the configured translation.
func (p *Provider) Translate(ctx context.Context, req translate.Request) (translate.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranslateCalls = append(p.TranslateCalls, TranslateCall{Ctx: ctx, Req: req})
	if p.Err != nil && (len(p.ErrFor) == 0 || p.ErrFor[req.TargetLanguage]) {
		return translate.Result{}, p.Err
	}
	if text, ok := p.ByLanguage[req.TargetLanguage]; ok {
		return translate.Result{Text: text, Model: "mock"}, nil
	}
	return translate.Result{
		Text:  fmt.Sprintf("[%s] %s", req.TargetLanguage, req.Text),
		Model: "mock",
	}, nil
}

// Calls returns a copy of the recorded Translate calls. Thread-safe.
func (p *Provider) Calls() []TranslateCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TranslateCall, len(p.TranslateCalls))
	copy(out, p.TranslateCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranslateCalls = nil
}

// Ensure Provider implements translate.Provider at compile time.
var _ translate.Provider = (*Provider)(nil)
