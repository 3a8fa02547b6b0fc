// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to hand controlled audio clips to consumers and to verify
// which text fragments, voices, and languages were requested.
//
// Example:
//
//	p := &mock.Provider{
//	    Audio:  []byte("RIFF...."),
//	    Format: tts.FormatWAV,
//	}
//	res, _ := p.Synthesize(ctx, tts.Request{Text: "hola", Language: "es-ES"})
package mock

import (
	"context"
	"sync"

	"github.com/aulavoz/aulavoz/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Req is the request passed to Synthesize.
	Req tts.Request
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Audio is the clip returned by every Synthesize call.
	Audio []byte

	// Format is the container format reported with Audio. Defaults to
	// tts.FormatWAV when empty.
	Format string

	// Err, if non-nil, is returned by every Synthesize call.
	Err error

	// --- Call records ---

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall
}

// Synthesize records the call and returns the configured clip or Err.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Req: req})
	if p.Err != nil {
		return tts.Result{}, p.Err
	}
	format := p.Format
	if format == "" {
		format = tts.FormatWAV
	}
	return tts.Result{Audio: p.Audio, Format: format}, nil
}

// Calls returns a copy of the recorded Synthesize calls. Thread-safe.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeCall, len(p.SynthesizeCalls))
	copy(out, p.SynthesizeCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
