// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider to feed controlled transcription results to consumers and to
// verify which audio chunks were submitted.
//
// Example:
//
//	p := &mock.Provider{
//	    Results: []stt.Result{{Text: "buenos días", Language: "es"}},
//	}
//	res, _ := p.Transcribe(ctx, stt.Request{Audio: chunk})
package mock

import (
	"context"
	"sync"

	"github.com/aulavoz/aulavoz/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Req is the request passed to Transcribe. Audio is not copied.
	Req stt.Request
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Results is the sequence of results returned by successive Transcribe
	// calls. After the sequence is exhausted, the last element is repeated.
	// An empty slice yields a zero Result.
	Results []stt.Result

	// Err, if non-nil, is returned by every Transcribe call instead of a Result.
	Err error

	// --- Call records ---

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall
}

// Transcribe records the call and returns the next configured Result or Err.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Ctx: ctx, Req: req})
	if p.Err != nil {
		return stt.Result{}, p.Err
	}
	if len(p.Results) == 0 {
		return stt.Result{}, nil
	}
	idx := len(p.TranscribeCalls) - 1
	if idx >= len(p.Results) {
		idx = len(p.Results) - 1
	}
	return p.Results[idx], nil
}

// Calls returns a copy of the recorded Transcribe calls. Thread-safe.
func (p *Provider) Calls() []TranscribeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TranscribeCall, len(p.TranscribeCalls))
	copy(out, p.TranscribeCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
