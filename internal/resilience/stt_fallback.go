package resilience

import (
	"context"

	"github.com/aulavoz/aulavoz/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across
// multiple STT backends. Each backend has its own circuit breaker.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional STT provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Providers returns the backend names in trial order.
func (f *STTFallback) Providers() []string { return f.group.Names() }

// Transcribe runs the request against the first healthy backend. A failed or
// circuit-open primary is bypassed in favour of the next fallback.
func (f *STTFallback) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.Result, error) {
		return p.Transcribe(ctx, req)
	})
}
