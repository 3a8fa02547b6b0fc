package resilience

import (
	"context"

	"github.com/aulavoz/aulavoz/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across
// multiple synthesis backends. Each backend has its own circuit breaker.
//
// Note that fallbacks may produce a different container format than the
// primary; callers must honour Result.Format rather than assuming one.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Providers returns the backend names in trial order.
func (f *TTSFallback) Providers() []string { return f.group.Names() }

// Synthesize runs the request against the first healthy backend.
func (f *TTSFallback) Synthesize(ctx context.Context, req tts.Request) (tts.Result, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (tts.Result, error) {
		return p.Synthesize(ctx, req)
	})
}
