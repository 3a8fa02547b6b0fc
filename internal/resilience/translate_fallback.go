package resilience

import (
	"context"

	"github.com/aulavoz/aulavoz/pkg/provider/translate"
)

// TranslateFallback implements [translate.Provider] with automatic failover
// across multiple translation backends. Each backend has its own circuit
// breaker, so a rate-limited primary model stops being tried while it cools
// down.
type TranslateFallback struct {
	group *FallbackGroup[translate.Provider]
}

// Compile-time interface assertion.
var _ translate.Provider = (*TranslateFallback)(nil)

// NewTranslateFallback creates a [TranslateFallback] with primary as the
// preferred backend.
func NewTranslateFallback(primary translate.Provider, primaryName string, cfg FallbackConfig) *TranslateFallback {
	return &TranslateFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional translation provider as a fallback.
func (f *TranslateFallback) AddFallback(name string, provider translate.Provider) {
	f.group.AddFallback(name, provider)
}

// Providers returns the backend names in trial order.
func (f *TranslateFallback) Providers() []string { return f.group.Names() }

// Translate runs the request against the first healthy backend.
func (f *TranslateFallback) Translate(ctx context.Context, req translate.Request) (translate.Result, error) {
	return ExecuteWithResult(f.group, func(p translate.Provider) (translate.Result, error) {
		return p.Translate(ctx, req)
	})
}
