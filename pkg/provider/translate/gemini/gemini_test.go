package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// ---- New ----

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(context.Background(), ""); err == nil {
		t.Fatal("New(\"\") expected error, got nil")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New(context.Background(), "test-key")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if p.model != defaultModel {
		t.Errorf("model = %q, want %q", p.model, defaultModel)
	}
	if p.fallbackModel != defaultFallbackModel {
		t.Errorf("fallbackModel = %q, want %q", p.fallbackModel, defaultFallbackModel)
	}
}

func TestNew_Options(t *testing.T) {
	p, err := New(context.Background(), "test-key",
		WithModel("gemini-2.5-pro"),
		WithFallbackModel("gemini-2.0-flash"),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if p.model != "gemini-2.5-pro" {
		t.Errorf("model = %q, want %q", p.model, "gemini-2.5-pro")
	}
	if p.fallbackModel != "gemini-2.0-flash" {
		t.Errorf("fallbackModel = %q, want %q", p.fallbackModel, "gemini-2.0-flash")
	}
}

func TestWithModel_IgnoresEmpty(t *testing.T) {
	p, err := New(context.Background(), "test-key", WithModel(""), WithFallbackModel(""))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if p.model != defaultModel {
		t.Errorf("model = %q, want default %q", p.model, defaultModel)
	}
	if p.fallbackModel != defaultFallbackModel {
		t.Errorf("fallbackModel = %q, want default %q", p.fallbackModel, defaultFallbackModel)
	}
}

// ---- prompt building ----

func TestBuildPrompt_KnownSource(t *testing.T) {
	got := buildPrompt("es", "en", false, "hola clase")
	if !strings.Contains(got, "from es to en") {
		t.Errorf("prompt missing language pair:\n%s", got)
	}
	if !strings.HasSuffix(got, "hola clase") {
		t.Errorf("prompt should end with the source text:\n%s", got)
	}
	if strings.Contains(got, "short sentences") {
		t.Errorf("prompt should not include simplify instruction:\n%s", got)
	}
}

func TestBuildPrompt_DetectsSource(t *testing.T) {
	got := buildPrompt("", "fr", false, "good morning")
	if !strings.Contains(got, "Detect the source language") {
		t.Errorf("prompt missing detection instruction:\n%s", got)
	}
	if !strings.Contains(got, "to fr") {
		t.Errorf("prompt missing target language:\n%s", got)
	}
}

func TestBuildPrompt_Simplify(t *testing.T) {
	got := buildPrompt("en", "es", true, "the mitochondria is the powerhouse of the cell")
	if !strings.Contains(got, "short sentences") {
		t.Errorf("prompt missing simplify instruction:\n%s", got)
	}
}

// ---- overload detection ----

func TestIsOverloaded(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit code", errors.New("googleapi: Error 429: quota exceeded"), true},
		{"unavailable code", errors.New("rpc error: code = 503"), true},
		{"resource exhausted", errors.New("RESOURCE_EXHAUSTED: too many requests"), true},
		{"unavailable status", fmt.Errorf("call failed: %w", errors.New("UNAVAILABLE: overloaded")), true},
		{"unrelated", errors.New("invalid API key"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isOverloaded(tc.err); got != tc.want {
				t.Errorf("isOverloaded(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

// ---- degradation window ----

func TestActiveModel_DegradeAndRecover(t *testing.T) {
	p, err := New(context.Background(), "test-key",
		WithModel("primary"),
		WithFallbackModel("fallback"),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if got := p.activeModel(); got != "primary" {
		t.Fatalf("activeModel() = %q, want %q before degradation", got, "primary")
	}

	p.degrade()
	if got := p.activeModel(); got != "fallback" {
		t.Errorf("activeModel() = %q, want %q while degraded", got, "fallback")
	}

	// Force the recovery deadline into the past.
	p.recoverAt.Store(time.Now().Add(-time.Second).UnixNano())
	if got := p.activeModel(); got != "primary" {
		t.Errorf("activeModel() = %q, want %q after recovery window", got, "primary")
	}
	if p.degraded.Load() {
		t.Error("degraded flag should clear once the recovery window passes")
	}
}

func TestDegrade_ExtendsWindow(t *testing.T) {
	p, err := New(context.Background(), "test-key")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	p.degrade()
	first := p.recoverAt.Load()
	time.Sleep(5 * time.Millisecond)
	p.degrade()
	if second := p.recoverAt.Load(); second <= first {
		t.Errorf("second degrade should extend the recovery deadline: first=%d second=%d", first, second)
	}
}
