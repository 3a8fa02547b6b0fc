package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/aulavoz/aulavoz/pkg/provider/translate"
	translatemock "github.com/aulavoz/aulavoz/pkg/provider/translate/mock"
)

func TestTranslateFallback_FailsOver(t *testing.T) {
	primary := &translatemock.Provider{Err: errTest}
	backup := &translatemock.Provider{ByLanguage: map[string]string{"es-ES": "hola clase"}}

	f := NewTranslateFallback(primary, "gemini", FallbackConfig{})
	f.AddFallback("anyllm", backup)

	res, err := f.Translate(context.Background(), translate.Request{
		Text:           "hello class",
		SourceLanguage: "en-US",
		TargetLanguage: "es-ES",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "hola clase" {
		t.Fatalf("Text = %q, want the fallback translation", res.Text)
	}
}

func TestTranslateFallback_AllFail(t *testing.T) {
	primary := &translatemock.Provider{Err: errTest}
	backup := &translatemock.Provider{Err: errTest}

	f := NewTranslateFallback(primary, "gemini", FallbackConfig{})
	f.AddFallback("anyllm", backup)

	_, err := f.Translate(context.Background(), translate.Request{Text: "x", TargetLanguage: "fr-FR"})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
