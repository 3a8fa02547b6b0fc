package pipeline_test

import (
	"reflect"
	"testing"

	"github.com/aulavoz/aulavoz/internal/pipeline"
	ttsmock "github.com/aulavoz/aulavoz/pkg/provider/tts/mock"
)

func TestCatalogResolveFallsBackToDefault(t *testing.T) {
	t.Parallel()

	def := &ttsmock.Provider{}
	c := pipeline.NewTTSCatalog(def, "openai")

	for _, serviceType := range []string{"", "auto", "AUTO", "no-such-service", "  "} {
		p, name := c.Resolve(serviceType)
		if p != def || name != "openai" {
			t.Errorf("Resolve(%q) = (%v, %q), want default openai", serviceType, p, name)
		}
	}
}

func TestCatalogResolveByName(t *testing.T) {
	t.Parallel()

	def := &ttsmock.Provider{}
	eleven := &ttsmock.Provider{}
	c := pipeline.NewTTSCatalog(def, "openai")
	c.Register("elevenlabs", eleven)

	p, name := c.Resolve("ElevenLabs")
	if p != eleven || name != "elevenlabs" {
		t.Errorf("Resolve(ElevenLabs) = (%v, %q), want elevenlabs entry", p, name)
	}
	p, name = c.Resolve("openai")
	if p != def || name != "openai" {
		t.Errorf("Resolve(openai) = (%v, %q), want default entry", p, name)
	}
}

func TestCatalogWithoutDefault(t *testing.T) {
	t.Parallel()

	c := pipeline.NewTTSCatalog(nil, "")
	if p, name := c.Resolve("auto"); p != nil || name != "" {
		t.Errorf("Resolve(auto) = (%v, %q), want no provider", p, name)
	}
	if names := c.Names(); len(names) != 0 {
		t.Errorf("Names() = %v, want empty", names)
	}
}

func TestCatalogNamesSorted(t *testing.T) {
	t.Parallel()

	c := pipeline.NewTTSCatalog(&ttsmock.Provider{}, "openai")
	c.Register("local", &ttsmock.Provider{})
	c.Register("elevenlabs", &ttsmock.Provider{})

	want := []string{"elevenlabs", "local", "openai"}
	if got := c.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
}
