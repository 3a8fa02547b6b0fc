package pipeline

import (
	"sort"
	"strings"
	"sync"

	"github.com/aulavoz/aulavoz/pkg/provider/tts"
)

// ServiceBrowser is the pseudo service name for client-side synthesis.
// It never resolves to a server provider; deliveries carrying it ship
// speech parameters instead of audio.
const ServiceBrowser = "browser"

// TTSCatalog maps client-facing service names ("openai", "elevenlabs",
// "local", ...) to synthesis providers. The default entry answers for
// the empty string, "auto" and any unknown name, so a client can never
// talk itself out of receiving audio by sending a bad service id.
type TTSCatalog struct {
	mu          sync.RWMutex
	defProvider tts.Provider
	defName     string
	byName      map[string]tts.Provider
}

// NewTTSCatalog creates a catalog whose default is def, advertised under
// defName. def may be nil when the deployment runs without any server
// TTS; Resolve then reports no provider and deliveries are text-only.
func NewTTSCatalog(def tts.Provider, defName string) *TTSCatalog {
	c := &TTSCatalog{
		defProvider: def,
		defName:     defName,
		byName:      make(map[string]tts.Provider),
	}
	if def != nil && defName != "" {
		c.byName[strings.ToLower(defName)] = def
	}
	return c
}

// Register adds a named provider. Later registrations replace earlier
// ones under the same name.
func (c *TTSCatalog) Register(name string, p tts.Provider) {
	if name == "" || p == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byName[strings.ToLower(name)] = p
}

// Resolve returns the provider for the requested service type and the
// name it answers under. Empty, "auto" and unknown names fall back to
// the default. A nil provider means the deployment has no server TTS.
func (c *TTSCatalog) Resolve(serviceType string) (tts.Provider, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := strings.ToLower(strings.TrimSpace(serviceType))
	if name == "" || name == "auto" {
		return c.defProvider, c.defName
	}
	if p, ok := c.byName[name]; ok {
		return p, name
	}
	return c.defProvider, c.defName
}

// Names returns the registered service names in sorted order.
func (c *TTSCatalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.byName))
	for name := range c.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
