package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/aulavoz/aulavoz/pkg/provider/stt"
	"github.com/aulavoz/aulavoz/pkg/provider/translate"
	"github.com/aulavoz/aulavoz/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory
// has been registered under the requested service name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps service names to provider constructor functions for each
// pipeline stage. Factories receive the full config so they can combine
// their stage block with the vendor credential blocks. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	stt       map[string]func(*Config) (stt.Provider, error)
	translate map[string]func(*Config) (translate.Provider, error)
	tts       map[string]func(*Config) (tts.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt:       make(map[string]func(*Config) (stt.Provider, error)),
		translate: make(map[string]func(*Config) (translate.Provider, error)),
		tts:       make(map[string]func(*Config) (tts.Provider, error)),
	}
}

// RegisterSTT registers an STT provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSTT(name string, factory func(*Config) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterTranslate registers a translation provider factory under name.
func (r *Registry) RegisterTranslate(name string, factory func(*Config) (translate.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.translate[name] = factory
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(*Config) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// CreateSTT instantiates the STT provider registered under name.
// Returns [ErrProviderNotRegistered] if no factory is registered for it.
func (r *Registry) CreateSTT(name string, cfg *Config) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, name)
	}
	return factory(cfg)
}

// CreateTranslate instantiates the translation provider registered under name.
func (r *Registry) CreateTranslate(name string, cfg *Config) (translate.Provider, error) {
	r.mu.RLock()
	factory, ok := r.translate[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: translate/%q", ErrProviderNotRegistered, name)
	}
	return factory(cfg)
}

// CreateTTS instantiates the TTS provider registered under name.
func (r *Registry) CreateTTS(name string, cfg *Config) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, name)
	}
	return factory(cfg)
}
