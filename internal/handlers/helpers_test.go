package handlers_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/aulavoz/aulavoz/internal/broker"
	"github.com/aulavoz/aulavoz/internal/pipeline"
	"github.com/aulavoz/aulavoz/internal/protocol"
	"github.com/aulavoz/aulavoz/internal/store"
	"github.com/aulavoz/aulavoz/pkg/provider/translate"
	"github.com/aulavoz/aulavoz/pkg/provider/tts"
)

type closeCall struct {
	delay  time.Duration
	code   broker.CloseCode
	reason string
}

// fakePeer records sends and scheduled closes.
type fakePeer struct {
	id string

	mu     sync.Mutex
	sent   []any
	closes []closeCall
}

func (f *fakePeer) ID() string { return f.id }

func (f *fakePeer) Send(_ context.Context, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakePeer) Ping(context.Context) error { return nil }

func (f *fakePeer) CloseAfter(d time.Duration, c broker.CloseCode, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, closeCall{delay: d, code: c, reason: reason})
}

func (f *fakePeer) Terminate() {}

func (f *fakePeer) sentMessages() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakePeer) closeCalls() []closeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]closeCall, len(f.closes))
	copy(out, f.closes)
	return out
}

// ofType filters a send log down to one message type.
func ofType[T any](sent []any) []T {
	var out []T
	for _, v := range sent {
		if m, ok := v.(T); ok {
			out = append(out, m)
		}
	}
	return out
}

// env builds a decoded frame from raw JSON.
func env(t *testing.T, raw string) protocol.Envelope {
	t.Helper()
	e, err := protocol.Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode(%q) error: %v", raw, err)
	}
	return e
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

// classroom bundles the shared state every handler operates on.
type classroom struct {
	registry  *broker.Registry
	store     *store.MemStore
	directory *broker.Directory
	router    *broker.RequestRouter
}

func newClassroom(opts ...broker.RegistryOption) *classroom {
	return &classroom{
		registry:  broker.NewRegistry(opts...),
		store:     store.NewMemStore(),
		directory: broker.NewDirectory(),
		router:    broker.NewRequestRouter(),
	}
}

// connect adds a bare connection the way the accept path would, before
// any register frame arrives.
func (c *classroom) connect(id, sessionID string) *fakePeer {
	p := &fakePeer{id: id}
	c.registry.Add(p, sessionID, false)
	return p
}

// addTeacher registers a teacher directly through the registry,
// bypassing the register handler.
func (c *classroom) addTeacher(t *testing.T, id, sessionID, language string, settings protocol.ClientSettings) *fakePeer {
	t.Helper()
	p := c.connect(id, sessionID)
	if _, err := c.registry.SetRole(p, protocol.RoleTeacher); err != nil {
		t.Fatalf("SetRole(%s) error: %v", id, err)
	}
	c.registry.SetLanguage(p, language)
	if settings != nil {
		c.registry.MergeSettings(p, settings)
	}
	return p
}

// addStudent registers a student directly through the registry.
func (c *classroom) addStudent(t *testing.T, id, sessionID, language string, settings protocol.ClientSettings) *fakePeer {
	t.Helper()
	p := c.connect(id, sessionID)
	if _, err := c.registry.SetRole(p, protocol.RoleStudent); err != nil {
		t.Fatalf("SetRole(%s) error: %v", id, err)
	}
	c.registry.SetLanguage(p, language)
	if settings != nil {
		c.registry.MergeSettings(p, settings)
	}
	return p
}

// seedSession creates an active session row.
func (c *classroom) seedSession(t *testing.T, id string) {
	t.Helper()
	err := c.store.CreateSession(context.Background(), store.Session{
		ID:        id,
		StartTime: time.Now(),
		IsActive:  true,
	})
	if err != nil {
		t.Fatalf("CreateSession(%s) error: %v", id, err)
	}
}

// newPipeline builds a delivery pipeline over the classroom registry.
func (c *classroom) newPipeline(translator translate.Provider, synth tts.Provider) *pipeline.Pipeline {
	catalog := pipeline.NewTTSCatalog(synth, "openai")
	return pipeline.New(discard(), c.registry, translator, catalog, c.store)
}
