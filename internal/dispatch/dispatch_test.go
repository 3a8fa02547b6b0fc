package dispatch_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/aulavoz/aulavoz/internal/broker"
	"github.com/aulavoz/aulavoz/internal/dispatch"
	"github.com/aulavoz/aulavoz/internal/protocol"
	"github.com/aulavoz/aulavoz/internal/store"
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

// recordHandler counts invocations for one message type.
type recordHandler struct {
	msgType string
	err     error
	panics  bool

	mu    sync.Mutex
	calls []protocol.Envelope
}

func (h *recordHandler) Type() string { return h.msgType }

func (h *recordHandler) Handle(_ context.Context, _ broker.Peer, env protocol.Envelope) error {
	h.mu.Lock()
	h.calls = append(h.calls, env)
	h.mu.Unlock()
	if h.panics {
		panic("handler exploded")
	}
	return h.err
}

func (h *recordHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

// newSession seeds the store with an active session and registers the
// peer under it.
func newSession(t *testing.T, r *broker.Registry, st store.Store, p broker.Peer, sessionID string) {
	t.Helper()
	if err := st.CreateSession(context.Background(), store.Session{
		ID:        sessionID,
		IsActive:  true,
		StartTime: time.Now(),
	}); err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	r.Add(p, sessionID, false)
}

func TestDispatchRoutesByType(t *testing.T) {
	t.Parallel()

	registry := broker.NewRegistry()
	st := store.NewMemStore()
	p := &fakePeer{id: "c1"}
	newSession(t, registry, st, p, "sess-1")

	trans := &recordHandler{msgType: protocol.TypeTranscription}
	ping := &recordHandler{msgType: protocol.TypePing}
	d := dispatch.New(discard(), registry, st)
	d.Register(trans, ping)

	d.Dispatch(context.Background(), p, []byte(`{"type":"transcription","text":"hi"}`))
	d.Dispatch(context.Background(), p, []byte(`{"type":"ping"}`))

	if got := trans.callCount(); got != 1 {
		t.Errorf("transcription handler calls = %d, want 1", got)
	}
	if got := ping.callCount(); got != 1 {
		t.Errorf("ping handler calls = %d, want 1", got)
	}
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	t.Parallel()

	registry := broker.NewRegistry()
	st := store.NewMemStore()
	p := &fakePeer{id: "c1"}
	newSession(t, registry, st, p, "sess-1")

	h := &recordHandler{msgType: protocol.TypeTranscription}
	d := dispatch.New(discard(), registry, st)
	d.Register(h)

	for _, raw := range [][]byte{
		[]byte(`not json`),
		[]byte(`{"no":"type"}`),
		[]byte(`[]`),
		[]byte(``),
	} {
		d.Dispatch(context.Background(), p, raw)
	}

	if got := h.callCount(); got != 0 {
		t.Errorf("handler calls = %d, want 0", got)
	}
	if calls := p.closeCalls(); len(calls) != 0 {
		t.Errorf("close calls = %v, want none", calls)
	}
	if msgs := p.sentMessages(); len(msgs) != 0 {
		t.Errorf("sent messages = %v, want none", msgs)
	}
}

func TestUnknownTypeIgnored(t *testing.T) {
	t.Parallel()

	registry := broker.NewRegistry()
	st := store.NewMemStore()
	p := &fakePeer{id: "c1"}
	newSession(t, registry, st, p, "sess-1")

	d := dispatch.New(discard(), registry, st)
	d.Dispatch(context.Background(), p, []byte(`{"type":"time_travel"}`))

	if calls := p.closeCalls(); len(calls) != 0 {
		t.Errorf("close calls = %v, want none", calls)
	}
}

func TestUnknownTypeStillValidatesSession(t *testing.T) {
	t.Parallel()

	registry := broker.NewRegistry()
	st := store.NewMemStore()
	p := &fakePeer{id: "c1"}
	registry.Add(p, "sess-gone", false)

	d := dispatch.New(discard(), registry, st)
	d.Dispatch(context.Background(), p, []byte(`{"type":"time_travel"}`))

	// The session check runs before the handler lookup, so even junk
	// types evict a dead session.
	if calls := p.closeCalls(); len(calls) != 1 {
		t.Errorf("close calls = %d, want 1", len(calls))
	}
}

func TestExpiredSessionGetsNoticeAndClose(t *testing.T) {
	t.Parallel()

	registry := broker.NewRegistry()
	st := store.NewMemStore()
	p := &fakePeer{id: "c1"}
	// Registered under a session the store has never seen.
	registry.Add(p, "sess-gone", false)

	h := &recordHandler{msgType: protocol.TypeTranscription}
	d := dispatch.New(discard(), registry, st, dispatch.WithExpiredCloseDelay(250*time.Millisecond))
	d.Register(h)

	d.Dispatch(context.Background(), p, []byte(`{"type":"transcription","text":"hi"}`))

	if got := h.callCount(); got != 0 {
		t.Errorf("handler calls = %d, want 0 for an expired session", got)
	}

	msgs := p.sentMessages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1 session_expired", len(msgs))
	}
	exp, ok := msgs[0].(protocol.SessionExpiredMessage)
	if !ok {
		t.Fatalf("sent message is %T, want SessionExpiredMessage", msgs[0])
	}
	if exp.Code != protocol.CodeSessionExpired {
		t.Errorf("Code = %q, want %q", exp.Code, protocol.CodeSessionExpired)
	}

	calls := p.closeCalls()
	if len(calls) != 1 {
		t.Fatalf("close calls = %d, want 1", len(calls))
	}
	if calls[0].code != broker.ClosePolicyViolation {
		t.Errorf("close code = %d, want %d", calls[0].code, broker.ClosePolicyViolation)
	}
	if calls[0].delay != 250*time.Millisecond {
		t.Errorf("close delay = %v, want 250ms", calls[0].delay)
	}
}

func TestInactiveSessionExpires(t *testing.T) {
	t.Parallel()

	registry := broker.NewRegistry()
	st := store.NewMemStore()
	p := &fakePeer{id: "c1"}
	newSession(t, registry, st, p, "sess-1")
	if err := st.EndSession(context.Background(), "sess-1", store.QualityNoActivity, "reaped", time.Now()); err != nil {
		t.Fatalf("EndSession() error: %v", err)
	}

	h := &recordHandler{msgType: protocol.TypeTranscription}
	d := dispatch.New(discard(), registry, st)
	d.Register(h)

	d.Dispatch(context.Background(), p, []byte(`{"type":"transcription","text":"hi"}`))

	if got := h.callCount(); got != 0 {
		t.Errorf("handler calls = %d, want 0", got)
	}
	if calls := p.closeCalls(); len(calls) != 1 {
		t.Errorf("close calls = %d, want 1", len(calls))
	}
}

func TestHeartbeatExemptFromSessionCheck(t *testing.T) {
	t.Parallel()

	registry := broker.NewRegistry()
	st := store.NewMemStore()
	p := &fakePeer{id: "c1"}
	registry.Add(p, "sess-gone", false)

	ping := &recordHandler{msgType: protocol.TypePing}
	pong := &recordHandler{msgType: protocol.TypePong}
	reg := &recordHandler{msgType: protocol.TypeRegister}
	d := dispatch.New(discard(), registry, st)
	d.Register(ping, pong, reg)

	d.Dispatch(context.Background(), p, []byte(`{"type":"ping"}`))
	d.Dispatch(context.Background(), p, []byte(`{"type":"pong"}`))
	d.Dispatch(context.Background(), p, []byte(`{"type":"register","role":"teacher"}`))

	for _, h := range []*recordHandler{ping, pong, reg} {
		if got := h.callCount(); got != 1 {
			t.Errorf("%s handler calls = %d, want 1", h.msgType, got)
		}
	}
	if calls := p.closeCalls(); len(calls) != 0 {
		t.Errorf("close calls = %v, want none", calls)
	}
}

// flakyStore fails session lookups with a non-NotFound error.
type flakyStore struct {
	store.Store
}

func (s flakyStore) GetSession(context.Context, string) (store.Session, error) {
	return store.Session{}, errors.New("connection refused")
}

func TestStorageFaultFailsOpen(t *testing.T) {
	t.Parallel()

	registry := broker.NewRegistry()
	st := flakyStore{Store: store.NewMemStore()}
	p := &fakePeer{id: "c1"}
	registry.Add(p, "sess-1", false)

	h := &recordHandler{msgType: protocol.TypeTranscription}
	d := dispatch.New(discard(), registry, st)
	d.Register(h)

	d.Dispatch(context.Background(), p, []byte(`{"type":"transcription","text":"hi"}`))

	if got := h.callCount(); got != 1 {
		t.Errorf("handler calls = %d, want 1 (validation fails open)", got)
	}
	if calls := p.closeCalls(); len(calls) != 0 {
		t.Errorf("close calls = %v, want none", calls)
	}
}

func TestHandlerPanicContained(t *testing.T) {
	t.Parallel()

	registry := broker.NewRegistry()
	st := store.NewMemStore()
	p := &fakePeer{id: "c1"}
	newSession(t, registry, st, p, "sess-1")

	boom := &recordHandler{msgType: protocol.TypeTranscription, panics: true}
	next := &recordHandler{msgType: protocol.TypePing}
	d := dispatch.New(discard(), registry, st)
	d.Register(boom, next)

	d.Dispatch(context.Background(), p, []byte(`{"type":"transcription","text":"hi"}`))
	d.Dispatch(context.Background(), p, []byte(`{"type":"ping"}`))

	if got := next.callCount(); got != 1 {
		t.Errorf("later dispatch calls = %d, want 1 after a panic", got)
	}
	if calls := p.closeCalls(); len(calls) != 0 {
		t.Errorf("close calls = %v, want none", calls)
	}
}

func TestActivityPersistedAfterSuccess(t *testing.T) {
	t.Parallel()

	registry := broker.NewRegistry()
	st := store.NewMemStore()
	p := &fakePeer{id: "c1"}
	newSession(t, registry, st, p, "sess-1")

	h := &recordHandler{msgType: protocol.TypeTranscription}
	failing := &recordHandler{msgType: protocol.TypeSettings, err: errors.New("nope")}
	d := dispatch.New(discard(), registry, st)
	d.Register(h, failing)

	before, _ := st.GetSession(context.Background(), "sess-1")
	if !before.LastActivityAt.IsZero() {
		t.Fatalf("fresh session LastActivityAt = %v, want zero", before.LastActivityAt)
	}

	d.Dispatch(context.Background(), p, []byte(`{"type":"transcription","text":"hi"}`))
	after, _ := st.GetSession(context.Background(), "sess-1")
	if after.LastActivityAt.IsZero() {
		t.Error("LastActivityAt still zero after successful handling")
	}

	// A failing handler must not touch activity.
	marker := time.Now().Add(-time.Hour)
	if err := st.TouchActivity(context.Background(), "sess-1", marker); err != nil {
		t.Fatalf("TouchActivity() error: %v", err)
	}
	d.Dispatch(context.Background(), p, []byte(`{"type":"settings"}`))
	got, _ := st.GetSession(context.Background(), "sess-1")
	if !got.LastActivityAt.Equal(marker) {
		t.Errorf("LastActivityAt = %v, want untouched %v after handler error", got.LastActivityAt, marker)
	}
}

func TestAudioActivityThrottled(t *testing.T) {
	t.Parallel()

	registry := broker.NewRegistry()
	st := store.NewMemStore()
	p := &fakePeer{id: "c1"}
	newSession(t, registry, st, p, "sess-1")

	h := &recordHandler{msgType: protocol.TypeAudio}
	d := dispatch.New(discard(), registry, st, dispatch.WithActivityGap(time.Hour))
	d.Register(h)

	d.Dispatch(context.Background(), p, []byte(`{"type":"audio","data":"aGk="}`))
	first, _ := st.GetSession(context.Background(), "sess-1")
	if first.LastActivityAt.IsZero() {
		t.Fatal("first audio frame did not persist activity")
	}

	marker := time.Now().Add(-time.Hour)
	if err := st.TouchActivity(context.Background(), "sess-1", marker); err != nil {
		t.Fatalf("TouchActivity() error: %v", err)
	}
	d.Dispatch(context.Background(), p, []byte(`{"type":"audio","data":"aGk="}`))
	second, _ := st.GetSession(context.Background(), "sess-1")
	if !second.LastActivityAt.Equal(marker) {
		t.Errorf("second audio frame persisted activity %v within the gap, want %v", second.LastActivityAt, marker)
	}

	if got := h.callCount(); got != 2 {
		t.Errorf("handler calls = %d, want 2 (throttle gates the write, not the handler)", got)
	}
}

func TestRegisterSkipsActivityWrite(t *testing.T) {
	t.Parallel()

	registry := broker.NewRegistry()
	st := store.NewMemStore()
	p := &fakePeer{id: "c1"}
	newSession(t, registry, st, p, "sess-1")

	h := &recordHandler{msgType: protocol.TypeRegister}
	d := dispatch.New(discard(), registry, st)
	d.Register(h)

	d.Dispatch(context.Background(), p, []byte(`{"type":"register","role":"teacher"}`))
	got, _ := st.GetSession(context.Background(), "sess-1")
	if !got.LastActivityAt.IsZero() {
		t.Errorf("LastActivityAt = %v, want zero (register owns its own writes)", got.LastActivityAt)
	}
}
