package broker_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aulavoz/aulavoz/internal/broker"
	"github.com/aulavoz/aulavoz/internal/protocol"
)

// fakePeer is a minimal Peer for registry tests; it records nothing.
type fakePeer struct {
	id string
}

func (f *fakePeer) ID() string                                                   { return f.id }
func (f *fakePeer) Send(ctx context.Context, v any) error                        { return nil }
func (f *fakePeer) Ping(ctx context.Context) error                               { return nil }
func (f *fakePeer) CloseAfter(d time.Duration, c broker.CloseCode, reason string) {}
func (f *fakePeer) Terminate()                                                   {}

func peer(id string) *fakePeer { return &fakePeer{id: id} }

func TestAddSnapshotRemove(t *testing.T) {
	t.Parallel()

	r := broker.NewRegistry()
	p := peer("c1")
	r.Add(p, "sess-1", true)

	attrs, ok := r.Snapshot(p)
	if !ok {
		t.Fatal("Snapshot() after Add: not found")
	}
	if attrs.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want %q", attrs.SessionID, "sess-1")
	}
	if !attrs.TwoWay {
		t.Error("TwoWay = false, want true")
	}
	if !attrs.Alive {
		t.Error("Alive = false, want true on a fresh connection")
	}

	final, ok := r.Remove(p)
	if !ok {
		t.Fatal("Remove() reported unknown connection")
	}
	if final.SessionID != "sess-1" {
		t.Errorf("final SessionID = %q, want %q", final.SessionID, "sess-1")
	}
	if _, ok := r.Snapshot(p); ok {
		t.Error("Snapshot() after Remove still finds the connection")
	}
	if _, ok := r.Remove(p); ok {
		t.Error("second Remove() reported success")
	}
}

func TestUnknownConnectionIsNoOp(t *testing.T) {
	t.Parallel()

	r := broker.NewRegistry()
	ghost := peer("ghost")

	if ok := r.SetLanguage(ghost, "en-US"); ok {
		t.Error("SetLanguage(unknown) = true, want false")
	}
	if ok, err := r.SetRole(ghost, protocol.RoleTeacher); ok || err != nil {
		t.Errorf("SetRole(unknown) = (%v, %v), want (false, nil)", ok, err)
	}
	if _, ok := r.MergeSettings(ghost, protocol.ClientSettings{"a": 1}); ok {
		t.Error("MergeSettings(unknown) = true, want false")
	}
	if r.AllowStudentRequest(ghost) {
		t.Error("AllowStudentRequest(unknown) = true, want false")
	}
}

func TestRoleLock(t *testing.T) {
	t.Parallel()

	r := broker.NewRegistry()
	p := peer("c1")
	r.Add(p, "sess-1", false)

	if ok, err := r.SetRole(p, protocol.RoleStudent); !ok || err != nil {
		t.Fatalf("SetRole(student) = (%v, %v), want (true, nil)", ok, err)
	}
	// Same role again is allowed (re-register).
	if ok, err := r.SetRole(p, protocol.RoleStudent); !ok || err != nil {
		t.Errorf("SetRole(student) repeat = (%v, %v), want (true, nil)", ok, err)
	}
	// Switching is not.
	ok, err := r.SetRole(p, protocol.RoleTeacher)
	if ok {
		t.Error("SetRole(teacher) after student = true, want false")
	}
	if !errors.Is(err, broker.ErrRoleLocked) {
		t.Errorf("SetRole(teacher) error = %v, want ErrRoleLocked", err)
	}

	attrs, _ := r.Snapshot(p)
	if attrs.Role != protocol.RoleStudent {
		t.Errorf("Role = %q, want %q after failed switch", attrs.Role, protocol.RoleStudent)
	}
}

func TestStudentsForSessionOrderAndLanguages(t *testing.T) {
	t.Parallel()

	r := broker.NewRegistry()
	langs := []string{"es-ES", "fr-FR", "es-ES", ""}
	for i, lang := range langs {
		p := peer(fmt.Sprintf("s%d", i))
		r.Add(p, "sess-1", false)
		if _, err := r.SetRole(p, protocol.RoleStudent); err != nil {
			t.Fatalf("SetRole() error: %v", err)
		}
		r.SetLanguage(p, lang)
	}
	// A teacher and an out-of-session student must not appear.
	teach := peer("t1")
	r.Add(teach, "sess-1", false)
	if _, err := r.SetRole(teach, protocol.RoleTeacher); err != nil {
		t.Fatalf("SetRole() error: %v", err)
	}
	other := peer("other")
	r.Add(other, "sess-2", false)
	if _, err := r.SetRole(other, protocol.RoleStudent); err != nil {
		t.Fatalf("SetRole() error: %v", err)
	}

	members, languages := r.StudentsForSession("sess-1")
	if len(members) != 4 {
		t.Fatalf("StudentsForSession() len = %d, want 4", len(members))
	}
	for i, m := range members {
		want := fmt.Sprintf("s%d", i)
		if m.Peer.ID() != want {
			t.Errorf("members[%d] = %q, want join order %q", i, m.Peer.ID(), want)
		}
	}
	wantLangs := []string{"es-ES", "fr-FR"}
	if len(languages) != len(wantLangs) {
		t.Fatalf("languages = %v, want %v", languages, wantLangs)
	}
	for i := range wantLangs {
		if languages[i] != wantLangs[i] {
			t.Errorf("languages[%d] = %q, want %q", i, languages[i], wantLangs[i])
		}
	}

	if got := r.TeacherCount("sess-1"); got != 1 {
		t.Errorf("TeacherCount = %d, want 1", got)
	}
	if got := r.StudentCount("sess-1"); got != 4 {
		t.Errorf("StudentCount = %d, want 4", got)
	}
}

func TestMarkStudentCountedIdempotent(t *testing.T) {
	t.Parallel()

	r := broker.NewRegistry()
	p := peer("c1")
	r.Add(p, "sess-1", false)

	if !r.MarkStudentCounted(p) {
		t.Error("first MarkStudentCounted() = false, want true")
	}
	if r.MarkStudentCounted(p) {
		t.Error("second MarkStudentCounted() = true, want false")
	}
}

func TestUpdateSessionIDPreservesAttributes(t *testing.T) {
	t.Parallel()

	r := broker.NewRegistry()
	p := peer("c1")
	r.Add(p, "sess-old", false)
	if _, err := r.SetRole(p, protocol.RoleTeacher); err != nil {
		t.Fatalf("SetRole() error: %v", err)
	}
	r.SetLanguage(p, "en-US")
	if _, ok := r.MergeSettings(p, protocol.ClientSettings{"ttsServiceType": "elevenlabs"}); !ok {
		t.Fatal("MergeSettings() reported unknown connection")
	}

	if !r.UpdateSessionID(p, "sess-new") {
		t.Fatal("UpdateSessionID() reported unknown connection")
	}

	attrs, _ := r.Snapshot(p)
	if attrs.SessionID != "sess-new" {
		t.Errorf("SessionID = %q, want %q", attrs.SessionID, "sess-new")
	}
	if attrs.Role != protocol.RoleTeacher {
		t.Errorf("Role lost on migration: %q", attrs.Role)
	}
	if attrs.Language != "en-US" {
		t.Errorf("Language lost on migration: %q", attrs.Language)
	}
	if got := attrs.Settings.TTSServiceType(); got != "elevenlabs" {
		t.Errorf("Settings lost on migration: ttsServiceType = %q", got)
	}
}

func TestMergeSettingsLayering(t *testing.T) {
	t.Parallel()

	r := broker.NewRegistry()
	p := peer("c1")
	r.Add(p, "sess-1", false)

	if _, ok := r.MergeSettings(p, protocol.ClientSettings{"ttsServiceType": "openai", "keep": "yes"}); !ok {
		t.Fatal("MergeSettings() reported unknown connection")
	}
	merged, ok := r.MergeSettings(p, protocol.ClientSettings{"ttsServiceType": "auto"})
	if !ok {
		t.Fatal("MergeSettings() reported unknown connection")
	}
	if got := merged.TTSServiceType(); got != "auto" {
		t.Errorf("ttsServiceType = %q, want %q", got, "auto")
	}
	if merged["keep"] != "yes" {
		t.Errorf("keep = %v, want yes", merged["keep"])
	}
}

func TestInterimThrottle(t *testing.T) {
	t.Parallel()

	r := broker.NewRegistry()
	p := peer("c1")
	r.Add(p, "sess-1", false)

	now := time.Now()
	gap := 400 * time.Millisecond
	if !r.InterimAllowed(p, now, gap) {
		t.Error("first interim denied")
	}
	if r.InterimAllowed(p, now.Add(100*time.Millisecond), gap) {
		t.Error("interim allowed inside the gap")
	}
	if !r.InterimAllowed(p, now.Add(gap), gap) {
		t.Error("interim denied after the gap elapsed")
	}
}

func TestActivityPersistThrottle(t *testing.T) {
	t.Parallel()

	r := broker.NewRegistry()
	p := peer("c1")
	r.Add(p, "sess-1", false)

	now := time.Now()
	gap := 30 * time.Second
	if !r.ActivityPersistDue(p, now, gap) {
		t.Error("first persist denied")
	}
	if r.ActivityPersistDue(p, now.Add(10*time.Second), gap) {
		t.Error("persist allowed inside the 30s gap")
	}
	if !r.ActivityPersistDue(p, now.Add(31*time.Second), gap) {
		t.Error("persist denied after the gap elapsed")
	}
}

func TestStudentRequestLimiter(t *testing.T) {
	t.Parallel()

	r := broker.NewRegistry(broker.WithRequestLimit(3, 2*time.Second))
	p := peer("c1")
	r.Add(p, "sess-1", true)

	allowed := 0
	for i := 0; i < 5; i++ {
		if r.AllowStudentRequest(p) {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("burst allowed %d requests, want 3", allowed)
	}
}
