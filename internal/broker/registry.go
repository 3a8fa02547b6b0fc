package broker

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aulavoz/aulavoz/internal/protocol"
)

// ErrRoleLocked is returned by [Registry.SetRole] when a connection that
// already registered as teacher or student tries to switch roles.
var ErrRoleLocked = errors.New("broker: role is locked for this connection")

// Attributes is the per-connection state tracked by the [Registry].
// Reads hand out copies; the registry owns the only mutable instance.
type Attributes struct {
	SessionID           string
	Role                protocol.Role
	Language            string
	Name                string
	TeacherID           string
	ClassroomCode       string
	Settings            protocol.ClientSettings
	TwoWay              bool
	Alive               bool
	StudentCounted      bool
	LastActivity        time.Time
	LastInterim         time.Time
	LastActivityPersist time.Time
}

// clone deep-copies the settings map so snapshot holders never share
// mutable state with the registry.
func (a Attributes) clone() Attributes {
	if a.Settings != nil {
		a.Settings = a.Settings.Clone()
	}
	return a
}

// Member pairs a peer with a copy of its attributes, as returned by the
// registry's snapshot queries.
type Member struct {
	Peer  Peer
	Attrs Attributes
}

type entry struct {
	peer    Peer
	attrs   Attributes
	limiter *rate.Limiter
	seq     uint64
}

// RegistryOption configures a [Registry].
type RegistryOption func(*Registry)

// WithRequestLimit sets the per-connection student-request budget:
// burst requests refilling evenly over window.
func WithRequestLimit(burst int, window time.Duration) RegistryOption {
	return func(r *Registry) {
		r.requestBurst = burst
		r.requestWindow = window
	}
}

// Registry tracks every live connection and its attributes. One mutex
// serializes all mutation; every critical section is O(1) or a plain map
// scan with no I/O, so the lock is never held across external calls.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry // keyed by Peer.ID()
	nextSeq uint64

	requestBurst  int
	requestWindow time.Duration
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries:       make(map[string]*entry),
		requestBurst:  3,
		requestWindow: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers a freshly accepted connection under its session id.
// Connections start alive with no role.
func (r *Registry) Add(p Peer, sessionID string, twoWay bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSeq++
	interval := r.requestWindow / time.Duration(r.requestBurst)
	r.entries[p.ID()] = &entry{
		peer: p,
		attrs: Attributes{
			SessionID:    sessionID,
			TwoWay:       twoWay,
			Alive:        true,
			LastActivity: time.Now(),
		},
		limiter: rate.NewLimiter(rate.Every(interval), r.requestBurst),
		seq:     r.nextSeq,
	}
}

// Remove drops the connection and returns its final attributes so the
// caller can run disconnect bookkeeping. The bool is false when the
// connection was never added or already removed.
func (r *Registry) Remove(p Peer) (Attributes, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[p.ID()]
	if !ok {
		return Attributes{}, false
	}
	delete(r.entries, p.ID())
	return e.attrs, true
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns a copy of the connection's attributes.
func (r *Registry) Snapshot(p Peer) (Attributes, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[p.ID()]
	if !ok {
		return Attributes{}, false
	}
	return e.attrs.clone(), true
}

// SessionOf returns the connection's current session id.
func (r *Registry) SessionOf(p Peer) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[p.ID()]
	if !ok {
		return "", false
	}
	return e.attrs.SessionID, true
}

// SetRole sets the connection's role. The first non-empty role wins for
// the lifetime of the connection; repeating the same role is fine,
// switching returns [ErrRoleLocked]. Unknown connections report
// ok=false with a nil error.
func (r *Registry) SetRole(p Peer, role protocol.Role) (ok bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, found := r.entries[p.ID()]
	if !found {
		return false, nil
	}
	if e.attrs.Role != protocol.RoleUnset && e.attrs.Role != role {
		return false, ErrRoleLocked
	}
	e.attrs.Role = role
	return true, nil
}

// SetLanguage records the connection's language tag.
func (r *Registry) SetLanguage(p Peer, language string) bool {
	return r.mutate(p, func(a *Attributes) { a.Language = language })
}

// SetName records the student's display name.
func (r *Registry) SetName(p Peer, name string) bool {
	return r.mutate(p, func(a *Attributes) { a.Name = name })
}

// SetTeacherID records the teacher's stable reconnect id.
func (r *Registry) SetTeacherID(p Peer, id string) bool {
	return r.mutate(p, func(a *Attributes) { a.TeacherID = id })
}

// SetClassroomCode records the code this connection joined through or
// currently owns.
func (r *Registry) SetClassroomCode(p Peer, code string) bool {
	return r.mutate(p, func(a *Attributes) { a.ClassroomCode = code })
}

// MergeSettings lays the given settings over the stored ones and returns
// the merged copy.
func (r *Registry) MergeSettings(p Peer, s protocol.ClientSettings) (protocol.ClientSettings, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[p.ID()]
	if !ok {
		return nil, false
	}
	e.attrs.Settings = e.attrs.Settings.Merge(s)
	return e.attrs.Settings.Clone(), true
}

// SetAlive flips the heartbeat liveness flag.
func (r *Registry) SetAlive(p Peer, alive bool) bool {
	return r.mutate(p, func(a *Attributes) { a.Alive = alive })
}

// MarkStudentCounted sets the student-counted flag and reports whether
// this call was the first to do so. The flag makes the session's
// studentsCount increment idempotent per connection.
func (r *Registry) MarkStudentCounted(p Peer) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[p.ID()]
	if !ok {
		return false
	}
	if e.attrs.StudentCounted {
		return false
	}
	e.attrs.StudentCounted = true
	return true
}

// UpdateSessionID migrates the connection onto another session, leaving
// every other attribute untouched. Used by the teacher-reconnect and
// student-join handshakes.
func (r *Registry) UpdateSessionID(p Peer, sessionID string) bool {
	return r.mutate(p, func(a *Attributes) { a.SessionID = sessionID })
}

// TouchActivity stamps the in-memory last-activity time.
func (r *Registry) TouchActivity(p Peer, at time.Time) bool {
	return r.mutate(p, func(a *Attributes) { a.LastActivity = at })
}

// InterimAllowed reports whether an interim transcription may run now,
// enforcing the per-connection minimum gap. On acceptance the interim
// timestamp advances, so the check is a single test-and-set.
func (r *Registry) InterimAllowed(p Peer, now time.Time, minGap time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[p.ID()]
	if !ok {
		return false
	}
	if !e.attrs.LastInterim.IsZero() && now.Sub(e.attrs.LastInterim) < minGap {
		return false
	}
	e.attrs.LastInterim = now
	return true
}

// ActivityPersistDue reports whether an audio-driven activity write may
// hit the store now; accepted calls advance the per-connection persist
// timestamp. Keeps audio frames from amplifying into database writes.
func (r *Registry) ActivityPersistDue(p Peer, now time.Time, minGap time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[p.ID()]
	if !ok {
		return false
	}
	if !e.attrs.LastActivityPersist.IsZero() && now.Sub(e.attrs.LastActivityPersist) < minGap {
		return false
	}
	e.attrs.LastActivityPersist = now
	return true
}

// AllowStudentRequest consumes one token from the connection's request
// limiter. Unknown connections are always denied.
func (r *Registry) AllowStudentRequest(p Peer) bool {
	r.mu.RLock()
	e, ok := r.entries[p.ID()]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return e.limiter.Allow()
}

// StudentsForSession returns the session's student connections in join
// order plus the distinct set of their languages (first-seen order,
// blanks skipped).
func (r *Registry) StudentsForSession(sessionID string) ([]Member, []string) {
	members := r.membersWhere(func(a Attributes) bool {
		return a.SessionID == sessionID && a.Role == protocol.RoleStudent
	})

	var languages []string
	seen := make(map[string]bool)
	for _, m := range members {
		lang := m.Attrs.Language
		if lang == "" || seen[lang] {
			continue
		}
		seen[lang] = true
		languages = append(languages, lang)
	}
	return members, languages
}

// TeachersForSession returns the session's teacher connections in join
// order.
func (r *Registry) TeachersForSession(sessionID string) []Member {
	return r.membersWhere(func(a Attributes) bool {
		return a.SessionID == sessionID && a.Role == protocol.RoleTeacher
	})
}

// TeacherCount counts teacher connections in the session.
func (r *Registry) TeacherCount(sessionID string) int {
	return len(r.TeachersForSession(sessionID))
}

// StudentCount counts student connections in the session.
func (r *Registry) StudentCount(sessionID string) int {
	members, _ := r.StudentsForSession(sessionID)
	return len(members)
}

// All returns a snapshot of every live connection, in join order.
func (r *Registry) All() []Member {
	return r.membersWhere(func(Attributes) bool { return true })
}

func (r *Registry) membersWhere(keep func(Attributes) bool) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	selected := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if keep(e.attrs) {
			selected = append(selected, e)
		}
	}
	// Join order, not map order.
	for i := 1; i < len(selected); i++ {
		for j := i; j > 0 && selected[j].seq < selected[j-1].seq; j-- {
			selected[j], selected[j-1] = selected[j-1], selected[j]
		}
	}

	out := make([]Member, len(selected))
	for i, e := range selected {
		out[i] = Member{Peer: e.peer, Attrs: e.attrs.clone()}
	}
	return out
}

func (r *Registry) mutate(p Peer, fn func(*Attributes)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[p.ID()]
	if !ok {
		return false
	}
	fn(&e.attrs)
	return true
}
