package broker

import (
	"crypto/rand"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"
)

// codeAlphabet is the character set classroom codes are drawn from.
const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength   = 6

	// maxGenerateAttempts bounds duplicate-rejection retries while the
	// directory lock is held.
	maxGenerateAttempts = 8
)

// CodePattern matches every code the directory can issue.
var CodePattern = regexp.MustCompile(`^[A-Z0-9]{6}$`)

// ErrCodeExhaustion is returned when code generation keeps colliding
// with live codes. With a 36^6 space this only happens under test
// sabotage or a directory leak.
var ErrCodeExhaustion = errors.New("broker: classroom code space exhausted")

// ClassroomCode is one live code mapping.
type ClassroomCode struct {
	Code      string
	SessionID string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Directory issues and resolves classroom codes. Codes map 1:1 to active
// sessions: installing a new code for a session retires its previous
// one, and installing a code that exists for another session steals it
// (the persisted code wins on conflict).
type Directory struct {
	mu        sync.Mutex
	codes     map[string]ClassroomCode // code → mapping
	bySession map[string]string        // session id → code
	ttl       time.Duration
	now       func() time.Time
}

// DirectoryOption configures a [Directory].
type DirectoryOption func(*Directory)

// WithCodeTTL sets how long issued codes stay valid.
func WithCodeTTL(ttl time.Duration) DirectoryOption {
	return func(d *Directory) { d.ttl = ttl }
}

// WithDirectoryClock replaces the time source. Test hook.
func WithDirectoryClock(now func() time.Time) DirectoryOption {
	return func(d *Directory) { d.now = now }
}

// NewDirectory returns an empty directory with a 2 hour default TTL.
func NewDirectory(opts ...DirectoryOption) *Directory {
	d := &Directory{
		codes:     make(map[string]ClassroomCode),
		bySession: make(map[string]string),
		ttl:       2 * time.Hour,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Generate issues a fresh code for the session, retiring any previous
// code it held. Collisions with live codes are rejected and retried at
// most maxGenerateAttempts times before [ErrCodeExhaustion].
func (d *Directory) Generate(sessionID string) (ClassroomCode, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		code, err := randomCode()
		if err != nil {
			return ClassroomCode{}, fmt.Errorf("broker: generate code: %w", err)
		}
		if _, taken := d.codes[code]; taken {
			continue
		}
		return d.installLocked(code, sessionID), nil
	}
	return ClassroomCode{}, ErrCodeExhaustion
}

// Restore installs a code loaded from persistence. Repeated calls with
// the same pair are no-ops; a conflicting live mapping is overwritten
// because the persisted code is authoritative.
func (d *Directory) Restore(code, sessionID string) ClassroomCode {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.codes[code]; ok && existing.SessionID == sessionID {
		return existing
	}
	return d.installLocked(code, sessionID)
}

// installLocked wires code→sessionID both ways, dropping whatever either
// endpoint was previously attached to. Caller holds the lock.
func (d *Directory) installLocked(code, sessionID string) ClassroomCode {
	if old, ok := d.bySession[sessionID]; ok {
		delete(d.codes, old)
	}
	if existing, ok := d.codes[code]; ok {
		delete(d.bySession, existing.SessionID)
	}

	now := d.now()
	cc := ClassroomCode{
		Code:      code,
		SessionID: sessionID,
		CreatedAt: now,
		ExpiresAt: now.Add(d.ttl),
	}
	d.codes[code] = cc
	d.bySession[sessionID] = code
	return cc
}

// IsValid reports whether the code is live and unexpired.
func (d *Directory) IsValid(code string) bool {
	_, ok := d.lookup(code)
	return ok
}

// SessionFor resolves a code to its session id.
func (d *Directory) SessionFor(code string) (string, bool) {
	cc, ok := d.lookup(code)
	if !ok {
		return "", false
	}
	return cc.SessionID, true
}

// BySession returns the session's live code, if any.
func (d *Directory) BySession(sessionID string) (ClassroomCode, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	code, ok := d.bySession[sessionID]
	if !ok {
		return ClassroomCode{}, false
	}
	cc := d.codes[code]
	if d.now().After(cc.ExpiresAt) {
		d.removeLocked(cc)
		return ClassroomCode{}, false
	}
	return cc, true
}

// ClearSession retires the session's code, if it has one.
func (d *Directory) ClearSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if code, ok := d.bySession[sessionID]; ok {
		d.removeLocked(d.codes[code])
	}
}

// Sweep removes expired codes and returns how many were dropped. Runs
// from the supervisor's code-expiry loop.
func (d *Directory) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	removed := 0
	for _, cc := range d.codes {
		if now.After(cc.ExpiresAt) {
			d.removeLocked(cc)
			removed++
		}
	}
	return removed
}

// Len returns the number of live codes.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.codes)
}

// lookup resolves a code, lazily expiring it when its TTL has passed.
func (d *Directory) lookup(code string) (ClassroomCode, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cc, ok := d.codes[code]
	if !ok {
		return ClassroomCode{}, false
	}
	if d.now().After(cc.ExpiresAt) {
		d.removeLocked(cc)
		return ClassroomCode{}, false
	}
	return cc, true
}

func (d *Directory) removeLocked(cc ClassroomCode) {
	delete(d.codes, cc.Code)
	// Only unlink the session if it still points at this code.
	if d.bySession[cc.SessionID] == cc.Code {
		delete(d.bySession, cc.SessionID)
	}
}

// randomCode draws codeLength characters uniformly from codeAlphabet.
func randomCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, codeLength)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out), nil
}
