// Package store defines the durable session model behind the broker: the
// [Session] row, the [TranslationRecord] appended after successful
// deliveries, and the [Store] interface the rest of the application is
// written against.
//
// Three implementations exist: [MemStore] in this package (tests and
// single-process development), postgres.Store (production, pgx pool) and
// sqlite.Store (single-file deployments). Callers treat storage failures
// as log-only events; nothing in the message path blocks on the store.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all implementations.
var (
	// ErrNotFound is returned when no session matches the query.
	ErrNotFound = errors.New("store: session not found")

	// ErrDuplicateID is returned by CreateSession for an already-known id.
	ErrDuplicateID = errors.New("store: duplicate session id")
)

// Quality classifies a finished session.
type Quality string

const (
	QualityUnknown    Quality = "unknown"
	QualityReal       Quality = "real"
	QualityNoStudents Quality = "no_students"
	QualityNoActivity Quality = "no_activity"
	QualityTooShort   Quality = "too_short"
)

// Session is one classroom session row.
//
// QualityReason doubles as the "has ever had students" marker while the
// session is active: the empty string means no student has joined and
// left yet; the disconnect path writes a non-empty grace note when the
// student count drops to zero, which moves the session from the
// empty-teacher reaper to the abandoned reaper.
type Session struct {
	ID                string
	ClassCode         string
	TeacherID         string
	TeacherLanguage   string
	StudentLanguage   string
	StudentsCount     int
	TotalTranslations int
	TranscriptCount   int
	StartTime         time.Time
	EndTime           time.Time // zero while the session is open
	LastActivityAt    time.Time // zero until the first activity touch
	IsActive          bool
	Quality           Quality
	QualityReason     string
}

// Duration returns the session length: EndTime−StartTime for ended
// sessions, now−StartTime for open ones.
func (s Session) Duration(now time.Time) time.Duration {
	if !s.EndTime.IsZero() {
		return s.EndTime.Sub(s.StartTime)
	}
	return now.Sub(s.StartTime)
}

// TranslationRecord is one delivered translation, appended only after the
// send to the student succeeded.
type TranslationRecord struct {
	SessionID      string
	OriginalText   string
	TranslatedText string
	SourceLanguage string
	TargetLanguage string
	TTSService     string
	AudioFormat    string
	LatencyMS      int64
	CreatedAt      time.Time
}

// Store is the durable session backend. All methods are safe for
// concurrent use. Lookup methods return [ErrNotFound] when nothing
// matches; mutating methods on unknown ids do the same so callers can
// decide whether absence matters.
type Store interface {
	// CreateSession inserts a new row. Returns [ErrDuplicateID] if the id
	// is already present.
	CreateSession(ctx context.Context, s Session) error

	// GetSession returns the row for id.
	GetSession(ctx context.Context, id string) (Session, error)

	// TouchActivity sets lastActivityAt.
	TouchActivity(ctx context.Context, id string, at time.Time) error

	// StudentJoined atomically increments the student count, records the
	// student's language, stores the classroom code when non-empty, and
	// stamps the start time if this is the first student. Returns the new
	// count.
	StudentJoined(ctx context.Context, id, language, classCode string, at time.Time) (int, error)

	// StudentLeft atomically decrements the student count (never below
	// zero) and touches activity. When the count reaches zero the grace
	// note is written to qualityReason, handing the session to the
	// abandoned reaper. Returns the new count.
	StudentLeft(ctx context.Context, id string, at time.Time, graceNote string) (int, error)

	// SetStudentLanguage records the most recent student language.
	SetStudentLanguage(ctx context.Context, id, language string) error

	// UpdateClassCode persists the authoritative classroom code.
	UpdateClassCode(ctx context.Context, id, code string) error

	// SetQualityReason overwrites the free-text reason on an open session.
	SetQualityReason(ctx context.Context, id, reason string) error

	// IncrementTranslations adds n to the delivered-translation counter.
	IncrementTranslations(ctx context.Context, id string, n int) error

	// IncrementTranscripts bumps the transcript counter by one.
	IncrementTranscripts(ctx context.Context, id string) error

	// EndSession flips isActive to false, stamps the end time and records
	// the quality verdict. Acting on an already-ended session is a no-op,
	// keeping the active→inactive transition single-shot.
	EndSession(ctx context.Context, id string, quality Quality, reason string, at time.Time) error

	// ReactivateSession reopens an ended session for a returning teacher:
	// isActive true, end time cleared, quality back to unknown, activity
	// touched.
	ReactivateSession(ctx context.Context, id string, at time.Time) error

	// FindActiveByTeacherID returns the most recently started active
	// session with this teacher id.
	FindActiveByTeacherID(ctx context.Context, teacherID string) (Session, error)

	// FindActiveByTeacherLanguage returns the most recently started active
	// session with this teacher language. Used as the reconnect fallback
	// when the teacher supplies no id.
	FindActiveByTeacherLanguage(ctx context.Context, language string) (Session, error)

	// FindRecentInactiveByTeacherID returns the most recently active ended
	// session for the teacher whose lastActivityAt is not before since.
	FindRecentInactiveByTeacherID(ctx context.Context, teacherID string, since time.Time) (Session, error)

	// SelectEmptyTeacherSessions returns active sessions that never had a
	// student (qualityReason empty), still have none, and started before
	// cutoff.
	SelectEmptyTeacherSessions(ctx context.Context, cutoff time.Time) ([]Session, error)

	// SelectAbandonedSessions returns active sessions whose students all
	// left (qualityReason non-empty, count zero) with no activity since
	// cutoff.
	SelectAbandonedSessions(ctx context.Context, cutoff time.Time) ([]Session, error)

	// SelectStaleSessions returns active sessions with no activity since
	// cutoff; sessions that never recorded activity fall back to their
	// start time.
	SelectStaleSessions(ctx context.Context, cutoff time.Time) ([]Session, error)

	// RecentSessions returns sessions started at or after since, newest
	// first, active or not.
	RecentSessions(ctx context.Context, since time.Time) ([]Session, error)

	// AppendTranslation records one delivered translation.
	AppendTranslation(ctx context.Context, rec TranslationRecord) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}
