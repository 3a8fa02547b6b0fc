// Package sqlite implements [store.Store] on a single SQLite file for
// deployments without a database server. Times are stored as Unix
// milliseconds with 0 standing in for the zero time, so range queries
// compare integers rather than text timestamps.
//
// The connection string forces WAL mode and a 5s busy timeout; counter
// updates are single UPDATE ... RETURNING statements, so concurrent
// connections serialize on the driver rather than in Go.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/aulavoz/aulavoz/internal/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id                 TEXT    PRIMARY KEY,
    class_code         TEXT    NOT NULL DEFAULT '',
    teacher_id         TEXT    NOT NULL DEFAULT '',
    teacher_language   TEXT    NOT NULL DEFAULT '',
    student_language   TEXT    NOT NULL DEFAULT '',
    students_count     INTEGER NOT NULL DEFAULT 0,
    total_translations INTEGER NOT NULL DEFAULT 0,
    transcript_count   INTEGER NOT NULL DEFAULT 0,
    start_ms           INTEGER NOT NULL DEFAULT 0,
    end_ms             INTEGER NOT NULL DEFAULT 0,
    last_activity_ms   INTEGER NOT NULL DEFAULT 0,
    is_active          INTEGER NOT NULL DEFAULT 1,
    quality            TEXT    NOT NULL DEFAULT 'unknown',
    quality_reason     TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sessions_teacher_id ON sessions (teacher_id);
CREATE INDEX IF NOT EXISTS idx_sessions_is_active ON sessions (is_active, last_activity_ms);
CREATE INDEX IF NOT EXISTS idx_sessions_start_ms ON sessions (start_ms);

CREATE TABLE IF NOT EXISTS translations (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id      TEXT    NOT NULL,
    original_text   TEXT    NOT NULL,
    translated_text TEXT    NOT NULL,
    source_language TEXT    NOT NULL DEFAULT '',
    target_language TEXT    NOT NULL DEFAULT '',
    tts_service     TEXT    NOT NULL DEFAULT '',
    audio_format    TEXT    NOT NULL DEFAULT '',
    latency_ms      INTEGER NOT NULL DEFAULT 0,
    created_ms      INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_translations_session_id ON translations (session_id);
`

// sessionColumns is the SELECT list matching [scanSession].
const sessionColumns = `id, class_code, teacher_id, teacher_language, student_language,
       students_count, total_translations, transcript_count,
       start_ms, end_ms, last_activity_ms, is_active, quality, quality_reason`

// Store is a SQLite-backed [store.Store]. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database file at path, applies the WAL and
// busy-timeout pragmas and ensures the schema exists.
func New(ctx context.Context, path string) (*Store, error) {
	dsn := "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// CreateSession implements [store.Store.CreateSession].
func (s *Store) CreateSession(ctx context.Context, sess store.Session) error {
	if sess.Quality == "" {
		sess.Quality = store.QualityUnknown
	}
	const q = `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

	_, err := s.db.ExecContext(ctx, q,
		sess.ID, sess.ClassCode, sess.TeacherID, sess.TeacherLanguage, sess.StudentLanguage,
		sess.StudentsCount, sess.TotalTranslations, sess.TranscriptCount,
		toMS(sess.StartTime), toMS(sess.EndTime), toMS(sess.LastActivityAt),
		sess.IsActive, string(sess.Quality), sess.QualityReason,
	)
	if isDuplicate(err) {
		return store.ErrDuplicateID
	}
	if err != nil {
		return fmt.Errorf("sqlite: create session: %w", err)
	}
	return nil
}

// GetSession implements [store.Store.GetSession].
func (s *Store) GetSession(ctx context.Context, id string) (store.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`
	sess, err := scanSession(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Session{}, store.ErrNotFound
	}
	if err != nil {
		return store.Session{}, fmt.Errorf("sqlite: get session: %w", err)
	}
	return sess, nil
}

// TouchActivity implements [store.Store.TouchActivity].
func (s *Store) TouchActivity(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE sessions SET last_activity_ms = ? WHERE id = ?`
	return s.exec(ctx, "touch activity", q, toMS(at), id)
}

// StudentJoined implements [store.Store.StudentJoined]. The first student
// restamps the start time so the session age counts from real use.
func (s *Store) StudentJoined(ctx context.Context, id, language, classCode string, at time.Time) (int, error) {
	const q = `
		UPDATE sessions SET
		    start_ms         = CASE WHEN students_count = 0 THEN ?1 ELSE start_ms END,
		    students_count   = students_count + 1,
		    student_language = ?2,
		    class_code       = CASE WHEN ?3 <> '' THEN ?3 ELSE class_code END,
		    last_activity_ms = ?1
		WHERE id = ?4
		RETURNING students_count`

	var count int
	err := s.db.QueryRowContext(ctx, q, toMS(at), language, classCode, id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: student joined: %w", err)
	}
	return count, nil
}

// StudentLeft implements [store.Store.StudentLeft].
func (s *Store) StudentLeft(ctx context.Context, id string, at time.Time, graceNote string) (int, error) {
	const q = `
		UPDATE sessions SET
		    students_count   = MAX(students_count - 1, 0),
		    last_activity_ms = ?1,
		    quality_reason   = CASE WHEN MAX(students_count - 1, 0) = 0 AND ?2 <> ''
		                            THEN ?2 ELSE quality_reason END
		WHERE id = ?3
		RETURNING students_count`

	var count int
	err := s.db.QueryRowContext(ctx, q, toMS(at), graceNote, id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: student left: %w", err)
	}
	return count, nil
}

// SetStudentLanguage implements [store.Store.SetStudentLanguage].
func (s *Store) SetStudentLanguage(ctx context.Context, id, language string) error {
	const q = `UPDATE sessions SET student_language = ? WHERE id = ?`
	return s.exec(ctx, "set student language", q, language, id)
}

// UpdateClassCode implements [store.Store.UpdateClassCode].
func (s *Store) UpdateClassCode(ctx context.Context, id, code string) error {
	const q = `UPDATE sessions SET class_code = ? WHERE id = ?`
	return s.exec(ctx, "update class code", q, code, id)
}

// SetQualityReason implements [store.Store.SetQualityReason].
func (s *Store) SetQualityReason(ctx context.Context, id, reason string) error {
	const q = `UPDATE sessions SET quality_reason = ? WHERE id = ?`
	return s.exec(ctx, "set quality reason", q, reason, id)
}

// IncrementTranslations implements [store.Store.IncrementTranslations].
func (s *Store) IncrementTranslations(ctx context.Context, id string, n int) error {
	const q = `UPDATE sessions SET total_translations = total_translations + ? WHERE id = ?`
	return s.exec(ctx, "increment translations", q, n, id)
}

// IncrementTranscripts implements [store.Store.IncrementTranscripts].
func (s *Store) IncrementTranscripts(ctx context.Context, id string) error {
	const q = `UPDATE sessions SET transcript_count = transcript_count + 1 WHERE id = ?`
	return s.exec(ctx, "increment transcripts", q, id)
}

// EndSession implements [store.Store.EndSession]. The is_active guard
// keeps the transition single-shot.
func (s *Store) EndSession(ctx context.Context, id string, quality store.Quality, reason string, at time.Time) error {
	const q = `
		UPDATE sessions SET
		    is_active      = 0,
		    end_ms         = ?,
		    quality        = ?,
		    quality_reason = ?
		WHERE id = ? AND is_active = 1`

	res, err := s.db.ExecContext(ctx, q, toMS(at), string(quality), reason, id)
	if err != nil {
		return fmt.Errorf("sqlite: end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	// Zero rows is either an unknown id or an already-ended session; only
	// the former is an error.
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("sqlite: end session: %w", err)
	}
	return nil
}

// ReactivateSession implements [store.Store.ReactivateSession].
func (s *Store) ReactivateSession(ctx context.Context, id string, at time.Time) error {
	const q = `
		UPDATE sessions SET
		    is_active        = 1,
		    end_ms           = 0,
		    quality          = 'unknown',
		    last_activity_ms = ?
		WHERE id = ?`
	return s.exec(ctx, "reactivate session", q, toMS(at), id)
}

// FindActiveByTeacherID implements [store.Store.FindActiveByTeacherID].
func (s *Store) FindActiveByTeacherID(ctx context.Context, teacherID string) (store.Session, error) {
	if teacherID == "" {
		return store.Session{}, store.ErrNotFound
	}
	return s.findOne(ctx, `is_active = 1 AND teacher_id = ?`, teacherID)
}

// FindActiveByTeacherLanguage implements [store.Store.FindActiveByTeacherLanguage].
func (s *Store) FindActiveByTeacherLanguage(ctx context.Context, language string) (store.Session, error) {
	if language == "" {
		return store.Session{}, store.ErrNotFound
	}
	return s.findOne(ctx, `is_active = 1 AND teacher_language = ?`, language)
}

// FindRecentInactiveByTeacherID implements [store.Store.FindRecentInactiveByTeacherID].
func (s *Store) FindRecentInactiveByTeacherID(ctx context.Context, teacherID string, since time.Time) (store.Session, error) {
	if teacherID == "" {
		return store.Session{}, store.ErrNotFound
	}
	return s.findOne(ctx, `is_active = 0 AND teacher_id = ? AND last_activity_ms >= ?`, teacherID, toMS(since))
}

// SelectEmptyTeacherSessions implements [store.Store.SelectEmptyTeacherSessions].
func (s *Store) SelectEmptyTeacherSessions(ctx context.Context, cutoff time.Time) ([]store.Session, error) {
	return s.selectWhere(ctx,
		`is_active = 1 AND students_count = 0 AND quality_reason = '' AND start_ms < ?`, toMS(cutoff))
}

// SelectAbandonedSessions implements [store.Store.SelectAbandonedSessions].
func (s *Store) SelectAbandonedSessions(ctx context.Context, cutoff time.Time) ([]store.Session, error) {
	return s.selectWhere(ctx,
		`is_active = 1 AND students_count = 0 AND quality_reason <> ''
		 AND last_activity_ms <> 0 AND last_activity_ms < ?`, toMS(cutoff))
}

// SelectStaleSessions implements [store.Store.SelectStaleSessions].
func (s *Store) SelectStaleSessions(ctx context.Context, cutoff time.Time) ([]store.Session, error) {
	return s.selectWhere(ctx,
		`is_active = 1 AND (CASE WHEN last_activity_ms = 0 THEN start_ms ELSE last_activity_ms END) < ?`,
		toMS(cutoff))
}

// RecentSessions implements [store.Store.RecentSessions].
func (s *Store) RecentSessions(ctx context.Context, since time.Time) ([]store.Session, error) {
	return s.selectWhere(ctx, `start_ms >= ?`, toMS(since))
}

// AppendTranslation implements [store.Store.AppendTranslation].
func (s *Store) AppendTranslation(ctx context.Context, rec store.TranslationRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	const q = `
		INSERT INTO translations
		    (session_id, original_text, translated_text, source_language, target_language,
		     tts_service, audio_format, latency_ms, created_ms)
		VALUES (?,?,?,?,?,?,?,?,?)`

	_, err := s.db.ExecContext(ctx, q,
		rec.SessionID, rec.OriginalText, rec.TranslatedText, rec.SourceLanguage, rec.TargetLanguage,
		rec.TTSService, rec.AudioFormat, rec.LatencyMS, toMS(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: append translation: %w", err)
	}
	return nil
}

// Ping implements [store.Store.Ping].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: ping: %w", err)
	}
	return nil
}

// Close implements [store.Store.Close].
func (s *Store) Close() error {
	return s.db.Close()
}

// exec runs an UPDATE that must match exactly one row.
func (s *Store) exec(ctx context.Context, action, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlite: %s: %w", action, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// findOne returns the most recently started session matching where.
func (s *Store) findOne(ctx context.Context, where string, args ...any) (store.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE ` + where + ` ORDER BY start_ms DESC LIMIT 1`
	sess, err := scanSession(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Session{}, store.ErrNotFound
	}
	if err != nil {
		return store.Session{}, fmt.Errorf("sqlite: find session: %w", err)
	}
	return sess, nil
}

// selectWhere returns all sessions matching where, newest first.
func (s *Store) selectWhere(ctx context.Context, where string, args ...any) ([]store.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE ` + where + ` ORDER BY start_ms DESC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: select sessions: %w", err)
	}
	defer rows.Close()

	var sessions []store.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: select sessions: %w", err)
	}
	return sessions, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanSession maps one row in [sessionColumns] order.
func scanSession(row rowScanner) (store.Session, error) {
	var (
		sess                   store.Session
		quality                string
		startMS, endMS, lastMS int64
	)
	err := row.Scan(
		&sess.ID, &sess.ClassCode, &sess.TeacherID, &sess.TeacherLanguage, &sess.StudentLanguage,
		&sess.StudentsCount, &sess.TotalTranslations, &sess.TranscriptCount,
		&startMS, &endMS, &lastMS, &sess.IsActive, &quality, &sess.QualityReason,
	)
	if err != nil {
		return store.Session{}, err
	}
	sess.Quality = store.Quality(quality)
	sess.StartTime = fromMS(startMS)
	sess.EndTime = fromMS(endMS)
	sess.LastActivityAt = fromMS(lastMS)
	return sess, nil
}

// toMS maps the zero time to 0, everything else to Unix milliseconds.
func toMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// fromMS is the inverse of [toMS].
func fromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// isDuplicate reports whether err is a primary-key or unique-constraint
// violation.
func isDuplicate(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
