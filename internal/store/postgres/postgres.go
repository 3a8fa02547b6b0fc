// Package postgres implements [store.Store] on PostgreSQL through a pgx
// connection pool. Sessions live in one row each; delivered translations
// go to an append-only table. Counter updates run as single UPDATE
// statements so brokers sharing a database never race each other.
//
// [New] connects, pings and runs [Migrate], so a fresh database is ready
// without manual schema setup.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aulavoz/aulavoz/internal/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// sessionColumns is the SELECT list matching [scanSession].
const sessionColumns = `id, class_code, teacher_id, teacher_language, student_language,
       students_count, total_translations, transcript_count,
       start_time, end_time, last_activity_at, is_active, quality, quality_reason`

// Store is a PostgreSQL-backed [store.Store]. Safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database at dsn, verifies the connection and
// ensures the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// CreateSession implements [store.Store.CreateSession].
func (s *Store) CreateSession(ctx context.Context, sess store.Session) error {
	if sess.Quality == "" {
		sess.Quality = store.QualityUnknown
	}
	const q = `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

	_, err := s.pool.Exec(ctx, q,
		sess.ID, sess.ClassCode, sess.TeacherID, sess.TeacherLanguage, sess.StudentLanguage,
		sess.StudentsCount, sess.TotalTranslations, sess.TranscriptCount,
		sess.StartTime, nullTime(sess.EndTime), nullTime(sess.LastActivityAt),
		sess.IsActive, string(sess.Quality), sess.QualityReason,
	)
	if isUniqueViolation(err) {
		return store.ErrDuplicateID
	}
	if err != nil {
		return fmt.Errorf("postgres: create session: %w", err)
	}
	return nil
}

// GetSession implements [store.Store.GetSession].
func (s *Store) GetSession(ctx context.Context, id string) (store.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	sess, err := scanSession(s.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Session{}, store.ErrNotFound
	}
	if err != nil {
		return store.Session{}, fmt.Errorf("postgres: get session: %w", err)
	}
	return sess, nil
}

// TouchActivity implements [store.Store.TouchActivity].
func (s *Store) TouchActivity(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE sessions SET last_activity_at = $2 WHERE id = $1`
	return s.exec(ctx, "touch activity", q, id, at)
}

// StudentJoined implements [store.Store.StudentJoined]. The first student
// restamps the start time so the session age counts from real use.
func (s *Store) StudentJoined(ctx context.Context, id, language, classCode string, at time.Time) (int, error) {
	const q = `
		UPDATE sessions SET
		    start_time       = CASE WHEN students_count = 0 THEN $4 ELSE start_time END,
		    students_count   = students_count + 1,
		    student_language = $2,
		    class_code       = CASE WHEN $3 <> '' THEN $3 ELSE class_code END,
		    last_activity_at = $4
		WHERE id = $1
		RETURNING students_count`

	var count int
	err := s.pool.QueryRow(ctx, q, id, language, classCode, at).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: student joined: %w", err)
	}
	return count, nil
}

// StudentLeft implements [store.Store.StudentLeft].
func (s *Store) StudentLeft(ctx context.Context, id string, at time.Time, graceNote string) (int, error) {
	const q = `
		UPDATE sessions SET
		    students_count   = GREATEST(students_count - 1, 0),
		    last_activity_at = $2,
		    quality_reason   = CASE WHEN GREATEST(students_count - 1, 0) = 0 AND $3 <> ''
		                            THEN $3 ELSE quality_reason END
		WHERE id = $1
		RETURNING students_count`

	var count int
	err := s.pool.QueryRow(ctx, q, id, at, graceNote).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: student left: %w", err)
	}
	return count, nil
}

// SetStudentLanguage implements [store.Store.SetStudentLanguage].
func (s *Store) SetStudentLanguage(ctx context.Context, id, language string) error {
	const q = `UPDATE sessions SET student_language = $2 WHERE id = $1`
	return s.exec(ctx, "set student language", q, id, language)
}

// UpdateClassCode implements [store.Store.UpdateClassCode].
func (s *Store) UpdateClassCode(ctx context.Context, id, code string) error {
	const q = `UPDATE sessions SET class_code = $2 WHERE id = $1`
	return s.exec(ctx, "update class code", q, id, code)
}

// SetQualityReason implements [store.Store.SetQualityReason].
func (s *Store) SetQualityReason(ctx context.Context, id, reason string) error {
	const q = `UPDATE sessions SET quality_reason = $2 WHERE id = $1`
	return s.exec(ctx, "set quality reason", q, id, reason)
}

// IncrementTranslations implements [store.Store.IncrementTranslations].
func (s *Store) IncrementTranslations(ctx context.Context, id string, n int) error {
	const q = `UPDATE sessions SET total_translations = total_translations + $2 WHERE id = $1`
	return s.exec(ctx, "increment translations", q, id, n)
}

// IncrementTranscripts implements [store.Store.IncrementTranscripts].
func (s *Store) IncrementTranscripts(ctx context.Context, id string) error {
	const q = `UPDATE sessions SET transcript_count = transcript_count + 1 WHERE id = $1`
	return s.exec(ctx, "increment transcripts", q, id)
}

// EndSession implements [store.Store.EndSession]. The is_active guard
// keeps the transition single-shot under concurrent reapers.
func (s *Store) EndSession(ctx context.Context, id string, quality store.Quality, reason string, at time.Time) error {
	const q = `
		UPDATE sessions SET
		    is_active      = FALSE,
		    end_time       = $4,
		    quality        = $2,
		    quality_reason = $3
		WHERE id = $1 AND is_active`

	tag, err := s.pool.Exec(ctx, q, id, string(quality), reason, at)
	if err != nil {
		return fmt.Errorf("postgres: end session: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Zero rows is either an unknown id or an already-ended session; only
	// the former is an error.
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: end session: %w", err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return nil
}

// ReactivateSession implements [store.Store.ReactivateSession].
func (s *Store) ReactivateSession(ctx context.Context, id string, at time.Time) error {
	const q = `
		UPDATE sessions SET
		    is_active        = TRUE,
		    end_time         = NULL,
		    quality          = 'unknown',
		    last_activity_at = $2
		WHERE id = $1`
	return s.exec(ctx, "reactivate session", q, id, at)
}

// FindActiveByTeacherID implements [store.Store.FindActiveByTeacherID].
func (s *Store) FindActiveByTeacherID(ctx context.Context, teacherID string) (store.Session, error) {
	if teacherID == "" {
		return store.Session{}, store.ErrNotFound
	}
	return s.findOne(ctx, `is_active AND teacher_id = $1`, teacherID)
}

// FindActiveByTeacherLanguage implements [store.Store.FindActiveByTeacherLanguage].
func (s *Store) FindActiveByTeacherLanguage(ctx context.Context, language string) (store.Session, error) {
	if language == "" {
		return store.Session{}, store.ErrNotFound
	}
	return s.findOne(ctx, `is_active AND teacher_language = $1`, language)
}

// FindRecentInactiveByTeacherID implements [store.Store.FindRecentInactiveByTeacherID].
func (s *Store) FindRecentInactiveByTeacherID(ctx context.Context, teacherID string, since time.Time) (store.Session, error) {
	if teacherID == "" {
		return store.Session{}, store.ErrNotFound
	}
	return s.findOne(ctx, `NOT is_active AND teacher_id = $1 AND last_activity_at >= $2`, teacherID, since)
}

// SelectEmptyTeacherSessions implements [store.Store.SelectEmptyTeacherSessions].
func (s *Store) SelectEmptyTeacherSessions(ctx context.Context, cutoff time.Time) ([]store.Session, error) {
	return s.selectWhere(ctx,
		`is_active AND students_count = 0 AND quality_reason = '' AND start_time < $1`, cutoff)
}

// SelectAbandonedSessions implements [store.Store.SelectAbandonedSessions].
func (s *Store) SelectAbandonedSessions(ctx context.Context, cutoff time.Time) ([]store.Session, error) {
	return s.selectWhere(ctx,
		`is_active AND students_count = 0 AND quality_reason <> '' AND last_activity_at < $1`, cutoff)
}

// SelectStaleSessions implements [store.Store.SelectStaleSessions].
func (s *Store) SelectStaleSessions(ctx context.Context, cutoff time.Time) ([]store.Session, error) {
	return s.selectWhere(ctx,
		`is_active AND COALESCE(last_activity_at, start_time) < $1`, cutoff)
}

// RecentSessions implements [store.Store.RecentSessions].
func (s *Store) RecentSessions(ctx context.Context, since time.Time) ([]store.Session, error) {
	return s.selectWhere(ctx, `start_time >= $1`, since)
}

// AppendTranslation implements [store.Store.AppendTranslation].
func (s *Store) AppendTranslation(ctx context.Context, rec store.TranslationRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	const q = `
		INSERT INTO translations
		    (session_id, original_text, translated_text, source_language, target_language,
		     tts_service, audio_format, latency_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	_, err := s.pool.Exec(ctx, q,
		rec.SessionID, rec.OriginalText, rec.TranslatedText, rec.SourceLanguage, rec.TargetLanguage,
		rec.TTSService, rec.AudioFormat, rec.LatencyMS, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append translation: %w", err)
	}
	return nil
}

// Ping implements [store.Store.Ping].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

// Close implements [store.Store.Close].
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// exec runs an UPDATE that must match exactly one row.
func (s *Store) exec(ctx context.Context, action, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: %s: %w", action, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// findOne returns the most recently started session matching where.
func (s *Store) findOne(ctx context.Context, where string, args ...any) (store.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE ` + where + ` ORDER BY start_time DESC LIMIT 1`
	sess, err := scanSession(s.pool.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Session{}, store.ErrNotFound
	}
	if err != nil {
		return store.Session{}, fmt.Errorf("postgres: find session: %w", err)
	}
	return sess, nil
}

// selectWhere returns all sessions matching where, newest first.
func (s *Store) selectWhere(ctx context.Context, where string, args ...any) ([]store.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE ` + where + ` ORDER BY start_time DESC`
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: select sessions: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Session, error) {
		return scanSession(row)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan sessions: %w", err)
	}
	return sessions, nil
}

// scanSession maps one row in [sessionColumns] order. NULL end_time and
// last_activity_at become zero times.
func scanSession(row pgx.Row) (store.Session, error) {
	var (
		sess         store.Session
		quality      string
		endTime      *time.Time
		lastActivity *time.Time
	)
	err := row.Scan(
		&sess.ID, &sess.ClassCode, &sess.TeacherID, &sess.TeacherLanguage, &sess.StudentLanguage,
		&sess.StudentsCount, &sess.TotalTranslations, &sess.TranscriptCount,
		&sess.StartTime, &endTime, &lastActivity, &sess.IsActive, &quality, &sess.QualityReason,
	)
	if err != nil {
		return store.Session{}, err
	}
	sess.Quality = store.Quality(quality)
	if endTime != nil {
		sess.EndTime = *endTime
	}
	if lastActivity != nil {
		sess.LastActivityAt = *lastActivity
	}
	return sess, nil
}

// nullTime maps the zero time to NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// isUniqueViolation reports whether err is a unique-constraint violation
// (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
