package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id                 TEXT         PRIMARY KEY,
    class_code         TEXT         NOT NULL DEFAULT '',
    teacher_id         TEXT         NOT NULL DEFAULT '',
    teacher_language   TEXT         NOT NULL DEFAULT '',
    student_language   TEXT         NOT NULL DEFAULT '',
    students_count     INT          NOT NULL DEFAULT 0,
    total_translations INT          NOT NULL DEFAULT 0,
    transcript_count   INT          NOT NULL DEFAULT 0,
    start_time         TIMESTAMPTZ  NOT NULL,
    end_time           TIMESTAMPTZ,
    last_activity_at   TIMESTAMPTZ,
    is_active          BOOLEAN      NOT NULL DEFAULT TRUE,
    quality            TEXT         NOT NULL DEFAULT 'unknown',
    quality_reason     TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sessions_teacher_id
    ON sessions (teacher_id);

CREATE INDEX IF NOT EXISTS idx_sessions_is_active
    ON sessions (is_active, last_activity_at);

CREATE INDEX IF NOT EXISTS idx_sessions_start_time
    ON sessions (start_time);
`

const ddlTranslations = `
CREATE TABLE IF NOT EXISTS translations (
    id              BIGSERIAL    PRIMARY KEY,
    session_id      TEXT         NOT NULL,
    original_text   TEXT         NOT NULL,
    translated_text TEXT         NOT NULL,
    source_language TEXT         NOT NULL DEFAULT '',
    target_language TEXT         NOT NULL DEFAULT '',
    tts_service     TEXT         NOT NULL DEFAULT '',
    audio_format    TEXT         NOT NULL DEFAULT '',
    latency_ms      BIGINT       NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_translations_session_id
    ON translations (session_id);

CREATE INDEX IF NOT EXISTS idx_translations_created_at
    ON translations (created_at);
`

// Migrate creates the sessions and translations tables if they do not
// exist. It is idempotent and safe to run on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlSessions, ddlTranslations} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
