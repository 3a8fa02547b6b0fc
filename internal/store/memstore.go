package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store].
// It backs tests and single-process development deployments where no
// database is configured.
type MemStore struct {
	mu           sync.RWMutex
	sessions     map[string]Session
	translations []TranslationRecord
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string]Session),
	}
}

// CreateSession implements [Store.CreateSession].
func (m *MemStore) CreateSession(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID]; exists {
		return ErrDuplicateID
	}
	if s.Quality == "" {
		s.Quality = QualityUnknown
	}
	m.sessions[s.ID] = s
	return nil
}

// GetSession implements [Store.GetSession].
func (m *MemStore) GetSession(ctx context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

// update applies fn to the stored row under the write lock.
func (m *MemStore) update(id string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	fn(&s)
	m.sessions[id] = s
	return nil
}

// TouchActivity implements [Store.TouchActivity].
func (m *MemStore) TouchActivity(ctx context.Context, id string, at time.Time) error {
	return m.update(id, func(s *Session) {
		s.LastActivityAt = at
	})
}

// StudentJoined implements [Store.StudentJoined].
func (m *MemStore) StudentJoined(ctx context.Context, id, language, classCode string, at time.Time) (int, error) {
	var count int
	err := m.update(id, func(s *Session) {
		if s.StudentsCount == 0 {
			s.StartTime = at
		}
		s.StudentsCount++
		s.StudentLanguage = language
		if classCode != "" {
			s.ClassCode = classCode
		}
		s.LastActivityAt = at
		count = s.StudentsCount
	})
	return count, err
}

// StudentLeft implements [Store.StudentLeft].
func (m *MemStore) StudentLeft(ctx context.Context, id string, at time.Time, graceNote string) (int, error) {
	var count int
	err := m.update(id, func(s *Session) {
		if s.StudentsCount > 0 {
			s.StudentsCount--
		}
		s.LastActivityAt = at
		if s.StudentsCount == 0 && graceNote != "" {
			s.QualityReason = graceNote
		}
		count = s.StudentsCount
	})
	return count, err
}

// SetStudentLanguage implements [Store.SetStudentLanguage].
func (m *MemStore) SetStudentLanguage(ctx context.Context, id, language string) error {
	return m.update(id, func(s *Session) {
		s.StudentLanguage = language
	})
}

// UpdateClassCode implements [Store.UpdateClassCode].
func (m *MemStore) UpdateClassCode(ctx context.Context, id, code string) error {
	return m.update(id, func(s *Session) {
		s.ClassCode = code
	})
}

// SetQualityReason implements [Store.SetQualityReason].
func (m *MemStore) SetQualityReason(ctx context.Context, id, reason string) error {
	return m.update(id, func(s *Session) {
		s.QualityReason = reason
	})
}

// IncrementTranslations implements [Store.IncrementTranslations].
func (m *MemStore) IncrementTranslations(ctx context.Context, id string, n int) error {
	return m.update(id, func(s *Session) {
		s.TotalTranslations += n
	})
}

// IncrementTranscripts implements [Store.IncrementTranscripts].
func (m *MemStore) IncrementTranscripts(ctx context.Context, id string) error {
	return m.update(id, func(s *Session) {
		s.TranscriptCount++
	})
}

// EndSession implements [Store.EndSession]. Already-ended sessions are
// left untouched so the transition happens at most once.
func (m *MemStore) EndSession(ctx context.Context, id string, quality Quality, reason string, at time.Time) error {
	return m.update(id, func(s *Session) {
		if !s.IsActive {
			return
		}
		s.IsActive = false
		s.EndTime = at
		s.Quality = quality
		s.QualityReason = reason
	})
}

// ReactivateSession implements [Store.ReactivateSession].
func (m *MemStore) ReactivateSession(ctx context.Context, id string, at time.Time) error {
	return m.update(id, func(s *Session) {
		s.IsActive = true
		s.EndTime = time.Time{}
		s.Quality = QualityUnknown
		s.LastActivityAt = at
	})
}

// newestFirst sorts by start time descending.
func newestFirst(sessions []Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartTime.After(sessions[j].StartTime)
	})
}

// pickNewest returns the most recently started session matching keep.
func (m *MemStore) pickNewest(keep func(Session) bool) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		best  Session
		found bool
	)
	for _, s := range m.sessions {
		if !keep(s) {
			continue
		}
		if !found || s.StartTime.After(best.StartTime) {
			best = s
			found = true
		}
	}
	if !found {
		return Session{}, ErrNotFound
	}
	return best, nil
}

// FindActiveByTeacherID implements [Store.FindActiveByTeacherID].
func (m *MemStore) FindActiveByTeacherID(ctx context.Context, teacherID string) (Session, error) {
	if teacherID == "" {
		return Session{}, ErrNotFound
	}
	return m.pickNewest(func(s Session) bool {
		return s.IsActive && s.TeacherID == teacherID
	})
}

// FindActiveByTeacherLanguage implements [Store.FindActiveByTeacherLanguage].
func (m *MemStore) FindActiveByTeacherLanguage(ctx context.Context, language string) (Session, error) {
	if language == "" {
		return Session{}, ErrNotFound
	}
	return m.pickNewest(func(s Session) bool {
		return s.IsActive && s.TeacherLanguage == language
	})
}

// FindRecentInactiveByTeacherID implements [Store.FindRecentInactiveByTeacherID].
func (m *MemStore) FindRecentInactiveByTeacherID(ctx context.Context, teacherID string, since time.Time) (Session, error) {
	if teacherID == "" {
		return Session{}, ErrNotFound
	}
	return m.pickNewest(func(s Session) bool {
		return !s.IsActive && s.TeacherID == teacherID && !s.LastActivityAt.Before(since)
	})
}

// selectWhere returns all sessions matching keep, newest first.
func (m *MemStore) selectWhere(keep func(Session) bool) []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Session
	for _, s := range m.sessions {
		if keep(s) {
			out = append(out, s)
		}
	}
	newestFirst(out)
	return out
}

// SelectEmptyTeacherSessions implements [Store.SelectEmptyTeacherSessions].
func (m *MemStore) SelectEmptyTeacherSessions(ctx context.Context, cutoff time.Time) ([]Session, error) {
	return m.selectWhere(func(s Session) bool {
		return s.IsActive && s.StudentsCount == 0 && s.QualityReason == "" && s.StartTime.Before(cutoff)
	}), nil
}

// SelectAbandonedSessions implements [Store.SelectAbandonedSessions].
func (m *MemStore) SelectAbandonedSessions(ctx context.Context, cutoff time.Time) ([]Session, error) {
	return m.selectWhere(func(s Session) bool {
		return s.IsActive && s.StudentsCount == 0 && s.QualityReason != "" &&
			!s.LastActivityAt.IsZero() && s.LastActivityAt.Before(cutoff)
	}), nil
}

// SelectStaleSessions implements [Store.SelectStaleSessions].
func (m *MemStore) SelectStaleSessions(ctx context.Context, cutoff time.Time) ([]Session, error) {
	return m.selectWhere(func(s Session) bool {
		if !s.IsActive {
			return false
		}
		if s.LastActivityAt.IsZero() {
			return s.StartTime.Before(cutoff)
		}
		return s.LastActivityAt.Before(cutoff)
	}), nil
}

// RecentSessions implements [Store.RecentSessions].
func (m *MemStore) RecentSessions(ctx context.Context, since time.Time) ([]Session, error) {
	return m.selectWhere(func(s Session) bool {
		return !s.StartTime.Before(since)
	}), nil
}

// AppendTranslation implements [Store.AppendTranslation].
func (m *MemStore) AppendTranslation(ctx context.Context, rec TranslationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	m.translations = append(m.translations, rec)
	return nil
}

// Translations returns a copy of all recorded translations. Test helper.
func (m *MemStore) Translations() []TranslationRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]TranslationRecord, len(m.translations))
	copy(out, m.translations)
	return out
}

// Ping implements [Store.Ping].
func (m *MemStore) Ping(ctx context.Context) error { return nil }

// Close implements [Store.Close].
func (m *MemStore) Close() error { return nil }
