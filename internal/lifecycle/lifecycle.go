// Package lifecycle ends classroom sessions that nobody is using anymore
// and keeps the session-quality statistics that operators watch.
//
// Three reaper strategies run on every sweep, in order:
//
//  1. EmptyTeacher: the teacher opened a classroom but no student ever
//     joined. Ended with quality "no_students".
//  2. Abandoned: students joined and all of them left; the grace period
//     passed without anyone returning. Ended with quality "no_activity".
//  3. Inactive: the session has seen no activity at all for the stale
//     timeout. Ended with quality "no_activity".
//
// A session ended by an earlier strategy is never touched by a later one
// because the selection queries only return active rows. The reapers do
// not close live connections: a teacher still attached to a reaped
// session learns about it on their next message, when dispatch finds the
// session inactive.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aulavoz/aulavoz/internal/broker"
	"github.com/aulavoz/aulavoz/internal/observe"
	"github.com/aulavoz/aulavoz/internal/store"
)

// Default sweep cadence and age thresholds.
const (
	defaultInterval          = time.Minute
	defaultEmptyTeacherAfter = 15 * time.Minute
	defaultAbandonedAfter    = 10 * time.Minute
	defaultStaleAfter        = 90 * time.Minute
	defaultStatsInterval     = time.Hour
	defaultStatsWindow       = 24 * time.Hour
)

// realSessionMinDuration is the minimum length for a session to count as
// real in quality classification.
const realSessionMinDuration = 30 * time.Second

// Config configures a [Manager]. Store is required; everything else has
// a usable default.
type Config struct {
	// Store holds the session rows the reapers select and end.
	Store store.Store

	// Directory, when set, has its code mapping cleared for every reaped
	// session so the classroom code stops admitting students.
	Directory *broker.Directory

	// Router, when set, has pending student requests for reaped sessions
	// dropped.
	Router *broker.RequestRouter

	// Logger receives sweep results. Defaults to [slog.Default].
	Logger *slog.Logger

	// Metrics counts reaped sessions per strategy and keeps the active
	// session gauge honest. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Interval is the time between sweeps. Defaults to one minute.
	Interval time.Duration

	// EmptyTeacherAfter is how long a session may sit with no student
	// ever joining before it is reaped. Defaults to 15 minutes.
	EmptyTeacherAfter time.Duration

	// AbandonedAfter is the grace period after the last student leaves
	// before the session is reaped. Defaults to 10 minutes.
	AbandonedAfter time.Duration

	// StaleAfter is the inactivity age at which any session is reaped.
	// Defaults to 90 minutes.
	StaleAfter time.Duration

	// StatsInterval is the time between quality-summary log lines.
	// Defaults to one hour.
	StatsInterval time.Duration

	// StatsWindow is how far back the quality summary looks. Defaults to
	// 24 hours.
	StatsWindow time.Duration

	// OnEnd, when set, is called once per reaped session after the row is
	// ended. Used to drop in-memory per-session state elsewhere.
	OnEnd func(sessionID string)
}

// Manager runs the periodic reap and stats sweeps.
//
// All methods are safe for concurrent use.
type Manager struct {
	store     store.Store
	directory *broker.Directory
	router    *broker.RequestRouter
	logger    *slog.Logger
	metrics   *observe.Metrics
	onEnd     func(string)

	interval          time.Duration
	emptyTeacherAfter time.Duration
	abandonedAfter    time.Duration
	staleAfter        time.Duration
	statsInterval     time.Duration
	statsWindow       time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a [Manager] with the given configuration, filling
// in defaults for zero fields.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		store:             cfg.Store,
		directory:         cfg.Directory,
		router:            cfg.Router,
		logger:            cfg.Logger,
		metrics:           cfg.Metrics,
		onEnd:             cfg.OnEnd,
		interval:          cfg.Interval,
		emptyTeacherAfter: cfg.EmptyTeacherAfter,
		abandonedAfter:    cfg.AbandonedAfter,
		staleAfter:        cfg.StaleAfter,
		statsInterval:     cfg.StatsInterval,
		statsWindow:       cfg.StatsWindow,
		done:              make(chan struct{}),
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.interval <= 0 {
		m.interval = defaultInterval
	}
	if m.emptyTeacherAfter <= 0 {
		m.emptyTeacherAfter = defaultEmptyTeacherAfter
	}
	if m.abandonedAfter <= 0 {
		m.abandonedAfter = defaultAbandonedAfter
	}
	if m.staleAfter <= 0 {
		m.staleAfter = defaultStaleAfter
	}
	if m.statsInterval <= 0 {
		m.statsInterval = defaultStatsInterval
	}
	if m.statsWindow <= 0 {
		m.statsWindow = defaultStatsWindow
	}
	return m
}

// Start begins the periodic sweeps in a background goroutine. The
// goroutine runs until [Manager.Stop] is called or ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	go m.loop(ctx)
}

// Stop halts the sweep loop. Safe to call multiple times.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
	})
}

// loop runs the reap ticker and the slower stats ticker.
func (m *Manager) loop(ctx context.Context) {
	sweep := time.NewTicker(m.interval)
	defer sweep.Stop()
	stats := time.NewTicker(m.statsInterval)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-sweep.C:
			m.SweepNow(ctx)
		case <-stats.C:
			m.logStats(ctx)
		}
	}
}

// SweepNow runs the three reaper strategies once, in order, and returns
// the total number of sessions ended.
func (m *Manager) SweepNow(ctx context.Context) int {
	now := time.Now()
	total := 0
	total += m.reap(ctx, "empty_teacher", store.QualityNoStudents,
		"no students joined", m.selectEmptyTeacher(ctx, now))
	total += m.reap(ctx, "abandoned", store.QualityNoActivity,
		"all students left and none returned", m.selectAbandoned(ctx, now))
	total += m.reap(ctx, "inactive", store.QualityNoActivity,
		"no activity", m.selectStale(ctx, now))
	return total
}

func (m *Manager) selectEmptyTeacher(ctx context.Context, now time.Time) []store.Session {
	sessions, err := m.store.SelectEmptyTeacherSessions(ctx, now.Add(-m.emptyTeacherAfter))
	if err != nil {
		m.logger.Error("empty-teacher selection failed", "error", err)
		return nil
	}
	return sessions
}

func (m *Manager) selectAbandoned(ctx context.Context, now time.Time) []store.Session {
	sessions, err := m.store.SelectAbandonedSessions(ctx, now.Add(-m.abandonedAfter))
	if err != nil {
		m.logger.Error("abandoned selection failed", "error", err)
		return nil
	}
	return sessions
}

func (m *Manager) selectStale(ctx context.Context, now time.Time) []store.Session {
	sessions, err := m.store.SelectStaleSessions(ctx, now.Add(-m.staleAfter))
	if err != nil {
		m.logger.Error("stale selection failed", "error", err)
		return nil
	}
	return sessions
}

// reap ends every selected session with the strategy's quality and
// reason, then clears the per-session broker state. Returns how many
// sessions were actually ended.
func (m *Manager) reap(ctx context.Context, strategy string, quality store.Quality, reason string, sessions []store.Session) int {
	ended := 0
	now := time.Now()
	for _, s := range sessions {
		if err := m.store.EndSession(ctx, s.ID, quality, reason, now); err != nil {
			m.logger.Error("session reap failed",
				"session_id", s.ID,
				"strategy", strategy,
				"error", err,
			)
			continue
		}
		if m.directory != nil {
			m.directory.ClearSession(s.ID)
		}
		if m.router != nil {
			m.router.ClearSession(s.ID)
		}
		if m.onEnd != nil {
			m.onEnd(s.ID)
		}
		m.logger.Info("session reaped",
			"session_id", s.ID,
			"strategy", strategy,
			"quality", string(quality),
			"age", now.Sub(s.StartTime).Round(time.Second).String(),
		)
		ended++
	}
	if ended > 0 {
		m.metrics.RecordReaped(ctx, strategy, int64(ended))
		m.metrics.ActiveSessions.Add(ctx, -int64(ended))
	}
	return ended
}

// logStats classifies every session started inside the stats window and
// logs the quality breakdown.
func (m *Manager) logStats(ctx context.Context) {
	now := time.Now()
	sessions, err := m.store.RecentSessions(ctx, now.Add(-m.statsWindow))
	if err != nil {
		m.logger.Error("session stats query failed", "error", err)
		return
	}

	counts := map[store.Quality]int{}
	for _, s := range sessions {
		counts[Classify(s, now)]++
	}
	m.logger.Info("session quality summary",
		"window", m.statsWindow.String(),
		"total", len(sessions),
		"real", counts[store.QualityReal],
		"too_short", counts[store.QualityTooShort],
		"no_students", counts[store.QualityNoStudents],
		"no_activity", counts[store.QualityNoActivity],
	)
}

// Classify derives the analytics quality of a session from its counters,
// independent of what the reapers stamped on the row. A session is real
// when it ran at least 30 seconds, had at least one student, and produced
// at least one translation or transcript. Otherwise the first failing
// predicate names the quality, checked in the order duration, students,
// activity.
func Classify(s store.Session, now time.Time) store.Quality {
	longEnough := s.Duration(now) >= realSessionMinDuration
	hadStudents := s.StudentsCount > 0
	hadActivity := s.TotalTranslations > 0 || s.TranscriptCount > 0

	if longEnough && hadStudents && hadActivity {
		return store.QualityReal
	}
	if !longEnough {
		return store.QualityTooShort
	}
	if !hadStudents {
		return store.QualityNoStudents
	}
	return store.QualityNoActivity
}
