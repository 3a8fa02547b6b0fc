package handlers

import (
	"sync"
	"time"
)

// Comprehension signal values sent by students. Only the negative ones
// count toward a hint; "ok" withdraws a student's earlier negative.
const (
	SignalOK       = "ok"
	SignalConfused = "confused"
	SignalLost     = "lost"
)

const (
	defaultACEThreshold = 3
	defaultACEWindow    = 60 * time.Second
	defaultACECooldown  = 2 * time.Minute
)

// AggregatorOption configures an [Aggregator].
type AggregatorOption func(*Aggregator)

// WithACEThreshold sets how many distinct students must signal inside
// the window before a hint fires.
func WithACEThreshold(n int) AggregatorOption {
	return func(a *Aggregator) {
		if n > 0 {
			a.threshold = n
		}
	}
}

// WithACEWindow sets the sliding window for counting signals.
func WithACEWindow(d time.Duration) AggregatorOption {
	return func(a *Aggregator) {
		if d > 0 {
			a.window = d
		}
	}
}

// WithACECooldown sets the minimum gap between hints per session.
func WithACECooldown(d time.Duration) AggregatorOption {
	return func(a *Aggregator) {
		if d > 0 {
			a.cooldown = d
		}
	}
}

// Aggregator condenses per-student comprehension signals into an
// occasional hint for the teacher. It counts distinct students with a
// live negative signal inside a sliding window; crossing the threshold
// fires at most once per cooldown.
type Aggregator struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	cooldown  time.Duration
	sessions  map[string]*sessionSignals
}

type sessionSignals struct {
	negatives map[string]time.Time // connection id → last negative signal
	lastHint  time.Time
}

// NewAggregator creates an aggregator with the classroom defaults:
// 3 students, 60 s window, 2 min cooldown.
func NewAggregator(opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		threshold: defaultACEThreshold,
		window:    defaultACEWindow,
		cooldown:  defaultACECooldown,
		sessions:  make(map[string]*sessionSignals),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Window returns the configured sliding window.
func (a *Aggregator) Window() time.Duration { return a.window }

// Observe records one signal and reports the distinct-student count in
// the window plus whether a hint should fire now. Unknown signal values
// are counted as negative: a student reaching for the button is not
// signaling comfort.
func (a *Aggregator) Observe(sessionID, studentID, signal string, now time.Time) (count int, fire bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.sessions[sessionID]
	if s == nil {
		s = &sessionSignals{negatives: make(map[string]time.Time)}
		a.sessions[sessionID] = s
	}

	if signal == SignalOK {
		delete(s.negatives, studentID)
	} else {
		s.negatives[studentID] = now
	}

	cutoff := now.Add(-a.window)
	for id, at := range s.negatives {
		if at.Before(cutoff) {
			delete(s.negatives, id)
		}
	}

	count = len(s.negatives)
	if count >= a.threshold && now.Sub(s.lastHint) >= a.cooldown {
		s.lastHint = now
		fire = true
	}

	if count == 0 && now.Sub(s.lastHint) >= a.cooldown {
		delete(a.sessions, sessionID)
	}
	return count, fire
}

// Forget drops all state for a session. Called when a session ends so
// the map does not accumulate dead classrooms.
func (a *Aggregator) Forget(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, sessionID)
}
