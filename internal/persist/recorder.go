// Package persist records delivered translations off the hot path. The
// delivery pipeline hands each record to [Recorder.Record], which never
// blocks: records flow through a buffered channel into a background
// drain goroutine that feeds every configured [Sink]. Sink failures are
// logged and dropped; persistence must never slow down or fail a
// delivery that already succeeded.
package persist

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aulavoz/aulavoz/internal/store"
)

// Sink receives translation records from the drain goroutine.
type Sink interface {
	Append(ctx context.Context, rec store.TranslationRecord) error
	Close() error
}

const (
	defaultBufferSize    = 256
	defaultAppendTimeout = 5 * time.Second
)

// Option configures a [Recorder].
type Option func(*Recorder)

// WithBufferSize sets the channel depth between Record and the drain
// goroutine. Records are dropped (and counted) once the buffer is full.
func WithBufferSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.bufferSize = n
		}
	}
}

// WithAppendTimeout bounds each sink append.
func WithAppendTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.appendTimeout = d
		}
	}
}

// Recorder fans translation records out to its sinks asynchronously.
// Safe for concurrent use.
type Recorder struct {
	logger        *slog.Logger
	sinks         []Sink
	bufferSize    int
	appendTimeout time.Duration

	ch        chan store.TranslationRecord
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
	dropped   atomic.Int64
}

// New creates a Recorder draining into the given sinks and starts its
// background goroutine. Call [Recorder.Close] to flush and stop it.
func New(logger *slog.Logger, sinks []Sink, opts ...Option) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		logger:        logger,
		sinks:         sinks,
		bufferSize:    defaultBufferSize,
		appendTimeout: defaultAppendTimeout,
	}
	for _, o := range opts {
		o(r)
	}
	r.ch = make(chan store.TranslationRecord, r.bufferSize)
	r.wg.Add(1)
	go r.drain()
	return r
}

// Record queues one delivered translation. It returns immediately; when
// the buffer is full the record is dropped and counted instead.
func (r *Recorder) Record(rec store.TranslationRecord) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	select {
	case r.ch <- rec:
	default:
		n := r.dropped.Add(1)
		r.logger.Warn("translation record dropped, buffer full",
			"session_id", rec.SessionID,
			"dropped_total", n)
	}
}

// Dropped returns how many records were discarded because the buffer
// was full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting records, flushes the buffer and closes every
// sink. Safe to call more than once.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.ch)
		r.wg.Wait()
		var errs []error
		for _, s := range r.sinks {
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		r.closeErr = errors.Join(errs...)
	})
	return r.closeErr
}

func (r *Recorder) drain() {
	defer r.wg.Done()
	for rec := range r.ch {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.appendTimeout)
			if err := s.Append(ctx, rec); err != nil {
				r.logger.Error("append translation record",
					"session_id", rec.SessionID,
					"target_language", rec.TargetLanguage,
					"error", err)
			}
			cancel()
		}
	}
}
