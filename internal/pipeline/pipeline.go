// Package pipeline turns one teacher utterance into per-student
// translation deliveries. Translation runs once per distinct target
// language; synthesis, message composition and the retried send run
// once per student, in parallel. Failures stay local: a dead provider
// degrades that language or that student, never the whole fan-out.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/aulavoz/aulavoz/internal/broker"
	"github.com/aulavoz/aulavoz/internal/observe"
	"github.com/aulavoz/aulavoz/internal/persist"
	"github.com/aulavoz/aulavoz/internal/protocol"
	"github.com/aulavoz/aulavoz/internal/store"
	"github.com/aulavoz/aulavoz/internal/textfilter"
	"github.com/aulavoz/aulavoz/pkg/audio"
	"github.com/aulavoz/aulavoz/pkg/provider/translate"
	"github.com/aulavoz/aulavoz/pkg/provider/tts"
)

// AttributeSource provides fresh per-connection attributes at delivery
// time, so language and settings changes made after the fan-out started
// still apply. *broker.Registry satisfies it.
type AttributeSource interface {
	Snapshot(p broker.Peer) (broker.Attributes, bool)
}

const (
	defaultProviderTimeout = 15 * time.Second
	defaultSendTimeout     = 10 * time.Second
	defaultSendAttempts    = 3
	defaultRetryDelay      = 100 * time.Millisecond
)

// ─────────────────────────────────────────────────────────────────────────────
// Options
// ─────────────────────────────────────────────────────────────────────────────

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithTranscoder enables WAV→MP3 normalization for synthesized audio.
// Without it, WAV clips are delivered as-is.
func WithTranscoder(t *audio.Transcoder) Option {
	return func(p *Pipeline) { p.transcoder = t }
}

// WithFilter enables text post-processing on delivered translations:
// PII redaction always, profanity masking when maskProfanity is set.
func WithFilter(f *textfilter.Filter, maskProfanity bool) Option {
	return func(p *Pipeline) {
		p.filter = f
		p.maskProfanity = maskProfanity
	}
}

// WithRecorder enables detailed per-delivery persistence. Records are
// queued only after a send succeeded.
func WithRecorder(r *persist.Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// WithMetrics sets the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithProviderTimeout bounds each translate and synthesize call.
func WithProviderTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.providerTimeout = d
		}
	}
}

// WithSendTimeout bounds each send attempt to a student.
func WithSendTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.sendTimeout = d
		}
	}
}

// WithSendAttempts sets the per-student send budget (attempts, not
// retries) and the pause between attempts.
func WithSendAttempts(attempts int, delay time.Duration) Option {
	return func(p *Pipeline) {
		if attempts > 0 {
			p.sendAttempts = attempts
		}
		if delay >= 0 {
			p.retryDelay = delay
		}
	}
}

// WithTranslatorName sets the provider label used in translation error
// metrics, typically the configured primary's name.
func WithTranslatorName(name string) Option {
	return func(p *Pipeline) {
		if name != "" {
			p.translatorName = name
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Pipeline
// ─────────────────────────────────────────────────────────────────────────────

// Pipeline fans teacher utterances out to students. Safe for concurrent
// use; several jobs may be in flight at once.
type Pipeline struct {
	logger         *slog.Logger
	attrs          AttributeSource
	translator     translate.Provider
	translatorName string
	synths         *TTSCatalog
	store          store.Store
	metrics        *observe.Metrics

	transcoder    *audio.Transcoder
	filter        *textfilter.Filter
	maskProfanity bool
	recorder      *persist.Recorder

	providerTimeout time.Duration
	sendTimeout     time.Duration
	sendAttempts    int
	retryDelay      time.Duration
}

// New creates a Pipeline. translator may be nil when the deployment has
// no translation backend; students then receive the original text.
func New(logger *slog.Logger, attrs AttributeSource, translator translate.Provider, synths *TTSCatalog, st store.Store, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if synths == nil {
		synths = NewTTSCatalog(nil, "")
	}
	p := &Pipeline{
		logger:          logger,
		attrs:           attrs,
		translator:      translator,
		translatorName:  "translate",
		synths:          synths,
		store:           st,
		providerTimeout: defaultProviderTimeout,
		sendTimeout:     defaultSendTimeout,
		sendAttempts:    defaultSendAttempts,
		retryDelay:      defaultRetryDelay,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Job is one fan-out unit: a teacher utterance bound for a set of
// student connections. Students and TargetLanguages are the session
// snapshot taken by the handler; per-student language and settings are
// re-read from the registry at delivery time.
type Job struct {
	SessionID       string
	Text            string
	SourceLanguage  string
	Students        []broker.Member
	TargetLanguages []string

	// Start is when the originating message arrived; the latency block's
	// total counts from here.
	Start time.Time

	// Preparation is the time the caller spent before the fan-out
	// (payload decode, speech recognition).
	Preparation time.Duration
}

// rendered is one language's translation result.
type rendered struct {
	text string
	dur  time.Duration
}

// SendTranslations runs the full fan-out and returns the number of
// students that received the message. Provider and send failures are
// logged and absorbed; the call only ends early if ctx is cancelled.
func (p *Pipeline) SendTranslations(ctx context.Context, job Job) int {
	if job.Text == "" || len(job.Students) == 0 {
		return 0
	}
	if job.Start.IsZero() {
		job.Start = time.Now()
	}

	translations, translationMS := p.translateAll(ctx, job)

	// One delivery task per student. Failures never cross task
	// boundaries, so every goroutine returns nil.
	var (
		mu        sync.Mutex
		delivered int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range job.Students {
		g.Go(func() error {
			if p.deliver(gctx, job, m, translations, translationMS) {
				mu.Lock()
				delivered++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if delivered > 0 && job.SessionID != "" {
		cctx, cancel := context.WithTimeout(context.Background(), p.providerTimeout)
		defer cancel()
		if err := p.store.IncrementTranslations(cctx, job.SessionID, delivered); err != nil {
			p.logger.Error("increment translation counter",
				"session_id", job.SessionID, "error", err)
		}
	}
	return delivered
}

// translateAll renders the utterance into every distinct target
// language in parallel. A failed or declined language falls back to the
// original text. The returned duration is the slowest translation,
// shared by every delivery's latency block.
func (p *Pipeline) translateAll(ctx context.Context, job Job) (map[string]rendered, int64) {
	out := make(map[string]rendered, len(job.TargetLanguages))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, lang := range job.TargetLanguages {
		if lang == "" {
			continue
		}
		if lang == job.SourceLanguage || p.translator == nil {
			mu.Lock()
			out[lang] = rendered{text: job.Text}
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			tctx, cancel := context.WithTimeout(gctx, p.providerTimeout)
			defer cancel()

			start := time.Now()
			res, err := p.translator.Translate(tctx, translate.Request{
				Text:           job.Text,
				SourceLanguage: job.SourceLanguage,
				TargetLanguage: lang,
			})
			dur := time.Since(start)
			p.metrics.TranslationDuration.Record(ctx, dur.Seconds(),
				metricAttr("target_language", lang))

			text := res.Text
			if err != nil {
				p.logger.Warn("translation failed, delivering original text",
					"session_id", job.SessionID,
					"target_language", lang,
					"error", err)
				p.metrics.RecordProviderError(ctx, p.translatorName, "translate")
				text = job.Text
			} else if text == "" {
				// Backend declined (e.g. echoed source language).
				text = job.Text
			}

			mu.Lock()
			out[lang] = rendered{text: text, dur: dur}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var max time.Duration
	for _, r := range out {
		if r.dur > max {
			max = r.dur
		}
	}
	return out, max.Milliseconds()
}

// deliver runs the per-student half: synthesis selection, optional text
// post-processing, composition and the retried send. Reports whether
// the student received the message.
func (p *Pipeline) deliver(ctx context.Context, job Job, m broker.Member, translations map[string]rendered, translationMS int64) bool {
	taskStart := time.Now()

	// Fresh attributes: settings or language changes since the snapshot
	// still take effect, and students gone from the registry are skipped.
	attrs, ok := p.attrs.Snapshot(m.Peer)
	if !ok {
		return false
	}
	lang := attrs.Language
	if lang == "" {
		return false
	}

	text := job.Text
	if r, found := translations[lang]; found && r.text != "" {
		text = r.text
	}

	settings := attrs.Settings
	useClient := settings.UseClientSpeech() ||
		settings.LowLiteracyMode() ||
		settings.TTSServiceType() == ServiceBrowser

	var (
		audioData string
		format    string
		service   string
		ttsDur    time.Duration
	)
	if useClient {
		service = ServiceBrowser
		format = protocol.AudioFormatBrowser
	} else {
		audioData, format, service, ttsDur = p.synthesize(ctx, job.SessionID, text, lang, settings.TTSServiceType())
	}

	// Post-processing touches only the visible text, after synthesis.
	if p.filter != nil {
		text = p.filter.Clean(text, p.maskProfanity)
	}

	var speech *protocol.SpeechParams
	if useClient {
		speech = &protocol.SpeechParams{
			Type:         protocol.SpeechParamsType,
			Text:         text,
			LanguageCode: lang,
			AutoPlay:     true,
		}
	}

	now := time.Now()
	msg := protocol.TranslationMessage{
		Type:            protocol.TypeTranslation,
		Text:            text,
		OriginalText:    job.Text,
		SourceLanguage:  job.SourceLanguage,
		TargetLanguage:  lang,
		TTSServiceType:  service,
		AudioFormat:     format,
		AudioData:       audioData,
		UseClientSpeech: useClient,
		SpeechParams:    speech,
		Latency: protocol.Latency{
			Total:              now.Sub(job.Start).Milliseconds(),
			ServerCompleteTime: now.UnixMilli(),
			Components: protocol.LatencyComponents{
				Preparation: job.Preparation.Milliseconds(),
				Translation: translationMS,
				TTS:         ttsDur.Milliseconds(),
				Processing:  (time.Since(taskStart) - ttsDur).Milliseconds(),
				Network:     0,
			},
		},
	}

	if !p.send(ctx, m.Peer, msg) {
		p.logger.Warn("delivery abandoned",
			"session_id", job.SessionID,
			"target_language", lang,
			"attempts", p.sendAttempts)
		return false
	}

	p.metrics.RecordDelivery(ctx, lang, service, time.Since(job.Start).Seconds())

	// Persistence strictly follows the successful send.
	if p.recorder != nil && job.SessionID != "" {
		p.recorder.Record(store.TranslationRecord{
			SessionID:      job.SessionID,
			OriginalText:   job.Text,
			TranslatedText: msg.Text,
			SourceLanguage: job.SourceLanguage,
			TargetLanguage: lang,
			TTSService:     service,
			AudioFormat:    format,
			LatencyMS:      msg.Latency.Total,
		})
	}
	return true
}

// synthesize runs server-side TTS for one student and normalizes the
// clip to MP3 when possible. Any failure degrades to a text-only
// delivery: empty audio, empty format.
func (p *Pipeline) synthesize(ctx context.Context, sessionID, text, lang, serviceType string) (audioData, format, service string, dur time.Duration) {
	prov, name := p.synths.Resolve(serviceType)
	service = name
	if prov == nil {
		return "", "", service, 0
	}

	tctx, cancel := context.WithTimeout(ctx, p.providerTimeout)
	defer cancel()

	start := time.Now()
	res, err := prov.Synthesize(tctx, tts.Request{Text: text, Language: lang})
	dur = time.Since(start)
	p.metrics.TTSDuration.Record(ctx, dur.Seconds(), metricAttr("provider", name))
	if err != nil {
		p.logger.Warn("synthesis failed, delivering text only",
			"session_id", sessionID,
			"provider", name,
			"language", lang,
			"error", err)
		p.metrics.RecordProviderError(ctx, name, "tts")
		return "", "", service, dur
	}

	data := res.Audio
	format = res.Format
	if len(data) == 0 {
		return "", "", service, dur
	}

	// Browsers are happier with MP3; local servers emit WAV. Keep the
	// WAV when the transcoder is absent or conversion fails.
	needsConvert := format == tts.FormatWAV || name == "local" || audio.IsWAV(data)
	if needsConvert && p.transcoder != nil {
		if mp3, cerr := p.transcoder.ToMP3(tctx, data); cerr == nil {
			data = mp3
			format = tts.FormatMP3
		} else {
			p.logger.Warn("mp3 conversion failed, sending wav",
				"session_id", sessionID, "error", cerr)
			format = tts.FormatWAV
		}
	} else if needsConvert {
		format = tts.FormatWAV
	}

	return audio.EncodePayload(data), format, service, dur
}

func metricAttr(key, value string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String(key, value))
}

// send writes msg to the peer with the configured attempt budget.
func (p *Pipeline) send(ctx context.Context, peer broker.Peer, msg protocol.TranslationMessage) bool {
	for attempt := 1; attempt <= p.sendAttempts; attempt++ {
		sctx, cancel := context.WithTimeout(ctx, p.sendTimeout)
		err := peer.Send(sctx, msg)
		cancel()
		if err == nil {
			return true
		}
		if attempt == p.sendAttempts {
			break
		}
		p.metrics.SendRetries.Add(ctx, 1)
		select {
		case <-time.After(p.retryDelay):
		case <-ctx.Done():
			return false
		}
	}
	return false
}
