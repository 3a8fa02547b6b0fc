// Package app wires all aulavoz subsystems into a running broker.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems in dependency order, Run serves until the context is
// cancelled, and Shutdown tears everything down. Provider instances
// arrive from main through the [Providers] struct; a nil slot disables
// that pipeline stage rather than failing startup, so a classroom
// without TTS credentials still gets text translations.
//
// For testing, inject doubles via functional options (WithStore,
// WithLogger, ...). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aulavoz/aulavoz/internal/broker"
	"github.com/aulavoz/aulavoz/internal/config"
	"github.com/aulavoz/aulavoz/internal/dispatch"
	"github.com/aulavoz/aulavoz/internal/handlers"
	"github.com/aulavoz/aulavoz/internal/health"
	"github.com/aulavoz/aulavoz/internal/lifecycle"
	"github.com/aulavoz/aulavoz/internal/monitor"
	"github.com/aulavoz/aulavoz/internal/persist"
	"github.com/aulavoz/aulavoz/internal/pipeline"
	"github.com/aulavoz/aulavoz/internal/resilience"
	"github.com/aulavoz/aulavoz/internal/server"
	"github.com/aulavoz/aulavoz/internal/store"
	"github.com/aulavoz/aulavoz/internal/store/postgres"
	"github.com/aulavoz/aulavoz/internal/store/sqlite"
	"github.com/aulavoz/aulavoz/internal/textfilter"
	"github.com/aulavoz/aulavoz/pkg/audio"
	"github.com/aulavoz/aulavoz/pkg/provider/stt"
	"github.com/aulavoz/aulavoz/pkg/provider/translate"
	"github.com/aulavoz/aulavoz/pkg/provider/tts"
)

// Providers holds one interface value per pipeline stage. Nil means the
// stage is not configured: transcription requests are rejected without
// STT, original text passes through without Translate, deliveries are
// text-only without TTS. Populated by main.go via the config registry.
type Providers struct {
	// STT transcribes teacher and student audio.
	STT     stt.Provider
	STTName string

	// Translate renders teacher text into student languages. Fallback,
	// when non-nil, is tried after the primary fails or its breaker
	// opens.
	Translate             translate.Provider
	TranslateName         string
	TranslateFallback     translate.Provider
	TranslateFallbackName string

	// TTS maps service names to synthesis providers. TTSName selects
	// the default; TTSFallbackName, when present in the map, backs the
	// default up inside a fallback group.
	TTS             map[string]tts.Provider
	TTSName         string
	TTSFallbackName string
}

// App owns all subsystem lifetimes for one broker process.
type App struct {
	cfg       *config.Config
	logger    *slog.Logger
	providers *Providers

	// Subsystems, initialised in New, torn down in Shutdown.
	store      store.Store
	registry   *broker.Registry
	directory  *broker.Directory
	router     *broker.RequestRouter
	recorder   *persist.Recorder
	pipe       *pipeline.Pipeline
	dispatcher *dispatch.Dispatcher
	lifecycle  *lifecycle.Manager
	monitor    *monitor.Monitor
	server     *server.Server

	// Wrapped provider stack built in initProviders.
	sttStack   stt.Provider
	transStack translate.Provider
	synths     *pipeline.TTSCatalog
	transcoder *audio.Transcoder

	// Config reload, active when configPath is set.
	configPath string
	watcher    *config.Watcher
	logLevel   *slog.LevelVar

	// closers run in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test
// doubles or enable optional behavior.
type Option func(*App)

// WithStore injects a session store instead of creating one from the
// storage config. The injected store is not closed by Shutdown.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithLogger sets the logger for every subsystem. Defaults to
// [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithConfigReload watches path and applies safe changes to the running
// process. Only the log level applies hot; everything else is logged as
// requiring a restart.
func WithConfigReload(path string, level *slog.LevelVar) Option {
	return func(a *App) {
		a.configPath = path
		a.logLevel = level
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers
// struct comes from main.go (populated via the config registry); nil
// slots disable their stage. Use Option functions to inject test
// doubles.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		logger:    slog.Default(),
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Storage ───────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Broker state ──────────────────────────────────────────────────
	a.initBroker()

	// ── 3. Provider stack ────────────────────────────────────────────────
	if err := a.initProviders(); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}

	// ── 4. Persistence ───────────────────────────────────────────────────
	if err := a.initPersistence(); err != nil {
		return nil, fmt.Errorf("app: init persistence: %w", err)
	}

	// ── 5. Delivery pipeline ─────────────────────────────────────────────
	a.initPipeline()

	// ── 6. Dispatcher and handlers ───────────────────────────────────────
	a.initDispatch()

	// ── 7. Reapers and liveness monitor ──────────────────────────────────
	a.initLifecycle()

	// ── 8. HTTP server ───────────────────────────────────────────────────
	a.initServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore selects the storage backend from the driver name unless one
// was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	switch a.cfg.Storage.Driver {
	case config.DriverPostgres:
		st, err := postgres.New(ctx, a.cfg.Storage.DSN)
		if err != nil {
			return err
		}
		a.store = st
		a.closers = append(a.closers, st.Close)

	case config.DriverSQLite:
		st, err := sqlite.New(ctx, a.cfg.Storage.DSN)
		if err != nil {
			return err
		}
		a.store = st
		a.closers = append(a.closers, st.Close)

	default:
		a.store = store.NewMemStore()
		a.logger.Info("using in-memory session store; rows do not survive a restart")
	}

	a.logger.Info("storage ready", "driver", a.cfg.Storage.Driver)
	return nil
}

// initBroker creates the connection registry, classroom code directory
// and two-way request router.
func (a *App) initBroker() {
	a.registry = broker.NewRegistry(
		broker.WithRequestLimit(
			a.cfg.Pipeline.StudentRequestBurst,
			a.cfg.Pipeline.StudentRequestWindow.Std(),
		),
	)
	a.directory = broker.NewDirectory(
		broker.WithCodeTTL(a.cfg.Timeouts.ClassroomCodeExpiration.Std()),
	)
	a.router = broker.NewRequestRouter()
}

// initProviders wraps the raw providers in circuit-breakered fallback
// groups and assembles the TTS catalog. Absent providers stay nil; the
// handlers and pipeline treat that as a disabled stage.
func (a *App) initProviders() error {
	fbCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				a.logger.Warn("provider breaker state changed",
					"provider", name, "from", from.String(), "to", to.String())
			},
		},
	}

	if a.providers.STT != nil {
		a.sttStack = resilience.NewSTTFallback(a.providers.STT, a.providers.STTName, fbCfg)
	} else {
		a.logger.Warn("no speech-to-text provider; audio messages will be rejected")
	}

	if a.providers.Translate != nil {
		group := resilience.NewTranslateFallback(a.providers.Translate, a.providers.TranslateName, fbCfg)
		if a.providers.TranslateFallback != nil {
			group.AddFallback(a.providers.TranslateFallbackName, a.providers.TranslateFallback)
			a.logger.Info("translation fallback registered",
				"primary", a.providers.TranslateName,
				"fallback", a.providers.TranslateFallbackName)
		}
		a.transStack = group
	} else {
		a.logger.Warn("no translation provider; students receive the original text")
	}

	a.initTTSCatalog(fbCfg)

	// MP3 normalisation for synthesized WAV clips. A missing ffmpeg
	// binary is logged once here and audio passes through unconverted.
	if path := a.cfg.Audio.FFmpegPath; path != "" {
		tc, err := audio.NewTranscoder(path)
		if err != nil {
			a.logger.Warn("audio transcoding disabled", "error", err)
		} else {
			a.transcoder = tc
		}
	}

	return nil
}

// initTTSCatalog builds the name→provider catalog students select
// synthesis services from. The default entry is the configured primary
// wrapped with its fallback; every other configured provider is
// reachable under its own name.
func (a *App) initTTSCatalog(fbCfg resilience.FallbackConfig) {
	primary := a.providers.TTS[a.providers.TTSName]
	if primary == nil {
		a.synths = pipeline.NewTTSCatalog(nil, "")
		if len(a.providers.TTS) > 0 {
			// Named providers still work for explicit requests.
			for name, p := range a.providers.TTS {
				a.synths.Register(name, p)
			}
		}
		a.logger.Warn("no default text-to-speech provider; deliveries are text-only unless a service is requested")
		return
	}

	var def tts.Provider = primary
	if fbName := a.providers.TTSFallbackName; fbName != "" {
		if fb := a.providers.TTS[fbName]; fb != nil {
			group := resilience.NewTTSFallback(primary, a.providers.TTSName, fbCfg)
			group.AddFallback(fbName, fb)
			def = group
			a.logger.Info("tts fallback registered",
				"primary", a.providers.TTSName, "fallback", fbName)
		}
	}

	a.synths = pipeline.NewTTSCatalog(def, a.providers.TTSName)
	for name, p := range a.providers.TTS {
		// The primary's name stays bound to the fallback group.
		if name == a.providers.TTSName {
			continue
		}
		a.synths.Register(name, p)
	}
}

// initPersistence creates the translation recorder when detailed
// logging is on. The store sink always rides along; the JSONL file sink
// joins when a path is configured.
func (a *App) initPersistence() error {
	if !a.cfg.Features.DetailedLogging {
		return nil
	}

	sinks := []persist.Sink{persist.NewStoreSink(a.store)}
	if path := a.cfg.Pipeline.TranslationLogPath; path != "" {
		fs, err := persist.NewFileSink(path)
		if err != nil {
			return fmt.Errorf("open translation log %q: %w", path, err)
		}
		sinks = append(sinks, fs)
		a.logger.Info("translation log enabled", "path", path)
	}

	a.recorder = persist.New(a.logger, sinks,
		persist.WithBufferSize(a.cfg.Pipeline.PersistenceBuffer),
	)
	a.closers = append(a.closers, a.recorder.Close)
	return nil
}

// initPipeline assembles the fan-out pipeline from the provider stack.
func (a *App) initPipeline() {
	opts := []pipeline.Option{
		pipeline.WithProviderTimeout(a.cfg.Timeouts.ProviderCall.Std()),
		pipeline.WithSendTimeout(a.cfg.Timeouts.Send.Std()),
		// -1 keeps the pipeline's default retry spacing.
		pipeline.WithSendAttempts(a.cfg.Pipeline.SendRetries, -1),
	}
	if a.providers.TranslateName != "" {
		opts = append(opts, pipeline.WithTranslatorName(a.providers.TranslateName))
	}
	if a.transcoder != nil {
		opts = append(opts, pipeline.WithTranscoder(a.transcoder))
	}
	if a.cfg.Features.TextFilter {
		opts = append(opts, pipeline.WithFilter(textfilter.New(), true))
	}
	if a.recorder != nil {
		opts = append(opts, pipeline.WithRecorder(a.recorder))
	}

	a.pipe = pipeline.New(a.logger, a.registry, a.transStack, a.synths, a.store, opts...)
}

// initDispatch registers the message handlers the feature flags call
// for. Types without a handler are logged and dropped by the
// dispatcher, so a disabled feature quietly ignores its messages.
func (a *App) initDispatch() {
	a.dispatcher = dispatch.New(a.logger, a.registry, a.store,
		dispatch.WithExpiredCloseDelay(a.cfg.Timeouts.SessionExpiredMessageDelay.Std()),
		dispatch.WithActivityGap(a.cfg.Audio.ActivityThrottle.Std()),
	)

	a.dispatcher.Register(
		handlers.NewRegister(a.logger, a.registry, a.store, a.directory,
			handlers.WithReconnectGrace(a.cfg.Timeouts.TeacherReconnectGrace.Std()),
			handlers.WithInvalidCloseDelay(a.cfg.Timeouts.InvalidClassroomMessageDelay.Std()),
		),
		handlers.NewAudio(a.logger, a.registry, a.store, a.sttStack, a.pipe,
			handlers.WithInterim(a.cfg.Features.InterimTranscription, a.cfg.Audio.InterimThrottle.Std()),
			handlers.WithMinAudioLengths(a.cfg.Audio.MinDataLength, a.cfg.Audio.MinBufferLength),
			handlers.WithSTTTimeout(a.cfg.Timeouts.ProviderCall.Std()),
			handlers.WithSTTName(a.providers.STTName),
		),
		handlers.NewTranscription(a.logger, a.registry, a.store, a.pipe),
		handlers.NewTTS(a.logger, a.registry, a.synths,
			handlers.WithTTSTimeout(a.cfg.Timeouts.ProviderCall.Std()),
			handlers.WithTTSTranscoder(a.transcoder),
		),
		handlers.NewSettings(a.logger, a.registry),
		handlers.NewPing(a.logger, a.registry),
		handlers.NewPong(a.registry),
	)

	if a.cfg.Features.ManualSend {
		a.dispatcher.Register(handlers.NewManualSend(a.logger, a.registry, a.pipe))
	}

	if a.cfg.Features.TwoWay {
		requests := handlers.NewStudentRequest(a.logger, a.registry, a.router,
			handlers.WithTeacherRetry(a.cfg.Pipeline.SendRetries, 0),
		)
		a.dispatcher.Register(
			requests,
			handlers.NewTeacherReply(a.logger, a.registry, a.router, a.pipe),
			handlers.NewStudentAudio(a.logger, a.registry, a.sttStack, requests,
				handlers.WithStudentSTTTimeout(a.cfg.Timeouts.ProviderCall.Std()),
				handlers.WithStudentSTTName(a.providers.STTName),
				handlers.WithStudentMinBuffer(a.cfg.Audio.MinBufferLength),
			),
		)
	}

	if a.cfg.Features.ACEHints {
		ace := handlers.NewAggregator(
			handlers.WithACEThreshold(a.cfg.ACE.Threshold),
			handlers.WithACEWindow(a.cfg.ACE.Window.Std()),
			handlers.WithACECooldown(a.cfg.ACE.Cooldown.Std()),
		)
		a.dispatcher.Register(handlers.NewComprehensionSignal(a.logger, a.registry, ace))
	}
}

// initLifecycle creates the session reapers and the connection liveness
// monitor. Both are started by Run.
func (a *App) initLifecycle() {
	a.lifecycle = lifecycle.NewManager(lifecycle.Config{
		Store:             a.store,
		Directory:         a.directory,
		Router:            a.router,
		Logger:            a.logger,
		Interval:          a.cfg.Timeouts.CleanupInterval.Std(),
		EmptyTeacherAfter: a.cfg.Timeouts.EmptyTeacher.Std(),
		AbandonedAfter:    a.cfg.Timeouts.AllStudentsLeft.Std(),
		StaleAfter:        a.cfg.Timeouts.StaleSession.Std(),
	})

	a.monitor = monitor.New(monitor.Config{
		Registry: a.registry,
		Logger:   a.logger,
		Interval: a.cfg.Timeouts.HealthCheckInterval.Std(),
	})
}

// initServer assembles the WebSocket server with its health endpoints.
// Storage gates readiness; missing pipeline stages only degrade it.
func (a *App) initServer() {
	checks := health.New(
		health.Checker{Name: "storage", Check: a.store.Ping},
		health.Checker{Name: "stt", Optional: true, Check: stageCheck(a.sttStack != nil)},
		health.Checker{Name: "translate", Optional: true, Check: stageCheck(a.transStack != nil)},
		health.Checker{Name: "tts", Optional: true, Check: func(context.Context) error {
			if def, _ := a.synths.Resolve(""); def == nil {
				return errors.New("not configured")
			}
			return nil
		}},
	)

	a.server = server.New(server.Config{
		Addr:        a.cfg.Server.Addr(),
		Logger:      a.logger,
		Registry:    a.registry,
		Dispatcher:  a.dispatcher,
		Store:       a.store,
		Health:      checks,
		SendTimeout: a.cfg.Timeouts.Send.Std(),
	})
}

// stageCheck reports whether a pipeline stage was wired at startup.
func stageCheck(configured bool) func(context.Context) error {
	return func(context.Context) error {
		if !configured {
			return errors.New("not configured")
		}
		return nil
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the background sweeps and serves connections until ctx is
// cancelled or the listener fails. On cancellation Run returns ctx's
// error; call Shutdown afterwards to tear the subsystems down.
func (a *App) Run(ctx context.Context) error {
	// A listener failure must also stop the sweeps, not just ctx.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.lifecycle.Start(runCtx)
	a.monitor.Start(runCtx)

	var wg sync.WaitGroup

	// Expired classroom codes are swept on their own cadence; a swept
	// code stops admitting students while the session row lives on.
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.sweepCodes(runCtx)
	}()

	if a.configPath != "" {
		if err := a.startConfigReload(); err != nil {
			a.logger.Warn("config reload disabled", "path", a.configPath, "error", err)
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.server.ListenAndServe()
	}()

	a.logger.Info("broker running",
		"addr", a.cfg.Server.Addr(),
		"stt", a.providers.STTName,
		"translate", a.providers.TranslateName,
		"tts", a.providers.TTSName,
	)

	var err error
	select {
	case <-runCtx.Done():
		err = runCtx.Err()
	case err = <-serveErr:
	}

	cancel()
	a.monitor.Stop()
	a.lifecycle.Stop()
	wg.Wait()
	return err
}

// sweepCodes expires classroom codes on the configured cadence.
func (a *App) sweepCodes(ctx context.Context) {
	interval := a.cfg.Timeouts.ClassroomCodeCleanup.Std()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.directory.Sweep(); n > 0 {
				a.logger.Info("classroom codes expired", "count", n)
			}
		}
	}
}

// startConfigReload begins watching the config file. Log level changes
// apply immediately; everything else is reported as needing a restart.
func (a *App) startConfigReload() error {
	w, err := config.NewWatcher(a.configPath, a.applyConfigChange)
	if err != nil {
		return err
	}
	a.watcher = w
	a.logger.Info("config reload enabled", "path", a.configPath)
	return nil
}

// applyConfigChange is the watcher callback for a config edit that
// parsed and validated.
func (a *App) applyConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.Slog())
		a.logger.Info("log level applied", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		a.logger.Warn("config changes need a restart to take effect",
			"paths", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes the server, stops the sweeps and releases every
// subsystem in reverse-init order. It respects the context deadline: if
// ctx expires, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))

		if a.watcher != nil {
			a.watcher.Stop()
		}

		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warn("server shutdown error", "error", err)
		}

		a.monitor.Stop()
		a.lifecycle.Stop()

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.logger.Warn("closer error", "index", i, "error", err)
			}
		}

		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Introspection ───────────────────────────────────────────────────────────

// Dispatcher exposes the wired dispatcher for integration tests.
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }

// Server exposes the wired server for integration tests.
func (a *App) Server() *server.Server { return a.server }

// Store exposes the active session store.
func (a *App) Store() store.Store { return a.store }

// ProviderSummary describes the wired provider stack for the startup
// banner.
func (a *App) ProviderSummary() map[string]string {
	s := make(map[string]string, 3)
	s["stt"] = summaryName(a.sttStack != nil, a.providers.STTName)
	s["translate"] = summaryName(a.transStack != nil, a.providers.TranslateName)
	def, name := a.synths.Resolve("")
	s["tts"] = summaryName(def != nil, name)
	return s
}

func summaryName(ok bool, name string) string {
	if !ok {
		return "disabled"
	}
	if name == "" {
		return "unnamed"
	}
	return name
}
