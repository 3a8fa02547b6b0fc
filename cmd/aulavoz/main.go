// Command aulavoz is the main entry point for the aulavoz classroom
// translation broker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/aulavoz/aulavoz/internal/app"
	"github.com/aulavoz/aulavoz/internal/config"
	"github.com/aulavoz/aulavoz/internal/observe"
	"github.com/aulavoz/aulavoz/pkg/provider/stt"
	"github.com/aulavoz/aulavoz/pkg/provider/stt/deepgram"
	"github.com/aulavoz/aulavoz/pkg/provider/stt/google"
	sttmock "github.com/aulavoz/aulavoz/pkg/provider/stt/mock"
	oastt "github.com/aulavoz/aulavoz/pkg/provider/stt/openai"
	"github.com/aulavoz/aulavoz/pkg/provider/stt/whisper"
	"github.com/aulavoz/aulavoz/pkg/provider/translate"
	"github.com/aulavoz/aulavoz/pkg/provider/translate/anyllm"
	"github.com/aulavoz/aulavoz/pkg/provider/translate/gemini"
	trmock "github.com/aulavoz/aulavoz/pkg/provider/translate/mock"
	"github.com/aulavoz/aulavoz/pkg/provider/tts"
	"github.com/aulavoz/aulavoz/pkg/provider/tts/elevenlabs"
	"github.com/aulavoz/aulavoz/pkg/provider/tts/local"
	ttsmock "github.com/aulavoz/aulavoz/pkg/provider/tts/mock"
	oatts "github.com/aulavoz/aulavoz/pkg/provider/tts/openai"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	source := *configPath
	fromFile := true
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "aulavoz: config file %q not found, starting from defaults and AULAVOZ_* environment\n", *configPath)
		cfg, err = config.FromEnv()
		source = "environment"
		fromFile = false
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "aulavoz: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	logger := newLogger(cfg.Log, levelVar)
	slog.SetDefault(logger)

	slog.Info("aulavoz starting",
		"version", version,
		"config", source,
		"addr", cfg.Server.Addr(),
		"log_level", cfg.Log.Level,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	// The Prometheus-backed meter provider must be global before any
	// subsystem asks for the default metrics instance.
	otelShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "aulavoz",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Warn("telemetry disabled", "err", err)
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := otelShutdown(flushCtx); err != nil {
				slog.Warn("telemetry shutdown error", "err", err)
			}
		}()
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers := buildProviders(cfg, reg)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	var opts []app.Option
	if fromFile {
		opts = append(opts, app.WithConfigReload(*configPath, levelVar))
	}

	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown.Std())
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives the full config and combines its stage block with
// the vendor credential blocks.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("openai", func(cfg *config.Config) (stt.Provider, error) {
		var opts []oastt.Option
		if p := cfg.Providers.STT.Prompt; p != "" {
			opts = append(opts, oastt.WithPrompt(p))
		}
		if u := cfg.Providers.OpenAI.BaseURL; u != "" {
			opts = append(opts, oastt.WithBaseURL(u))
		}
		return oastt.New(cfg.Providers.OpenAI.APIKey, opts...)
	})

	reg.RegisterSTT("google", func(cfg *config.Config) (stt.Provider, error) {
		var opts []google.Option
		if lang := cfg.Providers.STT.Language; lang != "" {
			opts = append(opts, google.WithDefaultLanguage(lang))
		}
		if alts := cfg.Providers.STT.AltLanguages; len(alts) > 0 {
			opts = append(opts, google.WithAlternativeLanguages(alts...))
		}
		// The gRPC client outlives any single request.
		return google.New(context.Background(), opts...)
	})

	reg.RegisterSTT("deepgram", func(cfg *config.Config) (stt.Provider, error) {
		var opts []deepgram.Option
		if lang := cfg.Providers.STT.Language; lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if p := cfg.Providers.STT.Prompt; p != "" {
			opts = append(opts, deepgram.WithPrompt(p))
		}
		return deepgram.New(cfg.Providers.Deepgram.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(cfg *config.Config) (stt.Provider, error) {
		var opts []whisper.Option
		if lang := cfg.Providers.STT.Language; lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(cfg.Providers.STT.LocalURL, opts...)
	})

	reg.RegisterSTT("mock", func(cfg *config.Config) (stt.Provider, error) {
		return &sttmock.Provider{}, nil
	})

	// ── Translate ─────────────────────────────────────────────────────────────

	reg.RegisterTranslate("gemini", func(cfg *config.Config) (translate.Provider, error) {
		var opts []gemini.Option
		if m := translateModel(cfg); m != "" {
			opts = append(opts, gemini.WithModel(m))
		}
		if m := cfg.Providers.Translate.FallbackModel; m != "" {
			opts = append(opts, gemini.WithFallbackModel(m))
		}
		return gemini.New(context.Background(), cfg.Providers.Gemini.APIKey, opts...)
	})

	reg.RegisterTranslate("llm", func(cfg *config.Config) (translate.Provider, error) {
		var opts []anyllmlib.Option
		if k := cfg.Providers.LLM.APIKey; k != "" {
			opts = append(opts, anyllmlib.WithAPIKey(k))
		}
		if u := cfg.Providers.LLM.BaseURL; u != "" {
			opts = append(opts, anyllmlib.WithBaseURL(u))
		}
		return anyllm.New(cfg.Providers.LLM.Provider, cfg.Providers.Translate.Model, opts...)
	})

	reg.RegisterTranslate("mock", func(cfg *config.Config) (translate.Provider, error) {
		return &trmock.Provider{}, nil
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("openai", func(cfg *config.Config) (tts.Provider, error) {
		var opts []oatts.Option
		if v := cfg.Providers.TTS.Voice; v != "" {
			opts = append(opts, oatts.WithVoice(v))
		}
		if u := cfg.Providers.OpenAI.BaseURL; u != "" {
			opts = append(opts, oatts.WithBaseURL(u))
		}
		return oatts.New(cfg.Providers.OpenAI.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(cfg *config.Config) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if id := cfg.Providers.ElevenLabs.VoiceID; id != "" {
			opts = append(opts, elevenlabs.WithVoiceID(id))
		}
		return elevenlabs.New(cfg.Providers.ElevenLabs.APIKey, opts...)
	})

	reg.RegisterTTS("local", func(cfg *config.Config) (tts.Provider, error) {
		return local.New(cfg.Providers.TTS.LocalURL)
	})

	reg.RegisterTTS("mock", func(cfg *config.Config) (tts.Provider, error) {
		return &ttsmock.Provider{}, nil
	})

	// Debug log of all registered providers.
	for kind, names := range config.ValidServiceNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to
// consume. A provider that cannot be built disables its stage with a
// warning instead of aborting startup, so a classroom without TTS
// credentials still gets text translations.
func buildProviders(cfg *config.Config, reg *config.Registry) *app.Providers {
	ps := &app.Providers{TTS: make(map[string]tts.Provider)}

	if name := cfg.Providers.STT.Service; name != "" {
		p, err := reg.CreateSTT(name, cfg)
		switch {
		case errors.Is(err, config.ErrProviderNotRegistered):
			slog.Debug("provider not registered, skipping", "kind", "stt", "name", name)
		case err != nil:
			slog.Warn("speech recognition disabled", "name", name, "err", err)
		default:
			ps.STT = p
			ps.STTName = name
			slog.Info("provider created", "kind", "stt", "name", name)
		}
	}

	if name := cfg.Providers.Translate.Service; name != "" {
		p, err := reg.CreateTranslate(name, cfg)
		switch {
		case errors.Is(err, config.ErrProviderNotRegistered):
			slog.Debug("provider not registered, skipping", "kind", "translate", "name", name)
		case err != nil:
			slog.Warn("translation disabled", "name", name, "err", err)
		default:
			ps.Translate = p
			ps.TranslateName = name
			slog.Info("provider created", "kind", "translate", "name", name)
		}
	}

	// The llm block backs gemini up, but only when it points at a real
	// backend.
	if ps.TranslateName == "gemini" && (cfg.Providers.LLM.APIKey != "" || cfg.Providers.LLM.BaseURL != "") {
		fb, err := reg.CreateTranslate("llm", cfg)
		if err != nil {
			slog.Warn("translation fallback unavailable", "err", err)
		} else {
			ps.TranslateFallback = fb
			ps.TranslateFallbackName = "llm"
			slog.Info("provider created", "kind", "translate-fallback", "name", "llm")
		}
	}

	// Every buildable TTS service goes into the catalog so students can
	// request one by name; the configured service becomes the default.
	for _, name := range config.ValidServiceNames["tts"] {
		if name == "mock" && cfg.Providers.TTS.Service != "mock" && cfg.Providers.TTS.Fallback != "mock" {
			// Mock synthesis is opt-in.
			continue
		}
		p, err := reg.CreateTTS(name, cfg)
		if err != nil {
			// Expected when a vendor block has no credentials.
			slog.Debug("tts service unavailable", "name", name, "err", err)
			continue
		}
		ps.TTS[name] = p
		slog.Info("provider created", "kind", "tts", "name", name)
	}
	ps.TTSName = cfg.Providers.TTS.Service
	ps.TTSFallbackName = cfg.Providers.TTS.Fallback

	return ps
}

// translateModel resolves the translation model, preferring the stage
// block over the legacy gemini spot.
func translateModel(cfg *config.Config) string {
	if m := cfg.Providers.Translate.Model; m != "" {
		return m
	}
	return cfg.Providers.Gemini.Model
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Aulavoz startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT.Service, cfg.Providers.STT.Language)
	printProvider("Translate", cfg.Providers.Translate.Service, translateModel(cfg))
	printProvider("TTS", cfg.Providers.TTS.Service, cfg.Providers.TTS.Voice)
	if cfg.Providers.TTS.Fallback != "" {
		printProvider("TTS fallback", cfg.Providers.TTS.Fallback, "")
	}
	printProvider("Storage", cfg.Storage.Driver, "")
	fmt.Printf("║  Features on     : %-19d ║\n", enabledFeatures(cfg.Features))
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.Addr())
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, detail string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if detail != "" {
		value = name + " / " + detail
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

func enabledFeatures(f config.FeaturesConfig) int {
	n := 0
	for _, on := range []bool{
		f.InterimTranscription, f.ManualSend, f.TwoWay,
		f.TextFilter, f.DetailedLogging, f.ACEHints,
	} {
		if on {
			n++
		}
	}
	return n
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. The level rides on a LevelVar so a
// config reload can adjust it without replacing the handler.
func newLogger(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	level.Set(cfg.Level.Slog())
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == config.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
