package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidServiceNames lists known service names per pipeline stage.
// Used by [Validate] to warn about unrecognised names.
var ValidServiceNames = map[string][]string{
	"stt":       {"openai", "google", "deepgram", "whisper", "mock"},
	"translate": {"gemini", "llm", "mock"},
	"tts":       {"openai", "elevenlabs", "local", "mock"},
}

// Load reads the YAML configuration file at path, applies AULAVOZ_*
// environment overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default], applies
// environment overrides, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv returns the defaults with environment overrides applied and
// validated, for deployments that run without a config file.
func FromEnv() (*Config, error) {
	cfg := Default()
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays AULAVOZ_* environment variables onto cfg. Unparseable
// values are logged and skipped, keeping the prior value.
func ApplyEnv(cfg *Config) {
	cfg.Log.Level = LogLevel(envString("AULAVOZ_LOG_LEVEL", string(cfg.Log.Level)))
	cfg.Log.Format = LogFormat(envString("AULAVOZ_LOG_FORMAT", string(cfg.Log.Format)))

	cfg.Server.Host = envString("AULAVOZ_HOST", cfg.Server.Host)
	cfg.Server.Port = envInt("AULAVOZ_PORT", cfg.Server.Port)

	cfg.Storage.Driver = envString("AULAVOZ_STORAGE_DRIVER", cfg.Storage.Driver)
	cfg.Storage.DSN = envString("AULAVOZ_STORAGE_DSN", cfg.Storage.DSN)

	cfg.Providers.STT.Service = envString("AULAVOZ_STT_SERVICE", cfg.Providers.STT.Service)
	cfg.Providers.Translate.Service = envString("AULAVOZ_TRANSLATE_SERVICE", cfg.Providers.Translate.Service)
	cfg.Providers.TTS.Service = envString("AULAVOZ_TTS_SERVICE", cfg.Providers.TTS.Service)
	cfg.Providers.OpenAI.APIKey = envString("AULAVOZ_OPENAI_API_KEY", cfg.Providers.OpenAI.APIKey)
	cfg.Providers.Gemini.APIKey = envString("AULAVOZ_GEMINI_API_KEY", cfg.Providers.Gemini.APIKey)
	cfg.Providers.ElevenLabs.APIKey = envString("AULAVOZ_ELEVENLABS_API_KEY", cfg.Providers.ElevenLabs.APIKey)
	cfg.Providers.Deepgram.APIKey = envString("AULAVOZ_DEEPGRAM_API_KEY", cfg.Providers.Deepgram.APIKey)

	cfg.Features.InterimTranscription = envBool("AULAVOZ_FEATURE_INTERIM", cfg.Features.InterimTranscription)
	cfg.Features.ManualSend = envBool("AULAVOZ_FEATURE_MANUAL_SEND", cfg.Features.ManualSend)
	cfg.Features.TwoWay = envBool("AULAVOZ_FEATURE_TWO_WAY", cfg.Features.TwoWay)
	cfg.Features.TextFilter = envBool("AULAVOZ_FEATURE_TEXT_FILTER", cfg.Features.TextFilter)
	cfg.Features.DetailedLogging = envBool("AULAVOZ_FEATURE_DETAILED_LOGGING", cfg.Features.DetailedLogging)
	cfg.Features.ACEHints = envBool("AULAVOZ_FEATURE_ACE_HINTS", cfg.Features.ACEHints)

	t := &cfg.Timeouts
	t.CleanupInterval = envDuration("AULAVOZ_TIMEOUT_CLEANUP_INTERVAL", t.CleanupInterval)
	t.EmptyTeacher = envDuration("AULAVOZ_TIMEOUT_EMPTY_TEACHER", t.EmptyTeacher)
	t.AllStudentsLeft = envDuration("AULAVOZ_TIMEOUT_ALL_STUDENTS_LEFT", t.AllStudentsLeft)
	t.StaleSession = envDuration("AULAVOZ_TIMEOUT_STALE_SESSION", t.StaleSession)
	t.TeacherReconnectGrace = envDuration("AULAVOZ_TIMEOUT_TEACHER_RECONNECT_GRACE", t.TeacherReconnectGrace)
	t.ClassroomCodeExpiration = envDuration("AULAVOZ_TIMEOUT_CLASSROOM_CODE_EXPIRATION", t.ClassroomCodeExpiration)
	t.ClassroomCodeCleanup = envDuration("AULAVOZ_TIMEOUT_CLASSROOM_CODE_CLEANUP", t.ClassroomCodeCleanup)
	t.HealthCheckInterval = envDuration("AULAVOZ_TIMEOUT_HEALTH_CHECK_INTERVAL", t.HealthCheckInterval)
	t.SessionExpiredMessageDelay = envDuration("AULAVOZ_TIMEOUT_SESSION_EXPIRED_MESSAGE_DELAY", t.SessionExpiredMessageDelay)
	t.InvalidClassroomMessageDelay = envDuration("AULAVOZ_TIMEOUT_INVALID_CLASSROOM_MESSAGE_DELAY", t.InvalidClassroomMessageDelay)
	t.ProviderCall = envDuration("AULAVOZ_TIMEOUT_PROVIDER_CALL", t.ProviderCall)
	t.Send = envDuration("AULAVOZ_TIMEOUT_SEND", t.Send)
	t.Shutdown = envDuration("AULAVOZ_TIMEOUT_SHUTDOWN", t.Shutdown)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Log.Level != "" && !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}
	if cfg.Log.Format != "" && !cfg.Log.Format.IsValid() {
		errs = append(errs, fmt.Errorf("log.format %q is invalid; valid values: text, json", cfg.Log.Format))
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [1, 65535]", cfg.Server.Port))
	}

	switch cfg.Storage.Driver {
	case DriverMemory, DriverPostgres, DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is invalid; valid values: memory, postgres, sqlite", cfg.Storage.Driver))
	}
	if (cfg.Storage.Driver == DriverPostgres || cfg.Storage.Driver == DriverSQLite) && cfg.Storage.DSN == "" {
		errs = append(errs, fmt.Errorf("storage.dsn is required for driver %q", cfg.Storage.Driver))
	}

	// Service name validation: warn for unknown names so third-party builds
	// can register their own without tripping validation.
	validateServiceName("stt", cfg.Providers.STT.Service)
	validateServiceName("translate", cfg.Providers.Translate.Service)
	validateServiceName("tts", cfg.Providers.TTS.Service)
	if cfg.Providers.TTS.Fallback != "" {
		validateServiceName("tts", cfg.Providers.TTS.Fallback)
	}

	// Credential availability warnings. Missing keys disable the stage at
	// wiring time rather than failing startup.
	if usesOpenAI(cfg) && cfg.Providers.OpenAI.APIKey == "" {
		slog.Warn("an openai service is configured without providers.openai.apiKey; the stage will be disabled")
	}
	if cfg.Providers.Translate.Service == "gemini" && cfg.Providers.Gemini.APIKey == "" {
		slog.Warn("providers.translate.service is gemini without providers.gemini.apiKey; translation will be disabled")
	}
	if ttsConfigured(cfg, "elevenlabs") && cfg.Providers.ElevenLabs.APIKey == "" {
		slog.Warn("an elevenlabs service is configured without providers.elevenlabs.apiKey; the stage will be disabled")
	}

	for _, tc := range []struct {
		name  string
		value Duration
	}{
		{"timeouts.cleanupInterval", cfg.Timeouts.CleanupInterval},
		{"timeouts.emptyTeacher", cfg.Timeouts.EmptyTeacher},
		{"timeouts.allStudentsLeft", cfg.Timeouts.AllStudentsLeft},
		{"timeouts.staleSession", cfg.Timeouts.StaleSession},
		{"timeouts.teacherReconnectGrace", cfg.Timeouts.TeacherReconnectGrace},
		{"timeouts.classroomCodeExpiration", cfg.Timeouts.ClassroomCodeExpiration},
		{"timeouts.classroomCodeCleanup", cfg.Timeouts.ClassroomCodeCleanup},
		{"timeouts.healthCheckInterval", cfg.Timeouts.HealthCheckInterval},
		{"timeouts.sessionExpiredMessageDelay", cfg.Timeouts.SessionExpiredMessageDelay},
		{"timeouts.invalidClassroomMessageDelay", cfg.Timeouts.InvalidClassroomMessageDelay},
		{"timeouts.providerCall", cfg.Timeouts.ProviderCall},
		{"timeouts.send", cfg.Timeouts.Send},
		{"timeouts.shutdown", cfg.Timeouts.Shutdown},
		{"audio.interimThrottle", cfg.Audio.InterimThrottle},
		{"audio.activityThrottle", cfg.Audio.ActivityThrottle},
		{"pipeline.studentRequestWindow", cfg.Pipeline.StudentRequestWindow},
		{"ace.window", cfg.ACE.Window},
		{"ace.cooldown", cfg.ACE.Cooldown},
	} {
		if tc.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", tc.name, tc.value))
		}
	}

	if cfg.Audio.MinDataLength < 0 {
		errs = append(errs, fmt.Errorf("audio.minDataLength must not be negative, got %d", cfg.Audio.MinDataLength))
	}
	if cfg.Audio.MinBufferLength < 0 {
		errs = append(errs, fmt.Errorf("audio.minBufferLength must not be negative, got %d", cfg.Audio.MinBufferLength))
	}
	if cfg.Pipeline.SendRetries < 0 {
		errs = append(errs, fmt.Errorf("pipeline.sendRetries must not be negative, got %d", cfg.Pipeline.SendRetries))
	}
	if cfg.Pipeline.StudentRequestBurst < 1 {
		errs = append(errs, fmt.Errorf("pipeline.studentRequestBurst must be at least 1, got %d", cfg.Pipeline.StudentRequestBurst))
	}
	if cfg.Pipeline.PersistenceBuffer < 1 {
		errs = append(errs, fmt.Errorf("pipeline.persistenceBuffer must be at least 1, got %d", cfg.Pipeline.PersistenceBuffer))
	}
	if cfg.ACE.Threshold < 1 {
		errs = append(errs, fmt.Errorf("ace.threshold must be at least 1, got %d", cfg.ACE.Threshold))
	}

	return errors.Join(errs...)
}

// usesOpenAI reports whether any stage is configured to use OpenAI.
func usesOpenAI(cfg *Config) bool {
	return cfg.Providers.STT.Service == "openai" || ttsConfigured(cfg, "openai")
}

// ttsConfigured reports whether service appears as the TTS primary or fallback.
func ttsConfigured(cfg *Config, service string) bool {
	return cfg.Providers.TTS.Service == service || cfg.Providers.TTS.Fallback == service
}

// validateServiceName logs a warning if name is non-empty and not found in
// the [ValidServiceNames] list for the given stage.
func validateServiceName(stage, name string) {
	if name == "" {
		return
	}
	known, ok := ValidServiceNames[stage]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown service name; may be a typo or third-party provider",
		"stage", stage,
		"name", name,
		"known", known,
	)
}

// ---- environment helpers ----

// envString reads key from the environment, returning defaultValue when the
// variable is unset or empty.
func envString(key, defaultValue string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return defaultValue
}

// envInt reads an integer from the environment, keeping defaultValue and
// warning on parse errors.
func envInt(key string, defaultValue int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer in environment variable, using default",
			"key", key, "value", v, "default", defaultValue)
		return defaultValue
	}
	return i
}

// envBool reads a boolean from the environment. Accepts true/false, 1/0,
// yes/no (case-insensitive).
func envBool(key string, defaultValue bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	slog.Warn("invalid boolean in environment variable, using default",
		"key", key, "value", v, "default", defaultValue)
	return defaultValue
}

// envDuration reads a Go-syntax duration from the environment, keeping
// defaultValue and warning on parse errors.
func envDuration(key string, defaultValue Duration) Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration in environment variable, using default",
			"key", key, "value", v, "default", defaultValue)
		return defaultValue
	}
	return Duration(d)
}
