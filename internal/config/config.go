// Package config provides the configuration schema, loader, and provider
// registry for the aulavoz broker.
//
// Configuration is layered: built-in defaults, then the YAML file, then
// AULAVOZ_* environment variables. Key names in the file are camelCase,
// matching the settings vocabulary the clients already speak.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the broker.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog converts l to the equivalent slog level. Unknown values map to
// info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogFormat selects the slog handler flavour.
type LogFormat string

const (
	LogText LogFormat = "text"
	LogJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogText || f == LogJSON
}

// Driver names accepted by storage.driver.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Duration is a time.Duration that unmarshals from YAML strings in Go
// duration syntax ("90s", "15m"). yaml.v3 has no native duration support.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String implements fmt.Stringer.
func (d Duration) String() string { return time.Duration(d).String() }

// Config is the root configuration structure for aulavoz.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Providers ProvidersConfig `yaml:"providers"`
	Features  FeaturesConfig  `yaml:"features"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Audio     AudioConfig     `yaml:"audio"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	ACE       ACEConfig       `yaml:"ace"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  LogLevel  `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

// ServerConfig holds the listen address for the WebSocket/HTTP server.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig selects the session store backend.
type StorageConfig struct {
	// Driver is one of "memory", "postgres", "sqlite".
	Driver string `yaml:"driver"`

	// DSN is the connection string for postgres, or the database file path
	// for sqlite. Ignored by the memory driver.
	DSN string `yaml:"dsn"`
}

// ProvidersConfig declares which provider serves each pipeline stage and
// carries the per-vendor credential blocks.
type ProvidersConfig struct {
	STT        STTConfig        `yaml:"stt"`
	Translate  TranslateConfig  `yaml:"translate"`
	TTS        TTSConfig        `yaml:"tts"`
	OpenAI     OpenAIConfig     `yaml:"openai"`
	Gemini     GeminiConfig     `yaml:"gemini"`
	ElevenLabs ElevenLabsConfig `yaml:"elevenlabs"`
	Deepgram   DeepgramConfig   `yaml:"deepgram"`
	LLM        LLMConfig        `yaml:"llm"`
}

// STTConfig selects and tunes the speech-to-text stage.
type STTConfig struct {
	// Service is one of "openai", "google", "deepgram", "whisper", "mock".
	Service string `yaml:"service"`

	// Language is the default BCP-47 code assumed when a session has not
	// declared one. Empty lets the provider auto-detect.
	Language string `yaml:"language"`

	// AltLanguages lists additional candidate languages for providers that
	// support detection across a candidate set (google).
	AltLanguages []string `yaml:"altLanguages"`

	// Prompt is a vocabulary hint passed to providers that accept one
	// (openai, deepgram), e.g. subject-specific terms.
	Prompt string `yaml:"prompt"`

	// LocalURL is the base URL of the self-hosted whisper server used by
	// the "whisper" service.
	LocalURL string `yaml:"localURL"`
}

// TranslateConfig selects and tunes the translation stage.
type TranslateConfig struct {
	// Service is one of "gemini", "llm", "mock".
	Service string `yaml:"service"`

	// Model overrides the service's default model.
	Model string `yaml:"model"`

	// FallbackModel is used while the primary model is rate-limited
	// (gemini only).
	FallbackModel string `yaml:"fallbackModel"`
}

// TTSConfig selects and tunes the text-to-speech stage.
type TTSConfig struct {
	// Service is one of "openai", "elevenlabs", "local", "mock".
	Service string `yaml:"service"`

	// Fallback names a second service tried when the primary fails.
	// Empty disables fallback.
	Fallback string `yaml:"fallback"`

	// Voice is the default voice identifier passed to the provider.
	Voice string `yaml:"voice"`

	// LocalURL is the base URL of the self-hosted synthesis server used by
	// the "local" service.
	LocalURL string `yaml:"localURL"`
}

// OpenAIConfig holds OpenAI credentials shared by the STT and TTS stages.
type OpenAIConfig struct {
	APIKey  string `yaml:"apiKey"`
	BaseURL string `yaml:"baseURL"`
}

// GeminiConfig holds Gemini credentials for the translation stage.
type GeminiConfig struct {
	APIKey string `yaml:"apiKey"`

	// Model is the legacy spot for the translation model; providers.translate.model
	// wins when both are set.
	Model string `yaml:"model"`
}

// ElevenLabsConfig holds ElevenLabs credentials for the TTS stage.
type ElevenLabsConfig struct {
	APIKey  string `yaml:"apiKey"`
	VoiceID string `yaml:"voiceID"`
}

// DeepgramConfig holds Deepgram credentials for the STT stage.
type DeepgramConfig struct {
	APIKey string `yaml:"apiKey"`
}

// LLMConfig configures the generic LLM backend used when
// providers.translate.service is "llm".
type LLMConfig struct {
	// Provider is the any-llm backend name: "openai", "ollama", "groq",
	// "mistral", "deepseek", "llamacpp".
	Provider string `yaml:"provider"`

	APIKey  string `yaml:"apiKey"`
	BaseURL string `yaml:"baseURL"`
}

// FeaturesConfig gates optional behaviour.
type FeaturesConfig struct {
	InterimTranscription bool `yaml:"interimTranscription"`
	ManualSend           bool `yaml:"manualSend"`
	TwoWay               bool `yaml:"twoWay"`
	TextFilter           bool `yaml:"textFilter"`
	DetailedLogging      bool `yaml:"detailedLogging"`
	ACEHints             bool `yaml:"aceHints"`
}

// TimeoutsConfig holds every interval and deadline the broker runs on.
type TimeoutsConfig struct {
	CleanupInterval              Duration `yaml:"cleanupInterval"`
	EmptyTeacher                 Duration `yaml:"emptyTeacher"`
	AllStudentsLeft              Duration `yaml:"allStudentsLeft"`
	StaleSession                 Duration `yaml:"staleSession"`
	TeacherReconnectGrace        Duration `yaml:"teacherReconnectGrace"`
	ClassroomCodeExpiration      Duration `yaml:"classroomCodeExpiration"`
	ClassroomCodeCleanup         Duration `yaml:"classroomCodeCleanup"`
	HealthCheckInterval          Duration `yaml:"healthCheckInterval"`
	SessionExpiredMessageDelay   Duration `yaml:"sessionExpiredMessageDelay"`
	InvalidClassroomMessageDelay Duration `yaml:"invalidClassroomMessageDelay"`
	ProviderCall                 Duration `yaml:"providerCall"`
	Send                         Duration `yaml:"send"`
	Shutdown                     Duration `yaml:"shutdown"`
}

// AudioConfig tunes inbound audio handling.
type AudioConfig struct {
	// MinDataLength is the minimum base64 payload length accepted from
	// teachers; shorter chunks are dropped as silence.
	MinDataLength int `yaml:"minDataLength"`

	// MinBufferLength is the minimum decoded byte count forwarded to STT.
	MinBufferLength int `yaml:"minBufferLength"`

	// InterimThrottle is the minimum spacing between interim transcription
	// broadcasts.
	InterimThrottle Duration `yaml:"interimThrottle"`

	// ActivityThrottle is the minimum spacing between session activity
	// touches triggered by audio.
	ActivityThrottle Duration `yaml:"activityThrottle"`

	// FFmpegPath locates the ffmpeg binary for MP3 normalisation.
	// Empty disables transcoding and audio passes through unconverted.
	FFmpegPath string `yaml:"ffmpegPath"`
}

// PipelineConfig tunes delivery and persistence.
type PipelineConfig struct {
	// SendRetries is the total send attempt budget per message, so 3
	// means one send plus two retries.
	SendRetries int `yaml:"sendRetries"`

	// StudentRequestBurst and StudentRequestWindow shape the per-student
	// rate limit on audio requests.
	StudentRequestBurst  int      `yaml:"studentRequestBurst"`
	StudentRequestWindow Duration `yaml:"studentRequestWindow"`

	// PersistenceBuffer is the queue depth of the async translation writer.
	PersistenceBuffer int `yaml:"persistenceBuffer"`

	// TranslationLogPath enables the JSONL fallback sink when non-empty.
	TranslationLogPath string `yaml:"translationLogPath"`
}

// ACEConfig tunes the comprehension-hint engine.
type ACEConfig struct {
	// Threshold is how many repeat requests within Window trigger a hint.
	Threshold int      `yaml:"threshold"`
	Window    Duration `yaml:"window"`
	Cooldown  Duration `yaml:"cooldown"`
}

// Default returns a Config populated with production defaults. The memory
// storage driver keeps a credential-less deployment runnable.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  LogInfo,
			Format: LogText,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			Driver: DriverMemory,
		},
		Providers: ProvidersConfig{
			STT:       STTConfig{Service: "openai"},
			Translate: TranslateConfig{Service: "gemini", FallbackModel: "gemini-2.0-flash-lite"},
			TTS: TTSConfig{
				Service:  "openai",
				Voice:    "alloy",
				LocalURL: "http://localhost:5002",
			},
			Gemini: GeminiConfig{Model: "gemini-2.0-flash"},
			LLM:    LLMConfig{Provider: "ollama"},
		},
		Features: FeaturesConfig{
			DetailedLogging: true,
		},
		Timeouts: TimeoutsConfig{
			CleanupInterval:              Duration(60 * time.Second),
			EmptyTeacher:                 Duration(15 * time.Minute),
			AllStudentsLeft:              Duration(10 * time.Minute),
			StaleSession:                 Duration(90 * time.Minute),
			TeacherReconnectGrace:        Duration(5 * time.Minute),
			ClassroomCodeExpiration:      Duration(2 * time.Hour),
			ClassroomCodeCleanup:         Duration(10 * time.Minute),
			HealthCheckInterval:          Duration(30 * time.Second),
			SessionExpiredMessageDelay:   Duration(time.Second),
			InvalidClassroomMessageDelay: Duration(100 * time.Millisecond),
			ProviderCall:                 Duration(15 * time.Second),
			Send:                         Duration(10 * time.Second),
			Shutdown:                     Duration(10 * time.Second),
		},
		Audio: AudioConfig{
			MinDataLength:    100,
			MinBufferLength:  100,
			InterimThrottle:  Duration(400 * time.Millisecond),
			ActivityThrottle: Duration(30 * time.Second),
			FFmpegPath:       "ffmpeg",
		},
		Pipeline: PipelineConfig{
			SendRetries:          3,
			StudentRequestBurst:  3,
			StudentRequestWindow: Duration(2 * time.Second),
			PersistenceBuffer:    256,
		},
		ACE: ACEConfig{
			Threshold: 3,
			Window:    Duration(60 * time.Second),
			Cooldown:  Duration(120 * time.Second),
		},
	}
}
