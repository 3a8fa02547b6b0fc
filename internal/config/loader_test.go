package config_test

import (
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/aulavoz/aulavoz/internal/config"
)

// ── validation ───────────────────────────────────────────────────────────────

func TestValidate_InvalidLogLevel(t *testing.T) {
	yaml := `
log:
  level: verbose
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log.level") {
		t.Errorf("error should mention log.level, got: %v", err)
	}
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	yaml := `
log:
  format: xml
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log format, got nil")
	}
	if !strings.Contains(err.Error(), "log.format") {
		t.Errorf("error should mention log.format, got: %v", err)
	}
}

func TestValidate_PortOutOfRange(t *testing.T) {
	yaml := `
server:
  port: 70000
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for out-of-range port, got nil")
	}
	if !strings.Contains(err.Error(), "server.port") {
		t.Errorf("error should mention server.port, got: %v", err)
	}
}

func TestValidate_UnknownStorageDriver(t *testing.T) {
	yaml := `
storage:
  driver: redis
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown storage driver, got nil")
	}
	if !strings.Contains(err.Error(), "storage.driver") {
		t.Errorf("error should mention storage.driver, got: %v", err)
	}
}

func TestValidate_PostgresRequiresDSN(t *testing.T) {
	yaml := `
storage:
  driver: postgres
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for postgres driver without dsn, got nil")
	}
	if !strings.Contains(err.Error(), "storage.dsn") {
		t.Errorf("error should mention storage.dsn, got: %v", err)
	}
}

func TestValidate_MemoryDriverNeedsNoDSN(t *testing.T) {
	yaml := `
storage:
  driver: memory
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("LoadFromReader() error: %v", err)
	}
}

func TestValidate_NonPositiveTimeout(t *testing.T) {
	yaml := `
timeouts:
  staleSession: 0s
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for zero timeout, got nil")
	}
	if !strings.Contains(err.Error(), "timeouts.staleSession") {
		t.Errorf("error should mention timeouts.staleSession, got: %v", err)
	}
}

func TestValidate_NegativeSendRetries(t *testing.T) {
	yaml := `
pipeline:
  sendRetries: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative sendRetries, got nil")
	}
	if !strings.Contains(err.Error(), "pipeline.sendRetries") {
		t.Errorf("error should mention pipeline.sendRetries, got: %v", err)
	}
}

func TestValidate_ACEThresholdTooLow(t *testing.T) {
	yaml := `
ace:
  threshold: 0
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for zero ace threshold, got nil")
	}
	if !strings.Contains(err.Error(), "ace.threshold") {
		t.Errorf("error should mention ace.threshold, got: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	yaml := `
log:
  level: bananas
server:
  port: 0
storage:
  driver: redis
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected joined errors, got nil")
	}
	for _, want := range []string{"log.level", "server.port", "storage.driver"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %s, got: %v", want, err)
		}
	}
}

func TestValidServiceNames(t *testing.T) {
	for stage, want := range map[string]string{
		"stt":       "openai",
		"translate": "gemini",
		"tts":       "elevenlabs",
	} {
		names := config.ValidServiceNames[stage]
		if len(names) == 0 {
			t.Fatalf("ValidServiceNames[%q] should not be empty", stage)
		}
		if !slices.Contains(names, want) {
			t.Errorf("ValidServiceNames[%q] should contain %q, got %v", stage, want, names)
		}
	}
}

// ── environment overlay ──────────────────────────────────────────────────────

func TestApplyEnv_Overrides(t *testing.T) {
	t.Setenv("AULAVOZ_LOG_LEVEL", "warn")
	t.Setenv("AULAVOZ_PORT", "9999")
	t.Setenv("AULAVOZ_STORAGE_DRIVER", "sqlite")
	t.Setenv("AULAVOZ_STORAGE_DSN", "file:env.db")
	t.Setenv("AULAVOZ_OPENAI_API_KEY", "sk-from-env")
	t.Setenv("AULAVOZ_FEATURE_MANUAL_SEND", "true")
	t.Setenv("AULAVOZ_TIMEOUT_SHUTDOWN", "45s")

	cfg, err := config.FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error: %v", err)
	}

	if cfg.Log.Level != config.LogWarn {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, config.LogWarn)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Storage.Driver != config.DriverSQLite {
		t.Errorf("Storage.Driver = %q, want %q", cfg.Storage.Driver, config.DriverSQLite)
	}
	if cfg.Storage.DSN != "file:env.db" {
		t.Errorf("Storage.DSN = %q, want %q", cfg.Storage.DSN, "file:env.db")
	}
	if cfg.Providers.OpenAI.APIKey != "sk-from-env" {
		t.Errorf("OpenAI.APIKey = %q, want %q", cfg.Providers.OpenAI.APIKey, "sk-from-env")
	}
	if !cfg.Features.ManualSend {
		t.Error("Features.ManualSend should be true from env")
	}
	if got := cfg.Timeouts.Shutdown.Std(); got != 45*time.Second {
		t.Errorf("Timeouts.Shutdown = %v, want 45s", got)
	}
}

func TestApplyEnv_WinsOverFile(t *testing.T) {
	t.Setenv("AULAVOZ_PORT", "7070")

	yaml := `
server:
  port: 9090
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader() error: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want env override 7070", cfg.Server.Port)
	}
}

func TestApplyEnv_FalseDisablesFeature(t *testing.T) {
	t.Setenv("AULAVOZ_FEATURE_DETAILED_LOGGING", "false")

	cfg, err := config.FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error: %v", err)
	}
	if cfg.Features.DetailedLogging {
		t.Error("Features.DetailedLogging should be false from env")
	}
}

func TestApplyEnv_InvalidValueKeepsDefault(t *testing.T) {
	t.Setenv("AULAVOZ_PORT", "not-a-number")
	t.Setenv("AULAVOZ_TIMEOUT_SHUTDOWN", "eventually")

	cfg, err := config.FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want default 8080 for unparseable env", cfg.Server.Port)
	}
	if got := cfg.Timeouts.Shutdown.Std(); got != 10*time.Second {
		t.Errorf("Timeouts.Shutdown = %v, want default 10s for unparseable env", got)
	}
}

func TestFromEnv_NoVarsYieldsDefaults(t *testing.T) {
	cfg, err := config.FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error: %v", err)
	}
	def := config.Default()
	if cfg.Server.Addr() != def.Server.Addr() {
		t.Errorf("Server.Addr() = %q, want default %q", cfg.Server.Addr(), def.Server.Addr())
	}
	if cfg.Providers.STT.Service != def.Providers.STT.Service {
		t.Errorf("STT.Service = %q, want default %q", cfg.Providers.STT.Service, def.Providers.STT.Service)
	}
}
