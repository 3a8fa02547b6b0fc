package protocol_test

import (
	"testing"

	"github.com/aulavoz/aulavoz/internal/protocol"
)

func TestClientSettingsMerge(t *testing.T) {
	t.Parallel()

	base := protocol.ClientSettings{
		"ttsServiceType": "openai",
		"custom":         "original",
	}
	over := protocol.ClientSettings{
		"ttsServiceType":  "elevenlabs",
		"useClientSpeech": true,
	}

	merged := base.Merge(over)

	if got := merged.TTSServiceType(); got != "elevenlabs" {
		t.Errorf("TTSServiceType() = %q, want %q", got, "elevenlabs")
	}
	if !merged.UseClientSpeech() {
		t.Error("UseClientSpeech() = false, want true")
	}
	if got := merged["custom"]; got != "original" {
		t.Errorf("custom = %v, want original", got)
	}
	// Inputs stay untouched.
	if got := base.TTSServiceType(); got != "openai" {
		t.Errorf("base mutated: TTSServiceType() = %q", got)
	}
}

func TestClientSettingsMergeNilBase(t *testing.T) {
	t.Parallel()

	var base protocol.ClientSettings
	merged := base.Merge(protocol.ClientSettings{"lowLiteracyMode": true})
	if !merged.LowLiteracyMode() {
		t.Error("LowLiteracyMode() = false, want true after merge onto nil")
	}
}

func TestTranslationModeNormalization(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		value any
		want  string
	}{
		{name: "manual", value: "manual", want: protocol.TranslationModeManual},
		{name: "auto", value: "auto", want: protocol.TranslationModeAuto},
		{name: "unknown string", value: "MANUAL", want: protocol.TranslationModeAuto},
		{name: "missing", value: nil, want: protocol.TranslationModeAuto},
		{name: "wrong kind", value: 7, want: protocol.TranslationModeAuto},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := protocol.ClientSettings{}
			if tt.value != nil {
				s[protocol.SettingTranslationMode] = tt.value
			}
			if got := s.TranslationMode(); got != tt.want {
				t.Errorf("TranslationMode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBoolSettingsAcceptStringSpellings(t *testing.T) {
	t.Parallel()

	s := protocol.ClientSettings{
		"useClientSpeech": "true",
		"aceEnabled":      "1",
		"twoWayEnabled":   "off",
	}
	if !s.UseClientSpeech() {
		t.Error(`UseClientSpeech() with "true" = false, want true`)
	}
	if !s.ACEEnabled() {
		t.Error(`ACEEnabled() with "1" = false, want true`)
	}
	if s.TwoWayEnabled() {
		t.Error(`TwoWayEnabled() with "off" = true, want false`)
	}
}

func TestTruthy(t *testing.T) {
	t.Parallel()

	for _, on := range []string{"1", "true", "yes", "on", "YES", "On"} {
		if !protocol.Truthy(on) {
			t.Errorf("Truthy(%q) = false, want true", on)
		}
	}
	for _, off := range []string{"", "0", "false", "no", "2", "enabled"} {
		if protocol.Truthy(off) {
			t.Errorf("Truthy(%q) = true, want false", off)
		}
	}
}
