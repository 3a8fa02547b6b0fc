package protocol

// Client settings keys recognized by the broker. Unknown keys are kept in
// the map untouched so newer clients can round-trip settings the server
// does not understand yet.
const (
	SettingTTSServiceType            = "ttsServiceType"
	SettingUseClientSpeech           = "useClientSpeech"
	SettingTranslationMode           = "translationMode"
	SettingAllowComprehensionSignals = "allowComprehensionSignals"
	SettingLowLiteracyMode           = "lowLiteracyMode"
	SettingACEEnabled                = "aceEnabled"
	SettingTwoWayEnabled             = "twoWayEnabled"
)

// Translation modes. Any value other than "manual" normalizes to "auto".
const (
	TranslationModeAuto   = "auto"
	TranslationModeManual = "manual"
)

// ClientSettings is the free-form per-connection settings object sent by
// clients in register and settings frames. Typed accessors interpret the
// well-known keys; everything else is preserved verbatim.
type ClientSettings map[string]any

// Clone returns a shallow copy. A nil receiver yields an empty map so
// callers can merge into the result without a nil check.
func (s ClientSettings) Clone() ClientSettings {
	out := make(ClientSettings, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Merge returns a copy of s with every key of other laid over it.
// Later writers win per key; neither input is modified.
func (s ClientSettings) Merge(other ClientSettings) ClientSettings {
	out := s.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// TTSServiceType returns the requested TTS provider id, or "" when unset.
func (s ClientSettings) TTSServiceType() string {
	return asString(s[SettingTTSServiceType])
}

// TranslationMode returns the normalized mode: "manual" only when the
// stored value is exactly that, "auto" otherwise.
func (s ClientSettings) TranslationMode() string {
	if asString(s[SettingTranslationMode]) == TranslationModeManual {
		return TranslationModeManual
	}
	return TranslationModeAuto
}

// UseClientSpeech reports whether the client asked to synthesize speech
// locally instead of receiving server audio.
func (s ClientSettings) UseClientSpeech() bool {
	return asBool(s[SettingUseClientSpeech])
}

// LowLiteracyMode reports whether this student should always receive
// client-speech rendering regardless of their other settings.
func (s ClientSettings) LowLiteracyMode() bool {
	return asBool(s[SettingLowLiteracyMode])
}

// AllowComprehensionSignals reports the student's opt-in to emitting
// comprehension signals.
func (s ClientSettings) AllowComprehensionSignals() bool {
	return asBool(s[SettingAllowComprehensionSignals])
}

// ACEEnabled reports the teacher's opt-in to aggregated comprehension
// hints.
func (s ClientSettings) ACEEnabled() bool {
	return asBool(s[SettingACEEnabled])
}

// TwoWayEnabled reports the per-connection two-way override.
func (s ClientSettings) TwoWayEnabled() bool {
	return asBool(s[SettingTwoWayEnabled])
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// asBool accepts JSON booleans plus the string spellings JavaScript
// clients historically sent for flag values.
func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return Truthy(t)
	default:
		return false
	}
}

// Truthy reports whether a query-parameter style flag value means "on".
// Recognized spellings: 1, true, yes, on (case-insensitive).
func Truthy(s string) bool {
	switch s {
	case "1", "true", "TRUE", "True", "yes", "YES", "Yes", "on", "ON", "On":
		return true
	}
	return false
}
