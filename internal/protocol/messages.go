package protocol

// ─────────────────────────────────────────────────────────────────────────────
// Client → server payloads
// ─────────────────────────────────────────────────────────────────────────────

// RegisterMessage binds a connection to a role and language. Teachers may
// carry a stable teacherId for reconnection; students may carry the
// classroom code (also accepted as an upgrade query parameter).
type RegisterMessage struct {
	Type           string         `json:"type"`
	Role           Role           `json:"role"`
	LanguageCode   string         `json:"languageCode"`
	Name           string         `json:"name,omitempty"`
	ClassroomCode  string         `json:"classroomCode,omitempty"`
	TeacherID      string         `json:"teacherId,omitempty"`
	TTSServiceType string         `json:"ttsServiceType,omitempty"`
	Settings       ClientSettings `json:"settings,omitempty"`
}

// TranscriptionMessage carries already-transcribed teacher text.
type TranscriptionMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// AudioMessage carries a base64 audio chunk. A nil IsFinalChunk means
// final; false marks an interim chunk used only for live partial
// transcription back to the sender.
type AudioMessage struct {
	Type         string `json:"type"`
	Data         string `json:"data"`
	IsFinalChunk *bool  `json:"isFinalChunk,omitempty"`
}

// Final reports whether this chunk completes an utterance.
func (m AudioMessage) Final() bool {
	return m.IsFinalChunk == nil || *m.IsFinalChunk
}

// TTSRequestMessage asks the server to synthesize arbitrary text.
type TTSRequestMessage struct {
	Type         string `json:"type"`
	Text         string `json:"text"`
	LanguageCode string `json:"languageCode"`
	Voice        string `json:"voice,omitempty"`
}

// SettingsMessage updates the connection's stored settings. The legacy
// top-level ttsServiceType is applied before the settings object so the
// object wins on conflict.
type SettingsMessage struct {
	Type           string         `json:"type"`
	TTSServiceType string         `json:"ttsServiceType,omitempty"`
	Settings       ClientSettings `json:"settings,omitempty"`
}

// SendTranslationMessage is the manual-mode fan-out trigger.
type SendTranslationMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PingMessage is the application-level heartbeat. Timestamp is echoed
// back as originalTimestamp in the pong.
type PingMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// StudentRequestMessage is a student→teacher text message in two-way
// mode. Visibility is advisory ("private" or "class") and is echoed to
// teachers unchanged.
type StudentRequestMessage struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	Visibility string `json:"visibility,omitempty"`
}

// TeacherReplyMessage answers a student request. Scope "private" routes
// to the single requesting student; anything else fans out to the class.
type TeacherReplyMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	Scope     string `json:"scope,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// StudentAudioMessage is the spoken form of a student request.
type StudentAudioMessage struct {
	Type       string `json:"type"`
	Data       string `json:"data"`
	Visibility string `json:"visibility,omitempty"`
}

// ComprehensionSignalMessage is a lightweight student feedback pulse,
// relayed verbatim to teachers and aggregated for hints.
type ComprehensionSignalMessage struct {
	Type      string `json:"type"`
	Signal    string `json:"signal"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Server → client payloads
// ─────────────────────────────────────────────────────────────────────────────

// ConnectionWelcome is sent once right after the upgrade completes.
type ConnectionWelcome struct {
	Type          string `json:"type"`
	Status        string `json:"status"`
	SessionID     string `json:"sessionId"`
	TwoWayEnabled bool   `json:"twoWayEnabled"`
	Timestamp     int64  `json:"timestamp"`
}

// RegisterAck confirms a successful register.
type RegisterAck struct {
	Type   string          `json:"type"`
	Status string          `json:"status"`
	Data   RegisterAckData `json:"data"`
}

// RegisterAckData echoes back the registered attributes.
type RegisterAckData struct {
	Role         Role           `json:"role"`
	LanguageCode string         `json:"languageCode"`
	Settings     ClientSettings `json:"settings,omitempty"`
}

// ClassroomCodeMessage delivers the shareable code to the teacher.
type ClassroomCodeMessage struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	SessionID string `json:"sessionId"`
	ExpiresAt int64  `json:"expiresAt"`
}

// SpeechParams tells a client how to synthesize the text locally when the
// server sends no audio.
type SpeechParams struct {
	Type         string `json:"type"`
	Text         string `json:"text"`
	LanguageCode string `json:"languageCode"`
	AutoPlay     bool   `json:"autoPlay"`
}

// SpeechParamsType is the only SpeechParams.Type value currently emitted.
const SpeechParamsType = "browser-speech"

// LatencyComponents breaks the end-to-end latency into pipeline stages,
// all in milliseconds. Network is always 0 on the server side; clients
// fill it in from their own clock.
type LatencyComponents struct {
	Preparation int64 `json:"preparation"`
	Translation int64 `json:"translation"`
	TTS         int64 `json:"tts"`
	Processing  int64 `json:"processing"`
	Network     int64 `json:"network"`
}

// Latency is the latency block attached to every translation message.
type Latency struct {
	Total              int64             `json:"total"`
	ServerCompleteTime int64             `json:"serverCompleteTime"`
	Components         LatencyComponents `json:"components"`
}

// TranslationMessage is the per-student fan-out result.
type TranslationMessage struct {
	Type            string        `json:"type"`
	Text            string        `json:"text"`
	OriginalText    string        `json:"originalText"`
	SourceLanguage  string        `json:"sourceLanguage"`
	TargetLanguage  string        `json:"targetLanguage"`
	TTSServiceType  string        `json:"ttsServiceType"`
	AudioFormat     string        `json:"audioFormat,omitempty"`
	Latency         Latency       `json:"latency"`
	AudioData       string        `json:"audioData,omitempty"`
	UseClientSpeech bool          `json:"useClientSpeech,omitempty"`
	SpeechParams    *SpeechParams `json:"speechParams,omitempty"`
}

// Audio formats reported in TranslationMessage.AudioFormat.
const (
	AudioFormatWAV     = "wav"
	AudioFormatMP3     = "mp3"
	AudioFormatBrowser = "browser"
)

// ErrorDetail is the error object embedded in failed responses.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TTSResponseMessage answers a tts_request.
type TTSResponseMessage struct {
	Type            string        `json:"type"`
	Status          string        `json:"status"`
	Text            string        `json:"text,omitempty"`
	LanguageCode    string        `json:"languageCode,omitempty"`
	TTSServiceType  string        `json:"ttsServiceType,omitempty"`
	AudioData       string        `json:"audioData,omitempty"`
	UseClientSpeech bool          `json:"useClientSpeech,omitempty"`
	SpeechParams    *SpeechParams `json:"speechParams,omitempty"`
	Error           *ErrorDetail  `json:"error,omitempty"`
	Timestamp       int64         `json:"timestamp"`
}

// SettingsAck confirms a settings update and echoes the merged result.
type SettingsAck struct {
	Type     string         `json:"type"`
	Status   string         `json:"status"`
	Settings ClientSettings `json:"settings"`
}

// TeacherModeMessage tells students whether the teacher fans out
// automatically or releases translations manually.
type TeacherModeMessage struct {
	Type string `json:"type"`
	Mode string `json:"mode"`
}

// ACEHintMessage is an aggregated comprehension hint for teachers.
type ACEHintMessage struct {
	Type          string `json:"type"`
	Hint          string `json:"hint"`
	SignalCount   int    `json:"signalCount"`
	WindowSeconds int    `json:"windowSeconds"`
	Timestamp     int64  `json:"timestamp"`
}

// ManualSendAck confirms or rejects a send_translation.
type ManualSendAck struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// PongMessage answers an application-level ping.
type PongMessage struct {
	Type              string `json:"type"`
	Timestamp         int64  `json:"timestamp"`
	OriginalTimestamp int64  `json:"originalTimestamp,omitempty"`
}

// ErrorMessage is a generic error notification.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SessionExpiredMessage precedes the 1008 close for dead sessions.
type SessionExpiredMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StudentJoinedPayload identifies a joining student to teachers. The
// studentId is an ephemeral per-message value, not a stable identity.
type StudentJoinedPayload struct {
	StudentID    string `json:"studentId"`
	Name         string `json:"name,omitempty"`
	LanguageCode string `json:"languageCode"`
}

// StudentJoinedMessage announces a student join to session teachers.
type StudentJoinedMessage struct {
	Type    string               `json:"type"`
	Payload StudentJoinedPayload `json:"payload"`
}

// StudentCountUpdateMessage refreshes the teacher's student counter.
type StudentCountUpdateMessage struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// StudentRequestPayload is the teacher-facing form of a student request.
type StudentRequestPayload struct {
	RequestID    string `json:"requestId"`
	StudentID    string `json:"studentId"`
	Name         string `json:"name,omitempty"`
	LanguageCode string `json:"languageCode"`
	Text         string `json:"text"`
	Visibility   string `json:"visibility,omitempty"`
}

// StudentRequestBroadcast carries a student request to session teachers.
type StudentRequestBroadcast struct {
	Type    string                `json:"type"`
	Payload StudentRequestPayload `json:"payload"`
}

// TranscriptionEcho returns recognized speech to its sender. Interim
// echoes carry isFinal=false and never reach other participants.
type TranscriptionEcho struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	IsFinal   bool   `json:"isFinal"`
	Timestamp int64  `json:"timestamp"`
}
