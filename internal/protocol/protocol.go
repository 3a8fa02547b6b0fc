// Package protocol defines the JSON wire protocol spoken over the /ws
// endpoint: the message type catalog, the payload shapes for both
// directions, and the envelope decoder used by the dispatcher.
//
// Every frame is a JSON object carrying a required "type" field. The
// decoder only extracts the type and keeps the raw bytes; handlers
// unmarshal the payload they expect via [Payload]. Unknown fields are
// ignored so older and newer clients can interoperate.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message types sent by clients.
const (
	TypeRegister            = "register"
	TypeTranscription       = "transcription"
	TypeAudio               = "audio"
	TypeStudentAudio        = "student_audio"
	TypeTTSRequest          = "tts_request"
	TypeSettings            = "settings"
	TypeSendTranslation     = "send_translation"
	TypePing                = "ping"
	TypePong                = "pong"
	TypeComprehensionSignal = "comprehension_signal"
	TypeStudentRequest      = "student_request"
	TypeTeacherReply        = "teacher_reply"
)

// Message types sent by the server. TypeTranscription, TypePing, TypePong,
// TypeComprehensionSignal and TypeStudentRequest appear in both directions.
const (
	TypeConnection         = "connection"
	TypeClassroomCode      = "classroom_code"
	TypeTranslation        = "translation"
	TypeTTSResponse        = "tts_response"
	TypeTeacherMode        = "teacher_mode"
	TypeACEHint            = "ace_hint"
	TypeManualSendAck      = "manual_send_ack"
	TypeError              = "error"
	TypeSessionExpired     = "session_expired"
	TypeStudentJoined      = "student_joined"
	TypeStudentCountUpdate = "studentCountUpdate"
)

// Error codes carried in [ErrorMessage] and [SessionExpiredMessage].
const (
	CodeSessionExpired   = "SESSION_EXPIRED"
	CodeInvalidClassroom = "INVALID_CLASSROOM"
	CodeTTSFailed        = "TTS_FAILED"
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeRateLimited      = "RATE_LIMITED"
)

// Role is the registered role of a connection. The zero value means the
// peer has not registered yet.
type Role string

const (
	RoleUnset   Role = ""
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// ErrMalformed is returned by [Decode] for frames that are not JSON
// objects or lack a "type" string. The dispatcher logs these and keeps
// the connection open.
var ErrMalformed = errors.New("protocol: malformed message")

// Envelope is a decoded frame: the extracted type plus the raw bytes for
// payload-specific unmarshalling.
type Envelope struct {
	Type string
	Raw  json.RawMessage
}

// Decode extracts the message type from a raw frame. The payload is not
// validated beyond being a JSON object with a non-empty "type" string.
func Decode(data []byte) (Envelope, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if head.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return Envelope{Type: head.Type, Raw: json.RawMessage(data)}, nil
}

// Payload unmarshals the envelope's raw bytes into the handler's expected
// payload shape. Unknown fields are ignored.
func Payload[T any](env Envelope) (T, error) {
	var v T
	if err := json.Unmarshal(env.Raw, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return v, nil
}
