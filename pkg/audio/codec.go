package audio

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// DecodePayload decodes an audio payload received over the wire. Browser
// clients send either a bare base64 string or a data URL of the form
// "data:audio/webm;base64,<payload>". The returned MIME type is empty for
// bare base64 payloads.
func DecodePayload(payload string) (data []byte, mimeType string, err error) {
	payload = strings.TrimSpace(payload)

	if rest, ok := strings.CutPrefix(payload, "data:"); ok {
		meta, b64, found := strings.Cut(rest, ",")
		if !found {
			return nil, "", fmt.Errorf("audio: malformed data URL")
		}
		mimeType, _, _ = strings.Cut(meta, ";")
		payload = b64
	}

	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// Some encoders omit padding.
		if raw, rawErr := base64.RawStdEncoding.DecodeString(payload); rawErr == nil {
			return raw, mimeType, nil
		}
		return nil, "", fmt.Errorf("audio: decode base64: %w", err)
	}
	return data, mimeType, nil
}

// EncodePayload encodes an audio clip for WebSocket transport.
func EncodePayload(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// MIMEForFormat maps a container format name to its MIME type.
func MIMEForFormat(format string) string {
	switch format {
	case "wav":
		return "audio/wav"
	case "mp3":
		return "audio/mpeg"
	case "webm":
		return "audio/webm"
	default:
		return "application/octet-stream"
	}
}
