// Package audio provides the small amount of audio plumbing the broker needs:
// RIFF/WAVE inspection, base64 payload codecs for WebSocket transport, and a
// WAV-to-MP3 transcoder backed by an external ffmpeg binary.
//
// The broker never decodes or resamples audio itself; it treats clips as
// opaque containers and only peeks at headers to decide how to ship them.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Info holds the format metadata extracted from a RIFF/WAVE header.
type Info struct {
	// DataOffset is the byte offset of the first PCM sample.
	DataOffset int

	// DataLen is the length of the data chunk in bytes, clamped to what is
	// actually present in the buffer.
	DataLen int

	// SampleRate is samples per second (e.g., 16000, 24000, 44100).
	SampleRate int

	// Channels is 1 for mono, 2 for stereo.
	Channels int

	// BitsPerSample is the sample width, typically 16.
	BitsPerSample int
}

// IsWAV reports whether b starts with a RIFF/WAVE signature.
func IsWAV(b []byte) bool {
	return len(b) >= 12 && string(b[0:4]) == "RIFF" && string(b[8:12]) == "WAVE"
}

// ParseWAV scans the RIFF/WAVE container in b and returns the data offset and
// audio format from the "fmt " sub-chunk. Walking the chunks is more robust
// than assuming a fixed 44-byte header because the fmt chunk size varies
// between encoders.
//
// Returns an error if b is not a valid RIFF/WAVE container or the data chunk
// cannot be located.
func ParseWAV(b []byte) (Info, error) {
	if !IsWAV(b) {
		return Info{}, errors.New("audio: not a RIFF/WAVE container")
	}

	var info Info
	foundFmt := false

	// Walk chunks starting after the 12-byte RIFF/WAVE header. Chunks are
	// word-aligned: odd sizes are padded by one byte.
	offset := 12
	for offset+8 <= len(b) {
		chunkID := string(b[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(b[offset+4 : offset+8]))
		if chunkSize < 0 {
			return Info{}, fmt.Errorf("audio: corrupt chunk %q at offset %d", chunkID, offset)
		}

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(b) {
				fmtData := b[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				info.BitsPerSample = int(binary.LittleEndian.Uint16(fmtData[14:16]))
				foundFmt = true
			}
		case "data":
			if !foundFmt {
				return Info{}, errors.New("audio: data chunk precedes fmt chunk")
			}
			info.DataOffset = offset + 8
			info.DataLen = min(chunkSize, len(b)-info.DataOffset)
			return info, nil
		}

		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return Info{}, errors.New("audio: missing data chunk")
}

// BuildWAV wraps raw little-endian PCM samples in a canonical 44-byte
// RIFF/WAVE header. Used for constructing test fixtures and for normalising
// headerless PCM received from synthesis backends.
func BuildWAV(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	blockAlign := channels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign

	out := make([]byte, 44+len(pcm))
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(out[20:22], 1)  // PCM format tag
	binary.LittleEndian.PutUint16(out[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], uint16(bitsPerSample))
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[44:], pcm)
	return out
}
