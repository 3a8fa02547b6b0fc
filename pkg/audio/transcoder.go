package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

const defaultBitrate = "64k"

// TranscoderOption is a functional option for configuring a Transcoder.
type TranscoderOption func(*Transcoder)

// WithBitrate sets the MP3 output bitrate (e.g., "64k", "128k").
func WithBitrate(bitrate string) TranscoderOption {
	return func(t *Transcoder) { t.bitrate = bitrate }
}

// Transcoder converts WAV clips to MP3 by shelling out to an ffmpeg binary.
// It is safe for concurrent use; each conversion runs its own process.
type Transcoder struct {
	path    string
	bitrate string
}

// NewTranscoder resolves the ffmpeg binary and returns a ready Transcoder.
// path may be an absolute path or a bare binary name looked up on PATH; an
// empty path means "ffmpeg". Returns an error when no usable binary is found,
// in which case callers should ship WAV unconverted rather than fail the
// delivery.
func NewTranscoder(path string, opts ...TranscoderOption) (*Transcoder, error) {
	if path == "" {
		path = "ffmpeg"
	}
	if !filepath.IsAbs(path) {
		resolved, err := exec.LookPath(path)
		if err != nil {
			return nil, fmt.Errorf("audio: locate ffmpeg: %w", err)
		}
		path = resolved
	}
	t := &Transcoder{
		path:    filepath.Clean(path),
		bitrate: defaultBitrate,
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// ToMP3 converts a complete WAV clip to MP3. The input is validated before
// spawning the process so malformed clips fail fast.
func (t *Transcoder) ToMP3(ctx context.Context, wav []byte) ([]byte, error) {
	if _, err := ParseWAV(wav); err != nil {
		return nil, err
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "wav",
		"-i", "pipe:0",
		"-f", "mp3",
		"-b:a", t.bitrate,
		"pipe:1",
	}

	// #nosec G204 -- path is resolved and cleaned in NewTranscoder, args are fixed
	cmd := exec.CommandContext(ctx, t.path, args...)
	cmd.Stdin = bytes.NewReader(wav)

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("audio: ffmpeg: %w: %s", err, firstLine(msg))
		}
		return nil, fmt.Errorf("audio: ffmpeg: %w", err)
	}
	if out.Len() == 0 {
		return nil, errors.New("audio: ffmpeg produced no output")
	}
	return out.Bytes(), nil
}

// firstLine trims multi-line ffmpeg stderr down to its first line for log
// friendliness.
func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
