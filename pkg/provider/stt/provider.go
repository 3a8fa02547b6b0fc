// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (e.g., OpenAI Whisper or Google
// Cloud Speech-to-Text) behind a uniform request/response interface. Unlike a
// streaming recognizer, a provider transcribes one complete utterance per call:
// the broker's clients buffer microphone audio into self-contained chunks and
// ship each chunk as a single request.
//
// Implementations must be safe for concurrent use. Multiple transcriptions may
// be in flight simultaneously (one per speaking teacher).
package stt

import "context"

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Transcribe converts one complete audio chunk into text. It blocks until
	// the provider responds or ctx is done. An empty Result.Text with a nil
	// error means the audio contained no speech; callers should treat that as
	// a silent drop rather than a failure.
	Transcribe(ctx context.Context, req Request) (Result, error)
}
