// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., OpenAI, ElevenLabs,
// or a local synthesis server) behind a uniform request/response interface.
// One call synthesises one translated fragment into a complete audio clip;
// the broker encodes the clip and ships it to students inline with the text.
//
// Implementations must be safe for concurrent use. A single transcript fans
// out to every student language at once, so several synthesis requests are
// typically in flight in parallel.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Synthesize converts req.Text into spoken audio. It blocks until the
	// backend responds or ctx is done. The returned Result carries the audio
	// bytes and the container format the backend produced.
	Synthesize(ctx context.Context, req Request) (Result, error)
}
