// Package translate defines the Provider interface for machine translation
// backends.
//
// A translation provider turns one transcript fragment into one target
// language per call. The broker fans a single transcript out to every distinct
// student language in a session, so implementations should expect many small
// concurrent requests rather than long documents.
//
// Implementations must be safe for concurrent use.
package translate

import "context"

// Provider is the abstraction over any translation backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Translate converts req.Text into req.TargetLanguage. It blocks until
	// the backend responds or ctx is done. An empty Result.Text with a nil
	// error means the backend declined to translate (e.g., it echoed the
	// source language back); callers deliver the source text in that case.
	Translate(ctx context.Context, req Request) (Result, error)
}
