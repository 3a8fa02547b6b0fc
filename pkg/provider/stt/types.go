package stt

// Request describes one complete utterance to transcribe.
type Request struct {
	// Audio is the complete audio payload, container included (typically WAV
	// or WebM as produced by a browser MediaRecorder).
	Audio []byte

	// MIMEType identifies the container format of Audio (e.g., "audio/wav",
	// "audio/webm"). Providers that sniff the format may ignore it.
	MIMEType string

	// Language is the BCP-47 language tag of the speech (e.g., "en-US").
	// An empty string lets the provider auto-detect, if supported.
	Language string

	// Prompt optionally carries vocabulary hints such as subject-specific
	// terminology. Providers without prompt support ignore it.
	Prompt string
}

// Result is the outcome of a transcription.
type Result struct {
	// Text is the recognised transcript. May be empty when the audio
	// contained no discernible speech.
	Text string

	// Language is the language the provider detected, when reported.
	// Empty if the provider echoes no language information.
	Language string

	// Confidence is the provider's confidence in Text, in [0, 1].
	// Zero when the provider reports no confidence score.
	Confidence float64
}
