package tts

// Audio container formats a provider may produce.
const (
	// FormatWAV is a RIFF/WAVE container with PCM samples.
	FormatWAV = "wav"

	// FormatMP3 is an MPEG-1 Layer III stream.
	FormatMP3 = "mp3"
)

// Request describes one synthesis unit.
type Request struct {
	// Text is the translated fragment to speak. Never empty.
	Text string

	// Language is the BCP-47 tag of Text (e.g., "es-ES"). Providers use it
	// to pick pronunciation; some require a bare two-letter code and should
	// normalise internally.
	Language string

	// Voice is the provider-specific voice identifier. Empty selects the
	// provider's default voice.
	Voice string

	// Speed adjusts the speaking rate (0.5 to 2.0). Zero means the provider
	// default.
	Speed float64
}

// Result is the outcome of a synthesis.
type Result struct {
	// Audio is the complete synthesised clip in the container named by Format.
	Audio []byte

	// Format is the container format of Audio: FormatWAV or FormatMP3.
	Format string
}
