package translate

// Request describes one translation unit.
type Request struct {
	// Text is the source transcript fragment. Never empty; callers drop
	// blank transcripts before reaching the provider.
	Text string

	// SourceLanguage is the BCP-47 tag of Text (e.g., "en-US").
	SourceLanguage string

	// TargetLanguage is the BCP-47 tag to translate into (e.g., "es-ES").
	TargetLanguage string

	// Simplify requests reduced-complexity output: shorter sentences and
	// common vocabulary, for students who read below grade level.
	Simplify bool
}

// Result is the outcome of a translation.
type Result struct {
	// Text is the translated fragment.
	Text string

	// Model names the model that produced Text, when the backend reports it.
	Model string
}
