package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aulavoz/aulavoz/internal/store"
)

// Compile-time interface checks.
var (
	_ Sink = (*StoreSink)(nil)
	_ Sink = (*FileSink)(nil)
)

// StoreSink appends records to the session store.
type StoreSink struct {
	store store.Store
}

// NewStoreSink wraps st in a Sink. Closing the sink does not close the
// store; its lifetime belongs to the application.
func NewStoreSink(st store.Store) *StoreSink {
	return &StoreSink{store: st}
}

// Append implements [Sink].
func (s *StoreSink) Append(ctx context.Context, rec store.TranslationRecord) error {
	return s.store.AppendTranslation(ctx, rec)
}

// Close implements [Sink].
func (s *StoreSink) Close() error { return nil }

// fileRecord is the JSON-lines shape written by [FileSink].
type fileRecord struct {
	Timestamp      time.Time `json:"timestamp"`
	SessionID      string    `json:"session_id"`
	OriginalText   string    `json:"original_text"`
	TranslatedText string    `json:"translated_text"`
	SourceLanguage string    `json:"source_language"`
	TargetLanguage string    `json:"target_language"`
	TTSService     string    `json:"tts_service,omitempty"`
	AudioFormat    string    `json:"audio_format,omitempty"`
	LatencyMS      int64     `json:"latency_ms"`
}

// FileSink persists records as append-only JSON lines in a local file,
// one object per delivered translation. Thread-safe for concurrent use.
type FileSink struct {
	mu   sync.Mutex
	path string
	f    *os.File
	enc  *json.Encoder
}

// NewFileSink opens (or creates) the JSONL file at path for appending.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("persist: open %s: %w", path, err)
	}
	return &FileSink{path: path, f: f, enc: json.NewEncoder(f)}, nil
}

// Append implements [Sink].
func (s *FileSink) Append(_ context.Context, rec store.TranslationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line := fileRecord{
		Timestamp:      rec.CreatedAt,
		SessionID:      rec.SessionID,
		OriginalText:   rec.OriginalText,
		TranslatedText: rec.TranslatedText,
		SourceLanguage: rec.SourceLanguage,
		TargetLanguage: rec.TargetLanguage,
		TTSService:     rec.TTSService,
		AudioFormat:    rec.AudioFormat,
		LatencyMS:      rec.LatencyMS,
	}
	if err := s.enc.Encode(line); err != nil {
		return fmt.Errorf("persist: write %s: %w", s.path, err)
	}
	return nil
}

// Close implements [Sink].
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	if err != nil {
		return fmt.Errorf("persist: close %s: %w", s.path, err)
	}
	return nil
}
