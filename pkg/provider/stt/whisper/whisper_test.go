package whisper

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aulavoz/aulavoz/pkg/provider/stt"
)

// inferenceCapture records what one /inference request carried.
type inferenceCapture struct {
	path     string
	fileName string
	fileData []byte
	fields   map[string]string
}

// newInferenceServer serves /inference with the given transcript and
// captures the multipart body of the last request.
func newInferenceServer(t *testing.T, transcript string, got *inferenceCapture) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.fields = map[string]string{}
		mr, err := r.MultipartReader()
		if err != nil {
			t.Errorf("MultipartReader() error: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Errorf("NextPart() error: %v", err)
				break
			}
			data, _ := io.ReadAll(part)
			if part.FormName() == "file" {
				got.fileName = part.FileName()
				got.fileData = data
			} else {
				got.fields[part.FormName()] = string(data)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text": "` + transcript + `"}`))
	}))
}

func mustNew(t *testing.T, serverURL string, opts ...Option) *Provider {
	t.Helper()
	p, err := New(serverURL, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return p
}

// ---- New ----

func TestNew_EmptyServerURL(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("New(\"\") expected error, got nil")
	}
}

func TestNew_TrimsTrailingSlash(t *testing.T) {
	p := mustNew(t, "http://localhost:9000/")
	if p.serverURL != "http://localhost:9000" {
		t.Errorf("serverURL = %q, want %q", p.serverURL, "http://localhost:9000")
	}
}

// ---- Transcribe ----

func TestTranscribe_Success(t *testing.T) {
	var got inferenceCapture
	srv := newInferenceServer(t, " Hola a todos.", &got)
	defer srv.Close()

	p := mustNew(t, srv.URL)
	res, err := p.Transcribe(context.Background(), stt.Request{
		Audio:    []byte("fake-webm-bytes"),
		MIMEType: "audio/webm",
		Language: "es",
	})
	if err != nil {
		t.Fatalf("Transcribe() error: %v", err)
	}

	if got.path != "/inference" {
		t.Errorf("path = %q, want %q", got.path, "/inference")
	}
	if got.fileName != "audio.webm" {
		t.Errorf("file name = %q, want %q", got.fileName, "audio.webm")
	}
	if string(got.fileData) != "fake-webm-bytes" {
		t.Errorf("file data = %q, want %q", got.fileData, "fake-webm-bytes")
	}
	if got.fields["language"] != "es" {
		t.Errorf("language field = %q, want %q", got.fields["language"], "es")
	}
	if res.Text != "Hola a todos." {
		t.Errorf("Text = %q, want %q (leading space trimmed)", res.Text, "Hola a todos.")
	}
	if res.Language != "es" {
		t.Errorf("Language = %q, want %q", res.Language, "es")
	}
}

func TestTranscribe_ShortensLanguageTag(t *testing.T) {
	var got inferenceCapture
	srv := newInferenceServer(t, "bonjour", &got)
	defer srv.Close()

	p := mustNew(t, srv.URL)
	res, err := p.Transcribe(context.Background(), stt.Request{
		Audio:    []byte("x"),
		Language: "fr-CA",
	})
	if err != nil {
		t.Fatalf("Transcribe() error: %v", err)
	}
	if got.fields["language"] != "fr" {
		t.Errorf("language field = %q, want %q", got.fields["language"], "fr")
	}
	// The result keeps the caller's full tag.
	if res.Language != "fr-CA" {
		t.Errorf("Language = %q, want %q", res.Language, "fr-CA")
	}
}

func TestTranscribe_NoLanguageOmitsField(t *testing.T) {
	var got inferenceCapture
	srv := newInferenceServer(t, "hello", &got)
	defer srv.Close()

	p := mustNew(t, srv.URL)
	if _, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte("x")}); err != nil {
		t.Fatalf("Transcribe() error: %v", err)
	}
	if _, ok := got.fields["language"]; ok {
		t.Errorf("language field sent as %q, want omitted", got.fields["language"])
	}
}

func TestTranscribe_ProviderDefaultLanguage(t *testing.T) {
	var got inferenceCapture
	srv := newInferenceServer(t, "hola", &got)
	defer srv.Close()

	p := mustNew(t, srv.URL, WithLanguage("es"))
	if _, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte("x")}); err != nil {
		t.Fatalf("Transcribe() error: %v", err)
	}
	if got.fields["language"] != "es" {
		t.Errorf("language field = %q, want %q", got.fields["language"], "es")
	}
}

func TestTranscribe_ModelField(t *testing.T) {
	var got inferenceCapture
	srv := newInferenceServer(t, "hi", &got)
	defer srv.Close()

	p := mustNew(t, srv.URL, WithModel("small"))
	if _, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte("x")}); err != nil {
		t.Fatalf("Transcribe() error: %v", err)
	}
	if got.fields["model"] != "small" {
		t.Errorf("model field = %q, want %q", got.fields["model"], "small")
	}
}

func TestTranscribe_DefaultFileName(t *testing.T) {
	var got inferenceCapture
	srv := newInferenceServer(t, "ok", &got)
	defer srv.Close()

	p := mustNew(t, srv.URL)
	if _, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte("x")}); err != nil {
		t.Fatalf("Transcribe() error: %v", err)
	}
	if got.fileName != "audio.wav" {
		t.Errorf("file name = %q, want %q", got.fileName, "audio.wav")
	}
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	p := mustNew(t, "http://localhost:9000")
	if _, err := p.Transcribe(context.Background(), stt.Request{}); err == nil {
		t.Fatal("Transcribe() with empty audio expected error, got nil")
	}
}

func TestTranscribe_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	if _, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte("x")}); err == nil {
		t.Fatal("Transcribe() expected error on status 500, got nil")
	}
}

func TestTranscribe_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	if _, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte("x")}); err == nil {
		t.Fatal("Transcribe() expected error on bad JSON, got nil")
	}
}
