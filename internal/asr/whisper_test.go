package asr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeWAV(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte("RIFFfake"), 0o644); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	return p
}

func TestWhisper_Transcribe(t *testing.T) {
	var gotModel, gotBeam string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transcribe" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, _, err := r.FormFile("file"); err != nil {
			http.Error(w, "missing file", http.StatusBadRequest)
			return
		}
		gotModel = r.FormValue("model")
		gotBeam = r.FormValue("beam_size")
		json.NewEncoder(w).Encode(map[string]any{
			"language":  "ru",
			"full_text": "привет мир",
			"segments": []map[string]any{
				{"start": 0.0, "end": 1.2, "text": " привет "},
				{"start": 1.2, "end": 2.0, "text": "мир"},
				{"start": 2.0, "end": 2.5, "text": "   "},
			},
		})
	}))
	defer srv.Close()

	w := NewWhisper(srv.URL, WhisperOptions{ModelSize: "small", Language: "ru", BeamSize: 5})
	tr, err := w.Transcribe(context.Background(), writeWAV(t, "a.wav"))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if gotModel != "small" || gotBeam != "5" {
		t.Errorf("form: model=%q beam=%q", gotModel, gotBeam)
	}
	if tr.Language != "ru" || tr.FullText != "привет мир" {
		t.Errorf("transcript = %#v", tr)
	}
	if len(tr.Segments) != 2 {
		t.Fatalf("blank segments must be dropped, got %d", len(tr.Segments))
	}
	if tr.Segments[0].Text != "привет" {
		t.Errorf("segment text not trimmed: %q", tr.Segments[0].Text)
	}
}

func TestWhisper_Transcribe_SortsSegmentsByStart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"language": "en",
			"segments": []map[string]any{
				{"start": 5.0, "end": 6.0, "text": "world"},
				{"start": 0.0, "end": 1.0, "text": "hello"},
				{"start": 2.5, "end": 3.0, "text": "there"},
			},
		})
	}))
	defer srv.Close()

	w := NewWhisper(srv.URL, WhisperOptions{})
	tr, err := w.Transcribe(context.Background(), writeWAV(t, "a.wav"))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if len(tr.Segments) != 3 {
		t.Fatalf("segments = %d, want 3", len(tr.Segments))
	}
	for i := 1; i < len(tr.Segments); i++ {
		if tr.Segments[i].Start < tr.Segments[i-1].Start {
			t.Fatalf("segments not sorted by start: %+v", tr.Segments)
		}
	}
	if tr.FullText != "hello there world" {
		t.Errorf("full text should follow sorted order, got %q", tr.FullText)
	}
}

func TestWhisper_Transcribe_BackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Model is still loading, retry later", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	w := NewWhisper(srv.URL, WhisperOptions{})
	_, err := w.Transcribe(context.Background(), writeWAV(t, "a.wav"))
	if err == nil {
		t.Fatalf("expected error on 503")
	}
}

func TestWhisper_Transcribe_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	w := NewWhisper(srv.URL, WhisperOptions{})
	if _, err := w.Transcribe(context.Background(), writeWAV(t, "a.wav")); err == nil {
		t.Fatalf("expected error on malformed body")
	}
}

func TestWhisper_Health_States(t *testing.T) {
	var status, detail string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": status, "detail": detail})
	}))
	defer srv.Close()
	w := NewWhisper(srv.URL, WhisperOptions{})
	ctx := context.Background()

	status = "ok"
	if err := w.Health(ctx); err != nil {
		t.Errorf("ok: %v", err)
	}
	status = "loading"
	if err := w.Health(ctx); !errors.Is(err, ErrNotReady) {
		t.Errorf("loading: want ErrNotReady, got %v", err)
	}
	status, detail = "error", "cuda out of memory"
	if err := w.Health(ctx); !errors.Is(err, ErrModelFailed) {
		t.Errorf("error: want ErrModelFailed, got %v", err)
	}
}

func TestWhisper_Health_Unreachable(t *testing.T) {
	w := NewWhisper("http://127.0.0.1:1", WhisperOptions{Timeout: time.Second})
	if err := w.Health(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Errorf("want ErrNotReady, got %v", err)
	}
}
