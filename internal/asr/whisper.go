package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mohans/transcribeq/internal/task"
)

// WhisperOptions selects the model served by the CPU backend.
type WhisperOptions struct {
	ModelSize string
	Language  string
	BeamSize  int
	// Timeout bounds one transcription call so a stuck backend cannot
	// wedge the worker.
	Timeout time.Duration
}

// Whisper is the faster-whisper HTTP backend.
type Whisper struct {
	baseURL string
	opts    WhisperOptions
	client  *http.Client
}

func NewWhisper(baseURL string, opts WhisperOptions) *Whisper {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Minute
	}
	return &Whisper{
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    opts,
		client:  &http.Client{Timeout: opts.Timeout},
	}
}

func (w *Whisper) Health(ctx context.Context) error {
	return checkHealth(ctx, w.client, w.baseURL)
}

func (w *Whisper) Transcribe(ctx context.Context, audioPath string) (Transcript, error) {
	form := map[string]string{
		"model":     w.opts.ModelSize,
		"language":  w.opts.Language,
		"beam_size": strconv.Itoa(w.opts.BeamSize),
	}
	return postTranscribe(ctx, w.client, w.baseURL, audioPath, form)
}

// transcribeResponse mirrors the service's /transcribe body.
type transcribeResponse struct {
	TaskID   string  `json:"task_id"`
	Language string  `json:"language"`
	FullText string  `json:"full_text"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

type healthResponse struct {
	Status string `json:"status"` // ok | loading | error
	Detail string `json:"detail"`
}

func checkHealth(ctx context.Context, client *http.Client, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned HTTP %d", ErrNotReady, resp.StatusCode)
	}
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("%w: malformed health body: %v", ErrNotReady, err)
	}
	switch body.Status {
	case "ok":
		return nil
	case "loading":
		return fmt.Errorf("%w: model is loading", ErrNotReady)
	case "error":
		return fmt.Errorf("%w: %s", ErrModelFailed, body.Detail)
	default:
		return fmt.Errorf("%w: unexpected health status %q", ErrNotReady, body.Status)
	}
}

func postTranscribe(ctx context.Context, client *http.Client, baseURL, audioPath string, form map[string]string) (Transcript, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return Transcript{}, fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return Transcript{}, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return Transcript{}, fmt.Errorf("read audio: %w", err)
	}
	for k, v := range form {
		if v != "" {
			if err := mw.WriteField(k, v); err != nil {
				return Transcript{}, err
			}
		}
	}
	if err := mw.Close(); err != nil {
		return Transcript{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/transcribe", &buf)
	if err != nil {
		return Transcript{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := client.Do(req)
	if err != nil {
		return Transcript{}, fmt.Errorf("asr request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Transcript{}, fmt.Errorf("asr error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Transcript{}, fmt.Errorf("malformed asr response: %w", err)
	}
	tr := Transcript{Language: parsed.Language, FullText: parsed.FullText}
	for _, s := range parsed.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		tr.Segments = append(tr.Segments, task.Segment{Start: s.Start, End: s.End, Text: text})
	}
	// The service is not trusted to order its segments.
	sort.SliceStable(tr.Segments, func(i, j int) bool {
		return tr.Segments[i].Start < tr.Segments[j].Start
	})
	if tr.FullText == "" {
		parts := make([]string, 0, len(tr.Segments))
		for _, s := range tr.Segments {
			parts = append(parts, s.Text)
		}
		tr.FullText = strings.Join(parts, " ")
	}
	return tr, nil
}
