package asr

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"
)

// Splitter cuts audio into fixed-length chunk files.
// Satisfied by *media.FFmpeg.
type Splitter interface {
	Split(ctx context.Context, inputPath string, chunkSeconds int) ([]string, error)
}

// QwenOptions configures the GPU backend.
type QwenOptions struct {
	ModelID      string
	Language     string
	ChunkSeconds int
	Timeout      time.Duration
}

// Qwen is the GPU transcription backend. The service handles bounded
// inputs, so the audio is split into ChunkSeconds pieces which are
// transcribed one by one, their segment times offset by chunk position,
// and the results merged into a single start-ordered transcript.
type Qwen struct {
	baseURL  string
	opts     QwenOptions
	splitter Splitter
	client   *http.Client
}

func NewQwen(baseURL string, splitter Splitter, opts QwenOptions) *Qwen {
	if opts.ChunkSeconds <= 0 {
		opts.ChunkSeconds = 30
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Minute
	}
	return &Qwen{
		baseURL:  strings.TrimRight(baseURL, "/"),
		opts:     opts,
		splitter: splitter,
		client:   &http.Client{Timeout: opts.Timeout},
	}
}

func (q *Qwen) Health(ctx context.Context) error {
	return checkHealth(ctx, q.client, q.baseURL)
}

func (q *Qwen) Transcribe(ctx context.Context, audioPath string) (Transcript, error) {
	chunks, err := q.splitter.Split(ctx, audioPath, q.opts.ChunkSeconds)
	if err != nil {
		return Transcript{}, fmt.Errorf("split audio: %w", err)
	}
	defer func() {
		for _, c := range chunks {
			os.Remove(c)
		}
	}()

	form := map[string]string{
		"model":    q.opts.ModelID,
		"language": q.opts.Language,
	}
	var merged Transcript
	for i, chunk := range chunks {
		part, err := postTranscribe(ctx, q.client, q.baseURL, chunk, form)
		if err != nil {
			return Transcript{}, fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
		}
		offset := float64(i * q.opts.ChunkSeconds)
		for _, s := range part.Segments {
			s.Start += offset
			s.End += offset
			merged.Segments = append(merged.Segments, s)
		}
		if merged.Language == "" {
			merged.Language = part.Language
		}
	}

	sort.SliceStable(merged.Segments, func(i, j int) bool {
		return merged.Segments[i].Start < merged.Segments[j].Start
	})
	parts := make([]string, 0, len(merged.Segments))
	for _, s := range merged.Segments {
		parts = append(parts, s.Text)
	}
	merged.FullText = strings.Join(parts, " ")
	return merged, nil
}
