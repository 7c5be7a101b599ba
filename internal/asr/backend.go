// Package asr talks to the external speech-recognition service. Two
// interchangeable backends implement the same capability: Whisper (CPU,
// whole-file) and Qwen (GPU, fixed-length chunks merged client-side).
package asr

import (
	"context"
	"errors"

	"github.com/mohans/transcribeq/internal/task"
)

// Transcript is the aggregated output of one transcription call.
type Transcript struct {
	Language string
	FullText string
	Segments []task.Segment
}

// Backend is a pluggable transcription backend.
type Backend interface {
	// Transcribe sends the prepared WAV file and returns the aggregated
	// transcript with segments ordered by start time.
	Transcribe(ctx context.Context, audioPath string) (Transcript, error)
	// Health reports nil when the backend is ready. ErrNotReady means the
	// model is still loading or the service is unreachable; ErrModelFailed
	// means the model load failed and waiting longer will not help.
	Health(ctx context.Context) error
}

var (
	ErrNotReady    = errors.New("asr backend not ready")
	ErrModelFailed = errors.New("asr model failed to load")
)
