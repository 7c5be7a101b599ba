// Package media wraps the external ffmpeg tool for format conversion,
// noise reduction, and chunk splitting. Artifact paths are derived
// deterministically from the task id so a worker resuming a redelivered
// task finds the files produced by its predecessor.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Result captures one external command invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner abstracts process execution for testability.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		return res, err
	}
	return res, nil
}

// FFmpeg invokes the ffmpeg binary for every audio operation.
type FFmpeg struct {
	binPath string
	runner  Runner
}

func NewFFmpeg() *FFmpeg {
	return &FFmpeg{binPath: "ffmpeg", runner: execRunner{}}
}

// NewFFmpegWithRunner is used by tests to substitute process execution.
func NewFFmpegWithRunner(r Runner) *FFmpeg {
	return &FFmpeg{binPath: "ffmpeg", runner: r}
}

// ConvertedPath returns the canonical-audio artifact path for an upload.
func ConvertedPath(uploadPath string) string {
	return trimExt(uploadPath) + "_converted.wav"
}

// DenoisedPath returns the noise-reduced artifact path for an upload.
func DenoisedPath(uploadPath string) string {
	return trimExt(uploadPath) + "_denoised.wav"
}

func trimExt(p string) string {
	return strings.TrimSuffix(p, filepath.Ext(p))
}

// Convert normalizes the upload into 16 kHz mono 16-bit PCM WAV.
func (f *FFmpeg) Convert(ctx context.Context, inputPath, outputPath string) error {
	args := []string{
		"-y", "-i", inputPath,
		"-acodec", "pcm_s16le", "-ar", "16000", "-ac", "1",
		outputPath,
	}
	if res, err := f.runner.Run(ctx, f.binPath, args...); err != nil {
		return fmt.Errorf("ffmpeg convert (exit %d): %s", res.ExitCode, lastLine(res.Stderr))
	}
	return nil
}

// Denoise applies the afftdn noise-reduction filter.
func (f *FFmpeg) Denoise(ctx context.Context, inputPath, outputPath string) error {
	args := []string{
		"-y", "-i", inputPath,
		"-af", "afftdn",
		outputPath,
	}
	if res, err := f.runner.Run(ctx, f.binPath, args...); err != nil {
		return fmt.Errorf("ffmpeg denoise (exit %d): %s", res.ExitCode, lastLine(res.Stderr))
	}
	return nil
}

// Split cuts the input into consecutive chunks of chunkSeconds, written as
// <input>_chunk_000.wav, _001.wav, ... in the input's directory. Returns
// the chunk paths in playback order.
func (f *FFmpeg) Split(ctx context.Context, inputPath string, chunkSeconds int) ([]string, error) {
	if chunkSeconds <= 0 {
		return nil, fmt.Errorf("split: chunk length must be positive, got %d", chunkSeconds)
	}
	pattern := trimExt(inputPath) + "_chunk_%03d.wav"
	args := []string{
		"-y", "-i", inputPath,
		"-f", "segment", "-segment_time", strconv.Itoa(chunkSeconds),
		"-c", "copy",
		pattern,
	}
	if res, err := f.runner.Run(ctx, f.binPath, args...); err != nil {
		return nil, fmt.Errorf("ffmpeg split (exit %d): %s", res.ExitCode, lastLine(res.Stderr))
	}
	matches, err := filepath.Glob(trimExt(inputPath) + "_chunk_*.wav")
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, errors.New("split: ffmpeg produced no chunks")
	}
	sort.Strings(matches)
	return matches, nil
}

// RemoveArtifacts deletes the upload and every derived file for a task.
// Called on both terminal paths; missing files are not an error.
func RemoveArtifacts(uploadPath string) error {
	paths := []string{uploadPath, ConvertedPath(uploadPath), DenoisedPath(uploadPath)}
	if chunks, err := filepath.Glob(trimExt(uploadPath) + "_*_chunk_*.wav"); err == nil {
		paths = append(paths, chunks...)
	}
	var firstErr error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if s == "" {
		return "no output"
	}
	return s
}
