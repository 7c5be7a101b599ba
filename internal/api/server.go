// Package api exposes the HTTP intake surface: upload, status polling, and
// liveness. It creates tasks and enqueues references to them; all
// processing happens in the worker pool.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/mohans/transcribeq/internal/store"
	"github.com/mohans/transcribeq/internal/task"
)

// allowedExtensions are the upload types accepted for transcription.
var allowedExtensions = map[string]bool{
	".mp3": true, ".wav": true, ".ogg": true, ".oga": true, ".flac": true,
	".m4a": true, ".aac": true, ".opus": true, ".wma": true,
	".mp4": true, ".mkv": true, ".mov": true, ".avi": true, ".webm": true,
}

// TaskReader serves status polls. Satisfied by *store.Cache and the store
// itself.
type TaskReader interface {
	Get(ctx context.Context, id string) (*task.Task, error)
}

// Enqueuer publishes a created task to the work queue.
// Satisfied by *queue.Client.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskID string) error
}

// Server is the intake gateway.
type Server struct {
	echo      *echo.Echo
	store     store.Store
	reader    TaskReader
	enqueuer  Enqueuer
	uploadDir string
	log       *slog.Logger
}

func NewServer(st store.Store, reader TaskReader, enq Enqueuer, uploadDir string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:      e,
		store:     st,
		reader:    reader,
		enqueuer:  enq,
		uploadDir: uploadDir,
		log:       log,
	}
	e.POST("/upload", s.handleUpload)
	e.GET("/tasks/:task_id", s.handleTaskStatus)
	e.GET("/health", s.handleHealth)
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error { return s.echo.Start(addr) }

func (s *Server) Shutdown(ctx context.Context) error { return s.echo.Shutdown(ctx) }

type uploadResponse struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

type statusResponse struct {
	Status    string       `json:"status"`
	UpdatedAt string       `json:"updated_at,omitempty"`
	Result    *task.Result `json:"result,omitempty"`
}

func (s *Server) handleUpload(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	if fileHeader.Filename == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "filename is required")
	}
	ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
	if !allowedExtensions[ext] {
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, "unsupported file type "+ext)
	}

	callbackURL := strings.TrimSpace(c.FormValue("callback_url"))
	if callbackURL != "" {
		u, err := url.Parse(callbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "callback_url must be an absolute http(s) URL")
		}
	}

	id := uuid.NewString()
	savePath := filepath.Join(s.uploadDir, id+ext)
	if err := s.saveUpload(fileHeader, savePath); err != nil {
		s.log.Error("store upload", "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "could not store upload")
	}

	ctx := c.Request().Context()
	createdAt := time.Now().UTC()
	t := task.Task{
		ID:          id,
		Filename:    fileHeader.Filename,
		UploadPath:  savePath,
		CallbackURL: callbackURL,
		Status:      task.StatusQueued,
		CreatedAt:   createdAt,
	}
	if err := s.store.Create(ctx, t); err != nil {
		os.Remove(savePath)
		s.log.Error("create task", "task_id", id, "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "could not create task")
	}
	if err := s.enqueuer.Enqueue(ctx, id); err != nil {
		// Roll back so the client can retry with a clean slate.
		if derr := s.store.Delete(ctx, id); derr != nil {
			s.log.Error("rollback task", "task_id", id, "err", derr)
		}
		os.Remove(savePath)
		s.log.Error("enqueue task", "task_id", id, "err", err)
		return echo.NewHTTPError(http.StatusBadGateway, "work queue unavailable")
	}

	s.log.Info("task accepted", "task_id", id, "filename", fileHeader.Filename)
	return c.JSON(http.StatusAccepted, uploadResponse{
		TaskID:    id,
		Status:    string(task.StatusQueued),
		CreatedAt: createdAt.Format(time.RFC3339),
	})
}

func (s *Server) handleTaskStatus(c echo.Context) error {
	id := c.Param("task_id")
	t, err := s.reader.Get(c.Request().Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	if err != nil {
		s.log.Error("read task", "task_id", id, "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "could not read task")
	}
	return c.JSON(http.StatusOK, statusResponse{
		Status:    string(t.Status),
		UpdatedAt: t.UpdatedAt.UTC().Format(time.RFC3339),
		Result:    t.Result,
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) saveUpload(fh *multipart.FileHeader, dst string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, src)
	return err
}
