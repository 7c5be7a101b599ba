package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mohans/transcribeq/internal/store"
	"github.com/mohans/transcribeq/internal/task"
)

type fakeEnqueuer struct {
	ids []string
	err error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, taskID string) error {
	if f.err != nil {
		return f.err
	}
	f.ids = append(f.ids, taskID)
	return nil
}

func openTestStore(t *testing.T) (*store.SQLStore, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(store.Schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return store.NewSQLStore(db), db
}

func newTestServer(t *testing.T, s *store.SQLStore, enq Enqueuer) *Server {
	t.Helper()
	return NewServer(s, s, enq, t.TempDir(), nil)
}

func multipartUpload(t *testing.T, filename, callbackURL string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if filename != "" {
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		part.Write([]byte("fake audio bytes"))
	}
	if callbackURL != "" {
		mw.WriteField("callback_url", callbackURL)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func doUpload(t *testing.T, srv *Server, filename, callbackURL string) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartUpload(t, filename, callbackURL)
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestUpload_Accepted(t *testing.T) {
	s, _ := openTestStore(t)
	enq := &fakeEnqueuer{}
	srv := newTestServer(t, s, enq)

	rec := doUpload(t, srv, "meeting.mp3", "http://client.example/hook")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body)
	}
	var resp struct {
		TaskID    string `json:"task_id"`
		Status    string `json:"status"`
		CreatedAt string `json:"created_at"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TaskID == "" || resp.Status != "queued" || resp.CreatedAt == "" {
		t.Fatalf("unexpected body: %+v", resp)
	}
	if len(enq.ids) != 1 || enq.ids[0] != resp.TaskID {
		t.Fatalf("enqueued ids = %v", enq.ids)
	}
	got, err := s.Get(context.Background(), resp.TaskID)
	if err != nil {
		t.Fatalf("task not in store: %v", err)
	}
	if got.Status != task.StatusQueued || got.CallbackURL != "http://client.example/hook" {
		t.Fatalf("stored task = %#v", got)
	}
	if _, err := os.Stat(got.UploadPath); err != nil {
		t.Fatalf("upload not saved: %v", err)
	}
	if filepath.Ext(got.UploadPath) != ".mp3" {
		t.Errorf("upload path should keep the extension: %s", got.UploadPath)
	}
}

func TestUpload_UnsupportedExtension(t *testing.T) {
	s, db := openTestStore(t)
	enq := &fakeEnqueuer{}
	srv := newTestServer(t, s, enq)

	rec := doUpload(t, srv, "report.pdf", "")
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", rec.Code)
	}
	if len(enq.ids) != 0 {
		t.Errorf("nothing must be enqueued on rejection")
	}
	// No task ever appears in the store.
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&n); err != nil {
		t.Fatalf("count tasks: %v", err)
	}
	if n != 0 {
		t.Errorf("store has %d tasks, want 0", n)
	}
}

func TestUpload_MissingFile(t *testing.T) {
	s, _ := openTestStore(t)
	srv := newTestServer(t, s, &fakeEnqueuer{})
	rec := doUpload(t, srv, "", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestUpload_MalformedCallbackURLRejectedEagerly(t *testing.T) {
	s, _ := openTestStore(t)
	enq := &fakeEnqueuer{}
	srv := newTestServer(t, s, enq)

	for _, bad := range []string{"not a url", "ftp://host/x", "/relative/only"} {
		rec := doUpload(t, srv, "a.wav", bad)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("callback_url %q: status = %d, want 400", bad, rec.Code)
		}
	}
	if len(enq.ids) != 0 {
		t.Errorf("nothing must be enqueued for rejected uploads")
	}
}

func TestUpload_QueueDownReturns5xxAndRollsBack(t *testing.T) {
	s, _ := openTestStore(t)
	enq := &fakeEnqueuer{err: errors.New("dial tcp: connection refused")}
	srv := newTestServer(t, s, enq)

	rec := doUpload(t, srv, "a.wav", "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if _, ok := resp["task_id"]; ok {
		t.Errorf("no task_id may be returned when the queue is down")
	}
}

func TestTaskStatus_Polling(t *testing.T) {
	s, _ := openTestStore(t)
	srv := newTestServer(t, s, &fakeEnqueuer{})
	ctx := context.Background()

	if err := s.Create(ctx, task.Task{ID: "t-1", Filename: "a.mp3", UploadPath: "/u/t-1.mp3", Status: task.StatusQueued, CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	get := func() statusResponse {
		req := httptest.NewRequest(http.MethodGet, "/tasks/t-1", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body)
		}
		var resp statusResponse
		json.Unmarshal(rec.Body.Bytes(), &resp)
		return resp
	}

	if resp := get(); resp.Status != "queued" || resp.Result != nil {
		t.Fatalf("initial poll = %+v", resp)
	}

	if _, err := s.Transition(ctx, "t-1", task.StatusQueued, task.StatusConverting, nil); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if resp := get(); resp.Status != "converting" {
		t.Fatalf("poll after transition = %+v", resp)
	}
	if _, err := s.Transition(ctx, "t-1", task.StatusConverting, task.StatusFailed, &task.Result{Error: "boom"}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	resp := get()
	if resp.Status != "failed" || resp.Result == nil || resp.Result.Error != "boom" {
		t.Fatalf("terminal poll = %+v", resp)
	}
}

func TestTaskStatus_UnknownID(t *testing.T) {
	s, _ := openTestStore(t)
	srv := newTestServer(t, s, &fakeEnqueuer{})
	req := httptest.NewRequest(http.MethodGet, "/tasks/nope", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	s, _ := openTestStore(t)
	srv := newTestServer(t, s, &fakeEnqueuer{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
