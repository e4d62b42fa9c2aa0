package webapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/neuralcollective/borg/internal/store"
	"github.com/neuralcollective/borg/internal/transport"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "borg.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestServer(t *testing.T, st *store.Store) *Server {
	t.Helper()
	return New(Config{Store: st, GinMode: gin.TestMode})
}

func TestCreateAndGetTask(t *testing.T) {
	st := openTestStore(t)
	s := newTestServer(t, st)

	body, _ := json.Marshal(createTaskRequest{Title: "fix bug", RepoPath: "/repo"})
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var created struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/tasks/"+strconv.FormatInt(created.ID, 10), nil)
	getRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status = %d, body = %s", getRec.Code, getRec.Body.String())
	}
}

func TestGetTaskNotFound(t *testing.T) {
	st := openTestStore(t)
	s := newTestServer(t, st)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/999", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDeleteTask(t *testing.T) {
	st := openTestStore(t)
	s := newTestServer(t, st)

	id, err := st.CreateTask(context.Background(), store.PipelineTask{Title: "t", RepoPath: "/r", Status: store.StatusBacklog, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/tasks/"+strconv.FormatInt(id, 10), nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}

func TestGetStatus(t *testing.T) {
	st := openTestStore(t)
	s := newTestServer(t, st)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestPostReleaseWithoutDriverIsUnavailable(t *testing.T) {
	st := openTestStore(t)
	s := newTestServer(t, st)

	req := httptest.NewRequest(http.MethodPost, "/api/release", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestPostChatPushesToInbox(t *testing.T) {
	st := openTestStore(t)
	web := transport.NewWebChannel()
	inbox := make(chan transport.IncomingMessage, 1)
	s := New(Config{Store: st, Web: web, Inbox: inbox, GinMode: gin.TestMode})

	body, _ := json.Marshal(chatRequest{Text: "hello"})
	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	select {
	case msg := <-inbox:
		if msg.Text != "hello" || msg.Transport != "web" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbox push")
	}
}

func TestStaticRejectsPathTraversal(t *testing.T) {
	st := openTestStore(t)
	dir := t.TempDir()
	s := New(Config{Store: st, StaticDir: dir, GinMode: gin.TestMode})

	req := httptest.NewRequest(http.MethodGet, "/../../etc/passwd", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code == http.StatusOK {
		t.Fatalf("expected traversal to be rejected, got 200")
	}
}

func TestStaticFallsBackToIndexHTML(t *testing.T) {
	st := openTestStore(t)
	dir := t.TempDir()
	if err := writeFile(filepath.Join(dir, "index.html"), "<html>dashboard</html>"); err != nil {
		t.Fatalf("write index.html: %v", err)
	}
	s := New(Config{Store: st, StaticDir: dir, GinMode: gin.TestMode})

	req := httptest.NewRequest(http.MethodGet, "/some/unknown/route", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "<html>dashboard</html>" {
		t.Fatalf("status = %d, body = %q", rec.Code, rec.Body.String())
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
