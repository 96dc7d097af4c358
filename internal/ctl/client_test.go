package ctl

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ocrd/pkg/types"
)

func fakeDaemon(t *testing.T) (*httptest.Server, *int) {
	t.Helper()
	polls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: "missing or invalid api key", Code: 401})
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(types.CreateTaskResponse{TaskID: "t-1", Status: types.StatusQueued})
	})
	mux.HandleFunc("GET /v1/tasks/t-1", func(w http.ResponseWriter, _ *http.Request) {
		polls++
		status := types.StatusProcessing
		if polls >= 2 {
			status = types.StatusSucceeded
		}
		_ = json.NewEncoder(w).Encode(types.TaskProgress{TaskID: "t-1", Status: status})
	})
	mux.HandleFunc("POST /v1/tasks/t-1/token", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(types.CreateTokenResponse{
			Token: "tok", Backend: "local", Kind: "md", Remain: 1,
			Download: "/v1/download/tok",
		})
	})
	mux.HandleFunc("GET /v1/download/tok", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# converted"))
	})
	mux.HandleFunc("DELETE /v1/tasks/t-1", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &polls
}

func TestSubmitCarriesAPIKey(t *testing.T) {
	srv, _ := fakeDaemon(t)

	c := NewClient(srv.URL, "")
	if _, err := c.SubmitURL("https://example.com/a.pdf", types.CreateTaskRequest{}); err == nil {
		t.Fatalf("expected auth error without key")
	}

	c = NewClient(srv.URL, "k")
	created, err := c.SubmitURL("https://example.com/a.pdf", types.CreateTaskRequest{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if created.TaskID != "t-1" {
		t.Fatalf("unexpected task id %q", created.TaskID)
	}
}

func TestWaitPollsUntilTerminal(t *testing.T) {
	srv, polls := fakeDaemon(t)
	c := NewClient(srv.URL, "k")
	prog, err := c.Wait("t-1", 2*time.Second, time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if prog.Status != types.StatusSucceeded {
		t.Fatalf("final status %s", prog.Status)
	}
	if *polls < 2 {
		t.Fatalf("expected at least 2 polls, got %d", *polls)
	}
}

func TestFetchWritesArtifact(t *testing.T) {
	srv, _ := fakeDaemon(t)
	c := NewClient(srv.URL, "k")
	dst := filepath.Join(t.TempDir(), "full.md")
	if err := c.Fetch("t-1", "md", dst); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(data) != "# converted" {
		t.Fatalf("artifact content %q", data)
	}
}

func TestDelete(t *testing.T) {
	srv, _ := fakeDaemon(t)
	c := NewClient(srv.URL, "k")
	if err := c.Delete("t-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}
