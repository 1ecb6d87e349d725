package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"methodgen-accelerator/internal/audiocache"
	"methodgen-accelerator/internal/clock"
	"methodgen-accelerator/internal/config"
	"methodgen-accelerator/internal/jobstore"
)

type fakeSynth struct {
	mu    sync.Mutex
	calls int
	audio []byte
	err   error
}

func (f *fakeSynth) Speak(ctx context.Context, text, voice string, speed float64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.audio, nil
}

func (f *fakeSynth) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestServer(t *testing.T) (*Server, *fakeSynth, *jobstore.SQLStore) {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	jobs, err := jobstore.NewSQLStore(db)
	if err != nil {
		t.Fatalf("init job store: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cache, err := audiocache.New(db, clock.SystemUTC{}, log)
	if err != nil {
		t.Fatalf("init cache: %v", err)
	}
	sy := &fakeSynth{audio: []byte("synthesized audio bytes")}
	srv := New(config.Default(), log, jobs, cache, sy, clock.SystemUTC{}, clock.SystemTimer{})
	t.Cleanup(srv.StopWatchers)
	return srv, sy, jobs
}

func do(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestSpeechMissThenHit(t *testing.T) {
	srv, sy, _ := newTestServer(t)
	body := map[string]any{"text": "prove dead before touching", "voice": "amber", "speed": 1.0}

	w := do(t, srv, http.MethodPost, "/api/speech", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Cache"); got != "MISS" {
		t.Fatalf("X-Cache = %q, want MISS", got)
	}
	if !bytes.Equal(w.Body.Bytes(), sy.audio) {
		t.Fatal("audio mismatch on miss")
	}

	w = do(t, srv, http.MethodPost, "/api/speech", body)
	if got := w.Header().Get("X-Cache"); got != "HIT" {
		t.Fatalf("X-Cache = %q, want HIT", got)
	}
	if !bytes.Equal(w.Body.Bytes(), sy.audio) {
		t.Fatal("audio mismatch on hit")
	}
	if sy.callCount() != 1 {
		t.Fatalf("synth calls = %d, want 1", sy.callCount())
	}
}

func TestSpeechRequiresText(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := do(t, srv, http.MethodPost, "/api/speech", map[string]any{"voice": "amber"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestSpeechSynthFailure(t *testing.T) {
	srv, sy, _ := newTestServer(t)
	sy.err = fmt.Errorf("provider down")
	w := do(t, srv, http.MethodPost, "/api/speech", map[string]any{"text": "anything"})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
}

func TestCacheStatsAndClear(t *testing.T) {
	srv, _, _ := newTestServer(t)
	do(t, srv, http.MethodPost, "/api/speech", map[string]any{"text": "cached line"})

	w := do(t, srv, http.MethodGet, "/api/cache/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats status = %d", w.Code)
	}
	var stats struct {
		TotalBytes int64 `json:"total_bytes"`
		Entries    int   `json:"entries"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Entries != 1 || stats.TotalBytes == 0 {
		t.Fatalf("stats = %+v", stats)
	}

	if w := do(t, srv, http.MethodDelete, "/api/cache", nil); w.Code != http.StatusOK {
		t.Fatalf("clear status = %d", w.Code)
	}
	w = do(t, srv, http.MethodGet, "/api/cache/stats", nil)
	json.Unmarshal(w.Body.Bytes(), &stats)
	if stats.Entries != 0 {
		t.Fatalf("entries after clear = %d", stats.Entries)
	}
}

func TestJobLifecycle(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := do(t, srv, http.MethodPost, "/api/jobs", map[string]any{"query": "swa gland termination"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	var created jobstore.Job
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created job: %v", err)
	}
	if created.ID == "" || created.Status != jobstore.StatusPending {
		t.Fatalf("created job = %+v", created)
	}

	w = do(t, srv, http.MethodGet, "/api/jobs/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	w = do(t, srv, http.MethodGet, "/api/jobs", nil)
	var list []jobstore.Job
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].ID != created.ID {
		t.Fatalf("list = %+v", list)
	}

	if w := do(t, srv, http.MethodPost, "/api/jobs/"+created.ID+"/cancel", nil); w.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", w.Code)
	}
	// Cancelling a terminal job is a conflict.
	if w := do(t, srv, http.MethodPost, "/api/jobs/"+created.ID+"/cancel", nil); w.Code != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409", w.Code)
	}
}

func TestJobNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	if w := do(t, srv, http.MethodGet, "/api/jobs/nope", nil); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestJobCreateRequiresQuery(t *testing.T) {
	srv, _, _ := newTestServer(t)
	if w := do(t, srv, http.MethodPost, "/api/jobs", map[string]any{}); w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestWatchLifecycle(t *testing.T) {
	srv, _, jobs := newTestServer(t)
	ctx := context.Background()

	job := jobstore.Job{
		ID:        "job-1",
		Query:     "cable tray run",
		Status:    jobstore.StatusProcessing,
		Progress:  25,
		CreatedAt: time.Now().UTC(),
	}
	if err := jobs.Create(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	w := do(t, srv, http.MethodPost, "/api/jobs/job-1/watch", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("watch start status = %d: %s", w.Code, w.Body.String())
	}

	// The watcher polls in the background; wait for the first read.
	deadline := time.Now().Add(2 * time.Second)
	for {
		w = do(t, srv, http.MethodGet, "/api/jobs/job-1/watch", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("watch status = %d", w.Code)
		}
		var snap struct {
			Status    string `json:"status"`
			Progress  int    `json:"progress"`
			IsPolling bool   `json:"is_polling"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
			t.Fatalf("decode snapshot: %v", err)
		}
		if snap.Status == string(jobstore.StatusProcessing) && snap.Progress == 25 {
			if !snap.IsPolling {
				t.Fatal("watcher should still be polling a processing job")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("watcher never observed the job: %s", w.Body.String())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if w := do(t, srv, http.MethodDelete, "/api/jobs/job-1/watch", nil); w.Code != http.StatusOK {
		t.Fatalf("watch stop status = %d", w.Code)
	}
	if w := do(t, srv, http.MethodGet, "/api/jobs/job-1/watch", nil); w.Code != http.StatusNotFound {
		t.Fatalf("status after stop = %d, want 404", w.Code)
	}
}

func TestWatchUnknownJob(t *testing.T) {
	srv, _, _ := newTestServer(t)
	if w := do(t, srv, http.MethodPost, "/api/jobs/nope/watch", nil); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if w := do(t, srv, http.MethodGet, "/api/jobs/nope/watch", nil); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if w := do(t, srv, http.MethodDelete, "/api/jobs/nope/watch", nil); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}
