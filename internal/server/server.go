// Package server exposes the gateway HTTP surface: speech synthesis
// with cache-or-synthesize, job reads/writes and per-job watchers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"methodgen-accelerator/internal/audiocache"
	"methodgen-accelerator/internal/clock"
	"methodgen-accelerator/internal/config"
	"methodgen-accelerator/internal/jobstore"
	"methodgen-accelerator/internal/poller"
)

// Synthesizer is the external speech API the cache fronts.
type Synthesizer interface {
	Speak(ctx context.Context, text, voice string, speed float64) ([]byte, error)
}

// JobStore is the job table surface the server needs.
type JobStore interface {
	poller.Store
	Create(ctx context.Context, job jobstore.Job) error
	Cancel(ctx context.Context, id string) error
	List(ctx context.Context) ([]jobstore.Job, error)
}

type Server struct {
	addr  string
	log   *slog.Logger
	jobs  JobStore
	cache *audiocache.Cache
	synth Synthesizer
	clk   clock.Clock
	timer clock.Timer

	mu       sync.Mutex
	watchers map[string]*poller.Poller
}

func New(cfg config.Config, log *slog.Logger, jobs JobStore, cache *audiocache.Cache, sy Synthesizer, clk clock.Clock, timer clock.Timer) *Server {
	return &Server{
		addr:     fmt.Sprintf(":%d", cfg.ListenPort),
		log:      log,
		jobs:     jobs,
		cache:    cache,
		synth:    sy,
		clk:      clk,
		timer:    timer,
		watchers: map[string]*poller.Poller{},
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/speech", s.handleSpeech)
	mux.HandleFunc("GET /api/cache/stats", s.handleCacheStats)
	mux.HandleFunc("DELETE /api/cache", s.handleCacheClear)

	mux.HandleFunc("POST /api/jobs", s.handleJobCreate)
	mux.HandleFunc("GET /api/jobs", s.handleJobList)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleJobGet)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", s.handleJobCancel)

	mux.HandleFunc("POST /api/jobs/{id}/watch", s.handleWatchStart)
	mux.HandleFunc("GET /api/jobs/{id}/watch", s.handleWatchStatus)
	mux.HandleFunc("DELETE /api/jobs/{id}/watch", s.handleWatchStop)

	return mux
}

func (s *Server) Start() error {
	s.log.Info("gateway starting", "addr", s.addr)
	return http.ListenAndServe(s.addr, s.Handler())
}

// speech

type speechRequest struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice"`
	Speed float64 `json:"speed"`
}

func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	var req speechRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}
	if req.Voice == "" {
		req.Voice = "default"
	}
	if req.Speed == 0 {
		req.Speed = 1.0
	}

	key := audiocache.Fingerprint(req.Text, req.Voice, req.Speed)
	if audio, ok := s.cache.Get(r.Context(), key); ok {
		writeAudio(w, audio, "HIT")
		return
	}

	audio, err := s.synth.Speak(r.Context(), req.Text, req.Voice, req.Speed)
	if err != nil {
		s.log.Error("synthesis failed", "error", err)
		http.Error(w, "synthesis failed", http.StatusBadGateway)
		return
	}
	s.cache.Put(r.Context(), key, audio, req.Text, req.Voice)
	writeAudio(w, audio, "MISS")
}

func writeAudio(w http.ResponseWriter, audio []byte, cacheState string) {
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("X-Cache", cacheState)
	w.Write(audio)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cache.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"total_bytes": stats.TotalBytes,
		"entries":     stats.Entries,
		"oldest":      stats.Oldest,
	})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if err := s.cache.Clear(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// jobs

func (s *Server) handleJobCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.Query == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}

	job := jobstore.Job{
		ID:        uuid.NewString(),
		Query:     body.Query,
		Status:    jobstore.StatusPending,
		CreatedAt: s.clk.NowUTC(),
	}
	if err := s.jobs.Create(r.Context(), job); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(job)
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []jobstore.Job{}
	}
	json.NewEncoder(w).Encode(jobs)
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJobError(w, err)
		return
	}
	json.NewEncoder(w).Encode(job)
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Cancel(r.Context(), r.PathValue("id")); err != nil {
		writeJobError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobstore.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, jobstore.ErrTerminal):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// watchers

func (s *Server) handleWatchStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.jobs.Get(r.Context(), id); err != nil {
		writeJobError(w, err)
		return
	}

	s.mu.Lock()
	p, ok := s.watchers[id]
	if !ok {
		p = poller.New(s.jobs, s.clk, s.timer, s.log)
		p.Attach(id)
		// The watcher outlives the request that started it.
		p.Start(context.Background())
		s.watchers[id] = p
	}
	s.mu.Unlock()

	json.NewEncoder(w).Encode(p.Snapshot())
}

func (s *Server) handleWatchStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	p, ok := s.watchers[r.PathValue("id")]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "no watcher for job", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(p.Snapshot())
}

func (s *Server) handleWatchStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	p, ok := s.watchers[id]
	if ok {
		delete(s.watchers, id)
	}
	s.mu.Unlock()
	if !ok {
		http.Error(w, "no watcher for job", http.StatusNotFound)
		return
	}
	p.Stop()
	w.WriteHeader(http.StatusOK)
}

// StopWatchers stops every active watcher, for shutdown.
func (s *Server) StopWatchers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.watchers {
		p.Stop()
		delete(s.watchers, id)
	}
}
