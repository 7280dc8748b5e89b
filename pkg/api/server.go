package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mousehunter/crawler/pkg/broker"
	"github.com/mousehunter/crawler/pkg/config"
	"github.com/mousehunter/crawler/pkg/injector"
	"github.com/mousehunter/crawler/pkg/log"
	"github.com/mousehunter/crawler/pkg/metrics"
	"github.com/mousehunter/crawler/pkg/types"
	"github.com/mousehunter/crawler/pkg/worker"
)

// Server exposes worker state over HTTP.
type Server struct {
	cfg      config.Config
	consumer *worker.Consumer
	gw       *broker.Gateway
	inj      *injector.Service
	httpSrv  *http.Server
	logger   zerolog.Logger
}

// NewServer creates the ops HTTP server.
func NewServer(cfg config.Config, consumer *worker.Consumer, gw *broker.Gateway, inj *injector.Service) *Server {
	s := &Server{
		cfg:      cfg,
		consumer: consumer,
		gw:       gw,
		inj:      inj,
		logger:   log.WithComponent("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", metrics.HealthHandler())
	mux.HandleFunc("GET /readyz", metrics.ReadyHandler())
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /tasks/active", s.handleActiveTasks)
	mux.HandleFunc("GET /tasks/{id}", s.handleTaskStatus)

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Service.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves until Stop. Blocks; run in a goroutine.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("ops server listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops server failed: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler returns the underlying handler. Test hook.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

type statsResponse struct {
	WorkerID        string            `json:"worker_id"`
	Accepting       bool              `json:"accepting_tasks"`
	ActiveTasks     int               `json:"active_tasks"`
	Stats           types.WorkerStats `json:"stats"`
	ProxyCache      int               `json:"proxy_cache_size"`
	CredentialCache int               `json:"credential_cache_size"`
	QueueDepths     map[string]int64  `json:"queue_depths"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	proxies, credentials := s.inj.CacheSizes()
	resp := statsResponse{
		WorkerID:        s.cfg.Worker.WorkerID,
		Accepting:       s.consumer.AcceptingTasks(),
		ActiveTasks:     s.consumer.ActiveCount(),
		Stats:           s.consumer.Stats(),
		ProxyCache:      proxies,
		CredentialCache: credentials,
		QueueDepths:     make(map[string]int64, len(s.cfg.Worker.QueuePriorities)),
	}
	for _, p := range s.cfg.Worker.QueuePriorities {
		depth, err := s.gw.QueueDepth(r.Context(), p.QueueName())
		if err != nil {
			s.logger.Warn().Err(err).Str("queue", p.QueueName()).Msg("depth read failed")
			continue
		}
		resp.QueueDepths[p.QueueName()] = depth
	}
	writeJSON(w, http.StatusOK, resp)
}

type activeTask struct {
	ExecutionID string    `json:"execution_id"`
	TaskID      string    `json:"task_id"`
	TaskType    string    `json:"task_type"`
	Market      string    `json:"market"`
	Priority    string    `json:"priority"`
	StartedAt   time.Time `json:"started_at"`
	Deadline    time.Time `json:"deadline"`
}

func (s *Server) handleActiveTasks(w http.ResponseWriter, _ *http.Request) {
	records := s.consumer.ActiveSnapshot()
	out := make([]activeTask, 0, len(records))
	for _, rec := range records {
		out = append(out, activeTask{
			ExecutionID: rec.ExecutionID,
			TaskID:      rec.Task.TaskID,
			TaskType:    rec.Task.TaskType,
			Market:      string(rec.Task.Market),
			Priority:    string(rec.Task.Priority),
			StartedAt:   rec.StartedAt,
			Deadline:    rec.Deadline,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(r.PathValue("id"))
	if taskID == "" {
		http.Error(w, "missing task id", http.StatusBadRequest)
		return
	}
	events, err := s.gw.TaskStatusLog(r.Context(), taskID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(events) == 0 {
		http.Error(w, "unknown task", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
