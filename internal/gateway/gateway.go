// Package gateway exposes the chat WebSocket and the admin HTTP surface.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/halgate/halgate/internal/config"
	"github.com/halgate/halgate/internal/engine"
	"github.com/halgate/halgate/internal/hardware"
	"github.com/halgate/halgate/internal/inferlog"
	"github.com/halgate/halgate/internal/memstore"
	"github.com/halgate/halgate/internal/prompts"
	"github.com/halgate/halgate/internal/queue"
	"github.com/halgate/halgate/internal/session"
	"github.com/halgate/halgate/internal/sessionstore"
)

// Engine is the inference facade the gateway drives.
type Engine interface {
	Submit(ctx context.Context, req engine.Request) (*engine.Sink, error)
	Generate(ctx context.Context, req engine.Request) (string, int, time.Duration, error)
	LoadAdapter(name string) error
	CurrentAdapter() string
}

// Memory is the recall side of the memory store.
type Memory interface {
	Recall(ctx context.Context, query string, k int, threshold float64) ([]string, error)
	RecallWithMetadata(ctx context.Context, query string, k int, threshold *float64, source string) ([]memstore.Record, error)
}

// Searcher runs deep web searches.
type Searcher interface {
	SearchAndBrowse(ctx context.Context, query string) (*prompts.BrowseData, string)
}

// AdminStore is the direct-read surface for the /data endpoints.
type AdminStore interface {
	ListSessions(ctx context.Context) ([]sessionstore.Session, error)
	ListSummaries(ctx context.Context) ([]sessionstore.SummaryRow, error)
	GetSession(ctx context.Context, sessionID string) (*sessionstore.Session, error)
	DeleteSession(ctx context.Context, sessionID string) (bool, error)
}

// Analytics reads recent inference log rows.
type Analytics interface {
	Recent(ctx context.Context, limit int) ([]inferlog.Entry, error)
}

// HardwareSampler is the monitor's read side.
type HardwareSampler interface {
	Snapshot() hardware.Snapshot
}

// Config wires the server's collaborators. Memory, Search, Store, Analytics
// and Hardware are optional; missing ones degrade their endpoints.
type Config struct {
	Engine    Engine
	Sessions  *session.Manager
	Store     AdminStore
	Memory    Memory
	Search    Searcher
	Analytics Analytics
	Hardware  HardwareSampler
	Queue     *queue.Queue

	Assembler  *prompts.Assembler
	Priorities config.Priorities
	Tracer     trace.Tracer // optional

	RecallThreshold float64
	MaxChars        int
}

type Server struct {
	cfg    Config
	logger *slog.Logger

	// reloadMu guards the hot-reloadable subset of cfg.
	reloadMu sync.RWMutex
}

func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Assembler == nil {
		cfg.Assembler = prompts.NewAssembler()
	}
	if cfg.RecallThreshold <= 0 {
		cfg.RecallThreshold = 1.2
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 25000
	}
	return &Server{cfg: cfg, logger: logger}
}

// ApplySettings swaps the runtime-reloadable settings: the priority table and
// the search context cap. Everything else needs a restart.
func (s *Server) ApplySettings(p config.Priorities, maxChars int) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	s.cfg.Priorities = p
	if maxChars > 0 {
		s.cfg.MaxChars = maxChars
	}
}

func (s *Server) uiPriority() int {
	s.reloadMu.RLock()
	defer s.reloadMu.RUnlock()
	return s.cfg.Priorities.UI
}

func (s *Server) maxChars() int {
	s.reloadMu.RLock()
	defer s.reloadMu.RUnlock()
	return s.cfg.MaxChars
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/chat/v2", s.handleWS)
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/chat", s.handleChat)
	mux.HandleFunc("/adapters/load", s.handleAdapterLoad)
	mux.HandleFunc("/data/sessions", s.handleSessions)
	mux.HandleFunc("/data/session", s.handleSession)
	mux.HandleFunc("/data/summaries", s.handleSummaries)
	mux.HandleFunc("/data/vector/search", s.handleVectorSearch)
	mux.HandleFunc("/data/inference", s.handleInference)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

// handleRoot is the legacy health view: status plus the active adapter.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":          "online",
		"current_adapter": s.cfg.Engine.CurrentAdapter(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type chatRequest struct {
	Prompt       string  `json:"prompt"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	Priority     *int    `json:"priority,omitempty"`
}

// handleChat is the synchronous one-shot generation endpoint.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = 1024
	}

	text, tokens, dur, err := s.cfg.Engine.Generate(r.Context(), engine.Request{
		RequestID:    uuid.NewString(),
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
		Priority:     req.Priority,
		Kind:         "oneshot",
	})
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			writeError(w, http.StatusTooManyRequests, "queue full, try again later")
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"text":            text,
		"token_count":     tokens,
		"processing_time": dur.Seconds(),
	})
}

func (s *Server) handleAdapterLoad(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		AdapterName string `json:"adapter_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.cfg.Engine.LoadAdapter(req.AdapterName); err != nil {
		if errors.Is(err, engine.ErrAdapterNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":          "loaded",
		"current_adapter": s.cfg.Engine.CurrentAdapter(),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "session store not configured")
		return
	}
	sessions, err := s.cfg.Store.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "session store not configured")
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id query parameter is required")
		return
	}
	if _, err := uuid.Parse(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, "session_id must be a UUID")
		return
	}

	switch r.Method {
	case http.MethodGet:
		sess, err := s.cfg.Store.GetSession(r.Context(), sessionID)
		if err != nil {
			if errors.Is(err, sessionstore.ErrNotFound) {
				writeError(w, http.StatusNotFound, "session not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, sess)
	case http.MethodDelete:
		existed, err := s.cfg.Store.DeleteSession(r.Context(), sessionID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !existed {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "session_id": sessionID})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSummaries(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "session store not configured")
		return
	}
	summaries, err := s.cfg.Store.ListSummaries(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summaries": summaries, "count": len(summaries)})
}

type vectorSearchRequest struct {
	Query     string   `json:"query"`
	NResults  int      `json:"n_results"`
	Threshold *float64 `json:"threshold,omitempty"`
	Where     struct {
		Source string `json:"source,omitempty"`
	} `json:"where,omitempty"`
}

func (s *Server) handleVectorSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Memory == nil {
		writeError(w, http.StatusServiceUnavailable, "memory store not configured")
		return
	}
	var req vectorSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.NResults <= 0 {
		req.NResults = 3
	}

	records, err := s.cfg.Memory.RecallWithMetadata(r.Context(), req.Query, req.NResults, req.Threshold, req.Where.Source)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": records, "count": len(records)})
}

func (s *Server) handleInference(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Analytics == nil {
		writeError(w, http.StatusServiceUnavailable, "inference log not configured")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		fmt.Sscanf(raw, "%d", &limit)
	}
	entries, err := s.cfg.Analytics.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

// handleMetrics hand-writes Prometheus text exposition for queue and host
// stats; request-level metrics flow through otel.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	if s.cfg.Queue != nil {
		stats := s.cfg.Queue.Stats()
		fmt.Fprintf(w, "# HELP halgate_queue_depth Current inference queue depth.\n")
		fmt.Fprintf(w, "# TYPE halgate_queue_depth gauge\n")
		fmt.Fprintf(w, "halgate_queue_depth %d\n", stats.Depth)
		fmt.Fprintf(w, "# HELP halgate_queue_oldest_wait_seconds Wait of the oldest queued item.\n")
		fmt.Fprintf(w, "# TYPE halgate_queue_oldest_wait_seconds gauge\n")
		fmt.Fprintf(w, "halgate_queue_oldest_wait_seconds %.3f\n", stats.OldestWait.Seconds())
	}
	if s.cfg.Hardware != nil {
		snap := s.cfg.Hardware.Snapshot()
		fmt.Fprintf(w, "# HELP halgate_gpu_usage_percent GPU utilization.\n")
		fmt.Fprintf(w, "# TYPE halgate_gpu_usage_percent gauge\n")
		fmt.Fprintf(w, "halgate_gpu_usage_percent %.2f\n", snap.GPUUsage)
		fmt.Fprintf(w, "# HELP halgate_cpu_usage_percent CPU utilization.\n")
		fmt.Fprintf(w, "# TYPE halgate_cpu_usage_percent gauge\n")
		fmt.Fprintf(w, "halgate_cpu_usage_percent %.2f\n", snap.CPUUsage)
		fmt.Fprintf(w, "# HELP halgate_ram_usage_percent RAM utilization.\n")
		fmt.Fprintf(w, "# TYPE halgate_ram_usage_percent gauge\n")
		fmt.Fprintf(w, "halgate_ram_usage_percent %.2f\n", snap.RAMUsage)
	}
}
