// Package api implements the read-mostly HTTP surface: JSON
// in, JSON out, open CORS for reads, bcrypt bearer-token auth gating the
// handful of mutation routes.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/northlake-systems/pulsewatch/internal/alert"
	"github.com/northlake-systems/pulsewatch/internal/cache"
	"github.com/northlake-systems/pulsewatch/internal/config"
	"github.com/northlake-systems/pulsewatch/internal/logstore"
	"github.com/northlake-systems/pulsewatch/internal/metrics"
	"github.com/northlake-systems/pulsewatch/internal/pulse"
	"github.com/northlake-systems/pulsewatch/internal/scheduler"
	"github.com/northlake-systems/pulsewatch/internal/state"
	"github.com/northlake-systems/pulsewatch/pkg/types"
)

const servicesCacheTTL = 2 * time.Second

// StateManager is the subset of state.Manager the API needs.
type StateManager interface {
	Snapshot(service string) *types.ServiceState
	Snapshots() map[string]*types.ServiceState
}

// LogStore is the subset of logstore.Store the API needs.
type LogStore interface {
	History(service string, hours int) []logstore.HistoryEntry
	Summary(service string) logstore.Summary
}

// Server is the Read API HTTP handler.
type Server struct {
	state      StateManager
	logs       LogStore
	scheduler  *scheduler.Scheduler
	alerts     *alert.Store
	evaluator  *pulse.Evaluator
	metrics    *metrics.Collector
	respCache  *cache.Cache // nil disables the /api/services cache
	logger     *slog.Logger
	startTime  time.Time
	configDir  string
	adminHash  []byte // empty disables admin auth

	mu       sync.RWMutex
	services []types.ServiceDescriptor
	cfgFile  config.ConfigFile

	mux *http.ServeMux
}

// Dependencies bundles everything the Server needs to construct routes.
type Dependencies struct {
	State      StateManager
	Logs       LogStore
	Scheduler  *scheduler.Scheduler
	Alerts     *alert.Store
	Evaluator  *pulse.Evaluator
	Metrics    *metrics.Collector
	RespCache  *cache.Cache
	ConfigDir  string
	AdminHash  string // bcrypt hash; empty disables admin auth
	Services   []types.ServiceDescriptor
	ConfigFile config.ConfigFile
}

// New creates the Read API server and registers its routes.
func New(deps Dependencies, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		state:     deps.State,
		logs:      deps.Logs,
		scheduler: deps.Scheduler,
		alerts:    deps.Alerts,
		evaluator: deps.Evaluator,
		metrics:   deps.Metrics,
		respCache: deps.RespCache,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
		configDir: deps.ConfigDir,
		adminHash: []byte(deps.AdminHash),
		services:  deps.Services,
		cfgFile:   deps.ConfigFile,
		mux:       http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// ServeHTTP implements http.Handler: CORS for every request, request
// logging, then dispatch.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/services", s.handleListServices)
	s.mux.HandleFunc("GET /api/services/{name}", s.handleGetService)
	s.mux.HandleFunc("GET /api/history/{name}", s.handleHistory)

	s.mux.HandleFunc("GET /api/config", s.handleGetConfig)
	s.mux.HandleFunc("GET /api/config/services", s.handleGetConfigServices)
	s.mux.HandleFunc("GET /api/config/thresholds", s.handleGetConfigThresholds)
	s.mux.HandleFunc("GET /api/config/audio", s.handleGetConfigAudio)
	s.mux.Handle("POST /api/config/services", s.requireAdmin(http.HandlerFunc(s.handlePostConfigServices)))
	s.mux.Handle("POST /api/config/thresholds", s.requireAdmin(http.HandlerFunc(s.handlePostConfigThresholds)))

	s.mux.HandleFunc("GET /api/alerts", s.handleListAlerts)
	s.mux.Handle("POST /api/alerts/mute/{name}", s.requireAdmin(http.HandlerFunc(s.handleMute)))
	s.mux.Handle("POST /api/alerts/unmute/{name}", s.requireAdmin(http.HandlerFunc(s.handleUnmute)))

	s.mux.Handle("POST /api/services/{name}/check", s.requireAdmin(http.HandlerFunc(s.handleTriggerCheck)))
	s.mux.HandleFunc("GET /api/scheduler", s.handleScheduler)
}

// requireAdmin gates a mutation route behind the bcrypt-hashed bearer
// token from config.json's admin.tokenHash. An empty hash disables auth
// (local/dev mode); reads are never gated.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.adminHash) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")

		if err := bcrypt.CompareHashAndPassword(s.adminHash, []byte(token)); err != nil {
			s.logger.Warn("admin auth failed", "path", r.URL.Path)
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	process := s.metrics.Health(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    process.Status,
		"uptime":    int64(time.Since(s.startTime).Seconds()),
		"timestamp": time.Now(),
		"process":   process,
	})
}

// serviceSummary is one entry of GET /api/services.
type serviceSummary struct {
	Name                string            `json:"name"`
	URL                 string            `json:"url"`
	Tier                types.Tier        `json:"tier"`
	ProbeInterval       time.Duration     `json:"probeInterval"`
	Status              types.PulseStatus `json:"status"`
	LastCheck           *time.Time        `json:"lastCheck"`
	LastSuccess         *time.Time        `json:"lastSuccess"`
	ConsecutiveFailures int               `json:"consecutiveFailures"`
	IsFlatlined         bool              `json:"isFlatlined"`
	Uptime              float64           `json:"uptime"`
	HTTPStatus          *int              `json:"httpStatus"`
}

func (s *Server) descriptor(name string) (types.ServiceDescriptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, svc := range s.services {
		if svc.Name == name {
			return svc, true
		}
	}
	return types.ServiceDescriptor{}, false
}

func (s *Server) descriptors() []types.ServiceDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.ServiceDescriptor, len(s.services))
	copy(out, s.services)
	return out
}

func (s *Server) summarize(svc types.ServiceDescriptor) serviceSummary {
	snap := s.state.Snapshot(svc.Name)
	if snap == nil {
		snap = types.NewServiceState(svc.Name)
	}
	return serviceSummary{
		Name:                svc.Name,
		URL:                 svc.URL,
		Tier:                svc.Tier,
		ProbeInterval:       svc.ProbeInterval,
		Status:              snap.CurrentStatus,
		LastCheck:           snap.LastCheck,
		LastSuccess:         snap.LastSuccess,
		ConsecutiveFailures: snap.ConsecutiveFailures,
		IsFlatlined:         snap.IsFlatlined,
		Uptime:              snap.Uptime(),
		HTTPStatus:          snap.LastHTTPStatus,
	}
}

const servicesCacheKey = "services-list"

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	if s.respCache != nil {
		var cached []serviceSummary
		if ok, err := s.respCache.GetJSON(r.Context(), servicesCacheKey, &cached); err == nil && ok {
			s.writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	descriptors := s.descriptors()
	out := make([]serviceSummary, 0, len(descriptors))
	for _, svc := range descriptors {
		out = append(out, s.summarize(svc))
	}

	if s.respCache != nil {
		if err := s.respCache.SetJSON(r.Context(), servicesCacheKey, out, servicesCacheTTL); err != nil {
			s.logger.Debug("failed to populate services cache", "error", err)
		}
	}

	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	svc, ok := s.descriptor(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown service")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"service": s.summarize(svc),
		"checks":  svc.Checks,
		"summary": s.logs.Summary(name),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.descriptor(name); !ok {
		s.writeError(w, http.StatusNotFound, "unknown service")
		return
	}

	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = parsed
	}

	entries := s.logs.History(name, hours)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"service": name,
		"hours":   hours,
		"entries": entries,
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"server":     s.cfgFile.Server,
		"monitoring": s.cfgFile.Monitoring,
		"alerts":     s.cfgFile.Alerts,
	})
}

func (s *Server) handleGetConfigServices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"services": s.descriptors()})
}

func (s *Server) handleGetConfigThresholds(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.evaluator.Thresholds())
}

func (s *Server) handleGetConfigAudio(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.writeJSON(w, http.StatusOK, map[string]bool{"audio": s.cfgFile.Alerts.Audio})
}

// postServicesBody is the body of POST /api/config/services.
type postServicesBody struct {
	Services []config.ServiceEntry `json:"services"`
}

func (s *Server) handlePostConfigServices(w http.ResponseWriter, r *http.Request) {
	var body postServicesBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Services == nil {
		s.writeError(w, http.StatusBadRequest, "services must be an array")
		return
	}

	if err := writeJSONFile(s.configDir+"/services.json", map[string]any{"services": body.Services}); err != nil {
		s.logger.Error("failed to persist services.json", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to persist configuration")
		return
	}

	descriptors, err := servicesFromEntries(body.Services)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	s.services = descriptors
	s.mu.Unlock()

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "services configuration updated; restart required to apply scheduling changes",
	})
}

// thresholdsBody is the body of POST /api/config/thresholds.
type thresholdsBody struct {
	Healthy  *float64 `json:"healthy"`
	Warning  *float64 `json:"warning"`
	Degraded *float64 `json:"degraded"`
}

func (s *Server) handlePostConfigThresholds(w http.ResponseWriter, r *http.Request) {
	var body thresholdsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	current := s.evaluator.Thresholds()
	if body.Healthy != nil {
		current.HealthyMaxMs = int(*body.Healthy)
	}
	if body.Warning != nil {
		current.WarningMaxMs = int(*body.Warning)
	}
	if body.Degraded != nil {
		current.SustainedCount = int(*body.Degraded)
	}
	s.evaluator.SetThresholds(current)

	if err := writeJSONFile(s.configDir+"/thresholds.json", current); err != nil {
		s.logger.Error("failed to persist thresholds.json", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to persist configuration")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "thresholds updated"})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	s.writeJSON(w, http.StatusOK, s.alerts.List(limit))
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.descriptor(name); !ok {
		s.writeError(w, http.StatusNotFound, "unknown service")
		return
	}

	var body struct {
		DurationSeconds int `json:"durationSeconds"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	var until *time.Time
	if body.DurationSeconds > 0 {
		t := time.Now().Add(time.Duration(body.DurationSeconds) * time.Second)
		until = &t
	}

	s.alerts.Mute(r.Context(), name, until)
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleUnmute(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.descriptor(name); !ok {
		s.writeError(w, http.StatusNotFound, "unknown service")
		return
	}
	s.alerts.Unmute(r.Context(), name)
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleTriggerCheck(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.descriptor(name); !ok {
		s.writeError(w, http.StatusNotFound, "unknown service")
		return
	}
	s.scheduler.TriggerService(r.Context(), name)
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleScheduler(w http.ResponseWriter, r *http.Request) {
	jobs := s.scheduler.Statuses()
	s.writeJSON(w, http.StatusOK, map[string]any{"running": true, "jobs": jobs})
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func servicesFromEntries(entries []config.ServiceEntry) ([]types.ServiceDescriptor, error) {
	out := make([]types.ServiceDescriptor, 0, len(entries))
	for _, e := range entries {
		if e.Name == "" || e.URL == "" {
			return nil, fmt.Errorf("every service requires a name and url")
		}
		checks := make([]types.Check, 0, len(e.Checks))
		for _, c := range e.Checks {
			checks = append(checks, types.Check{
				Name:      c.Name,
				Strategy:  c.Strategy,
				Query:     c.Query,
				Variables: c.Variables,
				Timeout:   c.Timeout.Duration(),
				Template:  c.Template,
			})
		}
		out = append(out, types.ServiceDescriptor{
			Name:          e.Name,
			URL:           e.URL,
			Tier:          e.Tier,
			ProbeInterval: e.HeartbeatInterval.Duration(),
			Checks:        checks,
			AuthToken:     e.AuthToken,
			AuthTokenRef:  e.AuthTokenRef,
		})
	}
	return out, nil
}

var _ StateManager = (*state.Manager)(nil)
