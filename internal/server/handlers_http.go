package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/adred-codev/ws_channels/internal/hub"
	"github.com/adred-codev/ws_channels/internal/routing"
	"github.com/adred-codev/ws_channels/internal/shared/monitoring"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sony/gobreaker"
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleWebSocket)
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", monitoring.HandleMetrics)

	r.Route("/api/realtime", func(r chi.Router) {
		r.Use(middleware.NoCache)
		r.Get("/stats", s.handleStats)
		r.Get("/channels", s.handleListChannels)
		r.Post("/channels", s.handleAddChannel)
		r.Delete("/channels/{name}", s.handleRemoveChannel)
		r.Post("/rebalance", s.handleRebalance)
		r.Get("/cleanup", s.handleCleanupStatus)
		r.Post("/cleanup", s.handleTriggerCleanup)
		r.Post("/cleanup/emergency", s.handleEmergencyCleanup)
		r.Get("/connections/health", s.handleConnectionHealth)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth reports healthy, degraded (warnings) or unhealthy (errors).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	warnings := []string{}
	errs := []string{}
	checks := map[string]any{
		"connections":       s.manager.ConnectionCount(),
		"heartbeat_running": s.manager.HeartbeatRunning(),
	}

	if s.shuttingDown.Load() {
		errs = append(errs, "server is shutting down")
	}

	if s.system != nil {
		metrics := s.system.Metrics()
		checks["cpu_percent"] = metrics.CPUPercent
		checks["memory_percent"] = metrics.MemoryPercent
		checks["goroutines"] = metrics.Goroutines
	}

	if s.cleanup != nil {
		hc := s.cleanup.CheckHealth()
		checks["cleanup"] = hc
		errs = append(errs, hc.Critical...)
	}

	for _, ch := range s.manager.ChannelUtilization() {
		if ch.OverCapacity {
			warnings = append(warnings, fmt.Sprintf("channel %s over capacity (%d/%d)", ch.Name, ch.Load, ch.Capacity))
		}
	}

	if s.bridge != nil {
		stats := s.bridge.Stats()
		checks["bridge"] = stats
		if stats.BreakerState != gobreaker.StateClosed.String() {
			warnings = append(warnings, "pub/sub publish circuit is "+stats.BreakerState)
		}
	}

	if s.ingest != nil {
		stats := s.ingest.Stats()
		checks["ingest"] = stats
		if stats.QueueFull > 0 {
			warnings = append(warnings, fmt.Sprintf("ingest dropped %d events on a full queue", stats.QueueFull))
		}
	}

	status := "healthy"
	statusCode := http.StatusOK
	if len(errs) > 0 {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
		s.logger.Error().Strs("errors", errs).Msg("Health check failed")
	} else if len(warnings) > 0 {
		status = "degraded"
	}

	writeJSON(w, statusCode, map[string]any{
		"status":    status,
		"checks":    checks,
		"warnings":  warnings,
		"errors":    errs,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"manager": s.manager.Stats(),
	}
	if s.bridge != nil {
		resp["bridge"] = s.bridge.Stats()
	}
	if s.cleanup != nil {
		resp["cleanup"] = map[string]any{
			"status":  s.cleanup.Status(),
			"metrics": s.cleanup.Metrics(),
		}
	}
	if s.ingest != nil {
		resp["ingest"] = s.ingest.Stats()
	}
	if s.limiter != nil {
		resp["connection_rate_limiter"] = s.limiter.Stats()
	}
	if s.system != nil {
		resp["system"] = s.system.Metrics()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"channels": s.manager.ChannelUtilization(),
	})
}

type addChannelRequest struct {
	ChannelType routing.ChannelType `json:"channel_type"`
	Name        string              `json:"name"`
	Capacity    int                 `json:"capacity"`
}

func (s *Server) handleAddChannel(w http.ResponseWriter, r *http.Request) {
	var req addChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)

	ch, err := s.manager.AddChannel(req.ChannelType, req.Name, req.Capacity)
	switch {
	case errors.Is(err, routing.ErrChannelExists):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Info().
		Str("channel", ch.Name).
		Str("channel_type", string(ch.Type)).
		Int("capacity", ch.Capacity).
		Msg("Channel added")
	writeJSON(w, http.StatusCreated, ch.Snapshot())
}

func (s *Server) handleRemoveChannel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	err := s.manager.RemoveChannel(name)
	switch {
	case err == nil:
		s.logger.Info().Str("channel", name).Msg("Channel removed")
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, routing.ErrUnknownChannel):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, routing.ErrPinnedChannel), errors.Is(err, hub.ErrChannelInUse):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Rebalance())
}

func (s *Server) handleCleanupStatus(w http.ResponseWriter, r *http.Request) {
	if s.cleanup == nil {
		writeError(w, http.StatusNotFound, "cleanup is not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  s.cleanup.Status(),
		"metrics": s.cleanup.Metrics(),
		"health":  s.cleanup.CheckHealth(),
	})
}

func (s *Server) handleTriggerCleanup(w http.ResponseWriter, r *http.Request) {
	if s.cleanup == nil {
		writeError(w, http.StatusNotFound, "cleanup is not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.cleanup.TriggerCleanup(r.Context()))
}

func (s *Server) handleEmergencyCleanup(w http.ResponseWriter, r *http.Request) {
	if s.cleanup == nil {
		writeError(w, http.StatusNotFound, "cleanup is not configured")
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "manual trigger"
	}
	writeJSON(w, http.StatusOK, s.cleanup.EmergencyCleanup(reason))
}

// handleConnectionHealth accepts ?idle_timeout= as a Go duration.
func (s *Server) handleConnectionHealth(w http.ResponseWriter, r *http.Request) {
	idle := s.config.IdleTimeout
	if raw := r.URL.Query().Get("idle_timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "idle_timeout must be a positive duration")
			return
		}
		idle = d
	}
	writeJSON(w, http.StatusOK, s.manager.ConnectionHealth(idle))
}
