// Package api exposes the read-only query surface over the persisted
// pipeline records, plus the revert endpoint and a live stats stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/sentinelsec/sentinel/internal/models"
	"github.com/sentinelsec/sentinel/internal/report"
	"github.com/sentinelsec/sentinel/internal/repository"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// Reverter undoes a previously executed action.
type Reverter interface {
	Revert(ctx context.Context, actionID string) (models.ActionRecord, error)
}

// Server handles the HTTP API.
type Server struct {
	mux      *http.ServeMux
	listen   string
	mode     string
	repo     *repository.Repository
	reverter Reverter
	builder  *report.Builder
	hub      *Hub
	started  time.Time
}

// NewServer creates the API server. mode is reported by /api/health
// ("simulation" or "production").
func NewServer(listen, mode string, repo *repository.Repository, reverter Reverter) *Server {
	s := &Server{
		mux:      http.NewServeMux(),
		listen:   listen,
		mode:     mode,
		repo:     repo,
		reverter: reverter,
		builder:  report.NewBuilder(),
		hub:      NewHub(),
		started:  time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/stats", s.handleStats)
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/alerts", s.handleAlerts)
	s.mux.HandleFunc("/api/alerts/", s.handleAlertReport)
	s.mux.HandleFunc("/api/investigations", s.handleInvestigations)
	s.mux.HandleFunc("/api/actions", s.handleActions)
	s.mux.HandleFunc("/api/actions/", s.handleRevert)
	s.mux.HandleFunc("/api/stream", s.handleStream)
	s.mux.Handle("/metrics", promhttp.Handler())
}

// Handler returns the routing handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Run serves until ctx is canceled, pushing stats to stream clients at
// one hertz in between requests.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)
	go s.pushStats(ctx)

	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", s.listen).Msg("api server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) pushStats(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.hub.ClientCount() == 0 {
				continue
			}
			stats, err := s.stats(ctx)
			if err != nil {
				continue
			}
			s.hub.Broadcast(map[string]any{"type": "stats", "data": stats})
		}
	}
}

type statsPayload struct {
	Alerts          int            `json:"alerts"`
	Investigations  int            `json:"investigations"`
	Actions         int            `json:"actions"`
	AlertSeverities map[string]int `json:"alert_severities"`
	ActionTypes     map[string]int `json:"action_types"`
	Verdicts        map[string]int `json:"verdicts"`
}

func (s *Server) stats(ctx context.Context) (statsPayload, error) {
	var (
		p   statsPayload
		err error
	)
	if p.Alerts, err = s.repo.CountAlerts(ctx); err != nil {
		return p, err
	}
	if p.Investigations, err = s.repo.CountInvestigations(ctx); err != nil {
		return p, err
	}
	if p.Actions, err = s.repo.CountActions(ctx); err != nil {
		return p, err
	}
	if p.AlertSeverities, err = s.repo.CountAlertsBySeverity(ctx); err != nil {
		return p, err
	}
	if p.Verdicts, err = s.repo.CountInvestigationsByVerdict(ctx); err != nil {
		return p, err
	}
	if p.ActionTypes, err = s.repo.CountActionsByType(ctx); err != nil {
		return p, err
	}
	return p, nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.stats(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("stats query failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := map[string]any{
		"status":         "healthy",
		"uptime_seconds": time.Since(s.started).Seconds(),
		"mode":           s.mode,
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			health["process_cpu_percent"] = cpu
		}
		if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
			health["process_rss_bytes"] = memInfo.RSS
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		health["host_memory"] = map[string]any{
			"total_bytes":  vm.Total,
			"used_bytes":   vm.Used,
			"used_percent": vm.UsedPercent,
		}
	}
	writeJSON(w, health)
}

// page is the standard list envelope.
type page struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Items  any `json:"items"`
}

func pageParams(r *http.Request) (limit, offset int) {
	limit = defaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			offset = v
		}
	}
	return limit, offset
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, offset := pageParams(r)
	items, total, err := s.repo.ListAlerts(r.Context(), limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("alert list query failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, page{Total: total, Limit: limit, Offset: offset, Items: items})
}

func (s *Server) handleInvestigations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, offset := pageParams(r)
	items, total, err := s.repo.ListInvestigations(r.Context(), limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("investigation list query failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, page{Total: total, Limit: limit, Offset: offset, Items: items})
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, offset := pageParams(r)
	items, total, err := s.repo.ListActions(r.Context(), limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("action list query failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, page{Total: total, Limit: limit, Offset: offset, Items: items})
}

// handleAlertReport serves GET /api/alerts/{id}/report.
func (s *Server) handleAlertReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/alerts/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "report" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	alertID := parts[0]

	alert, err := s.repo.GetAlert(r.Context(), alertID)
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "Alert not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	investigation, err := s.repo.GetInvestigation(r.Context(), alertID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	records, err := s.repo.ActionsForAlert(r.Context(), alertID)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	data, err := s.builder.Build(alert, investigation, records)
	if err != nil {
		log.Error().Err(err).Str("alert_id", alertID).Msg("report render failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", "attachment; filename=incident-"+alertID+".pdf")
	w.Write(data)
}

// handleRevert serves POST /api/actions/{id}/revert.
func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/actions/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "revert" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.reverter == nil {
		http.Error(w, "Revert not available", http.StatusServiceUnavailable)
		return
	}

	record, err := s.reverter.Revert(r.Context(), parts[0])
	switch {
	case errors.Is(err, repository.ErrNotFound):
		http.Error(w, "Action not found", http.StatusNotFound)
	case err != nil:
		log.Error().Err(err).Str("action_id", parts[0]).Msg("revert failed")
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		writeJSON(w, record)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encode api response")
	}
}
