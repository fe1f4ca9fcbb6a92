package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kubeinquest/kubeinquest/internal/audit"
	"github.com/kubeinquest/kubeinquest/internal/monitor"
	"github.com/kubeinquest/kubeinquest/internal/report"
	"github.com/kubeinquest/kubeinquest/internal/scheduler"
)

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func (s *Server) handleMonitoringStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.monitor.Latest())
}

func (s *Server) handleMonitoringStart(w http.ResponseWriter, r *http.Request) {
	// The loop outlives the request, so it is not tied to r.Context.
	err := s.monitor.Start(context.Background())
	switch {
	case errors.Is(err, monitor.ErrAlreadyRunning):
		respondError(w, http.StatusConflict, "already_running")
	case err != nil:
		s.logger.Error("monitoring start failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "start_failed")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleMonitoringStop(w http.ResponseWriter, r *http.Request) {
	err := s.monitor.Stop()
	switch {
	case errors.Is(err, monitor.ErrNotRunning):
		respondError(w, http.StatusConflict, "not_running")
	case err != nil:
		s.logger.Error("monitoring stop failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "stop_failed")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleClusterSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.monitor.LatestSnapshot()
	if snap == nil {
		respondError(w, http.StatusServiceUnavailable, "no_snapshot")
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

type investigationRequest struct {
	Namespace        string `json:"namespace"`
	IssueFingerprint string `json:"issueFingerprint"`
	TimeoutSec       int    `json:"timeoutSec"`
}

func (s *Server) handleInvestigateDeterministic(w http.ResponseWriter, r *http.Request) {
	s.submitInvestigation(w, r, report.ModeDeterministic)
}

func (s *Server) handleInvestigateAgentic(w http.ResponseWriter, r *http.Request) {
	s.submitInvestigation(w, r, report.ModeAgentic)
}

func (s *Server) submitInvestigation(w http.ResponseWriter, r *http.Request, mode report.Mode) {
	var body investigationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	req := scheduler.ManualRequest{
		Mode:        mode,
		Namespace:   body.Namespace,
		Fingerprint: body.IssueFingerprint,
	}
	if body.TimeoutSec > 0 {
		req.Timeout = time.Duration(body.TimeoutSec) * time.Second
	}

	id, err := s.sched.SubmitManual(req)
	switch {
	case errors.Is(err, scheduler.ErrSafeMode):
		respondError(w, http.StatusConflict, "safe_mode")
	case err != nil:
		s.logger.Error("manual investigation rejected", zap.String("mode", string(mode)), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "submit_failed")
	default:
		respondJSON(w, http.StatusAccepted, map[string]string{
			"id":     id,
			"status": string(report.StatusInProgress),
		})
	}
}

func (s *Server) handleListInvestigations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := intParam(q.Get("limit"), 0)
	mode, status := q.Get("mode"), q.Get("status")

	var filter func(*report.Report) bool
	if mode != "" || status != "" {
		filter = func(rep *report.Report) bool {
			if mode != "" && string(rep.Mode) != mode {
				return false
			}
			if status != "" && string(rep.Status) != status {
				return false
			}
			return true
		}
	}
	respondJSON(w, http.StatusOK, s.store.List(limit, filter))
}

func (s *Server) handleGetInvestigation(w http.ResponseWriter, r *http.Request) {
	rep, err := s.store.Get(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found")
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

func (s *Server) handleCancelInvestigation(w http.ResponseWriter, r *http.Request) {
	err := s.sched.Cancel(mux.Vars(r)["id"])
	switch {
	case errors.Is(err, report.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found")
	case err != nil:
		s.logger.Error("cancel failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "cancel_failed")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	reps := s.store.List(0, func(rep *report.Report) bool {
		return rep.Status.Terminal() && rep.File != ""
	})
	files := make([]string, 0, len(reps))
	for _, rep := range reps {
		files = append(files, rep.File)
	}
	respondJSON(w, http.StatusOK, files)
}

func (s *Server) handleGetReportFile(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["filename"]
	data, err := s.store.ReadFile(name)
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found")
		return
	}

	contentType := "text/plain; charset=utf-8"
	if strings.HasSuffix(name, ".json") {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if s.auditLog == nil {
		respondJSON(w, http.StatusOK, []*audit.Record{})
		return
	}

	q := audit.Query{
		EventType: r.URL.Query().Get("category"),
		Limit:     intParam(r.URL.Query().Get("limit"), 0),
	}
	recs, err := s.auditLog.Query(r.Context(), q)
	if err != nil {
		s.logger.Error("audit query failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "audit_query_failed")
		return
	}
	if recs == nil {
		recs = []*audit.Record{}
	}
	respondJSON(w, http.StatusOK, recs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": s.clock.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.store == nil || s.sched == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":    "ready",
		"timestamp": s.clock.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	monitoring := false
	if s.monitor != nil {
		monitoring = s.monitor.Running()
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"name":       "kubeinquest",
		"version":    s.version,
		"safe_mode":  s.safeMode,
		"monitoring": monitoring,
		"started_at": s.startedAt.Format(time.RFC3339),
		"timestamp":  s.clock.Now().UTC().Format(time.RFC3339),
	})
}
