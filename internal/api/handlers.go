package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/VenkatGGG/cbtr/internal/platform"
	"github.com/VenkatGGG/cbtr/internal/scheduler"
	"github.com/VenkatGGG/cbtr/pkg/httpx"
)

const (
	maxReportBytes = 1 << 20
	pendingHeader  = "X-Cbtr-Pending"
)

type runReport struct {
	Passed bool `json:"passed"`
}

type runResponse struct {
	Status    string `json:"status"`
	EarlyBird bool   `json:"early_bird,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	runID := strings.TrimSpace(query.Get(platform.RunQueryParam))
	testID := strings.TrimSpace(query.Get(platform.TestQueryParam))

	payload, err := httpx.ReadBody(r, maxReportBytes)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	var report runReport
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &report); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_body", "report must be a JSON object")
			return
		}
	}

	res, err := s.scheduler.End(r.Context(), scheduler.EndInput{
		RunID:   runID,
		TestID:  testID,
		Passed:  report.Passed,
		Payload: payload,
	})
	switch {
	case errors.Is(err, scheduler.ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	case errors.Is(err, scheduler.ErrUnknownRun):
		s.writeError(w, http.StatusNotFound, "unknown_run", "run not found")
		return
	case errors.Is(err, scheduler.ErrTestEnded):
		s.writeError(w, http.StatusNotFound, "test_ended", "test not found or already ended")
		return
	case err != nil:
		s.logger.Printf("webhook end failed: run_id=%s test_id=%s err=%v", runID, testID, err)
		s.writeError(w, http.StatusInternalServerError, "internal_error", "failed to record test end")
		return
	}

	s.metrics.RecordWebhookResponse(strconv.Itoa(http.StatusOK))
	httpx.WriteJSON(w, http.StatusOK, runResponse{Status: "accepted", EarlyBird: res.EarlyBird})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set(pendingHeader, strconv.Itoa(s.scheduler.CountPending()))
	httpx.WriteJSON(w, http.StatusOK, s.scheduler.Status())
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if s.results == nil {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"results": []any{}})
		return
	}
	items, err := s.results.List(r.Context())
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "results_failed", err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"results": items})
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.metrics.RecordWebhookResponse(strconv.Itoa(status))
	httpx.WriteError(w, status, code, message)
}
