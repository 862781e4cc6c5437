package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/sage/internal/usage"
)

// UsageReader is the read side of the token usage ledger.
type UsageReader interface {
	Summary(ctx context.Context, start, end time.Time) (usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]usage.Summary, error)
	ForTrace(ctx context.Context, traceID string) ([]usage.Record, error)
}

// SetUsage enables the /api/usage endpoints. Without it they report 503.
func (s *Server) SetUsage(u UsageReader) {
	s.usage = u
}

// handleUsage totals token usage over the last ?hours= (default 24).
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage ledger disabled")
		return
	}

	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = n
	}

	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)
	total, err := s.usage.Summary(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to read usage")
		return
	}
	byModel, err := s.usage.SummaryByModel(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage by model failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to read usage")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"hours":    hours,
		"total":    total,
		"by_model": byModel,
	}, s.logger)
}

func (s *Server) handleTraceUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage ledger disabled")
		return
	}
	traceID := r.PathValue("trace")
	recs, err := s.usage.ForTrace(r.Context(), traceID)
	if err != nil {
		s.logger.Error("usage for trace failed", "trace_id", traceID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to read usage")
		return
	}
	if len(recs) == 0 {
		s.errorResponse(w, http.StatusNotFound, "no usage recorded for trace "+traceID)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"trace_id": traceID, "calls": recs}, s.logger)
}
