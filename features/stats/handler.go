package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"caseflow/backend/features/job"
	"caseflow/backend/internal/middleware"
)

type JobCounter interface {
	CountByType(ctx context.Context) ([]job.TypeCounts, error)
}

type Handler struct {
	jobs JobCounter
}

func NewHandler(j JobCounter) *Handler {
	return &Handler{jobs: j}
}

type StatsResponse struct {
	Pending    int              `json:"pending"`
	Succeeded  int              `json:"succeeded"`
	FailedJobs int              `json:"failed_jobs"`
	ByType     []job.TypeCounts `json:"by_type"`
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	slog.InfoContext(ctx, "getting stats", "correlationId", correlationID)

	counts, err := h.jobs.CountByType(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count jobs", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count jobs", http.StatusInternalServerError)
		return
	}

	resp := StatsResponse{ByType: make([]job.TypeCounts, 0, len(counts))}
	for _, c := range counts {
		resp.Pending += c.Pending
		resp.Succeeded += c.Succeeded
		resp.FailedJobs += c.Failed
		resp.ByType = append(resp.ByType, c)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
