package api

import (
	"net/http"

	"github.com/seantiz/campussim/internal/model"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByState       map[string]int `json:"by_state"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetJobStats(r.Context())
	if err != nil {
		s.logger.Error("get job stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	// Every state is listed, so clients need not treat absence as zero.
	byState := make(map[string]int, len(model.States))
	for _, st := range model.States {
		byState[string(st)] = stats.CountByState[string(st)]
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByState:       byState,
		AvgDurationMS: stats.AvgDurationMS,
	})
}
