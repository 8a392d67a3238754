package handler

import (
	"net/http"

	"github.com/notifyhub/realtime-gateway/internal/worker"
)

// MetricsHandler serves a human-readable JSON load snapshot.
// Raw Prometheus metrics are available at /metrics via promhttp.
type MetricsHandler struct {
	conns worker.ConnectionStats
	q     worker.QueueStats
}

func NewMetricsHandler(conns worker.ConnectionStats, q worker.QueueStats) *MetricsHandler {
	return &MetricsHandler{conns: conns, q: q}
}

// GetMetrics handles GET /api/v1/metrics
//
// @Summary  Real-time connection and queue snapshot
// @Tags     metrics
// @Produce  json
// @Success  200  {object}  worker.Snapshot
// @Router   /api/v1/metrics [get]
func (h *MetricsHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, worker.TakeSnapshot(h.conns, h.q))
}
