package handler

import (
	"net/http"

	"github.com/notifyhub/realtime-gateway/internal/worker"
)

// StatusHandler reports who is connected to the realtime endpoint.
type StatusHandler struct {
	conns worker.ConnectionStats
}

func NewStatusHandler(conns worker.ConnectionStats) *StatusHandler {
	return &StatusHandler{conns: conns}
}

type statusResponse struct {
	ConnectedUsers  []string `json:"connected_users"`
	ConnectionCount int      `json:"connection_count"`
	Status          string   `json:"status"`
}

// Status handles GET /ws/status. The figures are a snapshot and may trail
// connections that are opening or closing concurrently.
//
// @Summary  Realtime connection status
// @Tags     realtime
// @Produce  json
// @Success  200  {object}  statusResponse
// @Router   /ws/status [get]
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	users := h.conns.ConnectedUserIDs()
	if users == nil {
		users = []string{}
	}
	respondJSON(w, http.StatusOK, statusResponse{
		ConnectedUsers:  users,
		ConnectionCount: h.conns.ConnectionCount(),
		Status:          "active",
	})
}
