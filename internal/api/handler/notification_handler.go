package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apimw "github.com/notifyhub/realtime-gateway/internal/api/middleware"
	"github.com/notifyhub/realtime-gateway/internal/domain"
	"github.com/notifyhub/realtime-gateway/internal/service"
)

// NotificationHandler serves the producer endpoint and the caller's backlog.
type NotificationHandler struct {
	svc    *service.NotificationService
	logger *zap.Logger
}

func NewNotificationHandler(svc *service.NotificationService, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{svc: svc, logger: logger}
}

type createResponse struct {
	JobID      string    `json:"job_id"`
	Status     string    `json:"status"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Create handles POST /api/v1/notifications
//
// @Summary     Enqueue a notification job
// @Tags        notifications
// @Accept      json
// @Produce     json
// @Param       body  body      domain.CreateJobRequest  true  "Job payload"
// @Success     202   {object}  createResponse
// @Failure     422   {object}  map[string]string
// @Failure     503   {object}  map[string]string
// @Router      /api/v1/notifications [post]
func (h *NotificationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	job, err := h.svc.Notify(r.Context(), req)
	if err != nil {
		h.logger.Warn("create notification failed",
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.String("producer", apimw.GetUserID(r.Context())),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, createResponse{
		JobID:      job.ID,
		Status:     "queued",
		EnqueuedAt: job.EnqueuedAt,
	})
}

// List handles GET /api/v1/notifications
//
// @Summary  List the caller's notification backlog
// @Tags     notifications
// @Produce  json
// @Param    unread  query     bool  false  "Only unread notifications"
// @Param    page    query     int   false  "Page number (default 1)"
// @Param    limit   query     int   false  "Items per page (default 20, max 100)"
// @Success  200     {object}  map[string]any
// @Router   /api/v1/notifications [get]
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := parseListFilter(r)
	notifications, total, err := h.svc.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("list notifications failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}
	unread, err := h.svc.UnreadCount(r.Context(), filter.UserID)
	if err != nil {
		h.logger.Error("count unread failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}
	if notifications == nil {
		notifications = []*domain.Notification{}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"data":         notifications,
		"total":        total,
		"unread_count": unread,
		"page":         filter.Page,
		"limit":        filter.Limit,
	})
}

// MarkRead handles POST /api/v1/notifications/{id}/read
//
// @Summary  Mark one of the caller's notifications as read
// @Tags     notifications
// @Param    id   path      string  true  "Notification UUID"
// @Success  204
// @Failure  404  {object}  map[string]string
// @Router   /api/v1/notifications/{id}/read [post]
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.MarkRead(r.Context(), apimw.GetUserID(r.Context()), id); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseListFilter(r *http.Request) domain.ListFilter {
	q := r.URL.Query()
	filter := domain.ListFilter{
		UserID: apimw.GetUserID(r.Context()),
		Page:   1,
		Limit:  20,
	}

	if p, err := strconv.Atoi(q.Get("page")); err == nil && p > 0 {
		filter.Page = p
	}
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 && l <= 100 {
		filter.Limit = l
	}
	if u, err := strconv.ParseBool(q.Get("unread")); err == nil {
		filter.UnreadOnly = u
	}
	return filter
}
