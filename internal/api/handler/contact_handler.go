package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	apimw "github.com/notifyhub/realtime-gateway/internal/api/middleware"
	"github.com/notifyhub/realtime-gateway/internal/domain"
	"github.com/notifyhub/realtime-gateway/internal/service"
)

// ContactHandler lets a user manage their email delivery preferences.
type ContactHandler struct {
	svc    *service.NotificationService
	logger *zap.Logger
}

func NewContactHandler(svc *service.NotificationService, logger *zap.Logger) *ContactHandler {
	return &ContactHandler{svc: svc, logger: logger}
}

type contactRequest struct {
	Email        string `json:"email"`
	EmailEnabled bool   `json:"email_enabled"`
}

// Get handles GET /api/v1/me/contact
//
// @Summary  Read the caller's delivery preferences
// @Tags     contacts
// @Produce  json
// @Success  200  {object}  domain.Contact
// @Router   /api/v1/me/contact [get]
func (h *ContactHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := apimw.GetUserID(r.Context())
	c, err := h.svc.GetContact(r.Context(), userID)
	if errors.Is(err, domain.ErrNotFound) {
		respondJSON(w, http.StatusOK, domain.Contact{UserID: userID})
		return
	}
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// Put handles PUT /api/v1/me/contact
//
// @Summary  Replace the caller's delivery preferences
// @Tags     contacts
// @Accept   json
// @Produce  json
// @Param    body  body      contactRequest  true  "Preferences"
// @Success  200   {object}  domain.Contact
// @Failure  422   {object}  map[string]string
// @Router   /api/v1/me/contact [put]
func (h *ContactHandler) Put(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	c := &domain.Contact{
		UserID:       apimw.GetUserID(r.Context()),
		Email:        req.Email,
		EmailEnabled: req.EmailEnabled,
	}
	if err := h.svc.SetContact(r.Context(), c); err != nil {
		h.logger.Warn("update contact failed",
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.Error(err))
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}
