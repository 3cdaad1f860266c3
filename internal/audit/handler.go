package audit

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/merx-mms/merx/internal/platform/httpx"
	"github.com/merx-mms/merx/internal/shared"
)

// Handler exposes the audit trail read-only.
type Handler struct {
	logger *slog.Logger
	audit  *shared.AuditLogger
}

// NewHandler constructs the audit handler.
func NewHandler(logger *slog.Logger, audit *shared.AuditLogger) *Handler {
	return &Handler{logger: logger, audit: audit}
}

// MountRoutes registers audit routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := shared.AuditFilter{
		Entity:   q.Get("entity"),
		EntityID: q.Get("entity_id"),
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	logs, err := h.audit.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("list audit logs failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, logs)
}
