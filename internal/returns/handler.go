package returns

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/merx-mms/merx/internal/platform/httpx"
	"github.com/merx-mms/merx/internal/shared"
)

// Handler wires the return request endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the return handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers return routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/", h.list)
	r.Get("/{id}", h.get)
	r.Post("/{id}/approve", h.approve)
	r.Post("/{id}/reject", h.reject)
	r.Post("/{id}/cancel", h.cancel)
	r.Post("/{id}/restore", h.restore)
	r.Post("/{id}/complete", h.complete)
}

type lineReq struct {
	SKUID    int64 `json:"sku_id" validate:"required,gt=0"`
	Quantity int64 `json:"quantity" validate:"required,gt=0"`
}

type createReq struct {
	Code    string    `json:"code,omitempty"`
	OrderID int64     `json:"order_id" validate:"required,gt=0"`
	Type    string    `json:"type" validate:"required"`
	Reason  string    `json:"reason,omitempty"`
	Note    string    `json:"note,omitempty"`
	Lines   []lineReq `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createReq
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input := CreateInput{
		Code:    req.Code,
		OrderID: req.OrderID,
		Type:    Type(req.Type),
		Reason:  req.Reason,
		Note:    req.Note,
		ActorID: shared.ActorFromContext(r.Context()),
	}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, ReturnLine{SKUID: line.SKUID, Quantity: line.Quantity})
	}
	created, err := h.service.Create(r.Context(), input)
	if err != nil {
		h.logger.Error("create return failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	h.logger.Info("return created", slog.String("code", created.Code), slog.Int64("order_id", created.OrderID))
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, func(ctx context.Context, id, actor int64, _ string) (ReturnRequest, error) {
		return h.service.Approve(ctx, id, actor)
	})
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, func(ctx context.Context, id, actor int64, reason string) (ReturnRequest, error) {
		return h.service.Reject(ctx, id, reason, actor)
	})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, func(ctx context.Context, id, actor int64, reason string) (ReturnRequest, error) {
		return h.service.Cancel(ctx, id, reason, actor)
	})
}

func (h *Handler) restore(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, func(ctx context.Context, id, actor int64, _ string) (ReturnRequest, error) {
		return h.service.Restore(ctx, id, actor)
	})
}

type completeLineReq struct {
	SKUID       int64 `json:"sku_id" validate:"required,gt=0"`
	WarehouseID int64 `json:"warehouse_id" validate:"required,gt=0"`
}

type completeReq struct {
	Lines []completeLineReq `json:"lines,omitempty" validate:"dive"`
}

// complete accepts an optional per-sku warehouse mapping; skus without a
// mapping go back into the warehouse they were allocated from.
func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	id, err := h.requestID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req completeReq
	if r.ContentLength > 0 {
		if err := h.decode(r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	lines := make([]CompleteLine, 0, len(req.Lines))
	for _, line := range req.Lines {
		lines = append(lines, CompleteLine{SKUID: line.SKUID, WarehouseID: line.WarehouseID})
	}
	out, err := h.service.Complete(r.Context(), id, lines, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.logger.Error("complete return failed", slog.Int64("request_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

type reasonReq struct {
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) act(w http.ResponseWriter, r *http.Request, op func(context.Context, int64, int64, string) (ReturnRequest, error)) {
	id, err := h.requestID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req reasonReq
	if err := httpx.DecodeJSON(r, &req); err != nil && r.ContentLength > 0 {
		httpx.RespondError(w, fmt.Errorf("%w: %v", shared.ErrValidation, err))
		return
	}
	out, err := op(r.Context(), id, shared.ActorFromContext(r.Context()), req.Reason)
	if err != nil {
		h.logger.Error("return transition failed", slog.Int64("request_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := h.requestID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	req, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, req)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{Status: Status(q.Get("status"))}
	filter.OrderID, _ = strconv.ParseInt(q.Get("order_id"), 10, 64)
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	out, err := h.service.List(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) requestID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: return request id must be numeric", shared.ErrValidation)
	}
	return id, nil
}

func (h *Handler) decode(r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	if err := h.validate.Struct(target); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	return nil
}
