package orders

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/merx-mms/merx/internal/platform/httpx"
	"github.com/merx-mms/merx/internal/shared"
)

// Handler wires the order endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the order handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers order routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/", h.list)
	r.Get("/{id}", h.get)
	r.Post("/{id}/confirm", h.confirm)
	r.Patch("/{id}/status", h.updateStatus)
	r.Post("/{id}/cancel", h.cancel)
	r.Post("/{id}/delivery-failed", h.deliveryFailed)
}

type itemReq struct {
	SKUID        int64           `json:"sku_id" validate:"required,gt=0"`
	Quantity     int64           `json:"quantity" validate:"required,gt=0"`
	SellingPrice decimal.Decimal `json:"selling_price"`
}

type createReq struct {
	Code            string    `json:"code,omitempty"`
	CustomerName    string    `json:"customer_name" validate:"required"`
	CustomerPhone   string    `json:"customer_phone,omitempty"`
	ShippingAddress string    `json:"shipping_address,omitempty"`
	PaymentMethodID int64     `json:"payment_method_id,omitempty"`
	Note            string    `json:"note,omitempty"`
	Items           []itemReq `json:"items" validate:"required,min=1,dive"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createReq
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input := CreateInput{
		Code:            req.Code,
		CustomerName:    req.CustomerName,
		CustomerPhone:   req.CustomerPhone,
		ShippingAddress: req.ShippingAddress,
		PaymentMethodID: req.PaymentMethodID,
		Note:            req.Note,
		ActorID:         shared.ActorFromContext(r.Context()),
	}
	for _, item := range req.Items {
		input.Items = append(input.Items, OrderItem{SKUID: item.SKUID, Quantity: item.Quantity, SellingPrice: item.SellingPrice})
	}
	order, err := h.service.Create(r.Context(), input)
	if err != nil {
		h.logger.Error("create order failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	h.logger.Info("order created", slog.String("code", order.Code), slog.Int64("id", order.ID))
	httpx.JSON(w, http.StatusCreated, order)
}

type confirmLineReq struct {
	SKUID       int64 `json:"sku_id" validate:"required,gt=0"`
	WarehouseID int64 `json:"warehouse_id" validate:"required,gt=0"`
}

type confirmReq struct {
	Lines []confirmLineReq `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	id, err := h.orderID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req confirmReq
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	lines := make([]ConfirmLine, 0, len(req.Lines))
	for _, line := range req.Lines {
		lines = append(lines, ConfirmLine{SKUID: line.SKUID, WarehouseID: line.WarehouseID})
	}
	order, err := h.service.Confirm(r.Context(), id, lines, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.logger.Error("confirm order failed", slog.Int64("order_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	h.logger.Info("order confirmed", slog.Int64("order_id", id))
	httpx.JSON(w, http.StatusOK, order)
}

type statusReq struct {
	Observed string `json:"observed_status" validate:"required"`
	Status   string `json:"status" validate:"required"`
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := h.orderID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req statusReq
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	order, err := h.service.UpdateStatus(r.Context(), id, Status(req.Observed), Status(req.Status), shared.ActorFromContext(r.Context()))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

type reasonReq struct {
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.terminate(w, r, h.service.Cancel)
}

func (h *Handler) deliveryFailed(w http.ResponseWriter, r *http.Request) {
	h.terminate(w, r, h.service.MarkDeliveryFailed)
}

func (h *Handler) terminate(w http.ResponseWriter, r *http.Request, op func(context.Context, int64, string, int64) (Order, error)) {
	id, err := h.orderID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req reasonReq
	if err := httpx.DecodeJSON(r, &req); err != nil && r.ContentLength > 0 {
		httpx.RespondError(w, fmt.Errorf("%w: %v", shared.ErrValidation, err))
		return
	}
	order, err := op(r.Context(), id, req.Reason, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.logger.Error("order termination failed", slog.Int64("order_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := h.orderID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	order, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{Status: Status(q.Get("status"))}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	out, err := h.service.List(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) orderID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: order id must be numeric", shared.ErrValidation)
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
