package ledger

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/merx-mms/merx/internal/platform/httpx"
	"github.com/merx-mms/merx/internal/shared"
)

// Handler wires the inventory transaction endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the ledger handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/imports", h.recordImport)
	r.Post("/exports", h.recordExport)
	r.Post("/adjustments", h.recordAdjustment)
	r.Post("/transfers", h.recordTransfer)
	r.Get("/positions", h.listPositions)
	r.Get("/positions/{warehouseID}/{skuID}", h.getPosition)
	r.Get("/transactions", h.listTransactions)
	r.Get("/transactions/{code}", h.getTransaction)
	r.Get("/movements", h.listMovements)
}

type importLineReq struct {
	SKUID    int64           `json:"sku_id" validate:"required,gt=0"`
	Quantity int64           `json:"quantity" validate:"required,gt=0"`
	UnitCost decimal.Decimal `json:"unit_cost"`
}

type importReq struct {
	Code        string          `json:"code,omitempty"`
	WarehouseID int64           `json:"warehouse_id" validate:"required,gt=0"`
	Subtype     string          `json:"subtype,omitempty"`
	Note        string          `json:"note,omitempty"`
	Lines       []importLineReq `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) recordImport(w http.ResponseWriter, r *http.Request) {
	var req importReq
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input := ImportInput{
		Code:        req.Code,
		WarehouseID: req.WarehouseID,
		Subtype:     Subtype(req.Subtype),
		Note:        req.Note,
		ActorID:     shared.ActorFromContext(r.Context()),
	}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, ImportLine{SKUID: line.SKUID, Quantity: line.Quantity, UnitCost: line.UnitCost})
	}
	tx, err := h.service.RecordImport(r.Context(), input)
	if err != nil {
		h.logger.Error("record import failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	h.logger.Info("import posted", slog.String("code", tx.Code), slog.Int64("warehouse_id", tx.WarehouseID), slog.Int("lines", len(tx.Lines)))
	httpx.JSON(w, http.StatusCreated, tx)
}

type exportLineReq struct {
	SKUID    int64 `json:"sku_id" validate:"required,gt=0"`
	Quantity int64 `json:"quantity" validate:"required,gt=0"`
}

type exportReq struct {
	Code        string          `json:"code,omitempty"`
	WarehouseID int64           `json:"warehouse_id" validate:"required,gt=0"`
	Subtype     string          `json:"subtype,omitempty"`
	Note        string          `json:"note,omitempty"`
	Lines       []exportLineReq `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) recordExport(w http.ResponseWriter, r *http.Request) {
	var req exportReq
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input := ExportInput{
		Code:        req.Code,
		WarehouseID: req.WarehouseID,
		Subtype:     Subtype(req.Subtype),
		Note:        req.Note,
		ActorID:     shared.ActorFromContext(r.Context()),
	}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, ExportLine{SKUID: line.SKUID, Quantity: line.Quantity})
	}
	tx, err := h.service.RecordExport(r.Context(), input)
	if err != nil {
		h.logger.Error("record export failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	h.logger.Info("export posted", slog.String("code", tx.Code), slog.Int64("warehouse_id", tx.WarehouseID), slog.Int("lines", len(tx.Lines)))
	httpx.JSON(w, http.StatusCreated, tx)
}

type adjustmentLineReq struct {
	SKUID          int64            `json:"sku_id" validate:"required,gt=0"`
	QuantityBefore int64            `json:"quantity_before" validate:"gte=0"`
	NewQuantity    int64            `json:"new_quantity" validate:"gte=0"`
	UnitCost       *decimal.Decimal `json:"unit_cost,omitempty"`
}

type adjustmentReq struct {
	Code        string              `json:"code,omitempty"`
	WarehouseID int64               `json:"warehouse_id" validate:"required,gt=0"`
	Subtype     string              `json:"subtype,omitempty"`
	Note        string              `json:"note,omitempty"`
	Lines       []adjustmentLineReq `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) recordAdjustment(w http.ResponseWriter, r *http.Request) {
	var req adjustmentReq
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input := AdjustmentInput{
		Code:        req.Code,
		WarehouseID: req.WarehouseID,
		Subtype:     Subtype(req.Subtype),
		Note:        req.Note,
		ActorID:     shared.ActorFromContext(r.Context()),
	}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, AdjustmentLine{
			SKUID:          line.SKUID,
			QuantityBefore: line.QuantityBefore,
			NewQuantity:    line.NewQuantity,
			UnitCost:       line.UnitCost,
		})
	}
	tx, err := h.service.RecordAdjustment(r.Context(), input)
	if err != nil {
		h.logger.Error("record adjustment failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, tx)
}

type transferLineReq struct {
	SKUID    int64 `json:"sku_id" validate:"required,gt=0"`
	Quantity int64 `json:"quantity" validate:"required,gt=0"`
}

type transferReq struct {
	Code           string            `json:"code,omitempty"`
	SrcWarehouseID int64             `json:"src_warehouse_id" validate:"required,gt=0"`
	DstWarehouseID int64             `json:"dst_warehouse_id" validate:"required,gt=0"`
	Note           string            `json:"note,omitempty"`
	Lines          []transferLineReq `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) recordTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferReq
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input := TransferInput{
		Code:           req.Code,
		SrcWarehouseID: req.SrcWarehouseID,
		DstWarehouseID: req.DstWarehouseID,
		Note:           req.Note,
		ActorID:        shared.ActorFromContext(r.Context()),
	}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, TransferLine{SKUID: line.SKUID, Quantity: line.Quantity})
	}
	result, err := h.service.RecordTransfer(r.Context(), input)
	if err != nil {
		h.logger.Error("record transfer failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) getPosition(w http.ResponseWriter, r *http.Request) {
	warehouseID, err1 := strconv.ParseInt(chi.URLParam(r, "warehouseID"), 10, 64)
	skuID, err2 := strconv.ParseInt(chi.URLParam(r, "skuID"), 10, 64)
	if err1 != nil || err2 != nil {
		httpx.RespondError(w, fmt.Errorf("%w: warehouse and sku ids must be numeric", shared.ErrValidation))
		return
	}
	pos, err := h.service.GetPosition(r.Context(), skuID, warehouseID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, pos)
}

func (h *Handler) listPositions(w http.ResponseWriter, r *http.Request) {
	warehouseID, _ := strconv.ParseInt(r.URL.Query().Get("warehouse_id"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	positions, err := h.service.ListPositions(r.Context(), warehouseID, limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, positions)
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := TransactionFilter{Kind: TransactionKind(q.Get("kind"))}
	filter.WarehouseID, _ = strconv.ParseInt(q.Get("warehouse_id"), 10, 64)
	filter.OrderID, _ = strconv.ParseInt(q.Get("order_id"), 10, 64)
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	txs, err := h.service.ListTransactions(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, txs)
}

func (h *Handler) getTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.service.GetTransaction(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tx)
}

func (h *Handler) listMovements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := MovementFilter{}
	filter.SKUID, _ = strconv.ParseInt(q.Get("sku_id"), 10, 64)
	filter.WarehouseID, _ = strconv.ParseInt(q.Get("warehouse_id"), 10, 64)
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	if from := q.Get("from"); from != "" {
		t, err := time.Parse("2006-01-02", from)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: invalid from date", shared.ErrValidation))
			return
		}
		filter.From = t
	}
	if to := q.Get("to"); to != "" {
		t, err := time.Parse("2006-01-02", to)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: invalid to date", shared.ErrValidation))
			return
		}
		filter.To = t.Add(24*time.Hour - time.Nanosecond)
	}
	entries, err := h.service.GetMovements(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entries)
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
