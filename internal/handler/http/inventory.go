package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/utafrali/fulfillment/internal/domain"
	"github.com/utafrali/fulfillment/internal/service"
	"github.com/utafrali/fulfillment/pkg/httputil"
	"github.com/utafrali/fulfillment/pkg/validator"
)

// InventoryService is the stock operations contract, satisfied by
// service.InventoryService.
type InventoryService interface {
	CreateInventory(ctx context.Context, productID string, totalStock int) (*domain.Inventory, error)
	GetStock(ctx context.Context, productID string) (*service.StockInfo, error)
	AdjustStock(ctx context.Context, productID string, delta int, reason string) (*service.StockInfo, error)
	Reserve(ctx context.Context, orderID, productID string, qty int, ttl time.Duration) (*domain.Reservation, error)
	ReserveMany(ctx context.Context, orderID string, items []domain.ReserveItem, ttl time.Duration) (*domain.ReserveManyResult, error)
	ReleaseMany(ctx context.Context, reservationIDs []string, reason string) error
	ConfirmReservation(ctx context.Context, reservationID string) error
	ReleaseReservation(ctx context.Context, reservationID, reason string) error
}

// InventoryHandler serves the stock and reservation endpoints.
type InventoryHandler struct {
	service        InventoryService
	reservationTTL time.Duration
	logger         *slog.Logger
}

// NewInventoryHandler creates an inventory handler. reservationTTL is applied
// to holds created through the API.
func NewInventoryHandler(svc InventoryService, reservationTTL time.Duration, logger *slog.Logger) *InventoryHandler {
	return &InventoryHandler{service: svc, reservationTTL: reservationTTL, logger: logger}
}

// Routes mounts the inventory endpoints on a router.
func (h *InventoryHandler) Routes(r chi.Router) {
	r.Post("/inventory", h.CreateInventory)
	r.Get("/inventory/{productID}", h.GetStock)
	r.Patch("/inventory/{productID}/stock", h.AdjustStock)
	r.Post("/inventory/reserve", h.Reserve)
	r.Post("/inventory/reserve-batch", h.ReserveBatch)
	r.Post("/inventory/release-batch", h.ReleaseBatch)
	r.Post("/inventory/reservations/{reservationID}/confirm", h.ConfirmReservation)
	r.Post("/inventory/reservations/{reservationID}/release", h.ReleaseReservation)
}

// CreateInventory handles POST /inventory.
func (h *InventoryHandler) CreateInventory(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProductID  string `json:"product_id" validate:"required,uuid"`
		TotalStock int    `json:"total_stock" validate:"gte=0"`
	}
	if err := validator.DecodeAndValidate(r, &body); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	inv, err := h.service.CreateInventory(r.Context(), body.ProductID, body.TotalStock)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, httputil.Response{Data: inv})
}

// GetStock handles GET /inventory/{productID}.
func (h *InventoryHandler) GetStock(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "productID"))
	if !ok {
		return
	}

	info, err := h.service.GetStock(r.Context(), id.String())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: info})
}

// AdjustStock handles PATCH /inventory/{productID}/stock.
func (h *InventoryHandler) AdjustStock(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "productID"))
	if !ok {
		return
	}

	var body struct {
		Delta  int    `json:"delta" validate:"required"`
		Reason string `json:"reason" validate:"required"`
	}
	if err := validator.DecodeAndValidate(r, &body); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	info, err := h.service.AdjustStock(r.Context(), id.String(), body.Delta, body.Reason)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: info})
}

// Reserve handles POST /inventory/reserve, the single-item hold.
func (h *InventoryHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OrderID   string `json:"order_id" validate:"required,uuid"`
		ProductID string `json:"product_id" validate:"required,uuid"`
		Quantity  int    `json:"quantity" validate:"required,gt=0"`
	}
	if err := validator.DecodeAndValidate(r, &body); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	res, err := h.service.Reserve(r.Context(), body.OrderID, body.ProductID, body.Quantity, h.reservationTTL)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, httputil.Response{Data: res})
}

// ReserveBatch handles POST /inventory/reserve-batch, the all-or-nothing
// multi-item hold. The hold TTL defaults to the configured value and can be
// overridden per request via ttl_minutes. A stock validation failure returns
// 422 with the failing product ids in the result.
func (h *InventoryHandler) ReserveBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OrderID    string               `json:"order_id" validate:"required,uuid"`
		Items      []domain.ReserveItem `json:"items" validate:"required,min=1,dive"`
		TTLMinutes int                  `json:"ttl_minutes" validate:"omitempty,gt=0"`
	}
	if err := validator.DecodeAndValidate(r, &body); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	ttl := h.reservationTTL
	if body.TTLMinutes > 0 {
		ttl = time.Duration(body.TTLMinutes) * time.Minute
	}

	result, err := h.service.ReserveMany(r.Context(), body.OrderID, body.Items, ttl)
	if err != nil {
		if result != nil && !result.Success {
			httputil.WriteJSON(w, http.StatusUnprocessableEntity, httputil.Response{Data: result})
			return
		}
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, httputil.Response{Data: result})
}

// ReleaseBatch handles POST /inventory/release-batch.
func (h *InventoryHandler) ReleaseBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ReservationIDs []string `json:"reservation_ids" validate:"required,min=1,dive,uuid"`
		Reason         string   `json:"reason"`
	}
	if err := validator.DecodeAndValidate(r, &body); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}
	if body.Reason == "" {
		body.Reason = "released by caller"
	}

	if err := h.service.ReleaseMany(r.Context(), body.ReservationIDs, body.Reason); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ConfirmReservation handles POST /inventory/reservations/{reservationID}/confirm.
func (h *InventoryHandler) ConfirmReservation(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "reservationID"))
	if !ok {
		return
	}

	if err := h.service.ConfirmReservation(r.Context(), id.String()); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ReleaseReservation handles POST /inventory/reservations/{reservationID}/release.
func (h *InventoryHandler) ReleaseReservation(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "reservationID"))
	if !ok {
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	_ = validator.DecodeAndValidate(r, &body)
	if body.Reason == "" {
		body.Reason = "released by caller"
	}

	if err := h.service.ReleaseReservation(r.Context(), id.String(), body.Reason); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
