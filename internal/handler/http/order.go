// Package http exposes the fulfillment API over REST.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/utafrali/fulfillment/internal/domain"
	"github.com/utafrali/fulfillment/internal/service"
	"github.com/utafrali/fulfillment/pkg/httputil"
	"github.com/utafrali/fulfillment/pkg/validator"
)

// OrderService is the order operations contract, satisfied by
// service.OrderService.
type OrderService interface {
	CreateOrder(ctx context.Context, input service.CreateOrderInput) (*domain.Order, error)
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	ListOrders(ctx context.Context, userID string, page, perPage int, status string) ([]domain.Order, int, error)
	CancelOrder(ctx context.Context, orderID, reason string) (*domain.Order, error)
}

// OrderHandler serves the order endpoints.
type OrderHandler struct {
	service OrderService
	logger  *slog.Logger
}

// NewOrderHandler creates an order handler.
func NewOrderHandler(svc OrderService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{service: svc, logger: logger}
}

// Routes mounts the order endpoints on a router.
func (h *OrderHandler) Routes(r chi.Router) {
	r.Post("/orders", h.Create)
	r.Get("/orders", h.List)
	r.Get("/orders/{orderID}", h.Get)
	r.Post("/orders/{orderID}/cancel", h.Cancel)
}

// Create handles POST /orders.
func (h *OrderHandler) Create(w http.ResponseWriter, r *http.Request) {
	var input service.CreateOrderInput
	if err := validator.DecodeAndValidate(r, &input); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	order, err := h.service.CreateOrder(r.Context(), input)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, httputil.Response{Data: order})
}

// Get handles GET /orders/{orderID}.
func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "orderID"))
	if !ok {
		return
	}

	order, err := h.service.GetOrder(r.Context(), id.String())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: order})
}

// List handles GET /orders?user_id=&page=&limit=&status=.
func (h *OrderHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParseUUID(w, r.URL.Query().Get("user_id"))
	if !ok {
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	status := r.URL.Query().Get("status")

	orders, total, err := h.service.ListOrders(r.Context(), userID.String(), page, limit, status)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.NewPaginatedResponse(orders, total, page, limit))
}

// Cancel handles POST /orders/{orderID}/cancel.
func (h *OrderHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "orderID"))
	if !ok {
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	// The body is optional; a missing reason gets a default.
	_ = validator.DecodeAndValidate(r, &body)
	if body.Reason == "" {
		body.Reason = "canceled by user"
	}

	order, err := h.service.CancelOrder(r.Context(), id.String(), body.Reason)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: order})
}
