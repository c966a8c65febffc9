package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/fulfillment/internal/domain"
	"github.com/utafrali/fulfillment/internal/repository"
	"github.com/utafrali/fulfillment/pkg/database"
	apperrors "github.com/utafrali/fulfillment/pkg/errors"
)

// OrderRepository implements repository.OrderRepository using PostgreSQL.
type OrderRepository struct {
	db database.DBTX
}

// NewOrderRepository creates a new PostgreSQL-backed order repository.
func NewOrderRepository(db database.DBTX) *OrderRepository {
	return &OrderRepository{db: db}
}

// WithTx returns a repository bound to the given transaction.
func (r *OrderRepository) WithTx(tx pgx.Tx) repository.OrderRepository {
	return &OrderRepository{db: tx}
}

// Create inserts an order and its items.
func (r *OrderRepository) Create(ctx context.Context, o *domain.Order) error {
	var shippingJSON []byte
	var err error

	if o.ShippingAddress != nil {
		shippingJSON, err = json.Marshal(o.ShippingAddress)
		if err != nil {
			return fmt.Errorf("marshal shipping address: %w", err)
		}
	}

	orderQuery := `
		INSERT INTO orders (id, user_id, status, total_amount, currency, shipping_address, notes, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = r.db.Exec(ctx, orderQuery,
		o.ID,
		o.UserID,
		o.Status,
		o.TotalAmount,
		o.Currency,
		shippingJSON,
		o.Notes,
		o.FailureReason,
		o.CreatedAt,
		o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	itemQuery := `
		INSERT INTO order_items (order_id, product_id, name, quantity, unit_price)
		VALUES ($1, $2, $3, $4, $5)`

	for _, item := range o.Items {
		_, err = r.db.Exec(ctx, itemQuery,
			o.ID,
			item.ProductID,
			item.Name,
			item.Quantity,
			item.UnitPrice,
		)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	return nil
}

// GetByID retrieves an order by its ID, eagerly loading its items via a
// single LEFT JOIN + JSONB_AGG query.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	query := `
		SELECT
			o.id, o.user_id, o.status, o.total_amount, o.currency,
			o.shipping_address, o.notes, o.failure_reason, o.created_at, o.updated_at,
			COALESCE(
				JSONB_AGG(
					JSONB_BUILD_OBJECT(
						'product_id', oi.product_id,
						'name', oi.name,
						'quantity', oi.quantity,
						'unit_price', oi.unit_price
					) ORDER BY oi.id
				) FILTER (WHERE oi.id IS NOT NULL),
				'[]'::jsonb
			) AS items
		FROM orders o
		LEFT JOIN order_items oi ON o.id = oi.order_id
		WHERE o.id = $1
		GROUP BY o.id, o.user_id, o.status, o.total_amount, o.currency,
			o.shipping_address, o.notes, o.failure_reason, o.created_at, o.updated_at`

	var (
		o            domain.Order
		shippingJSON []byte
		itemsJSON    []byte
	)

	err := r.db.QueryRow(ctx, query, id).Scan(
		&o.ID,
		&o.UserID,
		&o.Status,
		&o.TotalAmount,
		&o.Currency,
		&shippingJSON,
		&o.Notes,
		&o.FailureReason,
		&o.CreatedAt,
		&o.UpdatedAt,
		&itemsJSON,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("order", id)
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}

	if len(shippingJSON) > 0 && string(shippingJSON) != "null" {
		var addr domain.Address
		if err := json.Unmarshal(shippingJSON, &addr); err != nil {
			return nil, fmt.Errorf("unmarshal shipping address: %w", err)
		}
		o.ShippingAddress = &addr
	}

	if len(itemsJSON) > 0 && string(itemsJSON) != "null" && string(itemsJSON) != "[]" {
		if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
			return nil, fmt.Errorf("unmarshal order items: %w", err)
		}
	} else {
		o.Items = []domain.OrderItem{}
	}

	return &o, nil
}

// ListByUser returns a page of a user's orders with the total count.
func (r *OrderRepository) ListByUser(ctx context.Context, userID string, page, perPage int, status string) ([]domain.Order, int, error) {
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 20
	}
	offset := (page - 1) * perPage

	query := `
		SELECT id, user_id, status, total_amount, currency, shipping_address, notes, failure_reason, created_at, updated_at,
			   count(*) OVER() AS total_count
		FROM orders
		WHERE user_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`

	rows, err := r.db.Query(ctx, query, userID, status, perPage, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var totalCount int
	orders := make([]domain.Order, 0)

	for rows.Next() {
		var (
			o            domain.Order
			shippingJSON []byte
		)

		if err := rows.Scan(
			&o.ID,
			&o.UserID,
			&o.Status,
			&o.TotalAmount,
			&o.Currency,
			&shippingJSON,
			&o.Notes,
			&o.FailureReason,
			&o.CreatedAt,
			&o.UpdatedAt,
			&totalCount,
		); err != nil {
			return nil, 0, fmt.Errorf("scan order row: %w", err)
		}

		if len(shippingJSON) > 0 && string(shippingJSON) != "null" {
			var addr domain.Address
			if err := json.Unmarshal(shippingJSON, &addr); err != nil {
				return nil, 0, fmt.Errorf("unmarshal shipping address: %w", err)
			}
			o.ShippingAddress = &addr
		}

		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate order rows: %w", err)
	}

	// Batch-load items for the page in a single query to avoid N+1.
	if len(orders) > 0 {
		orderIDs := make([]string, len(orders))
		for i := range orders {
			orderIDs[i] = orders[i].ID
		}

		itemsQuery := `
			SELECT order_id, product_id, name, quantity, unit_price
			FROM order_items
			WHERE order_id = ANY($1)
			ORDER BY id`

		itemRows, err := r.db.Query(ctx, itemsQuery, orderIDs)
		if err != nil {
			return nil, 0, fmt.Errorf("batch load order items: %w", err)
		}
		defer itemRows.Close()

		itemsByOrderID := make(map[string][]domain.OrderItem, len(orders))
		for itemRows.Next() {
			var orderID string
			var item domain.OrderItem
			if err := itemRows.Scan(
				&orderID,
				&item.ProductID,
				&item.Name,
				&item.Quantity,
				&item.UnitPrice,
			); err != nil {
				return nil, 0, fmt.Errorf("scan order item: %w", err)
			}
			itemsByOrderID[orderID] = append(itemsByOrderID[orderID], item)
		}
		if err := itemRows.Err(); err != nil {
			return nil, 0, fmt.Errorf("iterate order item rows: %w", err)
		}

		for i := range orders {
			if items, ok := itemsByOrderID[orders[i].ID]; ok {
				orders[i].Items = items
			} else {
				orders[i].Items = []domain.OrderItem{}
			}
		}
	}

	return orders, totalCount, nil
}

// UpdateStatus transitions an order conditioned on its current status. The
// condition guards against a concurrent writer moving the order first; the
// caller validated the transition against the state machine already.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id, fromStatus, toStatus, failureReason string) error {
	query := `
		UPDATE orders
		SET status = $1, failure_reason = $2, updated_at = $3
		WHERE id = $4 AND status = $5`

	ct, err := r.db.Exec(ctx, query, toStatus, failureReason, time.Now().UTC(), id, fromStatus)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return apperrors.Conflict(fmt.Sprintf("order %s is no longer %s", id, fromStatus))
	}

	return nil
}
