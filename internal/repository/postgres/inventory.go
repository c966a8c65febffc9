package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/fulfillment/internal/domain"
	"github.com/utafrali/fulfillment/internal/repository"
	"github.com/utafrali/fulfillment/pkg/database"
	apperrors "github.com/utafrali/fulfillment/pkg/errors"
)

// InventoryRepository implements repository.InventoryRepository using PostgreSQL.
type InventoryRepository struct {
	db database.DBTX
}

// NewInventoryRepository creates a new PostgreSQL-backed inventory repository.
func NewInventoryRepository(db database.DBTX) *InventoryRepository {
	return &InventoryRepository{db: db}
}

// WithTx returns a repository bound to the given transaction.
func (r *InventoryRepository) WithTx(tx pgx.Tx) repository.InventoryRepository {
	return &InventoryRepository{db: tx}
}

// Create inserts a new inventory row with version 1.
func (r *InventoryRepository) Create(ctx context.Context, inv *domain.Inventory) error {
	query := `
		INSERT INTO inventories (id, product_id, total_stock, reserved_stock, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 1, $5, $6)`

	_, err := r.db.Exec(ctx, query,
		inv.ID,
		inv.ProductID,
		inv.TotalStock,
		inv.ReservedStock,
		inv.CreatedAt,
		inv.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrAlreadyExists
		}
		return fmt.Errorf("insert inventory: %w", err)
	}

	inv.Version = 1
	return nil
}

// GetByProductID retrieves the ledger row for a product.
func (r *InventoryRepository) GetByProductID(ctx context.Context, productID string) (*domain.Inventory, error) {
	query := `
		SELECT id, product_id, total_stock, reserved_stock, version, created_at, updated_at
		FROM inventories
		WHERE product_id = $1`

	var inv domain.Inventory
	err := r.db.QueryRow(ctx, query, productID).Scan(
		&inv.ID,
		&inv.ProductID,
		&inv.TotalStock,
		&inv.ReservedStock,
		&inv.Version,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("inventory", productID)
		}
		return nil, fmt.Errorf("get inventory by product id: %w", err)
	}

	return &inv, nil
}

// UpdateVersioned persists stock levels conditioned on the row's current
// version and bumps it. A version mismatch means another writer slipped in
// between lock acquisition and commit (possible when a lease expired) and
// surfaces as Conflict so the caller can retry the whole operation.
func (r *InventoryRepository) UpdateVersioned(ctx context.Context, inv *domain.Inventory) error {
	query := `
		UPDATE inventories
		SET total_stock = $1, reserved_stock = $2, version = version + 1, updated_at = $3
		WHERE id = $4 AND version = $5`

	ct, err := r.db.Exec(ctx, query,
		inv.TotalStock,
		inv.ReservedStock,
		time.Now().UTC(),
		inv.ID,
		inv.Version,
	)
	if err != nil {
		return fmt.Errorf("update inventory: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return apperrors.Conflict(fmt.Sprintf("inventory %s was modified concurrently", inv.ProductID))
	}

	inv.Version++
	return nil
}

// isUniqueViolation checks if the error is a PostgreSQL unique constraint violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23505")
}
