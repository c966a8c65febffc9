package domain

import "time"

// Inventory is the stock ledger row for a single product. Version is bumped
// on every persisted write and checked by the repository, so a concurrent
// writer that slipped past the distributed lock (an expired lease) surfaces
// as a version conflict instead of a lost update.
type Inventory struct {
	ID            string    `json:"id"`
	ProductID     string    `json:"product_id"`
	TotalStock    int       `json:"total_stock"`
	ReservedStock int       `json:"reserved_stock"`
	Version       int64     `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Available returns the stock available for reservation. It is derived and
// never stored.
func (i *Inventory) Available() int {
	return i.TotalStock - i.ReservedStock
}

// CanReserve reports whether qty units can be reserved without overselling.
func (i *Inventory) CanReserve(qty int) bool {
	return qty > 0 && i.ReservedStock+qty <= i.TotalStock
}

// Reserve debits qty units from available stock. Returns false without
// mutating when the quantity is invalid or exceeds available stock.
func (i *Inventory) Reserve(qty int) bool {
	if !i.CanReserve(qty) {
		return false
	}
	i.ReservedStock += qty
	return true
}

// Release returns qty reserved units to available stock. Returns false
// without mutating when the quantity is invalid or exceeds reserved stock.
func (i *Inventory) Release(qty int) bool {
	if qty <= 0 || qty > i.ReservedStock {
		return false
	}
	i.ReservedStock -= qty
	return true
}

// Adjust applies a stock delta (restock or shrinkage). Returns false when
// the adjustment would make total stock negative or drop it below the
// currently reserved quantity.
func (i *Inventory) Adjust(delta int) bool {
	next := i.TotalStock + delta
	if next < 0 || next < i.ReservedStock {
		return false
	}
	i.TotalStock = next
	return true
}

// Reservation status constants.
const (
	ReservationStatusReserved  = "reserved"
	ReservationStatusConfirmed = "confirmed"
	ReservationStatusReleased  = "released"
	ReservationStatusExpired   = "expired"
)

// Reservation is a time-bounded hold on inventory quantity pending order
// confirmation or expiry. It transitions out of reserved exactly once.
type Reservation struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"order_id"`
	ProductID string    `json:"product_id"`
	Quantity  int       `json:"quantity"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsActive returns true if the reservation still holds stock.
func (r *Reservation) IsActive() bool {
	return r.Status == ReservationStatusReserved
}

// IsExpired returns true if the reservation has passed its expiration time.
func (r *Reservation) IsExpired() bool {
	return time.Now().UTC().After(r.ExpiresAt)
}

// ReserveItem is a single (product, quantity) pair in a reservation request.
type ReserveItem struct {
	ProductID string `json:"product_id" validate:"required,uuid"`
	Quantity  int    `json:"quantity" validate:"required,gt=0"`
}

// ReserveManyResult is the outcome of a multi-item reservation. On failure,
// FailedProductIDs lists every product that failed stock validation and no
// rows were written.
type ReserveManyResult struct {
	Success          bool           `json:"success"`
	Reservations     []*Reservation `json:"reservations,omitempty"`
	FailedProductIDs []string       `json:"failed_product_ids,omitempty"`
}
