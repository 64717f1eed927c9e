package domain

import (
	"encoding/json"
	"time"
)

// Collection names. One keyed namespace per record type, plus the internal
// sync_queue collection consumed by the sync engine.
const (
	CollectionProducts       = "products"
	CollectionCategories     = "categories"
	CollectionShopkeepers    = "shopkeepers"
	CollectionReceipts       = "receipts"
	CollectionReceiptItems   = "receipt_items"
	CollectionReturns        = "returns"
	CollectionPaymentHistory = "payment_history"
	CollectionStockMovements = "stock_movements"
	CollectionSyncQueue      = "sync_queue"
)

// Collections lists the syncable collections in pull order. Categories come
// before products and shopkeepers before receipts so referenced rows land
// first.
var Collections = []string{
	CollectionCategories,
	CollectionProducts,
	CollectionShopkeepers,
	CollectionReceipts,
	CollectionReceiptItems,
	CollectionReturns,
	CollectionPaymentHistory,
	CollectionStockMovements,
}

// Record is implemented by every persisted record through the embedded Meta.
type Record interface {
	RecordID() string
	Stamp(updatedAt time.Time, synced bool)
}

// Meta is the persistence envelope added by the local store: a globally
// unique client-generatable id, the last local write time, and the synced
// flag. It is not part of the domain shape proper.
type Meta struct {
	ID        string    `json:"id" validate:"required"`
	UpdatedAt time.Time `json:"updated_at"`
	Synced    bool      `json:"synced"`
}

func (m *Meta) RecordID() string { return m.ID }

func (m *Meta) Stamp(updatedAt time.Time, synced bool) {
	m.UpdatedAt = updatedAt
	m.Synced = synced
}

// NewRecord returns an empty typed record for the given collection, used to
// validate payloads at the local store boundary and to decode pulled rows.
func NewRecord(collection string) (Record, bool) {
	switch collection {
	case CollectionProducts:
		return &Product{}, true
	case CollectionCategories:
		return &Category{}, true
	case CollectionShopkeepers:
		return &Shopkeeper{}, true
	case CollectionReceipts:
		return &Receipt{}, true
	case CollectionReceiptItems:
		return &ReceiptItem{}, true
	case CollectionReturns:
		return &Return{}, true
	case CollectionPaymentHistory:
		return &PaymentHistoryEntry{}, true
	case CollectionStockMovements:
		return &StockMovement{}, true
	default:
		return nil, false
	}
}

type Product struct {
	Meta
	Name              string    `json:"name" validate:"required"`
	SKU               string    `json:"sku"`
	Description       string    `json:"description,omitempty"`
	CategoryID        string    `json:"category_id"`
	CostPriceCents    int64     `json:"cost_price_cents" validate:"gte=0"`
	SellingPriceCents int64     `json:"selling_price_cents" validate:"gte=0"`
	CurrentStock      int       `json:"current_stock" validate:"gte=0"`
	MinStockLevel     int       `json:"min_stock_level" validate:"gte=0"`
	Active            bool      `json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
}

type Category struct {
	Meta
	Name        string    `json:"name" validate:"required"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Shopkeeper carries the single authoritative "amount owed to the shop"
// figure in CurrentBalanceCents. It is never negative.
type Shopkeeper struct {
	Meta
	Name                string    `json:"name" validate:"required"`
	Contact             string    `json:"contact,omitempty"`
	Address             string    `json:"address,omitempty"`
	CreditLimitCents    int64     `json:"credit_limit_cents" validate:"gte=0"`
	CurrentBalanceCents int64     `json:"current_balance_cents" validate:"gte=0"`
	TotalPurchasesCents int64     `json:"total_purchases_cents" validate:"gte=0"`
	CreatedAt           time.Time `json:"created_at"`
}

// Receipt is created at sale time and never structurally mutated afterwards,
// except for AmountReceivedCents/PendingCents during payment distribution.
type Receipt struct {
	Meta
	ReceiptNumber       string    `json:"receipt_number" validate:"required"`
	ShopkeeperID        string    `json:"shopkeeper_id" validate:"required"`
	SubtotalCents       int64     `json:"subtotal_cents" validate:"gte=0"`
	DiscountCents       int64     `json:"discount_cents" validate:"gte=0"`
	ReturnTotalCents    int64     `json:"return_total_cents" validate:"gte=0"`
	FinalTotalCents     int64     `json:"final_total_cents" validate:"gte=0"`
	AmountReceivedCents int64     `json:"amount_received_cents" validate:"gte=0"`
	PendingCents        int64     `json:"pending_cents" validate:"gte=0"`
	CreatedAt           time.Time `json:"created_at"`
}

type ReceiptItem struct {
	Meta
	ReceiptID       string    `json:"receipt_id" validate:"required"`
	ProductID       string    `json:"product_id" validate:"required"`
	ProductName     string    `json:"product_name"`
	Quantity        int       `json:"quantity" validate:"gt=0"`
	UnitPriceCents  int64     `json:"unit_price_cents" validate:"gte=0"`
	TotalPriceCents int64     `json:"total_price_cents" validate:"gte=0"`
	CreatedAt       time.Time `json:"created_at"`
}

type ReturnLine struct {
	ProductID       string `json:"product_id" validate:"required"`
	ProductName     string `json:"product_name"`
	Quantity        int    `json:"quantity" validate:"gt=0"`
	UnitPriceCents  int64  `json:"unit_price_cents" validate:"gte=0"`
	TotalPriceCents int64  `json:"total_price_cents" validate:"gte=0"`
}

// Return always references an existing receipt. It is a reporting record:
// it feeds the display-time return total but never debits the ledger.
type Return struct {
	Meta
	ReturnNumber      string       `json:"return_number" validate:"required"`
	OriginalReceiptID string       `json:"original_receipt_id" validate:"required"`
	ShopkeeperID      string       `json:"shopkeeper_id" validate:"required"`
	CustomerName      string       `json:"customer_name,omitempty"`
	CustomerPhone     string       `json:"customer_phone,omitempty"`
	Reason            string       `json:"reason,omitempty"`
	RefundMethod      string       `json:"refund_method,omitempty"`
	Status            string       `json:"status"`
	TotalAmountCents  int64        `json:"total_amount_cents" validate:"gte=0"`
	Items             []ReturnLine `json:"items" validate:"min=1,dive"`
	CreatedAt         time.Time    `json:"created_at"`
}

// PaymentHistoryEntry is append-only; entries are never mutated.
type PaymentHistoryEntry struct {
	Meta
	ShopkeeperID string    `json:"shopkeeper_id" validate:"required"`
	AmountCents  int64     `json:"amount_cents" validate:"gt=0"`
	Type         string    `json:"type" validate:"required"`
	Note         string    `json:"note,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type StockMovement struct {
	Meta
	ProductID string    `json:"product_id" validate:"required"`
	Type      string    `json:"type" validate:"oneof=in out"`
	Quantity  int       `json:"quantity" validate:"gt=0"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	StockMovementIn  = "in"
	StockMovementOut = "out"
)

const (
	PaymentTypePayment = "payment"

	ReturnStatusCompleted = "completed"
	ReturnStatusPending   = "pending"
)

// Operation is the kind of a queued mutation.
type Operation string

const (
	OpUpsert Operation = "upsert"
	OpDelete Operation = "delete"
)

// MutationEntry is one pending write in the sync queue. Entries are created
// by the local store on every write and consumed, in insertion order, by the
// sync engine. The payload is the full record for upserts and {"id": ...}
// for deletes.
type MutationEntry struct {
	ID         string          `json:"id"`
	Collection string          `json:"collection"`
	Operation  Operation       `json:"operation"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
	Synced     bool            `json:"synced"`
}

// Cart is ephemeral, session-scoped state; it is never persisted or synced.
type Cart struct {
	SessionID string     `json:"session_id"`
	Items     []CartLine `json:"items"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type CartLine struct {
	ProductID      string `json:"product_id"`
	ProductName    string `json:"product_name"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Quantity       int    `json:"quantity"`
}

func (c *Cart) SubtotalCents() int64 {
	var total int64
	for _, line := range c.Items {
		total += line.UnitPriceCents * int64(line.Quantity)
	}
	return total
}

type ReceiptLineRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type ReceiptCreateRequest struct {
	ShopkeeperID string `json:"shopkeeper_id"`
	// ShopkeeperName resolves or creates the account by name when no id is
	// given, so a sale to a new shopkeeper needs no separate registration.
	ShopkeeperName      string               `json:"shopkeeper_name,omitempty"`
	DiscountCents       int64                `json:"discount_cents"`
	ReturnTotalCents    int64                `json:"return_total_cents"`
	AmountReceivedCents int64                `json:"amount_received_cents"`
	Items               []ReceiptLineRequest `json:"items"`
}

type ReceiptDetail struct {
	Receipt Receipt       `json:"receipt"`
	Items   []ReceiptItem `json:"items"`
}

type PaymentRequest struct {
	ShopkeeperID string `json:"shopkeeper_id"`
	AmountCents  int64  `json:"amount_cents"`
}

type PaymentResult struct {
	ShopkeeperID    string `json:"shopkeeper_id"`
	AmountCents     int64  `json:"amount_cents"`
	UpdatedReceipts int    `json:"updated_receipts"`
	NewBalanceCents int64  `json:"new_balance_cents"`
}

type ReturnCreateRequest struct {
	OriginalReceiptID string       `json:"original_receipt_id"`
	Reason            string       `json:"reason"`
	RefundMethod      string       `json:"refund_method"`
	Items             []ReturnLine `json:"items"`
}

// ShopkeeperSummary is a shopkeeper plus figures derived from receipts, the
// shape the ledger's repair path compares against CurrentBalanceCents.
type ShopkeeperSummary struct {
	Shopkeeper
	TotalOrders        int   `json:"total_orders"`
	TotalReceivedCents int64 `json:"total_received_cents"`
	TotalPendingCents  int64 `json:"total_pending_cents"`
}

type SyncStatus struct {
	Online       bool       `json:"online"`
	SyncRunning  bool       `json:"sync_running"`
	PendingCount int        `json:"pending_count"`
	LastPushAt   *time.Time `json:"last_push_at,omitempty"`
	LastPullAt   *time.Time `json:"last_pull_at,omitempty"`
}

// Actor is the acting user supplied by the external auth collaborator.
// Calls reaching this core are assumed already authorized.
type Actor struct {
	Username string
	Role     string
}
