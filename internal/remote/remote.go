// Package remote defines the row-oriented remote store collaborator: per
// collection upsert/delete/select, plus the two stored-procedure-style
// atomic calls the ledger uses when online. The core requires only these
// shapes, not any particular transport.
package remote

import (
	"context"
	"encoding/json"
	"errors"

	"hzshop/backend/internal/domain"
)

var (
	// ErrRemoteUnavailable means the network or server failed; a push
	// leaves the queue intact for retry.
	ErrRemoteUnavailable = errors.New("remote unavailable")
	// ErrRemoteRejected means the remote refused the operation; retrying
	// the same payload will not succeed.
	ErrRemoteRejected = errors.New("remote rejected")
	// ErrNotFound is returned by the atomic procedures for a missing
	// referenced row.
	ErrNotFound = errors.New("not found")
)

// Row is one remote record: its id plus the full document.
type Row struct {
	ID  string
	Doc json.RawMessage
}

// Store is the remote collaborator contract. Upsert has insert-or-replace
// semantics keyed by id; SelectAll returns the full authoritative snapshot
// of a collection.
type Store interface {
	Ping(ctx context.Context) error

	Upsert(ctx context.Context, collection, id string, doc json.RawMessage) error
	DeleteByID(ctx context.Context, collection, id string) error
	SelectAll(ctx context.Context, collection string) ([]Row, error)

	// CreateReceiptAndUpdateBalance writes the receipt, its items, and the
	// recomputed shopkeeper row in one transaction.
	CreateReceiptAndUpdateBalance(ctx context.Context, receipt domain.Receipt, items []domain.ReceiptItem, shopkeeper domain.Shopkeeper) error
	// CreateReturnWithItems writes a return atomically and reports the
	// stored id and return number.
	CreateReturnWithItems(ctx context.Context, ret domain.Return) (id, returnNumber string, err error)

	Close() error
}
