// Package postgres is the production remote store: one document table per
// collection (id + jsonb doc), upsert-by-id on conflict, and transactional
// implementations of the atomic ledger procedures.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"hzshop/backend/internal/domain"
	"hzshop/backend/internal/remote"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	store := &Store{db: db}
	if err := store.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, collection := range domain.Collections {
		_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id text PRIMARY KEY,
				doc jsonb NOT NULL,
				updated_at timestamptz NOT NULL DEFAULT now()
			)
		`, collection))
		if err != nil {
			return fmt.Errorf("ensure table %s: %w", collection, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 4*time.Second)
	defer cancel()
	return s.db.PingContext(pingCtx)
}

func (s *Store) Upsert(ctx context.Context, collection, id string, doc json.RawMessage) error {
	table, err := tableFor(collection)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, doc, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()
	`, table), id, []byte(doc))
	if err != nil {
		return fmt.Errorf("%w: upsert %s/%s: %v", remote.ErrRemoteUnavailable, collection, id, err)
	}
	return nil
}

func (s *Store) DeleteByID(ctx context.Context, collection, id string) error {
	table, err := tableFor(collection)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table), id)
	if err != nil {
		return fmt.Errorf("%w: delete %s/%s: %v", remote.ErrRemoteUnavailable, collection, id, err)
	}
	return nil
}

func (s *Store) SelectAll(ctx context.Context, collection string) ([]remote.Row, error) {
	table, err := tableFor(collection)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, doc FROM %s ORDER BY id`, table))
	if err != nil {
		return nil, fmt.Errorf("%w: select %s: %v", remote.ErrRemoteUnavailable, collection, err)
	}
	defer rows.Close()

	out := make([]remote.Row, 0, 128)
	for rows.Next() {
		var row remote.Row
		var doc []byte
		if err := rows.Scan(&row.ID, &doc); err != nil {
			return nil, fmt.Errorf("%w: scan %s: %v", remote.ErrRemoteUnavailable, collection, err)
		}
		row.Doc = json.RawMessage(doc)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: select %s: %v", remote.ErrRemoteUnavailable, collection, err)
	}
	return out, nil
}

// CreateReceiptAndUpdateBalance writes receipt, items, and the shopkeeper
// balance update in one transaction. The balance math is re-applied against
// the remote shopkeeper row under a row lock, so two devices syncing the
// same shopkeeper serialize here.
func (s *Store) CreateReceiptAndUpdateBalance(ctx context.Context, receipt domain.Receipt, items []domain.ReceiptItem, shopkeeper domain.Shopkeeper) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", remote.ErrRemoteUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertDocTx(ctx, tx, domain.CollectionReceipts, receipt.ID, receipt); err != nil {
		return err
	}
	for _, item := range items {
		if err := upsertDocTx(ctx, tx, domain.CollectionReceiptItems, item.ID, item); err != nil {
			return err
		}
	}

	var rawShopkeeper []byte
	err = tx.QueryRowContext(ctx,
		`SELECT doc FROM shopkeepers WHERE id = $1 FOR UPDATE`, receipt.ShopkeeperID,
	).Scan(&rawShopkeeper)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// First sync of a shopkeeper created offline: the caller's row is
		// already the post-receipt state.
	case err != nil:
		return fmt.Errorf("%w: lock shopkeeper %s: %v", remote.ErrRemoteUnavailable, receipt.ShopkeeperID, err)
	default:
		var current domain.Shopkeeper
		if err := json.Unmarshal(rawShopkeeper, &current); err != nil {
			return fmt.Errorf("%w: decode shopkeeper %s: %v", remote.ErrRemoteRejected, receipt.ShopkeeperID, err)
		}
		extra := max(receipt.AmountReceivedCents-receipt.FinalTotalCents, 0)
		current.CurrentBalanceCents = max(current.CurrentBalanceCents+receipt.PendingCents-extra, 0)
		current.TotalPurchasesCents += receipt.FinalTotalCents
		current.UpdatedAt = shopkeeper.UpdatedAt
		shopkeeper = current
	}

	if err := upsertDocTx(ctx, tx, domain.CollectionShopkeepers, shopkeeper.ID, shopkeeper); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit receipt %s: %v", remote.ErrRemoteUnavailable, receipt.ID, err)
	}
	return nil
}

func (s *Store) CreateReturnWithItems(ctx context.Context, ret domain.Return) (string, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", "", fmt.Errorf("%w: begin: %v", remote.ErrRemoteUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM receipts WHERE id = $1)`, ret.OriginalReceiptID,
	).Scan(&exists)
	if err != nil {
		return "", "", fmt.Errorf("%w: check receipt %s: %v", remote.ErrRemoteUnavailable, ret.OriginalReceiptID, err)
	}
	if !exists {
		return "", "", fmt.Errorf("%w: receipt %s", remote.ErrNotFound, ret.OriginalReceiptID)
	}

	if err := upsertDocTx(ctx, tx, domain.CollectionReturns, ret.ID, ret); err != nil {
		return "", "", err
	}
	if err := tx.Commit(); err != nil {
		return "", "", fmt.Errorf("%w: commit return %s: %v", remote.ErrRemoteUnavailable, ret.ID, err)
	}
	return ret.ID, ret.ReturnNumber, nil
}

func upsertDocTx(ctx context.Context, tx *sql.Tx, collection, id string, doc any) error {
	table, err := tableFor(collection)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: encode %s/%s: %v", remote.ErrRemoteRejected, collection, id, err)
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, doc, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()
	`, table), id, raw)
	if err != nil {
		return fmt.Errorf("%w: upsert %s/%s: %v", remote.ErrRemoteUnavailable, collection, id, err)
	}
	return nil
}

// tableFor whitelists collection names before they are interpolated into
// SQL; anything outside the registered set is rejected.
func tableFor(collection string) (string, error) {
	if _, ok := domain.NewRecord(collection); !ok {
		return "", fmt.Errorf("%w: unknown collection %s", remote.ErrRemoteRejected, collection)
	}
	return collection, nil
}
