// Package memory is an in-memory remote store used by tests and as the
// fallback when DATABASE_URL is unset. It records the order of upsert calls
// and supports per-collection failure injection so sync-engine error paths
// can be exercised.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"hzshop/backend/internal/domain"
	"hzshop/backend/internal/remote"
)

// Call is one recorded mutating operation, in arrival order.
type Call struct {
	Collection string
	Operation  domain.Operation
	ID         string
}

type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]json.RawMessage
	calls       []Call
	failing     map[string]error
	pingErr     error
}

func New() *Store {
	return &Store{
		collections: make(map[string]map[string]json.RawMessage),
		failing:     make(map[string]error),
	}
}

// FailCollection makes every operation on the collection return err until
// cleared with a nil err.
func (s *Store) FailCollection(collection string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failing, collection)
		return
	}
	s.failing[collection] = err
}

// SetPingErr controls the connectivity probe result.
func (s *Store) SetPingErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

// Calls returns the mutating operations seen so far, in order.
func (s *Store) Calls() []Call {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Call(nil), s.calls...)
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pingErr
}

func (s *Store) Upsert(_ context.Context, collection, id string, doc json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failing[collection]; err != nil {
		return fmt.Errorf("%w: upsert %s/%s: %v", remote.ErrRemoteUnavailable, collection, id, err)
	}
	s.bucket(collection)[id] = append(json.RawMessage(nil), doc...)
	s.calls = append(s.calls, Call{Collection: collection, Operation: domain.OpUpsert, ID: id})
	return nil
}

func (s *Store) DeleteByID(_ context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failing[collection]; err != nil {
		return fmt.Errorf("%w: delete %s/%s: %v", remote.ErrRemoteUnavailable, collection, id, err)
	}
	delete(s.bucket(collection), id)
	s.calls = append(s.calls, Call{Collection: collection, Operation: domain.OpDelete, ID: id})
	return nil
}

func (s *Store) SelectAll(_ context.Context, collection string) ([]remote.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.failing[collection]; err != nil {
		return nil, fmt.Errorf("%w: select %s: %v", remote.ErrRemoteUnavailable, collection, err)
	}
	bucket := s.collections[collection]
	rows := make([]remote.Row, 0, len(bucket))
	for id, doc := range bucket {
		rows = append(rows, remote.Row{ID: id, Doc: append(json.RawMessage(nil), doc...)})
	}
	return rows, nil
}

func (s *Store) CreateReceiptAndUpdateBalance(ctx context.Context, receipt domain.Receipt, items []domain.ReceiptItem, shopkeeper domain.Shopkeeper) error {
	receiptDoc, err := json.Marshal(receipt)
	if err != nil {
		return err
	}
	if err := s.Upsert(ctx, domain.CollectionReceipts, receipt.ID, receiptDoc); err != nil {
		return err
	}
	for _, item := range items {
		itemDoc, err := json.Marshal(item)
		if err != nil {
			return err
		}
		if err := s.Upsert(ctx, domain.CollectionReceiptItems, item.ID, itemDoc); err != nil {
			return err
		}
	}
	shopDoc, err := json.Marshal(shopkeeper)
	if err != nil {
		return err
	}
	return s.Upsert(ctx, domain.CollectionShopkeepers, shopkeeper.ID, shopDoc)
}

func (s *Store) CreateReturnWithItems(ctx context.Context, ret domain.Return) (string, string, error) {
	s.mu.RLock()
	_, receiptExists := s.collections[domain.CollectionReceipts][ret.OriginalReceiptID]
	s.mu.RUnlock()
	if !receiptExists {
		return "", "", fmt.Errorf("%w: receipt %s", remote.ErrNotFound, ret.OriginalReceiptID)
	}

	doc, err := json.Marshal(ret)
	if err != nil {
		return "", "", err
	}
	if err := s.Upsert(ctx, domain.CollectionReturns, ret.ID, doc); err != nil {
		return "", "", err
	}
	return ret.ID, ret.ReturnNumber, nil
}

func (s *Store) Close() error { return nil }

func (s *Store) bucket(collection string) map[string]json.RawMessage {
	bucket, ok := s.collections[collection]
	if !ok {
		bucket = make(map[string]json.RawMessage)
		s.collections[collection] = bucket
	}
	return bucket
}
