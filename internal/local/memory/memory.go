// Package memory holds an in-memory local store used by tests and as the
// fallback when no on-disk path is configured. Contents do not survive a
// restart; the contract otherwise matches the durable implementation.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"hzshop/backend/internal/domain"
	"hzshop/backend/internal/local"
)

type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string][]byte
	queue       []domain.MutationEntry
	now         func() time.Time
}

func New() *Store {
	return &Store{
		collections: make(map[string]map[string][]byte),
		now:         time.Now,
	}
}

// SetClock overrides the timestamp source, for tests that need
// deterministic queue ordering.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Save(_ context.Context, collection string, rec domain.Record) error {
	if err := local.ValidateRecord(collection, rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	rec.Stamp(now, false)

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", local.ErrStorageUnavailable, collection, err)
	}

	s.bucket(collection)[rec.RecordID()] = raw
	s.queue = append(s.queue, domain.MutationEntry{
		ID:         local.QueueEntryID(collection, domain.OpUpsert, rec.RecordID(), now),
		Collection: collection,
		Operation:  domain.OpUpsert,
		Payload:    raw,
		CreatedAt:  now,
	})
	return nil
}

func (s *Store) Get(_ context.Context, collection, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, ok := s.collections[collection][id]
	if !ok {
		return nil, local.ErrNotFound
	}
	return raw, nil
}

func (s *Store) GetAll(_ context.Context, collection string) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bucket := s.collections[collection]
	out := make([][]byte, 0, len(bucket))
	for _, raw := range bucket {
		out = append(out, raw)
	}
	return out, nil
}

func (s *Store) Delete(_ context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	delete(s.bucket(collection), id)
	s.queue = append(s.queue, domain.MutationEntry{
		ID:         local.QueueEntryID(collection, domain.OpDelete, id, now),
		Collection: collection,
		Operation:  domain.OpDelete,
		Payload:    local.DeletePayload(id),
		CreatedAt:  now,
	})
	return nil
}

func (s *Store) ApplyRemote(_ context.Context, collection, id string, doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bucket(collection)[id] = doc
	return nil
}

func (s *Store) PendingMutations(_ context.Context) ([]domain.MutationEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := make([]domain.MutationEntry, 0, len(s.queue))
	for _, entry := range s.queue {
		if !entry.Synced {
			pending = append(pending, entry)
		}
	}
	return pending, nil
}

// MarkSynced is idempotent; marking an already-synced or unknown entry is a
// no-op.
func (s *Store) MarkSynced(_ context.Context, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.queue {
		if s.queue[i].ID == entryID {
			s.queue[i].Synced = true
			return nil
		}
	}
	return nil
}

func (s *Store) Close() error { return nil }

func (s *Store) bucket(collection string) map[string][]byte {
	bucket, ok := s.collections[collection]
	if !ok {
		bucket = make(map[string][]byte)
		s.collections[collection] = bucket
	}
	return bucket
}
