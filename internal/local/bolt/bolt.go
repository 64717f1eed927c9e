// Package bolt is the durable local store: a single bbolt file with one
// bucket per collection plus a sequence-keyed sync_queue bucket. Contents
// survive process restarts and connectivity loss.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bbolt "go.etcd.io/bbolt"

	"hzshop/backend/internal/domain"
	"hzshop/backend/internal/local"
)

type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", local.ErrStorageUnavailable, path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, collection := range domain.Collections {
			if _, err := tx.CreateBucketIfNotExists([]byte(collection)); err != nil {
				return err
			}
		}
		_, err := tx.CreateBucketIfNotExists([]byte(domain.CollectionSyncQueue))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: init buckets: %v", local.ErrStorageUnavailable, err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Save(_ context.Context, collection string, rec domain.Record) error {
	if err := local.ValidateRecord(collection, rec); err != nil {
		return err
	}

	now := s.now().UTC()
	rec.Stamp(now, false)

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", local.ErrStorageUnavailable, collection, err)
	}

	entry := domain.MutationEntry{
		ID:         local.QueueEntryID(collection, domain.OpUpsert, rec.RecordID(), now),
		Collection: collection,
		Operation:  domain.OpUpsert,
		Payload:    raw,
		CreatedAt:  now,
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(collection)).Put([]byte(rec.RecordID()), raw); err != nil {
			return err
		}
		return appendQueueEntry(tx, entry)
	})
	if err != nil {
		return fmt.Errorf("%w: save %s/%s: %v", local.ErrStorageUnavailable, collection, rec.RecordID(), err)
	}
	return nil
}

func (s *Store) Get(_ context.Context, collection, id string) ([]byte, error) {
	bucketName, err := knownBucket(collection)
	if err != nil {
		return nil, err
	}

	var raw []byte
	err = s.db.View(func(tx *bbolt.Tx) error {
		if val := tx.Bucket(bucketName).Get([]byte(id)); val != nil {
			raw = append([]byte(nil), val...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get %s/%s: %v", local.ErrStorageUnavailable, collection, id, err)
	}
	if raw == nil {
		return nil, local.ErrNotFound
	}
	return raw, nil
}

func (s *Store) GetAll(_ context.Context, collection string) ([][]byte, error) {
	bucketName, err := knownBucket(collection)
	if err != nil {
		return nil, err
	}

	var out [][]byte
	err = s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(_, val []byte) error {
			out = append(out, append([]byte(nil), val...))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scan %s: %v", local.ErrStorageUnavailable, collection, err)
	}
	return out, nil
}

func (s *Store) Delete(_ context.Context, collection, id string) error {
	bucketName, err := knownBucket(collection)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	entry := domain.MutationEntry{
		ID:         local.QueueEntryID(collection, domain.OpDelete, id, now),
		Collection: collection,
		Operation:  domain.OpDelete,
		Payload:    local.DeletePayload(id),
		CreatedAt:  now,
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketName).Delete([]byte(id)); err != nil {
			return err
		}
		return appendQueueEntry(tx, entry)
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s/%s: %v", local.ErrStorageUnavailable, collection, id, err)
	}
	return nil
}

func (s *Store) ApplyRemote(_ context.Context, collection, id string, doc []byte) error {
	bucketName, err := knownBucket(collection)
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(id), doc)
	})
	if err != nil {
		return fmt.Errorf("%w: apply %s/%s: %v", local.ErrStorageUnavailable, collection, id, err)
	}
	return nil
}

// PendingMutations returns unsynced entries in insertion order. Queue keys
// are monotonically increasing sequence numbers, so bucket iteration order
// is creation order.
func (s *Store) PendingMutations(_ context.Context) ([]domain.MutationEntry, error) {
	var pending []domain.MutationEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(domain.CollectionSyncQueue)).ForEach(func(_, val []byte) error {
			var entry domain.MutationEntry
			if err := json.Unmarshal(val, &entry); err != nil {
				return err
			}
			if !entry.Synced {
				pending = append(pending, entry)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: read queue: %v", local.ErrStorageUnavailable, err)
	}
	return pending, nil
}

func (s *Store) MarkSynced(_ context.Context, entryID string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(domain.CollectionSyncQueue))
		cursor := bucket.Cursor()
		for key, val := cursor.First(); key != nil; key, val = cursor.Next() {
			var entry domain.MutationEntry
			if err := json.Unmarshal(val, &entry); err != nil {
				return err
			}
			if entry.ID != entryID {
				continue
			}
			if entry.Synced {
				return nil
			}
			entry.Synced = true
			raw, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			return bucket.Put(append([]byte(nil), key...), raw)
		}
		// Unknown entry: a no-op, matching the memory store.
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: mark synced %s: %v", local.ErrStorageUnavailable, entryID, err)
	}
	return nil
}

func appendQueueEntry(tx *bbolt.Tx, entry domain.MutationEntry) error {
	bucket := tx.Bucket([]byte(domain.CollectionSyncQueue))
	seq, err := bucket.NextSequence()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return bucket.Put(key, raw)
}

func knownBucket(collection string) ([]byte, error) {
	if _, ok := domain.NewRecord(collection); !ok {
		return nil, fmt.Errorf("%w: %s", local.ErrUnknownCollection, collection)
	}
	return []byte(collection), nil
}
