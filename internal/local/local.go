// Package local defines the local durable store: keyed, versioned
// persistence for named collections plus the append-only mutation queue the
// sync engine drains. Collections are isolated namespaces; referential
// integrity is the caller's responsibility.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"hzshop/backend/internal/domain"
)

var (
	// ErrNotFound is returned by Get for an absent id.
	ErrNotFound = errors.New("not found")
	// ErrStorageUnavailable means the underlying storage failed; callers
	// must treat the operation as retryable, not fatal.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrValidation is returned when a record fails boundary validation.
	ErrValidation = errors.New("invalid record")
	// ErrUnknownCollection is returned for a collection name outside the
	// registered set.
	ErrUnknownCollection = errors.New("unknown collection")
)

// Store is the local durable store contract. Save stamps the record with a
// fresh updated_at and synced=false, persists it keyed by id, and appends
// one upsert entry to the mutation queue. Delete removes the record and
// appends a delete entry carrying only the id. ApplyRemote is the pull-side
// write path: it stores an authoritative remote row marked synced without
// touching the queue.
type Store interface {
	Save(ctx context.Context, collection string, rec domain.Record) error
	Get(ctx context.Context, collection, id string) ([]byte, error)
	GetAll(ctx context.Context, collection string) ([][]byte, error)
	Delete(ctx context.Context, collection, id string) error

	ApplyRemote(ctx context.Context, collection, id string, doc []byte) error

	PendingMutations(ctx context.Context) ([]domain.MutationEntry, error)
	MarkSynced(ctx context.Context, entryID string) error

	Close() error
}

var validate = validator.New()

// ValidateRecord checks a record against its collection's type at the store
// boundary. Both store implementations call it from Save.
func ValidateRecord(collection string, rec domain.Record) error {
	if _, ok := domain.NewRecord(collection); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	if rec.RecordID() == "" {
		return fmt.Errorf("%w: missing id", ErrValidation)
	}
	if err := validate.Struct(rec); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// QueueEntryID builds the composite sync-queue key:
// collection_operation_recordID_unixnano.
func QueueEntryID(collection string, op domain.Operation, recordID string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%s_%d", collection, op, recordID, at.UnixNano())
}

// DeletePayload is the queue payload for a delete entry.
func DeletePayload(id string) json.RawMessage {
	raw, _ := json.Marshal(struct {
		ID string `json:"id"`
	}{ID: id})
	return raw
}

// Get decodes a single record into its concrete type.
func Get[T any](ctx context.Context, s Store, collection, id string) (T, error) {
	var out T
	raw, err := s.Get(ctx, collection, id)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return out, nil
}

// GetAll decodes every record in a collection into its concrete type.
func GetAll[T any](ctx context.Context, s Store, collection string) ([]T, error) {
	raws, err := s.GetAll(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var rec T
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", collection, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
