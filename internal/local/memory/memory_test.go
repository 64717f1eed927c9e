package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"hzshop/backend/internal/domain"
	"hzshop/backend/internal/local"
)

func newClockedStore() *Store {
	store := New()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	store.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	})
	return store
}

func TestSaveStampsAndEnqueues(t *testing.T) {
	store := newClockedStore()
	ctx := context.Background()

	category := domain.Category{Meta: domain.Meta{ID: "c-1"}, Name: "Grains"}
	if err := store.Save(ctx, domain.CollectionCategories, &category); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if category.UpdatedAt.IsZero() {
		t.Fatal("updated_at not stamped")
	}
	if category.Synced {
		t.Fatal("fresh save marked synced")
	}

	stored, err := local.Get[domain.Category](ctx, store, domain.CollectionCategories, "c-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Name != "Grains" || stored.Synced {
		t.Fatalf("stored = %+v", stored)
	}

	pending, err := store.PendingMutations(ctx)
	if err != nil {
		t.Fatalf("PendingMutations: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	entry := pending[0]
	if entry.Collection != domain.CollectionCategories || entry.Operation != domain.OpUpsert {
		t.Fatalf("entry = %+v", entry)
	}
	wantID := local.QueueEntryID(domain.CollectionCategories, domain.OpUpsert, "c-1", category.UpdatedAt)
	if entry.ID != wantID {
		t.Fatalf("entry id = %s, want %s", entry.ID, wantID)
	}
}

func TestSaveRejectsInvalidRecord(t *testing.T) {
	store := newClockedStore()

	missingName := domain.Category{Meta: domain.Meta{ID: "c-1"}}
	if err := store.Save(context.Background(), domain.CollectionCategories, &missingName); !errors.Is(err, local.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	missingID := domain.Category{Name: "Grains"}
	if err := store.Save(context.Background(), domain.CollectionCategories, &missingID); !errors.Is(err, local.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestSaveRejectsUnknownCollection(t *testing.T) {
	store := newClockedStore()

	category := domain.Category{Meta: domain.Meta{ID: "c-1"}, Name: "Grains"}
	if err := store.Save(context.Background(), "nonsense", &category); !errors.Is(err, local.ErrUnknownCollection) {
		t.Fatalf("err = %v, want ErrUnknownCollection", err)
	}
}

func TestDeleteEnqueuesIDOnlyPayload(t *testing.T) {
	store := newClockedStore()
	ctx := context.Background()

	category := domain.Category{Meta: domain.Meta{ID: "c-1"}, Name: "Grains"}
	if err := store.Save(ctx, domain.CollectionCategories, &category); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Delete(ctx, domain.CollectionCategories, "c-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := store.Get(ctx, domain.CollectionCategories, "c-1"); !errors.Is(err, local.ErrNotFound) {
		t.Fatalf("Get after delete: %v, want ErrNotFound", err)
	}

	pending, _ := store.PendingMutations(ctx)
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[1].Operation != domain.OpDelete {
		t.Fatalf("second entry = %+v, want delete", pending[1])
	}
	if string(pending[1].Payload) != `{"id":"c-1"}` {
		t.Fatalf("delete payload = %s", pending[1].Payload)
	}
}

func TestQueuePreservesInsertionOrder(t *testing.T) {
	store := newClockedStore()
	ctx := context.Background()

	ids := []string{"c-1", "c-2", "c-3"}
	for _, id := range ids {
		category := domain.Category{Meta: domain.Meta{ID: id}, Name: "Grains"}
		if err := store.Save(ctx, domain.CollectionCategories, &category); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}

	pending, _ := store.PendingMutations(ctx)
	if len(pending) != 3 {
		t.Fatalf("pending = %d, want 3", len(pending))
	}
	for i, entry := range pending {
		var doc struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(entry.Payload, &doc); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if doc.ID != ids[i] {
			t.Fatalf("entry %d is %s, want %s", i, doc.ID, ids[i])
		}
	}
}

func TestMarkSyncedIsIdempotent(t *testing.T) {
	store := newClockedStore()
	ctx := context.Background()

	category := domain.Category{Meta: domain.Meta{ID: "c-1"}, Name: "Grains"}
	if err := store.Save(ctx, domain.CollectionCategories, &category); err != nil {
		t.Fatalf("Save: %v", err)
	}
	pending, _ := store.PendingMutations(ctx)

	for range 2 {
		if err := store.MarkSynced(ctx, pending[0].ID); err != nil {
			t.Fatalf("MarkSynced: %v", err)
		}
	}
	if err := store.MarkSynced(ctx, "no-such-entry"); err != nil {
		t.Fatalf("MarkSynced unknown: %v", err)
	}

	after, _ := store.PendingMutations(ctx)
	if len(after) != 0 {
		t.Fatalf("pending = %d after MarkSynced, want 0", len(after))
	}
}

func TestApplyRemoteSkipsQueue(t *testing.T) {
	store := newClockedStore()
	ctx := context.Background()

	doc := []byte(`{"id":"c-9","name":"Pulled","synced":true}`)
	if err := store.ApplyRemote(ctx, domain.CollectionCategories, "c-9", doc); err != nil {
		t.Fatalf("ApplyRemote: %v", err)
	}

	stored, err := local.Get[domain.Category](ctx, store, domain.CollectionCategories, "c-9")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !stored.Synced {
		t.Fatal("remote row not stored as synced")
	}

	pending, _ := store.PendingMutations(ctx)
	if len(pending) != 0 {
		t.Fatalf("ApplyRemote enqueued %d mutations", len(pending))
	}
}
