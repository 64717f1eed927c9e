// Package syncengine orchestrates push (drain the mutation queue against
// the remote store, in order) and pull (overwrite local collections with
// the authoritative remote snapshot). It owns online-transition handling
// and prevents concurrent sync runs.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"hzshop/backend/internal/connectivity"
	"hzshop/backend/internal/domain"
	"hzshop/backend/internal/events"
	"hzshop/backend/internal/local"
	"hzshop/backend/internal/remote"
)

// ErrOffline is returned by ManualSync when no connection is available.
var ErrOffline = errors.New("cannot sync while offline")

type Engine struct {
	local   local.Store
	remote  remote.Store
	monitor *connectivity.Monitor
	bus     events.Bus

	mu         sync.Mutex
	inFlight   bool
	lastPushAt *time.Time
	lastPullAt *time.Time

	pullGroup singleflight.Group
}

func New(localStore local.Store, remoteStore remote.Store, monitor *connectivity.Monitor, bus events.Bus) *Engine {
	if bus == nil {
		bus = events.NoopBus{}
	}
	return &Engine{
		local:   localStore,
		remote:  remoteStore,
		monitor: monitor,
		bus:     bus,
	}
}

// Start subscribes to connectivity transitions and triggers a push whenever
// the connection comes back, plus a periodic flush of any queue backlog.
// Blocks until ctx is done.
func (e *Engine) Start(ctx context.Context, flushInterval time.Duration) {
	transitions, cancel := e.monitor.Subscribe()
	defer cancel()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case online := <-transitions:
			if !online {
				continue
			}
			log.Printf("[sync] connection restored, pushing queued mutations")
			if err := e.Push(ctx); err != nil {
				log.Printf("[sync] push after reconnect failed: %v", err)
			}
		case <-ticker.C:
			if !e.monitor.IsOnline() {
				continue
			}
			if err := e.Push(ctx); err != nil {
				log.Printf("[sync] periodic push failed: %v", err)
			}
		}
	}
}

// Push drains pending mutations in insertion order. A push while another is
// in flight is a silent no-op. On a per-entry failure it stops processing
// and surfaces the error, leaving that entry and all successors pending, so
// no entry is ever marked synced out of order relative to an unresolved
// predecessor.
func (e *Engine) Push(ctx context.Context) error {
	if !e.monitor.IsOnline() {
		return nil
	}
	if !e.begin() {
		return nil
	}
	defer e.end()

	pending, err := e.local.PendingMutations(ctx)
	if err != nil {
		return fmt.Errorf("read sync queue: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	log.Printf("[sync] pushing %d queued mutations", len(pending))
	for _, entry := range pending {
		if err := e.process(ctx, entry); err != nil {
			return fmt.Errorf("push %s: %w", entry.ID, err)
		}
		if err := e.local.MarkSynced(ctx, entry.ID); err != nil {
			return fmt.Errorf("mark synced %s: %w", entry.ID, err)
		}
	}

	now := time.Now().UTC()
	e.mu.Lock()
	e.lastPushAt = &now
	e.mu.Unlock()

	_ = e.bus.Publish(ctx, events.TopicSyncCompleted, map[string]any{
		"direction": "push",
		"entries":   len(pending),
	})
	return nil
}

func (e *Engine) process(ctx context.Context, entry domain.MutationEntry) error {
	switch entry.Operation {
	case domain.OpUpsert:
		var peek struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(entry.Payload, &peek); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return e.remote.Upsert(ctx, entry.Collection, peek.ID, entry.Payload)
	case domain.OpDelete:
		var peek struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(entry.Payload, &peek); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return e.remote.DeleteByID(ctx, entry.Collection, peek.ID)
	default:
		return fmt.Errorf("unknown operation %q", entry.Operation)
	}
}

// Pull fetches the full remote snapshot per collection and applies every
// row through the local store's remote write path. Per-collection failures
// are logged and do not abort the remaining collections. Concurrent pulls
// coalesce into a single flight. Pull never deletes local-only unsynced
// records; a local delete is only ever expressed by a queued delete entry.
func (e *Engine) Pull(ctx context.Context) error {
	_, err, _ := e.pullGroup.Do("pull", func() (any, error) {
		return nil, e.pull(ctx)
	})
	return err
}

func (e *Engine) begin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight {
		return false
	}
	e.inFlight = true
	return true
}

func (e *Engine) end() {
	e.mu.Lock()
	e.inFlight = false
	e.mu.Unlock()
}

func (e *Engine) pull(ctx context.Context) error {
	var errs []error
	applied := 0

	for _, collection := range domain.Collections {
		rows, err := e.remote.SelectAll(ctx, collection)
		if err != nil {
			log.Printf("[sync] pull %s failed: %v", collection, err)
			errs = append(errs, err)
			continue
		}
		for _, row := range rows {
			doc, err := markSyncedDoc(collection, row.Doc)
			if err != nil {
				log.Printf("[sync] pull %s/%s: bad row: %v", collection, row.ID, err)
				errs = append(errs, err)
				continue
			}
			if err := e.local.ApplyRemote(ctx, collection, row.ID, doc); err != nil {
				log.Printf("[sync] pull %s/%s: apply failed: %v", collection, row.ID, err)
				errs = append(errs, err)
				continue
			}
			applied++
		}
	}

	now := time.Now().UTC()
	e.mu.Lock()
	e.lastPullAt = &now
	e.mu.Unlock()

	_ = e.bus.Publish(ctx, events.TopicSyncCompleted, map[string]any{
		"direction": "pull",
		"rows":      applied,
	})
	return errors.Join(errs...)
}

// ManualSync pushes, then pulls. The ordering matters: pulling first could
// transiently resurrect a record whose delete entry is still queued.
func (e *Engine) ManualSync(ctx context.Context) error {
	if !e.monitor.IsOnline() {
		return ErrOffline
	}
	if err := e.Push(ctx); err != nil {
		return err
	}
	return e.Pull(ctx)
}

// Status reports the engine's externally observable state.
func (e *Engine) Status(ctx context.Context) (domain.SyncStatus, error) {
	pending, err := e.local.PendingMutations(ctx)
	if err != nil {
		return domain.SyncStatus{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return domain.SyncStatus{
		Online:       e.monitor.IsOnline(),
		SyncRunning:  e.inFlight,
		PendingCount: len(pending),
		LastPushAt:   e.lastPushAt,
		LastPullAt:   e.lastPullAt,
	}, nil
}

// markSyncedDoc decodes a pulled row into its collection's record type
// (rejecting rows that do not fit the tagged union), flips the synced flag,
// and re-encodes it for storage.
func markSyncedDoc(collection string, doc json.RawMessage) ([]byte, error) {
	rec, ok := domain.NewRecord(collection)
	if !ok {
		return nil, fmt.Errorf("unknown collection %s", collection)
	}
	if err := json.Unmarshal(doc, rec); err != nil {
		return nil, err
	}

	var peek struct {
		UpdatedAt time.Time `json:"updated_at"`
	}
	_ = json.Unmarshal(doc, &peek)
	rec.Stamp(peek.UpdatedAt, true)

	return json.Marshal(rec)
}
