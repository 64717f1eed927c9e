// Package connectivity supplies the online/offline signal. The monitor is
// an explicitly constructed instance (not a global), so tests can run
// independent monitors and drive transitions directly.
package connectivity

import (
	"context"
	"log"
	"sync"
	"time"
)

type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   []chan bool
}

func NewMonitor(startOnline bool) *Monitor {
	return &Monitor{online: startOnline}
}

func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a state change and notifies subscribers on an actual
// transition. Notification is non-blocking: a stale buffered signal is
// discarded first, so a slow subscriber always reads the latest state.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	subs := append([]chan bool(nil), m.subs...)
	m.mu.Unlock()

	if !changed {
		return
	}
	for _, ch := range subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- online:
		default:
		}
	}
}

// Subscribe returns a channel carrying transition states and a cancel
// function that detaches it.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)

	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sub := range m.subs {
			if sub == ch {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				return
			}
		}
	}
	return ch, cancel
}

// Probe polls the given check (typically the remote store's Ping) and flips
// the monitor on result changes. Blocks until ctx is done.
func (m *Monitor) Probe(ctx context.Context, interval time.Duration, check func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := check(ctx)
			wasOnline := m.IsOnline()
			if err != nil && wasOnline {
				log.Printf("[connectivity] went offline: %v", err)
			}
			if err == nil && !wasOnline {
				log.Printf("[connectivity] back online")
			}
			m.SetOnline(err == nil)
		}
	}
}
