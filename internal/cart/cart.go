// Package cart manages per-session shopping carts. Carts are ephemeral,
// in-memory state: they are never persisted or synced.
//
// Every mutation is optimistic: the cart is deep-copied first, the change is
// applied, and an optional confirm hook runs against the mutated cart. If
// the hook rejects the change the snapshot is restored exactly, so a failed
// mutation leaves no trace.
package cart

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hzshop/backend/internal/domain"
	"hzshop/backend/internal/local"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrValidation        = errors.New("validation failed")
)

// ConfirmFunc inspects a mutated cart before the change is committed.
// Returning an error rolls the mutation back.
type ConfirmFunc func(ctx context.Context, cart *domain.Cart) error

type Manager struct {
	store   local.Store
	confirm ConfirmFunc
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*domain.Cart
}

func New(store local.Store) *Manager {
	return &Manager{
		store:    store,
		now:      time.Now,
		sessions: make(map[string]*domain.Cart),
	}
}

// SetConfirm installs the commit hook applied to every mutation.
func (m *Manager) SetConfirm(confirm ConfirmFunc) { m.confirm = confirm }

// Get returns a copy of the session's cart. A session that never added an
// item reads as an empty cart.
func (m *Manager) Get(sessionID string) domain.Cart {
	m.mu.Lock()
	defer m.mu.Unlock()

	cart, ok := m.sessions[sessionID]
	if !ok {
		return domain.Cart{SessionID: sessionID}
	}
	return clone(cart)
}

// AddItem puts qty units of a product in the cart, merging with an existing
// line. The resulting line quantity is bounded by the product's stock.
func (m *Manager) AddItem(ctx context.Context, sessionID, productID string, qty int) (domain.Cart, error) {
	if qty <= 0 {
		return domain.Cart{}, fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}

	product, err := local.Get[domain.Product](ctx, m.store, domain.CollectionProducts, productID)
	if err != nil {
		if errors.Is(err, local.ErrNotFound) {
			return domain.Cart{}, fmt.Errorf("%w: product %s", ErrNotFound, productID)
		}
		return domain.Cart{}, err
	}
	if !product.Active {
		return domain.Cart{}, fmt.Errorf("%w: product %s is inactive", ErrValidation, product.Name)
	}

	return m.mutate(ctx, sessionID, func(cart *domain.Cart) error {
		line := findLine(cart, productID)
		want := qty
		if line != nil {
			want += line.Quantity
		}
		if want > product.CurrentStock {
			return fmt.Errorf("%w: %s has %d in stock, cart wants %d",
				ErrInsufficientStock, product.Name, product.CurrentStock, want)
		}
		if line != nil {
			line.Quantity = want
			return nil
		}
		cart.Items = append(cart.Items, domain.CartLine{
			ProductID:      product.ID,
			ProductName:    product.Name,
			UnitPriceCents: product.SellingPriceCents,
			Quantity:       qty,
		})
		return nil
	})
}

// SetQuantity replaces a line's quantity; zero removes the line.
func (m *Manager) SetQuantity(ctx context.Context, sessionID, productID string, qty int) (domain.Cart, error) {
	if qty < 0 {
		return domain.Cart{}, fmt.Errorf("%w: quantity must not be negative", ErrValidation)
	}
	if qty == 0 {
		return m.RemoveItem(ctx, sessionID, productID)
	}

	product, err := local.Get[domain.Product](ctx, m.store, domain.CollectionProducts, productID)
	if err != nil {
		if errors.Is(err, local.ErrNotFound) {
			return domain.Cart{}, fmt.Errorf("%w: product %s", ErrNotFound, productID)
		}
		return domain.Cart{}, err
	}
	if qty > product.CurrentStock {
		return domain.Cart{}, fmt.Errorf("%w: %s has %d in stock, requested %d",
			ErrInsufficientStock, product.Name, product.CurrentStock, qty)
	}

	return m.mutate(ctx, sessionID, func(cart *domain.Cart) error {
		line := findLine(cart, productID)
		if line == nil {
			return fmt.Errorf("%w: product %s is not in the cart", ErrNotFound, productID)
		}
		line.Quantity = qty
		return nil
	})
}

func (m *Manager) RemoveItem(ctx context.Context, sessionID, productID string) (domain.Cart, error) {
	return m.mutate(ctx, sessionID, func(cart *domain.Cart) error {
		for i := range cart.Items {
			if cart.Items[i].ProductID == productID {
				cart.Items = append(cart.Items[:i], cart.Items[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: product %s is not in the cart", ErrNotFound, productID)
	})
}

func (m *Manager) Clear(ctx context.Context, sessionID string) (domain.Cart, error) {
	return m.mutate(ctx, sessionID, func(cart *domain.Cart) error {
		cart.Items = nil
		return nil
	})
}

// Restore replaces the session's cart wholesale with a previously taken
// snapshot. Checkout uses it to put a drained cart back unchanged when
// recording the receipt fails; no stock or price checks rerun.
func (m *Manager) Restore(sessionID string, snapshot domain.Cart) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot.SessionID = sessionID
	restored := clone(&snapshot)
	m.sessions[sessionID] = &restored
}

// Drain returns the cart's lines as receipt line requests and empties the
// session, the hand-off used at checkout.
func (m *Manager) Drain(sessionID string) ([]domain.ReceiptLineRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cart, ok := m.sessions[sessionID]
	if !ok || len(cart.Items) == 0 {
		return nil, fmt.Errorf("%w: cart is empty", ErrValidation)
	}

	lines := make([]domain.ReceiptLineRequest, 0, len(cart.Items))
	for _, line := range cart.Items {
		lines = append(lines, domain.ReceiptLineRequest{ProductID: line.ProductID, Quantity: line.Quantity})
	}
	delete(m.sessions, sessionID)
	return lines, nil
}

// mutate applies fn to the session's cart under the optimistic protocol.
// On any failure the pre-mutation snapshot is restored verbatim.
func (m *Manager) mutate(ctx context.Context, sessionID string, fn func(cart *domain.Cart) error) (domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cart, ok := m.sessions[sessionID]
	if !ok {
		cart = &domain.Cart{SessionID: sessionID, UpdatedAt: m.now().UTC()}
		m.sessions[sessionID] = cart
	}

	snapshot := clone(cart)
	if err := fn(cart); err != nil {
		*cart = snapshot
		return clone(cart), err
	}
	cart.UpdatedAt = m.now().UTC()

	if m.confirm != nil {
		if err := m.confirm(ctx, cart); err != nil {
			*cart = snapshot
			return clone(cart), err
		}
	}
	return clone(cart), nil
}

func findLine(cart *domain.Cart, productID string) *domain.CartLine {
	for i := range cart.Items {
		if cart.Items[i].ProductID == productID {
			return &cart.Items[i]
		}
	}
	return nil
}

func clone(cart *domain.Cart) domain.Cart {
	out := *cart
	if cart.Items != nil {
		out.Items = make([]domain.CartLine, len(cart.Items))
		copy(out.Items, cart.Items)
	}
	return out
}
