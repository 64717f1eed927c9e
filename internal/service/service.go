// Package service is the application core: catalog and shopkeeper
// management on top of the local store, receipt/payment/return flows
// through the ledger, and sync orchestration. Every write lands locally
// first; the sync engine reconciles with the remote store when a
// connection exists.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"hzshop/backend/internal/cart"
	"hzshop/backend/internal/connectivity"
	"hzshop/backend/internal/domain"
	"hzshop/backend/internal/events"
	"hzshop/backend/internal/ledger"
	"hzshop/backend/internal/local"
	"hzshop/backend/internal/remote"
	"hzshop/backend/internal/syncengine"
	"hzshop/backend/internal/xid"
)

// ErrForbidden is returned when the acting user lacks the required role.
var ErrForbidden = errors.New("admin role required")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	store   local.Store
	remote  remote.Store
	engine  *syncengine.Engine
	ledger  *ledger.Ledger
	carts   *cart.Manager
	monitor *connectivity.Monitor
	bus     events.Bus
}

func New(store local.Store, remoteStore remote.Store, engine *syncengine.Engine, ldg *ledger.Ledger, carts *cart.Manager, monitor *connectivity.Monitor, bus events.Bus) *Service {
	if bus == nil {
		bus = events.NoopBus{}
	}
	return &Service{
		store:   store,
		remote:  remoteStore,
		engine:  engine,
		ledger:  ldg,
		carts:   carts,
		monitor: monitor,
		bus:     bus,
	}
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return ErrForbidden
	}
	return nil
}

// flush opportunistically pushes the queue after a write. Offline or
// failing pushes are not the caller's problem; the queue keeps the write.
func (s *Service) flush(ctx context.Context) {
	if !s.monitor.IsOnline() {
		return
	}
	if err := s.engine.Push(ctx); err != nil {
		log.Printf("[service] background push failed: %v", err)
	}
}

// Categories

func (s *Service) ListCategories(ctx context.Context) ([]domain.Category, error) {
	categories, err := local.GetAll[domain.Category](ctx, s.store, domain.CollectionCategories)
	if err != nil {
		return nil, err
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i].Name < categories[j].Name })
	return categories, nil
}

func (s *Service) CreateCategory(ctx context.Context, name, description string) (domain.Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Category{}, fmt.Errorf("%w: name is required", local.ErrValidation)
	}

	category := domain.Category{
		Meta:        domain.Meta{ID: xid.New("cat")},
		Name:        name,
		Description: strings.TrimSpace(description),
	}
	if err := s.store.Save(ctx, domain.CollectionCategories, &category); err != nil {
		return domain.Category{}, err
	}
	_ = s.bus.Publish(ctx, events.TopicCategoryUpdated, map[string]any{"id": category.ID, "name": category.Name})
	s.flush(ctx)
	return category, nil
}

func (s *Service) DeleteCategory(ctx context.Context, id string) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	if _, err := s.store.Get(ctx, domain.CollectionCategories, id); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, domain.CollectionCategories, id); err != nil {
		return err
	}
	_ = s.bus.Publish(ctx, events.TopicCategoryUpdated, map[string]any{"id": id, "deleted": true})
	s.flush(ctx)
	return nil
}

// Products

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	products, err := local.GetAll[domain.Product](ctx, s.store, domain.CollectionProducts)
	if err != nil {
		return nil, err
	}
	sort.Slice(products, func(i, j int) bool { return products[i].Name < products[j].Name })
	return products, nil
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	return local.Get[domain.Product](ctx, s.store, domain.CollectionProducts, id)
}

func (s *Service) CreateProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	product.Name = strings.TrimSpace(product.Name)
	product.SKU = strings.ToUpper(strings.TrimSpace(product.SKU))
	if product.Name == "" {
		return domain.Product{}, fmt.Errorf("%w: name is required", local.ErrValidation)
	}
	if product.SellingPriceCents < 0 || product.CostPriceCents < 0 || product.CurrentStock < 0 {
		return domain.Product{}, fmt.Errorf("%w: negative amounts", local.ErrValidation)
	}

	product.ID = xid.New("prod")
	product.Active = true
	if err := s.store.Save(ctx, domain.CollectionProducts, &product); err != nil {
		return domain.Product{}, err
	}

	if product.CurrentStock > 0 {
		movement := domain.StockMovement{
			Meta:      domain.Meta{ID: xid.New("mov")},
			ProductID: product.ID,
			Type:      domain.StockMovementIn,
			Quantity:  product.CurrentStock,
			Reason:    "initial stock",
		}
		if err := s.store.Save(ctx, domain.CollectionStockMovements, &movement); err != nil {
			return domain.Product{}, err
		}
	}
	s.flush(ctx)
	return product, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, apply func(*domain.Product) error) (domain.Product, error) {
	product, err := local.Get[domain.Product](ctx, s.store, domain.CollectionProducts, id)
	if err != nil {
		return domain.Product{}, err
	}
	if err := apply(&product); err != nil {
		return domain.Product{}, err
	}
	product.ID = id
	if err := s.store.Save(ctx, domain.CollectionProducts, &product); err != nil {
		return domain.Product{}, err
	}
	s.flush(ctx)
	return product, nil
}

func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	if _, err := s.store.Get(ctx, domain.CollectionProducts, id); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, domain.CollectionProducts, id); err != nil {
		return err
	}
	s.flush(ctx)
	return nil
}

// Shopkeepers

func (s *Service) ListShopkeepers(ctx context.Context) ([]domain.Shopkeeper, error) {
	shopkeepers, err := local.GetAll[domain.Shopkeeper](ctx, s.store, domain.CollectionShopkeepers)
	if err != nil {
		return nil, err
	}
	sort.Slice(shopkeepers, func(i, j int) bool { return shopkeepers[i].Name < shopkeepers[j].Name })
	return shopkeepers, nil
}

func (s *Service) CreateShopkeeper(ctx context.Context, shopkeeper domain.Shopkeeper) (domain.Shopkeeper, error) {
	shopkeeper.Name = strings.TrimSpace(shopkeeper.Name)
	if shopkeeper.Name == "" {
		return domain.Shopkeeper{}, fmt.Errorf("%w: name is required", local.ErrValidation)
	}
	if shopkeeper.CreditLimitCents < 0 || shopkeeper.CurrentBalanceCents < 0 {
		return domain.Shopkeeper{}, fmt.Errorf("%w: negative amounts", local.ErrValidation)
	}

	shopkeeper.ID = xid.New("shpk")
	if err := s.store.Save(ctx, domain.CollectionShopkeepers, &shopkeeper); err != nil {
		return domain.Shopkeeper{}, err
	}
	s.flush(ctx)
	return shopkeeper, nil
}

func (s *Service) ShopkeeperSummary(ctx context.Context, id string) (domain.ShopkeeperSummary, error) {
	return s.ledger.Summary(ctx, id)
}

// GetOrCreateShopkeeper resolves a shopkeeper by exact trimmed name,
// creating one with zeroed balances when no match exists.
func (s *Service) GetOrCreateShopkeeper(ctx context.Context, name, contact, address string) (domain.Shopkeeper, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Shopkeeper{}, fmt.Errorf("%w: name is required", local.ErrValidation)
	}

	shopkeepers, err := local.GetAll[domain.Shopkeeper](ctx, s.store, domain.CollectionShopkeepers)
	if err != nil {
		return domain.Shopkeeper{}, err
	}
	for _, shopkeeper := range shopkeepers {
		if shopkeeper.Name == name {
			return shopkeeper, nil
		}
	}
	return s.CreateShopkeeper(ctx, domain.Shopkeeper{Name: name, Contact: contact, Address: address})
}

// resolveShopkeeper fills in the shopkeeper id for sale requests that carry
// only a name.
func (s *Service) resolveShopkeeper(ctx context.Context, req *domain.ReceiptCreateRequest) error {
	if req.ShopkeeperID != "" || strings.TrimSpace(req.ShopkeeperName) == "" {
		return nil
	}
	shopkeeper, err := s.GetOrCreateShopkeeper(ctx, req.ShopkeeperName, "", "")
	if err != nil {
		return err
	}
	req.ShopkeeperID = shopkeeper.ID
	return nil
}

// Receipts and payments

func (s *Service) ListReceipts(ctx context.Context, shopkeeperID string) ([]domain.Receipt, error) {
	receipts, err := local.GetAll[domain.Receipt](ctx, s.store, domain.CollectionReceipts)
	if err != nil {
		return nil, err
	}
	out := receipts[:0]
	for _, receipt := range receipts {
		if shopkeeperID == "" || receipt.ShopkeeperID == shopkeeperID {
			out = append(out, receipt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Service) CreateReceipt(ctx context.Context, req domain.ReceiptCreateRequest) (domain.ReceiptDetail, error) {
	if err := s.resolveShopkeeper(ctx, &req); err != nil {
		return domain.ReceiptDetail{}, err
	}
	detail, err := s.ledger.RecordReceipt(ctx, req)
	if err != nil {
		return domain.ReceiptDetail{}, err
	}
	s.submitReceipt(ctx, detail)
	s.flush(ctx)
	return detail, nil
}

// DeleteReceipt removes a receipt and its line items, items first, then
// recomputes shopkeeper balances from the receipts that remain so the
// ledger stays consistent with what is left.
func (s *Service) DeleteReceipt(ctx context.Context, id string) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	if _, err := local.Get[domain.Receipt](ctx, s.store, domain.CollectionReceipts, id); err != nil {
		return err
	}

	items, err := local.GetAll[domain.ReceiptItem](ctx, s.store, domain.CollectionReceiptItems)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.ReceiptID != id {
			continue
		}
		if err := s.store.Delete(ctx, domain.CollectionReceiptItems, item.ID); err != nil {
			return err
		}
	}
	if err := s.store.Delete(ctx, domain.CollectionReceipts, id); err != nil {
		return err
	}

	if _, err := s.ledger.RepairBalances(ctx); err != nil {
		log.Printf("[service] balance repair after deleting receipt %s: %v", id, err)
	}
	s.flush(ctx)
	return nil
}

// CheckoutCart turns a session cart into a receipt. A snapshot of the cart
// is taken before it is drained; a rejected checkout restores the snapshot
// unchanged, even when stock or prices moved since the items were added.
func (s *Service) CheckoutCart(ctx context.Context, sessionID string, req domain.ReceiptCreateRequest) (domain.ReceiptDetail, error) {
	if err := s.resolveShopkeeper(ctx, &req); err != nil {
		return domain.ReceiptDetail{}, err
	}
	snapshot := s.carts.Get(sessionID)

	lines, err := s.carts.Drain(sessionID)
	if err != nil {
		return domain.ReceiptDetail{}, err
	}
	req.Items = lines

	detail, err := s.ledger.RecordReceipt(ctx, req)
	if err != nil {
		s.carts.Restore(sessionID, snapshot)
		return domain.ReceiptDetail{}, err
	}

	s.submitReceipt(ctx, detail)
	s.flush(ctx)
	return detail, nil
}

// submitReceipt mirrors a freshly recorded receipt to the remote store's
// transactional procedure when online. Failures are tolerated: the queued
// mutations carry the same state on the next push.
func (s *Service) submitReceipt(ctx context.Context, detail domain.ReceiptDetail) {
	if !s.monitor.IsOnline() {
		return
	}
	shopkeeper, err := local.Get[domain.Shopkeeper](ctx, s.store, domain.CollectionShopkeepers, detail.Receipt.ShopkeeperID)
	if err != nil {
		log.Printf("[service] submit receipt %s: %v", detail.Receipt.ReceiptNumber, err)
		return
	}
	if err := s.remote.CreateReceiptAndUpdateBalance(ctx, detail.Receipt, detail.Items, shopkeeper); err != nil {
		log.Printf("[service] submit receipt %s: %v", detail.Receipt.ReceiptNumber, err)
	}
}

func (s *Service) RecordPayment(ctx context.Context, req domain.PaymentRequest) (domain.PaymentResult, error) {
	result, err := s.ledger.ApplyPayment(ctx, req.ShopkeeperID, req.AmountCents)
	if err != nil {
		return domain.PaymentResult{}, err
	}
	s.flush(ctx)
	return result, nil
}

func (s *Service) ListPayments(ctx context.Context, shopkeeperID string) ([]domain.PaymentHistoryEntry, error) {
	payments, err := local.GetAll[domain.PaymentHistoryEntry](ctx, s.store, domain.CollectionPaymentHistory)
	if err != nil {
		return nil, err
	}
	out := payments[:0]
	for _, payment := range payments {
		if shopkeeperID == "" || payment.ShopkeeperID == shopkeeperID {
			out = append(out, payment)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Returns

func (s *Service) CreateReturn(ctx context.Context, req domain.ReturnCreateRequest) (domain.Return, error) {
	ret, err := s.ledger.CreateReturn(ctx, req)
	if err != nil {
		return domain.Return{}, err
	}

	if s.monitor.IsOnline() {
		if _, _, err := s.remote.CreateReturnWithItems(ctx, ret); err != nil {
			if errors.Is(err, remote.ErrNotFound) {
				// The original receipt has not reached the remote yet; the
				// queued mutations will carry both on the next push.
				log.Printf("[service] return %s waits for receipt sync", ret.ReturnNumber)
			} else {
				log.Printf("[service] submit return %s: %v", ret.ReturnNumber, err)
			}
		}
	}
	s.flush(ctx)
	return ret, nil
}

func (s *Service) ListReturns(ctx context.Context) ([]domain.Return, error) {
	returns, err := local.GetAll[domain.Return](ctx, s.store, domain.CollectionReturns)
	if err != nil {
		return nil, err
	}
	sort.Slice(returns, func(i, j int) bool { return returns[i].CreatedAt.After(returns[j].CreatedAt) })
	return returns, nil
}

// Cart

func (s *Service) GetCart(sessionID string) domain.Cart {
	return s.carts.Get(sessionID)
}

func (s *Service) AddToCart(ctx context.Context, sessionID, productID string, qty int) (domain.Cart, error) {
	return s.carts.AddItem(ctx, sessionID, productID, qty)
}

func (s *Service) SetCartQuantity(ctx context.Context, sessionID, productID string, qty int) (domain.Cart, error) {
	return s.carts.SetQuantity(ctx, sessionID, productID, qty)
}

func (s *Service) RemoveFromCart(ctx context.Context, sessionID, productID string) (domain.Cart, error) {
	return s.carts.RemoveItem(ctx, sessionID, productID)
}

func (s *Service) ClearCart(ctx context.Context, sessionID string) (domain.Cart, error) {
	return s.carts.Clear(ctx, sessionID)
}

// Sync

// ManualSync pushes then pulls, and afterwards repairs any shopkeeper
// balance the pulled snapshot left inconsistent with the receipts.
func (s *Service) ManualSync(ctx context.Context) error {
	if err := s.engine.ManualSync(ctx); err != nil {
		return err
	}
	repaired, err := s.ledger.RepairBalances(ctx)
	if err != nil {
		return err
	}
	if repaired > 0 {
		log.Printf("[service] repaired %d shopkeeper balances after sync", repaired)
		s.flush(ctx)
	}
	return nil
}

func (s *Service) SyncStatus(ctx context.Context) (domain.SyncStatus, error) {
	return s.engine.Status(ctx)
}
