// Package ledger keeps Shopkeeper.CurrentBalanceCents and each affected
// receipt's amount-received/pending figures consistent as receipts,
// payments, and returns occur. All ledger writes for one shopkeeper run
// under a mutex keyed by shopkeeper id, so read-compute-write sequences
// never interleave for the same account.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"hzshop/backend/internal/domain"
	"hzshop/backend/internal/events"
	"hzshop/backend/internal/local"
	"hzshop/backend/internal/xid"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrPaymentExceedsDue rejects a payment larger than the shopkeeper's
	// summed pending receipts before any mutation happens.
	ErrPaymentExceedsDue = errors.New("payment exceeds amount due")
)

const (
	receiptNumberPrefix = "RCP"
	returnNumberPrefix  = "RET"
)

type Ledger struct {
	store local.Store
	bus   events.Bus
	now   func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(store local.Store, bus events.Bus) *Ledger {
	if bus == nil {
		bus = events.NoopBus{}
	}
	return &Ledger{
		store: store,
		bus:   bus,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}
}

// SetClock overrides the timestamp source for tests.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// lockShopkeeper serializes ledger operations per shopkeeper id and returns
// the unlock function.
func (l *Ledger) lockShopkeeper(id string) func() {
	l.mu.Lock()
	lock, ok := l.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[id] = lock
	}
	l.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// RecordReceipt creates a receipt and its line items, decrements stock, and
// moves the shopkeeper balance:
//
//	pending = max(final - received, 0)
//	extra   = max(received - final, 0)   // credited against prior debt
//	balance' = max(balance + pending - extra, 0)
//
// All validation and lookups happen before the first write, so a failed
// lookup aborts with no partial state.
func (l *Ledger) RecordReceipt(ctx context.Context, req domain.ReceiptCreateRequest) (domain.ReceiptDetail, error) {
	if req.ShopkeeperID == "" || len(req.Items) == 0 {
		return domain.ReceiptDetail{}, fmt.Errorf("%w: shopkeeper and items are required", ErrValidation)
	}
	if req.DiscountCents < 0 || req.ReturnTotalCents < 0 || req.AmountReceivedCents < 0 {
		return domain.ReceiptDetail{}, fmt.Errorf("%w: negative amounts", ErrValidation)
	}

	unlock := l.lockShopkeeper(req.ShopkeeperID)
	defer unlock()

	shopkeeper, err := local.Get[domain.Shopkeeper](ctx, l.store, domain.CollectionShopkeepers, req.ShopkeeperID)
	if err != nil {
		if errors.Is(err, local.ErrNotFound) {
			return domain.ReceiptDetail{}, fmt.Errorf("%w: shopkeeper %s", ErrNotFound, req.ShopkeeperID)
		}
		return domain.ReceiptDetail{}, err
	}

	// Resolve and validate every line before writing anything.
	type line struct {
		product domain.Product
		qty     int
	}
	lines := make([]line, 0, len(req.Items))
	var subtotal int64
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return domain.ReceiptDetail{}, fmt.Errorf("%w: quantity must be positive", ErrValidation)
		}
		product, err := local.Get[domain.Product](ctx, l.store, domain.CollectionProducts, item.ProductID)
		if err != nil {
			if errors.Is(err, local.ErrNotFound) {
				return domain.ReceiptDetail{}, fmt.Errorf("%w: product %s", ErrNotFound, item.ProductID)
			}
			return domain.ReceiptDetail{}, err
		}
		if !product.Active {
			return domain.ReceiptDetail{}, fmt.Errorf("%w: product %s is inactive", ErrValidation, product.Name)
		}
		if product.CurrentStock < item.Quantity {
			return domain.ReceiptDetail{}, fmt.Errorf("%w: %s has %d in stock, requested %d",
				ErrInsufficientStock, product.Name, product.CurrentStock, item.Quantity)
		}
		subtotal += product.SellingPriceCents * int64(item.Quantity)
		lines = append(lines, line{product: product, qty: item.Quantity})
	}

	finalTotal := subtotal - req.DiscountCents - req.ReturnTotalCents
	if finalTotal < 0 {
		return domain.ReceiptDetail{}, fmt.Errorf("%w: discount and returns exceed subtotal", ErrValidation)
	}

	pending := max(finalTotal-req.AmountReceivedCents, 0)
	extra := max(req.AmountReceivedCents-finalTotal, 0)
	newBalance := max(shopkeeper.CurrentBalanceCents+pending-extra, 0)

	number, err := l.nextNumber(ctx, domain.CollectionReceipts, receiptNumberPrefix)
	if err != nil {
		return domain.ReceiptDetail{}, err
	}

	now := l.now().UTC()
	receipt := domain.Receipt{
		Meta:                domain.Meta{ID: xid.New("rcpt")},
		ReceiptNumber:       number,
		ShopkeeperID:        req.ShopkeeperID,
		SubtotalCents:       subtotal,
		DiscountCents:       req.DiscountCents,
		ReturnTotalCents:    req.ReturnTotalCents,
		FinalTotalCents:     finalTotal,
		AmountReceivedCents: req.AmountReceivedCents,
		PendingCents:        pending,
		CreatedAt:           now,
	}
	if err := l.store.Save(ctx, domain.CollectionReceipts, &receipt); err != nil {
		return domain.ReceiptDetail{}, err
	}

	items := make([]domain.ReceiptItem, 0, len(lines))
	for _, ln := range lines {
		item := domain.ReceiptItem{
			Meta:            domain.Meta{ID: xid.New("ritem")},
			ReceiptID:       receipt.ID,
			ProductID:       ln.product.ID,
			ProductName:     ln.product.Name,
			Quantity:        ln.qty,
			UnitPriceCents:  ln.product.SellingPriceCents,
			TotalPriceCents: ln.product.SellingPriceCents * int64(ln.qty),
			CreatedAt:       now,
		}
		if err := l.store.Save(ctx, domain.CollectionReceiptItems, &item); err != nil {
			return domain.ReceiptDetail{}, err
		}
		items = append(items, item)

		ln.product.CurrentStock -= ln.qty
		if err := l.store.Save(ctx, domain.CollectionProducts, &ln.product); err != nil {
			return domain.ReceiptDetail{}, err
		}
		movement := domain.StockMovement{
			Meta:      domain.Meta{ID: xid.New("mov")},
			ProductID: ln.product.ID,
			Type:      domain.StockMovementOut,
			Quantity:  ln.qty,
			Reason:    "sale",
			CreatedAt: now,
		}
		if err := l.store.Save(ctx, domain.CollectionStockMovements, &movement); err != nil {
			return domain.ReceiptDetail{}, err
		}
	}

	shopkeeper.CurrentBalanceCents = newBalance
	shopkeeper.TotalPurchasesCents += finalTotal
	if err := l.store.Save(ctx, domain.CollectionShopkeepers, &shopkeeper); err != nil {
		return domain.ReceiptDetail{}, err
	}

	_ = l.bus.Publish(ctx, events.TopicBalanceUpdated, map[string]any{
		"shopkeeper_id": shopkeeper.ID,
		"balance_cents": newBalance,
	})
	return domain.ReceiptDetail{Receipt: receipt, Items: items}, nil
}

// ApplyPayment distributes a manual payment across the shopkeeper's pending
// receipts oldest-created-first (FIFO settlement, preserved for
// auditability) and reduces the balance by the full amount. A payment
// exceeding the total due is rejected before any mutation.
func (l *Ledger) ApplyPayment(ctx context.Context, shopkeeperID string, amountCents int64) (domain.PaymentResult, error) {
	if amountCents <= 0 {
		return domain.PaymentResult{}, fmt.Errorf("%w: payment must be positive", ErrValidation)
	}

	unlock := l.lockShopkeeper(shopkeeperID)
	defer unlock()

	shopkeeper, err := local.Get[domain.Shopkeeper](ctx, l.store, domain.CollectionShopkeepers, shopkeeperID)
	if err != nil {
		if errors.Is(err, local.ErrNotFound) {
			return domain.PaymentResult{}, fmt.Errorf("%w: shopkeeper %s", ErrNotFound, shopkeeperID)
		}
		return domain.PaymentResult{}, err
	}

	receipts, err := l.pendingReceipts(ctx, shopkeeperID)
	if err != nil {
		return domain.PaymentResult{}, err
	}

	var totalDue int64
	for _, receipt := range receipts {
		totalDue += receipt.PendingCents
	}
	if amountCents > totalDue {
		return domain.PaymentResult{}, fmt.Errorf("%w: due %d, offered %d", ErrPaymentExceedsDue, totalDue, amountCents)
	}

	remaining := amountCents
	updated := 0
	for i := range receipts {
		if remaining <= 0 {
			break
		}
		receipt := receipts[i]
		portion := min(remaining, receipt.PendingCents)
		receipt.AmountReceivedCents += portion
		receipt.PendingCents = max(receipt.FinalTotalCents-receipt.AmountReceivedCents, 0)
		if err := l.store.Save(ctx, domain.CollectionReceipts, &receipt); err != nil {
			return domain.PaymentResult{}, err
		}
		remaining -= portion
		updated++
	}

	shopkeeper.CurrentBalanceCents = max(shopkeeper.CurrentBalanceCents-amountCents, 0)
	if err := l.store.Save(ctx, domain.CollectionShopkeepers, &shopkeeper); err != nil {
		return domain.PaymentResult{}, err
	}

	history := domain.PaymentHistoryEntry{
		Meta:         domain.Meta{ID: xid.New("pay")},
		ShopkeeperID: shopkeeperID,
		AmountCents:  amountCents,
		Type:         domain.PaymentTypePayment,
		CreatedAt:    l.now().UTC(),
	}
	if err := l.store.Save(ctx, domain.CollectionPaymentHistory, &history); err != nil {
		return domain.PaymentResult{}, err
	}

	_ = l.bus.Publish(ctx, events.TopicBalanceUpdated, map[string]any{
		"shopkeeper_id": shopkeeperID,
		"balance_cents": shopkeeper.CurrentBalanceCents,
	})
	return domain.PaymentResult{
		ShopkeeperID:    shopkeeperID,
		AmountCents:     amountCents,
		UpdatedReceipts: updated,
		NewBalanceCents: shopkeeper.CurrentBalanceCents,
	}, nil
}

// CreateReturn records a return against a receipt. Quantities are capped by
// the original line quantity minus anything already returned against the
// same receipt. The return restocks the product and is tracked as an
// independent record; it does not debit the shopkeeper balance.
func (l *Ledger) CreateReturn(ctx context.Context, req domain.ReturnCreateRequest) (domain.Return, error) {
	if req.OriginalReceiptID == "" || len(req.Items) == 0 {
		return domain.Return{}, fmt.Errorf("%w: receipt and items are required", ErrValidation)
	}

	receipt, err := local.Get[domain.Receipt](ctx, l.store, domain.CollectionReceipts, req.OriginalReceiptID)
	if err != nil {
		if errors.Is(err, local.ErrNotFound) {
			return domain.Return{}, fmt.Errorf("%w: receipt %s", ErrNotFound, req.OriginalReceiptID)
		}
		return domain.Return{}, err
	}

	receiptItems, err := local.GetAll[domain.ReceiptItem](ctx, l.store, domain.CollectionReceiptItems)
	if err != nil {
		return domain.Return{}, err
	}
	purchased := make(map[string]int)
	unitPrice := make(map[string]int64)
	productName := make(map[string]string)
	for _, item := range receiptItems {
		if item.ReceiptID != receipt.ID {
			continue
		}
		purchased[item.ProductID] += item.Quantity
		unitPrice[item.ProductID] = item.UnitPriceCents
		productName[item.ProductID] = item.ProductName
	}

	priorReturns, err := local.GetAll[domain.Return](ctx, l.store, domain.CollectionReturns)
	if err != nil {
		return domain.Return{}, err
	}
	alreadyReturned := make(map[string]int)
	for _, prior := range priorReturns {
		if prior.OriginalReceiptID != receipt.ID {
			continue
		}
		for _, line := range prior.Items {
			alreadyReturned[line.ProductID] += line.Quantity
		}
	}

	now := l.now().UTC()
	var total int64
	lines := make([]domain.ReturnLine, 0, len(req.Items))
	for _, line := range req.Items {
		bought, ok := purchased[line.ProductID]
		if !ok {
			return domain.Return{}, fmt.Errorf("%w: product %s is not on receipt %s", ErrValidation, line.ProductID, receipt.ReceiptNumber)
		}
		if line.Quantity <= 0 {
			return domain.Return{}, fmt.Errorf("%w: quantity must be positive", ErrValidation)
		}
		if alreadyReturned[line.ProductID]+line.Quantity > bought {
			return domain.Return{}, fmt.Errorf("%w: return quantity %d exceeds purchased %d for product %s",
				ErrValidation, alreadyReturned[line.ProductID]+line.Quantity, bought, line.ProductID)
		}
		price := line.UnitPriceCents
		if price == 0 {
			price = unitPrice[line.ProductID]
		}
		name := line.ProductName
		if name == "" {
			name = productName[line.ProductID]
		}
		lineTotal := price * int64(line.Quantity)
		total += lineTotal
		lines = append(lines, domain.ReturnLine{
			ProductID:       line.ProductID,
			ProductName:     name,
			Quantity:        line.Quantity,
			UnitPriceCents:  price,
			TotalPriceCents: lineTotal,
		})
	}

	number, err := l.nextNumber(ctx, domain.CollectionReturns, returnNumberPrefix)
	if err != nil {
		return domain.Return{}, err
	}

	ret := domain.Return{
		Meta:              domain.Meta{ID: xid.New("ret")},
		ReturnNumber:      number,
		OriginalReceiptID: receipt.ID,
		ShopkeeperID:      receipt.ShopkeeperID,
		Reason:            req.Reason,
		RefundMethod:      req.RefundMethod,
		Status:            domain.ReturnStatusCompleted,
		TotalAmountCents:  total,
		Items:             lines,
		CreatedAt:         now,
	}
	if err := l.store.Save(ctx, domain.CollectionReturns, &ret); err != nil {
		return domain.Return{}, err
	}

	for _, line := range lines {
		product, err := local.Get[domain.Product](ctx, l.store, domain.CollectionProducts, line.ProductID)
		if err != nil {
			log.Printf("[ledger] restock skipped, product %s: %v", line.ProductID, err)
			continue
		}
		product.CurrentStock += line.Quantity
		if err := l.store.Save(ctx, domain.CollectionProducts, &product); err != nil {
			return domain.Return{}, err
		}
		movement := domain.StockMovement{
			Meta:      domain.Meta{ID: xid.New("mov")},
			ProductID: line.ProductID,
			Type:      domain.StockMovementIn,
			Quantity:  line.Quantity,
			Reason:    "return",
			CreatedAt: now,
		}
		if err := l.store.Save(ctx, domain.CollectionStockMovements, &movement); err != nil {
			return domain.Return{}, err
		}
	}

	_ = l.bus.Publish(ctx, events.TopicReturnCreated, map[string]any{
		"return_id":     ret.ID,
		"return_number": ret.ReturnNumber,
		"receipt_id":    receipt.ID,
	})
	return ret, nil
}

// Summary derives a shopkeeper's figures from their receipts; after a full
// reconciliation pass TotalPendingCents equals CurrentBalanceCents.
func (l *Ledger) Summary(ctx context.Context, shopkeeperID string) (domain.ShopkeeperSummary, error) {
	shopkeeper, err := local.Get[domain.Shopkeeper](ctx, l.store, domain.CollectionShopkeepers, shopkeeperID)
	if err != nil {
		if errors.Is(err, local.ErrNotFound) {
			return domain.ShopkeeperSummary{}, fmt.Errorf("%w: shopkeeper %s", ErrNotFound, shopkeeperID)
		}
		return domain.ShopkeeperSummary{}, err
	}

	receipts, err := local.GetAll[domain.Receipt](ctx, l.store, domain.CollectionReceipts)
	if err != nil {
		return domain.ShopkeeperSummary{}, err
	}

	summary := domain.ShopkeeperSummary{Shopkeeper: shopkeeper}
	for _, receipt := range receipts {
		if receipt.ShopkeeperID != shopkeeperID {
			continue
		}
		summary.TotalOrders++
		summary.TotalReceivedCents += receipt.AmountReceivedCents
		summary.TotalPendingCents += receipt.PendingCents
	}
	return summary, nil
}

// RepairBalances recomputes every shopkeeper's balance from the summed
// pending amounts of their receipts and rewrites the ones that diverged.
// This is the recovery path when local and remote disagree after a pull;
// neither stale figure is trusted, the receipts are.
func (l *Ledger) RepairBalances(ctx context.Context) (int, error) {
	shopkeepers, err := local.GetAll[domain.Shopkeeper](ctx, l.store, domain.CollectionShopkeepers)
	if err != nil {
		return 0, err
	}
	receipts, err := local.GetAll[domain.Receipt](ctx, l.store, domain.CollectionReceipts)
	if err != nil {
		return 0, err
	}

	pendingByShopkeeper := make(map[string]int64)
	for _, receipt := range receipts {
		pendingByShopkeeper[receipt.ShopkeeperID] += receipt.PendingCents
	}

	repaired := 0
	for _, shopkeeper := range shopkeepers {
		expected := pendingByShopkeeper[shopkeeper.ID]
		if shopkeeper.CurrentBalanceCents == expected {
			continue
		}

		unlock := l.lockShopkeeper(shopkeeper.ID)
		current, err := local.Get[domain.Shopkeeper](ctx, l.store, domain.CollectionShopkeepers, shopkeeper.ID)
		if err != nil {
			unlock()
			return repaired, err
		}
		if current.CurrentBalanceCents != expected {
			log.Printf("[ledger] repairing balance for %s: %d -> %d", current.ID, current.CurrentBalanceCents, expected)
			current.CurrentBalanceCents = expected
			if err := l.store.Save(ctx, domain.CollectionShopkeepers, &current); err != nil {
				unlock()
				return repaired, err
			}
			repaired++
			_ = l.bus.Publish(ctx, events.TopicBalanceUpdated, map[string]any{
				"shopkeeper_id": current.ID,
				"balance_cents": expected,
				"repaired":      true,
			})
		}
		unlock()
	}
	return repaired, nil
}

func (l *Ledger) pendingReceipts(ctx context.Context, shopkeeperID string) ([]domain.Receipt, error) {
	all, err := local.GetAll[domain.Receipt](ctx, l.store, domain.CollectionReceipts)
	if err != nil {
		return nil, err
	}
	pending := make([]domain.Receipt, 0, len(all))
	for _, receipt := range all {
		if receipt.ShopkeeperID == shopkeeperID && receipt.PendingCents > 0 {
			pending = append(pending, receipt)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}

// nextNumber allocates the next zero-padded document number for a
// collection, collision-checked against every number already present
// (including rows pulled from the remote).
func (l *Ledger) nextNumber(ctx context.Context, collection, prefix string) (string, error) {
	raws, err := l.store.GetAll(ctx, collection)
	if err != nil {
		return "", err
	}

	taken := make(map[string]bool, len(raws))
	maxSeen := 0
	for _, raw := range raws {
		number := extractNumber(collection, raw)
		if number == "" {
			continue
		}
		taken[number] = true
		if n, err := strconv.Atoi(strings.TrimPrefix(number, prefix)); err == nil && n > maxSeen {
			maxSeen = n
		}
	}

	next := maxSeen + 1
	for {
		candidate := fmt.Sprintf("%s%03d", prefix, next)
		if !taken[candidate] {
			return candidate, nil
		}
		next++
	}
}

func extractNumber(collection string, raw []byte) string {
	var doc struct {
		ReceiptNumber string `json:"receipt_number"`
		ReturnNumber  string `json:"return_number"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}
	if collection == domain.CollectionReturns {
		return doc.ReturnNumber
	}
	return doc.ReceiptNumber
}
