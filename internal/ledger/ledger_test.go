package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"hzshop/backend/internal/domain"
	"hzshop/backend/internal/local"
	"hzshop/backend/internal/local/memory"
)

func newTestLedger(t *testing.T) (*Ledger, *memory.Store) {
	t.Helper()
	store := memory.New()
	ledger := New(store, nil)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	ledger.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})
	return ledger, store
}

func seedShopkeeper(t *testing.T, store *memory.Store, id string, balanceCents int64) {
	t.Helper()
	shopkeeper := domain.Shopkeeper{
		Meta:                domain.Meta{ID: id},
		Name:                "Hamza Traders",
		CurrentBalanceCents: balanceCents,
	}
	if err := store.Save(context.Background(), domain.CollectionShopkeepers, &shopkeeper); err != nil {
		t.Fatalf("seed shopkeeper: %v", err)
	}
}

func seedProduct(t *testing.T, store *memory.Store, id string, priceCents int64, stock int) {
	t.Helper()
	product := domain.Product{
		Meta:              domain.Meta{ID: id},
		Name:              "Rice 5kg",
		SellingPriceCents: priceCents,
		CurrentStock:      stock,
		Active:            true,
	}
	if err := store.Save(context.Background(), domain.CollectionProducts, &product); err != nil {
		t.Fatalf("seed product: %v", err)
	}
}

func getShopkeeper(t *testing.T, store *memory.Store, id string) domain.Shopkeeper {
	t.Helper()
	shopkeeper, err := local.Get[domain.Shopkeeper](context.Background(), store, domain.CollectionShopkeepers, id)
	if err != nil {
		t.Fatalf("get shopkeeper: %v", err)
	}
	return shopkeeper
}

func getProduct(t *testing.T, store *memory.Store, id string) domain.Product {
	t.Helper()
	product, err := local.Get[domain.Product](context.Background(), store, domain.CollectionProducts, id)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	return product
}

func TestRecordReceiptOverpaymentClearsOldDebt(t *testing.T) {
	ledger, store := newTestLedger(t)
	seedShopkeeper(t, store, "sk-1", 30000)
	seedProduct(t, store, "p-1", 100000, 10)

	detail, err := ledger.RecordReceipt(context.Background(), domain.ReceiptCreateRequest{
		ShopkeeperID:        "sk-1",
		AmountReceivedCents: 120000,
		Items:               []domain.ReceiptLineRequest{{ProductID: "p-1", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("RecordReceipt: %v", err)
	}

	if detail.Receipt.FinalTotalCents != 100000 {
		t.Fatalf("final total = %d, want 100000", detail.Receipt.FinalTotalCents)
	}
	if detail.Receipt.PendingCents != 0 {
		t.Fatalf("pending = %d, want 0", detail.Receipt.PendingCents)
	}

	// The 200 overpayment settles part of the prior 300 debt.
	shopkeeper := getShopkeeper(t, store, "sk-1")
	if shopkeeper.CurrentBalanceCents != 10000 {
		t.Fatalf("balance = %d, want 10000", shopkeeper.CurrentBalanceCents)
	}
	if shopkeeper.TotalPurchasesCents != 100000 {
		t.Fatalf("total purchases = %d, want 100000", shopkeeper.TotalPurchasesCents)
	}
}

func TestRecordReceiptPartialPaymentAddsPending(t *testing.T) {
	ledger, store := newTestLedger(t)
	seedShopkeeper(t, store, "sk-1", 0)
	seedProduct(t, store, "p-1", 25000, 10)

	detail, err := ledger.RecordReceipt(context.Background(), domain.ReceiptCreateRequest{
		ShopkeeperID:        "sk-1",
		AmountReceivedCents: 20000,
		Items:               []domain.ReceiptLineRequest{{ProductID: "p-1", Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("RecordReceipt: %v", err)
	}

	if detail.Receipt.PendingCents != 30000 {
		t.Fatalf("pending = %d, want 30000", detail.Receipt.PendingCents)
	}
	if got := getShopkeeper(t, store, "sk-1").CurrentBalanceCents; got != 30000 {
		t.Fatalf("balance = %d, want 30000", got)
	}
	if got := getProduct(t, store, "p-1").CurrentStock; got != 8 {
		t.Fatalf("stock = %d, want 8", got)
	}
}

func TestBalanceNeverGoesNegative(t *testing.T) {
	ledger, store := newTestLedger(t)
	seedShopkeeper(t, store, "sk-1", 5000)
	seedProduct(t, store, "p-1", 10000, 10)

	// Overpayment far beyond the existing debt clamps at zero.
	if _, err := ledger.RecordReceipt(context.Background(), domain.ReceiptCreateRequest{
		ShopkeeperID:        "sk-1",
		AmountReceivedCents: 100000,
		Items:               []domain.ReceiptLineRequest{{ProductID: "p-1", Quantity: 1}},
	}); err != nil {
		t.Fatalf("RecordReceipt: %v", err)
	}

	if got := getShopkeeper(t, store, "sk-1").CurrentBalanceCents; got != 0 {
		t.Fatalf("balance = %d, want 0", got)
	}
}

func TestRecordReceiptInsufficientStock(t *testing.T) {
	ledger, store := newTestLedger(t)
	seedShopkeeper(t, store, "sk-1", 0)
	seedProduct(t, store, "p-1", 10000, 2)

	_, err := ledger.RecordReceipt(context.Background(), domain.ReceiptCreateRequest{
		ShopkeeperID: "sk-1",
		Items:        []domain.ReceiptLineRequest{{ProductID: "p-1", Quantity: 3}},
	})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("err = %v, want ErrInsufficientStock", err)
	}
	if got := getProduct(t, store, "p-1").CurrentStock; got != 2 {
		t.Fatalf("stock mutated on rejected receipt: %d", got)
	}
}

func TestRecordReceiptUnknownShopkeeper(t *testing.T) {
	ledger, store := newTestLedger(t)
	seedProduct(t, store, "p-1", 10000, 5)

	_, err := ledger.RecordReceipt(context.Background(), domain.ReceiptCreateRequest{
		ShopkeeperID: "sk-missing",
		Items:        []domain.ReceiptLineRequest{{ProductID: "p-1", Quantity: 1}},
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if got := getProduct(t, store, "p-1").CurrentStock; got != 5 {
		t.Fatalf("stock mutated on rejected receipt: %d", got)
	}
}

func TestReceiptNumbersAreSequential(t *testing.T) {
	ledger, store := newTestLedger(t)
	seedShopkeeper(t, store, "sk-1", 0)
	seedProduct(t, store, "p-1", 10000, 10)

	first, err := ledger.RecordReceipt(context.Background(), domain.ReceiptCreateRequest{
		ShopkeeperID:        "sk-1",
		AmountReceivedCents: 10000,
		Items:               []domain.ReceiptLineRequest{{ProductID: "p-1", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("first receipt: %v", err)
	}
	second, err := ledger.RecordReceipt(context.Background(), domain.ReceiptCreateRequest{
		ShopkeeperID:        "sk-1",
		AmountReceivedCents: 10000,
		Items:               []domain.ReceiptLineRequest{{ProductID: "p-1", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("second receipt: %v", err)
	}

	if first.Receipt.ReceiptNumber != "RCP001" || second.Receipt.ReceiptNumber != "RCP002" {
		t.Fatalf("numbers = %s, %s; want RCP001, RCP002", first.Receipt.ReceiptNumber, second.Receipt.ReceiptNumber)
	}
}

func recordPendingReceipt(t *testing.T, ledger *Ledger, productID string, qty int) domain.Receipt {
	t.Helper()
	detail, err := ledger.RecordReceipt(context.Background(), domain.ReceiptCreateRequest{
		ShopkeeperID: "sk-1",
		Items:        []domain.ReceiptLineRequest{{ProductID: productID, Quantity: qty}},
	})
	if err != nil {
		t.Fatalf("RecordReceipt: %v", err)
	}
	return detail.Receipt
}

func TestPaymentSettlesOldestReceiptsFirst(t *testing.T) {
	ledger, store := newTestLedger(t)
	seedShopkeeper(t, store, "sk-1", 0)
	seedProduct(t, store, "p-a", 50000, 10)
	seedProduct(t, store, "p-b", 30000, 10)

	older := recordPendingReceipt(t, ledger, "p-a", 1) // 500 pending
	newer := recordPendingReceipt(t, ledger, "p-b", 1) // 300 pending

	result, err := ledger.ApplyPayment(context.Background(), "sk-1", 60000)
	if err != nil {
		t.Fatalf("ApplyPayment: %v", err)
	}
	if result.UpdatedReceipts != 2 {
		t.Fatalf("updated receipts = %d, want 2", result.UpdatedReceipts)
	}

	first, err := local.Get[domain.Receipt](context.Background(), store, domain.CollectionReceipts, older.ID)
	if err != nil {
		t.Fatalf("get older receipt: %v", err)
	}
	second, err := local.Get[domain.Receipt](context.Background(), store, domain.CollectionReceipts, newer.ID)
	if err != nil {
		t.Fatalf("get newer receipt: %v", err)
	}

	if first.PendingCents != 0 {
		t.Fatalf("older pending = %d, want 0", first.PendingCents)
	}
	if second.PendingCents != 20000 {
		t.Fatalf("newer pending = %d, want 20000", second.PendingCents)
	}
	if result.NewBalanceCents != 20000 {
		t.Fatalf("balance = %d, want 20000", result.NewBalanceCents)
	}
}

func TestPaymentConservation(t *testing.T) {
	ledger, store := newTestLedger(t)
	seedShopkeeper(t, store, "sk-1", 0)
	seedProduct(t, store, "p-1", 10000, 10)

	first := recordPendingReceipt(t, ledger, "p-1", 1)
	second := recordPendingReceipt(t, ledger, "p-1", 1)

	pendingBefore := int64(20000)
	result, err := ledger.ApplyPayment(context.Background(), "sk-1", 15000)
	if err != nil {
		t.Fatalf("ApplyPayment: %v", err)
	}

	r1, _ := local.Get[domain.Receipt](context.Background(), store, domain.CollectionReceipts, first.ID)
	r2, _ := local.Get[domain.Receipt](context.Background(), store, domain.CollectionReceipts, second.ID)

	// The summed pending drop equals the payment amount exactly.
	if drop := pendingBefore - r1.PendingCents - r2.PendingCents; drop != 15000 {
		t.Fatalf("pending dropped by %d, want 15000", drop)
	}
	if r1.PendingCents != 0 {
		t.Fatalf("first receipt pending = %d, want 0", r1.PendingCents)
	}
	if r2.PendingCents != 5000 {
		t.Fatalf("second receipt pending = %d, want 5000", r2.PendingCents)
	}
	if result.NewBalanceCents != 5000 {
		t.Fatalf("balance = %d, want 5000", result.NewBalanceCents)
	}

	history, err := local.GetAll[domain.PaymentHistoryEntry](context.Background(), store, domain.CollectionPaymentHistory)
	if err != nil {
		t.Fatalf("payment history: %v", err)
	}
	if len(history) != 1 || history[0].AmountCents != 15000 {
		t.Fatalf("history = %+v, want one entry of 15000", history)
	}
}

func TestPaymentExceedingDueIsRejected(t *testing.T) {
	ledger, store := newTestLedger(t)
	seedShopkeeper(t, store, "sk-1", 0)
	seedProduct(t, store, "p-1", 10000, 10)
	receipt := recordPendingReceipt(t, ledger, "p-1", 1)

	_, err := ledger.ApplyPayment(context.Background(), "sk-1", 10001)
	if !errors.Is(err, ErrPaymentExceedsDue) {
		t.Fatalf("err = %v, want ErrPaymentExceedsDue", err)
	}

	// Rejected payments leave receipt and balance untouched.
	after, _ := local.Get[domain.Receipt](context.Background(), store, domain.CollectionReceipts, receipt.ID)
	if after.PendingCents != 10000 {
		t.Fatalf("pending = %d, want 10000", after.PendingCents)
	}
	if got := getShopkeeper(t, store, "sk-1").CurrentBalanceCents; got != 10000 {
		t.Fatalf("balance = %d, want 10000", got)
	}
}

func TestPaymentRejectsNonPositiveAmount(t *testing.T) {
	ledger, store := newTestLedger(t)
	seedShopkeeper(t, store, "sk-1", 0)

	if _, err := ledger.ApplyPayment(context.Background(), "sk-1", 0); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if _, err := ledger.ApplyPayment(context.Background(), "sk-1", -500); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestReturnRestocksWithoutTouchingBalance(t *testing.T) {
	ledger, store := newTestLedger(t)
	seedShopkeeper(t, store, "sk-1", 0)
	seedProduct(t, store, "p-1", 10000, 10)

	detail, err := ledger.RecordReceipt(context.Background(), domain.ReceiptCreateRequest{
		ShopkeeperID:        "sk-1",
		AmountReceivedCents: 20000,
		Items:               []domain.ReceiptLineRequest{{ProductID: "p-1", Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("RecordReceipt: %v", err)
	}
	balanceBefore := getShopkeeper(t, store, "sk-1").CurrentBalanceCents

	ret, err := ledger.CreateReturn(context.Background(), domain.ReturnCreateRequest{
		OriginalReceiptID: detail.Receipt.ID,
		Reason:            "damaged",
		Items:             []domain.ReturnLine{{ProductID: "p-1", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("CreateReturn: %v", err)
	}

	if ret.ReturnNumber != "RET001" {
		t.Fatalf("return number = %s, want RET001", ret.ReturnNumber)
	}
	if ret.TotalAmountCents != 10000 {
		t.Fatalf("return total = %d, want 10000", ret.TotalAmountCents)
	}
	if got := getProduct(t, store, "p-1").CurrentStock; got != 9 {
		t.Fatalf("stock = %d, want 9 after restock", got)
	}
	if got := getShopkeeper(t, store, "sk-1").CurrentBalanceCents; got != balanceBefore {
		t.Fatalf("balance changed on return: %d -> %d", balanceBefore, got)
	}
}

func TestReturnQuantityCappedAcrossReturns(t *testing.T) {
	ledger, store := newTestLedger(t)
	seedShopkeeper(t, store, "sk-1", 0)
	seedProduct(t, store, "p-1", 10000, 10)

	detail, err := ledger.RecordReceipt(context.Background(), domain.ReceiptCreateRequest{
		ShopkeeperID:        "sk-1",
		AmountReceivedCents: 30000,
		Items:               []domain.ReceiptLineRequest{{ProductID: "p-1", Quantity: 3}},
	})
	if err != nil {
		t.Fatalf("RecordReceipt: %v", err)
	}

	if _, err := ledger.CreateReturn(context.Background(), domain.ReturnCreateRequest{
		OriginalReceiptID: detail.Receipt.ID,
		Items:             []domain.ReturnLine{{ProductID: "p-1", Quantity: 2}},
	}); err != nil {
		t.Fatalf("first return: %v", err)
	}

	// 2 already returned, only 1 of 3 remains returnable.
	_, err = ledger.CreateReturn(context.Background(), domain.ReturnCreateRequest{
		OriginalReceiptID: detail.Receipt.ID,
		Items:             []domain.ReturnLine{{ProductID: "p-1", Quantity: 2}},
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestReturnRequiresExistingReceipt(t *testing.T) {
	ledger, _ := newTestLedger(t)

	_, err := ledger.CreateReturn(context.Background(), domain.ReturnCreateRequest{
		OriginalReceiptID: "rcpt-missing",
		Items:             []domain.ReturnLine{{ProductID: "p-1", Quantity: 1}},
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRepairBalancesFromReceipts(t *testing.T) {
	ledger, store := newTestLedger(t)
	seedShopkeeper(t, store, "sk-1", 0)
	seedProduct(t, store, "p-1", 10000, 10)
	recordPendingReceipt(t, ledger, "p-1", 1)

	// Simulate a diverged balance arriving from the remote.
	shopkeeper := getShopkeeper(t, store, "sk-1")
	shopkeeper.CurrentBalanceCents = 99900
	raw, err := json.Marshal(&shopkeeper)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := store.ApplyRemote(context.Background(), domain.CollectionShopkeepers, "sk-1", raw); err != nil {
		t.Fatalf("ApplyRemote: %v", err)
	}

	repaired, err := ledger.RepairBalances(context.Background())
	if err != nil {
		t.Fatalf("RepairBalances: %v", err)
	}
	if repaired != 1 {
		t.Fatalf("repaired = %d, want 1", repaired)
	}
	if got := getShopkeeper(t, store, "sk-1").CurrentBalanceCents; got != 10000 {
		t.Fatalf("balance = %d, want 10000", got)
	}
}

func TestSummaryAggregatesReceipts(t *testing.T) {
	ledger, store := newTestLedger(t)
	seedShopkeeper(t, store, "sk-1", 0)
	seedProduct(t, store, "p-1", 10000, 10)

	recordPendingReceipt(t, ledger, "p-1", 1)
	if _, err := ledger.RecordReceipt(context.Background(), domain.ReceiptCreateRequest{
		ShopkeeperID:        "sk-1",
		AmountReceivedCents: 10000,
		Items:               []domain.ReceiptLineRequest{{ProductID: "p-1", Quantity: 1}},
	}); err != nil {
		t.Fatalf("RecordReceipt: %v", err)
	}

	summary, err := ledger.Summary(context.Background(), "sk-1")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.TotalOrders != 2 {
		t.Fatalf("orders = %d, want 2", summary.TotalOrders)
	}
	if summary.TotalPendingCents != 10000 {
		t.Fatalf("pending = %d, want 10000", summary.TotalPendingCents)
	}
	if summary.TotalReceivedCents != 10000 {
		t.Fatalf("received = %d, want 10000", summary.TotalReceivedCents)
	}
}
