package purchase_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"serotonyl.ru/points-ledger/internal/common"
	"serotonyl.ru/points-ledger/internal/db/postgres/pgtest"
	"serotonyl.ru/points-ledger/internal/features/catalog"
	"serotonyl.ru/points-ledger/internal/features/purchase"
)

func newPurchase(t *testing.T, memberID int64) *purchase.Purchase {
	t.Helper()
	ref, err := purchase.NewReference()
	if err != nil {
		t.Fatalf("reference: %v", err)
	}
	return &purchase.Purchase{
		ID:                uuid.New(),
		MemberID:          memberID,
		PackageMode:       catalog.ModePreset,
		PointsAmount:      1000,
		LocalAmount:       900,
		ExchangeRate:      decimal.RequireFromString("1.1111"),
		Currency:          "NGN",
		ExternalReference: ref,
		PaymentMethod:     "paystack",
	}
}

func TestRepositoryCreateAndRead(t *testing.T) {
	pool := pgtest.Open(t)
	pgtest.SeedMember(t, pool, 1, 0)
	repo := purchase.NewRepository(pool)
	ctx := context.Background()

	p := newPurchase(t, 1)
	if err := repo.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.AttachCheckout(ctx, p.ID, "access", "https://checkout/x"); err != nil {
		t.Fatalf("attach: %v", err)
	}

	got, err := repo.GetByReference(ctx, p.ExternalReference)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != purchase.StatusPending || got.GatewayHandle != "access" || !got.ExchangeRate.Equal(p.ExchangeRate) {
		t.Fatalf("unexpected purchase: %+v", got)
	}

	if err := repo.Create(ctx, p); err == nil {
		t.Fatalf("expected duplicate reference error")
	}
	if _, err := repo.GetByReference(ctx, "PTS-missing"); !errors.Is(err, common.ErrPurchaseNotFound) {
		t.Fatalf("expected ErrPurchaseNotFound, got %v", err)
	}
}

func TestRepositorySettleOnce(t *testing.T) {
	pool := pgtest.Open(t)
	pgtest.SeedMember(t, pool, 1, 0)
	repo := purchase.NewRepository(pool)
	ctx := context.Background()

	p := newPurchase(t, 1)
	if err := repo.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	const workers = 10
	var (
		wg       sync.WaitGroup
		credited int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.Settle(ctx, p, map[string]interface{}{"providerStatus": "success"})
			if err != nil {
				t.Errorf("settle: %v", err)
				return
			}
			if ok {
				atomic.AddInt32(&credited, 1)
			}
		}()
	}
	wg.Wait()

	if credited != 1 {
		t.Fatalf("expected exactly one credit, got %d", credited)
	}
	if b := pgtest.Balance(t, pool, 1); b != 1000 {
		t.Fatalf("expected balance 1000, got %d", b)
	}
	if count, sum := pgtest.LedgerSummary(t, pool, 1); count != 1 || sum != 1000 {
		t.Fatalf("expected one entry of 1000, got %d/%d", count, sum)
	}

	got, _ := repo.GetByReference(ctx, p.ExternalReference)
	if got.Status != purchase.StatusSuccess || got.CompletedAt == nil || got.Metadata["providerStatus"] != "success" {
		t.Fatalf("unexpected purchase after settle: %+v", got)
	}

	if changed, err := repo.MarkFailed(ctx, p.ID, map[string]interface{}{"failureReason": "late"}); err != nil || changed {
		t.Fatalf("settled purchase must not flip to failed (changed=%v, err=%v)", changed, err)
	}
}

func TestRepositoryFailedIsTerminal(t *testing.T) {
	pool := pgtest.Open(t)
	pgtest.SeedMember(t, pool, 1, 0)
	repo := purchase.NewRepository(pool)
	ctx := context.Background()

	p := newPurchase(t, 1)
	if err := repo.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if changed, err := repo.MarkFailed(ctx, p.ID, map[string]interface{}{"failureReason": "payment_failed"}); err != nil || !changed {
		t.Fatalf("mark failed: changed=%v err=%v", changed, err)
	}
	if ok, err := repo.Settle(ctx, p, nil); err != nil || ok {
		t.Fatalf("failed purchase must not settle (ok=%v, err=%v)", ok, err)
	}
	if b := pgtest.Balance(t, pool, 1); b != 0 {
		t.Fatalf("expected balance 0, got %d", b)
	}
}

func TestRepositoryListings(t *testing.T) {
	pool := pgtest.Open(t)
	pgtest.SeedMember(t, pool, 1, 0)
	repo := purchase.NewRepository(pool)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := repo.Create(ctx, newPurchase(t, 1)); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	items, total, err := repo.ListByMember(ctx, 1, common.Page{Number: 1, Size: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(items) != 2 {
		t.Fatalf("unexpected page: total=%d len=%d", total, len(items))
	}

	stale, err := repo.ListStalePending(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("stale: %v", err)
	}
	if len(stale) != 3 {
		t.Fatalf("expected 3 stale, got %d", len(stale))
	}
	stale, _ = repo.ListStalePending(ctx, time.Now().Add(-time.Hour), 10)
	if len(stale) != 0 {
		t.Fatalf("expected none older than an hour, got %d", len(stale))
	}
}
