package purchase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"serotonyl.ru/points-ledger/internal/common"
	"serotonyl.ru/points-ledger/internal/config"
	"serotonyl.ru/points-ledger/internal/features/catalog"
	"serotonyl.ru/points-ledger/internal/features/members"
	"serotonyl.ru/points-ledger/internal/gateway"
)

// memStore — хранилище покупок в памяти с теми же CAS-гарантиями, что и PostgreSQL.
type memStore struct {
	mu        sync.Mutex
	purchases map[string]*Purchase
	credits   map[uuid.UUID]int64
}

func newMemStore() *memStore {
	return &memStore{
		purchases: map[string]*Purchase{},
		credits:   map[uuid.UUID]int64{},
	}
}

func (m *memStore) Create(_ context.Context, p *Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.purchases[p.ExternalReference]; ok {
		return errors.New("duplicate reference")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.UpdatedAt = p.CreatedAt
	p.Status = StatusPending
	cp := clonePurchase(p)
	m.purchases[p.ExternalReference] = cp
	return nil
}

func (m *memStore) AttachCheckout(_ context.Context, id uuid.UUID, handle, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.purchases {
		if p.ID == id && p.Status == StatusPending {
			p.GatewayHandle = handle
			p.CheckoutURL = url
		}
	}
	return nil
}

func (m *memStore) GetByReference(_ context.Context, ref string) (*Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.purchases[ref]
	if !ok {
		return nil, fmt.Errorf("reference %s: %w", ref, common.ErrPurchaseNotFound)
	}
	return clonePurchase(p), nil
}

func (m *memStore) ListByMember(_ context.Context, memberID int64, page common.Page) ([]Purchase, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []Purchase
	for _, p := range m.purchases {
		if p.MemberID == memberID {
			all = append(all, *clonePurchase(p))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := int64(len(all))
	start := page.Offset()
	if start > len(all) {
		start = len(all)
	}
	end := start + page.Size
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

func (m *memStore) ListStalePending(_ context.Context, before time.Time, limit int) ([]Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Purchase
	for _, p := range m.purchases {
		if p.Status == StatusPending && p.CreatedAt.Before(before) {
			out = append(out, *clonePurchase(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) MarkFailed(ctx context.Context, id uuid.UUID, meta map[string]interface{}) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.byID(id)
	if p == nil || p.Status != StatusPending {
		return false, nil
	}
	p.Status = StatusFailed
	for k, v := range meta {
		p.Metadata[k] = v
	}
	return true, nil
}

func (m *memStore) Settle(_ context.Context, in *Purchase, meta map[string]interface{}) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.byID(in.ID)
	if p == nil || p.Status != StatusPending {
		return false, nil
	}
	p.Status = StatusSuccess
	now := time.Now()
	p.CompletedAt = &now
	for k, v := range meta {
		p.Metadata[k] = v
	}
	m.credits[p.ID] += p.PointsAmount
	return true, nil
}

func (m *memStore) byID(id uuid.UUID) *Purchase {
	for _, p := range m.purchases {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (m *memStore) creditCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.credits)
}

func (m *memStore) put(p *Purchase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Metadata == nil {
		p.Metadata = map[string]interface{}{}
	}
	m.purchases[p.ExternalReference] = p
}

func clonePurchase(p *Purchase) *Purchase {
	cp := *p
	cp.Metadata = make(map[string]interface{}, len(p.Metadata))
	for k, v := range p.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

// fakeGateway — управляемая платёжная система.
type fakeGateway struct {
	mu           sync.Mutex
	name         string
	initErr      error
	verification *gateway.Verification
	verifyErr    error
	initCalls    []gateway.InitializeRequest
	verifyCalls  int
	onInit       func(req gateway.InitializeRequest)
}

func (g *fakeGateway) Name() string { return g.name }

func (g *fakeGateway) Initialize(_ context.Context, req gateway.InitializeRequest) (*gateway.Checkout, error) {
	if g.onInit != nil {
		g.onInit(req)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initCalls = append(g.initCalls, req)
	if g.initErr != nil {
		return nil, g.initErr
	}
	return &gateway.Checkout{
		CheckoutURL:    "https://pay.example.com/" + req.Reference,
		ProviderHandle: "handle-" + req.Reference,
	}, nil
}

func (g *fakeGateway) Verify(_ context.Context, _ string) (*gateway.Verification, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifyCalls++
	if g.verifyErr != nil {
		return nil, g.verifyErr
	}
	v := *g.verification
	return &v, nil
}

func (g *fakeGateway) ParseWebhook(http.Header, []byte) (string, error) {
	return "", gateway.ErrIgnoredEvent
}

func (g *fakeGateway) verifyCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.verifyCalls
}

func succeeded(amount int64) *gateway.Verification {
	paid := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return &gateway.Verification{
		Outcome:               gateway.OutcomeSucceeded,
		Amount:                decimal.NewFromInt(amount),
		Currency:              "NGN",
		Channel:               "card",
		PaidAt:                &paid,
		ProviderTransactionID: "tx-1",
		RawStatus:             "success",
	}
}

type fakeMembers map[int64]*members.Member

func (f fakeMembers) Get(_ context.Context, id int64) (*members.Member, error) {
	m, ok := f[id]
	if !ok {
		return nil, fmt.Errorf("user_id=%d: %w", id, common.ErrMemberNotFound)
	}
	return m, nil
}

func (f fakeMembers) EnsureActive(ctx context.Context, id int64) (*members.Member, error) {
	m, err := f.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.IsBanned {
		return nil, common.ErrMemberBanned
	}
	return m, nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (a *recordingAlerter) Alert(_ context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, text)
	return nil
}

func (a *recordingAlerter) last() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.alerts) == 0 {
		return ""
	}
	return a.alerts[len(a.alerts)-1]
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

type testEnv struct {
	svc     *Service
	store   *memStore
	gw      *fakeGateway
	alerter *recordingAlerter
}

func newTestEnv() *testEnv {
	store := newMemStore()
	gw := &fakeGateway{name: "fakepay", verification: succeeded(900)}
	reg, err := gateway.NewRegistry("fakepay", gw)
	if err != nil {
		panic(err)
	}
	cat := catalog.New(catalog.Options{
		Presets:      []config.PresetPackage{{Points: 1000, LocalAmount: 900}},
		ExchangeRate: decimal.RequireFromString("1.33"),
		MinPoints:    1000,
		MaxPoints:    1000000,
		Tolerance:    1,
		Currency:     "NGN",
	})
	dir := fakeMembers{
		1: {UserID: 1, Email: "one@example.com"},
		2: {UserID: 2, Email: "two@example.com"},
		3: {UserID: 3, IsBanned: true},
	}
	alerter := &recordingAlerter{}
	svc := NewService(store, cat, reg, dir, alerter, Options{CallbackURL: "https://app.example.com/done"})
	return &testEnv{svc: svc, store: store, gw: gw, alerter: alerter}
}

// initiatePreset создаёт покупку 1000 баллов за 900 от участника 1.
func (e *testEnv) initiatePreset() (*InitiateResult, error) {
	return e.svc.Initiate(context.Background(), common.Caller{MemberID: 1}, InitiateRequest{
		Mode:         catalog.ModePreset,
		PointsAmount: 1000,
		LocalAmount:  900,
	})
}
