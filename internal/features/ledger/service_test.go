package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"serotonyl.ru/points-ledger/internal/common"
	"serotonyl.ru/points-ledger/internal/features/members"
)

type fakeStore struct {
	balances  map[int64]int64
	transfers []TransferParams
	lastPage  HistoryFilter
}

func (f *fakeStore) GetBalance(_ context.Context, id int64) (int64, error) {
	return f.balances[id], nil
}

func (f *fakeStore) History(_ context.Context, _ int64, hf HistoryFilter) ([]Entry, int64, error) {
	f.lastPage = hf
	return []Entry{}, 0, nil
}

func (f *fakeStore) Transfer(_ context.Context, p TransferParams) (*Transfer, error) {
	if f.balances[p.FromMemberID] < p.Points {
		return nil, common.ErrInsufficientBalance
	}
	f.balances[p.FromMemberID] -= p.Points
	f.balances[p.ToMemberID] += p.Points
	f.transfers = append(f.transfers, p)
	return &Transfer{
		ID:                 uuid.New(),
		FromMemberID:       p.FromMemberID,
		ToMemberID:         p.ToMemberID,
		Points:             p.Points,
		Reason:             p.Reason,
		SenderBalanceAfter: f.balances[p.FromMemberID],
		CreatedAt:          time.Now(),
	}, nil
}

func (f *fakeStore) Audit(context.Context) ([]Divergence, error) { return nil, nil }

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

func newTestService() (*Service, *fakeStore) {
	store := &fakeStore{balances: map[int64]int64{1: 500, 2: 0}}
	dir := fakeMembers{
		1: {UserID: 1},
		2: {UserID: 2},
		3: {UserID: 3, IsBanned: true},
	}
	return NewService(store, dir), store
}

func TestGetBalanceAccess(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	b, err := svc.GetBalance(ctx, common.Caller{MemberID: 1}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Balance != 500 {
		t.Fatalf("expected 500, got %d", b.Balance)
	}

	if _, err := svc.GetBalance(ctx, common.Caller{MemberID: 2}, 1); !errors.Is(err, common.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := svc.GetBalance(ctx, common.Caller{MemberID: 2, IsAdmin: true}, 1); err != nil {
		t.Fatalf("admin should read any balance: %v", err)
	}
	if _, err := svc.GetBalance(ctx, common.Caller{IsAdmin: true}, 42); !errors.Is(err, common.ErrMemberNotFound) {
		t.Fatalf("expected ErrMemberNotFound, got %v", err)
	}
}

func TestGetHistoryValidation(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	caller := common.Caller{MemberID: 1}

	if _, err := svc.GetHistory(ctx, caller, 1, HistoryFilter{Type: "gift"}); !errors.Is(err, common.ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown type, got %v", err)
	}

	start := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := svc.GetHistory(ctx, caller, 1, HistoryFilter{StartDate: &start, EndDate: &end}); !errors.Is(err, common.ErrValidation) {
		t.Fatalf("expected ErrValidation for inverted range, got %v", err)
	}

	page, err := svc.GetHistory(ctx, caller, 1, HistoryFilter{Type: TxPurchase})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.Page != 1 || page.PageSize != common.DefaultPageSize {
		t.Fatalf("expected default paging, got %d/%d", page.Page, page.PageSize)
	}
	if store.lastPage.Type != TxPurchase {
		t.Fatalf("filter not passed to store: %+v", store.lastPage)
	}
}

func TestTransferValidation(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	tests := []struct {
		name    string
		caller  common.Caller
		req     TransferRequest
		wantErr error
	}{
		{"no sender", common.SystemCaller, TransferRequest{ToMemberID: 2, Points: 1, Reason: "x"}, common.ErrUnauthorized},
		{"zero points", common.Caller{MemberID: 1}, TransferRequest{ToMemberID: 2, Points: 0, Reason: "x"}, common.ErrInvalidAmount},
		{"negative points", common.Caller{MemberID: 1}, TransferRequest{ToMemberID: 2, Points: -5, Reason: "x"}, common.ErrInvalidAmount},
		{"self", common.Caller{MemberID: 1}, TransferRequest{ToMemberID: 1, Points: 5, Reason: "x"}, common.ErrSelfTransfer},
		{"empty reason", common.Caller{MemberID: 1}, TransferRequest{ToMemberID: 2, Points: 5, Reason: "  "}, common.ErrValidation},
		{"long reason", common.Caller{MemberID: 1}, TransferRequest{ToMemberID: 2, Points: 5, Reason: strings.Repeat("я", 256)}, common.ErrValidation},
		{"unknown receiver", common.Caller{MemberID: 1}, TransferRequest{ToMemberID: 9, Points: 5, Reason: "x"}, common.ErrMemberNotFound},
		{"banned receiver", common.Caller{MemberID: 1}, TransferRequest{ToMemberID: 3, Points: 5, Reason: "x"}, common.ErrMemberBanned},
		{"banned sender", common.Caller{MemberID: 3}, TransferRequest{ToMemberID: 1, Points: 5, Reason: "x"}, common.ErrMemberBanned},
		{"insufficient", common.Caller{MemberID: 1}, TransferRequest{ToMemberID: 2, Points: 501, Reason: "x"}, common.ErrInsufficientBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Transfer(ctx, tt.caller, tt.req); !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if len(store.transfers) != 0 {
		t.Fatalf("expected no transfers, got %d", len(store.transfers))
	}
}

func TestTransferSuccess(t *testing.T) {
	svc, store := newTestService()

	tr, err := svc.Transfer(context.Background(), common.Caller{MemberID: 1}, TransferRequest{
		ToMemberID: 2,
		Points:     200,
		Reason:     "  за помощь  ",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.SenderBalanceAfter != 300 || store.balances[2] != 200 {
		t.Fatalf("unexpected balances: sender=%d receiver=%d", tr.SenderBalanceAfter, store.balances[2])
	}
	if tr.Reason != "за помощь" {
		t.Fatalf("reason should be trimmed, got %q", tr.Reason)
	}
	// 255 символов кириллицей допустимы
	if _, err := svc.Transfer(context.Background(), common.Caller{MemberID: 1}, TransferRequest{
		ToMemberID: 2, Points: 1, Reason: strings.Repeat("я", 255),
	}); err != nil {
		t.Fatalf("255-char reason rejected: %v", err)
	}
}
