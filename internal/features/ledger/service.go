// Package ledger — service.go содержит правила доступа и проверки
// для чтения журнала и переводов между участниками.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/points-ledger/internal/common"
	"serotonyl.ru/points-ledger/internal/features/members"
)

// MaxReasonLength — максимальная длина причины перевода (в символах).
const MaxReasonLength = 255

// Store — то, что сервису нужно от хранилища журнала.
type Store interface {
	GetBalance(ctx context.Context, memberID int64) (int64, error)
	History(ctx context.Context, memberID int64, f HistoryFilter) ([]Entry, int64, error)
	Transfer(ctx context.Context, p TransferParams) (*Transfer, error)
	Audit(ctx context.Context) ([]Divergence, error)
}

// MemberDirectory — справочник участников.
type MemberDirectory interface {
	Get(ctx context.Context, userID int64) (*members.Member, error)
	EnsureActive(ctx context.Context, userID int64) (*members.Member, error)
}

// Service — операции с баллами от имени вызывающего.
type Service struct {
	store   Store
	members MemberDirectory
}

// NewService создаёт сервис журнала.
func NewService(store Store, members MemberDirectory) *Service {
	return &Service{store: store, members: members}
}

// GetBalance возвращает баланс участника.
func (s *Service) GetBalance(ctx context.Context, caller common.Caller, memberID int64) (*Balance, error) {
	if !caller.CanAccess(memberID) {
		return nil, common.ErrForbidden
	}
	if _, err := s.members.Get(ctx, memberID); err != nil {
		return nil, err
	}

	balance, err := s.store.GetBalance(ctx, memberID)
	if err != nil {
		return nil, err
	}
	return &Balance{MemberID: memberID, Balance: balance}, nil
}

// GetHistory возвращает выписку по участнику, новые записи сверху.
func (s *Service) GetHistory(ctx context.Context, caller common.Caller, memberID int64, f HistoryFilter) (*HistoryPage, error) {
	if !caller.CanAccess(memberID) {
		return nil, common.ErrForbidden
	}
	if f.Type != "" && !f.Type.Valid() {
		return nil, common.Validationf("неизвестный тип %q", f.Type)
	}
	if f.StartDate != nil && f.EndDate != nil && f.StartDate.After(*f.EndDate) {
		return nil, common.Validationf("startDate не может быть позже endDate")
	}
	if f.Page.Number == 0 {
		f.Page = common.Page{Number: 1, Size: common.DefaultPageSize}
	}
	if _, err := s.members.Get(ctx, memberID); err != nil {
		return nil, err
	}

	entries, total, err := s.store.History(ctx, memberID, f)
	if err != nil {
		return nil, err
	}
	return &HistoryPage{
		Entries:  entries,
		Page:     f.Page.Number,
		PageSize: f.Page.Size,
		Total:    total,
	}, nil
}

// Transfer переводит баллы от вызывающего участнику req.ToMemberID.
func (s *Service) Transfer(ctx context.Context, caller common.Caller, req TransferRequest) (*Transfer, error) {
	from := caller.MemberID
	if from == 0 {
		return nil, fmt.Errorf("перевод без отправителя: %w", common.ErrUnauthorized)
	}
	if req.Points <= 0 {
		return nil, fmt.Errorf("points должен быть > 0: %w", common.ErrInvalidAmount)
	}
	if req.ToMemberID == from {
		return nil, common.ErrSelfTransfer
	}
	if req.ToMemberID <= 0 {
		return nil, common.Validationf("toMemberId обязателен")
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, common.Validationf("reason обязателен")
	}
	if utf8.RuneCountInString(reason) > MaxReasonLength {
		return nil, common.Validationf("reason длиннее %d символов", MaxReasonLength)
	}

	if _, err := s.members.EnsureActive(ctx, from); err != nil {
		return nil, err
	}
	if _, err := s.members.EnsureActive(ctx, req.ToMemberID); err != nil {
		return nil, err
	}

	t, err := s.store.Transfer(ctx, TransferParams{
		FromMemberID: from,
		ToMemberID:   req.ToMemberID,
		Points:       req.Points,
		Reason:       reason,
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"transfer_id": t.ID,
		"from":        from,
		"to":          req.ToMemberID,
		"points":      req.Points,
	}).Info("Перевод баллов выполнен")

	return t, nil
}

// Audit возвращает участников, у которых баланс разошёлся с журналом.
func (s *Service) Audit(ctx context.Context) ([]Divergence, error) {
	return s.store.Audit(ctx)
}
