// Package members — service.go проверяет участников перед денежными операциями.
package members

import (
	"context"
	"fmt"

	"serotonyl.ru/points-ledger/internal/common"
)

// Store — то, что сервису нужно от хранилища.
type Store interface {
	GetByUserID(ctx context.Context, userID int64) (*Member, error)
}

// Service — справочник участников в режиме только для чтения.
type Service struct {
	repo Store
}

// NewService создаёт новый сервис участников.
func NewService(repo Store) *Service {
	return &Service{repo: repo}
}

// Get возвращает участника или common.ErrMemberNotFound.
func (s *Service) Get(ctx context.Context, userID int64) (*Member, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("user_id=%d: %w", userID, common.ErrMemberNotFound)
	}
	return s.repo.GetByUserID(ctx, userID)
}

// EnsureActive возвращает участника, если он существует и не забанен.
func (s *Service) EnsureActive(ctx context.Context, userID int64) (*Member, error) {
	m, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if m.IsBanned {
		return nil, fmt.Errorf("user_id=%d: %w", userID, common.ErrMemberBanned)
	}
	return m, nil
}
