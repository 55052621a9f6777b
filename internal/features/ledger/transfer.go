package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"serotonyl.ru/points-ledger/internal/db/postgres"
)

// TransferParams — уже проверенный сервисом перевод.
type TransferParams struct {
	FromMemberID int64
	ToMemberID   int64
	Points       int64
	Reason       string
}

// Transfer переводит баллы между участниками одной транзакцией:
// transfer_out у отправителя и transfer_in у получателя, обе или ни одной.
// Строки балансов блокируются по возрастанию member_id, чтобы встречные
// переводы не взаимоблокировались.
func (r *Repository) Transfer(ctx context.Context, p TransferParams) (*Transfer, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("ошибка генерации id перевода: %w", err)
	}

	var result *Transfer
	err = postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		if err := lockPair(ctx, tx, p.FromMemberID, p.ToMemberID); err != nil {
			return err
		}

		out, err := Append(ctx, tx, NewEntry{
			MemberID:      p.FromMemberID,
			Type:          TxTransferOut,
			Source:        SourceTransfer,
			Amount:        -p.Points,
			ReferenceType: RefTransfer,
			ReferenceID:   id,
			Metadata: map[string]interface{}{
				"reason":         p.Reason,
				"counterpartyId": p.ToMemberID,
			},
		})
		if err != nil {
			return err
		}

		if _, err := Append(ctx, tx, NewEntry{
			MemberID:      p.ToMemberID,
			Type:          TxTransferIn,
			Source:        SourceTransfer,
			Amount:        p.Points,
			ReferenceType: RefTransfer,
			ReferenceID:   id,
			Metadata: map[string]interface{}{
				"reason":         p.Reason,
				"counterpartyId": p.FromMemberID,
			},
		}); err != nil {
			return err
		}

		result = &Transfer{
			ID:                 id,
			FromMemberID:       p.FromMemberID,
			ToMemberID:         p.ToMemberID,
			Points:             p.Points,
			Reason:             p.Reason,
			SenderBalanceAfter: out.BalanceAfter,
			CreatedAt:          out.CreatedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// lockPair заводит и блокирует строки балансов двух участников
// строго по возрастанию member_id.
func lockPair(ctx context.Context, tx pgx.Tx, a, b int64) error {
	if a > b {
		a, b = b, a
	}
	for _, id := range []int64{a, b} {
		if err := ensureBalanceRow(ctx, tx, id); err != nil {
			return err
		}
	}
	rows, err := tx.Query(ctx, `
		SELECT member_id FROM point_balances
		WHERE member_id = ANY($1)
		ORDER BY member_id
		FOR UPDATE
	`, []int64{a, b})
	if err != nil {
		return fmt.Errorf("ошибка блокировки балансов: %w", err)
	}
	rows.Close()
	return rows.Err()
}
