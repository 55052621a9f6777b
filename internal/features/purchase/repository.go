// Package purchase — repository.go работает с таблицей purchases.
// Каждый переход статуса — условный UPDATE ... WHERE status = 'pending'.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"serotonyl.ru/points-ledger/internal/common"
	"serotonyl.ru/points-ledger/internal/db/postgres"
	"serotonyl.ru/points-ledger/internal/features/catalog"
	"serotonyl.ru/points-ledger/internal/features/ledger"
)

const purchaseColumns = `
	id, member_id, package_mode, points_amount, local_amount, exchange_rate::TEXT,
	currency, external_reference, gateway_handle, checkout_url, status,
	payment_method, metadata, completed_at, created_at, updated_at
`

// Repository предоставляет методы для работы с покупками.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository создаёт новый репозиторий покупок.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Create записывает покупку в статусе pending.
func (r *Repository) Create(ctx context.Context, p *Purchase) error {
	if p.Metadata == nil {
		p.Metadata = map[string]interface{}{}
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO purchases
			(id, member_id, package_mode, points_amount, local_amount, exchange_rate,
			 currency, external_reference, status, payment_method, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', $9, $10)
		RETURNING created_at, updated_at
	`, p.ID, p.MemberID, string(p.PackageMode), p.PointsAmount, p.LocalAmount, p.ExchangeRate.String(),
		p.Currency, p.ExternalReference, p.PaymentMethod, p.Metadata,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("reference %s уже существует: %w", p.ExternalReference, err)
		}
		return fmt.Errorf("ошибка создания покупки: %w", err)
	}
	p.Status = StatusPending
	return nil
}

// AttachCheckout сохраняет данные чекаута, пока покупка ещё pending.
func (r *Repository) AttachCheckout(ctx context.Context, id uuid.UUID, handle, checkoutURL string) error {
	if _, err := r.db.Exec(ctx, `
		UPDATE purchases
		SET gateway_handle = $2, checkout_url = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id, handle, checkoutURL); err != nil {
		return fmt.Errorf("ошибка сохранения чекаута: %w", err)
	}
	return nil
}

// GetByReference ищет покупку по внешней ссылке.
func (r *Repository) GetByReference(ctx context.Context, reference string) (*Purchase, error) {
	row := r.db.QueryRow(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE external_reference = $1`, reference)
	p, err := scanPurchase(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("reference %s: %w", reference, common.ErrPurchaseNotFound)
		}
		return nil, fmt.Errorf("ошибка чтения покупки: %w", err)
	}
	return p, nil
}

// ListByMember возвращает покупки участника, новые сверху.
func (r *Repository) ListByMember(ctx context.Context, memberID int64, page common.Page) ([]Purchase, int64, error) {
	var total int64
	if err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM purchases WHERE member_id = $1`, memberID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ошибка подсчёта покупок: %w", err)
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+purchaseColumns+`
		FROM purchases
		WHERE member_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, memberID, page.Size, page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("ошибка получения покупок: %w", err)
	}
	out, err := collectPurchases(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// ListStalePending возвращает pending-покупки, созданные раньше before.
func (r *Repository) ListStalePending(ctx context.Context, before time.Time, limit int) ([]Purchase, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+purchaseColumns+`
		FROM purchases
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска зависших покупок: %w", err)
	}
	return collectPurchases(rows)
}

// MarkFailed переводит покупку pending → failed и дописывает причину в metadata.
// false — покупка уже была в терминальном статусе.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, meta map[string]interface{}) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE purchases
		SET status = 'failed', metadata = metadata || $2::jsonb,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id, meta)
	if err != nil {
		return false, fmt.Errorf("ошибка перевода покупки в failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Settle в одной транзакции переводит покупку в success и начисляет баллы.
// Если покупку уже кто-то завершил, ничего не меняет и возвращает false.
func (r *Repository) Settle(ctx context.Context, p *Purchase, meta map[string]interface{}) (bool, error) {
	credited := false
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE purchases
			SET status = 'success', metadata = metadata || $2::jsonb,
			    completed_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND status = 'pending'
		`, p.ID, meta)
		if err != nil {
			return fmt.Errorf("ошибка завершения покупки: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		if _, err := ledger.Append(ctx, tx, ledger.NewEntry{
			MemberID:      p.MemberID,
			Type:          ledger.TxPurchase,
			Source:        ledger.SourcePayment,
			Amount:        p.PointsAmount,
			ReferenceType: ledger.RefPurchase,
			ReferenceID:   p.ID,
			Metadata: map[string]interface{}{
				"reference":     p.ExternalReference,
				"paymentMethod": p.PaymentMethod,
				"localAmount":   p.LocalAmount,
				"currency":      p.Currency,
			},
		}); err != nil {
			return err
		}
		credited = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return credited, nil
}

func scanPurchase(row pgx.Row) (*Purchase, error) {
	var (
		p      Purchase
		mode   string
		status string
		rate   string
	)
	if err := row.Scan(
		&p.ID, &p.MemberID, &mode, &p.PointsAmount, &p.LocalAmount, &rate,
		&p.Currency, &p.ExternalReference, &p.GatewayHandle, &p.CheckoutURL, &status,
		&p.PaymentMethod, &p.Metadata, &p.CompletedAt, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	d, err := decimal.NewFromString(rate)
	if err != nil {
		return nil, fmt.Errorf("некорректный exchange_rate %q: %w", rate, err)
	}
	p.ExchangeRate = d
	p.PackageMode = catalog.Mode(mode)
	p.Status = Status(status)
	return &p, nil
}

func collectPurchases(rows pgx.Rows) ([]Purchase, error) {
	defer rows.Close()

	out := []Purchase{}
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования покупки: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения покупок: %w", err)
	}
	return out, nil
}
