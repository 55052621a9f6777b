// Package ledger — repository.go работает с таблицами point_balances и ledger_entries.
// Любое изменение баланса идёт через Append внутри транзакции БД.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"serotonyl.ru/points-ledger/internal/common"
	"serotonyl.ru/points-ledger/internal/db/postgres"
)

// ErrDuplicateEntry — запись с такой ссылкой уже есть в журнале.
var ErrDuplicateEntry = errors.New("запись журнала с такой ссылкой уже существует")

// Repository предоставляет методы для работы с журналом и балансами.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository создаёт новый репозиторий журнала.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Append добавляет запись в журнал внутри транзакции tx.
//
// Порядок:
//  1. заводит строку баланса, если её ещё нет;
//  2. блокирует её (FOR UPDATE), тем самым сериализуя записи участника;
//  3. отказывает, если баланс уйдёт ниже нуля;
//  4. вставляет запись с balance_after и обновляет кеш баланса.
func Append(ctx context.Context, tx pgx.Tx, e NewEntry) (*Entry, error) {
	if e.Amount == 0 {
		return nil, fmt.Errorf("сумма записи не может быть нулевой: %w", common.ErrInvalidAmount)
	}
	if !e.Type.Valid() {
		return nil, common.Validationf("неизвестный тип записи %q", e.Type)
	}

	if err := ensureBalanceRow(ctx, tx, e.MemberID); err != nil {
		return nil, err
	}

	var current int64
	err := tx.QueryRow(ctx, `
		SELECT balance FROM point_balances WHERE member_id = $1 FOR UPDATE
	`, e.MemberID).Scan(&current)
	if err != nil {
		return nil, fmt.Errorf("ошибка блокировки баланса (member_id=%d): %w", e.MemberID, err)
	}

	after := current + e.Amount
	if after < 0 {
		return nil, fmt.Errorf("нужно %d, есть %d: %w", -e.Amount, current, common.ErrInsufficientBalance)
	}

	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	var refID *uuid.UUID
	if e.ReferenceID != uuid.Nil {
		refID = &e.ReferenceID
	}

	entry := Entry{
		MemberID:      e.MemberID,
		Type:          e.Type,
		Source:        e.Source,
		Amount:        e.Amount,
		BalanceAfter:  after,
		ReferenceType: e.ReferenceType,
		ReferenceID:   uuid.NullUUID{UUID: e.ReferenceID, Valid: refID != nil},
		Metadata:      metadata,
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO ledger_entries
			(member_id, transaction_type, source, amount, balance_after, reference_type, reference_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`, e.MemberID, string(e.Type), e.Source, e.Amount, after, e.ReferenceType, refID, metadata,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%s/%s member_id=%d: %w", e.ReferenceType, e.ReferenceID, e.MemberID, ErrDuplicateEntry)
		}
		if postgres.IsCheckViolation(err) {
			return nil, fmt.Errorf("balance_after=%d: %w", after, common.ErrInsufficientBalance)
		}
		return nil, fmt.Errorf("ошибка записи в журнал: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE point_balances SET balance = $2, updated_at = NOW() WHERE member_id = $1
	`, e.MemberID, after); err != nil {
		// CHECK (balance >= 0) — последняя линия защиты от ухода в минус
		if postgres.IsCheckViolation(err) {
			return nil, fmt.Errorf("balance=%d: %w", after, common.ErrInsufficientBalance)
		}
		return nil, fmt.Errorf("ошибка обновления баланса: %w", err)
	}

	return &entry, nil
}

func ensureBalanceRow(ctx context.Context, tx pgx.Tx, memberID int64) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO point_balances (member_id, balance) VALUES ($1, 0)
		ON CONFLICT (member_id) DO NOTHING
	`, memberID); err != nil {
		return fmt.Errorf("ошибка создания баланса (member_id=%d): %w", memberID, err)
	}
	return nil
}

// GetBalance возвращает текущий баланс участника (0, если записей нет).
func (r *Repository) GetBalance(ctx context.Context, memberID int64) (int64, error) {
	var balance int64
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(b.balance, 0)
		FROM members m
		LEFT JOIN point_balances b ON b.member_id = m.user_id
		WHERE m.user_id = $1
	`, memberID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("user_id=%d: %w", memberID, common.ErrMemberNotFound)
		}
		return 0, fmt.Errorf("ошибка получения баланса: %w", err)
	}
	return balance, nil
}

// History возвращает страницу выписки и общее число записей под фильтром.
// Порядок — по id: он выдаётся под блокировкой баланса и совпадает
// с порядком balance_after, а created_at — время начала транзакции.
func (r *Repository) History(ctx context.Context, memberID int64, f HistoryFilter) ([]Entry, int64, error) {
	conds := []string{"member_id = $1"}
	args := []interface{}{memberID}

	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Type != "" {
		add("transaction_type = $%d", string(f.Type))
	}
	if f.Source != "" {
		add("source = $%d", f.Source)
	}
	if f.StartDate != nil {
		add("created_at >= $%d", *f.StartDate)
	}
	if f.EndDate != nil {
		add("created_at <= $%d", *f.EndDate)
	}
	where := strings.Join(conds, " AND ")

	var total int64
	if err := r.db.QueryRow(ctx,
		"SELECT COUNT(*) FROM ledger_entries WHERE "+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ошибка подсчёта записей: %w", err)
	}

	args = append(args, f.Page.Size, f.Page.Offset())
	query := fmt.Sprintf(`
		SELECT id, member_id, transaction_type, source, amount, balance_after,
		       reference_type, reference_id, metadata, created_at
		FROM ledger_entries
		WHERE %s
		ORDER BY id DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ошибка получения записей: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, f.Page.Size)
	for rows.Next() {
		var (
			e  Entry
			tt string
		)
		if err := rows.Scan(
			&e.ID, &e.MemberID, &tt, &e.Source, &e.Amount, &e.BalanceAfter,
			&e.ReferenceType, &e.ReferenceID, &e.Metadata, &e.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("ошибка сканирования записи: %w", err)
		}
		e.Type = TransactionType(tt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("ошибка чтения записей: %w", err)
	}
	return entries, total, nil
}

// Audit сверяет кеш балансов с журналом и возвращает расхождения.
// Проверяются три величины: point_balances.balance, сумма записей
// и balance_after последней записи.
func (r *Repository) Audit(ctx context.Context) ([]Divergence, error) {
	rows, err := r.db.Query(ctx, `
		WITH sums AS (
			SELECT member_id, SUM(amount) AS total
			FROM ledger_entries
			GROUP BY member_id
		), last AS (
			SELECT DISTINCT ON (member_id) member_id, balance_after
			FROM ledger_entries
			ORDER BY member_id, id DESC
		)
		SELECT COALESCE(b.member_id, s.member_id) AS member_id,
		       COALESCE(b.balance, 0),
		       COALESCE(s.total, 0)::BIGINT,
		       COALESCE(l.balance_after, 0)
		FROM point_balances b
		FULL OUTER JOIN sums s ON s.member_id = b.member_id
		LEFT JOIN last l ON l.member_id = COALESCE(b.member_id, s.member_id)
		WHERE COALESCE(b.balance, 0) <> COALESCE(s.total, 0)
		   OR COALESCE(s.total, 0) <> COALESCE(l.balance_after, 0)
		ORDER BY member_id
	`)
	if err != nil {
		return nil, fmt.Errorf("ошибка сверки журнала: %w", err)
	}
	defer rows.Close()

	var out []Divergence
	for rows.Next() {
		var d Divergence
		if err := rows.Scan(&d.MemberID, &d.CachedBalance, &d.EntrySum, &d.LastBalanceAfter); err != nil {
			return nil, fmt.Errorf("ошибка сканирования расхождения: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения расхождений: %w", err)
	}
	return out, nil
}
