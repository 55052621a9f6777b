// Package pgtest поднимает чистую базу для интеграционных тестов.
// Без переменной DATABASE_URL тесты пропускаются.
package pgtest

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"serotonyl.ru/points-ledger/internal/db/postgres"
)

// LockKey — ключ advisory-блокировки, которой тесты разных пакетов
// делят одну базу: go test запускает бинарники пакетов параллельно.
const LockKey int64 = 0x706f696e7473 // "points"

// lockWait — сколько ждать, пока тест другого пакета отпустит базу.
const lockWait = 5 * time.Minute

// Open подключается к DATABASE_URL, захватывает базу на время теста,
// применяет миграции и очищает таблицы.
// Пул и блокировка освобождаются автоматически по окончании теста.
func Open(t testing.TB) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is not set")
	}

	lock(t, dsn)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := postgres.Connect(ctx, dsn, 20, 0)
	if err != nil {
		t.Fatalf("db connection: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := postgres.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := pool.Exec(ctx,
		`TRUNCATE ledger_entries, purchases, point_balances, members RESTART IDENTITY CASCADE`,
	); err != nil {
		t.Fatalf("reset db: %v", err)
	}
	return pool
}

// lock держит pg_advisory_lock на отдельном соединении до конца теста.
// Cleanup регистрируется первым и потому выполняется последним,
// уже после закрытия пула.
func lock(t testing.TB, dsn string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), lockWait)
	defer cancel()

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("lock connection: %v", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, LockKey); err != nil {
		_ = conn.Close(context.Background())
		t.Fatalf("acquire test lock: %v", err)
	}

	t.Cleanup(func() {
		ctx := context.Background()
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, LockKey); err != nil {
			t.Logf("release test lock: %v", err)
		}
		_ = conn.Close(ctx)
	})
}

// SeedMember создаёт участника с начальным балансом.
// Баланс заводится записью award, чтобы сумма записей совпадала с кешем.
func SeedMember(t testing.TB, pool *pgxpool.Pool, userID, balance int64) {
	t.Helper()
	ctx := context.Background()

	if _, err := pool.Exec(ctx,
		`INSERT INTO members (user_id, username, email) VALUES ($1, $2, $3)`,
		userID, "member"+strconv.FormatInt(userID, 10), "member"+strconv.FormatInt(userID, 10)+"@example.com",
	); err != nil {
		t.Fatalf("seed member: %v", err)
	}
	if _, err := pool.Exec(ctx,
		`INSERT INTO point_balances (member_id, balance) VALUES ($1, $2)`, userID, balance,
	); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	if balance > 0 {
		if _, err := pool.Exec(ctx, `
			INSERT INTO ledger_entries (member_id, transaction_type, source, amount, balance_after)
			VALUES ($1, 'award', 'seed', $2, $2)
		`, userID, balance); err != nil {
			t.Fatalf("seed entry: %v", err)
		}
	}
}

// BanMember выставляет флаг бана.
func BanMember(t testing.TB, pool *pgxpool.Pool, userID int64) {
	t.Helper()
	if _, err := pool.Exec(context.Background(),
		`UPDATE members SET is_banned = TRUE WHERE user_id = $1`, userID,
	); err != nil {
		t.Fatalf("ban member: %v", err)
	}
}

// Balance читает кешированный баланс.
func Balance(t testing.TB, pool *pgxpool.Pool, userID int64) int64 {
	t.Helper()
	var balance int64
	if err := pool.QueryRow(context.Background(),
		`SELECT balance FROM point_balances WHERE member_id = $1`, userID,
	).Scan(&balance); err != nil {
		t.Fatalf("get balance: %v", err)
	}
	return balance
}

// LedgerSummary возвращает число записей и их сумму по участнику.
func LedgerSummary(t testing.TB, pool *pgxpool.Pool, userID int64) (count, sum int64) {
	t.Helper()
	if err := pool.QueryRow(context.Background(),
		`SELECT COUNT(*), COALESCE(SUM(amount), 0)::BIGINT FROM ledger_entries WHERE member_id = $1`, userID,
	).Scan(&count, &sum); err != nil {
		t.Fatalf("ledger summary: %v", err)
	}
	return count, sum
}
