// Package postgres управляет подключением к базе данных PostgreSQL.
// Используется пул соединений pgxpool: все записи в журнал баллов
// идут через транзакции этого пула.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/points-ledger/internal/config"
)

// NewPool создаёт новый пул соединений к PostgreSQL по конфигурации сервиса.
//
// Пример:
//
//	pool, err := postgres.NewPool(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer pool.Close()
func NewPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return Connect(ctx, cfg.DatabaseDSN(), cfg.DBMaxConns, cfg.DBMinConns)
}

// Connect открывает пул по готовой строке подключения.
// Нулевые maxConns/minConns оставляют значения pgxpool по умолчанию.
func Connect(ctx context.Context, dsn string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга DSN: %w", err)
	}

	if maxConns > 0 {
		poolConfig.MaxConns = maxConns // Максимум соединений
	}
	if minConns > 0 {
		poolConfig.MinConns = minConns // Минимум (держать открытыми)
	}
	poolConfig.MaxConnLifetime = 1 * time.Hour     // Время жизни одного соединения
	poolConfig.MaxConnIdleTime = 30 * time.Minute  // Время простоя до закрытия
	poolConfig.HealthCheckPeriod = 1 * time.Minute // Проверка здоровья соединений

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания пула: %w", err)
	}

	// Проверяем, что база доступна
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("база данных недоступна: %w", err)
	}

	log.WithField("max_conns", poolConfig.MaxConns).Info("Подключение к PostgreSQL установлено")
	return pool, nil
}

// Migrate создаёт таблицу schema_migrations и применяет все миграции по порядку.
// Уже применённые версии пропускаются, поэтому вызывать можно при каждом старте.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("ошибка создания таблицы миграций: %w", err)
	}

	for _, m := range migrations {
		if err := ExecMigrationSQL(ctx, pool, m.version, m.sql); err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"version": m.version,
			"name":    m.name,
		}).Debug("Миграция проверена")
	}

	log.WithField("count", len(migrations)).Info("Миграции применены")
	return nil
}
