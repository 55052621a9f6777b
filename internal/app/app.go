// Package app инициализирует все компоненты приложения.
// app.go — точка сборки: создаёт БД-пул, кеш, платёжные адаптеры,
// репозитории, сервисы, обработчики и HTTP-сервер.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/points-ledger/internal/cache"
	"serotonyl.ru/points-ledger/internal/common"
	"serotonyl.ru/points-ledger/internal/config"
	"serotonyl.ru/points-ledger/internal/db/postgres"
	"serotonyl.ru/points-ledger/internal/features/catalog"
	"serotonyl.ru/points-ledger/internal/features/ledger"
	"serotonyl.ru/points-ledger/internal/features/members"
	"serotonyl.ru/points-ledger/internal/features/purchase"
	"serotonyl.ru/points-ledger/internal/gateway"
	"serotonyl.ru/points-ledger/internal/jobs"
	"serotonyl.ru/points-ledger/internal/notify"
	"serotonyl.ru/points-ledger/internal/server"
	"serotonyl.ru/points-ledger/internal/server/middleware"
	"serotonyl.ru/points-ledger/internal/tracing"
)

// App содержит все компоненты приложения.
type App struct {
	Config    *config.Config
	DB        *pgxpool.Pool
	Cache     cache.Cache
	Server    *http.Server
	Scheduler *jobs.Scheduler

	Ledger    *ledger.Service
	Purchases *purchase.Service

	limiter         *middleware.RateLimiter
	redis           *cache.RedisCache
	memCache        *cache.InMemoryCache
	shutdownTracing func(context.Context) error
}

// New создаёт и инициализирует приложение.
// Порядок инициализации важен — компоненты зависят друг от друга.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}
	loc := common.LoadLocation(cfg.AppTimezone)

	// === 1. Трассировка ===
	shutdown, err := tracing.Init(ctx, tracing.ConfigFrom(cfg))
	if err != nil {
		return nil, err
	}
	a.shutdownTracing = shutdown

	// === 2. База данных ===
	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("ошибка подключения к БД: %w", err)
	}
	a.DB = pool

	if err := postgres.Migrate(ctx, pool); err != nil {
		a.Close()
		return nil, fmt.Errorf("ошибка миграций: %w", err)
	}

	// === 3. Кеш идемпотентности ===
	health := map[string]server.Pinger{"postgres": pool}
	if cfg.RedisAddr != "" {
		rc, err := cache.NewRedisCache(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = rc
		a.Cache = rc
		health["redis"] = rc
		log.WithField("addr", cfg.RedisAddr).Info("Кеш идемпотентности: Redis")
	} else {
		a.memCache = cache.NewInMemoryCache()
		a.Cache = a.memCache
		log.Warn("REDIS_ADDR не задан, кеш идемпотентности в памяти процесса")
	}

	// === 4. Внешние системы ===
	gateways, err := gateway.FromConfig(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	alerts, err := notify.FromConfig(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	// === 5. Репозитории ===
	memberRepo := members.NewRepository(pool)
	ledgerRepo := ledger.NewRepository(pool)
	purchaseRepo := purchase.NewRepository(pool)

	// === 6. Сервисы ===
	memberService := members.NewService(memberRepo)
	cat := catalog.New(catalog.OptionsFromConfig(cfg))
	a.Ledger = ledger.NewService(ledgerRepo, memberService)
	a.Purchases = purchase.NewService(purchaseRepo, cat, gateways, memberService, alerts, purchase.Options{
		CallbackURL: cfg.PaymentCallbackURL,
		Timezone:    loc,
	})

	// === 7. HTTP ===
	a.limiter = middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)
	router := server.NewRouter(server.Options{
		Auth:        middleware.NewAuthenticator(cfg.ServiceToken, cfg.AdminKeyHash),
		RateLimiter: a.limiter,
		Idempotency: middleware.NewIdempotency(a.Cache, cfg.IdempotencyTTL),
		Public: []server.Registrar{
			purchase.NewWebhookHandler(a.Purchases, gateways),
		},
		Protected: []server.Registrar{
			catalog.NewHandler(cat),
			ledger.NewHandler(a.Ledger),
			purchase.NewHandler(a.Purchases),
		},
		Health:         health,
		MaxBodyBytes:   cfg.MaxRequestBodyBytes,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	})
	a.Server = server.New(cfg, router)

	// === 8. Планировщик задач ===
	a.Scheduler = jobs.NewScheduler(a.Purchases, a.Ledger, alerts, jobs.Options{
		RecheckAfter: cfg.PendingRecheckAfter,
		ExpireAfter:  cfg.PendingExpireAfter,
		BatchSize:    cfg.PendingBatchSize,
		Location:     loc,
	})

	log.WithFields(log.Fields{
		"provider":  gateways.Default().Name(),
		"providers": gateways.Names(),
		"currency":  cat.Currency(),
	}).Info("Приложение собрано")

	return a, nil
}

// Run запускает HTTP-сервер и планировщик и блокируется до отмены ctx.
func (a *App) Run(ctx context.Context) error {
	if a.Config.JobsEnabled {
		if err := a.Scheduler.Start(ctx); err != nil {
			return err
		}
		defer a.Scheduler.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", a.Server.Addr).Info("HTTP-сервер запущен")
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.HTTPShutdownTimeout)
	defer cancel()
	log.Info("Останавливаем HTTP-сервер...")
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка остановки HTTP-сервера: %w", err)
	}
	return nil
}

// Close освобождает ресурсы. Безопасно вызывать на частично собранном App.
func (a *App) Close() {
	if a.limiter != nil {
		a.limiter.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.WithError(err).Warn("Ошибка закрытия Redis")
		}
	}
	if a.memCache != nil {
		_ = a.memCache.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
	if a.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdownTracing(ctx); err != nil {
			log.WithError(err).Warn("Ошибка остановки трассировки")
		}
	}
}
