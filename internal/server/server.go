// Package server собирает HTTP API: роутер chi, цепочку middleware
// и http.Server с таймаутами.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/points-ledger/internal/common"
	"serotonyl.ru/points-ledger/internal/config"
	"serotonyl.ru/points-ledger/internal/server/middleware"
)

// Registrar — обработчик фичи, который вешает свои маршруты.
type Registrar interface {
	Register(r chi.Router)
}

// Pinger — зависимость, проверяемая в /health (пул БД, Redis).
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options — всё, из чего собирается роутер.
type Options struct {
	Auth        *middleware.Authenticator
	RateLimiter *middleware.RateLimiter
	Idempotency *middleware.Idempotency

	// Public висят без аутентификации: вебхуки проверяют подпись сами.
	Public []Registrar
	// Protected требуют сервисный токен.
	Protected []Registrar

	Health         map[string]Pinger
	MaxBodyBytes   int64
	AllowedOrigins []string
}

// NewRouter строит роутер API.
func NewRouter(opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Tracing)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type",
			middleware.HeaderMemberID, middleware.HeaderAdminKey, middleware.HeaderIdempotencyKey,
		},
		ExposedHeaders: []string{middleware.HeaderReplayed, "Retry-After"},
		MaxAge:         300,
	}))
	if opts.MaxBodyBytes > 0 {
		r.Use(chimw.RequestSize(opts.MaxBodyBytes))
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		common.WriteJSON(w, http.StatusNotFound, common.Envelope{
			Error: &common.ErrorBody{Code: "not_found", Message: "маршрут не найден"},
		})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		common.WriteJSON(w, http.StatusMethodNotAllowed, common.Envelope{
			Error: &common.ErrorBody{Code: "method_not_allowed", Message: "метод не поддерживается"},
		})
	})

	r.Get("/health", healthHandler(opts.Health))

	for _, reg := range opts.Public {
		reg.Register(r)
	}

	r.Group(func(r chi.Router) {
		if opts.Auth != nil {
			r.Use(opts.Auth.Middleware)
		}
		if opts.RateLimiter != nil {
			r.Use(opts.RateLimiter.Middleware)
		}
		if opts.Idempotency != nil {
			r.Use(opts.Idempotency.Middleware)
		}
		for _, reg := range opts.Protected {
			reg.Register(r)
		}
	})

	return r
}

// New создаёт http.Server с таймаутами из конфигурации.
func New(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}
}

type healthStatus struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func healthHandler(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		res := healthStatus{Status: "ok", Checks: make(map[string]string, len(deps))}
		for name, p := range deps {
			if err := p.Ping(ctx); err != nil {
				log.WithError(err).WithField("dependency", name).Warn("Проверка здоровья не прошла")
				res.Status = "degraded"
				res.Checks[name] = "down"
				continue
			}
			res.Checks[name] = "up"
		}

		if res.Status != "ok" {
			common.WriteJSON(w, http.StatusServiceUnavailable, common.Envelope{Success: false, Data: res})
			return
		}
		common.WriteData(w, http.StatusOK, res)
	}
}
