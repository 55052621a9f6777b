// Package config загружает конфигурацию сервиса из переменных окружения.
// Используется envconfig для маппинга переменных окружения на поля структуры.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

// Поддерживаемые платёжные системы
const (
	ProviderPaystack    = "paystack"
	ProviderFlutterwave = "flutterwave"
)

// PresetPackage — один готовый пакет из CATALOG_PRESETS.
type PresetPackage struct {
	Points      int64 // Сколько баллов получит покупатель
	LocalAmount int64 // Цена в местной валюте (целые единицы)
}

// Config содержит ВСЕ настройки приложения.
type Config struct {
	// --- HTTP ---
	HTTPAddr            string        `envconfig:"HTTP_ADDR" default:":8080"`
	HTTPReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"10s"`
	HTTPWriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"45s"`
	HTTPShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"15s"`
	MaxRequestBodyBytes int64         `envconfig:"MAX_REQUEST_BODY_BYTES" default:"1048576"`
	CORSAllowedOrigins  []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`

	// --- Auth ---
	// Общий секрет с шлюзом аутентификации, который проксирует запросы участников.
	ServiceToken string `envconfig:"SERVICE_TOKEN" required:"true"`
	// Argon2id-хеш ключа администратора (генерируется командой pointsd hash-key).
	AdminKeyHash string `envconfig:"ADMIN_KEY_HASH"`

	// --- Database ---
	// В Docker внутри контейнера "localhost" почти всегда неправильно.
	// Дефолт ставим "postgres" (имя сервиса в docker-compose), а для локалки переопределяй DB_HOST=localhost.
	DBHost     string `envconfig:"DB_HOST" default:"postgres"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"points"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" default:"points_ledger"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
	DBMaxConns int32  `envconfig:"DB_MAX_CONNS" default:"25"`
	DBMinConns int32  `envconfig:"DB_MIN_CONNS" default:"5"`

	// --- Application ---
	AppEnv      string `envconfig:"APP_ENV" default:"development"`
	AppLogLevel string `envconfig:"APP_LOG_LEVEL" default:"debug"`
	AppTimezone string `envconfig:"APP_TIMEZONE" default:"Europe/Moscow"`

	// --- Catalog ---
	CatalogPresetsRaw      string          `envconfig:"CATALOG_PRESETS" default:"1000:900,5000:4400,10000:8500,25000:20000"`
	CatalogPresets         []PresetPackage `envconfig:"-"` // заполним вручную
	CatalogExchangeRateRaw string          `envconfig:"CATALOG_EXCHANGE_RATE" default:"1.33"`
	CatalogExchangeRate    decimal.Decimal `envconfig:"-"`
	CatalogCustomMinPoints int64           `envconfig:"CATALOG_CUSTOM_MIN_POINTS" default:"1000"`
	CatalogCustomMaxPoints int64           `envconfig:"CATALOG_CUSTOM_MAX_POINTS" default:"1000000"`
	// Допуск на округление при проверке кастомной суммы (в единицах местной валюты)
	CatalogTolerance int64 `envconfig:"CATALOG_TOLERANCE" default:"1"`

	// --- Payments ---
	PaymentProvider    string        `envconfig:"PAYMENT_PROVIDER" default:"paystack"`
	PaymentCurrency    string        `envconfig:"PAYMENT_CURRENCY" default:"NGN"`
	PaymentCallbackURL string        `envconfig:"PAYMENT_CALLBACK_URL"`
	PaymentTimeout     time.Duration `envconfig:"PAYMENT_TIMEOUT" default:"15s"`
	// Сколько раз повторять initialize при сетевой ошибке (reference тот же)
	PaymentInitRetries int `envconfig:"PAYMENT_INIT_RETRIES" default:"2"`

	PaystackSecretKey string `envconfig:"PAYSTACK_SECRET_KEY"`
	PaystackBaseURL   string `envconfig:"PAYSTACK_BASE_URL" default:"https://api.paystack.co"`

	FlutterwaveSecretKey   string `envconfig:"FLUTTERWAVE_SECRET_KEY"`
	FlutterwaveBaseURL     string `envconfig:"FLUTTERWAVE_BASE_URL" default:"https://api.flutterwave.com"`
	FlutterwaveWebhookHash string `envconfig:"FLUTTERWAVE_WEBHOOK_HASH"`

	// --- Idempotency (Redis) ---
	// Пустой адрес — кеш в памяти процесса (только для одного инстанса).
	RedisAddr      string        `envconfig:"REDIS_ADDR"`
	RedisPassword  string        `envconfig:"REDIS_PASSWORD"`
	RedisDB        int           `envconfig:"REDIS_DB" default:"0"`
	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`

	// --- Rate Limiting ---
	RateLimitRequests int           `envconfig:"RATE_LIMIT_REQUESTS" default:"60"`
	RateLimitWindow   time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`

	// --- Jobs ---
	JobsEnabled         bool          `envconfig:"JOBS_ENABLED" default:"true"`
	PendingRecheckAfter time.Duration `envconfig:"PENDING_RECHECK_AFTER" default:"10m"`
	PendingExpireAfter  time.Duration `envconfig:"PENDING_EXPIRE_AFTER" default:"24h"`
	PendingBatchSize    int           `envconfig:"PENDING_BATCH_SIZE" default:"50"`

	// --- Telegram alerts ---
	// Без токена оповещения только пишутся в лог.
	TelegramBotToken    string `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramAlertChatID int64  `envconfig:"TELEGRAM_ALERT_CHAT_ID"`

	// --- Tracing ---
	TracingEnabled  bool   `envconfig:"TRACING_ENABLED" default:"false"`
	TracingEndpoint string `envconfig:"TRACING_ENDPOINT" default:"http://localhost:14268/api/traces"`
	TracingService  string `envconfig:"TRACING_SERVICE" default:"points-ledger"`
}

// DatabaseDSN возвращает строку подключения к PostgreSQL в формате DSN.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// Validate проверяет перекрёстные ограничения, которые envconfig не умеет.
func (c *Config) Validate() error {
	if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("некорректные DB_MIN_CONNS/DB_MAX_CONNS")
	}
	if !c.CatalogExchangeRate.IsPositive() {
		return fmt.Errorf("CATALOG_EXCHANGE_RATE должен быть > 0")
	}
	if c.CatalogCustomMinPoints <= 0 || c.CatalogCustomMinPoints > c.CatalogCustomMaxPoints {
		return fmt.Errorf("некорректные CATALOG_CUSTOM_MIN_POINTS/CATALOG_CUSTOM_MAX_POINTS")
	}
	if c.CatalogTolerance < 0 {
		return fmt.Errorf("CATALOG_TOLERANCE не может быть отрицательным")
	}
	if len(c.CatalogPresets) == 0 {
		return fmt.Errorf("CATALOG_PRESETS должен содержать хотя бы один пакет")
	}
	if strings.TrimSpace(c.PaymentCurrency) == "" {
		return fmt.Errorf("PAYMENT_CURRENCY не задан")
	}
	if c.PaymentTimeout <= 0 {
		return fmt.Errorf("PAYMENT_TIMEOUT должен быть > 0")
	}
	if c.PaymentInitRetries < 0 {
		return fmt.Errorf("PAYMENT_INIT_RETRIES не может быть отрицательным")
	}

	switch c.PaymentProvider {
	case ProviderPaystack:
		if c.PaystackSecretKey == "" {
			return fmt.Errorf("PAYSTACK_SECRET_KEY обязателен для PAYMENT_PROVIDER=paystack")
		}
	case ProviderFlutterwave:
		if c.FlutterwaveSecretKey == "" {
			return fmt.Errorf("FLUTTERWAVE_SECRET_KEY обязателен для PAYMENT_PROVIDER=flutterwave")
		}
	default:
		return fmt.Errorf("неизвестный PAYMENT_PROVIDER %q", c.PaymentProvider)
	}

	if c.RateLimitRequests <= 0 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS и RATE_LIMIT_WINDOW должны быть > 0")
	}
	if c.PendingRecheckAfter <= 0 || c.PendingExpireAfter < c.PendingRecheckAfter {
		return fmt.Errorf("PENDING_EXPIRE_AFTER должен быть >= PENDING_RECHECK_AFTER > 0")
	}
	if c.TelegramBotToken != "" && c.TelegramAlertChatID == 0 {
		return fmt.Errorf("TELEGRAM_ALERT_CHAT_ID обязателен вместе с TELEGRAM_BOT_TOKEN")
	}
	return nil
}

// Load читает переменные окружения и заполняет структуру Config.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("не удалось загрузить конфигурацию: %w", err)
	}

	presets, err := ParsePresets(cfg.CatalogPresetsRaw)
	if err != nil {
		return nil, fmt.Errorf("CATALOG_PRESETS parse: %w", err)
	}
	cfg.CatalogPresets = presets

	rate, err := decimal.NewFromString(strings.TrimSpace(cfg.CatalogExchangeRateRaw))
	if err != nil {
		return nil, fmt.Errorf("CATALOG_EXCHANGE_RATE parse: %w", err)
	}
	cfg.CatalogExchangeRate = rate

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParsePresets разбирает список вида "1000:900,5000:4400".
func ParsePresets(s string) ([]PresetPackage, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]PresetPackage, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		pair := strings.SplitN(p, ":", 2)
		if len(pair) != 2 {
			return nil, fmt.Errorf("bad preset %q: want points:amount", p)
		}
		points, err := strconv.ParseInt(strings.TrimSpace(pair[0]), 10, 64)
		if err != nil || points <= 0 {
			return nil, fmt.Errorf("bad preset points %q", pair[0])
		}
		amount, err := strconv.ParseInt(strings.TrimSpace(pair[1]), 10, 64)
		if err != nil || amount <= 0 {
			return nil, fmt.Errorf("bad preset amount %q", pair[1])
		}
		out = append(out, PresetPackage{Points: points, LocalAmount: amount})
	}
	return out, nil
}
