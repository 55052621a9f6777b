// Package catalog проверяет, что запрошенная покупка соответствует
// одному из готовых пакетов или кастомному тарифу по единому курсу.
package catalog

import (
	"fmt"

	"github.com/shopspring/decimal"

	"serotonyl.ru/points-ledger/internal/common"
	"serotonyl.ru/points-ledger/internal/config"
)

// Mode — способ формирования пакета.
type Mode string

const (
	ModePreset Mode = "preset" // Готовый пакет из списка
	ModeCustom Mode = "custom" // Произвольное число баллов по курсу
)

// rateScale — точность курса готового пакета (знаков после запятой).
const rateScale = 4

// Package — проверенная комбинация баллов и цены.
type Package struct {
	Mode         Mode            `json:"mode"`
	Points       int64           `json:"pointsAmount"`
	LocalAmount  int64           `json:"localAmount"`
	ExchangeRate decimal.Decimal `json:"exchangeRate"` // Баллов за единицу местной валюты
}

// Options — настройки каталога.
type Options struct {
	Presets      []config.PresetPackage
	ExchangeRate decimal.Decimal
	MinPoints    int64
	MaxPoints    int64
	Tolerance    int64 // Допустимое отклонение цены кастомного пакета
	Currency     string
}

// OptionsFromConfig собирает Options из конфигурации сервиса.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Presets:      cfg.CatalogPresets,
		ExchangeRate: cfg.CatalogExchangeRate,
		MinPoints:    cfg.CatalogCustomMinPoints,
		MaxPoints:    cfg.CatalogCustomMaxPoints,
		Tolerance:    cfg.CatalogTolerance,
		Currency:     cfg.PaymentCurrency,
	}
}

// Catalog неизменяем после создания и безопасен для конкурентного чтения.
type Catalog struct {
	opts    Options
	presets []Package
}

// New создаёт каталог.
func New(opts Options) *Catalog {
	presets := make([]Package, 0, len(opts.Presets))
	for _, p := range opts.Presets {
		presets = append(presets, Package{
			Mode:         ModePreset,
			Points:       p.Points,
			LocalAmount:  p.LocalAmount,
			ExchangeRate: presetRate(p.Points, p.LocalAmount),
		})
	}
	return &Catalog{opts: opts, presets: presets}
}

// Currency — валюта, в которой выставляются счета.
func (c *Catalog) Currency() string {
	return c.opts.Currency
}

// Validate проверяет пакет в зависимости от режима.
func (c *Catalog) Validate(mode Mode, points, localAmount int64) (Package, error) {
	switch mode {
	case ModePreset:
		return c.ValidatePreset(points, localAmount)
	case ModeCustom:
		return c.ValidateCustom(points, localAmount)
	default:
		return Package{}, common.Validationf("неизвестный режим пакета %q (ожидается preset или custom)", mode)
	}
}

// ValidatePreset ищет точное совпадение с готовым пакетом.
func (c *Catalog) ValidatePreset(points, localAmount int64) (Package, error) {
	if err := checkPositive(points, localAmount); err != nil {
		return Package{}, err
	}
	for _, p := range c.presets {
		if p.Points == points && p.LocalAmount == localAmount {
			return p, nil
		}
	}
	return Package{}, fmt.Errorf("нет пакета %d баллов за %d %s: %w",
		points, localAmount, c.opts.Currency, common.ErrInvalidPackage)
}

// ValidateCustom проверяет кастомный пакет: цена должна совпасть
// с round(points / rate) с точностью до допуска.
func (c *Catalog) ValidateCustom(points, localAmount int64) (Package, error) {
	if err := checkPositive(points, localAmount); err != nil {
		return Package{}, err
	}
	if points < c.opts.MinPoints || points > c.opts.MaxPoints {
		return Package{}, fmt.Errorf("кастомный пакет должен быть от %d до %d баллов: %w",
			c.opts.MinPoints, c.opts.MaxPoints, common.ErrInvalidPackage)
	}

	expected := c.ExpectedLocalAmount(points)
	diff := localAmount - expected
	if diff < 0 {
		diff = -diff
	}
	if diff > c.opts.Tolerance {
		return Package{}, fmt.Errorf("цена %d не совпадает с расчётной %d для %d баллов: %w",
			localAmount, expected, points, common.ErrInvalidPackage)
	}

	return Package{
		Mode:         ModeCustom,
		Points:       points,
		LocalAmount:  localAmount,
		ExchangeRate: c.opts.ExchangeRate,
	}, nil
}

// ExpectedLocalAmount — цена кастомного пакета, округлённая
// до целых единиц валюты (половина от нуля).
func (c *Catalog) ExpectedLocalAmount(points int64) int64 {
	return decimal.NewFromInt(points).Div(c.opts.ExchangeRate).Round(0).IntPart()
}

// CustomTier — параметры кастомного тарифа для витрины.
type CustomTier struct {
	MinPoints    int64           `json:"minPoints"`
	MaxPoints    int64           `json:"maxPoints"`
	ExchangeRate decimal.Decimal `json:"exchangeRate"`
	Tolerance    int64           `json:"tolerance"`
}

// Listing — ответ GET /packages.
type Listing struct {
	Currency string     `json:"currency"`
	Presets  []Package  `json:"presets"`
	Custom   CustomTier `json:"custom"`
}

// Listing возвращает витрину каталога.
func (c *Catalog) Listing() Listing {
	presets := make([]Package, len(c.presets))
	copy(presets, c.presets)
	return Listing{
		Currency: c.opts.Currency,
		Presets:  presets,
		Custom: CustomTier{
			MinPoints:    c.opts.MinPoints,
			MaxPoints:    c.opts.MaxPoints,
			ExchangeRate: c.opts.ExchangeRate,
			Tolerance:    c.opts.Tolerance,
		},
	}
}

func checkPositive(points, localAmount int64) error {
	if points <= 0 {
		return fmt.Errorf("pointsAmount должен быть > 0: %w", common.ErrInvalidAmount)
	}
	if localAmount <= 0 {
		return fmt.Errorf("localAmount должен быть > 0: %w", common.ErrInvalidAmount)
	}
	return nil
}

func presetRate(points, localAmount int64) decimal.Decimal {
	if localAmount <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(points).DivRound(decimal.NewFromInt(localAmount), rateScale)
}
