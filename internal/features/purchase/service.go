// Package purchase — service.go содержит бизнес-логику покупок:
// создание оплаты, проверку и единственный путь зачисления баллов,
// общий для клиента, вебхуков и фоновой перепроверки.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/points-ledger/internal/common"
	"serotonyl.ru/points-ledger/internal/features/catalog"
	"serotonyl.ru/points-ledger/internal/features/members"
	"serotonyl.ru/points-ledger/internal/gateway"
)

// Store — то, что сервису нужно от хранилища покупок.
type Store interface {
	Create(ctx context.Context, p *Purchase) error
	AttachCheckout(ctx context.Context, id uuid.UUID, handle, checkoutURL string) error
	GetByReference(ctx context.Context, reference string) (*Purchase, error)
	ListByMember(ctx context.Context, memberID int64, page common.Page) ([]Purchase, int64, error)
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]Purchase, error)
	MarkFailed(ctx context.Context, id uuid.UUID, meta map[string]interface{}) (bool, error)
	Settle(ctx context.Context, p *Purchase, meta map[string]interface{}) (bool, error)
}

// MemberDirectory — справочник участников.
type MemberDirectory interface {
	Get(ctx context.Context, userID int64) (*members.Member, error)
	EnsureActive(ctx context.Context, userID int64) (*members.Member, error)
}

// Alerter отправляет оповещения оператору.
type Alerter interface {
	Alert(ctx context.Context, text string) error
}

// Options — настройки сервиса покупок.
type Options struct {
	CallbackURL string // Куда вернуть покупателя, если клиент не передал свой
	Timezone    *time.Location
}

// Service управляет покупками баллов.
type Service struct {
	store    Store
	catalog  *catalog.Catalog
	gateways *gateway.Registry
	members  MemberDirectory
	alerts   Alerter
	opts     Options
	now      func() time.Time
}

// NewService создаёт сервис покупок.
func NewService(store Store, cat *catalog.Catalog, gateways *gateway.Registry, dir MemberDirectory, alerts Alerter, opts Options) *Service {
	if opts.Timezone == nil {
		opts.Timezone = common.LoadLocation("")
	}
	return &Service{
		store:    store,
		catalog:  cat,
		gateways: gateways,
		members:  dir,
		alerts:   alerts,
		opts:     opts,
		now:      time.Now,
	}
}

// Initiate создаёт покупку и возвращает ссылку на оплату.
//
// Строка покупки пишется в БД ДО обращения к платёжной системе:
// если initialize не удался, покупка сразу уходит в failed,
// и по её reference оплатить уже ничего нельзя.
func (s *Service) Initiate(ctx context.Context, caller common.Caller, req InitiateRequest) (*InitiateResult, error) {
	if caller.MemberID == 0 {
		return nil, fmt.Errorf("покупка без участника: %w", common.ErrUnauthorized)
	}

	member, err := s.members.EnsureActive(ctx, caller.MemberID)
	if err != nil {
		return nil, err
	}

	pkg, err := s.catalog.Validate(req.Mode, req.PointsAmount, req.LocalAmount)
	if err != nil {
		return nil, err
	}

	redirect, err := s.callbackURL(req.CallbackURL)
	if err != nil {
		return nil, err
	}

	reference, err := NewReference()
	if err != nil {
		return nil, fmt.Errorf("ошибка генерации reference: %w", err)
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("ошибка генерации id покупки: %w", err)
	}

	gw := s.gateways.Default()
	p := &Purchase{
		ID:                id,
		MemberID:          member.UserID,
		PackageMode:       pkg.Mode,
		PointsAmount:      pkg.Points,
		LocalAmount:       pkg.LocalAmount,
		ExchangeRate:      pkg.ExchangeRate,
		Currency:          s.catalog.Currency(),
		ExternalReference: reference,
		Status:            StatusPending,
		PaymentMethod:     gw.Name(),
		Metadata:          map[string]interface{}{},
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}

	logger := log.WithFields(log.Fields{
		"purchase_id": p.ID,
		"reference":   reference,
		"member_id":   p.MemberID,
		"provider":    gw.Name(),
	})

	checkout, err := gw.Initialize(ctx, gateway.InitializeRequest{
		Amount:        p.LocalAmount,
		Currency:      p.Currency,
		Reference:     reference,
		CustomerEmail: member.Email,
		RedirectURL:   redirect,
		Metadata: map[string]interface{}{
			"purchaseId": p.ID.String(),
			"memberId":   p.MemberID,
			"points":     p.PointsAmount,
		},
	})
	if err != nil {
		logger.WithError(err).Error("Не удалось создать оплату, покупка отменена")
		// Клиент мог уже отключиться, а покупку всё равно нужно закрыть
		if _, markErr := s.store.MarkFailed(context.WithoutCancel(ctx), p.ID, map[string]interface{}{
			"failureStage": "initialize",
			"error":        err.Error(),
		}); markErr != nil {
			logger.WithError(markErr).Error("Ошибка отмены покупки после сбоя initialize")
		}
		return nil, err
	}

	if err := s.store.AttachCheckout(ctx, p.ID, checkout.ProviderHandle, checkout.CheckoutURL); err != nil {
		return nil, err
	}
	p.GatewayHandle = checkout.ProviderHandle
	p.CheckoutURL = checkout.CheckoutURL

	logger.WithField("points", p.PointsAmount).Info("Покупка создана, ожидаем оплату")

	return &InitiateResult{Purchase: p, CheckoutURL: checkout.CheckoutURL, Reference: reference}, nil
}

// Verify идемпотентно завершает покупку по reference.
// Клиентским данным об оплате не доверяем: статус и сумму
// спрашиваем у платёжной системы, записанной в покупке.
func (s *Service) Verify(ctx context.Context, caller common.Caller, reference string) (*VerifyResult, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, common.Validationf("reference обязателен")
	}

	p, err := s.store.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if !caller.CanAccess(p.MemberID) {
		return nil, common.ErrForbidden
	}

	if res, done, err := terminal(p); done {
		return res, err
	}

	gw, ok := s.gateways.Get(p.PaymentMethod)
	if !ok {
		return nil, fmt.Errorf("платёжная система %q не настроена: %w", p.PaymentMethod, common.ErrGatewayUnavailable)
	}

	logger := log.WithFields(log.Fields{
		"purchase_id": p.ID,
		"reference":   reference,
		"provider":    gw.Name(),
	})

	v, err := gw.Verify(ctx, reference)
	if err != nil {
		logger.WithError(err).Warn("Не удалось проверить оплату, покупка остаётся pending")
		return nil, err
	}

	switch v.Outcome {
	case gateway.OutcomePending:
		return nil, fmt.Errorf("статус %q: %w", v.RawStatus, common.ErrPaymentPending)

	case gateway.OutcomeFailed:
		logger.WithField("provider_status", v.RawStatus).Info("Платёжная система отклонила оплату")
		return s.fail(ctx, p, common.ErrPaymentFailed, map[string]interface{}{
			"failureReason":  "payment_failed",
			"providerStatus": v.RawStatus,
		})
	}

	if reason := checkIntegrity(p, v); reason != "" {
		return s.failIntegrity(ctx, p, v, reason)
	}
	if _, err := s.catalog.Validate(p.PackageMode, p.PointsAmount, p.LocalAmount); err != nil {
		return s.failIntegrity(ctx, p, v, "package_mismatch")
	}

	meta := map[string]interface{}{
		"providerStatus":        v.RawStatus,
		"providerTransactionId": v.ProviderTransactionID,
		"channel":               v.Channel,
		"verifiedAmount":        v.Amount.String(),
	}
	if v.PaidAt != nil {
		meta["paidAt"] = v.PaidAt.UTC().Format(time.RFC3339)
	}

	credited, err := s.store.Settle(ctx, p, meta)
	if err != nil {
		return nil, err
	}

	fresh, err := s.store.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if !credited {
		// Параллельный вызов успел первым
		if res, done, err := terminal(fresh); done {
			return res, err
		}
		return nil, fmt.Errorf("покупка %s не завершена после settle", reference)
	}

	logger.WithFields(log.Fields{
		"member_id": p.MemberID,
		"points":    p.PointsAmount,
	}).Info("Баллы за покупку зачислены")

	return &VerifyResult{Purchase: fresh, AlreadyProcessed: false}, nil
}

// terminal обрабатывает уже завершённую покупку.
func terminal(p *Purchase) (*VerifyResult, bool, error) {
	switch p.Status {
	case StatusSuccess:
		return &VerifyResult{Purchase: p, AlreadyProcessed: true}, true, nil
	case StatusFailed:
		return nil, true, fmt.Errorf("reference %s: %w", p.ExternalReference, common.ErrPurchaseFailed)
	}
	return nil, false, nil
}

// checkIntegrity сверяет подтверждённую сумму и валюту с покупкой.
func checkIntegrity(p *Purchase, v *gateway.Verification) string {
	if !v.Amount.Equal(decimal.NewFromInt(p.LocalAmount)) {
		return "amount_mismatch"
	}
	if !strings.EqualFold(strings.TrimSpace(v.Currency), p.Currency) {
		return "currency_mismatch"
	}
	return ""
}

// fail переводит покупку в failed и возвращает cause.
// Если покупку уже завершил параллельный вызов, отвечаем по её итоговому статусу.
func (s *Service) fail(ctx context.Context, p *Purchase, cause error, meta map[string]interface{}) (*VerifyResult, error) {
	changed, err := s.store.MarkFailed(ctx, p.ID, meta)
	if err != nil {
		return nil, err
	}
	if !changed {
		fresh, err := s.store.GetByReference(ctx, p.ExternalReference)
		if err != nil {
			return nil, err
		}
		if res, done, err := terminal(fresh); done {
			return res, err
		}
	}
	return nil, fmt.Errorf("reference %s: %w", p.ExternalReference, cause)
}

func (s *Service) failIntegrity(ctx context.Context, p *Purchase, v *gateway.Verification, reason string) (*VerifyResult, error) {
	log.WithFields(log.Fields{
		"purchase_id":       p.ID,
		"reference":         p.ExternalReference,
		"reason":            reason,
		"expected_amount":   p.LocalAmount,
		"verified_amount":   v.Amount.String(),
		"expected_currency": p.Currency,
		"verified_currency": v.Currency,
	}).Error("Нарушение целостности платежа")

	text := fmt.Sprintf(
		"⚠️ Нарушение целостности платежа\nСсылка: %s\nУчастник: #%d\nПакет: %s\nОжидали: %s %s\nПодтверждено: %s %s\nПричина: %s\nВремя: %s",
		p.ExternalReference, p.MemberID,
		common.FormatPoints(p.PointsAmount),
		common.FormatNumber(p.LocalAmount), p.Currency,
		v.Amount.String(), v.Currency,
		reason, common.FormatDateTime(s.now(), s.opts.Timezone),
	)
	if err := s.alerts.Alert(ctx, text); err != nil {
		log.WithError(err).Warn("Не удалось отправить оповещение")
	}

	return s.fail(ctx, p, common.ErrIntegrityViolation, map[string]interface{}{
		"failureReason":      reason,
		"integrityViolation": true,
		"providerStatus":     v.RawStatus,
		"verifiedAmount":     v.Amount.String(),
		"verifiedCurrency":   v.Currency,
	})
}

// List возвращает покупки участника.
func (s *Service) List(ctx context.Context, caller common.Caller, memberID int64, page common.Page) (*Page, error) {
	if !caller.CanAccess(memberID) {
		return nil, common.ErrForbidden
	}
	if page.Number == 0 {
		page = common.Page{Number: 1, Size: common.DefaultPageSize}
	}
	if _, err := s.members.Get(ctx, memberID); err != nil {
		return nil, err
	}

	items, total, err := s.store.ListByMember(ctx, memberID, page)
	if err != nil {
		return nil, err
	}
	return &Page{Purchases: items, Page: page.Number, PageSize: page.Size, Total: total}, nil
}

// RecheckPending перепроверяет зависшие pending-покупки от имени системы.
// Покупки старше expireAfter, которые так и не оплачены, уходят в failed.
func (s *Service) RecheckPending(ctx context.Context, recheckAfter, expireAfter time.Duration, limit int) (RecheckStats, error) {
	var stats RecheckStats
	now := s.now()

	stale, err := s.store.ListStalePending(ctx, now.Add(-recheckAfter), limit)
	if err != nil {
		return stats, err
	}

	for i := range stale {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		p := &stale[i]
		stats.Checked++
		expired := p.CreatedAt.Before(now.Add(-expireAfter))

		if p.GatewayHandle == "" {
			// Чекаут не выдавался, оплатить было нечего
			if expired {
				s.expire(ctx, p, &stats)
			} else {
				stats.StillPending++
			}
			continue
		}

		_, err := s.Verify(ctx, common.SystemCaller, p.ExternalReference)
		switch {
		case err == nil:
			stats.Settled++
		case errors.Is(err, common.ErrPaymentPending):
			if expired {
				s.expire(ctx, p, &stats)
			} else {
				stats.StillPending++
			}
		case errors.Is(err, common.ErrPaymentFailed),
			errors.Is(err, common.ErrIntegrityViolation),
			errors.Is(err, common.ErrPurchaseFailed):
			stats.Failed++
		default:
			stats.Errors++
			log.WithError(err).WithField("reference", p.ExternalReference).Warn("Ошибка перепроверки покупки")
		}
	}

	return stats, nil
}

func (s *Service) expire(ctx context.Context, p *Purchase, stats *RecheckStats) {
	changed, err := s.store.MarkFailed(ctx, p.ID, map[string]interface{}{"failureReason": "expired"})
	if err != nil {
		stats.Errors++
		log.WithError(err).WithField("reference", p.ExternalReference).Warn("Ошибка истечения покупки")
		return
	}
	if changed {
		stats.Expired++
		log.WithField("reference", p.ExternalReference).Info("Покупка не оплачена вовремя, отменена")
	}
}

func (s *Service) callbackURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return s.opts.CallbackURL, nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return "", common.Validationf("callbackUrl должен быть абсолютным http(s) URL")
	}
	return raw, nil
}
