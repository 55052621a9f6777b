// Package jobs управляет фоновыми задачами (cron).
// scheduler.go настраивает расписание: перепроверка зависших покупок
// каждые 5 минут и ежечасная сверка баланса с журналом.
package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/points-ledger/internal/common"
	"serotonyl.ru/points-ledger/internal/features/ledger"
	"serotonyl.ru/points-ledger/internal/features/purchase"
	"serotonyl.ru/points-ledger/internal/notify"
)

// Расписания задач.
const (
	recheckSpec = "*/5 * * * *"
	auditSpec   = "0 * * * *"
)

// PendingRechecker перепроверяет зависшие покупки.
type PendingRechecker interface {
	RecheckPending(ctx context.Context, recheckAfter, expireAfter time.Duration, limit int) (purchase.RecheckStats, error)
}

// Auditor сверяет кеш балансов с журналом.
type Auditor interface {
	Audit(ctx context.Context) ([]ledger.Divergence, error)
}

// Options — параметры задач.
type Options struct {
	RecheckAfter time.Duration
	ExpireAfter  time.Duration
	BatchSize    int
	Location     *time.Location
}

// Scheduler управляет фоновыми задачами.
type Scheduler struct {
	cron      *cron.Cron
	purchases PendingRechecker
	ledger    Auditor
	alerts    notify.Notifier
	opts      Options
}

// NewScheduler создаёт планировщик. Запуски одной задачи не пересекаются:
// если прошлый ещё идёт, следующий пропускается.
func NewScheduler(purchases PendingRechecker, auditor Auditor, alerts notify.Notifier, opts Options) *Scheduler {
	if opts.Location == nil {
		opts.Location = common.LoadLocation("")
	}

	logger := cronLogger{}
	c := cron.New(
		cron.WithLocation(opts.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	return &Scheduler{
		cron:      c,
		purchases: purchases,
		ledger:    auditor,
		alerts:    alerts,
		opts:      opts,
	}
}

// Start запускает все фоновые задачи.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(recheckSpec, func() { s.RunRecheck(ctx) }); err != nil {
		return fmt.Errorf("ошибка регистрации перепроверки покупок: %w", err)
	}
	if _, err := s.cron.AddFunc(auditSpec, func() { s.RunAudit(ctx) }); err != nil {
		return fmt.Errorf("ошибка регистрации сверки журнала: %w", err)
	}

	s.cron.Start()
	log.WithField("timezone", s.opts.Location.String()).Info("Планировщик задач запущен")
	return nil
}

// Stop останавливает планировщик и ждёт завершения текущих задач.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info("Планировщик задач остановлен")
}

// RunRecheck — один проход перепроверки pending-покупок.
func (s *Scheduler) RunRecheck(ctx context.Context) purchase.RecheckStats {
	log.Debug("[CRON] Перепроверка зависших покупок")
	stats, err := s.purchases.RecheckPending(ctx, s.opts.RecheckAfter, s.opts.ExpireAfter, s.opts.BatchSize)
	if err != nil {
		log.WithError(err).Error("[CRON] Ошибка перепроверки покупок")
		return stats
	}
	if stats.Checked > 0 {
		log.WithFields(log.Fields{
			"checked":       stats.Checked,
			"settled":       stats.Settled,
			"failed":        stats.Failed,
			"expired":       stats.Expired,
			"still_pending": stats.StillPending,
			"errors":        stats.Errors,
		}).Info("[CRON] Перепроверка покупок завершена")
	}
	return stats
}

// RunAudit сверяет балансы и оповещает оператора о расхождениях.
func (s *Scheduler) RunAudit(ctx context.Context) []ledger.Divergence {
	log.Debug("[CRON] Сверка балансов с журналом")
	divs, err := s.ledger.Audit(ctx)
	if err != nil {
		log.WithError(err).Error("[CRON] Ошибка сверки журнала")
		return nil
	}
	if len(divs) == 0 {
		return nil
	}

	log.WithField("members", len(divs)).Error("[CRON] Баланс разошёлся с журналом")
	if err := s.alerts.Alert(ctx, AuditAlertText(divs, time.Now(), s.opts.Location)); err != nil {
		log.WithError(err).Warn("[CRON] Не удалось отправить оповещение о расхождении")
	}
	return divs
}

// maxAlertRows — сколько участников перечислять в одном оповещении.
const maxAlertRows = 20

// AuditAlertText формирует текст оповещения о расхождениях.
func AuditAlertText(divs []ledger.Divergence, at time.Time, loc *time.Location) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚨 Расхождение журнала баллов: %d %s\nВремя: %s\n",
		len(divs), common.Pluralize(int64(len(divs)), "участник", "участника", "участников"),
		common.FormatDateTime(at, loc))

	for i, d := range divs {
		if i == maxAlertRows {
			fmt.Fprintf(&b, "…и ещё %d\n", len(divs)-maxAlertRows)
			break
		}
		fmt.Fprintf(&b, "#%d: баланс %s, сумма записей %s, последний balance_after %s, расхождение %s\n",
			d.MemberID,
			common.FormatNumber(d.CachedBalance),
			common.FormatNumber(d.EntrySum),
			common.FormatNumber(d.LastBalanceAfter),
			common.FormatPoints(d.CachedBalance-d.EntrySum))
	}
	return b.String()
}

// cronLogger направляет логи cron в logrus.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.WithFields(kvFields(keysAndValues)).Debug("[CRON] " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.WithError(err).WithFields(kvFields(keysAndValues)).Error("[CRON] " + msg)
}

func kvFields(kv []interface{}) log.Fields {
	fields := log.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
