// Package notify отправляет оповещения оператору: нарушения целостности
// платежей и расхождения в леджере.
package notify

import (
	"context"
	"fmt"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/points-ledger/internal/config"
)

// maxMessageRunes — лимит длины сообщения в Telegram.
const maxMessageRunes = 4096

// Notifier доставляет текстовое оповещение.
type Notifier interface {
	Alert(ctx context.Context, text string) error
}

// Telegram шлёт оповещения в чат операторов.
type Telegram struct {
	bot    *telego.Bot
	chatID int64
}

// NewTelegram создаёт отправителя. Опции telego пробрасываются как есть.
func NewTelegram(token string, chatID int64, opts ...telego.BotOption) (*Telegram, error) {
	bot, err := telego.NewBot(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания Telegram-бота: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID}, nil
}

// Alert отправляет текст в чат операторов.
func (t *Telegram) Alert(ctx context.Context, text string) error {
	if _, err := t.bot.SendMessage(ctx, tu.Message(tu.ID(t.chatID), truncate(text))); err != nil {
		return fmt.Errorf("ошибка отправки оповещения в чат %d: %w", t.chatID, err)
	}
	log.WithField("chat_id", t.chatID).Debug("Оповещение отправлено")
	return nil
}

// LogOnly пишет оповещения только в лог, когда Telegram не настроен.
type LogOnly struct{}

func (LogOnly) Alert(_ context.Context, text string) error {
	log.WithField("alert", text).Warn("Оповещение оператору (Telegram не настроен)")
	return nil
}

// FromConfig выбирает Telegram, если заданы токен и чат, иначе LogOnly.
func FromConfig(cfg *config.Config) (Notifier, error) {
	if cfg.TelegramBotToken == "" || cfg.TelegramAlertChatID == 0 {
		log.Info("Telegram-оповещения отключены, пишем в лог")
		return LogOnly{}, nil
	}
	return NewTelegram(cfg.TelegramBotToken, cfg.TelegramAlertChatID, telego.WithDiscardLogger())
}

func truncate(text string) string {
	r := []rune(text)
	if len(r) <= maxMessageRunes {
		return text
	}
	return string(r[:maxMessageRunes-1]) + "…"
}
