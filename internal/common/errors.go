// Package common — errors.go определяет доменные ошибки,
// которые используются во всех модулях сервиса.
// Обработчики различают типы проблем через errors.Is и
// превращают их в HTTP-статусы в одном месте (response.go).
package common

import (
	"errors"
	"fmt"
)

// Ошибки леджера и переводов
var (
	// ErrInsufficientBalance — недостаточно баллов на счёте
	ErrInsufficientBalance = errors.New("недостаточно баллов на счёте")
	// ErrSelfTransfer — попытка перевести баллы самому себе
	ErrSelfTransfer = errors.New("нельзя переводить баллы самому себе")
	// ErrInvalidAmount — некорректная сумма (ноль или отрицательная)
	ErrInvalidAmount = errors.New("сумма должна быть положительной")
)

// Ошибки участников и доступа
var (
	// ErrMemberNotFound — участник не найден в справочнике
	ErrMemberNotFound = errors.New("участник не найден")
	// ErrMemberBanned — участник заблокирован
	ErrMemberBanned = errors.New("участник заблокирован")
	// ErrUnauthorized — запрос без валидной аутентификации
	ErrUnauthorized = errors.New("требуется аутентификация")
	// ErrForbidden — нет прав на чужие данные
	ErrForbidden = errors.New("доступ запрещён")
	// ErrRateLimited — превышен лимит запросов
	ErrRateLimited = errors.New("слишком много запросов")
)

// Ошибки покупок
var (
	// ErrValidation — некорректные входные данные
	ErrValidation = errors.New("некорректный запрос")
	// ErrInvalidPackage — пакет/сумма не соответствует каталогу
	ErrInvalidPackage = errors.New("некорректный пакет баллов")
	// ErrPurchaseNotFound — покупка с такой ссылкой не найдена
	ErrPurchaseNotFound = errors.New("покупка не найдена")
	// ErrPurchaseFailed — покупка уже в терминальном статусе failed
	ErrPurchaseFailed = errors.New("покупка завершилась неудачей и не может быть повторена")
	// ErrPaymentFailed — платёжная система сообщила о неуспешной оплате
	ErrPaymentFailed = errors.New("оплата не прошла")
	// ErrPaymentPending — оплата ещё не завершена
	ErrPaymentPending = errors.New("оплата ещё не завершена")
	// ErrIntegrityViolation — сумма или пакет не совпали с подтверждением платёжной системы
	ErrIntegrityViolation = errors.New("нарушение целостности платежа")
	// ErrGatewayUnavailable — платёжная система недоступна или вернула мусор
	ErrGatewayUnavailable = errors.New("платёжная система недоступна")
	// ErrIdempotencyInFlight — такой же запрос с этим Idempotency-Key ещё выполняется
	ErrIdempotencyInFlight = errors.New("запрос с этим ключом идемпотентности уже выполняется")
)

// Validationf оборачивает ErrValidation с пояснением.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
