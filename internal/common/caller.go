// Package common — caller.go описывает, кто выполняет запрос.
// Аутентификацию делает внешний шлюз; сюда попадает уже проверенная личность.
package common

import "context"

// Caller — участник (или система), от имени которого выполняется операция.
type Caller struct {
	MemberID int64 // ID участника (0 для системных вызовов)
	IsAdmin  bool  // Повышенные права (X-Admin-Key)
	IsSystem bool  // Вебхук платёжной системы или фоновая задача
}

// SystemCaller используется вебхуками и планировщиком.
var SystemCaller = Caller{IsSystem: true}

// CanAccess проверяет, может ли вызывающий работать с данными участника.
func (c Caller) CanAccess(memberID int64) bool {
	if c.IsSystem || c.IsAdmin {
		return true
	}
	return c.MemberID != 0 && c.MemberID == memberID
}

type callerKey struct{}

// WithCaller кладёт вызывающего в контекст запроса.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom достаёт вызывающего из контекста.
// Второе значение false, если middleware аутентификации не отработал.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}
