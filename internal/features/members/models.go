// Package members читает справочник участников.
// Сам справочник ведёт внешняя система; здесь нужны только существование,
// флаг бана и e-mail для платёжной страницы.
package members

import "time"

// Member — участник из таблицы members.
type Member struct {
	UserID    int64     `json:"userId"`   // ID участника во внешнем справочнике
	Username  string    `json:"username"` // Логин (может быть пустым)
	Email     string    `json:"email"`    // Нужен платёжной системе для чекаута
	IsAdmin   bool      `json:"isAdmin"`  // Флаг администратора
	IsBanned  bool      `json:"isBanned"` // Забаненным запрещены покупки и переводы
	CreatedAt time.Time `json:"createdAt"`
}

// DisplayName возвращает отображаемое имя участника для оповещений.
func (m *Member) DisplayName() string {
	if m.Username != "" {
		return "@" + m.Username
	}
	return "#" + formatID(m.UserID)
}
