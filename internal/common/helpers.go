// Package common содержит общие утилиты, используемые во всём проекте.
// Сюда входят: пагинация, разбор дат из query-параметров, работа с часовым поясом.
package common

import (
	"strconv"
	"strings"
	"time"
)

// Ограничения пагинации
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Page — номер страницы и её размер (страницы с 1).
type Page struct {
	Number int `json:"page"`
	Size   int `json:"pageSize"`
}

// Offset возвращает смещение для SQL OFFSET.
func (p Page) Offset() int {
	return (p.Number - 1) * p.Size
}

// ParsePage читает page/pageSize из строк query-параметров.
// Пустые значения заменяются значениями по умолчанию.
func ParsePage(pageRaw, sizeRaw string) (Page, error) {
	p := Page{Number: 1, Size: DefaultPageSize}

	if s := strings.TrimSpace(pageRaw); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return Page{}, Validationf("page должен быть целым числом >= 1")
		}
		p.Number = n
	}

	if s := strings.TrimSpace(sizeRaw); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > MaxPageSize {
			return Page{}, Validationf("pageSize должен быть от 1 до %d", MaxPageSize)
		}
		p.Size = n
	}

	return p, nil
}

// ParseDateBound разбирает границу диапазона дат.
// Принимает RFC3339 или YYYY-MM-DD. Для endOfDay=true дата без времени
// превращается в последний момент этого дня (включительная верхняя граница).
func ParseDateBound(raw string, endOfDay bool) (*time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}

	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, Validationf("дата %q должна быть в формате RFC3339 или YYYY-MM-DD", s)
	}
	if endOfDay {
		d = d.Add(24*time.Hour - time.Nanosecond)
	}
	return &d, nil
}

// ParseMemberID разбирает ID участника из пути запроса.
func ParseMemberID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, Validationf("memberId должен быть положительным целым числом")
	}
	return id, nil
}

// LoadLocation загружает часовой пояс, по умолчанию Europe/Moscow.
// Если tzdata недоступна — используем UTC+3 вручную.
func LoadLocation(name string) *time.Location {
	if name == "" {
		name = "Europe/Moscow"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("MSK", 3*60*60)
	}
	return loc
}

// FormatDateTime форматирует время в формат "02.01.2006 15:04" в заданном поясе.
// Используется в текстах оповещений.
func FormatDateTime(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("02.01.2006 15:04")
}
