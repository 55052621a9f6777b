// Package common — pluralize.go содержит вспомогательные функции
// для правильного склонения русских числительных в оповещениях.
package common

import (
	"fmt"
	"math"
)

// Pluralize выбирает форму слова для числа n.
//
// Правила русского языка:
//   - n%10==1 И n%100!=11 → one (1, 21, 31, 101, ...)
//   - n%10 в [2,3,4] И n%100 НЕ в [12,13,14] → few (2, 3, 4, 22, 23, ...)
//   - Остальные случаи → many (0, 5-20, 25-30, 100, ...)
func Pluralize(n int64, one, few, many string) string {
	absN := int64(math.Abs(float64(n)))
	lastDigit := absN % 10
	lastTwoDigits := absN % 100

	if lastDigit == 1 && lastTwoDigits != 11 {
		return one
	}
	if lastDigit >= 2 && lastDigit <= 4 && (lastTwoDigits < 12 || lastTwoDigits > 14) {
		return few
	}
	return many
}

// PluralizePoints возвращает правильную форму слова «балл» для числа n.
func PluralizePoints(n int64) string {
	return Pluralize(n, "балл", "балла", "баллов")
}

// FormatPoints форматирует количество баллов: FormatPoints(2350) → "2 350 баллов"
func FormatPoints(n int64) string {
	return fmt.Sprintf("%s %s", FormatNumber(n), PluralizePoints(n))
}

// FormatNumber форматирует число с разделителями тысяч (пробелами).
// Пример: FormatNumber(37594) → "37 594"
func FormatNumber(n int64) string {
	if n < 0 {
		return "-" + FormatNumber(-n)
	}
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	return fmt.Sprintf("%s %03d", FormatNumber(n/1000), n%1000)
}
