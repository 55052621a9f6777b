// Package ledger ведёт журнал баллов: неизменяемые записи со знаком
// и кешированный баланс на участника.
// models.go описывает записи журнала, фильтры истории и переводы.
package ledger

import (
	"time"

	"github.com/google/uuid"

	"serotonyl.ru/points-ledger/internal/common"
)

// TransactionType — тип записи журнала.
type TransactionType string

const (
	TxPurchase    TransactionType = "purchase"     // Начисление за оплаченную покупку
	TxTransferIn  TransactionType = "transfer_in"  // Входящий перевод
	TxTransferOut TransactionType = "transfer_out" // Исходящий перевод (отрицательная сумма)
	TxAward       TransactionType = "award"        // Начисление внешним сервисом
	TxRedeem      TransactionType = "redeem"       // Списание внешним сервисом
)

// Valid сообщает, известен ли тип.
func (t TransactionType) Valid() bool {
	switch t {
	case TxPurchase, TxTransferIn, TxTransferOut, TxAward, TxRedeem:
		return true
	}
	return false
}

// Типы ссылок, к которым привязаны записи
const (
	RefPurchase = "purchase"
	RefTransfer = "transfer"
)

// Источники записей
const (
	SourcePayment  = "payment"
	SourceTransfer = "transfer"
)

// Entry — одна запись журнала. После вставки не меняется.
type Entry struct {
	ID            int64                  `json:"id"`
	MemberID      int64                  `json:"memberId"`
	Type          TransactionType        `json:"transactionType"`
	Source        string                 `json:"source"`
	Amount        int64                  `json:"amount"`       // Со знаком, не ноль
	BalanceAfter  int64                  `json:"balanceAfter"` // Баланс сразу после записи
	ReferenceType string                 `json:"referenceType,omitempty"`
	ReferenceID   uuid.NullUUID          `json:"referenceId"`
	Metadata      map[string]interface{} `json:"metadata"`
	CreatedAt     time.Time              `json:"createdAt"`
}

// NewEntry — параметры новой записи для Append.
type NewEntry struct {
	MemberID      int64
	Type          TransactionType
	Source        string
	Amount        int64
	ReferenceType string
	ReferenceID   uuid.UUID
	Metadata      map[string]interface{}
}

// Balance — ответ GET /balance/{memberId}.
type Balance struct {
	MemberID int64 `json:"memberId"`
	Balance  int64 `json:"balance"`
}

// HistoryFilter — фильтры выписки.
type HistoryFilter struct {
	Type      TransactionType
	Source    string
	StartDate *time.Time
	EndDate   *time.Time // Включительно
	Page      common.Page
}

// HistoryPage — одна страница выписки (новые сверху).
type HistoryPage struct {
	Entries  []Entry `json:"entries"`
	Page     int     `json:"page"`
	PageSize int     `json:"pageSize"`
	Total    int64   `json:"total"`
}

// TransferRequest — тело POST /transfer.
type TransferRequest struct {
	ToMemberID int64  `json:"toMemberId"`
	Points     int64  `json:"points"`
	Reason     string `json:"reason"`
}

// Transfer — результат перевода.
type Transfer struct {
	ID                 uuid.UUID `json:"id"` // Общий referenceId обеих записей
	FromMemberID       int64     `json:"fromMemberId"`
	ToMemberID         int64     `json:"toMemberId"`
	Points             int64     `json:"points"`
	Reason             string    `json:"reason"`
	SenderBalanceAfter int64     `json:"senderBalanceAfter"`
	CreatedAt          time.Time `json:"createdAt"`
}

// Divergence — участник, у которого кеш баланса разошёлся с журналом.
type Divergence struct {
	MemberID         int64 `json:"memberId"`
	CachedBalance    int64 `json:"cachedBalance"`
	EntrySum         int64 `json:"entrySum"`
	LastBalanceAfter int64 `json:"lastBalanceAfter"`
}
