// Package ledger — handlers.go обрабатывает HTTP-запросы к журналу баллов.
package ledger

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"serotonyl.ru/points-ledger/internal/common"
)

// Handler обслуживает баланс, выписку и переводы.
type Handler struct {
	service *Service
}

// NewHandler создаёт обработчик журнала.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Register вешает маршруты на роутер (за middleware аутентификации).
func (h *Handler) Register(r chi.Router) {
	r.Get("/balance/{memberId}", h.balance)
	r.Get("/transactions/{memberId}", h.history)
	r.Post("/transfer", h.transfer)
}

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	caller, ok := common.CallerFrom(r.Context())
	if !ok {
		common.WriteError(w, common.ErrUnauthorized)
		return
	}
	memberID, err := common.ParseMemberID(chi.URLParam(r, "memberId"))
	if err != nil {
		common.WriteError(w, err)
		return
	}

	b, err := h.service.GetBalance(r.Context(), caller, memberID)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.WriteData(w, http.StatusOK, b)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	caller, ok := common.CallerFrom(r.Context())
	if !ok {
		common.WriteError(w, common.ErrUnauthorized)
		return
	}
	memberID, err := common.ParseMemberID(chi.URLParam(r, "memberId"))
	if err != nil {
		common.WriteError(w, err)
		return
	}

	q := r.URL.Query()
	page, err := common.ParsePage(q.Get("page"), q.Get("pageSize"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	start, err := common.ParseDateBound(q.Get("startDate"), false)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	end, err := common.ParseDateBound(q.Get("endDate"), true)
	if err != nil {
		common.WriteError(w, err)
		return
	}

	result, err := h.service.GetHistory(r.Context(), caller, memberID, HistoryFilter{
		Type:      TransactionType(q.Get("type")),
		Source:    q.Get("source"),
		StartDate: start,
		EndDate:   end,
		Page:      page,
	})
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.WriteData(w, http.StatusOK, result)
}

func (h *Handler) transfer(w http.ResponseWriter, r *http.Request) {
	caller, ok := common.CallerFrom(r.Context())
	if !ok {
		common.WriteError(w, common.ErrUnauthorized)
		return
	}

	var req TransferRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}

	t, err := h.service.Transfer(r.Context(), caller, req)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.WriteData(w, http.StatusCreated, map[string]interface{}{"transfer": t})
}
