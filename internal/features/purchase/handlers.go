// Package purchase — handlers.go обрабатывает HTTP-запросы покупок.
package purchase

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"serotonyl.ru/points-ledger/internal/common"
)

// Handler обслуживает эндпоинты покупок.
type Handler struct {
	service *Service
}

// NewHandler создаёт обработчик покупок.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Register вешает маршруты на роутер (за middleware аутентификации).
func (h *Handler) Register(r chi.Router) {
	r.Post("/purchase", h.initiate)
	r.Post("/purchase/verify", h.verify)
	r.Get("/purchases/{memberId}", h.list)
}

func (h *Handler) initiate(w http.ResponseWriter, r *http.Request) {
	caller, ok := common.CallerFrom(r.Context())
	if !ok {
		common.WriteError(w, common.ErrUnauthorized)
		return
	}

	var req InitiateRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}

	res, err := h.service.Initiate(r.Context(), caller, req)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.WriteData(w, http.StatusCreated, res)
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	caller, ok := common.CallerFrom(r.Context())
	if !ok {
		common.WriteError(w, common.ErrUnauthorized)
		return
	}

	var req VerifyRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}

	res, err := h.service.Verify(r.Context(), caller, req.Reference)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.WriteData(w, http.StatusOK, res)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
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
	page, err := common.ParsePage(r.URL.Query().Get("page"), r.URL.Query().Get("pageSize"))
	if err != nil {
		common.WriteError(w, err)
		return
	}

	res, err := h.service.List(r.Context(), caller, memberID, page)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.WriteData(w, http.StatusOK, res)
}
