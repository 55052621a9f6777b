// Package catalog — handlers.go отдаёт витрину пакетов.
package catalog

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"serotonyl.ru/points-ledger/internal/common"
)

// Handler обслуживает GET /packages.
type Handler struct {
	catalog *Catalog
}

// NewHandler создаёт обработчик витрины.
func NewHandler(c *Catalog) *Handler {
	return &Handler{catalog: c}
}

// Register вешает маршруты на роутер.
func (h *Handler) Register(r chi.Router) {
	r.Get("/packages", h.list)
}

func (h *Handler) list(w http.ResponseWriter, _ *http.Request) {
	common.WriteData(w, http.StatusOK, h.catalog.Listing())
}
