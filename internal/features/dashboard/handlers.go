package dashboard

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"serotonyl.ru/s2a/internal/httpx"
)

// Handler exposes dashboards over HTTP.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts under /api/dashboard.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/child/{childID}", h.child)
	r.Get("/parent", h.parent)
}

func (h *Handler) child(w http.ResponseWriter, r *http.Request) {
	childID, err := httpx.URLInt64(r, "childID")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	d, err := h.service.Child(r.Context(), childID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, d)
}

func (h *Handler) parent(w http.ResponseWriter, r *http.Request) {
	d, err := h.service.Parent(r.Context())
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, d)
}
