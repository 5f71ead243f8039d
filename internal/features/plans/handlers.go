package plans

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"serotonyl.ru/s2a/internal/httpx"
)

// Handler exposes plans over HTTP.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts under /api/plans.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{planID}", h.get)
	r.Delete("/{planID}", h.delete)
	r.Post("/{planID}/tasks", h.addTask)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	childID, _, err := httpx.QueryInt64(r, "child_id")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	day, err := httpx.QueryDate(r, "date")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	plans, err := h.service.List(r.Context(), childID, day)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, plans)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var in CreateInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	plan, err := h.service.Create(r.Context(), in)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, plan)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLInt64(r, "planID")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	plan, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, plan)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLInt64(r, "planID")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) addTask(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLInt64(r, "planID")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	var in TaskInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	plan, err := h.service.AddTask(r.Context(), id, in)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, plan)
}
