package rules

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"serotonyl.ru/s2a/internal/httpx"
)

// Handler exposes the registry over HTTP.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts under /api/rules.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Post("/seed-defaults", h.seedDefaults)
	r.Get("/{ruleID}", h.get)
	r.Patch("/{ruleID}", h.update)
	r.Put("/{ruleID}/active", h.setActive)
	r.Delete("/{ruleID}", h.delete)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	activeOnly, err := httpx.QueryBool(r, "active_only")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	rules, err := h.service.List(r.Context(), activeOnly)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rules)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLInt64(r, "ruleID")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	rule, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rule)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var in CreateInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	rule, err := h.service.Create(r.Context(), in)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, rule)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLInt64(r, "ruleID")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	var in UpdateInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	rule, err := h.service.Update(r.Context(), id, in)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rule)
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLInt64(r, "ruleID")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	var body struct {
		Active bool `json:"active"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	rule, err := h.service.SetActive(r.Context(), id, body.Active)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rule)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLInt64(r, "ruleID")
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

func (h *Handler) seedDefaults(w http.ResponseWriter, r *http.Request) {
	created, err := h.service.SeedDefaults(r.Context())
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"created": created,
		"seeded":  len(created) > 0,
	})
}
