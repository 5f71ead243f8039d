package wallet

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"serotonyl.ru/s2a/internal/httpx"
)

// Handler exposes wallets over HTTP.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts under /api/wallet.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/{childID}", func(r chi.Router) {
		r.Get("/", h.get)
		r.Patch("/settings", h.updateSettings)
		r.Post("/adjust", h.adjust)
		r.Post("/consume", h.consume)
		r.Get("/logs", h.logs)
		r.Get("/rewards", h.rewards)
		r.Get("/audit", h.audit)
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	childID, err := httpx.URLInt64(r, "childID")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	sum, err := h.service.Get(r.Context(), childID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sum)
}

func (h *Handler) updateSettings(w http.ResponseWriter, r *http.Request) {
	childID, err := httpx.URLInt64(r, "childID")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	var in SettingsInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	wallet, err := h.service.UpdateSettings(r.Context(), childID, in)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, wallet)
}

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request) {
	childID, err := httpx.URLInt64(r, "childID")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	var in AdjustInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	entry, err := h.service.Adjust(r.Context(), childID, in)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, entryStatus(entry), entry)
}

func (h *Handler) consume(w http.ResponseWriter, r *http.Request) {
	childID, err := httpx.URLInt64(r, "childID")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	var in ConsumeInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	entry, err := h.service.Consume(r.Context(), childID, in)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, entryStatus(entry), entry)
}

// entryStatus is 201 for a new entry and 200 for a replayed one.
func entryStatus(e *Entry) int {
	if e.Replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}

func (h *Handler) logs(w http.ResponseWriter, r *http.Request) {
	childID, err := httpx.URLInt64(r, "childID")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	limit, _, err := httpx.QueryInt64(r, "limit")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	logs, err := h.service.Logs(r.Context(), childID, int(limit))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, logs)
}

func (h *Handler) rewards(w http.ResponseWriter, r *http.Request) {
	childID, err := httpx.URLInt64(r, "childID")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	day, err := httpx.QueryDate(r, "date")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	limit, _, err := httpx.QueryInt64(r, "limit")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	grants, err := h.service.Grants(r.Context(), childID, day, int(limit))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, grants)
}

func (h *Handler) audit(w http.ResponseWriter, r *http.Request) {
	childID, err := httpx.URLInt64(r, "childID")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	report, err := h.service.Audit(r.Context(), childID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, report)
}
