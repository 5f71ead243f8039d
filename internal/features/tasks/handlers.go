package tasks

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"serotonyl.ru/s2a/internal/common"
	"serotonyl.ru/s2a/internal/domain"
	"serotonyl.ru/s2a/internal/httpx"
)

// Handler exposes task transitions over HTTP.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts under /api/tasks.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.list)
	r.Get("/pending", h.pending)
	r.Route("/{taskID}", func(r chi.Router) {
		r.Get("/", h.get)
		r.Patch("/", h.updateDetails)
		r.Post("/start", h.start)
		r.Post("/complete", h.complete)
		r.Post("/approve", h.approve)
		r.Post("/reject", h.reject)
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	childID, _, err := httpx.QueryInt64(r, "child_id")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	date, err := httpx.QueryDate(r, "date")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	in := ListInput{ChildID: childID, Date: date}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := domain.TaskStatus(raw)
		in.Status = &status
	}
	tasks, err := h.service.List(r.Context(), in)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, tasks)
}

func (h *Handler) pending(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.service.Pending(r.Context())
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, tasks)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLInt64(r, "taskID")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	task, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, task)
}

func (h *Handler) updateDetails(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLInt64(r, "taskID")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	var in DetailsInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	task, err := h.service.UpdateDetails(r.Context(), id, in)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, task)
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLInt64(r, "taskID")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	task, err := h.service.Start(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, task)
}

// complete accepts actual minutes in the body or as ?actual_minutes=.
func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLInt64(r, "taskID")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	var body struct {
		ActualMinutes *int `json:"actual_minutes"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if body.ActualMinutes == nil {
		if raw := r.URL.Query().Get("actual_minutes"); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil {
				httpx.WriteError(w, r, invalidParam("actual_minutes", raw))
				return
			}
			body.ActualMinutes = &v
		}
	}
	task, err := h.service.Complete(r.Context(), id, body.ActualMinutes)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, task)
}

// approve accepts the approver in the body or as ?parent_id=.
func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLInt64(r, "taskID")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	var body struct {
		ApproverID int64 `json:"approver_id"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if body.ApproverID == 0 {
		parentID, ok, err := httpx.QueryInt64(r, "parent_id")
		if err != nil {
			httpx.WriteError(w, r, err)
			return
		}
		if !ok {
			httpx.WriteError(w, r, invalidParam("approver_id", ""))
			return
		}
		body.ApproverID = parentID
	}
	res, err := h.service.Approve(r.Context(), id, body.ApproverID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLInt64(r, "taskID")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	task, err := h.service.Reject(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, task)
}

func invalidParam(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required: %w", name, common.ErrValidation)
	}
	return fmt.Errorf("invalid %s %q: %w", name, raw, common.ErrValidation)
}
