package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mmeshcher/orderdesk/internal/model"
	"github.com/mmeshcher/orderdesk/internal/service"
)

// CreateDraft сохраняет новый черновик.
func (h *Handler) CreateDraft(w http.ResponseWriter, r *http.Request) {
	h.saveDraft(w, r, "", http.StatusCreated)
}

// UpdateDraft перезаписывает существующий черновик.
func (h *Handler) UpdateDraft(w http.ResponseWriter, r *http.Request) {
	h.saveDraft(w, r, chi.URLParam(r, "id"), http.StatusOK)
}

func (h *Handler) saveDraft(w http.ResponseWriter, r *http.Request, id string, status int) {
	actor, ok := actorOrUnauthorized(w, r)
	if !ok {
		return
	}

	var in service.OrderInput
	if !decodeJSON(w, r, &in) {
		return
	}

	o, err := h.service.SaveDraft(r.Context(), actor, id, in)
	if err != nil {
		h.writeError(w, r, "save draft", err)
		return
	}
	writeJSON(w, status, o)
}

// ListDrafts возвращает черновики филиала от новых к старым.
func (h *Handler) ListDrafts(w http.ResponseWriter, r *http.Request) {
	drafts, err := h.service.ListDrafts(r.Context(), r.URL.Query().Get("branchId"))
	if err != nil {
		h.writeError(w, r, "list drafts", err)
		return
	}
	writeJSON(w, http.StatusOK, drafts)
}

// ResumeDraft возвращает черновик для продолжения редактирования.
func (h *Handler) ResumeDraft(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.ResumeDraft(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, "resume draft", err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// DeleteDraft удаляет черновик.
func (h *Handler) DeleteDraft(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteDraft(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, "delete draft", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FinalizeDraft фиксирует оплату черновика.
func (h *Handler) FinalizeDraft(w http.ResponseWriter, r *http.Request) {
	var p model.Payment
	if !decodeJSON(w, r, &p) {
		return
	}

	o, err := h.service.FinalizeDraft(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		h.writeError(w, r, "finalize draft", err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}
