package handlers

import (
	"net/http"

	"sentrydesk-backend/internal/repository"
)

type PlanHandler struct {
	plans *repository.PlanRepo
}

func NewPlanHandler(plans *repository.PlanRepo) *PlanHandler {
	return &PlanHandler{plans: plans}
}

func (h *PlanHandler) List(w http.ResponseWriter, r *http.Request) {
	plans, err := h.plans.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to load plans", r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"plans": plans})
}
