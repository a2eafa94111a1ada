package controllers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rzbill/cmdfeed/internal/feed"
)

// GeneralController serves health, queue statistics and dead letters.
type GeneralController struct {
	svc *feed.Service
}

func NewGeneralController(svc *feed.Service) *GeneralController {
	return &GeneralController{svc: svc}
}

func (c *GeneralController) RegisterRoutes(r chi.Router) {
	r.Get("/agents/{agentID}/stats", c.handleStats)
	r.Get("/deadletters", c.handleDeadLetters)
}

// handleHealth returns 200 {"status":"ok"} when every backend answers.
func (c *GeneralController) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := c.svc.Health(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_serving")
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (c *GeneralController) handleStats(w http.ResponseWriter, r *http.Request) {
	agent, ok := holder(r, chi.URLParam(r, "agentID"))
	if !ok {
		writeError(w, http.StatusForbidden, "agent does not match credentials")
		return
	}
	rows, err := c.svc.Statistics(r.Context(), agent)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]any{"agentId": agent, "assetGroups": rows})
}

func (c *GeneralController) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dls, err := c.svc.DeadLetters(r.Context(), q.Get("moniker"), parseLimit(q.Get("limit")))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]any{"deadLetters": dls})
}
