package controllers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rzbill/cmdfeed/internal/export"
	"github.com/rzbill/cmdfeed/internal/feed"
)

// ExportsController tracks export pages and reports export status.
type ExportsController struct {
	svc *feed.Service
}

func NewExportsController(svc *feed.Service) *ExportsController {
	return &ExportsController{svc: svc}
}

func (c *ExportsController) RegisterRoutes(r chi.Router) {
	r.Get("/exports/{commandID}", c.handleStatus)
	r.Post("/exports/{commandID}/expectations", c.handleExpect)
	r.Post("/exports/{commandID}/pages", c.handlePage)
}

func (c *ExportsController) handleStatus(w http.ResponseWriter, r *http.Request) {
	res, err := c.svc.ExportStatus(r.Context(), chi.URLParam(r, "commandID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if res.StartedAt.IsZero() && res.Status != export.StatusComplete {
		writeError(w, http.StatusNotFound, "unknown export")
		return
	}
	writeJSON(w, res)
}

func (c *ExportsController) handleExpect(w http.ResponseWriter, r *http.Request) {
	var req expectReq
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	agent, ok := holder(r, req.AgentID)
	if !ok {
		writeError(w, http.StatusForbidden, "agent does not match credentials")
		return
	}
	res, err := c.svc.ExpectPages(r.Context(), chi.URLParam(r, "commandID"), agent, req.AssetGroupID, req.Pages)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, res)
}

func (c *ExportsController) handlePage(w http.ResponseWriter, r *http.Request) {
	var req pageReq
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	agent, ok := holder(r, req.AgentID)
	if !ok {
		writeError(w, http.StatusForbidden, "agent does not match credentials")
		return
	}
	if req.AssetGroupID == "" || req.Page < 1 {
		writeError(w, http.StatusBadRequest, "assetGroupId and a positive page are required")
		return
	}
	err := c.svc.ReportPage(r.Context(), export.Completion{
		CommandID:      chi.URLParam(r, "commandID"),
		Key:            export.Key{AgentID: agent, AssetGroupID: req.AssetGroupID, Page: req.Page},
		DestinationURI: req.DestinationURI,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeNoContent(w)
}
