package controllers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rzbill/cmdfeed/internal/command"
	"github.com/rzbill/cmdfeed/internal/feed"
)

// LeasesController lets agents lease and settle work items.
type LeasesController struct {
	svc *feed.Service
}

func NewLeasesController(svc *feed.Service) *LeasesController {
	return &LeasesController{svc: svc}
}

func (c *LeasesController) RegisterRoutes(r chi.Router) {
	r.Post("/agents/{agentID}/lease", c.handleLease)
	r.Post("/leases/complete", c.handleComplete)
	r.Post("/leases/extend", c.handleExtend)
	r.Post("/leases/abandon", c.handleAbandon)
	r.Post("/leases/fail", c.handleFail)
}

// handleLease returns 204 when nothing is available.
func (c *LeasesController) handleLease(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	h, ok := holder(r, agentID)
	if !ok {
		writeError(w, http.StatusForbidden, "agent does not match credentials")
		return
	}
	var req leaseReq
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	item, err := c.svc.LeaseNext(r.Context(), feed.LeaseRequest{
		AgentID:      agentID,
		Holder:       h,
		AssetGroupID: req.AssetGroupID,
		Kind:         command.Kind(req.Kind),
		Moniker:      req.Moniker,
		Duration:     time.Duration(req.LeaseSeconds) * time.Second,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if item == nil {
		writeNoContent(w)
		return
	}
	writeJSON(w, newLeaseResp(item))
}

// settle decodes a receipt request and resolves the acting holder.
func settle(w http.ResponseWriter, r *http.Request) (receiptReq, string, bool) {
	var req receiptReq
	if err := decodeBody(r, &req); err != nil || req.Receipt == "" {
		writeError(w, http.StatusBadRequest, "receipt is required")
		return req, "", false
	}
	h, ok := holder(r, req.Holder)
	if !ok {
		writeError(w, http.StatusForbidden, "holder does not match credentials")
		return req, "", false
	}
	return req, h, true
}

func (c *LeasesController) handleComplete(w http.ResponseWriter, r *http.Request) {
	req, h, ok := settle(w, r)
	if !ok {
		return
	}
	if err := c.svc.Complete(r.Context(), req.Receipt, h); err != nil {
		writeServiceError(w, err)
		return
	}
	writeNoContent(w)
}

func (c *LeasesController) handleExtend(w http.ResponseWriter, r *http.Request) {
	req, h, ok := settle(w, r)
	if !ok {
		return
	}
	receipt, err := c.svc.Extend(r.Context(), req.Receipt, h, time.Duration(req.LeaseSeconds)*time.Second)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]string{"receipt": receipt})
}

func (c *LeasesController) handleAbandon(w http.ResponseWriter, r *http.Request) {
	req, h, ok := settle(w, r)
	if !ok {
		return
	}
	if err := c.svc.Abandon(r.Context(), req.Receipt, h); err != nil {
		writeServiceError(w, err)
		return
	}
	writeNoContent(w)
}

func (c *LeasesController) handleFail(w http.ResponseWriter, r *http.Request) {
	req, h, ok := settle(w, r)
	if !ok {
		return
	}
	if err := c.svc.Fail(r.Context(), req.Receipt, h, req.Reason); err != nil {
		writeServiceError(w, err)
		return
	}
	writeNoContent(w)
}
