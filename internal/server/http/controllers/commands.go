package controllers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rzbill/cmdfeed/internal/command"
	"github.com/rzbill/cmdfeed/internal/fanout"
	"github.com/rzbill/cmdfeed/internal/feed"
)

// CommandsController accepts privacy commands for fan-out.
type CommandsController struct {
	svc *feed.Service
}

func NewCommandsController(svc *feed.Service) *CommandsController {
	return &CommandsController{svc: svc}
}

func (c *CommandsController) RegisterRoutes(r chi.Router) {
	r.Post("/commands", c.handleIngest)
}

// handleIngest takes a command in its wire form. 202 with the ingest result;
// a partial publish answers 503 with the same body so callers can retry.
func (c *CommandsController) handleIngest(w http.ResponseWriter, r *http.Request) {
	var cmd command.Command
	if err := decodeBody(r, &cmd); err != nil {
		if errors.Is(err, command.ErrUnsupportedCommandKind) {
			writeServiceError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	res, err := c.svc.Ingest(r.Context(), cmd)
	if errors.Is(err, fanout.ErrPartialPublish) {
		writeJSONStatus(w, http.StatusServiceUnavailable, res)
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, res)
}
