package controllers

import (
	"github.com/go-chi/chi/v5"

	"github.com/rzbill/cmdfeed/internal/feed"
)

// ControllerRegistry groups the HTTP controllers over one feed service.
type ControllerRegistry struct {
	general  *GeneralController
	commands *CommandsController
	leases   *LeasesController
	exports  *ExportsController
}

func NewControllerRegistry(svc *feed.Service) *ControllerRegistry {
	return &ControllerRegistry{
		general:  NewGeneralController(svc),
		commands: NewCommandsController(svc),
		leases:   NewLeasesController(svc),
		exports:  NewExportsController(svc),
	}
}

// RegisterAllRoutes mounts every endpoint. Health is public; everything else
// sits behind auth.
func (r *ControllerRegistry) RegisterAllRoutes(router chi.Router, jwtSecret string) {
	router.Route("/v1", func(v1 chi.Router) {
		v1.Get("/healthz", r.general.handleHealth)
		v1.Group(func(p chi.Router) {
			p.Use(Authenticate(jwtSecret))
			r.general.RegisterRoutes(p)
			r.commands.RegisterRoutes(p)
			r.leases.RegisterRoutes(p)
			r.exports.RegisterRoutes(p)
		})
	})
}
