package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spec-kit/helpdesk-engine/internal/api/http/handlers"
	"github.com/spec-kit/helpdesk-engine/internal/auth"
	"github.com/spec-kit/helpdesk-engine/internal/domain"
	"github.com/spec-kit/helpdesk-engine/internal/observability"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Tickets        *handlers.TicketsHandler
	Ops            *handlers.OpsHandler
	AuthMiddleware *auth.AuthMiddleware
	Metrics        *observability.Metrics
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	if reg := cfg.Metrics.Registry(); reg != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	tickets := app.Group("/tickets", cfg.AuthMiddleware.Handle, auth.RequireRole())
	tickets.Post("", cfg.Tickets.CreateTicket)
	tickets.Get("/:id", cfg.Tickets.GetTicket)
	tickets.Post("/:id/status", cfg.Tickets.Transition)
	tickets.Post("/:id/comments", cfg.Tickets.AddComment)
	tickets.Put("/:id/tat", auth.RequireRole(domain.RoleAdmin, domain.RoleSuperAdmin), cfg.Tickets.SetTAT)

	ops := app.Group("/ops", cfg.AuthMiddleware.Handle, auth.RequireRole(domain.RoleSuperAdmin, domain.RoleSystem))
	ops.Post("/escalations/run", cfg.Ops.RunEscalations)
	ops.Post("/outbox/dispatch", cfg.Ops.Dispatch)
	ops.Get("/outbox/stuck", cfg.Ops.ListStuck)
	ops.Post("/outbox/:id/requeue", cfg.Ops.Requeue)
}
