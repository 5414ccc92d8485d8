package engine

import "github.com/gofiber/fiber/v2"

// Routes groups the handlers served under /api.
type Routes struct {
	Entities  *Handler
	Documents *DocumentHandler
	Analyzer  *Analyzer
}

// RegisterRoutes mounts the audit API on api. Fixed paths are registered
// before the generic entity routes so they take precedence.
func RegisterRoutes(api fiber.Router, r Routes) {
	api.Post("/documents/upload", r.Documents.Upload)
	api.Get("/documents/:id/content", r.Documents.Content)
	api.Post("/analysis_runs/start", r.Analyzer.HandleStart)

	api.Get("/:entity", r.Entities.List)
	api.Get("/:entity/:id", r.Entities.GetByID)
	api.Post("/:entity", r.Entities.Create)
	api.Put("/:entity/:id", r.Entities.Update)
	api.Delete("/:entity/:id", r.Entities.Delete)
}
