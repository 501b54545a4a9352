package handlers

import "github.com/gofiber/fiber/v2"

// Register mounts the diagnostic workflow routes on r.
func (h *DiagnosticsHandler) Register(r fiber.Router) {
	r.Post("/messages", h.HandleMessage)
	r.Post("/feedback", h.HandleFeedback)
	r.Get("/sessions/:id", h.GetSession)
	r.Post("/sessions/:id/machine", h.SelectMachine)
	r.Post("/sessions/:id/abandon", h.Abandon)
	r.Post("/sessions/:id/escalate", h.Escalate)
	r.Post("/sessions/:id/rating", h.Rate)
}

// Register mounts the catalogue routes on r.
func (h *CatalogHandler) Register(r fiber.Router) {
	r.Get("/solutions", h.ListSolutions)
	r.Post("/solutions", h.RegisterSolution)
	r.Get("/machines/:model/facts", h.ListFacts)
}
