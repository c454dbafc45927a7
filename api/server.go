/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the dashboard

ROUTE GROUPS:
  /api/batches/*        Ledger operations and reports per batch
  /api/farmers/*        Farmer queries
  /api/distributors/*   Distributor queries
  /api/integrity/*      Integrity sweep
  /api/scenarios/*      Demo scenarios

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// DefaultOrigins are the CORS origins allowed when none are configured.
var DefaultOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, origins ...string) *chi.Mux {
	if len(origins) == 0 {
		origins = DefaultOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Batch routes
		r.Route("/batches", func(r chi.Router) {
			r.Get("/", h.ListBatches)
			r.Post("/", h.CreateBatch)
			r.Get("/available", h.ListAvailableBatches)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetBatch)
				r.Get("/exists", h.BatchExists)
				r.Put("/status", h.UpdateBatchStatus)
				r.Post("/transfer", h.TransferBatch)

				// Sub-ledgers
				r.Post("/processing", recorder(h, "addProcessingRecord", h.Engine.AddProcessingRecord))
				r.Post("/transport", recorder(h, "addTransportRecord", h.Engine.AddTransportRecord))
				r.Post("/quality-tests", recorder(h, "addQualityTest", h.Engine.AddQualityTest))
				r.Post("/financial", recorder(h, "addFinancialTransaction", h.Engine.AddFinancialTransaction))
				r.Post("/pricing", recorder(h, "addPricingRecord", h.Engine.AddPricingRecord))
				r.Post("/distribution", recorder(h, "addDistributionRecord", h.Engine.AddDistributionRecord))

				// Reports
				r.Get("/pricing", report(h, "getPricingHistory", h.Engine.GetPricingHistory))
				r.Get("/markup", report(h, "calculatePriceMarkup", h.Engine.CalculatePriceMarkup))
				r.Get("/verify", report(h, "verifyBatch", h.Engine.VerifyBatch))
				r.Get("/history", report(h, "getBatchHistory", h.Engine.GetBatchHistory))
				r.Get("/integrity", h.VerifyIntegrity)
				r.Get("/events", h.ListEvents)
			})
		})

		r.Get("/farmers/{name}/batches", h.ListBatchesByFarmer)
		r.Get("/distributors/{id}/batches", h.ListBatchesByDistributor)

		// Integrity sweep routes
		r.Route("/integrity", func(r chi.Router) {
			r.Get("/report", h.GetSweepReport)
			r.Post("/sweep", h.TriggerSweep)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
