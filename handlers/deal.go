// handlers/deal_routes.go
package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/jrkphani/pipeline-pulse-sub001/middleware"
	"github.com/jrkphani/pipeline-pulse-sub001/services"
)

// SetupDealRoutes wires the read/query surface and the two commands the
// surrounding product may issue (trigger sync, write back one deal).
// Everything lives under /s and requires the service token.
func SetupDealRoutes(app *fiber.App, dealService *services.DealService) {
	secured := app.Group("/s", middleware.ServiceAuthMiddleware())

	secured.Get("/deals", dealService.GetDeals)
	secured.Get("/deals/:id", dealService.GetDealByID)
	secured.Get("/sync/runs", dealService.GetSyncRuns)
	secured.Get("/health-config", dealService.GetHealthConfig)

	secured.Post("/sync/trigger", dealService.TriggerSync)
	secured.Post("/deals/:id/writeback", dealService.WriteBack)
}
