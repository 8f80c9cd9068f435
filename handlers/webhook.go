// handlers/webhook_routes.go
package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/jrkphani/pipeline-pulse-sub001/middleware"
	"github.com/jrkphani/pipeline-pulse-sub001/services"
)

// SetupWebhookRoutes exposes the inbound CRM change-notification endpoint,
// gated by the shared webhook secret.
func SetupWebhookRoutes(app *fiber.App, dealService *services.DealService) {
	app.Post("/webhooks/crm", middleware.WebhookAuthMiddleware(), dealService.HandleCrmNotification)
}
