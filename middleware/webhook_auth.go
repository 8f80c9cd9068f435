// middleware/webhook_auth.go
package middleware

import (
	"crypto/subtle"
	"log"
	"os"

	"github.com/gofiber/fiber/v2"
)

// WebhookAuthMiddleware gates the CRM change-notification endpoint with the
// shared secret configured on the CRM side. Bad secret → 401, no body.
func WebhookAuthMiddleware() fiber.Handler {
	secret := os.Getenv("WEBHOOK_SECRET")
	if secret == "" {
		log.Fatal("❌ WEBHOOK_SECRET is not set — webhook endpoint cannot authenticate the CRM")
	}

	return func(c *fiber.Ctx) error {
		got := c.Get("X-Webhook-Token")
		if got == "" {
			got = c.Query("token")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			log.Printf("🚫 [WEBHOOK] Rejected notification with bad secret from %s", c.IP())
			return c.SendStatus(fiber.StatusUnauthorized)
		}
		return c.Next()
	}
}
