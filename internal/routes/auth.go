package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mhc-wallet/mhc_wallet/internal/auth"
)

// RegisterAuthRoutes wires the public authentication endpoints. Logout sits
// behind the JWT middleware and is registered with the protected group.
func RegisterAuthRoutes(r fiber.Router, h *auth.Handler, rateLimiter fiber.Handler) {
	group := r.Group("/auth")
	if rateLimiter != nil {
		group.Post("/login", rateLimiter, h.Login)
	} else {
		group.Post("/login", h.Login)
	}
	group.Post("/refresh", h.Refresh)
}
