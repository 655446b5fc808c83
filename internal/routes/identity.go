package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mhc-wallet/mhc_wallet/internal/identity"
)

// RegisterIdentityRoutes wires identity verification and sign-up.
func RegisterIdentityRoutes(r fiber.Router, h *identity.Handler) {
	r.Post("/identity/verify", h.Verify)
	r.Post("/auth/signup", h.SignUp)
}
