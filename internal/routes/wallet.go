package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mhc-wallet/mhc_wallet/internal/session"
)

// RegisterWalletRoutes wires the wallet session endpoints. Transfers go
// through idempotency when it is available.
func RegisterWalletRoutes(r fiber.Router, h *session.Handler, idempotency fiber.Handler) {
	group := r.Group("/wallet")
	group.Post("", h.Ensure)
	group.Get("", h.Get)
	group.Post("/lock/toggle", h.ToggleLock)
	group.Put("/settings/auto-lock", h.UpdateAutoLock)
	if idempotency != nil {
		group.Post("/transfers", idempotency, h.Transfer)
	} else {
		group.Post("/transfers", h.Transfer)
	}
	group.Get("/transactions", h.Transactions)
	group.Get("/stream", h.Stream)
}
