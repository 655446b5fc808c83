package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/mhc-wallet/mhc_wallet/internal/auth"
)

// JWTAuth resolves the bearer token to a subject and stores it in
// c.Locals("user_id").
func JWTAuth(svc *auth.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authz := c.Get(fiber.HeaderAuthorization)
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}
		token := strings.TrimSpace(authz[len("Bearer "):])
		id, err := svc.CurrentSession(c.UserContext(), token)
		if errors.Is(err, auth.ErrUnauthenticated) {
			return fiber.NewError(http.StatusUnauthorized, "invalid token")
		}
		if err != nil {
			return fiber.NewError(http.StatusServiceUnavailable, "session lookup failed")
		}

		c.Locals("user_id", id.SubjectID)
		c.Locals("token_version", id.TokenVersion)
		return c.Next()
	}
}
