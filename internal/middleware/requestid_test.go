package middleware

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func TestRequestID(t *testing.T) {
	app := fiber.New()
	app.Use(RequestID())
	app.Get("/", func(c *fiber.Ctx) error {
		id, _ := c.Locals(requestIDHeader).(string)
		return c.SendString(id)
	})

	get := func(id string) string {
		req := httptest.NewRequest(fiber.MethodGet, "/", nil)
		if id != "" {
			req.Header.Set(requestIDHeader, id)
		}
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		return resp.Header.Get(requestIDHeader)
	}

	if got := get("abc-123"); got != "abc-123" {
		t.Fatalf("expected caller id echoed, got %q", got)
	}
	if got := get(""); got == "" {
		t.Fatalf("expected a generated id")
	}
	if got := get(strings.Repeat("a", maxRequestIDBytes+1)); len(got) > maxRequestIDBytes {
		t.Fatalf("oversized id must be replaced, got %d bytes", len(got))
	}
}
