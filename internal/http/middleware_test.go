package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func TestCredentialFromRequest_CanonicalWinsOverLegacy(t *testing.T) {
	app := fiber.New()

	var got string
	app.Get("/", func(c *fiber.Ctx) error {
		got = credentialFromRequest(c)
		return c.SendStatus(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(headerAPIKey, "canonical")
	req.Header.Set(headerLegacyAPIKey, "legacy")

	if _, err := app.Test(req, -1); err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if got != "canonical" {
		t.Fatalf("expected canonical header to win, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(headerLegacyAPIKey, "legacy")
	if _, err := app.Test(req, -1); err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if got != "legacy" {
		t.Fatalf("expected legacy fallback, got %q", got)
	}
}
