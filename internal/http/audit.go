package http

import (
	"github.com/gofiber/fiber/v2"

	"crmgate/internal/store"
)

// recordDecision writes one row to the decision log when a store is
// configured. Best effort: a failed insert never fails the request it
// describes.
func recordDecision(c *fiber.Ctx, st *store.Store, d store.Decision) {
	if st == nil {
		return
	}

	if reqID, ok := c.Locals("request_id").(string); ok {
		d.RequestID = reqID
	}
	d.IP = c.IP()

	_ = st.InsertDecision(c.Context(), d)
}
