// Package handler is the Request Gateway: one handler per route, each
// decoding parameters, calling into internal/pool, and rendering the
// {request_id, ...} / {request_id, error} envelope shapes from spec §6.
// Error translation itself is centralized at the Fiber error handler in
// internal/server, not repeated per handler, per the second REDESIGN FLAG.
package handler

import "github.com/gofiber/fiber/v2"

// envelope renders the success shape {request_id, <payload fields>}.
// payload's keys must not include "request_id".
func envelope(c *fiber.Ctx, status int, requestID string, payload fiber.Map) error {
	body := fiber.Map{"request_id": requestID}
	for k, v := range payload {
		body[k] = v
	}
	return c.Status(status).JSON(body)
}
