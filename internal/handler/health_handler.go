package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

const readinessTimeout = 2 * time.Second

// Pinger reports whether the shared store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

func RegisterHealthRoutes(app fiber.Router, store Pinger) {
	app.Get("/livez", LivezHandler())
	app.Get("/readyz", ReadyzHandler(store))
}

func LivezHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status": "ok",
		})
	}
}

func ReadyzHandler(store Pinger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), readinessTimeout)
		defer cancel()

		redisStatus := "ok"
		status := "ready"
		statusCode := fiber.StatusOK
		if err := store.Ping(ctx); err != nil {
			redisStatus = "down"
			status = "not_ready"
			statusCode = fiber.StatusServiceUnavailable
		}

		return c.Status(statusCode).JSON(fiber.Map{
			"status": status,
			"checks": fiber.Map{
				"redis": redisStatus,
			},
		})
	}
}
