package api

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthChecker is anything with a pingable backend.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// RegisterRoutes wires the metrics, health and v1 query surfaces.
func RegisterRoutes(app *fiber.App, nc *nats.Conn, handler *Handler,
	checkers map[string]HealthChecker) {

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Get("/health", func(c *fiber.Ctx) error {
		checks := map[string]string{"nats": "ok"}
		status := "ok"
		code := fiber.StatusOK

		if nc == nil || !nc.IsConnected() {
			checks["nats"] = "disconnected"
			status = "degraded"
			code = fiber.StatusServiceUnavailable
		} else if err := nc.FlushTimeout(1 * time.Second); err != nil {
			checks["nats"] = err.Error()
			status = "degraded"
			code = fiber.StatusServiceUnavailable
		}

		healthCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for name, checker := range checkers {
			checks[name] = "ok"
			if err := checker.HealthCheck(healthCtx); err != nil {
				checks[name] = err.Error()
				status = "degraded"
				code = fiber.StatusServiceUnavailable
			}
		}

		return c.Status(code).JSON(fiber.Map{
			"status": status,
			"checks": checks,
		})
	})

	v1 := app.Group("/api/v1")
	v1.Post("/ratelimit/check", handler.CheckRateLimit)

	gated := v1.Group("/", RateLimitMiddleware(handler.limits))
	gated.Get("/latest/:zone", handler.GetLatest)
	gated.Get("/latest/:zone/:location", handler.GetLatestLocation)
	gated.Get("/stats/:zone", handler.GetZoneStats)
}

// RateLimitMiddleware gates query traffic per tenant. The tenant is taken
// from X-Tenant-ID; unauthenticated callers share the anonymous bucket.
func RateLimitMiddleware(limits RateChecker) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if limits == nil {
			return c.Next()
		}
		tenant := c.Get("X-Tenant-ID")
		if tenant == "" {
			tenant = "anonymous"
		}

		dec, err := limits.Check(c.Context(), tenant, c.Route().Path)
		if err != nil {
			// Counter store trouble fails open: queries are read-only and
			// the denial path must not take the API down with it.
			return c.Next()
		}
		if !dec.Allowed {
			c.Set("X-RateLimit-Limit", fmt.Sprintf("%d", dec.Limit))
			c.Set("X-RateLimit-Current", fmt.Sprintf("%d", dec.Current))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "rate limit exceeded",
				"reason":  dec.Reason,
				"tier":    dec.Tier,
				"current": dec.Current,
				"limit":   dec.Limit,
			})
		}
		return c.Next()
	}
}
