package api

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/gridsignal/marketstream/internal/ratelimit"
	"github.com/gridsignal/marketstream/pkg/model"
)

// QueryStore is the read-only view over the latest-value cache consumed by
// external collaborators.
type QueryStore interface {
	Get(ctx context.Context, zone, location string) (*model.PriceEvent, error)
	GetZoneLatest(ctx context.Context, zone string) (*model.PriceEvent, error)
	GetStats(ctx context.Context, zone string) (*model.ZoneStats, error)
}

// RateChecker is the limiter interface consumed by the check endpoint and
// the gating middleware.
type RateChecker interface {
	Check(ctx context.Context, tenantID, endpoint string) (ratelimit.Decision, error)
}

// Handler serves the query and rate-limit interfaces for the HTTP layer.
type Handler struct {
	logger *zap.Logger
	store  QueryStore
	limits RateChecker
}

// NewHandler builds the API handler.
func NewHandler(logger *zap.Logger, store QueryStore, limits RateChecker) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{logger: logger, store: store, limits: limits}
}

func zoneParam(c *fiber.Ctx) (string, bool) {
	zone := strings.ToLower(c.Params("zone"))
	return zone, model.KnownZone(zone)
}

// GetLatest returns the freshest event for a whole zone.
func (h *Handler) GetLatest(c *fiber.Ctx) error {
	zone, ok := zoneParam(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown zone"})
	}

	ev, err := h.store.GetZoneLatest(c.Context(), zone)
	if err != nil {
		h.logger.Error("api.latest_failed", zap.String("zone", zone), zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "cache unavailable"})
	}
	if ev == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no recent data for zone"})
	}
	return c.JSON(ev)
}

// GetLatestLocation returns the freshest event for one (zone, location).
func (h *Handler) GetLatestLocation(c *fiber.Ctx) error {
	zone, ok := zoneParam(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown zone"})
	}
	location := c.Params("location")

	ev, err := h.store.Get(c.Context(), zone, location)
	if err != nil {
		h.logger.Error("api.latest_location_failed",
			zap.String("zone", zone), zap.String("location", location), zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "cache unavailable"})
	}
	if ev == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no recent data for location"})
	}
	return c.JSON(ev)
}

// GetZoneStats returns the rolling aggregates for a zone.
func (h *Handler) GetZoneStats(c *fiber.Ctx) error {
	zone, ok := zoneParam(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown zone"})
	}

	st, err := h.store.GetStats(c.Context(), zone)
	if err != nil {
		h.logger.Error("api.stats_failed", zap.String("zone", zone), zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "cache unavailable"})
	}
	if st == nil {
		return c.JSON(model.ZoneStats{Zone: zone})
	}
	return c.JSON(st)
}

type checkRequest struct {
	TenantID string `json:"tenant_id"`
	Endpoint string `json:"endpoint"`
}

// CheckRateLimit is the synchronous admission interface consumed by the
// external HTTP layer before admitting any gated request.
func (h *Handler) CheckRateLimit(c *fiber.Ctx) error {
	var req checkRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	if req.TenantID == "" || req.Endpoint == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "tenant_id and endpoint required"})
	}

	dec, err := h.limits.Check(c.Context(), req.TenantID, req.Endpoint)
	if err != nil {
		h.logger.Error("api.rate_check_failed", zap.String("tenant", req.TenantID), zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "rate counter unavailable"})
	}
	return c.JSON(dec)
}
