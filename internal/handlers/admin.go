package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/KeremKalyoncu/medresolve/internal/cache"
	"github.com/KeremKalyoncu/medresolve/internal/credential"
	apperrors "github.com/KeremKalyoncu/medresolve/internal/errors"
	"github.com/KeremKalyoncu/medresolve/internal/types"
)

// CacheAdmin is the part of the result cache operators can see and clear
type CacheAdmin interface {
	Stats(ctx context.Context) (cache.Stats, error)
	Clear(ctx context.Context, platform types.Platform) (int64, error)
}

// ServiceMonitor exposes the governor's view of each platform
type ServiceMonitor interface {
	Stats() map[types.Platform]types.ServiceStats
	ServiceConfig(ctx context.Context, platform types.Platform) types.PlatformServiceConfig
}

// CredentialTester probes a stored credential
type CredentialTester interface {
	Test(ctx context.Context, id string) (bool, error)
}

// BreakerStates reports upstream breaker states by name
type BreakerStates interface {
	States() map[string]string
}

// AdminHandler serves the operator endpoints
type AdminHandler struct {
	cache       CacheAdmin
	services    ServiceMonitor
	credentials CredentialTester
	breakers    BreakerStates
	logger      *zap.Logger
}

// NewAdminHandler creates an admin handler
func NewAdminHandler(c CacheAdmin, services ServiceMonitor, credentials CredentialTester, breakers BreakerStates, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		cache:       c,
		services:    services,
		credentials: credentials,
		breakers:    breakers,
		logger:      logger,
	}
}

// CacheStats reports hit rate and live entries per platform
// GET /api/v1/cache/stats
func (h *AdminHandler) CacheStats(c *fiber.Ctx) error {
	stats, err := h.cache.Stats(c.UserContext())
	if err != nil {
		return apperrors.ErrInternal.WithCause(err)
	}
	return c.JSON(stats)
}

// ClearCache drops cached results, of one platform when ?platform= is given
// DELETE /api/v1/cache
func (h *AdminHandler) ClearCache(c *fiber.Ctx) error {
	platform := types.Platform(c.Query("platform"))
	if platform != "" && !platform.IsSupported() {
		return apperrors.ErrUnsupportedPlatform
	}

	n, err := h.cache.Clear(c.UserContext(), platform)
	if err != nil {
		return apperrors.ErrInternal.WithCause(err)
	}

	h.logger.Info("Cache cleared via API",
		zap.String("platform", string(platform)),
		zap.Int64("removed", n),
	)
	return c.JSON(fiber.Map{
		"success": true,
		"removed": n,
	})
}

// ServiceStats reports config, running stats and breaker state per platform
// GET /api/v1/services/stats
func (h *AdminHandler) ServiceStats(c *fiber.Ctx) error {
	stats := h.services.Stats()
	breakers := h.breakers.States()

	out := make(fiber.Map, len(types.SupportedPlatforms))
	for _, p := range types.SupportedPlatforms {
		breaker := breakers[string(p)]
		if breaker == "" {
			breaker = "closed"
		}
		out[string(p)] = fiber.Map{
			"config":  h.services.ServiceConfig(c.UserContext(), p),
			"stats":   stats[p],
			"breaker": breaker,
		}
	}
	return c.JSON(out)
}

// TestCredential probes a credential's session against its platform
// POST /api/v1/credentials/:id/test
func (h *AdminHandler) TestCredential(c *fiber.Ctx) error {
	id := c.Params("id")
	ok, err := h.credentials.Test(c.UserContext(), id)
	if errors.Is(err, credential.ErrUnknownCredential) {
		return apperrors.ErrNotFound.WithMessage("Credential not found")
	}
	if err != nil {
		return apperrors.ErrInternal.WithCause(err)
	}
	return c.JSON(fiber.Map{
		"id":    id,
		"valid": ok,
	})
}
