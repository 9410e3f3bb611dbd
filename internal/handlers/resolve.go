package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	apperrors "github.com/KeremKalyoncu/medresolve/internal/errors"
	"github.com/KeremKalyoncu/medresolve/internal/middleware"
	"github.com/KeremKalyoncu/medresolve/internal/resolver"
	"github.com/KeremKalyoncu/medresolve/internal/types"
)

// Resolver is the part of resolver.Resolver the API serves
type Resolver interface {
	ResolveFor(ctx context.Context, rawURL, principal string) *types.ExtractionResult
	Detect(ctx context.Context, rawURL string) (*resolver.Preview, error)
}

// ResolveHandler serves synchronous resolution and URL detection
type ResolveHandler struct {
	resolver Resolver
	logger   *zap.Logger
}

// NewResolveHandler creates a resolve handler
func NewResolveHandler(r Resolver, logger *zap.Logger) *ResolveHandler {
	return &ResolveHandler{resolver: r, logger: logger}
}

// Resolve resolves one URL and answers with the ExtractionResult. Failed
// resolutions keep the result body and take the status of their error code.
// POST /api/v1/resolve
func (h *ResolveHandler) Resolve(c *fiber.Ctx) error {
	var req middleware.ResolveRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.ErrInvalidRequest.WithCause(err)
	}
	if err := middleware.ValidateResolveRequest(&req); err != nil {
		return err
	}

	result := h.resolver.ResolveFor(c.UserContext(), req.URL, middleware.Principal(c))

	status := fiber.StatusOK
	if !result.Success {
		status = apperrors.FromCode(result.ErrorCode).StatusCode
	}
	return c.Status(status).JSON(result)
}

// Detect reports the platform, canonical URL and cache key of a URL
// without touching the upstream.
// POST /api/v1/detect
func (h *ResolveHandler) Detect(c *fiber.Ctx) error {
	var req middleware.ResolveRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.ErrInvalidRequest.WithCause(err)
	}
	if err := middleware.ValidateResolveRequest(&req); err != nil {
		return err
	}

	preview, err := h.resolver.Detect(c.UserContext(), req.URL)
	if err != nil {
		return err
	}
	return c.JSON(preview)
}
