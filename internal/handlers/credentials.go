package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	apperrors "github.com/KeremKalyoncu/medresolve/internal/errors"
	"github.com/KeremKalyoncu/medresolve/internal/store"
	"github.com/KeremKalyoncu/medresolve/internal/types"
)

// CredentialStore is the operator side of the credential table
type CredentialStore interface {
	List(ctx context.Context, platform types.Platform) ([]types.Credential, error)
	SetStatus(ctx context.Context, id string, status types.CredentialStatus) error
	Delete(ctx context.Context, id string) error
}

// CredentialHandler lets operators inspect, refresh, disable and remove
// cookie credentials. Secrets are never serialized.
type CredentialHandler struct {
	store  CredentialStore
	logger *zap.Logger
}

// NewCredentialHandler creates a credential handler
func NewCredentialHandler(s CredentialStore, logger *zap.Logger) *CredentialHandler {
	return &CredentialHandler{store: s, logger: logger}
}

// StatusRequest is the body of a credential status change
type StatusRequest struct {
	Status types.CredentialStatus `json:"status"`
}

// List returns the credentials of one platform
// GET /api/v1/credentials?platform=
func (h *CredentialHandler) List(c *fiber.Ctx) error {
	platform := types.Platform(c.Query("platform"))
	if platform == "" {
		return apperrors.ErrInvalidRequest.WithMessage("platform query parameter is required")
	}
	if !platform.IsSupported() {
		return apperrors.ErrUnsupportedPlatform
	}

	creds, err := h.store.List(c.UserContext(), platform)
	if err != nil {
		return apperrors.ErrInternal.WithCause(err)
	}
	return c.JSON(fiber.Map{
		"platform":    platform,
		"credentials": creds,
		"count":       len(creds),
	})
}

// SetStatus marks a credential healthy again after a cookie refresh, or
// disables or expires it. Cooldowns are only entered through rate limits.
// PUT /api/v1/credentials/:id/status
func (h *CredentialHandler) SetStatus(c *fiber.Ctx) error {
	var req StatusRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.ErrInvalidRequest.WithCause(err)
	}
	switch req.Status {
	case types.StatusHealthy, types.StatusDisabled, types.StatusExpired:
	default:
		return apperrors.ErrInvalidRequest.WithMessage("status must be healthy, disabled or expired")
	}

	id := c.Params("id")
	if err := h.store.SetStatus(c.UserContext(), id, req.Status); err != nil {
		return credentialError(err)
	}

	h.logger.Info("Credential status set via API",
		zap.String("credential_id", id),
		zap.String("status", string(req.Status)),
	)
	return c.JSON(fiber.Map{"id": id, "status": req.Status})
}

// Delete removes a credential and its usage history
// DELETE /api/v1/credentials/:id
func (h *CredentialHandler) Delete(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.store.Delete(c.UserContext(), id); err != nil {
		return credentialError(err)
	}

	h.logger.Info("Credential deleted via API", zap.String("credential_id", id))
	return c.JSON(fiber.Map{"success": true, "id": id})
}

func credentialError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperrors.ErrNotFound.WithMessage("Credential not found")
	}
	return apperrors.ErrInternal.WithCause(err)
}
