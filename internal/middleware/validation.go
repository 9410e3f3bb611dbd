package middleware

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	apperrors "github.com/KeremKalyoncu/medresolve/internal/errors"
)

// Request limits
const (
	MaxURLLength = 2048
	MaxBatchSize = 50
)

// ResolveRequest is the body of /resolve and /detect
type ResolveRequest struct {
	URL string `json:"url"`
}

// BatchRequest is the body of /batch
type BatchRequest struct {
	URLs []string `json:"urls"`
}

// ValidateResolveRequest checks the shape of a single-URL request. Whether
// the URL belongs to a supported platform is decided by the resolver.
func ValidateResolveRequest(req *ResolveRequest) error {
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		return apperrors.ErrInvalidURL.WithMessage("URL is required")
	}
	if len(req.URL) > MaxURLLength {
		return apperrors.ErrInvalidURL.WithMessage(fmt.Sprintf("URL must be at most %d characters", MaxURLLength))
	}
	return nil
}

// ValidateBatchRequest checks a batch body and trims its URLs
func ValidateBatchRequest(req *BatchRequest) error {
	if len(req.URLs) == 0 {
		return apperrors.ErrInvalidRequest.WithMessage("urls array is required")
	}
	if len(req.URLs) > MaxBatchSize {
		return apperrors.ErrInvalidRequest.WithMessage(fmt.Sprintf("A batch holds at most %d URLs", MaxBatchSize))
	}
	for i := range req.URLs {
		single := ResolveRequest{URL: req.URLs[i]}
		if err := ValidateResolveRequest(&single); err != nil {
			return apperrors.ErrInvalidURL.WithMessage(fmt.Sprintf("urls[%d]: %s", i, apperrors.GetErrorMessage(err)))
		}
		req.URLs[i] = single.URL
	}
	return nil
}

// ErrorHandler converts handler errors into the JSON error envelope
func ErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		statusCode := apperrors.GetStatusCode(err)
		errorCode := apperrors.GetErrorCode(err)
		errorMessage := apperrors.GetErrorMessage(err)

		// Routing and body errors raised by fiber itself
		var fe *fiber.Error
		if !apperrors.IsCustomError(err) && errors.As(err, &fe) {
			statusCode = fe.Code
			errorMessage = fe.Message
			switch {
			case fe.Code == fiber.StatusNotFound:
				errorCode = apperrors.CodeNotFound
			case fe.Code < 500:
				errorCode = apperrors.CodeInvalidRequest
			}
		}

		if statusCode >= 500 {
			logger.Error("Request error",
				zap.Error(err),
				zap.String("path", c.Path()),
				zap.String("method", c.Method()),
				zap.Int("status", statusCode),
				zap.String("error_code", errorCode),
			)
		}

		return c.Status(statusCode).JSON(fiber.Map{
			"success":   false,
			"errorCode": errorCode,
			"message":   errorMessage,
		})
	}
}

// RequireJSON rejects POST and PUT bodies that are not JSON. Empty bodies pass.
func RequireJSON() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if (c.Method() == fiber.MethodPost || c.Method() == fiber.MethodPut) && len(c.Body()) > 0 {
			if ct := c.Get(fiber.HeaderContentType); !strings.Contains(ct, fiber.MIMEApplicationJSON) {
				return apperrors.ErrInvalidRequest.WithMessage("Content-Type must be application/json")
			}
		}
		return c.Next()
	}
}
