package auth

import (
	"slices"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/helpdesk-engine/internal/domain"
	apperrors "github.com/spec-kit/helpdesk-engine/pkg/util"
)

// RequireRole ensures the caller has one of the allowed roles. With no
// roles given it only requires authentication.
func RequireRole(allowed ...domain.Role) fiber.Handler {
	return func(c *fiber.Ctx) error {
		caller, ok := CallerFromContext(c)
		if !ok {
			return apperrors.NewUnauthorized("authentication required")
		}
		if len(allowed) > 0 && !slices.Contains(allowed, caller.Role) {
			return apperrors.NewPermissionError("route-role", "insufficient role")
		}
		return c.Next()
	}
}
