package middleware

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-evaluator/internal/utils"
)

// Roles carried in JWT claims.
const (
	AuthRoleAdmin   = "admin"
	AuthRoleTeacher = "teacher"
	AuthRoleStudent = "student"
)

// StaffRoles may re-queue evaluations and read audit internals.
var StaffRoles = []string{AuthRoleAdmin, AuthRoleTeacher}

// RequireUser rejects requests that reached the handler without an authenticated user id.
func RequireUser() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Locals("user_id") == nil {
			return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
		}
		return c.Next()
	}
}

// RequireRole ensures that the authenticated user possesses one of the allowed roles.
func RequireRole(roles ...string) fiber.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		normalized := strings.ToLower(strings.TrimSpace(role))
		if normalized != "" {
			allowed[normalized] = struct{}{}
		}
	}

	return func(c *fiber.Ctx) error {
		role := normalizeRoleValue(c.Locals("user_role"))
		if _, ok := allowed[role]; !ok {
			return utils.SendError(c, fiber.StatusForbidden, "insufficient permissions")
		}
		return c.Next()
	}
}

// IsStaff reports whether role belongs to StaffRoles.
func IsStaff(role string) bool {
	role = normalizeRoleValue(role)
	for _, staff := range StaffRoles {
		if role == staff {
			return true
		}
	}
	return false
}

func normalizeRoleValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		return strings.ToLower(strings.TrimSpace(v))
	case fmt.Stringer:
		return strings.ToLower(strings.TrimSpace(v.String()))
	default:
		if value == nil {
			return ""
		}
		return strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", value)))
	}
}
