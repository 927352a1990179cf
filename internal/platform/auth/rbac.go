package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that admits callers whose role is one of
// kinds. Admin always passes.
func RequireRole(kinds ...RoleKind) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, ok := IdentityFromContext(c.Request().Context())
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
			}
			have := id.Role.Kind()
			if have == KindAdmin {
				return next(c)
			}
			for _, k := range kinds {
				if have == k {
					return next(c)
				}
			}
			names := make([]string, len(kinds))
			for i, k := range kinds {
				names[i] = string(k)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(names, " or ")))
		}
	}
}

// MustIdentity returns the caller or a 401 for handlers mounted behind the
// auth middleware.
func MustIdentity(c echo.Context) (Identity, error) {
	id, ok := IdentityFromContext(c.Request().Context())
	if !ok {
		return Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
	}
	return id, nil
}
