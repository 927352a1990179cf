package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/lhp/internal/platform/auth"
)

// Recovery turns a handler panic into a 500. The log line names the route,
// the record it was working on and the caller.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				rid, _ := c.Get("request_id").(string)
				evt := logger.Error().
					Str("request_id", rid).
					Str("method", c.Request().Method).
					Str("route", c.Path()).
					Str("path", c.Request().URL.Path)
				for i, name := range c.ParamNames() {
					if i < len(c.ParamValues()) {
						evt = evt.Str(recordField(c.Path(), name), c.ParamValues()[i])
					}
				}
				if id, ok := auth.IdentityFromContext(c.Request().Context()); ok {
					evt = evt.Str("user_id", id.UserID.String()).Str("role", string(id.Role.Kind()))
				}
				if tid, ok := c.Get("tenant_id").(string); ok {
					evt = evt.Str("tenant_id", tid)
				}
				evt.Str("panic", fmt.Sprint(r)).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}()
			return next(c)
		}
	}
}

// recordField names a path parameter in logs. A bare :id takes its name
// from the collection before it, so /consultations/:id logs event_id.
func recordField(route, param string) string {
	if param != "id" {
		return toSnake(param)
	}
	segments := strings.Split(strings.Trim(route, "/"), "/")
	for i, seg := range segments {
		if seg != ":id" || i == 0 {
			continue
		}
		switch segments[i-1] {
		case "consultations", "prescriptions":
			return "event_id"
		case "suggestions":
			return "suggestion_id"
		case "patients":
			return "patient_id"
		}
	}
	return "id"
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
