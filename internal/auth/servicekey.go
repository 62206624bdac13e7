// Package auth guards the bridge's internal and admin routes with a shared
// service-to-service credential. The platform webhook callback stays public;
// its authenticity is checked by the platform connector.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// HeaderServiceKey carries the shared credential on internal requests.
const HeaderServiceKey = "X-Service-Key"

// ServiceKeyMiddleware returns a middleware that rejects requests whose
// service key does not match. Paths accepted by the skipper pass through
// unauthenticated.
func ServiceKeyMiddleware(key string, skipper middleware.Skipper) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}
			if strings.TrimSpace(key) == "" {
				return echo.NewHTTPError(http.StatusInternalServerError, "service key not configured")
			}
			provided := strings.TrimSpace(c.Request().Header.Get(HeaderServiceKey))
			if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid service key")
			}
			return next(c)
		}
	}
}
