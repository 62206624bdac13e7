package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func newServiceKeyTestServer(key string, skipper func(echo.Context) bool) *echo.Echo {
	e := echo.New()
	e.Use(ServiceKeyMiddleware(key, skipper))
	e.GET("/guarded", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/public", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	return e
}

func TestServiceKeyMiddleware(t *testing.T) {
	t.Parallel()

	e := newServiceKeyTestServer("secret-key", nil)

	req := httptest.NewRequest(http.MethodGet, "/guarded", nil)
	req.Header.Set(HeaderServiceKey, "secret-key")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/guarded", nil)
	req.Header.Set(HeaderServiceKey, "wrong-key")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/guarded", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServiceKeyMiddlewareSkipper(t *testing.T) {
	t.Parallel()

	e := newServiceKeyTestServer("secret-key", func(c echo.Context) bool {
		return c.Request().URL.Path == "/public"
	})

	req := httptest.NewRequest(http.MethodGet, "/public", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/guarded", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServiceKeyMiddlewareUnconfigured(t *testing.T) {
	t.Parallel()

	e := newServiceKeyTestServer("  ", nil)

	req := httptest.NewRequest(http.MethodGet, "/guarded", nil)
	req.Header.Set(HeaderServiceKey, "anything")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
