package server

import (
	"context"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/opsline/opsline/internal/auth"
)

// Handler is implemented by every HTTP handler that registers routes on the
// server.
type Handler interface {
	Register(e *echo.Echo)
}

type Server struct {
	echo *echo.Echo
	addr string
}

// NewServer builds the echo server with recovery, request logging, and
// service-key auth. Platform webhook callbacks and health endpoints are
// public; everything else requires the shared service key.
func NewServer(addr string, serviceKey string, handlers ...Handler) *Server {
	if addr == "" {
		addr = ":8080"
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLogger())
	e.Use(auth.ServiceKeyMiddleware(serviceKey, func(c echo.Context) bool {
		return shouldSkipServiceKey(c.Request().URL.Path)
	}))

	for _, h := range handlers {
		if h != nil {
			h.Register(e)
		}
	}

	return &Server{
		echo: e,
		addr: addr,
	}
}

func (s *Server) Start() error {
	return s.echo.Start(s.addr)
}

func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// shouldSkipServiceKey reports whether a path is public. Platform webhook
// callbacks cannot carry the service key; connectors verify their own
// payloads instead.
func shouldSkipServiceKey(path string) bool {
	if path == "/ping" || path == "/health" {
		return true
	}
	if strings.HasPrefix(path, "/bridge/internal/") || strings.HasPrefix(path, "/bridge/mappings") {
		return false
	}
	return strings.HasPrefix(path, "/bridge/") && strings.HasSuffix(path, "/callback")
}
