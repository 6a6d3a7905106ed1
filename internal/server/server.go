package server

import (
	"context"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/relaydesk/relaydesk/internal/auth"
	"github.com/relaydesk/relaydesk/internal/handlers"
)

type Server struct {
	echo *echo.Echo
	addr string
}

func NewServer(addr string, jwtSecret string, pingHandler *handlers.PingHandler, authHandler *handlers.AuthHandler, conversationsHandler *handlers.ConversationsHandler, connectionsHandler *handlers.ConnectionsHandler, webhooksHandler *handlers.WebhooksHandler, widgetHandler *handlers.WidgetHandler, agentSocketHandler *handlers.AgentSocketHandler) *Server {
	if addr == "" {
		addr = ":8080"
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLogger())
	e.Use(auth.JWTMiddleware(jwtSecret, func(c echo.Context) bool {
		return shouldSkipJWT(c.Request().URL.Path)
	}))

	if pingHandler != nil {
		pingHandler.Register(e)
	}
	if authHandler != nil {
		authHandler.Register(e)
	}
	if conversationsHandler != nil {
		conversationsHandler.Register(e)
	}
	if connectionsHandler != nil {
		connectionsHandler.Register(e)
	}
	if webhooksHandler != nil {
		webhooksHandler.Register(e)
	}
	if widgetHandler != nil {
		widgetHandler.Register(e)
	}
	if agentSocketHandler != nil {
		agentSocketHandler.Register(e)
	}

	return &Server{
		echo: e,
		addr: addr,
	}
}

// shouldSkipJWT reports whether a path is reachable without an agent
// token. Webhooks authenticate with platform signatures, the widget
// with its own conversation-scoped token.
func shouldSkipJWT(path string) bool {
	if path == "/ping" || path == "/health" || path == "/auth/login" {
		return true
	}
	if strings.HasPrefix(path, "/webhooks/") {
		return true
	}
	return strings.HasPrefix(path, "/widget/")
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) Start() error {
	return s.echo.Start(s.addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
