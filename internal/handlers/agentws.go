package handlers

import (
	"context"
	"errors"
	"log/slog"

	"github.com/labstack/echo/v4"

	"github.com/relaydesk/relaydesk/internal/auth"
	"github.com/relaydesk/relaydesk/internal/conversation"
	"github.com/relaydesk/relaydesk/internal/realtime"
)

// AgentSocketHandler upgrades authenticated agent connections into the
// realtime hub. The JWT middleware has already validated the token by
// the time this runs (sockets pass it as a query parameter).
type AgentSocketHandler struct {
	hub           *realtime.Hub
	conversations conversation.Store
	logger        *slog.Logger
}

func NewAgentSocketHandler(log *slog.Logger, hub *realtime.Hub, conversations conversation.Store) *AgentSocketHandler {
	if log == nil {
		log = slog.Default()
	}
	h := &AgentSocketHandler{
		hub:           hub,
		conversations: conversations,
		logger:        log.With(slog.String("handler", "agent_ws")),
	}
	hub.AuthorizeJoin = h.authorizeJoin
	return h
}

func (h *AgentSocketHandler) Register(e *echo.Echo) {
	e.GET("/ws", h.Socket)
}

func (h *AgentSocketHandler) Socket(c echo.Context) error {
	claims, err := auth.AgentFromContext(c)
	if err != nil {
		return err
	}
	return h.hub.ServeAgent(c.Response(), c.Request(), claims.CompanyID)
}

// authorizeJoin stops agents from joining conversation rooms of other
// companies.
func (h *AgentSocketHandler) authorizeJoin(ctx context.Context, companyID, conversationID string) error {
	conv, err := h.conversations.Get(ctx, conversationID)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return errors.New("conversation not found")
		}
		return err
	}
	if conv.CompanyID != companyID {
		return errors.New("conversation belongs to another company")
	}
	return nil
}
