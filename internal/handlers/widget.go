package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/relaydesk/relaydesk/internal/auth"
	"github.com/relaydesk/relaydesk/internal/channel"
	"github.com/relaydesk/relaydesk/internal/channel/adapters/widget"
	"github.com/relaydesk/relaydesk/internal/conversation"
	"github.com/relaydesk/relaydesk/internal/inbound"
	"github.com/relaydesk/relaydesk/internal/message"
	"github.com/relaydesk/relaydesk/internal/realtime"
)

const widgetTokenTTL = 12 * time.Hour

// WidgetHandler is the public surface the embeddable chat widget talks
// to. A session start resolves the visitor's conversation and issues a
// conversation-scoped token; messages and the socket use that token.
type WidgetHandler struct {
	configs       channel.ConfigGetter
	resolver      *conversation.Resolver
	conversations conversation.Store
	messages      *message.Service
	processor     *inbound.Processor
	hub           *realtime.Hub
	jwtSecret     string
	logger        *slog.Logger
}

func NewWidgetHandler(log *slog.Logger, configs channel.ConfigGetter, resolver *conversation.Resolver, conversations conversation.Store, messages *message.Service, processor *inbound.Processor, hub *realtime.Hub, jwtSecret string) *WidgetHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WidgetHandler{
		configs:       configs,
		resolver:      resolver,
		conversations: conversations,
		messages:      messages,
		processor:     processor,
		hub:           hub,
		jwtSecret:     jwtSecret,
		logger:        log.With(slog.String("handler", "widget")),
	}
}

func (h *WidgetHandler) Register(e *echo.Echo) {
	e.POST("/widget/session", h.StartSession)
	e.POST("/widget/messages", h.SendMessage)
	e.GET("/widget/messages", h.History)
	e.GET("/widget/ws", h.Socket)
}

type startSessionRequest struct {
	ConnectionID string `json:"connection_id"`
	// VisitorID resumes a previous visitor's thread. Empty starts fresh.
	VisitorID string `json:"visitor_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
}

type startSessionResponse struct {
	Token          string    `json:"token"`
	ExpiresAt      time.Time `json:"expires_at"`
	ConversationID string    `json:"conversation_id"`
	VisitorID      string    `json:"visitor_id"`
	SessionID      string    `json:"session_id"`
}

func (h *WidgetHandler) StartSession(c echo.Context) error {
	var req startSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.ConnectionID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "connection_id is required")
	}

	cfg, err := h.widgetConfig(c, req.ConnectionID)
	if err != nil {
		return err
	}

	visitorID := strings.TrimSpace(req.VisitorID)
	if visitorID == "" {
		visitorID = uuid.NewString()
	}
	sessionID := uuid.NewString()

	conv, created, err := h.resolver.Resolve(c.Request().Context(), cfg, channel.InboundEvent{
		Channel:      channel.ChannelWidget,
		ConnectionID: cfg.ID,
		CustomerID:   visitorID,
		Profile:      channel.CustomerProfile{Name: req.Name, Email: req.Email},
		ReceivedAt:   time.Now(),
	})
	if err != nil {
		h.logger.Error("widget session resolve failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "session start failed")
	}
	if created {
		h.messages.AnnounceConversation(c.Request().Context(), conv)
	}

	token, expiresAt, err := auth.GenerateWidgetToken(auth.WidgetClaims{
		ConversationID: conv.ID,
		SessionID:      sessionID,
		CompanyID:      conv.CompanyID,
	}, h.jwtSecret, widgetTokenTTL)
	if err != nil {
		h.logger.Error("widget token generation failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "session start failed")
	}

	return c.JSON(http.StatusOK, startSessionResponse{
		Token:          token,
		ExpiresAt:      expiresAt,
		ConversationID: conv.ID,
		VisitorID:      visitorID,
		SessionID:      sessionID,
	})
}

type widgetMessageRequest struct {
	Text string `json:"text"`
}

func (h *WidgetHandler) SendMessage(c echo.Context) error {
	claims, conv, err := h.session(c)
	if err != nil {
		return err
	}
	var req widgetMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}

	cfg, err := h.configs.Get(c.Request().Context(), conv.ConnectionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "connection unavailable")
	}
	if err := h.processor.Process(c.Request().Context(), cfg, channel.InboundEvent{
		Channel:      channel.ChannelWidget,
		ConnectionID: conv.ConnectionID,
		CustomerID:   conv.CustomerID,
		Text:         req.Text,
		ReceivedAt:   time.Now(),
	}); err != nil {
		h.logger.Error("widget message failed",
			slog.String("conversation_id", claims.ConversationID),
			slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "message failed")
	}
	return c.NoContent(http.StatusAccepted)
}

// History pages the visitor's own thread so a reloaded widget can
// backfill what it missed.
func (h *WidgetHandler) History(c echo.Context) error {
	_, conv, err := h.session(c)
	if err != nil {
		return err
	}
	page, err := h.messages.Store().ListBefore(c.Request().Context(), conv.ID, c.QueryParam("cursor"), 0)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "list failed")
	}
	return c.JSON(http.StatusOK, page)
}

// Socket upgrades the widget connection. Presence starts on upgrade and
// ends when the socket goes away.
func (h *WidgetHandler) Socket(c echo.Context) error {
	claims, conv, err := h.session(c)
	if err != nil {
		return err
	}
	cfg, err := h.configs.Get(c.Request().Context(), conv.ConnectionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "connection unavailable")
	}
	if origin := c.Request().Header.Get("Origin"); origin != "" && !widget.OriginAllowed(cfg, origin) {
		return echo.NewHTTPError(http.StatusForbidden, "origin not allowed")
	}
	return h.hub.ServeWidget(c.Response(), c.Request(), conv.ID, claims.SessionID)
}

// session validates the widget token from the Authorization header or
// the token query parameter (sockets cannot set headers from browsers).
func (h *WidgetHandler) session(c echo.Context) (auth.WidgetClaims, conversation.Conversation, error) {
	raw := strings.TrimPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = c.QueryParam("token")
	}
	if raw == "" {
		return auth.WidgetClaims{}, conversation.Conversation{}, echo.NewHTTPError(http.StatusUnauthorized, "widget token required")
	}
	claims, err := auth.ParseWidgetToken(raw, h.jwtSecret)
	if err != nil {
		return auth.WidgetClaims{}, conversation.Conversation{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid widget token")
	}
	conv, err := h.conversations.Get(c.Request().Context(), claims.ConversationID)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return auth.WidgetClaims{}, conversation.Conversation{}, echo.NewHTTPError(http.StatusUnauthorized, "conversation gone")
		}
		return auth.WidgetClaims{}, conversation.Conversation{}, echo.NewHTTPError(http.StatusInternalServerError, "lookup failed")
	}
	if !conv.Status.Active() {
		// An agent closed this thread; the customer's next message opens
		// a new one under the same identity. Follow it so the live widget
		// sees replies on the current thread without restarting.
		if active, err := h.conversations.FindActive(c.Request().Context(), conv.Identity()); err == nil {
			conv = active
		}
	}
	return claims, conv, nil
}

func (h *WidgetHandler) widgetConfig(c echo.Context, connectionID string) (channel.ConnectionConfig, error) {
	cfg, err := h.configs.Get(c.Request().Context(), connectionID)
	if err != nil {
		if errors.Is(err, channel.ErrConnectionNotFound) {
			return channel.ConnectionConfig{}, echo.NewHTTPError(http.StatusNotFound, "connection not found")
		}
		return channel.ConnectionConfig{}, echo.NewHTTPError(http.StatusInternalServerError, "lookup failed")
	}
	if cfg.Channel != channel.ChannelWidget || !cfg.Enabled {
		return channel.ConnectionConfig{}, echo.NewHTTPError(http.StatusNotFound, "connection not found")
	}
	if origin := c.Request().Header.Get("Origin"); origin != "" && !widget.OriginAllowed(cfg, origin) {
		return channel.ConnectionConfig{}, echo.NewHTTPError(http.StatusForbidden, "origin not allowed")
	}
	return cfg, nil
}
