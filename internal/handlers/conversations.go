package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/relaydesk/relaydesk/internal/auth"
	"github.com/relaydesk/relaydesk/internal/channel"
	"github.com/relaydesk/relaydesk/internal/company"
	"github.com/relaydesk/relaydesk/internal/conversation"
	"github.com/relaydesk/relaydesk/internal/message"
	"github.com/relaydesk/relaydesk/internal/outbound"
)

// ConversationsHandler serves the agent inbox: listing threads, reading
// history, replying, and thread state changes.
type ConversationsHandler struct {
	conversations conversation.Store
	messages      *message.Service
	sender        *outbound.Sender
	agents        company.Store
	logger        *slog.Logger
}

func NewConversationsHandler(log *slog.Logger, conversations conversation.Store, messages *message.Service, sender *outbound.Sender, agents company.Store) *ConversationsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ConversationsHandler{
		conversations: conversations,
		messages:      messages,
		sender:        sender,
		agents:        agents,
		logger:        log.With(slog.String("handler", "conversations")),
	}
}

func (h *ConversationsHandler) Register(e *echo.Echo) {
	g := e.Group("/conversations")
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.POST("/:id/close", h.Close)
	g.POST("/:id/snooze", h.Snooze)
	g.POST("/:id/reopen", h.Reopen)
	g.POST("/:id/read", h.MarkRead)
	g.POST("/:id/auto-reply", h.SetAutoReply)
	g.GET("/:id/messages", h.ListMessages)
	g.POST("/:id/messages", h.Reply)
}

func (h *ConversationsHandler) List(c echo.Context) error {
	claims, err := auth.AgentFromContext(c)
	if err != nil {
		return err
	}

	query := conversation.ListQuery{
		CompanyID: claims.CompanyID,
		Cursor:    c.QueryParam("cursor"),
	}
	if status := c.QueryParam("status"); status != "" {
		s := conversation.Status(status)
		if !s.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown status")
		}
		query.Status = s
	}
	if ch := c.QueryParam("channel"); ch != "" {
		ct := channel.ChannelType(ch)
		if !ct.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown channel")
		}
		query.Channel = ct
	}
	if limit := c.QueryParam("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		query.Limit = n
	}

	page, err := h.conversations.List(c.Request().Context(), query)
	if err != nil {
		h.logger.Error("list conversations failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "list failed")
	}
	return c.JSON(http.StatusOK, page)
}

func (h *ConversationsHandler) Get(c echo.Context) error {
	conv, err := h.authorized(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, conv)
}

func (h *ConversationsHandler) Close(c echo.Context) error {
	return h.setStatus(c, conversation.StatusClosed)
}

func (h *ConversationsHandler) Snooze(c echo.Context) error {
	return h.setStatus(c, conversation.StatusSnoozed)
}

// Reopen moves a snoozed or closed thread back to open. It conflicts
// when the customer already has another active thread.
func (h *ConversationsHandler) Reopen(c echo.Context) error {
	return h.setStatus(c, conversation.StatusOpen)
}

func (h *ConversationsHandler) setStatus(c echo.Context, status conversation.Status) error {
	conv, err := h.authorized(c)
	if err != nil {
		return err
	}
	updated, err := h.conversations.SetStatus(c.Request().Context(), conv.ID, status)
	if err != nil {
		if errors.Is(err, conversation.ErrActiveExists) {
			return echo.NewHTTPError(http.StatusConflict, "customer already has an active conversation")
		}
		h.logger.Error("status change failed",
			slog.String("conversation_id", conv.ID),
			slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "status change failed")
	}
	return c.JSON(http.StatusOK, updated)
}

func (h *ConversationsHandler) MarkRead(c echo.Context) error {
	conv, err := h.authorized(c)
	if err != nil {
		return err
	}
	updated, err := h.conversations.MarkRead(c.Request().Context(), conv.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "mark read failed")
	}
	return c.JSON(http.StatusOK, updated)
}

type autoReplyRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *ConversationsHandler) SetAutoReply(c echo.Context) error {
	conv, err := h.authorized(c)
	if err != nil {
		return err
	}
	var req autoReplyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	updated, err := h.conversations.SetAutoReply(c.Request().Context(), conv.ID, req.Enabled)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "auto-reply change failed")
	}
	h.messages.AnnounceBotStatus(c.Request().Context(), updated)
	return c.JSON(http.StatusOK, updated)
}

func (h *ConversationsHandler) ListMessages(c echo.Context) error {
	conv, err := h.authorized(c)
	if err != nil {
		return err
	}
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
	}
	page, err := h.messages.Store().ListBefore(c.Request().Context(), conv.ID, c.QueryParam("cursor"), limit)
	if err != nil {
		h.logger.Error("list messages failed",
			slog.String("conversation_id", conv.ID),
			slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "list failed")
	}
	return c.JSON(http.StatusOK, page)
}

type replyRequest struct {
	Text string `json:"text"`
}

func (h *ConversationsHandler) Reply(c echo.Context) error {
	claims, err := auth.AgentFromContext(c)
	if err != nil {
		return err
	}
	conv, err := h.authorized(c)
	if err != nil {
		return err
	}
	var req replyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}

	agentName := ""
	if agent, err := h.agents.GetAgent(c.Request().Context(), claims.AgentID); err == nil {
		agentName = agent.Name
	}

	msg, err := h.sender.SendAsAgent(c.Request().Context(), outbound.ReplyInput{
		Conversation: conv,
		Text:         req.Text,
		AgentID:      claims.AgentID,
		AgentName:    agentName,
	})
	if err != nil && msg.ID == "" {
		h.logger.Error("reply failed",
			slog.String("conversation_id", conv.ID),
			slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "reply failed")
	}
	return c.JSON(http.StatusCreated, msg)
}

// authorized loads the conversation and checks it belongs to the
// caller's company. Foreign threads 404 rather than 403.
func (h *ConversationsHandler) authorized(c echo.Context) (conversation.Conversation, error) {
	claims, err := auth.AgentFromContext(c)
	if err != nil {
		return conversation.Conversation{}, err
	}
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return conversation.Conversation{}, echo.NewHTTPError(http.StatusBadRequest, "conversation id is required")
	}
	conv, err := h.conversations.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return conversation.Conversation{}, echo.NewHTTPError(http.StatusNotFound, "conversation not found")
		}
		return conversation.Conversation{}, echo.NewHTTPError(http.StatusInternalServerError, "lookup failed")
	}
	if conv.CompanyID != claims.CompanyID {
		return conversation.Conversation{}, echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	return conv, nil
}
