package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/relaydesk/relaydesk/internal/channel"
	"github.com/relaydesk/relaydesk/internal/channel/adapters/meta"
	"github.com/relaydesk/relaydesk/internal/inbound"
)

const maxWebhookBody = 1 << 20

// WebhooksHandler receives platform webhook deliveries. The body is
// verified against the connection's credentials, parsed into normalized
// events, and queued; the platform gets its 200 before processing runs.
type WebhooksHandler struct {
	registry *channel.Registry
	configs  channel.ConfigGetter
	queue    *inbound.Queue
	logger   *slog.Logger
}

func NewWebhooksHandler(log *slog.Logger, registry *channel.Registry, configs channel.ConfigGetter, queue *inbound.Queue) *WebhooksHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhooksHandler{
		registry: registry,
		configs:  configs,
		queue:    queue,
		logger:   log.With(slog.String("handler", "webhooks")),
	}
}

func (h *WebhooksHandler) Register(e *echo.Echo) {
	e.GET("/webhooks/:channel/:connection_id", h.Verify)
	e.POST("/webhooks/:channel/:connection_id", h.Receive)
}

// Verify answers the Meta webhook subscription handshake.
func (h *WebhooksHandler) Verify(c echo.Context) error {
	cfg, _, err := h.resolve(c)
	if err != nil {
		return err
	}
	adapter, ok := h.registry.Get(cfg.Channel)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "channel not supported")
	}
	verifier, ok := adapter.(*meta.Adapter)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "channel has no subscription handshake")
	}
	challenge, err := verifier.VerifySubscription(cfg, c.QueryParams())
	if err != nil {
		h.logger.Warn("webhook verification rejected",
			slog.String("connection_id", cfg.ID),
			slog.Any("error", err))
		return echo.NewHTTPError(http.StatusForbidden, "verification failed")
	}
	return c.String(http.StatusOK, challenge)
}

func (h *WebhooksHandler) Receive(c echo.Context) error {
	cfg, webhook, err := h.resolve(c)
	if err != nil {
		return err
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	if err := webhook.VerifyWebhook(cfg, c.Request(), body); err != nil {
		h.logger.Warn("webhook signature rejected",
			slog.String("connection_id", cfg.ID),
			slog.Any("error", err))
		return echo.NewHTTPError(http.StatusForbidden, "signature verification failed")
	}

	events, err := webhook.ParseWebhook(cfg, body)
	if err != nil {
		h.logger.Warn("webhook payload rejected",
			slog.String("connection_id", cfg.ID),
			slog.Any("error", err))
		return echo.NewHTTPError(http.StatusBadRequest, "unparseable payload")
	}
	for _, event := range events {
		event.ConnectionID = cfg.ID
		h.queue.Enqueue(cfg, event)
	}
	return c.NoContent(http.StatusOK)
}

func (h *WebhooksHandler) resolve(c echo.Context) (channel.ConnectionConfig, channel.WebhookAdapter, error) {
	ct := channel.ChannelType(strings.TrimSpace(c.Param("channel")))
	if !ct.Valid() {
		return channel.ConnectionConfig{}, nil, echo.NewHTTPError(http.StatusNotFound, "unknown channel")
	}
	id := strings.TrimSpace(c.Param("connection_id"))
	if id == "" {
		return channel.ConnectionConfig{}, nil, echo.NewHTTPError(http.StatusNotFound, "connection not found")
	}
	cfg, err := h.configs.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, channel.ErrConnectionNotFound) {
			return channel.ConnectionConfig{}, nil, echo.NewHTTPError(http.StatusNotFound, "connection not found")
		}
		return channel.ConnectionConfig{}, nil, echo.NewHTTPError(http.StatusInternalServerError, "lookup failed")
	}
	if cfg.Channel != ct || !cfg.Enabled {
		return channel.ConnectionConfig{}, nil, echo.NewHTTPError(http.StatusNotFound, "connection not found")
	}
	webhook, ok := h.registry.Webhook(ct)
	if !ok {
		return channel.ConnectionConfig{}, nil, echo.NewHTTPError(http.StatusNotFound, "channel does not receive webhooks")
	}
	return cfg, webhook, nil
}
