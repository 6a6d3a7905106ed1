package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/relaydesk/relaydesk/internal/auth"
	"github.com/relaydesk/relaydesk/internal/channel"
)

// ConnectionsHandler manages a company's channel connections. Credential
// payloads are accepted on create/update and never echoed back.
type ConnectionsHandler struct {
	store    channel.ConfigStore
	registry *channel.Registry
	manager  *channel.Manager
	validate *validator.Validate
	logger   *slog.Logger
}

func NewConnectionsHandler(log *slog.Logger, store channel.ConfigStore, registry *channel.Registry, manager *channel.Manager) *ConnectionsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ConnectionsHandler{
		store:    store,
		registry: registry,
		manager:  manager,
		validate: validator.New(),
		logger:   log.With(slog.String("handler", "connections")),
	}
}

func (h *ConnectionsHandler) Register(e *echo.Echo) {
	g := e.Group("/connections")
	g.GET("/channels", h.ListChannels)
	g.GET("", h.List)
	g.POST("", h.Create)
	g.GET("/:id", h.Get)
	g.PUT("/:id", h.Update)
	g.DELETE("/:id", h.Delete)
}

// ListChannels reports the available channel types and the credential
// fields each one needs.
func (h *ConnectionsHandler) ListChannels(c echo.Context) error {
	return c.JSON(http.StatusOK, h.registry.ListDescriptors())
}

func (h *ConnectionsHandler) List(c echo.Context) error {
	claims, err := auth.AgentFromContext(c)
	if err != nil {
		return err
	}
	configs, err := h.store.ListByCompany(c.Request().Context(), claims.CompanyID)
	if err != nil {
		h.logger.Error("list connections failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "list failed")
	}
	if configs == nil {
		configs = []channel.ConnectionConfig{}
	}
	return c.JSON(http.StatusOK, configs)
}

type createConnectionRequest struct {
	Channel          string            `json:"channel" validate:"required"`
	Name             string            `json:"name" validate:"required"`
	Credentials      map[string]string `json:"credentials"`
	AutoReplyDefault bool              `json:"auto_reply_default"`
}

func (h *ConnectionsHandler) Create(c echo.Context) error {
	claims, err := auth.AgentFromContext(c)
	if err != nil {
		return err
	}
	var req createConnectionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ct := channel.ChannelType(req.Channel)
	if !ct.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown channel type")
	}

	cfg, err := h.store.Create(c.Request().Context(), channel.CreateConnectionRequest{
		CompanyID:        claims.CompanyID,
		Channel:          ct,
		Name:             req.Name,
		Credentials:      req.Credentials,
		AutoReplyDefault: req.AutoReplyDefault,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	h.refresh(c)
	return c.JSON(http.StatusCreated, cfg)
}

func (h *ConnectionsHandler) Get(c echo.Context) error {
	cfg, err := h.authorized(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cfg)
}

func (h *ConnectionsHandler) Update(c echo.Context) error {
	cfg, err := h.authorized(c)
	if err != nil {
		return err
	}
	var req channel.UpdateConnectionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	updated, err := h.store.Update(c.Request().Context(), cfg.ID, req)
	if err != nil {
		if errors.Is(err, channel.ErrConnectionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "connection not found")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	h.refresh(c)
	return c.JSON(http.StatusOK, updated)
}

func (h *ConnectionsHandler) Delete(c echo.Context) error {
	cfg, err := h.authorized(c)
	if err != nil {
		return err
	}
	if err := h.store.Delete(c.Request().Context(), cfg.ID); err != nil {
		if errors.Is(err, channel.ErrConnectionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "connection not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "delete failed")
	}
	h.refresh(c)
	return c.NoContent(http.StatusNoContent)
}

// refresh reconciles long-lived connections (Telegram polling) after a
// config change instead of waiting for the next periodic pass.
func (h *ConnectionsHandler) refresh(c echo.Context) {
	if h.manager == nil {
		return
	}
	h.manager.Refresh(c.Request().Context())
}

func (h *ConnectionsHandler) authorized(c echo.Context) (channel.ConnectionConfig, error) {
	claims, err := auth.AgentFromContext(c)
	if err != nil {
		return channel.ConnectionConfig{}, err
	}
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return channel.ConnectionConfig{}, echo.NewHTTPError(http.StatusBadRequest, "connection id is required")
	}
	cfg, err := h.store.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, channel.ErrConnectionNotFound) {
			return channel.ConnectionConfig{}, echo.NewHTTPError(http.StatusNotFound, "connection not found")
		}
		return channel.ConnectionConfig{}, echo.NewHTTPError(http.StatusInternalServerError, "lookup failed")
	}
	if cfg.CompanyID != claims.CompanyID {
		return channel.ConnectionConfig{}, echo.NewHTTPError(http.StatusNotFound, "connection not found")
	}
	return cfg, nil
}
