package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/relaydesk/relaydesk/internal/autoresponder"
	"github.com/relaydesk/relaydesk/internal/channel"
	"github.com/relaydesk/relaydesk/internal/channel/adapters/meta"
	"github.com/relaydesk/relaydesk/internal/channel/adapters/telegram"
	"github.com/relaydesk/relaydesk/internal/channel/adapters/widget"
	"github.com/relaydesk/relaydesk/internal/company"
	"github.com/relaydesk/relaydesk/internal/config"
	"github.com/relaydesk/relaydesk/internal/conversation"
	"github.com/relaydesk/relaydesk/internal/db"
	"github.com/relaydesk/relaydesk/internal/handlers"
	"github.com/relaydesk/relaydesk/internal/inbound"
	"github.com/relaydesk/relaydesk/internal/logger"
	"github.com/relaydesk/relaydesk/internal/message"
	"github.com/relaydesk/relaydesk/internal/outbound"
	"github.com/relaydesk/relaydesk/internal/realtime"
	"github.com/relaydesk/relaydesk/internal/secrets"
	"github.com/relaydesk/relaydesk/internal/server"
)

func runServe() {
	fx.New(
		fx.Provide(
			loadConfig,
			provideLogger,
			provideDBConn,
			provideSecretsBox,
			provideRegistry,
			provideChannelStore,
			provideCompanyStore,
			provideCompanyService,
			provideConversationStore,
			provideMessageStore,
			provideBus,
			providePresence,
			provideHub,
			provideMessageService,
			provideResolver,
			provideSender,
			provideGate,
			provideProcessor,
			provideQueue,
			provideChannelManager,
			providePingHandler,
			provideAuthHandler,
			provideConversationsHandler,
			provideConnectionsHandler,
			provideWebhooksHandler,
			provideWidgetHandler,
			provideAgentSocketHandler,
			provideServer,
		),
		fx.Invoke(
			startPresenceSweeper,
			startChannelManager,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.Postgres); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { conn.Close(); return nil }})
	return conn, nil
}

func provideSecretsBox(cfg config.Config) (*secrets.Box, error) {
	return secrets.NewBox(cfg.Secrets.CredentialsKey)
}

func provideRegistry(log *slog.Logger) *channel.Registry {
	registry := channel.NewRegistry()
	registry.MustRegister(telegram.New(log))
	registry.MustRegister(meta.NewFacebook(log))
	registry.MustRegister(meta.NewInstagram(log))
	registry.MustRegister(widget.New())
	return registry
}

func provideChannelStore(pool *pgxpool.Pool, box *secrets.Box, registry *channel.Registry) *channel.Store {
	return channel.NewStore(pool, box, registry)
}

func provideCompanyStore(pool *pgxpool.Pool) company.Store { return company.NewPGStore(pool) }

func provideCompanyService(store company.Store, log *slog.Logger) *company.Service {
	return company.NewService(store, log)
}

func provideConversationStore(pool *pgxpool.Pool) conversation.Store {
	return conversation.NewPGStore(pool)
}

func provideMessageStore(pool *pgxpool.Pool) message.Store { return message.NewPGStore(pool) }

func provideBus(lc fx.Lifecycle, cfg config.Config, log *slog.Logger) (realtime.Bus, error) {
	if cfg.RabbitMQ.URL == "" {
		log.Warn("rabbitmq url not configured, using in-process event bus")
		bus := realtime.NewLocalBus()
		lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return bus.Close() }})
		return bus, nil
	}
	exchange := cfg.RabbitMQ.RoomExchange
	if exchange == "" {
		exchange = config.DefaultRoomExchange
	}
	bus, err := realtime.NewAMQPBus(context.Background(), cfg.RabbitMQ.URL, exchange, log)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return bus.Close() }})
	return bus, nil
}

func providePresence(cfg config.Config, bus realtime.Bus, log *slog.Logger) *realtime.Presence {
	return realtime.NewPresence(bus, cfg.Presence.OfflineTimeout(), log)
}

func provideHub(bus realtime.Bus, presence *realtime.Presence, log *slog.Logger) *realtime.Hub {
	return realtime.NewHub(bus, presence, log)
}

func provideMessageService(store message.Store, bus realtime.Bus, log *slog.Logger) *message.Service {
	return message.NewService(store, bus, log)
}

func provideResolver(store conversation.Store, log *slog.Logger) *conversation.Resolver {
	return conversation.NewResolver(store, log)
}

func provideSender(registry *channel.Registry, store *channel.Store, messages *message.Service, log *slog.Logger) *outbound.Sender {
	return outbound.NewSender(registry, store, messages, log)
}

func provideGate(cfg config.Config, messages *message.Service, sender *outbound.Sender, log *slog.Logger) *autoresponder.Gate {
	if cfg.LLM.Model == "" {
		log.Info("llm not configured, auto-responder disabled")
		return nil
	}
	generator := autoresponder.NewOpenAIClient(cfg.LLM)
	return autoresponder.NewGate(generator, messages, sender, cfg.LLM.HistoryWindow, cfg.LLM.Timeout(), log)
}

func provideProcessor(resolver *conversation.Resolver, messages *message.Service, gate *autoresponder.Gate, log *slog.Logger) *inbound.Processor {
	return inbound.NewProcessor(resolver, messages, gate, log)
}

func provideQueue(lc fx.Lifecycle, processor *inbound.Processor, log *slog.Logger) *inbound.Queue {
	queue := inbound.NewQueue(processor, 0, 0, log)
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { queue.Close(); return nil }})
	return queue
}

func provideChannelManager(log *slog.Logger, registry *channel.Registry, store *channel.Store, processor *inbound.Processor) *channel.Manager {
	return channel.NewManager(log, registry, store, processor.Handler())
}

func providePingHandler(log *slog.Logger) *handlers.PingHandler {
	return handlers.NewPingHandler(log)
}

func provideAuthHandler(log *slog.Logger, companies *company.Service, cfg config.Config) *handlers.AuthHandler {
	return handlers.NewAuthHandler(log, companies, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL())
}

func provideConversationsHandler(log *slog.Logger, conversations conversation.Store, messages *message.Service, sender *outbound.Sender, companies company.Store) *handlers.ConversationsHandler {
	return handlers.NewConversationsHandler(log, conversations, messages, sender, companies)
}

func provideConnectionsHandler(log *slog.Logger, store *channel.Store, registry *channel.Registry, manager *channel.Manager) *handlers.ConnectionsHandler {
	return handlers.NewConnectionsHandler(log, store, registry, manager)
}

func provideWebhooksHandler(log *slog.Logger, registry *channel.Registry, store *channel.Store, queue *inbound.Queue) *handlers.WebhooksHandler {
	return handlers.NewWebhooksHandler(log, registry, store, queue)
}

func provideWidgetHandler(log *slog.Logger, store *channel.Store, resolver *conversation.Resolver, conversations conversation.Store, messages *message.Service, processor *inbound.Processor, hub *realtime.Hub, cfg config.Config) *handlers.WidgetHandler {
	return handlers.NewWidgetHandler(log, store, resolver, conversations, messages, processor, hub, cfg.Auth.JWTSecret)
}

func provideAgentSocketHandler(log *slog.Logger, hub *realtime.Hub, conversations conversation.Store) *handlers.AgentSocketHandler {
	return handlers.NewAgentSocketHandler(log, hub, conversations)
}

func provideServer(cfg config.Config, pingHandler *handlers.PingHandler, authHandler *handlers.AuthHandler, conversationsHandler *handlers.ConversationsHandler, connectionsHandler *handlers.ConnectionsHandler, webhooksHandler *handlers.WebhooksHandler, widgetHandler *handlers.WidgetHandler, agentSocketHandler *handlers.AgentSocketHandler) *server.Server {
	return server.NewServer(cfg.Server.Addr, cfg.Auth.JWTSecret,
		pingHandler, authHandler, conversationsHandler, connectionsHandler,
		webhooksHandler, widgetHandler, agentSocketHandler)
}

func startPresenceSweeper(lc fx.Lifecycle, presence *realtime.Presence) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error { go presence.Run(ctx); return nil },
		OnStop:  func(_ context.Context) error { cancel(); return nil },
	})
}

func startChannelManager(lc fx.Lifecycle, manager *channel.Manager) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error { manager.Start(ctx); return nil },
		OnStop:  func(_ context.Context) error { cancel(); manager.Stop(); return nil },
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, cfg config.Config, companies *company.Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := companies.EnsureAdmin(ctx, cfg.Admin); err != nil {
				return err
			}
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
