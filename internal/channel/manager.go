package channel

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ConnectionStatus describes runtime state for one receiver connection.
type ConnectionStatus struct {
	ConfigID  string      `json:"config_id"`
	CompanyID string      `json:"company_id"`
	Channel   ChannelType `json:"channel"`
	Running   bool        `json:"running"`
	LastError string      `json:"last_error,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

type managedConn struct {
	conn      Connection
	cfg       ConnectionConfig
	updatedAt time.Time
}

// Manager keeps receiver connections in sync with the enabled connection
// configs. It starts a connection for every enabled config whose adapter
// implements Receiver, stops connections whose config was disabled or
// removed, and restarts connections whose credentials changed.
type Manager struct {
	registry        *Registry
	configs         ConfigLister
	handler         InboundHandler
	refreshInterval time.Duration
	logger          *slog.Logger

	mu          sync.Mutex
	refreshMu   sync.Mutex
	connections map[string]*managedConn
	statuses    map[string]ConnectionStatus
	cancel      context.CancelFunc
}

// NewManager creates a Manager dispatching inbound events to handler.
func NewManager(log *slog.Logger, registry *Registry, configs ConfigLister, handler InboundHandler) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Manager{
		registry:        registry,
		configs:         configs,
		handler:         handler,
		refreshInterval: time.Minute,
		logger:          log.With(slog.String("component", "channel")),
		connections:     map[string]*managedConn{},
		statuses:        map[string]ConnectionStatus{},
	}
}

// SetRefreshInterval overrides the config refresh cadence. Must be called
// before Start.
func (m *Manager) SetRefreshInterval(d time.Duration) {
	if d > 0 {
		m.refreshInterval = d
	}
}

// Start performs an initial refresh and begins the periodic refresh loop.
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.Refresh(runCtx)
	go func() {
		ticker := time.NewTicker(m.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Refresh(runCtx)
			}
		}
	}()
}

// Stop cancels the refresh loop and stops all running connections.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	conns := make([]*managedConn, 0, len(m.connections))
	for _, entry := range m.connections {
		conns = append(conns, entry)
	}
	m.connections = map[string]*managedConn{}
	m.mu.Unlock()

	for _, entry := range conns {
		entry.conn.Stop()
	}
}

// Refresh reconciles running connections with the stored configs. Safe to
// call concurrently; refreshes are serialized.
func (m *Manager) Refresh(ctx context.Context) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	desired := map[string]ConnectionConfig{}
	for _, ct := range m.registry.Types() {
		if _, ok := m.registry.Receiver(ct); !ok {
			continue
		}
		configs, err := m.configs.ListEnabledByType(ctx, ct)
		if err != nil {
			m.logger.Error("list connection configs failed", slog.String("channel", string(ct)), slog.Any("error", err))
			continue
		}
		for _, cfg := range configs {
			desired[cfg.ID] = cfg
		}
	}

	m.mu.Lock()
	var stop []*managedConn
	for id, entry := range m.connections {
		cfg, want := desired[id]
		if want && cfg.UpdatedAt.Equal(entry.updatedAt) && entry.conn.Running() {
			delete(desired, id)
			continue
		}
		stop = append(stop, entry)
		delete(m.connections, id)
		if !want {
			delete(m.statuses, id)
		}
	}
	m.mu.Unlock()

	for _, entry := range stop {
		entry.conn.Stop()
		m.logger.Info("connection stopped",
			slog.String("channel", string(entry.cfg.Channel)),
			slog.String("connection_id", entry.cfg.ID))
	}
	for _, cfg := range desired {
		m.startConnection(ctx, cfg)
	}
}

func (m *Manager) startConnection(ctx context.Context, cfg ConnectionConfig) {
	recv, ok := m.registry.Receiver(cfg.Channel)
	if !ok {
		return
	}
	conn, err := recv.Connect(ctx, cfg, m.handler)
	status := ConnectionStatus{
		ConfigID:  cfg.ID,
		CompanyID: cfg.CompanyID,
		Channel:   cfg.Channel,
		UpdatedAt: time.Now().UTC(),
	}
	if err != nil {
		status.LastError = err.Error()
		m.mu.Lock()
		m.statuses[cfg.ID] = status
		m.mu.Unlock()
		m.logger.Error("connection start failed",
			slog.String("channel", string(cfg.Channel)),
			slog.String("connection_id", cfg.ID),
			slog.Any("error", err))
		return
	}
	status.Running = true
	m.mu.Lock()
	m.connections[cfg.ID] = &managedConn{conn: conn, cfg: cfg, updatedAt: cfg.UpdatedAt}
	m.statuses[cfg.ID] = status
	m.mu.Unlock()
	m.logger.Info("connection started",
		slog.String("channel", string(cfg.Channel)),
		slog.String("connection_id", cfg.ID))
}

// Statuses reports the last known state of every managed connection,
// sorted by config id.
func (m *Manager) Statuses() []ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]ConnectionStatus, 0, len(m.statuses))
	for id, status := range m.statuses {
		if entry, ok := m.connections[id]; ok {
			status.Running = entry.conn.Running()
		}
		items = append(items, status)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ConfigID < items[j].ConfigID })
	return items
}
