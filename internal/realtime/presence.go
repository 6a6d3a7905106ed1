package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultHeartbeatInterval is the cadence widget clients are told to
// beat at. A session with no beat for two intervals is considered gone.
const DefaultHeartbeatInterval = 30 * time.Second

type presenceKey struct {
	conversationID string
	sessionID      string
}

// Presence tracks which widget customers currently have their chat tab
// open. State is in-memory only: on restart, clients re-announce within
// one heartbeat interval. Online/offline transitions are published to the
// conversation room so agents see them live.
type Presence struct {
	bus     Bus
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time

	mu   sync.Mutex
	seen map[presenceKey]time.Time
}

// NewPresence creates a tracker that expires sessions after the given
// timeout. Zero means two default heartbeat intervals.
func NewPresence(bus Bus, timeout time.Duration, log *slog.Logger) *Presence {
	if timeout <= 0 {
		timeout = 2 * DefaultHeartbeatInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Presence{
		bus:     bus,
		logger:  log.With(slog.String("component", "presence")),
		timeout: timeout,
		now:     time.Now,
		seen:    map[presenceKey]time.Time{},
	}
}

// SetClock replaces the time source. Used in tests.
func (p *Presence) SetClock(now func() time.Time) {
	p.now = now
}

// Online records a session as present and announces it. Announcing an
// already-online session is a no-op beat.
func (p *Presence) Online(ctx context.Context, conversationID, sessionID string) {
	key := presenceKey{conversationID, sessionID}
	now := p.now().UTC()

	p.mu.Lock()
	_, known := p.seen[key]
	p.seen[key] = now
	p.mu.Unlock()

	if !known {
		p.publish(ctx, EventCustomerOnline, conversationID, sessionID, now)
	}
}

// Heartbeat refreshes a session's deadline. A beat from a session the
// tracker forgot (expired or process restart) counts as coming online.
func (p *Presence) Heartbeat(ctx context.Context, conversationID, sessionID string) {
	key := presenceKey{conversationID, sessionID}
	now := p.now().UTC()

	p.mu.Lock()
	_, known := p.seen[key]
	p.seen[key] = now
	p.mu.Unlock()

	if known {
		p.publish(ctx, EventCustomerHeartbeat, conversationID, sessionID, now)
	} else {
		p.publish(ctx, EventCustomerOnline, conversationID, sessionID, now)
	}
}

// Offline removes a session immediately, for clean disconnects.
func (p *Presence) Offline(ctx context.Context, conversationID, sessionID string) {
	key := presenceKey{conversationID, sessionID}

	p.mu.Lock()
	_, known := p.seen[key]
	delete(p.seen, key)
	p.mu.Unlock()

	if known {
		p.publish(ctx, EventCustomerOffline, conversationID, sessionID, p.now().UTC())
	}
}

// IsOnline reports whether any session of the conversation is live.
func (p *Presence) IsOnline(conversationID string) bool {
	deadline := p.now().UTC().Add(-p.timeout)
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, last := range p.seen {
		if key.conversationID == conversationID && last.After(deadline) {
			return true
		}
	}
	return false
}

// Sweep expires sessions whose last beat is older than the timeout and
// announces each as offline. Returns how many were expired.
func (p *Presence) Sweep(ctx context.Context) int {
	deadline := p.now().UTC().Add(-p.timeout)

	p.mu.Lock()
	var expired []presenceKey
	for key, last := range p.seen {
		if !last.After(deadline) {
			expired = append(expired, key)
			delete(p.seen, key)
		}
	}
	p.mu.Unlock()

	for _, key := range expired {
		p.publish(ctx, EventCustomerOffline, key.conversationID, key.sessionID, p.now().UTC())
	}
	return len(expired)
}

// Run sweeps periodically until the context ends.
func (p *Presence) Run(ctx context.Context) {
	ticker := time.NewTicker(p.timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

func (p *Presence) publish(ctx context.Context, eventType EventType, conversationID, sessionID string, at time.Time) {
	event := NewEvent(eventType, CustomerPresence{
		ConversationID: conversationID,
		SessionID:      sessionID,
		At:             at,
	})
	if err := p.bus.Publish(ctx, ConversationRoom(conversationID), event); err != nil {
		p.logger.Warn("presence publish failed",
			slog.String("conversation_id", conversationID),
			slog.Any("error", err))
	}
}
