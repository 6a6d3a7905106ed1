package conversation

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/relaydesk/relaydesk/internal/channel"
)

const lockShards = 64

// Resolver maps an inbound customer identity onto its single active
// conversation, creating one when none exists. Concurrent resolves for
// the same identity are serialized by a sharded mutex; the database's
// partial unique index backstops races across processes, in which case
// the loser re-resolves and adopts the winner's conversation.
type Resolver struct {
	store  Store
	logger *slog.Logger
	locks  [lockShards]sync.Mutex
}

// NewResolver creates a Resolver over the given store.
func NewResolver(store Store, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{store: store, logger: log.With(slog.String("component", "resolver"))}
}

func (r *Resolver) lockFor(identity Identity) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(identity.Key()))
	return &r.locks[h.Sum32()%lockShards]
}

// Resolve returns the active conversation for the event's customer
// identity, creating an open one when none exists. The returned bool is
// true when a conversation was created. A fresh conversation copies its
// auto-reply flag from the connection's default. On hit, the stored
// customer profile is refreshed from the event.
func (r *Resolver) Resolve(ctx context.Context, cfg channel.ConnectionConfig, event channel.InboundEvent) (Conversation, bool, error) {
	identity := Identity{
		Channel:      event.Channel,
		ConnectionID: event.ConnectionID,
		CustomerID:   event.CustomerID,
	}
	if identity.Channel == "" || identity.ConnectionID == "" || identity.CustomerID == "" {
		return Conversation{}, false, fmt.Errorf("incomplete customer identity: %+v", identity)
	}

	mu := r.lockFor(identity)
	mu.Lock()
	defer mu.Unlock()

	conv, err := r.store.FindActive(ctx, identity)
	if err == nil {
		r.refreshProfile(ctx, conv, event.Profile)
		return conv, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Conversation{}, false, fmt.Errorf("find active conversation: %w", err)
	}

	conv, err = r.store.Create(ctx, CreateParams{
		CompanyID:        cfg.CompanyID,
		Identity:         identity,
		AutoReplyEnabled: cfg.AutoReplyDefault,
		Profile:          event.Profile,
	})
	if errors.Is(err, ErrActiveExists) {
		// Another process created the thread between our lookup and
		// insert. Adopt it.
		conv, err = r.store.FindActive(ctx, identity)
		if err != nil {
			return Conversation{}, false, fmt.Errorf("re-resolve after create conflict: %w", err)
		}
		return conv, false, nil
	}
	if err != nil {
		return Conversation{}, false, fmt.Errorf("create conversation: %w", err)
	}
	return conv, true, nil
}

// refreshProfile keeps the stored customer details current. Lookup
// results are not blocked on it; failures only lose a profile update.
func (r *Resolver) refreshProfile(ctx context.Context, conv Conversation, profile channel.CustomerProfile) {
	if profileEmpty(profile) {
		return
	}
	if err := r.store.UpdateProfile(ctx, conv.ID, profile); err != nil {
		r.logger.Warn("customer profile refresh failed",
			slog.String("conversation_id", conv.ID),
			slog.Any("error", err))
	}
}

func profileEmpty(p channel.CustomerProfile) bool {
	return p.Name == "" && p.Email == "" && p.Phone == "" && p.Address == "" && len(p.Attributes) == 0
}
