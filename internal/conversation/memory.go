package conversation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaydesk/relaydesk/internal/channel"
	"github.com/relaydesk/relaydesk/internal/cursor"
)

// MemoryStore is an in-memory Store implementation. It enforces the same
// single-active-conversation rule as the partial unique index, which makes
// it usable for tests of the resolver's concurrency contract.
type MemoryStore struct {
	// Now supplies timestamps; replace in tests for determinism.
	Now func() time.Time

	mu   sync.Mutex
	byID map[string]*Conversation
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{Now: time.Now, byID: map[string]*Conversation{}}
}

func (s *MemoryStore) FindActive(ctx context.Context, identity Identity) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.findActiveLocked(identity)
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return *conv, nil
}

func (s *MemoryStore) findActiveLocked(identity Identity) (*Conversation, bool) {
	var best *Conversation
	for _, conv := range s.byID {
		if conv.Identity() == identity && conv.Status.Active() {
			if best == nil || conv.LastMessageAt.After(best.LastMessageAt) {
				best = conv
			}
		}
	}
	return best, best != nil
}

func (s *MemoryStore) Create(ctx context.Context, params CreateParams) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.findActiveLocked(params.Identity); exists {
		return Conversation{}, ErrActiveExists
	}
	now := s.Now().UTC()
	profile := params.Profile
	if profile.Attributes == nil {
		profile.Attributes = map[string]string{}
	}
	conv := &Conversation{
		ID:               uuid.NewString(),
		CompanyID:        params.CompanyID,
		ConnectionID:     params.Identity.ConnectionID,
		Channel:          params.Identity.Channel,
		CustomerID:       params.Identity.CustomerID,
		Status:           StatusOpen,
		AutoReplyEnabled: params.AutoReplyEnabled,
		LastMessageAt:    now,
		Customer:         profile,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.byID[conv.ID] = conv
	return *conv, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.byID[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return *conv, nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, id string, status Status) (Conversation, error) {
	if !status.Valid() {
		return Conversation{}, fmt.Errorf("invalid status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.byID[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	if status.Active() && !conv.Status.Active() {
		for _, other := range s.byID {
			if other.ID != conv.ID && other.Status.Active() &&
				other.CompanyID == conv.CompanyID && other.Identity() == conv.Identity() {
				return Conversation{}, ErrActiveExists
			}
		}
	}
	conv.Status = status
	conv.UpdatedAt = s.Now().UTC()
	return *conv, nil
}

func (s *MemoryStore) SetAutoReply(ctx context.Context, id string, enabled bool) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.byID[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	conv.AutoReplyEnabled = enabled
	conv.UpdatedAt = s.Now().UTC()
	return *conv, nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, id string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.byID[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	conv.UnreadCount = 0
	conv.UpdatedAt = s.Now().UTC()
	return *conv, nil
}

func (s *MemoryStore) UpdateProfile(ctx context.Context, id string, profile channel.CustomerProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if profile.Name != "" {
		conv.Customer.Name = profile.Name
	}
	if profile.Email != "" {
		conv.Customer.Email = profile.Email
	}
	if profile.Phone != "" {
		conv.Customer.Phone = profile.Phone
	}
	if profile.Address != "" {
		conv.Customer.Address = profile.Address
	}
	if conv.Customer.Attributes == nil {
		conv.Customer.Attributes = map[string]string{}
	}
	for k, v := range profile.Attributes {
		conv.Customer.Attributes[k] = v
	}
	conv.UpdatedAt = s.Now().UTC()
	return nil
}

func (s *MemoryStore) List(ctx context.Context, query ListQuery) (Page, error) {
	limit := query.Limit
	if limit <= 0 || limit > 200 {
		limit = defaultPageSize
	}
	var afterTime time.Time
	var afterID string
	if query.Cursor != "" {
		ts, id, err := cursor.Decode(query.Cursor)
		if err != nil {
			return Page{}, err
		}
		afterTime, afterID = ts, id
	}

	s.mu.Lock()
	items := make([]Conversation, 0, len(s.byID))
	for _, conv := range s.byID {
		if conv.CompanyID != query.CompanyID {
			continue
		}
		if query.Status != "" && conv.Status != query.Status {
			continue
		}
		if query.Channel != "" && conv.Channel != query.Channel {
			continue
		}
		items = append(items, *conv)
	}
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		if !items[i].LastMessageAt.Equal(items[j].LastMessageAt) {
			return items[i].LastMessageAt.After(items[j].LastMessageAt)
		}
		return items[i].ID > items[j].ID
	})
	if query.Cursor != "" {
		cut := len(items)
		for i, conv := range items {
			if conv.LastMessageAt.Before(afterTime) ||
				(conv.LastMessageAt.Equal(afterTime) && conv.ID < afterID) {
				cut = i
				break
			}
		}
		items = items[cut:]
	}

	page := Page{Conversations: items}
	if len(items) > limit {
		page.Conversations = items[:limit]
		last := page.Conversations[limit-1]
		page.NextCursor = cursor.Encode(last.LastMessageAt, last.ID)
	}
	return page, nil
}

// ApplyMessage records message activity: the message store calls it to
// bump last_message_at and set the new unread count in the same logical
// step as the append.
func (s *MemoryStore) ApplyMessage(id string, unread int, at time.Time) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.byID[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	conv.UnreadCount = unread
	conv.LastMessageAt = at
	conv.UpdatedAt = at
	return *conv, nil
}
