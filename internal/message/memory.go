package message

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaydesk/relaydesk/internal/conversation"
	"github.com/relaydesk/relaydesk/internal/cursor"
)

// MemoryStore is an in-memory Store over a conversation.MemoryStore. It
// applies the same NextUnread bookkeeping as the SQL implementation.
type MemoryStore struct {
	// Now supplies timestamps; replace in tests for determinism.
	Now func() time.Time

	conversations *conversation.MemoryStore
	mu            sync.Mutex
	byConv        map[string][]*Message
	byID          map[string]*Message
	seq           int64
}

// NewMemoryStore creates a MemoryStore appending into the given
// conversation store.
func NewMemoryStore(conversations *conversation.MemoryStore) *MemoryStore {
	return &MemoryStore{
		Now:           time.Now,
		conversations: conversations,
		byConv:        map[string][]*Message{},
		byID:          map[string]*Message{},
	}
}

func (s *MemoryStore) Append(ctx context.Context, input AppendInput) (Message, conversation.Conversation, error) {
	if !input.Role.Valid() {
		return Message{}, conversation.Conversation{}, fmt.Errorf("invalid role %q", input.Role)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.conversations.Get(ctx, input.ConversationID)
	if err != nil {
		return Message{}, conversation.Conversation{}, err
	}

	s.seq++
	msg := &Message{
		ID:                uuid.NewString(),
		ConversationID:    input.ConversationID,
		Role:              input.Role,
		Text:              input.Text,
		Attachment:        input.Attachment,
		SenderAgentID:     input.SenderAgentID,
		SenderName:        input.SenderName,
		PlatformMessageID: input.PlatformMessageID,
		CreatedAt:         s.Now().UTC(),
		Seq:               s.seq,
	}
	s.byConv[input.ConversationID] = append(s.byConv[input.ConversationID], msg)
	s.byID[msg.ID] = msg

	updated, err := s.conversations.ApplyMessage(
		conv.ID, NextUnread(conv.UnreadCount, input.Role), msg.CreatedAt)
	if err != nil {
		return Message{}, conversation.Conversation{}, err
	}
	return *msg, updated, nil
}

func (s *MemoryStore) ListBefore(ctx context.Context, conversationID, cur string, limit int) (Page, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var beforeTime time.Time
	var beforeSeq int64
	if cur != "" {
		ts, key, err := cursor.Decode(cur)
		if err != nil {
			return Page{}, err
		}
		if _, err := fmt.Sscanf(key, "%d", &beforeSeq); err != nil {
			return Page{}, fmt.Errorf("%w: bad key", cursor.ErrInvalid)
		}
		beforeTime = ts
	}

	s.mu.Lock()
	items := make([]Message, 0, len(s.byConv[conversationID]))
	for _, msg := range s.byConv[conversationID] {
		items = append(items, *msg)
	}
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].Seq > items[j].Seq
	})
	if cur != "" {
		cut := len(items)
		for i, msg := range items {
			if msg.CreatedAt.Before(beforeTime) ||
				(msg.CreatedAt.Equal(beforeTime) && msg.Seq < beforeSeq) {
				cut = i
				break
			}
		}
		items = items[cut:]
	}

	page := Page{Messages: items}
	if len(items) > limit {
		page.Messages = items[:limit]
		last := page.Messages[limit-1]
		page.NextCursor = cursor.Encode(last.CreatedAt, fmt.Sprintf("%d", last.Seq))
	}
	return page, nil
}

func (s *MemoryStore) ListRecent(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	page, err := s.ListBefore(ctx, conversationID, "", limit)
	if err != nil {
		return nil, err
	}
	out := page.Messages
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *MemoryStore) MarkDeliveryFailed(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	msg.DeliveryFailed = true
	msg.DeliveryError = reason
	return nil
}

func (s *MemoryStore) SetPlatformMessageID(ctx context.Context, id, platformMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	msg.PlatformMessageID = platformMessageID
	return nil
}
