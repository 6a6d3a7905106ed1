package conversation_test

import (
	"context"
	"testing"
	"time"

	"github.com/relaydesk/relaydesk/internal/channel"
	"github.com/relaydesk/relaydesk/internal/conversation"
)

func seedInbox(t *testing.T, store *conversation.MemoryStore, n int) []conversation.Conversation {
	t.Helper()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	out := make([]conversation.Conversation, 0, n)
	for i := 0; i < n; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		store.Now = func() time.Time { return at }
		conv, err := store.Create(context.Background(), conversation.CreateParams{
			CompanyID: "co-1",
			Identity: conversation.Identity{
				Channel:      channel.ChannelWidget,
				ConnectionID: "conn-1",
				CustomerID:   "cust-" + string(rune('a'+i)),
			},
		})
		if err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
		out = append(out, conv)
	}
	return out
}

func TestListOrdersByActivityWithCursor(t *testing.T) {
	t.Parallel()

	store := conversation.NewMemoryStore()
	seeded := seedInbox(t, store, 5)
	ctx := context.Background()

	page, err := store.List(ctx, conversation.ListQuery{CompanyID: "co-1", Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Conversations) != 2 {
		t.Fatalf("page size = %d", len(page.Conversations))
	}
	if page.Conversations[0].ID != seeded[4].ID || page.Conversations[1].ID != seeded[3].ID {
		t.Fatalf("expected most recent activity first")
	}
	if page.NextCursor == "" {
		t.Fatalf("expected next cursor")
	}

	var all []conversation.Conversation
	all = append(all, page.Conversations...)
	for page.NextCursor != "" {
		page, err = store.List(ctx, conversation.ListQuery{CompanyID: "co-1", Limit: 2, Cursor: page.NextCursor})
		if err != nil {
			t.Fatalf("list next: %v", err)
		}
		all = append(all, page.Conversations...)
	}
	if len(all) != 5 {
		t.Fatalf("paged total = %d, want 5", len(all))
	}
	seen := map[string]bool{}
	for _, conv := range all {
		if seen[conv.ID] {
			t.Fatalf("conversation %s appeared twice", conv.ID)
		}
		seen[conv.ID] = true
	}
}

func TestListFilters(t *testing.T) {
	t.Parallel()

	store := conversation.NewMemoryStore()
	seeded := seedInbox(t, store, 3)
	ctx := context.Background()

	if _, err := store.SetStatus(ctx, seeded[0].ID, conversation.StatusClosed); err != nil {
		t.Fatalf("close: %v", err)
	}

	page, err := store.List(ctx, conversation.ListQuery{CompanyID: "co-1", Status: conversation.StatusOpen})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Conversations) != 2 {
		t.Fatalf("open count = %d", len(page.Conversations))
	}

	page, err = store.List(ctx, conversation.ListQuery{CompanyID: "co-other"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Conversations) != 0 {
		t.Fatalf("expected company isolation, got %d", len(page.Conversations))
	}
}

func TestMarkReadAndAutoReplyToggle(t *testing.T) {
	t.Parallel()

	store := conversation.NewMemoryStore()
	seeded := seedInbox(t, store, 1)
	ctx := context.Background()

	if _, err := store.ApplyMessage(seeded[0].ID, 3, time.Now().UTC()); err != nil {
		t.Fatalf("apply: %v", err)
	}
	conv, err := store.MarkRead(ctx, seeded[0].ID)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if conv.UnreadCount != 0 {
		t.Fatalf("unread = %d", conv.UnreadCount)
	}

	conv, err = store.SetAutoReply(ctx, seeded[0].ID, true)
	if err != nil {
		t.Fatalf("set auto reply: %v", err)
	}
	if !conv.AutoReplyEnabled {
		t.Fatalf("expected auto reply enabled")
	}
}
