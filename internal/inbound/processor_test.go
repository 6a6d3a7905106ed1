package inbound_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relaydesk/relaydesk/internal/autoresponder"
	"github.com/relaydesk/relaydesk/internal/channel"
	"github.com/relaydesk/relaydesk/internal/conversation"
	"github.com/relaydesk/relaydesk/internal/inbound"
	"github.com/relaydesk/relaydesk/internal/message"
	"github.com/relaydesk/relaydesk/internal/outbound"
	"github.com/relaydesk/relaydesk/internal/realtime"
)

type echoGenerator struct{}

func (echoGenerator) Generate(ctx context.Context, history []autoresponder.Turn) (string, error) {
	return "thanks, we are on it", nil
}

type fakeAdapter struct {
	ct channel.ChannelType
}

func (f fakeAdapter) Type() channel.ChannelType { return f.ct }

func (f fakeAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{Type: f.ct, DisplayName: string(f.ct)}
}

func (f fakeAdapter) Send(ctx context.Context, cfg channel.ConnectionConfig, msg channel.OutboundMessage) (channel.SendResult, error) {
	return channel.SendResult{PlatformMessageID: "out-1"}, nil
}

type staticConfigs struct {
	cfg channel.ConnectionConfig
}

func (s *staticConfigs) Get(ctx context.Context, id string) (channel.ConnectionConfig, error) {
	return s.cfg, nil
}

type env struct {
	processor *inbound.Processor
	convs     *conversation.MemoryStore
	msgs      *message.MemoryStore
	bus       *realtime.LocalBus
	cfg       channel.ConnectionConfig
}

func newEnv(t *testing.T, withBot bool) env {
	t.Helper()
	convs := conversation.NewMemoryStore()
	msgs := message.NewMemoryStore(convs)
	bus := realtime.NewLocalBus()
	t.Cleanup(func() { bus.Close() })

	cfg := channel.ConnectionConfig{
		ID:               "conn-1",
		CompanyID:        "co-1",
		Channel:          channel.ChannelTelegram,
		AutoReplyDefault: withBot,
		Enabled:          true,
	}

	registry := channel.NewRegistry()
	registry.MustRegister(fakeAdapter{ct: channel.ChannelTelegram})
	svc := message.NewService(msgs, bus, nil)
	resolver := conversation.NewResolver(convs, nil)

	var gate *autoresponder.Gate
	if withBot {
		sender := outbound.NewSender(registry, &staticConfigs{cfg: cfg}, svc, nil)
		gate = autoresponder.NewGate(echoGenerator{}, svc, sender, 5, time.Second, nil)
	}
	processor := inbound.NewProcessorSync(resolver, svc, gate, nil)
	return env{processor: processor, convs: convs, msgs: msgs, bus: bus, cfg: cfg}
}

func event(text string) channel.InboundEvent {
	return channel.InboundEvent{
		Channel:           channel.ChannelTelegram,
		ConnectionID:      "conn-1",
		CustomerID:        "777",
		Profile:           channel.CustomerProfile{Name: "Dana"},
		Text:              text,
		PlatformMessageID: "in-1",
		ReceivedAt:        time.Now(),
	}
}

func TestProcessCreatesConversationAndStoresMessage(t *testing.T) {
	t.Parallel()

	e := newEnv(t, false)
	ctx := context.Background()

	var mu sync.Mutex
	var events []realtime.Event
	cancel, err := e.bus.Subscribe(realtime.CompanyRoom("co-1"), func(ev realtime.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if err := e.processor.Process(ctx, e.cfg, event("hi, order 42 is late")); err != nil {
		t.Fatalf("process: %v", err)
	}

	page, err := e.convs.List(ctx, conversation.ListQuery{CompanyID: "co-1"})
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(page.Conversations) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(page.Conversations))
	}
	conv := page.Conversations[0]
	if conv.UnreadCount != 1 {
		t.Fatalf("unread = %d", conv.UnreadCount)
	}
	if conv.Customer.Name != "Dana" {
		t.Fatalf("profile not stored: %+v", conv.Customer)
	}

	msgs, err := e.msgs.ListRecent(ctx, conv.ID, 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != message.RoleUser || msgs[0].PlatformMessageID != "in-1" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}

	mu.Lock()
	defer mu.Unlock()
	var kinds []string
	var newMessages int
	for _, ev := range events {
		if ev.Type == realtime.EventMessageNew {
			newMessages++
		}
		if vu, ok := ev.Data.(realtime.ViewUpdate); ok {
			kinds = append(kinds, string(vu.Kind))
		}
	}
	if len(kinds) != 2 || kinds[0] != "new_conversation" || kinds[1] != "new_message" {
		t.Fatalf("inbox saw %v", kinds)
	}
	// The company room carries the full message too, not just the view
	// update, so inbox clients can render previews without a fetch.
	if newMessages != 1 {
		t.Fatalf("company room saw %d message:new events", newMessages)
	}
}

func TestProcessReusesOpenConversation(t *testing.T) {
	t.Parallel()

	e := newEnv(t, false)
	ctx := context.Background()

	if err := e.processor.Process(ctx, e.cfg, event("first")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := e.processor.Process(ctx, e.cfg, event("second")); err != nil {
		t.Fatalf("process: %v", err)
	}

	page, err := e.convs.List(ctx, conversation.ListQuery{CompanyID: "co-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Conversations) != 1 {
		t.Fatalf("expected a single thread, got %d", len(page.Conversations))
	}
	if page.Conversations[0].UnreadCount != 2 {
		t.Fatalf("unread = %d", page.Conversations[0].UnreadCount)
	}
}

func TestProcessTriggersBotReply(t *testing.T) {
	t.Parallel()

	e := newEnv(t, true)
	ctx := context.Background()

	if err := e.processor.Process(ctx, e.cfg, event("what are your hours?")); err != nil {
		t.Fatalf("process: %v", err)
	}

	page, err := e.convs.List(ctx, conversation.ListQuery{CompanyID: "co-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	conv := page.Conversations[0]

	msgs, err := e.msgs.ListRecent(ctx, conv.ID, 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected user + bot message, got %d", len(msgs))
	}
	if msgs[1].Role != message.RoleBot || msgs[1].Text != "thanks, we are on it" {
		t.Fatalf("bot reply missing: %+v", msgs[1])
	}
	if conv.UnreadCount != 0 {
		t.Fatalf("bot reply should reset unread, got %d", conv.UnreadCount)
	}
}

func TestProcessSkipsEmptyEvent(t *testing.T) {
	t.Parallel()

	e := newEnv(t, false)
	if err := e.processor.Process(context.Background(), e.cfg, event("")); err != nil {
		t.Fatalf("process: %v", err)
	}
	page, err := e.convs.List(context.Background(), conversation.ListQuery{CompanyID: "co-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Conversations) != 0 {
		t.Fatalf("empty event must not create a conversation")
	}
}

func TestQueueProcessesAndRetries(t *testing.T) {
	t.Parallel()

	e := newEnv(t, false)
	q := inbound.NewQueue(e.processor, 8, 2, nil)

	if ok := q.Enqueue(e.cfg, event("queued hello")); !ok {
		t.Fatalf("enqueue rejected")
	}
	q.Close()

	page, err := e.convs.List(context.Background(), conversation.ListQuery{CompanyID: "co-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Conversations) != 1 {
		t.Fatalf("queued event not processed")
	}
}

func TestQueueRejectsAfterClose(t *testing.T) {
	t.Parallel()

	e := newEnv(t, false)
	q := inbound.NewQueue(e.processor, 1, 1, nil)
	q.Close()
	if ok := q.Enqueue(e.cfg, event("late")); ok {
		t.Fatalf("enqueue after close must be rejected")
	}
}

type flakyStore struct {
	conversation.Store
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) FindActive(ctx context.Context, identity conversation.Identity) (conversation.Conversation, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return conversation.Conversation{}, errors.New("transient store error")
	}
	f.mu.Unlock()
	return f.Store.FindActive(ctx, identity)
}

func TestQueueRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	convs := conversation.NewMemoryStore()
	flaky := &flakyStore{Store: convs, failures: 2}
	msgs := message.NewMemoryStore(convs)
	bus := realtime.NewLocalBus()
	defer bus.Close()

	svc := message.NewService(msgs, bus, nil)
	resolver := conversation.NewResolver(flaky, nil)
	processor := inbound.NewProcessorSync(resolver, svc, nil, nil)
	cfg := channel.ConnectionConfig{ID: "conn-1", CompanyID: "co-1", Channel: channel.ChannelTelegram}

	q := inbound.NewQueue(processor, 8, 1, nil)
	if ok := q.Enqueue(cfg, event("eventually works")); !ok {
		t.Fatalf("enqueue rejected")
	}
	q.Close()

	page, err := convs.List(context.Background(), conversation.ListQuery{CompanyID: "co-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Conversations) != 1 {
		t.Fatalf("event should succeed on retry")
	}
}
