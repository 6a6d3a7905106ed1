package handlers_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/relaydesk/relaydesk/internal/autoresponder"
	"github.com/relaydesk/relaydesk/internal/channel"
	"github.com/relaydesk/relaydesk/internal/channel/adapters/meta"
	"github.com/relaydesk/relaydesk/internal/channel/adapters/widget"
	"github.com/relaydesk/relaydesk/internal/company"
	"github.com/relaydesk/relaydesk/internal/conversation"
	"github.com/relaydesk/relaydesk/internal/handlers"
	"github.com/relaydesk/relaydesk/internal/inbound"
	"github.com/relaydesk/relaydesk/internal/message"
	"github.com/relaydesk/relaydesk/internal/outbound"
	"github.com/relaydesk/relaydesk/internal/realtime"
	"github.com/relaydesk/relaydesk/internal/server"
)

const testJWTSecret = "handlers-test-secret"

// memConfigStore is an in-memory channel.ConfigStore for router tests.
type memConfigStore struct {
	mu      sync.Mutex
	configs map[string]channel.ConnectionConfig
}

func newMemConfigStore() *memConfigStore {
	return &memConfigStore{configs: make(map[string]channel.ConnectionConfig)}
}

func (s *memConfigStore) put(cfg channel.ConnectionConfig) channel.ConnectionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	s.configs[cfg.ID] = cfg
	return cfg
}

func (s *memConfigStore) Get(ctx context.Context, id string) (channel.ConnectionConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[id]
	if !ok {
		return channel.ConnectionConfig{}, channel.ErrConnectionNotFound
	}
	return cfg, nil
}

func (s *memConfigStore) ListEnabledByType(ctx context.Context, ct channel.ChannelType) ([]channel.ConnectionConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []channel.ConnectionConfig
	for _, cfg := range s.configs {
		if cfg.Channel == ct && cfg.Enabled {
			out = append(out, cfg)
		}
	}
	return out, nil
}

func (s *memConfigStore) ListByCompany(ctx context.Context, companyID string) ([]channel.ConnectionConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []channel.ConnectionConfig
	for _, cfg := range s.configs {
		if cfg.CompanyID == companyID {
			out = append(out, cfg)
		}
	}
	return out, nil
}

func (s *memConfigStore) Create(ctx context.Context, req channel.CreateConnectionRequest) (channel.ConnectionConfig, error) {
	return s.put(channel.ConnectionConfig{
		CompanyID:        req.CompanyID,
		Channel:          req.Channel,
		Name:             req.Name,
		Credentials:      req.Credentials,
		AutoReplyDefault: req.AutoReplyDefault,
		Enabled:          true,
	}), nil
}

func (s *memConfigStore) Update(ctx context.Context, id string, req channel.UpdateConnectionRequest) (channel.ConnectionConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[id]
	if !ok {
		return channel.ConnectionConfig{}, channel.ErrConnectionNotFound
	}
	if req.Name != nil {
		cfg.Name = *req.Name
	}
	if req.Credentials != nil {
		cfg.Credentials = req.Credentials
	}
	if req.AutoReplyDefault != nil {
		cfg.AutoReplyDefault = *req.AutoReplyDefault
	}
	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}
	cfg.UpdatedAt = time.Now().UTC()
	s.configs[id] = cfg
	return cfg, nil
}

func (s *memConfigStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[id]; !ok {
		return channel.ErrConnectionNotFound
	}
	delete(s.configs, id)
	return nil
}

type testEnv struct {
	srv     *httptest.Server
	configs *memConfigStore
	convs   *conversation.MemoryStore
	msgs    *message.MemoryStore
	queue   *inbound.Queue
	token   string
	company string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	convs := conversation.NewMemoryStore()
	msgs := message.NewMemoryStore(convs)
	bus := realtime.NewLocalBus()
	t.Cleanup(func() { bus.Close() })
	configs := newMemConfigStore()

	registry := channel.NewRegistry()
	registry.MustRegister(meta.NewFacebook(nil))
	registry.MustRegister(meta.NewInstagram(nil))
	registry.MustRegister(widget.New())

	companies := company.NewMemoryStore()
	companySvc := company.NewService(companies, nil)
	ctx := context.Background()
	co, err := companies.CreateCompany(ctx, "Acme Support")
	if err != nil {
		t.Fatalf("create company: %v", err)
	}
	if _, err := companySvc.CreateAgent(ctx, company.CreateAgentParams{
		CompanyID: co.ID, Email: "agent@example.com", Name: "Robin", Password: "agent-pass",
	}); err != nil {
		t.Fatalf("create agent: %v", err)
	}

	messageSvc := message.NewService(msgs, bus, nil)
	resolver := conversation.NewResolver(convs, nil)
	sender := outbound.NewSender(registry, configs, messageSvc, nil)
	var gate *autoresponder.Gate
	processor := inbound.NewProcessorSync(resolver, messageSvc, gate, nil)
	queue := inbound.NewQueue(processor, 32, 2, nil)
	t.Cleanup(queue.Close)

	presence := realtime.NewPresence(bus, 0, nil)
	hub := realtime.NewHub(bus, presence, nil)

	ttl := time.Hour
	s := server.NewServer(":0", testJWTSecret,
		handlers.NewPingHandler(nil),
		handlers.NewAuthHandler(nil, companySvc, testJWTSecret, ttl),
		handlers.NewConversationsHandler(nil, convs, messageSvc, sender, companies),
		handlers.NewConnectionsHandler(nil, configs, registry, nil),
		handlers.NewWebhooksHandler(nil, registry, configs, queue),
		handlers.NewWidgetHandler(nil, configs, resolver, convs, messageSvc, processor, hub, testJWTSecret),
		handlers.NewAgentSocketHandler(nil, hub, convs),
	)
	srv := httptest.NewServer(s.Echo())
	t.Cleanup(srv.Close)

	env := &testEnv{srv: srv, configs: configs, convs: convs, msgs: msgs, queue: queue, company: co.ID}
	env.token = env.login(t, "agent@example.com", "agent-pass")
	return env
}

func (e *testEnv) login(t *testing.T, email, password string) string {
	t.Helper()
	status, body := e.post(t, "/auth/login", "", map[string]string{"email": email, "password": password})
	if status != http.StatusOK {
		t.Fatalf("login status %d: %s", status, body)
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return resp.Token
}

func (e *testEnv) do(t *testing.T, method, path, token string, payload any) (int, []byte) {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, buf.Bytes()
}

func (e *testEnv) post(t *testing.T, path, token string, payload any) (int, []byte) {
	return e.do(t, http.MethodPost, path, token, payload)
}

func (e *testEnv) get(t *testing.T, path, token string) (int, []byte) {
	return e.do(t, http.MethodGet, path, token, nil)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	status, _ := env.post(t, "/auth/login", "", map[string]string{
		"email": "agent@example.com", "password": "wrong",
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d", status)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	status, _ := env.get(t, "/conversations", "")
	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d", status)
	}
}

func TestWidgetToAgentRoundTrip(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	cfg := env.configs.put(channel.ConnectionConfig{
		CompanyID: env.company,
		Channel:   channel.ChannelWidget,
		Name:      "Site widget",
		Enabled:   true,
	})

	// Visitor opens the widget and says hello.
	status, body := env.post(t, "/widget/session", "", map[string]string{
		"connection_id": cfg.ID, "name": "Vera",
	})
	if status != http.StatusOK {
		t.Fatalf("session status %d: %s", status, body)
	}
	var session struct {
		Token          string `json:"token"`
		ConversationID string `json:"conversation_id"`
		VisitorID      string `json:"visitor_id"`
	}
	if err := json.Unmarshal(body, &session); err != nil {
		t.Fatalf("decode session: %v", err)
	}

	status, body = env.post(t, "/widget/messages", session.Token, map[string]string{"text": "Hello"})
	if status != http.StatusAccepted {
		t.Fatalf("widget message status %d: %s", status, body)
	}

	// The agent inbox shows the thread with one unread message.
	status, body = env.get(t, "/conversations", env.token)
	if status != http.StatusOK {
		t.Fatalf("list status %d: %s", status, body)
	}
	var page conversation.Page
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page.Conversations) != 1 {
		t.Fatalf("conversations = %d", len(page.Conversations))
	}
	conv := page.Conversations[0]
	if conv.ID != session.ConversationID || conv.UnreadCount != 1 {
		t.Fatalf("unexpected thread: %+v", conv)
	}
	if conv.Customer.Name != "Vera" {
		t.Fatalf("profile missing: %+v", conv.Customer)
	}

	// Agent replies; unread resets.
	status, body = env.post(t, "/conversations/"+conv.ID+"/messages", env.token, map[string]string{"text": "Hi, how can I help?"})
	if status != http.StatusCreated {
		t.Fatalf("reply status %d: %s", status, body)
	}
	var sent message.Message
	if err := json.Unmarshal(body, &sent); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if sent.Role != message.RoleAgent || sent.SenderName != "Robin" {
		t.Fatalf("unexpected reply: %+v", sent)
	}

	status, body = env.get(t, "/conversations/"+conv.ID, env.token)
	if status != http.StatusOK {
		t.Fatalf("get status %d: %s", status, body)
	}
	if err := json.Unmarshal(body, &conv); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	if conv.UnreadCount != 0 {
		t.Fatalf("unread after reply = %d", conv.UnreadCount)
	}

	// The visitor sees both messages in history.
	status, body = env.get(t, "/widget/messages", session.Token)
	if status != http.StatusOK {
		t.Fatalf("history status %d: %s", status, body)
	}
	var history message.Page
	if err := json.Unmarshal(body, &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history.Messages) != 2 {
		t.Fatalf("history = %d messages", len(history.Messages))
	}

	// A new session for the same visitor resumes the same thread.
	status, body = env.post(t, "/widget/session", "", map[string]string{
		"connection_id": cfg.ID, "visitor_id": session.VisitorID,
	})
	if status != http.StatusOK {
		t.Fatalf("resume status %d: %s", status, body)
	}
	var resumed struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(body, &resumed); err != nil {
		t.Fatalf("decode resume: %v", err)
	}
	if resumed.ConversationID != session.ConversationID {
		t.Fatalf("resume created a new thread")
	}
}

func TestCloseThenNewSessionStartsFreshThread(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	cfg := env.configs.put(channel.ConnectionConfig{
		CompanyID: env.company,
		Channel:   channel.ChannelWidget,
		Name:      "Site widget",
		Enabled:   true,
	})

	_, body := env.post(t, "/widget/session", "", map[string]string{"connection_id": cfg.ID})
	var first struct {
		Token          string `json:"token"`
		ConversationID string `json:"conversation_id"`
		VisitorID      string `json:"visitor_id"`
	}
	if err := json.Unmarshal(body, &first); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	env.post(t, "/widget/messages", first.Token, map[string]string{"text": "old thread"})

	status, _ := env.post(t, "/conversations/"+first.ConversationID+"/close", env.token, nil)
	if status != http.StatusOK {
		t.Fatalf("close status %d", status)
	}

	_, body = env.post(t, "/widget/session", "", map[string]string{
		"connection_id": cfg.ID, "visitor_id": first.VisitorID,
	})
	var second struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(body, &second); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if second.ConversationID == first.ConversationID {
		t.Fatalf("closed thread was reused")
	}

	// Old history survives untouched.
	status, body = env.get(t, "/conversations/"+first.ConversationID+"/messages", env.token)
	if status != http.StatusOK {
		t.Fatalf("history status %d", status)
	}
	var history message.Page
	if err := json.Unmarshal(body, &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history.Messages) != 1 || history.Messages[0].Text != "old thread" {
		t.Fatalf("old history lost: %+v", history.Messages)
	}

	// Reopening the old thread now conflicts with the active one.
	status, _ = env.post(t, "/conversations/"+first.ConversationID+"/reopen", env.token, nil)
	if status != http.StatusConflict {
		t.Fatalf("reopen status = %d", status)
	}
}

func TestWidgetFollowsNewThreadAfterClose(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	cfg := env.configs.put(channel.ConnectionConfig{
		CompanyID: env.company,
		Channel:   channel.ChannelWidget,
		Name:      "Site widget",
		Enabled:   true,
	})

	_, body := env.post(t, "/widget/session", "", map[string]string{"connection_id": cfg.ID})
	var session struct {
		Token          string `json:"token"`
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(body, &session); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	env.post(t, "/widget/messages", session.Token, map[string]string{"text": "first thread"})

	if status, _ := env.post(t, "/conversations/"+session.ConversationID+"/close", env.token, nil); status != http.StatusOK {
		t.Fatalf("close status %d", status)
	}

	// The customer keeps typing on the open widget. The old token still
	// works; the message opens a fresh thread under the same identity.
	if status, _ := env.post(t, "/widget/messages", session.Token, map[string]string{"text": "anyone?"}); status != http.StatusAccepted {
		t.Fatalf("send status %d", status)
	}

	// History through the same token now tracks the live thread, not the
	// closed one, so agent replies are not lost on the stale socket.
	status, body := env.get(t, "/widget/messages", session.Token)
	if status != http.StatusOK {
		t.Fatalf("history status %d", status)
	}
	var history message.Page
	if err := json.Unmarshal(body, &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history.Messages) != 1 || history.Messages[0].Text != "anyone?" {
		t.Fatalf("history did not follow the live thread: %+v", history.Messages)
	}
	if history.Messages[0].ConversationID == session.ConversationID {
		t.Fatalf("message landed in the closed thread")
	}
}

const fbWebhookPayload = `{
  "object": "page",
  "entry": [{
    "id": "page-1",
    "messaging": [{
      "sender": {"id": "psid-99"},
      "recipient": {"id": "page-1"},
      "timestamp": 1700000000000,
      "message": {"mid": "mid.1", "text": "is my order ready?"}
    }]
  }]
}`

func TestFacebookWebhookVerifyAndReceive(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	cfg := env.configs.put(channel.ConnectionConfig{
		CompanyID: env.company,
		Channel:   channel.ChannelFacebook,
		Name:      "Main page",
		Credentials: map[string]string{
			meta.CredPageAccessToken: "page-token",
			meta.CredAppSecret:       "app-secret",
			meta.CredVerifyToken:     "verify-me",
		},
		Enabled: true,
	})

	// Subscription handshake.
	path := fmt.Sprintf("/webhooks/facebook/%s?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", cfg.ID)
	status, body := env.get(t, path, "")
	if status != http.StatusOK || string(body) != "12345" {
		t.Fatalf("verify status %d body %q", status, body)
	}

	status, _ = env.get(t, fmt.Sprintf("/webhooks/facebook/%s?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=1", cfg.ID), "")
	if status != http.StatusForbidden {
		t.Fatalf("bad verify token status %d", status)
	}

	// Signed delivery.
	mac := hmac.New(sha256.New, []byte("app-secret"))
	mac.Write([]byte(fbWebhookPayload))
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/webhooks/facebook/"+cfg.ID, bytes.NewReader([]byte(fbWebhookPayload)))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Hub-Signature-256", sig)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post webhook: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook status %d", resp.StatusCode)
	}

	// The queue processes asynchronously.
	deadline := time.Now().Add(3 * time.Second)
	for {
		page, err := env.convs.List(context.Background(), conversation.ListQuery{CompanyID: env.company})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(page.Conversations) == 1 {
			if page.Conversations[0].CustomerID != "psid-99" {
				t.Fatalf("unexpected customer: %+v", page.Conversations[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("webhook event never processed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Tampered body is rejected.
	req, err = http.NewRequest(http.MethodPost, env.srv.URL+"/webhooks/facebook/"+cfg.ID, bytes.NewReader([]byte(`{"object":"page","entry":[]}`)))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Hub-Signature-256", sig)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post webhook: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("tampered webhook status %d", resp.StatusCode)
	}
}

func TestConnectionsCRUD(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	status, body := env.post(t, "/connections", env.token, map[string]any{
		"channel": "widget", "name": "Docs widget",
	})
	if status != http.StatusCreated {
		t.Fatalf("create status %d: %s", status, body)
	}
	var created channel.ConnectionConfig
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	status, body = env.get(t, "/connections", env.token)
	if status != http.StatusOK {
		t.Fatalf("list status %d", status)
	}
	var list []channel.ConnectionConfig
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].ID != created.ID {
		t.Fatalf("list = %+v", list)
	}

	status, body = env.do(t, http.MethodPut, "/connections/"+created.ID, env.token, map[string]any{"enabled": false})
	if status != http.StatusOK {
		t.Fatalf("update status %d: %s", status, body)
	}
	var updated channel.ConnectionConfig
	if err := json.Unmarshal(body, &updated); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if updated.Enabled {
		t.Fatalf("update did not disable")
	}

	status, _ = env.do(t, http.MethodDelete, "/connections/"+created.ID, env.token, nil)
	if status != http.StatusNoContent {
		t.Fatalf("delete status %d", status)
	}
	status, _ = env.get(t, "/connections/"+created.ID, env.token)
	if status != http.StatusNotFound {
		t.Fatalf("get after delete status %d", status)
	}
}
