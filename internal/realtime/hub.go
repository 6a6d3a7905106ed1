package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Client event types accepted over the websocket.
const (
	ClientJoinConversation  = "join:conversation"
	ClientLeaveConversation = "leave:conversation"
	ClientJoinCompany       = "join:company"
	ClientTypingOn          = "typing:on"
	ClientTypingOff         = "typing:off"
	ClientWidgetOnline      = "widget:online"
	ClientWidgetHeartbeat   = "widget:heartbeat"
	ClientWidgetOffline     = "widget:offline"
)

// ClientEvent is a message sent upward by a connected client.
type ClientEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Hub runs websocket sessions for agents and widget customers and bridges
// them onto the bus. Each session holds bus subscriptions for the rooms it
// joined; bus events are pushed down the socket as JSON. Sessions that
// cannot keep up have events dropped, not buffered without bound.
type Hub struct {
	bus      Bus
	presence *Presence
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// AuthorizeJoin guards agent join:conversation requests. Nil allows
	// every join; wiring installs a tenancy check.
	AuthorizeJoin func(ctx context.Context, companyID, conversationID string) error
}

// NewHub creates a Hub over the given bus and presence tracker.
func NewHub(bus Bus, presence *Presence, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		bus:      bus,
		presence: presence,
		logger:   log.With(slog.String("component", "hub")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type session struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	companyID string

	// widget sessions are pinned to one conversation
	widget         bool
	conversationID string
	sessionID      string

	mu     sync.Mutex
	rooms  map[string]func()
	closed bool
}

// ServeAgent upgrades the request and runs an agent session until the
// socket closes. The session starts joined to the company room.
func (h *Hub) ServeAgent(w http.ResponseWriter, r *http.Request, companyID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	s := &session{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		companyID: companyID,
		rooms:     map[string]func(){},
	}
	if err := s.join(CompanyRoom(companyID)); err != nil {
		conn.Close()
		return err
	}
	go s.writePump()
	s.readPump(r.Context())
	return nil
}

// ServeWidget upgrades the request and runs a widget customer session.
// The customer is subscribed to their conversation room and marked online
// until the socket closes.
func (h *Hub) ServeWidget(w http.ResponseWriter, r *http.Request, conversationID, sessionID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	s := &session{
		hub:            h,
		conn:           conn,
		send:           make(chan []byte, sendBuffer),
		done:           make(chan struct{}),
		widget:         true,
		conversationID: conversationID,
		sessionID:      sessionID,
		rooms:          map[string]func(){},
	}
	if err := s.join(ConversationRoom(conversationID)); err != nil {
		conn.Close()
		return err
	}
	if h.presence != nil {
		h.presence.Online(r.Context(), conversationID, sessionID)
	}
	go s.writePump()
	s.readPump(r.Context())
	if h.presence != nil {
		h.presence.Offline(context.Background(), conversationID, sessionID)
	}
	return nil
}

// join subscribes the session to a room; events arrive on the send
// channel. Full buffers drop the event, the client reconciles by
// paginating.
func (s *session) join(room string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrBusClosed
	}
	if _, ok := s.rooms[room]; ok {
		return nil
	}
	cancel, err := s.hub.bus.Subscribe(room, func(event Event) {
		payload, err := json.Marshal(event)
		if err != nil {
			return
		}
		// A delivery can be in flight when the session tears down; the
		// bus snapshots handlers before invoking them, so cancellation
		// alone does not fence late events. The send channel is never
		// closed and the done channel absorbs stragglers.
		select {
		case <-s.done:
		case s.send <- payload:
		default:
			s.hub.logger.Warn("slow consumer, event dropped", slog.String("room", room))
		}
	})
	if err != nil {
		return err
	}
	s.rooms[room] = cancel
	return nil
}

func (s *session) leave(room string) {
	s.mu.Lock()
	cancel, ok := s.rooms[room]
	delete(s.rooms, room)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *session) teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancels := make([]func(), 0, len(s.rooms))
	for _, cancel := range s.rooms {
		cancels = append(cancels, cancel)
	}
	s.rooms = map[string]func(){}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	close(s.done)
	s.conn.Close()
}

func (s *session) readPump(ctx context.Context) {
	defer s.teardown()
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Debug("socket closed", slog.Any("error", err))
			}
			return
		}
		var event ClientEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			continue
		}
		s.handleClientEvent(ctx, event)
	}
}

func (s *session) handleClientEvent(ctx context.Context, event ClientEvent) {
	switch event.Type {
	case ClientJoinConversation:
		if s.widget || event.ConversationID == "" {
			return
		}
		if s.hub.AuthorizeJoin != nil {
			if err := s.hub.AuthorizeJoin(ctx, s.companyID, event.ConversationID); err != nil {
				s.hub.logger.Warn("join rejected",
					slog.String("conversation_id", event.ConversationID),
					slog.Any("error", err))
				return
			}
		}
		if err := s.join(ConversationRoom(event.ConversationID)); err != nil {
			s.hub.logger.Warn("join failed", slog.Any("error", err))
		}
	case ClientLeaveConversation:
		if s.widget || event.ConversationID == "" {
			return
		}
		s.leave(ConversationRoom(event.ConversationID))
	case ClientJoinCompany:
		// Agents are already in their company room from session setup;
		// join is idempotent so an explicit request is accepted as-is.
		if s.widget {
			return
		}
		if err := s.join(CompanyRoom(s.companyID)); err != nil {
			s.hub.logger.Warn("join failed", slog.Any("error", err))
		}
	case ClientTypingOn, ClientTypingOff:
		conversationID := event.ConversationID
		if s.widget {
			conversationID = s.conversationID
		}
		if conversationID == "" {
			return
		}
		kind := ViewTypingOn
		if event.Type == ClientTypingOff {
			kind = ViewTypingOff
		}
		update := NewEvent(EventViewUpdate, ViewUpdate{Kind: kind, ConversationID: conversationID})
		if err := s.hub.bus.Publish(ctx, ConversationRoom(conversationID), update); err != nil {
			s.hub.logger.Warn("typing publish failed", slog.Any("error", err))
		}
	case ClientWidgetOnline:
		if s.widget && s.hub.presence != nil {
			s.hub.presence.Online(ctx, s.conversationID, s.sessionID)
		}
	case ClientWidgetHeartbeat:
		if s.widget && s.hub.presence != nil {
			s.hub.presence.Heartbeat(ctx, s.conversationID, s.sessionID)
		}
	case ClientWidgetOffline:
		if s.widget && s.hub.presence != nil {
			s.hub.presence.Offline(ctx, s.conversationID, s.sessionID)
		}
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case payload := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
