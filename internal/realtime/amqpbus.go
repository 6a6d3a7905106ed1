package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPBus is a Bus spanning processes through a RabbitMQ topic exchange.
// Every process holds one exclusive auto-delete queue; room subscriptions
// become queue bindings whose routing key mirrors the room name. Publishes
// go through a small channel pool. A supervisor goroutine redials with
// jittered backoff when the connection drops and restores all bindings.
type AMQPBus struct {
	url      string
	exchange string
	logger   *slog.Logger

	local     *LocalBus
	queueName string

	mu       sync.Mutex
	conn     *amqp.Connection
	pool     chan *amqp.Channel
	poolSize int
	bindings map[string]int // room -> subscriber refcount

	closed  atomic.Bool
	closeCh chan struct{}
}

// NewAMQPBus connects to RabbitMQ, declares the topic exchange, and
// starts the consumer.
func NewAMQPBus(ctx context.Context, url, exchange string, log *slog.Logger) (*AMQPBus, error) {
	if url == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}
	if exchange == "" {
		return nil, fmt.Errorf("exchange name is required")
	}
	if log == nil {
		log = slog.Default()
	}
	b := &AMQPBus{
		url:       url,
		exchange:  exchange,
		logger:    log.With(slog.String("component", "amqpbus")),
		local:     NewLocalBus(),
		queueName: exchange + "." + uuid.NewString(),
		poolSize:  8,
		bindings:  map[string]int{},
		closeCh:   make(chan struct{}),
	}
	if err := b.connect(ctx); err != nil {
		return nil, err
	}
	go b.supervise()
	return b, nil
}

func (b *AMQPBus) connect(ctx context.Context) error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("connect to rabbitmq: %w", err)
	}
	setup, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := setup.ExchangeDeclare(b.exchange, "topic", true, false, false, false, nil); err != nil {
		setup.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := setup.QueueDeclare(b.queueName, false, true, true, false, nil); err != nil {
		setup.Close()
		conn.Close()
		return fmt.Errorf("declare queue: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.pool = make(chan *amqp.Channel, b.poolSize)
	rooms := make([]string, 0, len(b.bindings))
	for room := range b.bindings {
		rooms = append(rooms, room)
	}
	b.mu.Unlock()

	for _, room := range rooms {
		if err := setup.QueueBind(b.queueName, RoutingKey(room), b.exchange, false, nil); err != nil {
			setup.Close()
			conn.Close()
			return fmt.Errorf("restore binding %s: %w", room, err)
		}
	}

	consumeCh, err := conn.Channel()
	if err != nil {
		setup.Close()
		conn.Close()
		return fmt.Errorf("open consume channel: %w", err)
	}
	deliveries, err := consumeCh.Consume(b.queueName, "", true, true, false, false, nil)
	if err != nil {
		setup.Close()
		conn.Close()
		return fmt.Errorf("start consumer: %w", err)
	}
	setup.Close()
	go b.consume(deliveries)
	return nil
}

// supervise redials after connection loss. Backoff doubles from 500ms to
// 30s with +-20% jitter.
func (b *AMQPBus) supervise() {
	for {
		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()
		if conn == nil {
			return
		}
		closeErr := make(chan *amqp.Error, 1)
		conn.NotifyClose(closeErr)

		select {
		case <-b.closeCh:
			return
		case err := <-closeErr:
			if b.closed.Load() {
				return
			}
			b.logger.Warn("connection lost", slog.Any("error", err))
		}

		backoff := 500 * time.Millisecond
		for {
			if b.closed.Load() {
				return
			}
			sleep := backoff + time.Duration(rand.Int63n(int64(backoff)/2))
			select {
			case <-b.closeCh:
				return
			case <-time.After(sleep):
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := b.connect(ctx)
			cancel()
			if err == nil {
				b.logger.Info("reconnected")
				break
			}
			b.logger.Warn("reconnect failed", slog.Any("error", err))
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}
}

func (b *AMQPBus) consume(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		var event Event
		if err := json.Unmarshal(d.Body, &event); err != nil {
			b.logger.Warn("drop malformed event", slog.Any("error", err))
			continue
		}
		room := event.Room
		if room == "" {
			continue
		}
		if err := b.local.Publish(context.Background(), room, event); err != nil {
			return
		}
	}
}

func (b *AMQPBus) borrow(ctx context.Context) (*amqp.Channel, error) {
	b.mu.Lock()
	conn := b.conn
	pool := b.pool
	b.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return nil, errors.New("amqp connection closed")
	}
	select {
	case ch := <-pool:
		if ch.IsClosed() {
			return conn.Channel()
		}
		return ch, nil
	default:
		return conn.Channel()
	}
}

func (b *AMQPBus) giveBack(ch *amqp.Channel) {
	if ch == nil || ch.IsClosed() {
		return
	}
	b.mu.Lock()
	pool := b.pool
	b.mu.Unlock()
	select {
	case pool <- ch:
	default:
		ch.Close()
	}
}

func (b *AMQPBus) Publish(ctx context.Context, room string, event Event) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	event.Room = room
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ch, err := b.borrow(ctx)
	if err != nil {
		return err
	}
	defer b.giveBack(ch)
	return ch.PublishWithContext(ctx, b.exchange, RoutingKey(room), false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		MessageId:   event.ID,
		Type:        string(event.Type),
		Timestamp:   event.Time,
	})
}

func (b *AMQPBus) Subscribe(room string, handler Handler) (func(), error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	localCancel, err := b.local.Subscribe(room, handler)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.bindings[room]++
	first := b.bindings[room] == 1
	b.mu.Unlock()

	if first {
		if err := b.bind(room); err != nil {
			localCancel()
			b.mu.Lock()
			b.bindings[room]--
			if b.bindings[room] <= 0 {
				delete(b.bindings, room)
			}
			b.mu.Unlock()
			return nil, err
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			localCancel()
			b.mu.Lock()
			b.bindings[room]--
			last := b.bindings[room] <= 0
			if last {
				delete(b.bindings, room)
			}
			b.mu.Unlock()
			if last {
				b.unbind(room)
			}
		})
	}
	return cancel, nil
}

func (b *AMQPBus) bind(room string) error {
	ch, err := b.borrow(context.Background())
	if err != nil {
		return err
	}
	defer b.giveBack(ch)
	return ch.QueueBind(b.queueName, RoutingKey(room), b.exchange, false, nil)
}

func (b *AMQPBus) unbind(room string) {
	ch, err := b.borrow(context.Background())
	if err != nil {
		return
	}
	defer b.giveBack(ch)
	if err := ch.QueueUnbind(b.queueName, RoutingKey(room), b.exchange, nil); err != nil {
		b.logger.Warn("unbind failed", slog.String("room", room), slog.Any("error", err))
	}
}

func (b *AMQPBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.closeCh)
	b.local.Close()
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
