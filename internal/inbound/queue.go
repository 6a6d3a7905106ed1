package inbound

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/relaydesk/relaydesk/internal/channel"
)

const (
	defaultQueueCapacity = 256
	defaultWorkerCount   = 4
	maxAttempts          = 3
	retryBaseDelay       = 200 * time.Millisecond
	jobTimeout           = 30 * time.Second
)

type job struct {
	cfg     channel.ConnectionConfig
	event   channel.InboundEvent
	attempt int
}

// Queue decouples webhook handlers from message processing. Webhooks
// enqueue and return 200 immediately; workers store the message and
// retry transient failures. A full queue drops the event, platforms
// redeliver webhooks they did not get acknowledged processing for.
type Queue struct {
	processor *Processor
	jobs      chan job
	done      chan struct{}
	wg        sync.WaitGroup
	logger    *slog.Logger
	stopOnce  sync.Once
}

// NewQueue creates a Queue with the given buffer and worker count.
// Zero values pick the defaults.
func NewQueue(processor *Processor, capacity, workers int, log *slog.Logger) *Queue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	if workers <= 0 {
		workers = defaultWorkerCount
	}
	if log == nil {
		log = slog.Default()
	}
	q := &Queue{
		processor: processor,
		jobs:      make(chan job, capacity),
		done:      make(chan struct{}),
		logger:    log.With(slog.String("component", "inbound_queue")),
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.workerLoop()
	}
	return q
}

// Enqueue hands an event to the worker pool. It never blocks; the
// return value reports whether the event was accepted.
func (q *Queue) Enqueue(cfg channel.ConnectionConfig, event channel.InboundEvent) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.jobs <- job{cfg: cfg, event: event, attempt: 1}:
		return true
	default:
		q.logger.Warn("inbound queue full, event dropped",
			slog.String("channel", string(event.Channel)),
			slog.String("connection_id", event.ConnectionID))
		return false
	}
}

// Close stops accepting events and waits for buffered jobs to drain.
func (q *Queue) Close() {
	q.stopOnce.Do(func() {
		close(q.done)
	})
	q.wg.Wait()
}

func (q *Queue) workerLoop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			for {
				select {
				case j := <-q.jobs:
					q.run(j)
				default:
					return
				}
			}
		case j := <-q.jobs:
			q.run(j)
		}
	}
}

func (q *Queue) run(j job) {
	for ; j.attempt <= maxAttempts; j.attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		err := q.processor.Process(ctx, j.cfg, j.event)
		cancel()
		if err == nil {
			return
		}
		if j.attempt == maxAttempts {
			q.logger.Error("inbound event abandoned",
				slog.String("channel", string(j.event.Channel)),
				slog.String("connection_id", j.event.ConnectionID),
				slog.Int("attempts", j.attempt),
				slog.Any("error", err))
			return
		}
		q.logger.Warn("inbound processing failed, retrying",
			slog.String("channel", string(j.event.Channel)),
			slog.Int("attempt", j.attempt),
			slog.Any("error", err))
		select {
		case <-q.done:
			return
		case <-time.After(retryBaseDelay << (j.attempt - 1)):
		}
	}
}
