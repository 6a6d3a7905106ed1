package realtime

import "context"

// Handler receives events for a subscribed room. Handlers must not
// block; slow consumers should buffer and shed on their own side.
type Handler func(Event)

// Bus fans events out to room subscribers. LocalBus keeps everything
// in-process; AMQPBus spans processes through a topic exchange.
type Bus interface {
	Publish(ctx context.Context, room string, event Event) error
	Subscribe(room string, handler Handler) (cancel func(), err error)
	Close() error
}
