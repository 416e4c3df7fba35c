package broadcast

import "context"

// Stream is a type-erased view of a Channel, used by collaborators that only
// forward events (websocket streaming, logging) and never inspect payload types.
type Stream interface {
	Publisher() string
	SubscribeAny(opts ...SubscribeOption) (AnyReceiver, error)
}

// AnyReceiver is a type-erased Receiver.
type AnyReceiver interface {
	Recv(ctx context.Context) (Event[any], error)
	Dropped() uint64
	Close()
}

// SubscribeAny implements Stream.
func (c *Channel[E]) SubscribeAny(opts ...SubscribeOption) (AnyReceiver, error) {
	r, err := c.Subscribe(opts...)
	if err != nil {
		return nil, err
	}
	return anyReceiver[E]{r}, nil
}

type anyReceiver[E any] struct {
	r *Receiver[E]
}

func (a anyReceiver[E]) Recv(ctx context.Context) (Event[any], error) {
	ev, err := a.r.Recv(ctx)
	if err != nil {
		return Event[any]{}, err
	}
	return Event[any]{Seq: ev.Seq, Published: ev.Published, Payload: ev.Payload}, nil
}

func (a anyReceiver[E]) Dropped() uint64 { return a.r.Dropped() }

func (a anyReceiver[E]) Close() { a.r.Close() }
