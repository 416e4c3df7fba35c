// Package broadcast implements the one-to-many event channel of a plugin.
//
// Publish never blocks the publisher. Every subscriber owns a bounded ring
// queue; when it is full the subscriber's drop policy decides which event is
// lost. Order is preserved per subscriber.
package broadcast

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"msr/pkg/clock"
	msrerrors "msr/pkg/errors"
	"msr/pkg/metric"
)

// DefaultCapacity is used when a subscriber queue size is not configured.
const DefaultCapacity = 64

// DropPolicy selects which event a full subscriber queue gives up.
type DropPolicy int

const (
	// DropOldest evicts the oldest queued event; the subscriber sees the newest ones.
	DropOldest DropPolicy = iota
	// DropNewest discards the incoming event; the subscriber keeps the oldest ones.
	DropNewest
)

func (p DropPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	default:
		return "unknown"
	}
}

// ParseDropPolicy parses "drop_oldest" or "drop_newest". Empty means DropOldest.
func ParseDropPolicy(s string) (DropPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop_oldest", "oldest":
		return DropOldest, nil
	case "drop_newest", "newest":
		return DropNewest, nil
	default:
		return DropOldest, fmt.Errorf("unknown drop policy %q", s)
	}
}

// Published describes when and by whom an event was emitted.
type Published struct {
	When      time.Time `json:"when"`
	Publisher string    `json:"publisher"`
}

// Event is the envelope delivered to subscribers.
type Event[E any] struct {
	Seq       uint64    `json:"seq"`
	Published Published `json:"published"`
	Payload   E         `json:"payload"`
}

// Config configures a channel.
type Config struct {
	// Publisher names the owner of the channel, stamped on every event.
	Publisher string

	// Capacity is the default subscriber queue size.
	Capacity int

	// Policy is the default drop policy of new subscribers.
	Policy DropPolicy

	Clock   clock.Clock
	Metrics *metric.PluginMetrics
}

// Channel fans published events out to every current subscriber.
type Channel[E any] struct {
	cfg Config

	mu     sync.RWMutex
	subs   map[uint64]*Receiver[E]
	nextID uint64
	closed bool

	seq       atomic.Uint64
	published atomic.Uint64
}

// New creates an open channel.
func New[E any](cfg Config) *Channel[E] {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewRealClock()
	}
	return &Channel[E]{
		cfg:  cfg,
		subs: make(map[uint64]*Receiver[E]),
	}
}

// Publisher returns the publisher name stamped on events.
func (c *Channel[E]) Publisher() string {
	return c.cfg.Publisher
}

// Publish delivers payload to every subscriber and returns how many received it
// without a drop. Publishing on a closed channel is a no-op.
func (c *Channel[E]) Publish(payload E) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return 0
	}

	ev := Event[E]{
		Seq:       c.seq.Add(1),
		Published: Published{When: c.cfg.Clock.Now(), Publisher: c.cfg.Publisher},
		Payload:   payload,
	}
	c.published.Add(1)
	c.cfg.Metrics.EventPublished()

	delivered := 0
	for _, r := range c.subs {
		if r.push(ev) {
			delivered++
		} else {
			c.cfg.Metrics.EventDropped()
		}
	}
	return delivered
}

// SubscribeOption overrides channel defaults for one subscriber.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	capacity int
	policy   DropPolicy
}

// WithCapacity sets the subscriber queue size.
func WithCapacity(n int) SubscribeOption {
	return func(o *subscribeOptions) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithPolicy sets the subscriber drop policy.
func WithPolicy(p DropPolicy) SubscribeOption {
	return func(o *subscribeOptions) { o.policy = p }
}

// Subscribe registers a new receiver. It only sees events published after it
// subscribed. Subscribing to a closed channel fails with ErrChannelClosed.
func (c *Channel[E]) Subscribe(opts ...SubscribeOption) (*Receiver[E], error) {
	o := subscribeOptions{capacity: c.cfg.Capacity, policy: c.cfg.Policy}
	for _, opt := range opts {
		opt(&o)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, msrerrors.New(msrerrors.KindChannelClosed, c.cfg.Publisher, "subscribe", nil)
	}

	c.nextID++
	r := &Receiver[E]{
		id:      c.nextID,
		channel: c,
		policy:  o.policy,
		items:   make([]Event[E], o.capacity),
		ready:   make(chan struct{}, 1),
	}
	c.subs[r.id] = r
	return r, nil
}

func (c *Channel[E]) unsubscribe(id uint64) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

// Close ends the channel. Receivers drain what they have queued and then get
// ErrChannelClosed.
func (c *Channel[E]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = make(map[uint64]*Receiver[E])
	c.mu.Unlock()

	for _, r := range subs {
		r.markClosed()
	}
}

// Subscribers returns the number of active receivers.
func (c *Channel[E]) Subscribers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

// Published returns the number of events published so far.
func (c *Channel[E]) Published() uint64 {
	return c.published.Load()
}

// Receiver is one subscription on a Channel. It is meant to be read by a single
// goroutine; Close may be called from anywhere.
type Receiver[E any] struct {
	id      uint64
	channel *Channel[E]
	policy  DropPolicy

	mu     sync.Mutex
	items  []Event[E]
	head   int
	size   int
	closed bool

	ready   chan struct{}
	dropped atomic.Uint64
}

// push enqueues ev and reports false when an event had to be dropped.
func (r *Receiver[E]) push(ev Event[E]) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}

	ok := true
	capacity := len(r.items)
	if r.size == capacity {
		ok = false
		r.dropped.Add(1)
		if r.policy == DropNewest {
			r.mu.Unlock()
			return false
		}
		var zero Event[E]
		r.items[r.head] = zero
		r.head = (r.head + 1) % capacity
		r.size--
	}
	r.items[(r.head+r.size)%capacity] = ev
	r.size++
	r.mu.Unlock()

	select {
	case r.ready <- struct{}{}:
	default:
	}
	return ok
}

// TryRecv returns the next queued event without blocking.
func (r *Receiver[E]) TryRecv() (Event[E], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero Event[E]
	if r.size == 0 {
		return zero, false
	}
	ev := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % len(r.items)
	r.size--
	return ev, true
}

// Recv waits for the next event. After the channel or the receiver is closed,
// queued events are still returned before ErrChannelClosed.
func (r *Receiver[E]) Recv(ctx context.Context) (Event[E], error) {
	for {
		if ev, ok := r.TryRecv(); ok {
			return ev, nil
		}

		r.mu.Lock()
		closed := r.closed
		r.mu.Unlock()
		if closed {
			var zero Event[E]
			return zero, msrerrors.New(msrerrors.KindChannelClosed, r.channel.cfg.Publisher, "receive", nil)
		}

		select {
		case <-r.ready:
		case <-ctx.Done():
			var zero Event[E]
			return zero, ctx.Err()
		}
	}
}

// Len returns the number of queued events.
func (r *Receiver[E]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Dropped returns how many events this receiver lost to its drop policy.
func (r *Receiver[E]) Dropped() uint64 {
	return r.dropped.Load()
}

// Close unsubscribes. It is safe to call more than once.
func (r *Receiver[E]) Close() {
	r.channel.unsubscribe(r.id)
	r.markClosed()
}

func (r *Receiver[E]) markClosed() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	select {
	case r.ready <- struct{}{}:
	default:
	}
}
