package message

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	msrerrors "msr/pkg/errors"
)

// AdmissionPolicy defines what Push does when a bounded mailbox is full.
type AdmissionPolicy int

const (
	// AdmitBlock makes the producer wait for space (or its context).
	AdmitBlock AdmissionPolicy = iota
	// AdmitReject fails immediately with ErrQueueFull.
	AdmitReject
)

func (p AdmissionPolicy) String() string {
	switch p {
	case AdmitBlock:
		return "block"
	case AdmitReject:
		return "reject"
	default:
		return "unknown"
	}
}

// ParseAdmissionPolicy parses "block" or "reject".
func ParseAdmissionPolicy(s string) (AdmissionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return AdmitBlock, nil
	case "reject":
		return AdmitReject, nil
	default:
		return AdmitBlock, fmt.Errorf("unknown admission policy %q", s)
	}
}

// MailboxConfig configures the inbound request queue of a plugin.
type MailboxConfig struct {
	// Capacity bounds the number of queued requests. 0 means unbounded.
	Capacity int

	// Admission applies when a bounded mailbox is full.
	Admission AdmissionPolicy

	// OnReject is called for every refused request with the rejection error.
	OnReject func(err error)
}

type mailboxState int

const (
	mailboxOpen mailboxState = iota
	mailboxDraining
	mailboxClosed
)

// Mailbox is the many-producer, single-consumer request queue of one plugin.
type Mailbox[C, Q any] struct {
	name string
	cfg  MailboxConfig

	mu      sync.Mutex
	items   []*Request[C, Q]
	head    int
	state   mailboxState
	waiters int
	space   chan struct{} // closed to wake producers blocked on a full queue

	ready chan struct{} // signalled when a request is queued or the state changes

	admitted atomic.Uint64
	rejected atomic.Uint64
}

// NewMailbox creates an open mailbox for the named plugin.
func NewMailbox[C, Q any](name string, cfg MailboxConfig) *Mailbox[C, Q] {
	if cfg.Capacity < 0 {
		cfg.Capacity = 0
	}
	return &Mailbox[C, Q]{
		name:  name,
		cfg:   cfg,
		space: make(chan struct{}),
		ready: make(chan struct{}, 1),
	}
}

// Sender returns a send handle. Handles are cheap values and safe to copy.
func (m *Mailbox[C, Q]) Sender() Sender[C, Q] {
	return Sender[C, Q]{mailbox: m}
}

// Push admits a request according to the mailbox state and admission policy.
func (m *Mailbox[C, Q]) Push(ctx context.Context, req *Request[C, Q]) error {
	op := "submit_" + req.Kind.String()
	for {
		m.mu.Lock()
		switch m.state {
		case mailboxClosed:
			m.mu.Unlock()
			return m.reject(msrerrors.New(msrerrors.KindChannelClosed, m.name, op, nil))
		case mailboxDraining:
			m.mu.Unlock()
			return m.reject(msrerrors.New(msrerrors.KindRequestRejected, m.name, op, msrerrors.ErrDraining))
		}

		if m.cfg.Capacity == 0 || m.lenLocked() < m.cfg.Capacity {
			req.Admitted = time.Now()
			m.items = append(m.items, req)
			m.mu.Unlock()
			m.admitted.Add(1)
			m.signal()
			return nil
		}

		if m.cfg.Admission == AdmitReject {
			m.mu.Unlock()
			return m.reject(msrerrors.New(msrerrors.KindRequestRejected, m.name, op, msrerrors.ErrQueueFull))
		}

		m.waiters++
		space := m.space
		m.mu.Unlock()

		select {
		case <-space:
			m.mu.Lock()
			m.waiters--
			m.mu.Unlock()
		case <-ctx.Done():
			m.mu.Lock()
			m.waiters--
			m.mu.Unlock()
			return ctx.Err()
		}
	}
}

func (m *Mailbox[C, Q]) reject(err error) error {
	m.rejected.Add(1)
	if m.cfg.OnReject != nil {
		m.cfg.OnReject(err)
	}
	return err
}

// Next blocks until a request is available. It returns ErrChannelClosed once the
// mailbox is closed and empty, or the context error.
func (m *Mailbox[C, Q]) Next(ctx context.Context) (*Request[C, Q], error) {
	for {
		if req, ok := m.TryNext(); ok {
			return req, nil
		}

		m.mu.Lock()
		closed := m.state == mailboxClosed
		m.mu.Unlock()
		if closed {
			return nil, msrerrors.New(msrerrors.KindChannelClosed, m.name, "receive", nil)
		}

		select {
		case <-m.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryNext pops the oldest request without blocking.
func (m *Mailbox[C, Q]) TryNext() (*Request[C, Q], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lenLocked() == 0 {
		return nil, false
	}
	req := m.popLocked()
	if m.waiters > 0 {
		close(m.space)
		m.space = make(chan struct{})
	}
	return req, true
}

// Drain stops admission. Queued requests stay available to TryNext/Next;
// new and blocked producers are rejected with ErrDraining.
func (m *Mailbox[C, Q]) Drain() {
	m.mu.Lock()
	if m.state == mailboxOpen {
		m.state = mailboxDraining
		close(m.space)
		m.space = make(chan struct{})
	}
	m.mu.Unlock()
	m.signal()
}

// Close closes the mailbox and returns every request that was still queued.
// The caller owns replying to them. Later pushes fail with ErrChannelClosed.
func (m *Mailbox[C, Q]) Close() []*Request[C, Q] {
	m.mu.Lock()
	if m.state == mailboxClosed {
		m.mu.Unlock()
		return nil
	}
	if m.state == mailboxOpen {
		close(m.space)
		m.space = make(chan struct{})
	}
	m.state = mailboxClosed

	remaining := make([]*Request[C, Q], 0, m.lenLocked())
	for m.lenLocked() > 0 {
		remaining = append(remaining, m.popLocked())
	}
	m.mu.Unlock()
	m.signal()
	return remaining
}

// Len returns the number of queued requests.
func (m *Mailbox[C, Q]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lenLocked()
}

// Capacity returns the configured capacity (0 = unbounded).
func (m *Mailbox[C, Q]) Capacity() int {
	return m.cfg.Capacity
}

// Stats returns admission counters.
func (m *Mailbox[C, Q]) Stats() MailboxStats {
	return MailboxStats{
		Queued:   m.Len(),
		Capacity: m.cfg.Capacity,
		Admitted: m.admitted.Load(),
		Rejected: m.rejected.Load(),
	}
}

// MailboxStats represents mailbox statistics
type MailboxStats struct {
	Queued   int    `json:"queued"`
	Capacity int    `json:"capacity"`
	Admitted uint64 `json:"admitted"`
	Rejected uint64 `json:"rejected"`
}

func (m *Mailbox[C, Q]) signal() {
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *Mailbox[C, Q]) lenLocked() int {
	return len(m.items) - m.head
}

func (m *Mailbox[C, Q]) popLocked() *Request[C, Q] {
	req := m.items[m.head]
	m.items[m.head] = nil
	m.head++

	switch {
	case m.head == len(m.items):
		m.items = m.items[:0]
		m.head = 0
	case m.head > 64 && m.head*2 > len(m.items):
		n := copy(m.items, m.items[m.head:])
		clear(m.items[n:])
		m.items = m.items[:n]
		m.head = 0
	}
	return req
}
