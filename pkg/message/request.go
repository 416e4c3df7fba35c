// Package message implements the peer-to-peer command/query API of a plugin.
//
// Any number of producers hold cloned Sender values; the plugin's message loop is
// the single consumer of the Mailbox behind them. Each Request carries a one-shot
// reply slot that receives exactly one Response.
package message

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Kind tags a request as a command or a query.
type Kind int

const (
	// KindCommand may mutate plugin state and cause side effects.
	KindCommand Kind = iota
	// KindQuery must be side-effect free.
	KindQuery
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindQuery:
		return "query"
	default:
		return "unknown"
	}
}

// Response is the terminal outcome of a request.
type Response struct {
	Value any
	Err   error
}

// Request is a command or query travelling to a message loop.
// Exactly one of Command and Query is meaningful, selected by Kind.
type Request[C, Q any] struct {
	Kind    Kind
	Command C
	Query   Q

	// Admitted is set by the mailbox when the request is queued.
	Admitted time.Time

	reply     chan Response
	replied   atomic.Bool
	abandoned atomic.Bool
}

// NewCommand creates a command request.
func NewCommand[C, Q any](cmd C) *Request[C, Q] {
	return &Request[C, Q]{Kind: KindCommand, Command: cmd, reply: make(chan Response, 1)}
}

// NewQuery creates a query request.
func NewQuery[C, Q any](q Q) *Request[C, Q] {
	return &Request[C, Q]{Kind: KindQuery, Query: q, reply: make(chan Response, 1)}
}

// Reply delivers the response. Only the first call has any effect.
// It never blocks and reports whether a producer is still waiting; a false
// result means the response was dropped because the producer gave up.
func (r *Request[C, Q]) Reply(resp Response) bool {
	if !r.replied.CompareAndSwap(false, true) {
		return false
	}
	r.reply <- resp
	return !r.abandoned.Load()
}

// Replied reports whether a response has been delivered.
func (r *Request[C, Q]) Replied() bool {
	return r.replied.Load()
}

// Abandoned reports whether the producer stopped waiting for the response.
func (r *Request[C, Q]) Abandoned() bool {
	return r.abandoned.Load()
}

// As converts an untyped response value to T.
// It is meant to wrap Sender calls in typed plugin client APIs:
//
//	status, err := message.As[alarm.Status](sender.Query(ctx, alarm.StatusQuery{}))
func As[T any](v any, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected response type %T, want %T", v, zero)
	}
	return t, nil
}
