package message

import (
	"context"

	msrerrors "msr/pkg/errors"
)

// Sender is a cloneable producer handle on a plugin mailbox.
// The zero value is valid and fails every call with ErrChannelClosed.
type Sender[C, Q any] struct {
	mailbox *Mailbox[C, Q]
}

// Valid reports whether the sender is bound to a mailbox.
func (s Sender[C, Q]) Valid() bool {
	return s.mailbox != nil
}

// Plugin returns the name of the plugin behind the mailbox.
func (s Sender[C, Q]) Plugin() string {
	if s.mailbox == nil {
		return ""
	}
	return s.mailbox.name
}

// Command sends a command and waits for its response.
func (s Sender[C, Q]) Command(ctx context.Context, cmd C) (any, error) {
	return s.Submit(ctx, NewCommand[C, Q](cmd))
}

// Query sends a query and waits for its response.
func (s Sender[C, Q]) Query(ctx context.Context, q Q) (any, error) {
	return s.Submit(ctx, NewQuery[C, Q](q))
}

// Submit enqueues req and waits for its response.
//
// If ctx ends first the request is marked abandoned and ctx.Err() is returned;
// the plugin still processes an already admitted request and its response is
// discarded.
func (s Sender[C, Q]) Submit(ctx context.Context, req *Request[C, Q]) (any, error) {
	if s.mailbox == nil {
		return nil, msrerrors.New(msrerrors.KindChannelClosed, "", "submit_"+req.Kind.String(), nil)
	}
	if err := s.mailbox.Push(ctx, req); err != nil {
		return nil, err
	}

	select {
	case resp := <-req.reply:
		return resp.Value, resp.Err
	case <-ctx.Done():
		req.abandoned.Store(true)
		// A response that raced with cancellation still wins.
		select {
		case resp := <-req.reply:
			return resp.Value, resp.Err
		default:
		}
		return nil, ctx.Err()
	}
}
