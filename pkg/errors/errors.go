// Package errors defines the error taxonomy shared by the plugin runtime.
//
// Every failure the runtime reports falls into one of a small set of kinds:
//
//   - ChannelClosed: the peer is gone (mailbox or broadcast channel closed)
//   - RequestRejected: capacity exceeded, or the plugin is draining/stopped
//   - HandlerError: plugin-specific failure carried inside a Response
//   - TaskCancelled: a supervised task observed cancellation
//   - TaskAbandoned: a task did not stop within the shutdown grace period
//   - MediatorDeliveryFailed: a mediator could not deliver a translated request
//
// Errors built with New wrap both the underlying cause and the sentinel of their
// kind, so callers can use the standard library helpers:
//
//	if errors.Is(err, msrerrors.ErrRequestRejected) { ... }
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a runtime error.
type Kind int

const (
	KindUnknown Kind = iota
	KindChannelClosed
	KindRequestRejected
	KindHandler
	KindTaskCancelled
	KindTaskAbandoned
	KindMediatorDeliveryFailed
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindChannelClosed:
		return "channel_closed"
	case KindRequestRejected:
		return "request_rejected"
	case KindHandler:
		return "handler_error"
	case KindTaskCancelled:
		return "task_cancelled"
	case KindTaskAbandoned:
		return "task_abandoned"
	case KindMediatorDeliveryFailed:
		return "mediator_delivery_failed"
	default:
		return "unknown"
	}
}

// Sentinel errors, one per kind
var (
	ErrChannelClosed          = errors.New("channel closed")
	ErrRequestRejected        = errors.New("request rejected")
	ErrHandler                = errors.New("handler error")
	ErrTaskCancelled          = errors.New("task cancelled")
	ErrTaskAbandoned          = errors.New("task abandoned")
	ErrMediatorDeliveryFailed = errors.New("mediator delivery failed")
)

// Rejection reasons. Both match ErrRequestRejected.
var (
	ErrQueueFull = fmt.Errorf("%w: queue full", ErrRequestRejected)
	ErrDraining  = fmt.Errorf("%w: plugin draining", ErrRequestRejected)
)

// Error is a classified runtime error with the component and operation it came from.
type Error struct {
	Kind   Kind
	Plugin string
	Op     string
	Err    error
}

// Error implements the error interface
func (e *Error) Error() string {
	prefix := e.Op
	if e.Plugin != "" {
		prefix = e.Plugin + "." + e.Op
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", prefix, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", prefix, e.Kind, e.Err)
}

// Unwrap exposes both the cause and the kind sentinel to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if s := sentinel(e.Kind); s != nil {
		errs = append(errs, s)
	}
	return errs
}

func sentinel(k Kind) error {
	switch k {
	case KindChannelClosed:
		return ErrChannelClosed
	case KindRequestRejected:
		return ErrRequestRejected
	case KindHandler:
		return ErrHandler
	case KindTaskCancelled:
		return ErrTaskCancelled
	case KindTaskAbandoned:
		return ErrTaskAbandoned
	case KindMediatorDeliveryFailed:
		return ErrMediatorDeliveryFailed
	default:
		return nil
	}
}

// New creates a classified error. A nil cause is allowed.
func New(kind Kind, plugin, op string, err error) error {
	return &Error{Kind: kind, Plugin: plugin, Op: op, Err: err}
}

// Handler wraps a plugin handler failure. Errors that are already classified
// keep their kind so a handler can deliberately answer with e.g. RequestRejected.
func Handler(plugin, op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return New(KindHandler, plugin, op, err)
}

// KindOf returns the kind of err, following wrapped errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	for _, k := range []Kind{
		KindChannelClosed,
		KindRequestRejected,
		KindHandler,
		KindTaskCancelled,
		KindTaskAbandoned,
		KindMediatorDeliveryFailed,
	} {
		if errors.Is(err, sentinel(k)) {
			return k
		}
	}
	return KindUnknown
}

// IsTransient reports whether retrying the same request later may succeed
// without running it twice. Only a full queue qualifies: the request was refused
// before admission. A deadline may expire after the destination admitted the
// request, and a closed or draining destination is gone for good.
func IsTransient(err error) bool {
	return err != nil && errors.Is(err, ErrQueueFull)
}

// IsFatal reports whether the destination of a request is permanently gone.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrChannelClosed) || errors.Is(err, ErrDraining)
}
