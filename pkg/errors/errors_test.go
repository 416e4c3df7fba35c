package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesKindAndCause(t *testing.T) {
	cause := errors.New("disk full")
	err := New(KindHandler, "journal", "RecordEntry", cause)

	assert.True(t, errors.Is(err, ErrHandler))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, errors.Is(err, ErrRequestRejected))
	assert.Equal(t, "journal.RecordEntry: handler_error: disk full", err.Error())
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"classified", New(KindTaskAbandoned, "p", "op", nil), KindTaskAbandoned},
		{"queue full sentinel", ErrQueueFull, KindRequestRejected},
		{"draining wrapped", fmt.Errorf("submit: %w", ErrDraining), KindRequestRejected},
		{"closed", ErrChannelClosed, KindChannelClosed},
		{"plain", errors.New("boom"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestHandler_KeepsClassifiedKind(t *testing.T) {
	rejected := New(KindRequestRejected, "alarm", "SetAlarm", ErrQueueFull)
	assert.Same(t, rejected, Handler("alarm", "SetAlarm", rejected))

	wrapped := Handler("alarm", "SetAlarm", errors.New("invalid reason"))
	assert.Equal(t, KindHandler, KindOf(wrapped))

	assert.NoError(t, Handler("alarm", "SetAlarm", nil))
}

func TestTransientAndFatal(t *testing.T) {
	assert.True(t, IsTransient(ErrQueueFull))
	assert.False(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(ErrDraining))
	assert.False(t, IsTransient(nil))

	assert.True(t, IsFatal(New(KindChannelClosed, "alarm", "Command", nil)))
	assert.True(t, IsFatal(ErrDraining))
	assert.False(t, IsFatal(ErrQueueFull))
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "channel_closed", KindChannelClosed.String())
	assert.Equal(t, "mediator_delivery_failed", KindMediatorDeliveryFailed.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
