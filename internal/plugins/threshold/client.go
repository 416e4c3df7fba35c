package threshold

import (
	"context"
	"time"

	"msr/pkg/message"
)

// Client wraps a Sender with typed helpers.
type Client struct {
	Sender message.Sender[Command, Query]
}

// SetLimit changes the limit.
func (c Client) SetLimit(ctx context.Context, limit float64) error {
	_, err := c.Sender.Command(ctx, SetLimit{Limit: limit})
	return err
}

// Record feeds a value and reports whether the limit is exceeded afterwards.
func (c Client) Record(ctx context.Context, v float64) (bool, error) {
	return message.As[bool](c.Sender.Command(ctx, RecordValue{Value: v}))
}

// StartWatch starts periodic sampling of field.
func (c Client) StartWatch(ctx context.Context, field string, interval time.Duration) error {
	_, err := c.Sender.Command(ctx, StartWatch{Interval: interval, Field: field})
	return err
}

// StopWatch stops periodic sampling.
func (c Client) StopWatch(ctx context.Context) error {
	_, err := c.Sender.Command(ctx, StopWatch{})
	return err
}

// Status returns the current state.
func (c Client) Status(ctx context.Context) (Context, error) {
	return message.As[Context](c.Sender.Query(ctx, GetStatus{}))
}
