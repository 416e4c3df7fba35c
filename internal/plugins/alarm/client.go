package alarm

import (
	"context"

	"msr/pkg/message"
)

// Client wraps a Sender with typed helpers.
type Client struct {
	Sender message.Sender[Command, Query]
}

// Raise raises the alarm.
func (c Client) Raise(ctx context.Context, reason string) error {
	_, err := c.Sender.Command(ctx, SetAlarm{Active: true, Reason: reason})
	return err
}

// Clear clears the alarm.
func (c Client) Clear(ctx context.Context) error {
	_, err := c.Sender.Command(ctx, SetAlarm{Active: false})
	return err
}

// Acknowledge acknowledges the active alarm.
func (c Client) Acknowledge(ctx context.Context) error {
	_, err := c.Sender.Command(ctx, Acknowledge{})
	return err
}

// Status returns the current alarm state.
func (c Client) Status(ctx context.Context) (Context, error) {
	return message.As[Context](c.Sender.Query(ctx, GetStatus{}))
}
