package journal

import (
	"context"

	"msr/pkg/hook"
	"msr/pkg/message"
)

// Client wraps a Sender with typed helpers.
type Client struct {
	Sender message.Sender[Command, Query]
}

// Record records an entry.
func (c Client) Record(ctx context.Context, e hook.Entry) (Outcome, error) {
	return message.As[Outcome](c.Sender.Command(ctx, RecordEntry{Entry: e}))
}

// SwitchMode changes the mode and returns the previous one.
func (c Client) SwitchMode(ctx context.Context, m Mode) (Mode, error) {
	return message.As[Mode](c.Sender.Command(ctx, SwitchMode{Mode: m}))
}

// ReplaceConfig replaces the config and returns the previous one.
func (c Client) ReplaceConfig(ctx context.Context, cfg Config) (Config, error) {
	return message.As[Config](c.Sender.Command(ctx, ReplaceConfig{Config: cfg}))
}

// Status returns the current state.
func (c Client) Status(ctx context.Context) (Context, error) {
	return message.As[Context](c.Sender.Query(ctx, GetStatus{}))
}

// Recent returns up to limit records, newest first.
func (c Client) Recent(ctx context.Context, limit int) ([]hook.Record, error) {
	return message.As[[]hook.Record](c.Sender.Query(ctx, RecentRecords{Limit: limit}))
}

// Filter returns up to limit matching records, oldest first.
func (c Client) Filter(ctx context.Context, limit int, f hook.Filter) ([]hook.Record, error) {
	return message.As[[]hook.Record](c.Sender.Query(ctx, FilterRecords{Limit: limit, Filter: f}))
}

// Export renders the most recent records.
func (c Client) Export(ctx context.Context, limit int) (Exported, error) {
	return message.As[Exported](c.Sender.Query(ctx, Export{Limit: limit}))
}
