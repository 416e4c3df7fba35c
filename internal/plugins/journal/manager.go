package journal

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"msr/pkg/hook"
	"msr/pkg/loop"
	"msr/pkg/plugin"
)

// ErrInvalidLimit is returned by record queries with a limit below one.
var ErrInvalidLimit = errors.New("limit must be positive")

type scope = loop.Scope[Command, Query, Event]

// Options configures the plugin beyond its loop.
type Options struct {
	Storage   hook.Storage
	Formatter hook.Formatter
	Mode      Mode
	Config    Config
}

type handler struct {
	storage   hook.Storage
	formatter hook.Formatter
}

func (h *handler) OnStart(ctx context.Context, c *Context, s *scope) error {
	s.Publish(Event{Kind: EventStarted, Mode: c.Mode})
	return nil
}

func (h *handler) OnStop(ctx context.Context, c *Context, s *scope) {
	if err := h.storage.Close(); err != nil {
		s.Logger().Error("Failed to close journal storage", zap.Error(err))
		c.LastError = err.Error()
	}
	s.Publish(Event{Kind: EventStopped, Mode: c.Mode})
}

func (h *handler) HandleCommand(ctx context.Context, c *Context, cmd Command, s *scope) (any, error) {
	switch cmd := cmd.(type) {
	case RecordEntry:
		return h.record(ctx, c, cmd.Entry, s)
	case SwitchMode:
		if cmd.Mode != ModeActive && cmd.Mode != ModeInactive {
			return nil, fmt.Errorf("unknown journal mode %q", cmd.Mode)
		}
		prev := c.Mode
		if prev != cmd.Mode {
			c.Mode = cmd.Mode
			s.Logger().Info("Journal mode switched", zap.String("from", string(prev)), zap.String("to", string(cmd.Mode)))
			s.Publish(Event{Kind: EventModeChanged, Mode: cmd.Mode})
		}
		return prev, nil
	case ReplaceConfig:
		prev := c.Config
		if prev != cmd.Config {
			c.Config = cmd.Config
			cfg := cmd.Config
			s.Logger().Info("Journal config replaced",
				zap.Stringer("severity_threshold", cfg.SeverityThreshold))
			s.Publish(Event{Kind: EventConfigChanged, Mode: c.Mode, Config: &cfg})
		}
		return prev, nil
	default:
		return nil, fmt.Errorf("unknown command %T", cmd)
	}
}

func (h *handler) record(ctx context.Context, c *Context, entry hook.Entry, s *scope) (Outcome, error) {
	if c.Mode != ModeActive {
		c.Discarded++
		s.Logger().Debug("Discarding entry while inactive", zap.String("source", entry.Source))
		return Outcome{Reason: NotRecordedInactive}, nil
	}
	if entry.Severity < c.Config.SeverityThreshold {
		c.Discarded++
		s.Logger().Debug("Discarding entry below severity threshold",
			zap.String("source", entry.Source), zap.Stringer("severity", entry.Severity))
		return Outcome{Reason: NotRecordedBelowThreshold}, nil
	}

	now := s.Now()
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = now
	}
	r := hook.Record{ID: uuid.New().String(), CreatedAt: now, Entry: entry}

	if err := h.storage.Append(ctx, r); err != nil {
		c.LastError = err.Error()
		s.Logger().Error("Failed to record entry", zap.String("source", entry.Source), zap.Error(err))
		s.Publish(Event{Kind: EventIncident, Mode: c.Mode, Text: err.Error()})
		return Outcome{}, fmt.Errorf("record entry: %w", err)
	}
	c.Recorded++
	c.LastError = ""
	return Outcome{Recorded: true, ID: r.ID, CreatedAt: r.CreatedAt}, nil
}

// HandleQuery only reads through the storage.
func (h *handler) HandleQuery(ctx context.Context, c Context, q Query) (any, error) {
	switch q := q.(type) {
	case GetStatus:
		return c, nil
	case RecentRecords:
		if q.Limit < 1 {
			return nil, ErrInvalidLimit
		}
		return h.storage.Recent(ctx, q.Limit)
	case FilterRecords:
		if q.Limit < 1 {
			return nil, ErrInvalidLimit
		}
		return h.storage.Filter(ctx, q.Limit, q.Filter)
	case Export:
		if q.Limit < 1 {
			return nil, ErrInvalidLimit
		}
		if h.formatter == nil {
			return nil, errors.New("no formatter configured")
		}
		records, err := h.storage.Recent(ctx, q.Limit)
		if err != nil {
			return nil, err
		}
		data, err := h.formatter.Format(records)
		if err != nil {
			return nil, err
		}
		return Exported{ContentType: h.formatter.ContentType(), Data: data}, nil
	default:
		return nil, fmt.Errorf("unknown query %T", q)
	}
}

// Plugin is the journal plugin.
type Plugin struct {
	plugin.LoopAdapter[Context, Command, Query, Event]
}

// New creates the plugin. It takes ownership of opts.Storage and closes it
// when the loop stops.
func New(cfg loop.Config, opts Options) (*Plugin, error) {
	if cfg.Name == "" {
		cfg.Name = Name
	}
	if opts.Storage == nil {
		return nil, fmt.Errorf("%s: storage is required", cfg.Name)
	}
	if opts.Mode == "" {
		opts.Mode = ModeActive
	}
	h := &handler{storage: opts.Storage, formatter: opts.Formatter}
	initial := Context{Mode: opts.Mode, Config: opts.Config}
	l, err := loop.New[Context, Command, Query, Event](cfg, initial, h)
	if err != nil {
		return nil, err
	}
	return &Plugin{LoopAdapter: plugin.Adapt(l)}, nil
}

// Client returns a typed request handle.
func (p *Plugin) Client() Client {
	return Client{Sender: p.Loop.Sender()}
}
