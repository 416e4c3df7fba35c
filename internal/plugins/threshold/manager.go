package threshold

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"msr/pkg/clock"
	"msr/pkg/hook"
	"msr/pkg/loop"
	"msr/pkg/plugin"
)

// ErrNoSampler is returned by StartWatch when the plugin has no sampler.
var ErrNoSampler = errors.New("no sampler configured")

// DefaultField is the sampled field when none is given.
const DefaultField = "value"

type scope = loop.Scope[Command, Query, Event]

// Options configures the plugin beyond its loop.
type Options struct {
	Limit   float64
	Sampler hook.Sampler

	// Field and WatchInterval start a watch as soon as the plugin starts
	// when WatchInterval is positive.
	Field         string
	WatchInterval time.Duration
}

type handler struct {
	opts  Options
	clock clock.Clock
}

func (h *handler) OnStart(ctx context.Context, c *Context, s *scope) error {
	s.Publish(Event{Tag: TagStarted, Limit: c.Limit})
	if h.opts.WatchInterval > 0 {
		return h.startWatch(c, StartWatch{Interval: h.opts.WatchInterval, Field: h.opts.Field}, s)
	}
	return nil
}

func (h *handler) OnStop(ctx context.Context, c *Context, s *scope) {
	c.Watching = false
	c.WatchTask = ""
	s.Publish(Event{Tag: TagStopped, Value: c.Last, Limit: c.Limit})
}

func (h *handler) HandleCommand(ctx context.Context, c *Context, cmd Command, s *scope) (any, error) {
	switch cmd := cmd.(type) {
	case SetLimit:
		c.Limit = cmd.Limit
		if c.Samples > 0 {
			evaluate(c, s)
		}
		return nil, nil
	case RecordValue:
		c.Last = cmd.Value
		c.Samples++
		evaluate(c, s)
		return c.Exceeded, nil
	case StartWatch:
		return nil, h.startWatch(c, cmd, s)
	case StopWatch:
		h.stopWatch(c, s)
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown command %T", cmd)
	}
}

// evaluate publishes on crossings only; repeated values on the same side stay quiet.
func evaluate(c *Context, s *scope) {
	above := c.Last > c.Limit
	switch {
	case above && !c.Exceeded:
		c.Exceeded = true
		s.Logger().Info("Threshold exceeded", zap.Float64("value", c.Last), zap.Float64("limit", c.Limit))
		s.Publish(Event{Tag: TagExceeded, Value: c.Last, Limit: c.Limit})
	case !above && c.Exceeded:
		c.Exceeded = false
		s.Logger().Info("Threshold cleared", zap.Float64("value", c.Last), zap.Float64("limit", c.Limit))
		s.Publish(Event{Tag: TagCleared, Value: c.Last, Limit: c.Limit})
	}
}

func (h *handler) startWatch(c *Context, cmd StartWatch, s *scope) error {
	if h.opts.Sampler == nil {
		return ErrNoSampler
	}
	if cmd.Interval <= 0 {
		return fmt.Errorf("watch interval must be positive, got %s", cmd.Interval)
	}
	if cmd.Field == "" {
		cmd.Field = DefaultField
	}
	h.stopWatch(c, s)

	handle, err := s.Spawn("watch:"+cmd.Field, h.watch(cmd, s))
	if err != nil {
		return err
	}
	c.Watching = true
	c.WatchTask = handle.ID
	c.Field = cmd.Field
	c.Interval = cmd.Interval
	s.Logger().Info("Watch started", zap.String("field", cmd.Field), zap.Duration("interval", cmd.Interval))
	s.Publish(Event{Tag: TagWatchStarted, Value: c.Last, Limit: c.Limit})
	return nil
}

// watch returns the sampling task. It holds no state; every value goes
// through the plugin's own mailbox.
func (h *handler) watch(cmd StartWatch, s *scope) func(ctx context.Context) error {
	self := s.Self()
	sampler := h.opts.Sampler
	logger := s.Logger().With(zap.String("field", cmd.Field))
	clk := h.clock

	return func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-clk.After(cmd.Interval):
			}

			v, err := sampler.Sample(ctx, cmd.Field)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Warn("Sampling failed", zap.Error(err))
				continue
			}
			if _, err := self.Command(ctx, RecordValue{Value: v}); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("record sampled value: %w", err)
			}
		}
	}
}

func (h *handler) stopWatch(c *Context, s *scope) {
	if !c.Watching {
		return
	}
	s.Tasks().Cancel(c.WatchTask)
	c.Watching = false
	c.WatchTask = ""
	s.Logger().Info("Watch stopped", zap.String("field", c.Field))
	s.Publish(Event{Tag: TagWatchStopped, Value: c.Last, Limit: c.Limit})
}

func (h *handler) HandleQuery(ctx context.Context, c Context, q Query) (any, error) {
	switch q.(type) {
	case GetStatus:
		return c, nil
	default:
		return nil, fmt.Errorf("unknown query %T", q)
	}
}

// Plugin is the threshold plugin.
type Plugin struct {
	plugin.LoopAdapter[Context, Command, Query, Event]
}

// New creates the plugin. cfg.Name defaults to Name.
func New(cfg loop.Config, opts Options) (*Plugin, error) {
	if cfg.Name == "" {
		cfg.Name = Name
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewRealClock()
		cfg.Clock = clk
	}
	h := &handler{opts: opts, clock: clk}
	l, err := loop.New[Context, Command, Query, Event](cfg, Context{Limit: opts.Limit}, h)
	if err != nil {
		return nil, err
	}
	return &Plugin{LoopAdapter: plugin.Adapt(l)}, nil
}

// Client returns a typed request handle.
func (p *Plugin) Client() Client {
	return Client{Sender: p.Loop.Sender()}
}
