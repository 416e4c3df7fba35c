package alarm

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"msr/pkg/loop"
	"msr/pkg/plugin"
)

// ErrNotActive is returned when acknowledging while no alarm is raised.
var ErrNotActive = errors.New("no active alarm")

type scope = loop.Scope[Command, Query, Event]

// handler implements the alarm behaviour on top of the message loop.
type handler struct{}

func (handler) OnStart(ctx context.Context, c *Context, s *scope) error {
	s.Publish(Event{Kind: EventStarted})
	return nil
}

func (handler) OnStop(ctx context.Context, c *Context, s *scope) {
	s.Publish(Event{Kind: EventStopped})
}

func (handler) HandleCommand(ctx context.Context, c *Context, cmd Command, s *scope) (any, error) {
	switch cmd := cmd.(type) {
	case SetAlarm:
		if cmd.Active {
			raiseAlarm(c, cmd.Reason, s)
		} else {
			clearAlarm(c, s)
		}
		return nil, nil
	case Acknowledge:
		if !c.Active {
			return nil, ErrNotActive
		}
		if !c.Acknowledged {
			c.Acknowledged = true
			s.Logger().Info("Alarm acknowledged", zap.String("reason", c.Reason))
			s.Publish(Event{Kind: EventAcknowledged, Reason: c.Reason})
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown command %T", cmd)
	}
}

func raiseAlarm(c *Context, reason string, s *scope) {
	if c.Active {
		// Already raised; only the reason may change.
		c.Reason = reason
		return
	}
	c.Active = true
	c.Reason = reason
	c.Raised = s.Now()
	c.Acknowledged = false
	c.RaisedCount++
	s.Logger().Warn("Alarm raised", zap.String("reason", reason))
	s.Publish(Event{Kind: EventRaised, Reason: reason})
}

func clearAlarm(c *Context, s *scope) {
	if !c.Active {
		return
	}
	reason := c.Reason
	c.Active = false
	c.Reason = ""
	c.Acknowledged = false
	s.Logger().Info("Alarm cleared", zap.String("reason", reason))
	s.Publish(Event{Kind: EventCleared, Reason: reason})
}

func (handler) HandleQuery(ctx context.Context, c Context, q Query) (any, error) {
	switch q.(type) {
	case GetStatus:
		return c, nil
	default:
		return nil, fmt.Errorf("unknown query %T", q)
	}
}

// Plugin is the alarm plugin.
type Plugin struct {
	plugin.LoopAdapter[Context, Command, Query, Event]
}

// New creates the plugin. cfg.Name defaults to Name.
func New(cfg loop.Config) (*Plugin, error) {
	if cfg.Name == "" {
		cfg.Name = Name
	}
	l, err := loop.New[Context, Command, Query, Event](cfg, Context{}, handler{})
	if err != nil {
		return nil, err
	}
	return &Plugin{LoopAdapter: plugin.Adapt(l)}, nil
}

// Client returns a typed request handle.
func (p *Plugin) Client() Client {
	return Client{Sender: p.Loop.Sender()}
}
