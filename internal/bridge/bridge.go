// Package bridge connects the reference plugins with mediators: threshold
// crossings drive the alarm, and every threshold event is journaled.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"msr/internal/config"
	"msr/internal/plugins/alarm"
	"msr/internal/plugins/journal"
	"msr/internal/plugins/threshold"
	"msr/pkg/hook"
	"msr/pkg/mediator"
	"msr/pkg/metric"
	"msr/pkg/plugin"
)

// Mediator names, also used as keys of the mediators configuration section.
const (
	ThresholdAlarm   = "threshold-alarm"
	ThresholdJournal = "threshold-journal"
)

// Journal entry codes of threshold events.
const (
	CodeThresholdStarted int32 = iota + 1
	CodeThresholdStopped
	CodeThresholdExceeded
	CodeThresholdCleared
	CodeWatchStarted
	CodeWatchStopped
)

var thresholdCodes = map[string]int32{
	threshold.TagStarted:      CodeThresholdStarted,
	threshold.TagStopped:      CodeThresholdStopped,
	threshold.TagExceeded:     CodeThresholdExceeded,
	threshold.TagCleared:      CodeThresholdCleared,
	threshold.TagWatchStarted: CodeWatchStarted,
	threshold.TagWatchStopped: CodeWatchStopped,
}

// Runner is the type-independent view of a mediator.
type Runner interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
	Stats() mediator.Stats
}

// NewThresholdAlarm raises the alarm when the threshold is exceeded and
// clears it when the value drops back.
func NewThresholdAlarm(src *threshold.Plugin, dst *alarm.Plugin, cfg mediator.Config) (*mediator.Mediator[threshold.Event, alarm.Command, alarm.Query], error) {
	route := mediator.Route[threshold.Event, alarm.Command, alarm.Query]{
		Filter: func(ev threshold.Event) bool {
			return ev.Tag == threshold.TagExceeded || ev.Tag == threshold.TagCleared
		},
		Transform: func(ev threshold.Event) (mediator.Output[alarm.Command, alarm.Query], bool) {
			if ev.Tag == threshold.TagExceeded {
				reason := fmt.Sprintf("value %g above limit %g", ev.Value, ev.Limit)
				return mediator.Command[alarm.Command, alarm.Query](alarm.SetAlarm{Active: true, Reason: reason}), true
			}
			return mediator.Command[alarm.Command, alarm.Query](alarm.SetAlarm{Active: false}), true
		},
	}
	return mediator.New(cfg, mediator.Source[threshold.Event](src.Loop), dst.Loop.Sender(), route)
}

// NewThresholdJournal records every threshold event as a journal entry.
func NewThresholdJournal(src *threshold.Plugin, dst *journal.Plugin, cfg mediator.Config) (*mediator.Mediator[threshold.Event, journal.Command, journal.Query], error) {
	route := mediator.Route[threshold.Event, journal.Command, journal.Query]{
		Transform: func(ev threshold.Event) (mediator.Output[journal.Command, journal.Query], bool) {
			entry, ok := ThresholdEntry(ev)
			if !ok {
				return mediator.Output[journal.Command, journal.Query]{}, false
			}
			return mediator.Command[journal.Command, journal.Query](journal.RecordEntry{Entry: entry}), true
		},
	}
	return mediator.New(cfg, mediator.Source[threshold.Event](src.Loop), dst.Loop.Sender(), route)
}

// ThresholdEntry translates a threshold event into a journal entry. Events
// with an unknown tag are not translated.
func ThresholdEntry(ev threshold.Event) (hook.Entry, bool) {
	code, ok := thresholdCodes[ev.Tag]
	if !ok {
		return hook.Entry{}, false
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return hook.Entry{}, false
	}

	severity := hook.SeverityInformationVerbose
	text := ev.Tag
	switch ev.Tag {
	case threshold.TagExceeded:
		severity = hook.SeverityWarning
		text = fmt.Sprintf("value %g exceeded limit %g", ev.Value, ev.Limit)
	case threshold.TagCleared:
		severity = hook.SeverityInformation
		text = fmt.Sprintf("value %g back within limit %g", ev.Value, ev.Limit)
	}

	return hook.Entry{
		Severity: severity,
		Source:   threshold.Name,
		Code:     code,
		Text:     text,
		Data:     string(data),
	}, true
}

// Set is a group of mediators started and stopped together.
type Set struct {
	runners []Runner
	logger  *zap.Logger
}

// Wire creates every mediator whose endpoints are hosted and which the
// configuration does not disable.
func Wire(host *plugin.Host, cfg *config.RuntimeConfig, metrics *metric.Registry, logger *zap.Logger) (*Set, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	set := &Set{logger: logger.Named("bridge")}

	mediatorConfig := func(name string) (mediator.Config, bool, error) {
		section := cfg.Mediator(name)
		if !section.IsEnabled() {
			set.logger.Info("Mediator disabled", zap.String("mediator", name))
			return mediator.Config{}, false, nil
		}
		mc, err := section.MediatorConfig(name)
		if err != nil {
			return mediator.Config{}, false, fmt.Errorf("mediator %s: %w", name, err)
		}
		mc.Logger = logger
		mc.Metrics = metrics
		return mc, true, nil
	}

	src, err := plugin.Lookup[*threshold.Plugin](host, threshold.Name)
	if err != nil {
		set.logger.Info("No threshold plugin, nothing to mediate", zap.Error(err))
		return set, nil
	}

	if dst, err := plugin.Lookup[*alarm.Plugin](host, alarm.Name); err == nil {
		mc, ok, err := mediatorConfig(ThresholdAlarm)
		if err != nil {
			return nil, err
		}
		if ok {
			m, err := NewThresholdAlarm(src, dst, mc)
			if err != nil {
				return nil, err
			}
			set.runners = append(set.runners, m)
		}
	} else {
		set.logger.Info("Skipping mediator", zap.String("mediator", ThresholdAlarm), zap.Error(err))
	}

	if dst, err := plugin.Lookup[*journal.Plugin](host, journal.Name); err == nil {
		mc, ok, err := mediatorConfig(ThresholdJournal)
		if err != nil {
			return nil, err
		}
		if ok {
			m, err := NewThresholdJournal(src, dst, mc)
			if err != nil {
				return nil, err
			}
			set.runners = append(set.runners, m)
		}
	} else {
		set.logger.Info("Skipping mediator", zap.String("mediator", ThresholdJournal), zap.Error(err))
	}

	return set, nil
}

// Runners returns the wired mediators.
func (s *Set) Runners() []Runner {
	return s.runners
}

// Start starts every mediator. On failure the ones already started are stopped.
func (s *Set) Start(ctx context.Context) error {
	for i, r := range s.runners {
		if err := r.Start(ctx); err != nil {
			for _, started := range s.runners[:i] {
				started.Stop()
			}
			return fmt.Errorf("failed to start mediator %s: %w", r.Name(), err)
		}
		s.logger.Info("Mediator wired", zap.String("mediator", r.Name()))
	}
	return nil
}

// Stop stops every mediator and waits for it to finish.
func (s *Set) Stop() {
	for _, r := range s.runners {
		r.Stop()
	}
}
