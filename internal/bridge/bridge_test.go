package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"msr/internal/config"
	"msr/internal/extensions/formatter"
	"msr/internal/extensions/storage"
	"msr/internal/plugins/alarm"
	"msr/internal/plugins/journal"
	"msr/internal/plugins/threshold"
	"msr/pkg/hook"
	"msr/pkg/loop"
	"msr/pkg/mediator"
	"msr/pkg/plugin"
)

func TestThresholdEntry(t *testing.T) {
	tests := []struct {
		name     string
		event    threshold.Event
		severity hook.Severity
		code     int32
		text     string
	}{
		{
			name:     "exceeded",
			event:    threshold.Event{Tag: threshold.TagExceeded, Value: 12, Limit: 10},
			severity: hook.SeverityWarning,
			code:     CodeThresholdExceeded,
			text:     "value 12 exceeded limit 10",
		},
		{
			name:     "cleared",
			event:    threshold.Event{Tag: threshold.TagCleared, Value: 9.5, Limit: 10},
			severity: hook.SeverityInformation,
			code:     CodeThresholdCleared,
			text:     "value 9.5 back within limit 10",
		},
		{
			name:     "lifecycle",
			event:    threshold.Event{Tag: threshold.TagStarted, Limit: 10},
			severity: hook.SeverityInformationVerbose,
			code:     CodeThresholdStarted,
			text:     threshold.TagStarted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, ok := ThresholdEntry(tt.event)
			require.True(t, ok)
			assert.Equal(t, tt.severity, entry.Severity)
			assert.Equal(t, tt.code, entry.Code)
			assert.Equal(t, tt.text, entry.Text)
			assert.Equal(t, threshold.Name, entry.Source)

			var decoded threshold.Event
			require.NoError(t, json.Unmarshal([]byte(entry.Data), &decoded))
			assert.Equal(t, tt.event, decoded)
		})
	}

	_, ok := ThresholdEntry(threshold.Event{Tag: "something-else"})
	assert.False(t, ok)
}

type plugins struct {
	host      *plugin.Host
	alarm     *alarm.Plugin
	threshold *threshold.Plugin
	journal   *journal.Plugin
}

func startPlugins(t *testing.T) plugins {
	t.Helper()
	logger := zap.NewNop()

	a, err := alarm.New(loop.Config{Logger: logger})
	require.NoError(t, err)
	th, err := threshold.New(loop.Config{Logger: logger}, threshold.Options{Limit: 10})
	require.NoError(t, err)
	j, err := journal.New(loop.Config{Logger: logger}, journal.Options{
		Storage:   storage.NewMemory(64),
		Formatter: formatter.JSON{},
	})
	require.NoError(t, err)

	host := plugin.NewHost([]plugin.Entry{
		{Plugin: j, Order: 10},
		{Plugin: a, Order: 50},
		{Plugin: th, Order: 60},
	}, logger)
	require.NoError(t, host.Start(context.Background()))
	t.Cleanup(func() { _ = host.Stop(context.Background()) })

	return plugins{host: host, alarm: a, threshold: th, journal: j}
}

func TestWire_ThresholdDrivesAlarmAndJournal(t *testing.T) {
	p := startPlugins(t)
	ctx := context.Background()

	set, err := Wire(p.host, &config.RuntimeConfig{}, nil, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, set.Runners(), 2)
	require.NoError(t, set.Start(ctx))
	defer set.Stop()

	client := p.threshold.Client()
	_, err = client.Record(ctx, 11)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := p.alarm.Client().Status(ctx)
		return err == nil && st.Active
	}, 2*time.Second, 10*time.Millisecond)

	st, err := p.alarm.Client().Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "value 11 above limit 10", st.Reason)

	_, err = client.Record(ctx, 4)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := p.alarm.Client().Status(ctx)
		return err == nil && !st.Active
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		records, err := p.journal.Client().Recent(ctx, 10)
		return err == nil && len(records) == 2
	}, 2*time.Second, 10*time.Millisecond)

	records, err := p.journal.Client().Recent(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, CodeThresholdCleared, records[0].Code)
	assert.Equal(t, CodeThresholdExceeded, records[1].Code)

	stats := map[string]mediator.Stats{}
	for _, r := range set.Runners() {
		stats[r.Name()] = r.Stats()
	}
	assert.Equal(t, uint64(2), stats[ThresholdAlarm].Delivered)
	assert.Equal(t, uint64(2), stats[ThresholdJournal].Delivered)
}

func TestWire_DisabledMediator(t *testing.T) {
	p := startPlugins(t)
	disabled := false
	cfg := &config.RuntimeConfig{Mediators: map[string]config.MediatorConfig{
		ThresholdJournal: {Enabled: &disabled},
	}}

	set, err := Wire(p.host, cfg, nil, nil)
	require.NoError(t, err)
	require.Len(t, set.Runners(), 1)
	assert.Equal(t, ThresholdAlarm, set.Runners()[0].Name())
}

func TestWire_MissingPlugins(t *testing.T) {
	a, err := alarm.New(loop.Config{})
	require.NoError(t, err)
	host := plugin.NewHost([]plugin.Entry{{Plugin: a, Order: 50}}, nil)

	set, err := Wire(host, nil, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, set.Runners())
	require.NoError(t, set.Start(context.Background()))
	set.Stop()
}
