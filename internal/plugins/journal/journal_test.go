package journal

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"msr/internal/extensions/formatter"
	"msr/internal/extensions/storage"
	"msr/pkg/broadcast"
	"msr/pkg/clock"
	"msr/pkg/hook"
	"msr/pkg/loop"
	"msr/pkg/plugin"
)

var start = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

type fixture struct {
	plugin *Plugin
	client Client
	clock  *clock.MockClock
	events *broadcast.Receiver[Event]
}

func newFixture(t *testing.T, cfg loop.Config, opts Options) *fixture {
	t.Helper()
	clk := clock.NewMockClock(start)
	cfg.Clock = clk
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if opts.Storage == nil {
		opts.Storage = storage.NewMemory(100)
	}
	if opts.Formatter == nil {
		opts.Formatter = formatter.JSON{}
	}
	p, err := New(cfg, opts)
	require.NoError(t, err)

	rx, err := p.Loop.Subscribe(broadcast.WithCapacity(32))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop(context.Background()) })

	return &fixture{plugin: p, client: p.Client(), clock: clk, events: rx}
}

func (f *fixture) next(t *testing.T) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := f.events.Recv(ctx)
	require.NoError(t, err)
	return ev.Payload
}

func entry(sev hook.Severity, source, text string) hook.Entry {
	return hook.Entry{Severity: sev, Source: source, Code: 1, Text: text}
}

func TestJournal_RecordAndQuery(t *testing.T) {
	f := newFixture(t, loop.Config{}, Options{})
	ctx := context.Background()
	assert.Equal(t, EventStarted, f.next(t).Kind)

	out, err := f.client.Record(ctx, entry(hook.SeverityInformation, "threshold", "first"))
	require.NoError(t, err)
	assert.True(t, out.Recorded)
	assert.NotEmpty(t, out.ID)
	assert.Equal(t, start, out.CreatedAt)

	f.clock.Advance(time.Minute)
	_, err = f.client.Record(ctx, entry(hook.SeverityError, "alarm", "second"))
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.client.Record(ctx, entry(hook.SeverityWarning, "threshold", "third"))
	require.NoError(t, err)

	recent, err := f.client.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "third", recent[0].Text)
	assert.Equal(t, "second", recent[1].Text)
	assert.Equal(t, start.Add(time.Minute), recent[1].OccurredAt)

	filtered, err := f.client.Filter(ctx, 10, hook.Filter{MinSeverity: hook.SeverityWarning, Sources: []string{"threshold"}})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "third", filtered[0].Text)

	status, err := f.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), status.Recorded)
	assert.Equal(t, ModeActive, status.Mode)
}

func TestJournal_InactiveAndThreshold(t *testing.T) {
	f := newFixture(t, loop.Config{}, Options{Config: Config{SeverityThreshold: hook.SeverityWarning}})
	ctx := context.Background()
	f.next(t) // started

	out, err := f.client.Record(ctx, entry(hook.SeverityInformation, "s", "too low"))
	require.NoError(t, err)
	assert.False(t, out.Recorded)
	assert.Equal(t, NotRecordedBelowThreshold, out.Reason)

	prev, err := f.client.SwitchMode(ctx, ModeInactive)
	require.NoError(t, err)
	assert.Equal(t, ModeActive, prev)
	ev := f.next(t)
	assert.Equal(t, EventModeChanged, ev.Kind)
	assert.Equal(t, ModeInactive, ev.Mode)

	out, err = f.client.Record(ctx, entry(hook.SeverityErrorCritical, "s", "ignored"))
	require.NoError(t, err)
	assert.Equal(t, NotRecordedInactive, out.Reason)

	// Switching to the current mode publishes nothing
	prev, err = f.client.SwitchMode(ctx, ModeInactive)
	require.NoError(t, err)
	assert.Equal(t, ModeInactive, prev)

	_, err = f.client.SwitchMode(ctx, "paused")
	assert.Error(t, err)

	_, err = f.client.SwitchMode(ctx, ModeActive)
	require.NoError(t, err)
	f.next(t) // mode-changed

	oldCfg, err := f.client.ReplaceConfig(ctx, Config{})
	require.NoError(t, err)
	assert.Equal(t, hook.SeverityWarning, oldCfg.SeverityThreshold)
	ev = f.next(t)
	assert.Equal(t, EventConfigChanged, ev.Kind)
	require.NotNil(t, ev.Config)

	out, err = f.client.Record(ctx, entry(hook.SeverityInformation, "s", "now recorded"))
	require.NoError(t, err)
	assert.True(t, out.Recorded)

	status, err := f.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), status.Recorded)
	assert.Equal(t, uint64(2), status.Discarded)
	assert.Equal(t, 0, f.events.Len())
}

type brokenStorage struct {
	*storage.Memory
}

func (brokenStorage) Append(ctx context.Context, r hook.Record) error {
	return errors.New("disk full")
}

func TestJournal_StorageFailurePublishesIncident(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	f := newFixture(t, loop.Config{Logger: zap.New(core)}, Options{Storage: brokenStorage{storage.NewMemory(1)}})
	ctx := context.Background()
	f.next(t) // started

	_, err := f.client.Record(ctx, entry(hook.SeverityError, "s", "lost"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	ev := f.next(t)
	assert.Equal(t, EventIncident, ev.Kind)
	assert.Equal(t, "disk full", ev.Text)

	status, err := f.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "disk full", status.LastError)
	assert.Equal(t, 1, logs.FilterMessage("Failed to record entry").Len())
}

func TestJournal_LimitValidation(t *testing.T) {
	f := newFixture(t, loop.Config{}, Options{})
	ctx := context.Background()

	_, err := f.client.Recent(ctx, 0)
	assert.ErrorIs(t, err, ErrInvalidLimit)
	_, err = f.client.Filter(ctx, -1, hook.Filter{})
	assert.ErrorIs(t, err, ErrInvalidLimit)
	_, err = f.client.Export(ctx, 0)
	assert.ErrorIs(t, err, ErrInvalidLimit)
}

func TestJournal_Export(t *testing.T) {
	f := newFixture(t, loop.Config{}, Options{})
	ctx := context.Background()

	_, err := f.client.Record(ctx, entry(hook.SeverityWarning, "threshold", "exported"))
	require.NoError(t, err)

	exp, err := f.client.Export(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "application/json", exp.ContentType)

	var records []map[string]any
	require.NoError(t, json.Unmarshal(exp.Data, &records))
	require.Len(t, records, 1)
	assert.Equal(t, "exported", records[0]["text"])
	assert.Equal(t, "warning", records[0]["severity"])
}

func TestJournal_StopClosesStorage(t *testing.T) {
	mem := storage.NewMemory(10)
	f := newFixture(t, loop.Config{}, Options{Storage: mem})
	f.next(t) // started

	require.NoError(t, f.plugin.Stop(context.Background()))
	assert.Equal(t, EventStopped, f.next(t).Kind)

	_, err := mem.Recent(context.Background(), 1)
	assert.ErrorIs(t, err, storage.ErrClosed)
}

func TestNew_RequiresStorage(t *testing.T) {
	_, err := New(loop.Config{}, Options{})
	assert.Error(t, err)
}

func TestJournal_RegisteredWithCSV(t *testing.T) {
	info := plugin.Get(Name)
	require.NotNil(t, info)

	deps := plugin.NewDeps()
	deps.DataDir = t.TempDir()
	deps.Extensions = hook.Selection{hook.CapStorage: "csv", hook.CapFormatter: "yaml"}
	deps.Settings = hook.Settings{"severity_threshold": "warning"}

	p, err := info.Factory(deps)
	require.NoError(t, err)
	jp := p.(*Plugin)
	require.NoError(t, jp.Start(context.Background()))

	ctx := context.Background()
	out, err := jp.Client().Record(ctx, entry(hook.SeverityError, "alarm", "persisted"))
	require.NoError(t, err)
	require.True(t, out.Recorded)

	exp, err := jp.Client().Export(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "application/yaml", exp.ContentType)
	assert.Contains(t, string(exp.Data), "text: persisted")

	require.NoError(t, jp.Stop(ctx))

	files, err := filepath.Glob(filepath.Join(deps.DataDir, "journal", "journal-*.csv"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "persisted")

	deps.Settings = hook.Settings{"mode": "sleepy"}
	_, err = info.Factory(deps)
	assert.Error(t, err)
}
