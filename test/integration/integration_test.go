package integration

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"msr/internal/api"
	"msr/internal/bridge"
	"msr/internal/config"
	"msr/internal/plugins/alarm"
	"msr/internal/plugins/journal"
	"msr/internal/plugins/threshold"
	"msr/pkg/clock"
	"msr/pkg/hook"
	"msr/pkg/metric"
	"msr/pkg/plugin"

	_ "msr/internal/extensions/formatter"
	_ "msr/internal/extensions/sampler"
	_ "msr/internal/extensions/storage"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

// testRuntime is a fully wired runtime built the way msrd builds it.
type testRuntime struct {
	host      *plugin.Host
	mediators *bridge.Set
	metrics   *metric.Registry
	clock     *clock.MockClock
	http      *httptest.Server

	alarm     *alarm.Plugin
	threshold *threshold.Plugin
	journal   *journal.Plugin

	stopped bool
}

func setupRuntime(t *testing.T, runtimeYAML string, dataDir string) *testRuntime {
	t.Helper()
	logger := zap.NewNop()

	cfg, err := config.Parse([]byte(runtimeYAML))
	require.NoError(t, err)

	rt := &testRuntime{
		metrics: metric.NewRegistry(),
		clock:   clock.NewMockClock(time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC)),
	}

	entries, err := plugin.CreateAll(func(info plugin.PluginInfo) (*plugin.Deps, bool) {
		section := cfg.Plugin(info.Name)
		if !section.IsEnabled() {
			return nil, false
		}
		loopConfig, err := section.LoopConfig()
		require.NoError(t, err)
		return &plugin.Deps{
			Loop:       loopConfig,
			Extensions: hook.Selection(section.Extensions),
			Settings:   section.HookSettings(),
			Logger:     logger,
			Metrics:    rt.metrics,
			Clock:      rt.clock,
			DataDir:    dataDir,
		}, true
	})
	require.NoError(t, err)

	rt.host = plugin.NewHost(entries, logger)
	require.NoError(t, rt.host.Start(context.Background()))

	rt.mediators, err = bridge.Wire(rt.host, cfg, rt.metrics, logger)
	require.NoError(t, err)
	require.NoError(t, rt.mediators.Start(context.Background()))

	rt.alarm, _ = plugin.Lookup[*alarm.Plugin](rt.host, alarm.Name)
	rt.threshold, _ = plugin.Lookup[*threshold.Plugin](rt.host, threshold.Name)
	rt.journal, _ = plugin.Lookup[*journal.Plugin](rt.host, journal.Name)

	statuses := make([]api.MediatorStatus, 0)
	for _, r := range rt.mediators.Runners() {
		statuses = append(statuses, r)
	}
	server := api.NewServer(rt.host, logger, 0, api.WithMetrics(rt.metrics), api.WithMediators(statuses...))
	rt.http = httptest.NewServer(server.Handler())

	t.Cleanup(func() {
		rt.http.Close()
		rt.stop(t)
	})
	return rt
}

// stop shuts the runtime down in msrd's order: mediators, then plugins.
func (rt *testRuntime) stop(t *testing.T) {
	t.Helper()
	if rt.stopped {
		return
	}
	rt.stopped = true
	rt.mediators.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rt.host.Stop(ctx))
}

// sample advances the mock clock once the watch task waits on it.
func (rt *testRuntime) sample(t *testing.T, interval time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool { return rt.clock.Pending() > 0 }, waitFor, time.Millisecond)
	rt.clock.Advance(interval)
}

// alarmActive and journalRecords are polled from Eventually, so they report
// failures as "not yet" instead of failing the test.
func (rt *testRuntime) alarmActive() bool {
	st, err := rt.alarm.Client().Status(context.Background())
	return err == nil && st.Active
}

func (rt *testRuntime) journalRecords() []hook.Record {
	records, err := rt.journal.Client().Recent(context.Background(), 100)
	if err != nil {
		return nil
	}
	return records
}
