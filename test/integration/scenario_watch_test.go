package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const watchRuntime = `plugins:
  threshold:
    extensions:
      sampler: ramp
    settings:
      limit: 50
      field: tank1
      watch_interval: 1s
      start: 0
      step: 30
      max: 90
`

// TestScenario_WatchDrivesAlarm validates that the sampling task feeds the
// threshold through its own mailbox and the alarm follows the ramp
func TestScenario_WatchDrivesAlarm(t *testing.T) {
	rt := setupRuntime(t, watchRuntime, t.TempDir())
	ctx := context.Background()

	t.Log("GIVEN: The watch started with the plugin")
	st, err := rt.threshold.Client().Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Watching)
	assert.Equal(t, "tank1", st.Field)
	assert.Equal(t, time.Second, st.Interval)

	t.Log("WHEN: The ramp samples 0, 30 and 60")
	for i := 0; i < 3; i++ {
		rt.sample(t, time.Second)
	}

	t.Log("THEN: The alarm is raised by the third sample")
	require.Eventually(t, func() bool { return rt.alarmActive() }, waitFor, tick)
	st, err = rt.threshold.Client().Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), st.Samples)
	assert.Equal(t, 60.0, st.Last)

	t.Log("WHEN: The ramp samples 90 and wraps to 0")
	for i := 0; i < 2; i++ {
		rt.sample(t, time.Second)
	}

	t.Log("THEN: The alarm is cleared")
	require.Eventually(t, func() bool { return !rt.alarmActive() }, waitFor, tick)

	t.Log("WHEN: The watch is stopped")
	require.NoError(t, rt.threshold.Client().StopWatch(ctx))

	t.Log("THEN: No sampling task remains")
	require.Eventually(t, func() bool {
		return len(rt.threshold.Stats().Tasks) == 0
	}, waitFor, tick)
	st, err = rt.threshold.Client().Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Watching)
	assert.Equal(t, uint64(5), st.Samples)
}

// TestScenario_WatchCancelledOnShutdown validates that stopping the runtime
// cancels a running watch instead of waiting for its next sample
func TestScenario_WatchCancelledOnShutdown(t *testing.T) {
	rt := setupRuntime(t, watchRuntime, t.TempDir())

	require.Eventually(t, func() bool { return rt.clock.Pending() > 0 }, waitFor, time.Millisecond)
	tasks := rt.threshold.Stats().Tasks
	require.Len(t, tasks, 1)
	assert.Equal(t, "watch:tank1", tasks[0].Name)

	rt.stopped = true
	rt.mediators.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, rt.host.Stop(ctx), "runtime did not stop while a watch was running")
	assert.Equal(t, "stopped", rt.threshold.Stats().Status)
}
