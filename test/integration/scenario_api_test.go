package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msr/internal/api"
	"msr/internal/bridge"
	"msr/internal/plugins/alarm"
	"msr/pkg/mediator"
)

// TestScenario_AlarmEventsStreamOverWebSocket validates that a web client
// sees the alarm raised by a threshold crossing
func TestScenario_AlarmEventsStreamOverWebSocket(t *testing.T) {
	rt := setupRuntime(t, manualRuntime, t.TempDir())

	t.Log("GIVEN: A client subscribed to the alarm's events")
	url := "ws" + strings.TrimPrefix(rt.http.URL, "http") + "/api/events/alarm"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	t.Log("WHEN: The threshold is exceeded")
	_, err = rt.threshold.Client().Record(context.Background(), 75)
	require.NoError(t, err)

	t.Log("THEN: The client receives the raise")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	var msg struct {
		api.EventMessage
		Payload alarm.Event `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, alarm.Name, msg.Publisher)
	assert.Equal(t, alarm.EventRaised, msg.Payload.Kind)
	assert.Equal(t, "value 75 above limit 50", msg.Payload.Reason)
	assert.True(t, rt.clock.Now().Equal(msg.When), "published at %s", msg.When)
}

// TestScenario_APIReportsRuntimeState validates the read-only endpoints
// against a running runtime
func TestScenario_APIReportsRuntimeState(t *testing.T) {
	rt := setupRuntime(t, manualRuntime, t.TempDir())

	_, err := rt.threshold.Client().Record(context.Background(), 99)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rt.alarmActive() }, waitFor, tick)

	t.Log("THEN: Health is ok")
	resp, err := http.Get(rt.http.URL + "/health")
	require.NoError(t, err)
	var health api.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 3, health.Plugins)

	t.Log("AND: Plugins are listed in startup order")
	resp, err = http.Get(rt.http.URL + "/api/plugins")
	require.NoError(t, err)
	var plugins []api.PluginStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&plugins))
	resp.Body.Close()
	require.Len(t, plugins, 3)
	assert.Equal(t, []string{"journal", "alarm", "threshold"},
		[]string{plugins[0].Name, plugins[1].Name, plugins[2].Name})

	t.Log("AND: Both mediators delivered the crossing")
	require.Eventually(t, func() bool {
		resp, err := http.Get(rt.http.URL + "/api/mediators")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var stats []mediator.Stats
		if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil || len(stats) != 2 {
			return false
		}
		return stats[0].Name == bridge.ThresholdAlarm && stats[0].Delivered == 1 &&
			stats[1].Name == bridge.ThresholdJournal && stats[1].Delivered == 1
	}, waitFor, tick)

	t.Log("AND: Metrics include mediator deliveries")
	resp, err = http.Get(rt.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body bytes.Buffer
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), `msr_mediator_deliveries_total{mediator="threshold-alarm",status="delivered"} 1`)
}
