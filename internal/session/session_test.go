package session

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikosSpanos/health-monitoring-app/internal/events"
	"github.com/NikosSpanos/health-monitoring-app/internal/kpi"
	"github.com/NikosSpanos/health-monitoring-app/internal/metrics"
	"github.com/NikosSpanos/health-monitoring-app/internal/render"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setup(t *testing.T, opts Options) (*events.Bus, *render.Container, *Handler) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	bus := events.NewBus()
	c := render.NewContainer(render.DefaultContainerID)
	h := Register(bus, c, opts)
	t.Cleanup(h.Close)
	return bus, c, h
}

// metricValue reads a single-series counter or gauge from the registry.
func metricValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		require.Len(t, mf.GetMetric(), 1)
		series := mf.GetMetric()[0]
		if c := series.GetCounter(); c != nil {
			return c.GetValue()
		}
		return series.GetGauge().GetValue()
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

type recordingSaver struct {
	mu    sync.Mutex
	saved [][]kpi.DeviceKPI
	err   error
}

func (s *recordingSaver) Save(devices []kpi.DeviceKPI) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, devices)
	return s.err
}

func TestConnect_EmitsSingleFetchWithoutPayload(t *testing.T) {
	bus, _, _ := setup(t, Options{})

	require.NoError(t, bus.Deliver(events.Connect, nil))

	emitted := bus.Emitted()
	require.Len(t, emitted, 1)
	assert.Equal(t, events.FetchKPIs, emitted[0].Event)
	assert.Nil(t, emitted[0].Payload)
}

func TestTaskStarted_EmitsCheckWithTaskID(t *testing.T) {
	bus, _, _ := setup(t, Options{})

	require.NoError(t, bus.Deliver(events.TaskStarted, map[string]string{"task_id": "abc"}))

	emitted := bus.Emitted()
	require.Len(t, emitted, 1)
	assert.Equal(t, events.CheckTaskStatus, emitted[0].Event)
	assert.JSONEq(t, `"abc"`, string(emitted[0].Payload))
}

func TestTaskStarted_WithoutTaskIDEmitsNothing(t *testing.T) {
	bus, _, _ := setup(t, Options{})

	require.NoError(t, bus.Deliver(events.TaskStarted, map[string]string{}))
	require.NoError(t, bus.Deliver(events.TaskStarted, "not-an-object"))
	assert.Empty(t, bus.Emitted())
}

func TestTaskStatusPending_IsLogOnly(t *testing.T) {
	bus, c, _ := setup(t, Options{})
	require.NoError(t, bus.Deliver(events.KPIData, []map[string]any{
		{"device_id": 1, "device_name": "D1", "avg_heart_rate_per_minute": []any{}},
	}))
	bus.Reset()
	before := c.State()

	require.NoError(t, bus.Deliver(events.TaskStatus, map[string]string{"status": "Pending"}))

	assert.Empty(t, bus.Emitted())
	assert.Equal(t, before, c.State())
}

func TestKPIData_RendersIntoContainer(t *testing.T) {
	m := metrics.New()
	saver := &recordingSaver{}
	bus, c, h := setup(t, Options{Metrics: m, Saver: saver})

	payload := `[{"device_id":1,"device_name":"D1","avg_heart_rate_per_minute":[{"minute":0,"avg_heartrate":72.456}]}]`
	require.NoError(t, bus.Deliver(events.KPIData, json.RawMessage(payload)))

	html := string(c.HTML())
	assert.Contains(t, html, "D1")
	assert.Contains(t, html, "(ID: 1)")
	assert.Contains(t, html, "72.46")

	require.Len(t, h.Snapshot(), 1)
	assert.Equal(t, kpi.ID("1"), h.Snapshot()[0].DeviceID)
	require.Len(t, saver.saved, 1)
	assert.Equal(t, 1.0, metricValue(t, m, "kpiboard_renders_total"))
	assert.Zero(t, metricValue(t, m, "kpiboard_payloads_rejected_total"))
}

func TestKPIData_SecondRenderReplacesFirst(t *testing.T) {
	bus, c, _ := setup(t, Options{})

	require.NoError(t, bus.Deliver(events.KPIData, []map[string]any{
		{"device_id": 9, "device_name": "Stale", "avg_heart_rate_per_minute": []any{}},
	}))
	require.NoError(t, bus.Deliver(events.KPIData, []map[string]any{
		{"device_id": 1, "device_name": "First", "avg_heart_rate_per_minute": []any{}},
		{"device_id": 2, "device_name": "Second", "avg_heart_rate_per_minute": []any{}},
	}))

	html := string(c.HTML())
	assert.NotContains(t, html, "Stale")
	assert.Less(t, strings.Index(html, "First"), strings.Index(html, "Second"))
	assert.Equal(t, 2, strings.Count(html, "<h2>"))
}

func TestKPIData_EmptyListClears(t *testing.T) {
	bus, c, _ := setup(t, Options{})
	require.NoError(t, bus.Deliver(events.KPIData, []map[string]any{
		{"device_id": 1, "device_name": "D1", "avg_heart_rate_per_minute": []any{}},
	}))
	require.NoError(t, bus.Deliver(events.KPIData, []any{}))
	assert.Empty(t, string(c.HTML()))
}

func TestKPIData_MalformedLeavesContainer(t *testing.T) {
	m := metrics.New()
	saver := &recordingSaver{}
	bus, c, _ := setup(t, Options{Metrics: m, Saver: saver})
	require.NoError(t, bus.Deliver(events.KPIData, []map[string]any{
		{"device_id": 1, "device_name": "Keep", "avg_heart_rate_per_minute": []any{}},
	}))
	before := c.State()

	require.NoError(t, bus.Deliver(events.KPIData, []map[string]any{
		{"device_name": "no id"},
	}))
	require.NoError(t, bus.Deliver(events.KPIData, map[string]any{"oops": true}))

	assert.Equal(t, before, c.State())
	assert.Len(t, saver.saved, 1)
	assert.Equal(t, 2.0, metricValue(t, m, "kpiboard_payloads_rejected_total"))
}

func TestKPIData_SaveErrorIsNotFatal(t *testing.T) {
	saver := &recordingSaver{err: errors.New("disk full")}
	bus, c, _ := setup(t, Options{Saver: saver})
	require.NoError(t, bus.Deliver(events.KPIData, []map[string]any{
		{"device_id": 1, "device_name": "D1", "avg_heart_rate_per_minute": []any{}},
	}))
	assert.Contains(t, string(c.HTML()), "D1")
}

func TestDisconnect_MarksStale(t *testing.T) {
	bus, c, _ := setup(t, Options{})
	require.NoError(t, bus.Deliver(events.Disconnect, events.DisconnectPayload{Error: "EOF"}))
	assert.True(t, c.State().Stale)

	require.NoError(t, bus.Deliver(events.KPIData, []any{}))
	assert.False(t, c.State().Stale)
}

func TestTaskStatusFailure_SetsNote(t *testing.T) {
	bus, c, _ := setup(t, Options{})
	require.NoError(t, bus.Deliver(events.TaskStarted, map[string]string{"task_id": "t1"}))
	bus.Reset()

	require.NoError(t, bus.Deliver(events.TaskStatus, map[string]string{"status": "FAILURE"}))
	assert.Equal(t, NoteTaskFailed, c.State().Note)
	assert.Empty(t, bus.Emitted())
}

func TestTaskStatusUnknown_Ignored(t *testing.T) {
	bus, c, _ := setup(t, Options{})
	before := c.State()
	require.NoError(t, bus.Deliver(events.TaskStatus, map[string]string{"status": "RETRY"}))
	require.NoError(t, bus.Deliver(events.TaskStatus, json.RawMessage(`not json`)))
	assert.Empty(t, bus.Emitted())
	assert.Equal(t, before, c.State())
}

func TestPolling_RepollsPendingUpToLimit(t *testing.T) {
	bus, _, _ := setup(t, Options{PollInterval: 10 * time.Millisecond, MaxPolls: 2})
	require.NoError(t, bus.Deliver(events.TaskStarted, map[string]string{"task_id": "t1"}))
	require.Len(t, bus.EmittedNamed(events.CheckTaskStatus), 1)

	for want := 2; want <= 3; want++ {
		require.NoError(t, bus.Deliver(events.TaskStatus, map[string]string{"status": "Pending"}))
		require.Eventually(t, func() bool {
			return len(bus.EmittedNamed(events.CheckTaskStatus)) == want
		}, time.Second, 5*time.Millisecond)
	}

	// Budget exhausted.
	require.NoError(t, bus.Deliver(events.TaskStatus, map[string]string{"status": "Pending"}))
	time.Sleep(50 * time.Millisecond)
	checks := bus.EmittedNamed(events.CheckTaskStatus)
	assert.Len(t, checks, 3)
	for _, e := range checks {
		assert.JSONEq(t, `"t1"`, string(e.Payload))
	}
}

func TestPolling_KPIDataCancelsPendingPoll(t *testing.T) {
	bus, _, _ := setup(t, Options{PollInterval: 30 * time.Millisecond, MaxPolls: 5})
	require.NoError(t, bus.Deliver(events.TaskStarted, map[string]string{"task_id": "t1"}))
	require.NoError(t, bus.Deliver(events.TaskStatus, map[string]string{"status": "Pending"}))
	require.NoError(t, bus.Deliver(events.KPIData, []any{}))

	time.Sleep(80 * time.Millisecond)
	assert.Len(t, bus.EmittedNamed(events.CheckTaskStatus), 1)
}

func TestPolling_CloseStopsTimer(t *testing.T) {
	bus, _, h := setup(t, Options{PollInterval: 30 * time.Millisecond, MaxPolls: 5})
	require.NoError(t, bus.Deliver(events.TaskStarted, map[string]string{"task_id": "t1"}))
	require.NoError(t, bus.Deliver(events.TaskStatus, map[string]string{"status": "Pending"}))
	h.Close()

	time.Sleep(80 * time.Millisecond)
	assert.Len(t, bus.EmittedNamed(events.CheckTaskStatus), 1)

	require.NoError(t, bus.Deliver(events.Connect, nil))
	assert.Empty(t, bus.EmittedNamed(events.FetchKPIs), "closed handler ignores events")
}

func TestRestore_RendersStale(t *testing.T) {
	_, c, h := setup(t, Options{})
	require.NoError(t, h.Restore([]kpi.DeviceKPI{{DeviceID: "7", DeviceName: "Saved"}}))

	st := c.State()
	assert.Contains(t, string(st.HTML), "Saved")
	assert.True(t, st.Stale)
	assert.Len(t, h.Snapshot(), 1)
}

func TestClassify(t *testing.T) {
	tests := map[string]taskState{
		"Pending":  statePending,
		" pending": statePending,
		"SUCCESS":  stateSucceeded,
		"done":     stateSucceeded,
		"FAILURE":  stateFailed,
		"Failed":   stateFailed,
		"REVOKED":  stateFailed,
		"STARTED":  stateOther,
		"":         stateOther,
	}
	for in, want := range tests {
		assert.Equal(t, want, classify(in), "classify(%q)", in)
	}
}
