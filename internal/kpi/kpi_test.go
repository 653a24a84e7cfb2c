package kpi

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_NumericAndStringScalars(t *testing.T) {
	payload := `[
		{"device_id": 1, "device_name": "D1", "avg_heart_rate_per_minute": [{"minute": 0, "avg_heartrate": 72.456}]},
		{"device_id": "dev-7", "device_type": "watch", "avg_heart_rate_per_minute": [
			{"minute": "2024-05-01 10:00", "avg_heartrate": 80},
			{"minute": "2024-05-01 10:01", "avg_heartrate": 81.5}
		]}
	]`

	devices, err := Decode(json.RawMessage(payload))
	require.NoError(t, err)
	require.Len(t, devices, 2)

	assert.Equal(t, ID("1"), devices[0].DeviceID)
	assert.Equal(t, "D1", devices[0].Label())
	assert.Equal(t, Minute("0"), devices[0].AvgHeartRatePerMinute[0].Minute)
	assert.InDelta(t, 72.456, devices[0].AvgHeartRatePerMinute[0].AvgHeartRate, 1e-9)

	assert.Equal(t, ID("dev-7"), devices[1].DeviceID)
	assert.Equal(t, "watch", devices[1].Label(), "device_type is the fallback label")
	require.Len(t, devices[1].AvgHeartRatePerMinute, 2)
	assert.Equal(t, Minute("2024-05-01 10:01"), devices[1].AvgHeartRatePerMinute[1].Minute)
}

func TestDecode_EmptyList(t *testing.T) {
	devices, err := Decode(json.RawMessage(`[]`))
	require.NoError(t, err)
	assert.Empty(t, devices)
	assert.NotNil(t, devices)
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"Empty", ``},
		{"Object", `{"device_id": 1}`},
		{"NullDevice", `[null]`},
		{"MissingID", `[{"device_name": "x", "avg_heart_rate_per_minute": []}]`},
		{"NullID", `[{"device_id": null, "avg_heart_rate_per_minute": []}]`},
		{"BoolID", `[{"device_id": true, "avg_heart_rate_per_minute": []}]`},
		{"MissingSeries", `[{"device_id": 1, "device_name": "x"}]`},
		{"MissingRate", `[{"device_id": 1, "avg_heart_rate_per_minute": [{"minute": 0}]}]`},
		{"MissingMinute", `[{"device_id": 1, "avg_heart_rate_per_minute": [{"avg_heartrate": 70}]}]`},
		{"RateNotNumber", `[{"device_id": 1, "avg_heart_rate_per_minute": [{"minute": 0, "avg_heartrate": "70"}]}]`},
		{"Truncated", `[{"device_id": 1,`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			devices, err := Decode(json.RawMessage(tt.payload))
			require.ErrorIs(t, err, ErrMalformed)
			assert.Nil(t, devices)
		})
	}
}

func TestLabel_FallsBackToID(t *testing.T) {
	d := DeviceKPI{DeviceID: "abc"}
	assert.Equal(t, "abc", d.Label())
}

func TestFormatRate(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{72.456, "72.46"},
		{72, "72.00"},
		{0, "0.00"},
		{59.994, "59.99"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatRate(tt.in), "FormatRate(%v)", tt.in)
	}
}

func TestDeviceKPI_RoundTripThroughJSON(t *testing.T) {
	in := []DeviceKPI{{
		DeviceID:   "42",
		DeviceName: "Ward 3",
		AvgHeartRatePerMinute: []MinuteAverage{
			{Minute: "2024-05-01 10:00", AvgHeartRate: 66.6},
		},
	}}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
