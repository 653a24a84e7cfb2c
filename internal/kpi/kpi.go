// Package kpi holds the per-device heart-rate KPI records delivered by the
// doctor dashboard backend in kpi_data events.
package kpi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrMalformed is returned by Decode when a kpi_data payload does not have
// the expected shape. Decoding is all-or-nothing.
var ErrMalformed = errors.New("malformed kpi payload")

// ID is an opaque device identifier. The backend sends either a JSON string
// or a number; both are kept in their textual form.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	s, err := scalarText(data)
	if err != nil {
		return fmt.Errorf("device_id: %w", err)
	}
	*id = ID(s)
	return nil
}

// Minute labels one averaging bucket: either an integer offset or the
// "2006-01-02 15:04" string the backend task emits. Rendered verbatim.
type Minute string

func (m *Minute) UnmarshalJSON(data []byte) error {
	s, err := scalarText(data)
	if err != nil {
		return fmt.Errorf("minute: %w", err)
	}
	*m = Minute(s)
	return nil
}

// MinuteAverage is the average heart rate observed in one minute.
type MinuteAverage struct {
	Minute       Minute  `json:"minute"`
	AvgHeartRate float64 `json:"avg_heartrate"`
}

// DeviceKPI is one device's block in a snapshot. Sequence order of
// AvgHeartRatePerMinute is display order.
type DeviceKPI struct {
	DeviceID              ID              `json:"device_id"`
	DeviceName            string          `json:"device_name,omitempty"`
	DeviceType            string          `json:"device_type,omitempty"`
	AvgHeartRatePerMinute []MinuteAverage `json:"avg_heart_rate_per_minute"`
}

// Label is the name shown in the device heading: device_name, else
// device_type, else the id.
func (d DeviceKPI) Label() string {
	switch {
	case d.DeviceName != "":
		return d.DeviceName
	case d.DeviceType != "":
		return d.DeviceType
	default:
		return string(d.DeviceID)
	}
}

// FormatRate formats a heart rate with two decimals (72.456 -> "72.46").
func FormatRate(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// wire shapes with pointers so absent fields can be told apart from zero.
type wireMinute struct {
	Minute       *Minute  `json:"minute"`
	AvgHeartRate *float64 `json:"avg_heartrate"`
}

type wireDevice struct {
	DeviceID              *ID           `json:"device_id"`
	DeviceName            string        `json:"device_name"`
	DeviceType            string        `json:"device_type"`
	AvgHeartRatePerMinute *[]wireMinute `json:"avg_heart_rate_per_minute"`
}

// Decode parses a kpi_data payload. Any structural problem rejects the whole
// payload with an error wrapping ErrMalformed.
func Decode(data json.RawMessage) ([]DeviceKPI, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '[' {
		return nil, fmt.Errorf("%w: expected a list of devices", ErrMalformed)
	}

	var raw []*wireDevice
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	devices := make([]DeviceKPI, 0, len(raw))
	for i, w := range raw {
		if w == nil {
			return nil, fmt.Errorf("%w: device %d is null", ErrMalformed, i)
		}
		if w.DeviceID == nil {
			return nil, fmt.Errorf("%w: device %d has no device_id", ErrMalformed, i)
		}
		if w.AvgHeartRatePerMinute == nil {
			return nil, fmt.Errorf("%w: device %s has no avg_heart_rate_per_minute", ErrMalformed, *w.DeviceID)
		}

		d := DeviceKPI{
			DeviceID:              *w.DeviceID,
			DeviceName:            w.DeviceName,
			DeviceType:            w.DeviceType,
			AvgHeartRatePerMinute: make([]MinuteAverage, 0, len(*w.AvgHeartRatePerMinute)),
		}
		for j, m := range *w.AvgHeartRatePerMinute {
			if m.Minute == nil || m.AvgHeartRate == nil {
				return nil, fmt.Errorf("%w: device %s entry %d is incomplete", ErrMalformed, d.DeviceID, j)
			}
			d.AvgHeartRatePerMinute = append(d.AvgHeartRatePerMinute, MinuteAverage{
				Minute:       *m.Minute,
				AvgHeartRate: *m.AvgHeartRate,
			})
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// scalarText returns the text of a JSON string or number.
func scalarText(data []byte) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "", errors.New("missing value")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return "", fmt.Errorf("expected string or number, got %s", data)
	}
	return n.String(), nil
}
