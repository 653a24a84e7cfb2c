// Package render turns KPI snapshots into the table markup of the dashboard
// container.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"

	"github.com/NikosSpanos/health-monitoring-app/internal/kpi"
)

// ErrNoContainer is returned when Render is given no container.
var ErrNoContainer = errors.New("render: no container")

var tablesTmpl = template.Must(template.New("tables").Funcs(template.FuncMap{
	"rate": kpi.FormatRate,
}).Parse(`{{range .}}<h2>Device: {{.Label}} (ID: {{.DeviceID}})</h2>` +
	`<table border="1"><tr><th>Minute</th><th>Average Heart Rate</th></tr>` +
	`{{range .AvgHeartRatePerMinute}}<tr><td>{{.Minute}}</td><td>{{rate .AvgHeartRate}}</td></tr>{{end}}` +
	`</table><br>{{end}}`))

// Markup renders one heading, table and spacer per device, in input order.
func Markup(devices []kpi.DeviceKPI) (template.HTML, error) {
	var buf bytes.Buffer
	if err := tablesTmpl.Execute(&buf, devices); err != nil {
		return "", fmt.Errorf("render tables: %w", err)
	}
	return template.HTML(buf.String()), nil
}

// Render replaces the whole contents of c with the tables for devices. An
// empty list leaves c empty. On error c is not touched.
func Render(c *Container, devices []kpi.DeviceKPI) error {
	if c == nil {
		return ErrNoContainer
	}
	markup, err := Markup(devices)
	if err != nil {
		return err
	}
	c.Replace(markup)
	return nil
}
