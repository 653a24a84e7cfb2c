package app

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"

	"github.com/NikosSpanos/health-monitoring-app/internal/kpi"
)

var mdEscaper = strings.NewReplacer(
	`\`, `\\`,
	"|", `\|`,
	"*", `\*`,
	"_", `\_`,
	"`", "\\`",
	"[", `\[`,
	"]", `\]`,
	"<", `\<`,
	"#", `\#`,
)

// deviceMarkdown renders one device the way the dashboard page does: a
// heading followed by its minute table.
func deviceMarkdown(d kpi.DeviceKPI) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Device: %s (ID: %s)\n\n", mdEscaper.Replace(d.Label()), mdEscaper.Replace(string(d.DeviceID)))
	if len(d.AvgHeartRatePerMinute) == 0 {
		b.WriteString("*no readings yet*\n")
		return b.String()
	}
	b.WriteString("| Minute | Average Heart Rate |\n|---|---:|\n")
	for _, m := range d.AvgHeartRatePerMinute {
		fmt.Fprintf(&b, "| %s | %s |\n", mdEscaper.Replace(string(m.Minute)), kpi.FormatRate(m.AvgHeartRate))
	}
	return b.String()
}

func newRenderer(style string, width int) *glamour.TermRenderer {
	if width <= 0 {
		width = 80
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(style),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil
	}
	return r
}

// renderMarkdown falls back to the raw markdown when no renderer is available.
func renderMarkdown(r *glamour.TermRenderer, md string) string {
	if r == nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimRight(out, "\n")
}
