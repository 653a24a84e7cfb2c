package app

import (
	"fmt"
	"math"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/harmonica"
	"github.com/charmbracelet/lipgloss"

	"github.com/NikosSpanos/health-monitoring-app/internal/kpi"
	"github.com/NikosSpanos/health-monitoring-app/internal/tui/theme"
)

const (
	fps        = 60
	gaugeMin   = 40.0
	gaugeMax   = 220.0
	gaugeWidth = 40
)

type frameMsg struct{}

func frame() tea.Cmd {
	return tea.Tick(time.Second/fps, func(time.Time) tea.Msg { return frameMsg{} })
}

// Gauge springs toward the latest per-minute average of the selected device.
type Gauge struct {
	spring harmonica.Spring
	pos    float64
	vel    float64
	target float64
}

func NewGauge() Gauge {
	return Gauge{spring: harmonica.NewSpring(harmonica.FPS(fps), 6.0, 0.6)}
}

// Step advances one frame and reports whether the gauge has settled.
func (g *Gauge) Step() bool {
	g.pos, g.vel = g.spring.Update(g.pos, g.vel, g.target)
	if math.Abs(g.pos-g.target) < 0.05 && math.Abs(g.vel) < 0.05 {
		g.pos, g.vel = g.target, 0
		return true
	}
	return false
}

func (g *Gauge) SetTarget(v float64) {
	g.target = v
}

func (g Gauge) Settled() bool {
	return g.pos == g.target && g.vel == 0
}

// View draws the bar at its current position and labels it with the target.
func (g Gauge) View() string {
	frac := (g.pos - gaugeMin) / (gaugeMax - gaugeMin)
	frac = math.Max(0, math.Min(1, frac))
	filled := int(math.Round(frac * gaugeWidth))

	bar := lipgloss.NewStyle().Foreground(theme.HeartRateColor(g.target)).Render(strings.Repeat("█", filled)) +
		theme.StyleDimmed.Render(strings.Repeat("░", gaugeWidth-filled))
	return fmt.Sprintf("latest %s bpm  %s", kpi.FormatRate(g.target), bar)
}

// latest returns the most recent minute average of d, or 0.
func latest(d kpi.DeviceKPI) float64 {
	if n := len(d.AvgHeartRatePerMinute); n > 0 {
		return d.AvgHeartRatePerMinute[n-1].AvgHeartRate
	}
	return 0
}
