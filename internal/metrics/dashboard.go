package metrics

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Dashboard renders collector stats for terminal display.
type Dashboard struct {
	collector *Collector
	styles    DashboardStyles
	width     int
}

// DashboardStyles defines the styling for the dashboard.
type DashboardStyles struct {
	Border    lipgloss.Style
	Header    lipgloss.Style
	Label     lipgloss.Style
	Value     lipgloss.Style
	Success   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
}

// NewDashboard creates a dashboard renderer.
func NewDashboard(collector *Collector) *Dashboard {
	return &Dashboard{
		collector: collector,
		width:     80,
		styles:    defaultDashboardStyles(),
	}
}

func defaultDashboardStyles() DashboardStyles {
	return DashboardStyles{
		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86")),
		Label: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")),
		Value: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("255")),
		Success: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("82")),
		Error: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196")),
		Highlight: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214")),
	}
}

// SetWidth sets the dashboard width.
func (d *Dashboard) SetWidth(w int) {
	d.width = w
}

// Render returns the formatted metrics block.
func (d *Dashboard) Render() string {
	stats := d.collector.GetSessionStats()

	avgLatency := float64(0)
	if stats.TurnCount > 0 {
		avgLatency = float64(stats.TotalLatencyMs) / float64(stats.TurnCount) / 1000.0
	}

	cacheRate := float64(0)
	if stats.TurnCount > 0 {
		cacheRate = float64(stats.CacheHits) / float64(stats.TurnCount) * 100
	}

	tokens := formatTokenCount(stats.TokensEstimated)

	var content strings.Builder

	header := d.styles.Header.Render("MÉTRICAS")
	content.WriteString(header)
	content.WriteString("\n")

	row1 := fmt.Sprintf("%s %s │ %s %s │ %s %s",
		d.styles.Label.Render("Turnos:"),
		d.styles.Value.Render(fmt.Sprintf("%d", stats.TurnCount)),
		d.styles.Label.Render("Llamadas:"),
		d.styles.Value.Render(fmt.Sprintf("%d", stats.ModelCalls)),
		d.styles.Label.Render("Tokens:"),
		d.styles.Highlight.Render(tokens),
	)
	content.WriteString(row1)
	content.WriteString("\n")

	row2 := fmt.Sprintf("%s %s │ %s %s │ %s %s",
		d.styles.Label.Render("Latencia:"),
		d.styles.Value.Render(fmt.Sprintf("%.2fs media", avgLatency)),
		d.styles.Label.Render("Cache:"),
		d.styles.Highlight.Render(fmt.Sprintf("%.0f%%", cacheRate)),
		d.styles.Label.Render("Reintentos:"),
		d.formatRetries(stats.Retries),
	)
	content.WriteString(row2)
	content.WriteString("\n")

	lastEvent := stats.LastEvent
	if lastEvent == "" {
		lastEvent = "ninguno"
	}
	if len(lastEvent) > 24 {
		lastEvent = lastEvent[:21] + "..."
	}

	timeSinceLast := ""
	if !stats.LastEventTime.IsZero() {
		elapsed := time.Since(stats.LastEventTime)
		if elapsed < time.Second {
			timeSinceLast = "ahora"
		} else if elapsed < time.Minute {
			timeSinceLast = fmt.Sprintf("%.0fs", elapsed.Seconds())
		} else {
			timeSinceLast = fmt.Sprintf("%.0fm", elapsed.Minutes())
		}
	}

	row3 := fmt.Sprintf("%s %s │ %s %s │ %s",
		d.styles.Label.Render("Fallos:"),
		d.formatFailures(stats.StageErrors),
		d.styles.Label.Render("Último:"),
		d.styles.Value.Render(fmt.Sprintf("%s (%s)", lastEvent, timeSinceLast)),
		d.renderEventActivity(),
	)
	content.WriteString(row3)

	return d.styles.Border.Width(d.width - 4).Render(content.String())
}

// RenderCompact returns a single-line summary.
func (d *Dashboard) RenderCompact() string {
	stats := d.collector.GetSessionStats()

	avgLatency := float64(0)
	if stats.TurnCount > 0 {
		avgLatency = float64(stats.TotalLatencyMs) / float64(stats.TurnCount) / 1000.0
	}

	return fmt.Sprintf("[Métricas] %d turnos │ %s tokens │ %.2fs media │ %d reintentos │ %s",
		stats.TurnCount,
		formatTokenCount(stats.TokensEstimated),
		avgLatency,
		stats.Retries,
		d.renderEventActivity(),
	)
}

func (d *Dashboard) formatRetries(retries int64) string {
	formatted := fmt.Sprintf("%d", retries)
	if retries == 0 {
		return d.styles.Success.Render(formatted)
	}
	return d.styles.Highlight.Render(formatted)
}

func (d *Dashboard) formatFailures(failures int64) string {
	formatted := fmt.Sprintf("%d", failures)
	if failures == 0 {
		return d.styles.Success.Render(formatted)
	}
	return d.styles.Error.Render(formatted)
}

// renderEventActivity renders a visual indicator of recent event activity.
func (d *Dashboard) renderEventActivity() string {
	events := d.collector.GetRecentEvents(5)

	activity := make([]string, 5)
	for i := 0; i < 5; i++ {
		if i < len(events) {
			activity[i] = "●"
		} else {
			activity[i] = "○"
		}
	}
	return strings.Join(activity, "")
}

// formatTokenCount formats large token counts with k/M suffixes.
func formatTokenCount(count int64) string {
	if count < 1000 {
		return fmt.Sprintf("%d", count)
	} else if count < 1000000 {
		return fmt.Sprintf("%.1fk", float64(count)/1000.0)
	}
	return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
}
