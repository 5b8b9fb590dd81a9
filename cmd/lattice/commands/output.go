package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/lattice-ops/lattice/pkg/stores"
)

var (
	colorSuccess = lipgloss.Color("#2CD7C7")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#6C7A89")

	styleHeader  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	styleCell    = lipgloss.NewStyle().Padding(0, 1)
	styleTitle   = lipgloss.NewStyle().Bold(true)
	styleMuted   = lipgloss.NewStyle().Foreground(colorMuted)
	styleSuccess = lipgloss.NewStyle().Foreground(colorSuccess)
	styleWarning = lipgloss.NewStyle().Foreground(colorWarning)
	styleError   = lipgloss.NewStyle().Foreground(colorError)
)

// printer renders command results as tables or JSON.
type printer struct {
	out  io.Writer
	json bool
}

// JSON writes v as indented JSON.
func (p *printer) JSON(v interface{}) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Table writes rows under headers. An empty row set prints a dimmed note.
func (p *printer) Table(headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(p.out, styleMuted.Render("(none)"))
		return
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return styleHeader
			}
			return styleCell
		})
	fmt.Fprintln(p.out, t.String())
}

// Title writes a bold heading line.
func (p *printer) Title(format string, args ...interface{}) {
	fmt.Fprintln(p.out, styleTitle.Render(fmt.Sprintf(format, args...)))
}

// Field writes one aligned "label: value" line.
func (p *printer) Field(label, value string) {
	fmt.Fprintf(p.out, "  %-14s %s\n", label+":", value)
}

func renderStatus(status stores.OperationStatus) string {
	s := string(status)
	switch status {
	case stores.OperationStatusCompleted:
		return styleSuccess.Render(s)
	case stores.OperationStatusFailed:
		return styleError.Render(s)
	case stores.OperationStatusBlocked:
		return styleWarning.Render(s)
	default:
		return styleMuted.Render(s)
	}
}

func formatMS(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).String()
}

func formatDurationMS(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return formatMS(*ms)
}

func formatAge(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return humanize.Time(*t)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(strings.SplitN(s, "\n", 2)[0])
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
