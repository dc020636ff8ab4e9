// Package output renders CLI results as styled text, tables or JSON.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
)

// Printer writes results to Out and notices to Err. With JSON set, Result
// encodes values and tables are skipped.
type Printer struct {
	Out  io.Writer
	Err  io.Writer
	JSON bool
}

// Success prints a confirmation line to Out.
func (p Printer) Success(format string, args ...any) {
	if p.JSON {
		return
	}
	fmt.Fprintln(p.Out, successStyle.Render("✓")+" "+fmt.Sprintf(format, args...))
}

// Info prints a plain detail line to Out.
func (p Printer) Info(format string, args ...any) {
	if p.JSON {
		return
	}
	fmt.Fprintln(p.Out, "  "+fmt.Sprintf(format, args...))
}

// Hint prints a muted line to Out.
func (p Printer) Hint(format string, args ...any) {
	if p.JSON {
		return
	}
	fmt.Fprintln(p.Out, mutedStyle.Render(fmt.Sprintf(format, args...)))
}

// Warn prints a degraded-success notice to Err, in both output modes.
func (p Printer) Warn(msg string) {
	fmt.Fprintln(p.Err, warnStyle.Render("warning:")+" "+msg)
}

// Error prints a failure and its remediation to Err.
func (p Printer) Error(msg, remediation string) {
	fmt.Fprintln(p.Err, errorStyle.Render("error:")+" "+msg)
	if strings.TrimSpace(remediation) != "" {
		fmt.Fprintln(p.Err, mutedStyle.Render("hint: "+remediation))
	}
}

// Result encodes v as JSON in JSON mode, otherwise calls text.
func (p Printer) Result(v any, text func()) error {
	if p.JSON {
		return JSON(p.Out, v)
	}
	text()
	return nil
}

// Table renders rows under headers. An empty table prints empty instead.
func (p Printer) Table(headers []string, rows [][]string, empty string) {
	if len(rows) == 0 {
		p.Hint("%s", empty)
		return
	}
	fmt.Fprintln(p.Out, Table(headers, rows))
}

// Table builds a rounded lipgloss table.
func Table(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.Render()
}

// JSON writes v as indented JSON.
func JSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
