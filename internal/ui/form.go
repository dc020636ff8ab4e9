package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/treykane/cfkit/internal/tunnel"
	"github.com/treykane/cfkit/internal/util"
)

// Field indices for the quick tunnel form.
const (
	fieldPort = iota
	fieldProtocol
	fieldCount
)

// quickForm collects the local service for a new random quick tunnel.
type quickForm struct {
	fields   []textinput.Model
	focusIdx int
	errMsg   string
	protocol string
}

func newForm(defaultProtocol string) *quickForm {
	f := &quickForm{protocol: util.DefaultString(defaultProtocol, util.DefaultProtocol)}
	placeholders := []string{
		"8080 (required)",
		f.protocol + " (" + strings.Join(util.Protocols, ", ") + ")",
	}
	limits := []int{5, 8}

	f.fields = make([]textinput.Model, fieldCount)
	for i := range f.fields {
		ti := textinput.New()
		ti.Placeholder = placeholders[i]
		ti.CharLimit = limits[i]
		ti.Width = 30
		f.fields[i] = ti
	}
	f.fields[fieldPort].Focus()
	return f
}

// update processes a key and returns a request once the form is submitted.
func (f *quickForm) update(msg tea.KeyMsg) (*tunnel.QuickRequest, tea.Cmd) {
	switch msg.String() {
	case "tab", "shift+tab", "down", "up":
		f.fields[f.focusIdx].Blur()
		if msg.String() == "tab" || msg.String() == "down" {
			f.focusIdx = (f.focusIdx + 1) % fieldCount
		} else {
			f.focusIdx = (f.focusIdx - 1 + fieldCount) % fieldCount
		}
		f.fields[f.focusIdx].Focus()
		return nil, f.fields[f.focusIdx].Cursor.BlinkCmd()
	case "enter":
		req, err := parseQuickForm(f.fields[fieldPort].Value(), util.DefaultString(f.fields[fieldProtocol].Value(), f.protocol))
		if err != nil {
			f.errMsg = err.Error()
			return nil, nil
		}
		return &req, nil
	default:
		var cmd tea.Cmd
		f.fields[f.focusIdx], cmd = f.fields[f.focusIdx].Update(msg)
		f.errMsg = ""
		return nil, cmd
	}
}

func (f *quickForm) view(renderPanel func(string, string, int, lipgloss.Color) string, width int) string {
	labels := []string{"Port:", "Protocol:"}

	var b strings.Builder
	b.WriteString("Expose a local service on a random trycloudflare.com URL.\n\n")
	for i, label := range labels {
		cursor := "  "
		if i == f.focusIdx {
			cursor = "> "
		}
		b.WriteString(fmt.Sprintf("%s%-10s %s\n", cursor, label, f.fields[i].View()))
	}
	if f.errMsg != "" {
		errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
		b.WriteString("\n" + errStyle.Render("Error: "+f.errMsg) + "\n")
	}
	b.WriteString("\nTab navigate | Enter start | Esc cancel")
	return renderPanel("New Quick Tunnel", b.String(), width, lipgloss.Color("214"))
}

// parseQuickForm validates the form fields into a background quick request.
func parseQuickForm(portStr, protocol string) (tunnel.QuickRequest, error) {
	portStr = strings.TrimSpace(portStr)
	if portStr == "" {
		return tunnel.QuickRequest{}, fmt.Errorf("port is required")
	}
	port, err := util.ParsePort(portStr)
	if err != nil {
		return tunnel.QuickRequest{}, err
	}
	proto, err := util.NormalizeProtocol(protocol)
	if err != nil {
		return tunnel.QuickRequest{}, err
	}
	return tunnel.QuickRequest{Port: port, Protocol: proto, Background: true}, nil
}
