package cli

import "github.com/charmbracelet/lipgloss"

// styles used in CLI output.
var styles = struct {
	Bold    lipgloss.Style
	Faint   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Role    map[string]lipgloss.Style
}{
	Bold:    lipgloss.NewStyle().Bold(true),
	Faint:   lipgloss.NewStyle().Faint(true),
	Success: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	Role: map[string]lipgloss.Style{
		"user":      lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true),
		"assistant": lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		"system":    lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Bold(true),
	},
}
