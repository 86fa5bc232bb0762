// Package ui provides terminal render helpers for CLI output.
package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)

	colorEnabled = termenv.EnvColorProfile() != termenv.Ascii
)

// RenderAccent styles informational highlights.
func RenderAccent(s string) string {
	if !colorEnabled {
		return s
	}
	return accentStyle.Render(s)
}

// RenderPass styles success markers.
func RenderPass(s string) string {
	if !colorEnabled {
		return s
	}
	return passStyle.Render(s)
}

// RenderWarn styles warnings.
func RenderWarn(s string) string {
	if !colorEnabled {
		return s
	}
	return warnStyle.Render(s)
}

// RenderFail styles failures.
func RenderFail(s string) string {
	if !colorEnabled {
		return s
	}
	return failStyle.Render(s)
}

// RenderDim styles secondary detail.
func RenderDim(s string) string {
	if !colorEnabled {
		return s
	}
	return dimStyle.Render(s)
}
