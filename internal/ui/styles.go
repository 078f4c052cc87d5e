// Package ui provides terminal output styling for the CLI.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
	boldStyle   = lipgloss.NewStyle().Bold(true)
)

// RenderAccent styles informational markers.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass styles success markers.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn styles warning markers.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail styles error markers.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderDim styles secondary detail.
func RenderDim(s string) string { return dimStyle.Render(s) }

// RenderBold styles headings.
func RenderBold(s string) string { return boldStyle.Render(s) }
