package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/user/streamchat/internal/types"
)

var (
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	systemStyle    = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("8"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

func roleLabel(role types.Role) string {
	switch role {
	case types.RoleUser:
		return userStyle.Render("you")
	case types.RoleAssistant:
		return assistantStyle.Render("assistant")
	default:
		return systemStyle.Render(string(role))
	}
}

func printMessage(w io.Writer, m types.Message) {
	fmt.Fprintf(w, "%s %s\n%s\n\n", roleLabel(m.Role), dimStyle.Render(m.CreatedAt.Format("2006-01-02 15:04")), m.Content)
}
