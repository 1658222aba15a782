package utils

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var levelBase = lipgloss.NewStyle().Padding(0, 1, 0, 1).Bold(true)

// Level tags as charmbracelet/log prints them in plain-text mode.
var levelStyles = []struct {
	tag   string
	style lipgloss.Style
}{
	{"ERRO", levelBase.Background(lipgloss.Color("204")).Foreground(lipgloss.Color("0"))},
	{"WARN", levelBase.Background(lipgloss.Color("214")).Foreground(lipgloss.Color("0"))},
	{"INFO", levelBase.Background(lipgloss.Color("87")).Foreground(lipgloss.Color("16"))},
	{"DEBU", levelBase.Background(lipgloss.Color("63")).Foreground(lipgloss.Color("0"))},
}

// ColorizeLogs styles the level tag of each buffered log line for the watcher's
// log viewport. Lines that already carry ANSI codes pass through untouched.
func ColorizeLogs(logs []string) []string {
	for i, line := range logs {
		if strings.Contains(line, "\x1b[") {
			continue
		}
		for _, level := range levelStyles {
			if strings.Contains(line, level.tag) {
				logs[i] = strings.Replace(line, level.tag, level.style.Render(level.tag), 1)
				break
			}
		}
	}
	return logs
}
