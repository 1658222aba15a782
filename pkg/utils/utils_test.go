package utils

import (
	"strings"
	"testing"
)

func TestColorizeLogsStylesLevelTags(t *testing.T) {
	lines := []string{
		"12:00:01 WARN Re-join after reconnect failed",
		"12:00:02 DEBU Connected to auction server",
	}
	got := ColorizeLogs(lines)

	if got[0] == "12:00:01 WARN Re-join after reconnect failed" {
		t.Error("WARN line should have been styled")
	}
	if !strings.Contains(got[0], "WARN") {
		t.Errorf("styled line lost its level tag: %q", got[0])
	}
	if got[1] == "12:00:02 DEBU Connected to auction server" {
		t.Error("DEBU line should have been styled")
	}
}

func TestColorizeLogsSkipsStyledAndPlainLines(t *testing.T) {
	styled := "\x1b[38;5;87mINFO\x1b[0m already styled"
	plain := "no level tag here"
	got := ColorizeLogs([]string{styled, plain})

	if got[0] != styled {
		t.Errorf("already styled line should pass through, got %q", got[0])
	}
	if got[1] != plain {
		t.Errorf("line without a level tag should pass through, got %q", got[1])
	}
}
