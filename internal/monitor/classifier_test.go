package monitor

import (
	"testing"
)

func TestClassify(t *testing.T) {
	c := NewFailureClassifier()

	tests := []struct {
		name      string
		output    string
		wantCause string
		wantLine  int
	}{
		{"npx missing", "sh: 1: npx: not found", "runner_missing", 1},
		{"cypress not installed", "No version of Cypress is installed in: /root/.cache/Cypress", "binary_not_installed", 1},
		{"browser launch", "header\nError: Browser not found: chrome", "browser_launch", 2},
		{"heap", "FATAL ERROR: Reached heap limit Allocation failed - JavaScript heap out of memory", "out_of_memory", 1},
		{"no specs", "Can't run because no spec files were found.", "no_specs", 1},
		{"unreachable", "CypressError: cy.visit() failed trying to load:", "target_unreachable", 1},
		{"ansi wrapped", "\x1b[31mECONNREFUSED 127.0.0.1:3000\x1b[0m", "target_unreachable", 1},
		{"assertion", "AssertionError: Timed out retrying after 4000ms: expected", "assertion_timeout", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			causes := c.Classify(tt.output)
			found := false
			for _, cause := range causes {
				if cause.Name == tt.wantCause {
					found = true
					if cause.Line != tt.wantLine {
						t.Errorf("Line = %d, want %d", cause.Line, tt.wantLine)
					}
				}
			}
			if !found {
				t.Errorf("cause %q not found in %v", tt.wantCause, causes)
			}
		})
	}
}

func TestClassify_CleanOutput(t *testing.T) {
	c := NewFailureClassifier()
	if causes := c.Classify("  Running:  a.cy.ts\n\n  3 passing (2s)\n"); len(causes) != 0 {
		t.Errorf("got %d causes for clean output: %v", len(causes), causes)
	}
}

func TestClassify_OneCausePerPattern(t *testing.T) {
	c := NewFailureClassifier()
	causes := c.Classify("ECONNREFUSED\nECONNREFUSED\nECONNREFUSED")
	if len(causes) != 1 {
		t.Errorf("got %d causes, want 1", len(causes))
	}
}

func TestHighest(t *testing.T) {
	causes := []Cause{
		{Name: "assertion_timeout", Severity: "low"},
		{Name: "runner_missing", Severity: "critical"},
		{Name: "target_unreachable", Severity: "high"},
	}
	got, ok := Highest(causes)
	if !ok || got.Name != "runner_missing" {
		t.Errorf("Highest() = %v, %v; want runner_missing", got, ok)
	}
	if _, ok := Highest(nil); ok {
		t.Error("Highest(nil) reported a cause")
	}
}

func TestSeverityString(t *testing.T) {
	tests := []struct {
		sev  Severity
		want string
	}{
		{SeverityLow, "low"},
		{SeverityMedium, "medium"},
		{SeverityHigh, "high"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.sev.String(); got != tt.want {
				t.Errorf("Severity(%d).String() = %q, want %q", tt.sev, got, tt.want)
			}
		})
	}
}
