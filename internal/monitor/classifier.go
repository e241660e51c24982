package monitor

import (
	"regexp"
	"strings"

	"github.com/acarl005/stripansi"
	"github.com/rs/zerolog/log"
)

// Severity ranks how actionable a classified failure cause is.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// CausePattern matches one known failure cause in runner output.
type CausePattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

// Cause is a failure cause found in runner output.
type Cause struct {
	Name     string `json:"name"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// FailureClassifier scans the output of failed e2e runs for well-known
// infrastructure problems so notifications can say more than "failed".
type FailureClassifier struct {
	patterns []CausePattern
}

// NewFailureClassifier creates a classifier with the default patterns.
func NewFailureClassifier() *FailureClassifier {
	return &FailureClassifier{
		patterns: defaultPatterns(),
	}
}

// Classify returns at most one cause per pattern, in pattern order, each
// pointing at the first line that matched.
func (c *FailureClassifier) Classify(output string) []Cause {
	var causes []Cause

	lines := strings.Split(stripansi.Strip(output), "\n")
	for _, p := range c.patterns {
		for i, line := range lines {
			if !p.Regex.MatchString(line) {
				continue
			}
			causes = append(causes, Cause{
				Name:     p.Name,
				Severity: p.Severity.String(),
				Detail:   p.Description,
				Line:     i + 1,
			})
			log.Debug().
				Str("cause", p.Name).
				Str("severity", p.Severity.String()).
				Int("line", i+1).
				Msg("failure cause detected in runner output")
			break
		}
	}

	return causes
}

// Highest returns the most severe cause, or false when there is none.
func Highest(causes []Cause) (Cause, bool) {
	rank := map[string]Severity{
		"low": SeverityLow, "medium": SeverityMedium,
		"high": SeverityHigh, "critical": SeverityCritical,
	}
	var best Cause
	found := false
	for _, c := range causes {
		if !found || rank[c.Severity] > rank[best.Severity] {
			best = c
			found = true
		}
	}
	return best, found
}

func defaultPatterns() []CausePattern {
	return []CausePattern{
		{
			Name:        "runner_missing",
			Description: "Test runner binary could not be found",
			Regex:       regexp.MustCompile(`(?i)(command not found|npx: not found|could not determine executable to run|ENOENT)`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "binary_not_installed",
			Description: "Cypress binary is not installed or failed verification",
			Regex:       regexp.MustCompile(`(?i)(Cypress failed to start|No version of Cypress is installed|Cypress verification (failed|timed out))`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "browser_launch",
			Description: "Browser could not be launched",
			Regex:       regexp.MustCompile(`(?i)(browser not found|can't run because you've entered an invalid browser|failed to (launch|connect to) (the )?(browser|chrome))`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "out_of_memory",
			Description: "Runner or browser ran out of memory",
			Regex:       regexp.MustCompile(`(?i)(JavaScript heap out of memory|renderer process (just )?crashed|ENOMEM)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "no_specs",
			Description: "No spec files matched the configured pattern",
			Regex:       regexp.MustCompile(`(?i)(Can't run because no spec files were found|No spec files found)`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "target_unreachable",
			Description: "Application under test was not reachable",
			Regex:       regexp.MustCompile(`(?i)(cy\.visit\(\) failed|ECONNREFUSED|ENOTFOUND|ESOCKETTIMEDOUT|getaddrinfo)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "config_error",
			Description: "Runner configuration file is invalid",
			Regex:       regexp.MustCompile(`(?i)(Your configFile is invalid|error loading (the )?config|Unknown option)`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "assertion_timeout",
			Description: "A command timed out waiting for an element or request",
			Regex:       regexp.MustCompile(`(?i)Timed out retrying after \d+ms`),
			Severity:    SeverityLow,
		},
	}
}
