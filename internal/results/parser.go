package results

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/acarl005/stripansi"
)

// GenericFailure is reported when a run produced no test counts but its
// output mentions an error (browser launch failures, config errors, ...).
const GenericFailure = "Test execution failed. Check output for details."

// Parser turns raw runner output into a RunResult.
type Parser interface {
	Parse(raw string, exitedCleanly bool, duration time.Duration, usage *ResourceUsage) RunResult
}

// countPattern extracts one counter from a Mocha-style summary line.
type countPattern struct {
	Name  string
	Regex *regexp.Regexp
}

// MochaParser understands the spec reporter output Cypress prints:
// "Running:  login.cy.ts" headers and "N passing / N failing / N pending"
// summary lines.
type MochaParser struct {
	specFile *regexp.Regexp
	counts   []countPattern
}

// NewMochaParser returns a parser with the default Cypress patterns.
func NewMochaParser() *MochaParser {
	return &MochaParser{
		specFile: regexp.MustCompile(`Running:\s+(.+\.cy\.[jt]sx?)`),
		counts: []countPattern{
			{Name: "passing", Regex: regexp.MustCompile(`(?i)(\d+)\s+passing`)},
			{Name: "failing", Regex: regexp.MustCompile(`(?i)(\d+)\s+failing`)},
			{Name: "pending", Regex: regexp.MustCompile(`(?i)(\d+)\s+pending`)},
		},
	}
}

var defaultParser = NewMochaParser()

// Parse runs the default parser.
func Parse(raw string, exitedCleanly bool, duration time.Duration, usage *ResourceUsage) RunResult {
	return defaultParser.Parse(raw, exitedCleanly, duration, usage)
}

// Parse is pure: identical inputs always yield identical results.
func (p *MochaParser) Parse(raw string, exitedCleanly bool, duration time.Duration, usage *ResourceUsage) RunResult {
	clean := stripansi.Strip(raw)

	counts := make(map[string]int, len(p.counts))
	for _, c := range p.counts {
		counts[c.Name] = firstInt(c.Regex, clean)
	}

	res := RunResult{
		Passed:        counts["passing"],
		Failed:        counts["failing"],
		Skipped:       counts["pending"],
		DurationMS:    duration.Milliseconds(),
		SpecFiles:     p.SpecFiles(clean),
		Output:        raw,
		ResourceUsage: usage,
	}
	res.TotalTests = res.Passed + res.Failed + res.Skipped

	if res.TotalTests == 0 && strings.Contains(strings.ToLower(clean), "error") {
		res.Success = false
		res.Error = GenericFailure
		return res
	}

	res.Success = exitedCleanly && res.Failed == 0
	return res
}

// SpecFiles returns every spec path announced in the output, in order of
// appearance, duplicates included.
func (p *MochaParser) SpecFiles(output string) []string {
	matches := p.specFile.FindAllStringSubmatch(output, -1)
	files := make([]string, 0, len(matches))
	for _, m := range matches {
		files = append(files, strings.TrimSpace(m[1]))
	}
	return files
}

func firstInt(re *regexp.Regexp, s string) int {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}
