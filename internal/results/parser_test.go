package results

import (
	"reflect"
	"testing"
	"time"
)

const mixedRun = `
====================================================================================================

  Running:  login.cy.ts                                                                     (1 of 2)

  Login
    ✓ renders the form (412ms)
    ✓ rejects bad credentials (220ms)
    1) redirects after login

  5 passing (3s)
  2 failing
  1 pending

  Running:  projects/list.cy.tsx                                                            (2 of 2)
`

func TestParse(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		clean       bool
		wantSuccess bool
		wantTotal   int
		wantPassed  int
		wantFailed  int
		wantSkipped int
		wantSpecs   []string
		wantErr     string
	}{
		{
			name:        "mixed counts",
			raw:         mixedRun,
			clean:       true,
			wantSuccess: false,
			wantTotal:   8,
			wantPassed:  5,
			wantFailed:  2,
			wantSkipped: 1,
			wantSpecs:   []string{"login.cy.ts", "projects/list.cy.tsx"},
		},
		{
			name:        "empty output clean exit",
			raw:         "",
			clean:       true,
			wantSuccess: true,
			wantSpecs:   []string{},
		},
		{
			name:        "browser launch error",
			raw:         "Error: Browser not found",
			clean:       false,
			wantSuccess: false,
			wantSpecs:   []string{},
			wantErr:     GenericFailure,
		},
		{
			name:        "capitalised error with clean exit fails",
			raw:         "Error: browser failed to launch",
			clean:       true,
			wantSuccess: false,
			wantSpecs:   []string{},
			wantErr:     GenericFailure,
		},
		{
			name:        "lowercase error with clean exit still fails",
			raw:         "could not load config: error reading file",
			clean:       true,
			wantSuccess: false,
			wantSpecs:   []string{},
			wantErr:     GenericFailure,
		},
		{
			name:        "all passing",
			raw:         "  Running:  a.cy.js\n\n  3 passing (1s)\n",
			clean:       true,
			wantSuccess: true,
			wantTotal:   3,
			wantPassed:  3,
			wantSpecs:   []string{"a.cy.js"},
		},
		{
			name:        "passing counts but dirty exit",
			raw:         "  4 passing\n",
			clean:       false,
			wantSuccess: false,
			wantTotal:   4,
			wantPassed:  4,
			wantSpecs:   []string{},
		},
		{
			name:        "duplicate spec files kept",
			raw:         "Running:  a.cy.ts\nRunning:  a.cy.ts\n1 passing",
			clean:       true,
			wantSuccess: true,
			wantTotal:   1,
			wantPassed:  1,
			wantSpecs:   []string{"a.cy.ts", "a.cy.ts"},
		},
		{
			name:        "counts with errors in test names are trusted",
			raw:         "  ✓ shows error banner\n  1 passing\n",
			clean:       true,
			wantSuccess: true,
			wantTotal:   1,
			wantPassed:  1,
			wantSpecs:   []string{},
		},
		{
			name:        "ansi colour codes stripped",
			raw:         "\x1b[32m  2 passing\x1b[0m (2s)\n\x1b[31m  1 failing\x1b[0m\n",
			clean:       false,
			wantSuccess: false,
			wantTotal:   3,
			wantPassed:  2,
			wantFailed:  1,
			wantSpecs:   []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.raw, tt.clean, 2*time.Second, nil)

			if got.Success != tt.wantSuccess {
				t.Errorf("Success = %v, want %v", got.Success, tt.wantSuccess)
			}
			if got.TotalTests != tt.wantTotal {
				t.Errorf("TotalTests = %d, want %d", got.TotalTests, tt.wantTotal)
			}
			if got.Passed != tt.wantPassed || got.Failed != tt.wantFailed || got.Skipped != tt.wantSkipped {
				t.Errorf("counts = %d/%d/%d, want %d/%d/%d",
					got.Passed, got.Failed, got.Skipped, tt.wantPassed, tt.wantFailed, tt.wantSkipped)
			}
			if got.TotalTests != got.Passed+got.Failed+got.Skipped {
				t.Errorf("TotalTests = %d, not the sum of counts", got.TotalTests)
			}
			if !reflect.DeepEqual(got.SpecFiles, tt.wantSpecs) {
				t.Errorf("SpecFiles = %q, want %q", got.SpecFiles, tt.wantSpecs)
			}
			if got.Error != tt.wantErr {
				t.Errorf("Error = %q, want %q", got.Error, tt.wantErr)
			}
			if got.Output != tt.raw {
				t.Errorf("Output was modified")
			}
			if got.DurationMS != 2000 {
				t.Errorf("DurationMS = %d, want 2000", got.DurationMS)
			}
		})
	}
}

func TestParse_Deterministic(t *testing.T) {
	usage := &ResourceUsage{MaxMemoryMB: 512, AvgCPUMs: 40}
	a := Parse(mixedRun, true, time.Second, usage)
	b := Parse(mixedRun, true, time.Second, usage)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("Parse is not deterministic:\n%+v\n%+v", a, b)
	}
	if a.ResourceUsage != usage {
		t.Errorf("ResourceUsage not attached")
	}
}

func TestParse_FirstCountWins(t *testing.T) {
	got := Parse("3 passing\n\n9 passing\n", true, 0, nil)
	if got.Passed != 3 {
		t.Errorf("Passed = %d, want 3", got.Passed)
	}
}

func TestRunResultStatus(t *testing.T) {
	tests := []struct {
		res  RunResult
		want string
	}{
		{RunResult{Success: true, TotalTests: 2}, "passed"},
		{RunResult{TotalTests: 2, Failed: 1}, "failed"},
		{Failure("Test execution timed out after 100ms", "", 0, nil), "error"},
	}
	for _, tt := range tests {
		if got := tt.res.Status(); got != tt.want {
			t.Errorf("Status() = %q, want %q", got, tt.want)
		}
	}
}

func TestFailure(t *testing.T) {
	res := Failure("boom", "partial", 1500*time.Millisecond, nil)
	if res.Success {
		t.Error("Success = true, want false")
	}
	if res.SpecFiles == nil || len(res.SpecFiles) != 0 {
		t.Errorf("SpecFiles = %v, want empty non-nil slice", res.SpecFiles)
	}
	if res.Output != "partial" || res.Error != "boom" || res.DurationMS != 1500 {
		t.Errorf("unexpected failure result: %+v", res)
	}
	if res.Summary() != "boom" {
		t.Errorf("Summary() = %q, want %q", res.Summary(), "boom")
	}
}
