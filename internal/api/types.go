package api

import (
	"time"

	"app-monitor/internal/results"
)

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
// Bare numbers are read as milliseconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		dur, err := time.ParseDuration(s[1 : len(s)-1])
		if err != nil {
			return err
		}
		d.Duration = dur
		return nil
	}
	dur, err := time.ParseDuration(s + "ms")
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// Envelope wraps every successful domain response.
type Envelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// WebCheckRequest triggers a web page probe. ProjectID is optional; when
// set the outcome is recorded against the project.
type WebCheckRequest struct {
	URL            string   `json:"url"`
	ProjectID      string   `json:"project_id,omitempty"`
	Timeout        Duration `json:"timeout,omitempty"`
	ExpectedStatus int      `json:"expected_status,omitempty"`
}

// RESTCheckRequest triggers a REST endpoint probe.
type RESTCheckRequest struct {
	URL            string            `json:"url"`
	ProjectID      string            `json:"project_id,omitempty"`
	Method         string            `json:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body,omitempty"`
	Timeout        Duration          `json:"timeout,omitempty"`
	ExpectedStatus int               `json:"expected_status,omitempty"`
}

// WordPressCheckRequest triggers the WordPress REST API probe.
type WordPressCheckRequest struct {
	URL       string `json:"url"`
	ProjectID string `json:"project_id,omitempty"`
}

// E2ERunRequest triggers an on-demand e2e run. Both fields are optional.
type E2ERunRequest struct {
	ProjectID string   `json:"project_id,omitempty"`
	Timeout   Duration `json:"timeout,omitempty"`
}

// E2ERunResponse is the data of a completed on-demand run.
type E2ERunResponse struct {
	ProjectID string `json:"project_id,omitempty"`
	results.RunResult
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status     string `json:"status"`
	Database   bool   `json:"database"`
	ActiveRuns int64  `json:"active_runs"`
	Processes  int    `json:"monitored_processes"`
	Uptime     string `json:"uptime"`
}
