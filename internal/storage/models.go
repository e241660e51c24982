package storage

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"app-monitor/internal/results"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidProject = errors.New("invalid project")
	ErrInvalidFilter  = errors.New("invalid history filter")
)

// Monitoring types a project can opt into.
const (
	TypeWeb       = "web"
	TypeREST      = "rest"
	TypeWordPress = "wordpress"
	TypeE2E       = "e2e"
)

// Project statuses.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
)

// History record types.
const (
	HistoryHealthCheck = "health_check"
	HistoryE2E         = "e2e"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100

	// MaxStoredOutput caps persisted runner output; the tail is kept.
	MaxStoredOutput = 64 << 10
)

// Project is a monitored application.
type Project struct {
	ID              string     `json:"id" db:"id"`
	Name            string     `json:"name" db:"name"`
	BaseURL         string     `json:"base_url" db:"base_url"`
	MonitoringTypes []string   `json:"monitoring_types" db:"monitoring_types"`
	Status          string     `json:"status" db:"status"`
	IsActive        bool       `json:"is_active" db:"is_active"`
	LastCheckAt     *time.Time `json:"last_check_at,omitempty" db:"last_check_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// Monitors reports whether the project opted into monitoring type t.
func (p *Project) Monitors(t string) bool {
	for _, mt := range p.MonitoringTypes {
		if mt == t {
			return true
		}
	}
	return false
}

// ProjectInput is the payload for creating a project.
type ProjectInput struct {
	Name            string   `json:"name"`
	BaseURL         string   `json:"base_url"`
	MonitoringTypes []string `json:"monitoring_types"`
}

// Validate checks the input and normalises whitespace in place.
func (in *ProjectInput) Validate() error {
	in.Name = strings.TrimSpace(in.Name)
	in.BaseURL = strings.TrimSpace(in.BaseURL)

	if len(in.Name) < 3 {
		return fmt.Errorf("%w: name must be at least 3 characters", ErrInvalidProject)
	}
	if err := validateBaseURL(in.BaseURL); err != nil {
		return err
	}
	return validateTypes(in.MonitoringTypes)
}

// ProjectUpdate is a partial update; nil fields are left unchanged.
type ProjectUpdate struct {
	Name            *string  `json:"name,omitempty"`
	BaseURL         *string  `json:"base_url,omitempty"`
	MonitoringTypes []string `json:"monitoring_types,omitempty"`
	IsActive        *bool    `json:"is_active,omitempty"`
}

// Apply merges u into p and validates the result.
func (u ProjectUpdate) Apply(p *Project) error {
	in := ProjectInput{Name: p.Name, BaseURL: p.BaseURL, MonitoringTypes: p.MonitoringTypes}
	if u.Name != nil {
		in.Name = *u.Name
	}
	if u.BaseURL != nil {
		in.BaseURL = *u.BaseURL
	}
	if u.MonitoringTypes != nil {
		in.MonitoringTypes = u.MonitoringTypes
	}
	if err := in.Validate(); err != nil {
		return err
	}
	p.Name = in.Name
	p.BaseURL = in.BaseURL
	p.MonitoringTypes = in.MonitoringTypes
	if u.IsActive != nil {
		p.IsActive = *u.IsActive
	}
	return nil
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: base_url %q is not an absolute URL", ErrInvalidProject, raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: base_url must use http or https", ErrInvalidProject)
	}
	return nil
}

func validateTypes(types []string) error {
	if len(types) == 0 {
		return fmt.Errorf("%w: at least one monitoring type is required", ErrInvalidProject)
	}
	for _, t := range types {
		switch t {
		case TypeWeb, TypeREST, TypeWordPress, TypeE2E:
		default:
			return fmt.Errorf("%w: unknown monitoring type %q", ErrInvalidProject, t)
		}
	}
	return nil
}

// HealthCheckResult is one stored probe outcome.
type HealthCheckResult struct {
	ID             string    `json:"id" db:"id"`
	ProjectID      string    `json:"project_id" db:"project_id"`
	CheckType      string    `json:"check_type" db:"check_type"`
	URL            string    `json:"url" db:"url"`
	Success        bool      `json:"success" db:"success"`
	StatusCode     int       `json:"status_code,omitempty" db:"status_code"`
	ResponseTimeMS int64     `json:"response_time_ms" db:"response_time_ms"`
	ErrorMessage   string    `json:"error_message,omitempty" db:"error_message"`
	CheckedAt      time.Time `json:"checked_at" db:"checked_at"`
}

// E2EResult is one stored suite run.
type E2EResult struct {
	ID          string    `json:"id" db:"id"`
	ProjectID   string    `json:"project_id,omitempty" db:"project_id"`
	Success     bool      `json:"success" db:"success"`
	TotalTests  int       `json:"total_tests" db:"total_tests"`
	Passed      int       `json:"passed" db:"passed"`
	Failed      int       `json:"failed" db:"failed"`
	Skipped     int       `json:"skipped" db:"skipped"`
	DurationMS  int64     `json:"duration_ms" db:"duration_ms"`
	SpecFiles   []string  `json:"spec_files" db:"spec_files"`
	Output      string    `json:"output,omitempty" db:"output"`
	Error       string    `json:"error,omitempty" db:"error"`
	MaxMemoryMB *float64  `json:"max_memory_mb,omitempty" db:"max_memory_mb"`
	AvgCPUMs    *float64  `json:"avg_cpu_ms,omitempty" db:"avg_cpu_ms"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// NewE2EResult converts a run result into its stored form.
func NewE2EResult(id, projectID string, r results.RunResult, at time.Time) *E2EResult {
	rec := &E2EResult{
		ID:         id,
		ProjectID:  projectID,
		Success:    r.Success,
		TotalTests: r.TotalTests,
		Passed:     r.Passed,
		Failed:     r.Failed,
		Skipped:    r.Skipped,
		DurationMS: r.DurationMS,
		SpecFiles:  r.SpecFiles,
		Output:     truncateTail(r.Output, MaxStoredOutput),
		Error:      r.Error,
		CreatedAt:  at,
	}
	if rec.SpecFiles == nil {
		rec.SpecFiles = []string{}
	}
	if r.ResourceUsage != nil {
		mem, cpu := r.ResourceUsage.MaxMemoryMB, r.ResourceUsage.AvgCPUMs
		rec.MaxMemoryMB = &mem
		rec.AvgCPUMs = &cpu
	}
	return rec
}

// HistoryFilter selects a page of merged history.
type HistoryFilter struct {
	Type      string
	ProjectID string
	Start     *time.Time
	End       *time.Time
	Page      int
	PageSize  int
}

// Normalize applies paging defaults and rejects invalid values.
func (f *HistoryFilter) Normalize() error {
	switch f.Type {
	case "", HistoryHealthCheck, HistoryE2E:
	default:
		return fmt.Errorf("%w: type must be %s or %s", ErrInvalidFilter, HistoryHealthCheck, HistoryE2E)
	}
	if f.Page == 0 {
		f.Page = 1
	}
	if f.Page < 1 {
		return fmt.Errorf("%w: page must be >= 1", ErrInvalidFilter)
	}
	if f.PageSize == 0 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize < 1 || f.PageSize > MaxPageSize {
		return fmt.Errorf("%w: page_size must be 1-%d", ErrInvalidFilter, MaxPageSize)
	}
	if f.Start != nil && f.End != nil && f.End.Before(*f.Start) {
		return fmt.Errorf("%w: end is before start", ErrInvalidFilter)
	}
	return nil
}

// Offset is the row offset of the filter's page.
func (f HistoryFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}

// HistoryItem is one entry of merged history. Exactly one of HealthCheck
// and E2E is set, matching Type.
type HistoryItem struct {
	Type        string             `json:"type"`
	ProjectID   string             `json:"project_id,omitempty"`
	ProjectName string             `json:"project_name,omitempty"`
	Success     bool               `json:"success"`
	CreatedAt   time.Time          `json:"created_at"`
	HealthCheck *HealthCheckResult `json:"health_check,omitempty"`
	E2E         *E2EResult         `json:"e2e,omitempty"`
}

// HistoryPage is a page of history, newest first.
type HistoryPage struct {
	Items    []HistoryItem `json:"items"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
	HasMore  bool          `json:"has_more"`
}

func newHistoryPage(items []HistoryItem, total int, f HistoryFilter) *HistoryPage {
	if items == nil {
		items = []HistoryItem{}
	}
	return &HistoryPage{
		Items:    items,
		Total:    total,
		Page:     f.Page,
		PageSize: f.PageSize,
		HasMore:  f.Offset()+len(items) < total,
	}
}

// truncateTail keeps the last maxLen bytes of s, where the summary lines are.
func truncateTail(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	start := len(s) - maxLen
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
