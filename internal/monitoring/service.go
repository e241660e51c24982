// Package monitoring ties probes, e2e runs, persistence and notifications
// together: it turns raw outcomes into project status transitions.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"app-monitor/internal/healthcheck"
	"app-monitor/internal/lock"
	"app-monitor/internal/monitor"
	"app-monitor/internal/notify"
	"app-monitor/internal/results"
	"app-monitor/internal/runner"
	"app-monitor/internal/storage"
)

// E2ELockID serialises every e2e run, scheduled or on demand.
const E2ELockID = "e2e-execution"

// projectConcurrency bounds parallel per-project health checks.
const projectConcurrency = 4

var (
	// ErrBusy is returned when an e2e run is already in progress.
	ErrBusy = errors.New("e2e execution is already in progress")
	// ErrNoStore is returned by project operations when the service runs
	// without a database.
	ErrNoStore = errors.New("project storage is not configured")
	// ErrLockLost stops a suite whose e2e lock could not be extended.
	ErrLockLost = errors.New("e2e lock lapsed during the suite")
)

// ProjectStore is the project persistence the service needs.
type ProjectStore interface {
	GetProject(ctx context.Context, id string) (*storage.Project, error)
	ListActiveProjects(ctx context.Context) ([]storage.Project, error)
	UpdateProjectStatus(ctx context.Context, id, status string, checkedAt time.Time) error
}

// ResultRecorder persists results, typically asynchronously.
type ResultRecorder interface {
	LogHealthCheck(r *storage.HealthCheckResult)
	LogE2E(r *storage.E2EResult)
}

// Prober runs HTTP health probes.
type Prober interface {
	CheckWebPage(ctx context.Context, url string, opts healthcheck.WebOptions) healthcheck.Result
	CheckREST(ctx context.Context, req healthcheck.RESTRequest) healthcheck.Result
	CheckWordPress(ctx context.Context, baseURL string) healthcheck.WordPressResult
}

// SuiteRunner executes the e2e suite once.
type SuiteRunner interface {
	Run(ctx context.Context, req runner.Request) results.RunResult
}

// OrphanSweeper drops registry entries whose process exit was missed.
type OrphanSweeper interface {
	CleanupOrphaned() int
}

// Deps are the collaborators of a Service. Projects, Results, Locker,
// Processes and Metrics may be nil.
type Deps struct {
	Projects   ProjectStore
	Results    ResultRecorder
	Prober     Prober
	Runner     SuiteRunner
	Locker     *lock.Locker
	Notifier   notify.Notifier
	Classifier *monitor.FailureClassifier
	Processes  OrphanSweeper
	Metrics    *monitor.Metrics
	// PublicURL is the dashboard base used in notification links.
	PublicURL string
}

// Service is safe for concurrent use.
type Service struct {
	deps Deps
	now  func() time.Time

	mu      sync.Mutex
	lastE2E map[string]bool // project id -> last run succeeded
}

func NewService(deps Deps) *Service {
	if deps.Notifier == nil {
		deps.Notifier = notify.Noop{}
	}
	if deps.Results == nil {
		deps.Results = discard{}
	}
	if deps.Classifier == nil {
		deps.Classifier = monitor.NewFailureClassifier()
	}
	return &Service{
		deps:    deps,
		now:     time.Now,
		lastE2E: make(map[string]bool),
	}
}

// HealthCheckInput is one probe outcome for a project.
type HealthCheckInput struct {
	ProjectID string
	Type      string
	URL       string
	Result    healthcheck.Result
}

// ProcessHealthCheckResult records a probe outcome, updates the project's
// status and notifies on transitions: any change to unhealthy, and
// unhealthy back to healthy.
func (s *Service) ProcessHealthCheckResult(ctx context.Context, in HealthCheckInput) error {
	if s.deps.Projects == nil {
		return ErrNoStore
	}
	project, err := s.deps.Projects.GetProject(ctx, in.ProjectID)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	previous := project.Status
	next := storage.StatusUnhealthy
	if in.Result.Success {
		next = storage.StatusHealthy
	}

	s.deps.Results.LogHealthCheck(&storage.HealthCheckResult{
		ID:             uuid.New().String(),
		ProjectID:      project.ID,
		CheckType:      in.Type,
		URL:            in.URL,
		Success:        in.Result.Success,
		StatusCode:     in.Result.StatusCode,
		ResponseTimeMS: in.Result.ResponseTimeMS,
		ErrorMessage:   in.Result.ErrorMessage,
		CheckedAt:      now,
	})

	if err := s.deps.Projects.UpdateProjectStatus(ctx, project.ID, next, now); err != nil {
		return fmt.Errorf("updating status: %w", err)
	}

	if previous == next {
		return nil
	}
	log.Info().
		Str("project_id", project.ID).
		Str("check_type", in.Type).
		Str("from", previous).
		Str("to", next).
		Msg("project status changed")

	switch {
	case next == storage.StatusUnhealthy:
		details := in.Result.ErrorMessage
		if details == "" {
			details = fmt.Sprintf("Health check failed for %s", in.Type)
		}
		s.notify(ctx, notify.Notification{
			Type:        notify.HealthCheckFailed,
			ProjectID:   project.ID,
			ProjectName: project.Name,
			CheckType:   in.Type,
			Details:     details,
			Timestamp:   now,
		})
	case previous == storage.StatusUnhealthy:
		s.notify(ctx, notify.Notification{
			Type:        notify.HealthCheckRestored,
			ProjectID:   project.ID,
			ProjectName: project.Name,
			CheckType:   in.Type,
			Details:     fmt.Sprintf("Service restored - %s check passed", in.Type),
			Timestamp:   now,
		})
	}
	return nil
}

// CheckOutcome is the result of one probe within a sweep.
type CheckOutcome struct {
	Type           string `json:"type"`
	Success        bool   `json:"success"`
	ResponseTimeMS int64  `json:"response_time,omitempty"`
	Error          string `json:"error,omitempty"`
}

// ProjectOutcome groups a project's probes within a sweep.
type ProjectOutcome struct {
	ProjectID   string         `json:"project_id"`
	ProjectName string         `json:"project_name"`
	Results     []CheckOutcome `json:"results"`
}

// HealthSummary is the outcome of RunHealthChecks.
type HealthSummary struct {
	TotalProjects int              `json:"total_projects"`
	Results       []ProjectOutcome `json:"results"`
}

// RunHealthChecks probes every active project for each of its HTTP
// monitoring types. A failure on one project does not stop the others.
func (s *Service) RunHealthChecks(ctx context.Context) (*HealthSummary, error) {
	if s.deps.Projects == nil {
		return nil, ErrNoStore
	}
	projects, err := s.deps.Projects.ListActiveProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing active projects: %w", err)
	}

	out := make([]ProjectOutcome, len(projects))
	var g errgroup.Group
	g.SetLimit(projectConcurrency)
	for i := range projects {
		i := i
		g.Go(func() error {
			out[i] = s.CheckProject(ctx, projects[i])
			return nil
		})
	}
	_ = g.Wait()

	log.Info().Int("projects", len(projects)).Msg("health check sweep completed")
	return &HealthSummary{TotalProjects: len(projects), Results: out}, nil
}

// CheckProject runs the project's web, rest and wordpress probes in order.
func (s *Service) CheckProject(ctx context.Context, p storage.Project) ProjectOutcome {
	po := ProjectOutcome{ProjectID: p.ID, ProjectName: p.Name, Results: []CheckOutcome{}}

	for _, t := range p.MonitoringTypes {
		var res healthcheck.Result
		switch t {
		case storage.TypeWeb:
			res = s.deps.Prober.CheckWebPage(ctx, p.BaseURL, healthcheck.WebOptions{})
		case storage.TypeREST:
			res = s.deps.Prober.CheckREST(ctx, healthcheck.RESTRequest{URL: p.BaseURL, Method: "GET"})
		case storage.TypeWordPress:
			res = s.deps.Prober.CheckWordPress(ctx, p.BaseURL).Result
		default:
			continue
		}

		co := CheckOutcome{Type: t, Success: res.Success, ResponseTimeMS: res.ResponseTimeMS}
		if err := s.ProcessHealthCheckResult(ctx, HealthCheckInput{
			ProjectID: p.ID, Type: t, URL: p.BaseURL, Result: res,
		}); err != nil {
			log.Error().Err(err).Str("project_id", p.ID).Str("check_type", t).Msg("processing health check failed")
			co.Success = false
			co.Error = err.Error()
		}
		po.Results = append(po.Results, co)
	}
	return po
}

// E2ERequest is an on-demand run.
type E2ERequest struct {
	ProjectID string
	Timeout   time.Duration
	Output    io.Writer
	OnStart   func(pid int)
}

// RunE2E executes the suite once under the e2e lock. It returns ErrBusy
// when another run holds the lock and storage.ErrNotFound for an unknown
// project.
func (s *Service) RunE2E(ctx context.Context, req E2ERequest) (results.RunResult, error) {
	var project *storage.Project
	if req.ProjectID != "" {
		if s.deps.Projects == nil {
			return results.RunResult{}, ErrNoStore
		}
		p, err := s.deps.Projects.GetProject(ctx, req.ProjectID)
		if err != nil {
			return results.RunResult{}, err
		}
		project = p
	}

	var res results.RunResult
	err := s.locked(ctx, func(ctx context.Context) error {
		res = s.runAndRecord(ctx, project, runner.Request{
			TargetID: req.ProjectID,
			Timeout:  req.Timeout,
			Output:   req.Output,
			OnStart:  req.OnStart,
		})
		return nil
	})
	return res, err
}

// E2EOutcome summarises one project's scheduled run.
type E2EOutcome struct {
	ProjectID   string `json:"project_id"`
	ProjectName string `json:"project_name"`
	Success     bool   `json:"success"`
	TotalTests  int    `json:"total_tests"`
	Passed      int    `json:"passed"`
	Failed      int    `json:"failed"`
	Error       string `json:"error,omitempty"`
}

// E2ESummary is the outcome of RunE2ESuite.
type E2ESummary struct {
	TotalProjects int          `json:"total_projects"`
	Results       []E2EOutcome `json:"results"`
}

// RunE2ESuite runs the suite for every active project that opted into e2e
// monitoring, one project at a time, under the e2e lock. Without a project
// store the suite runs once, unscoped.
func (s *Service) RunE2ESuite(ctx context.Context) (*E2ESummary, error) {
	var summary *E2ESummary
	err := s.locked(ctx, func(ctx context.Context) error {
		if s.deps.Projects == nil {
			res := s.runAndRecord(ctx, nil, runner.Request{})
			summary = &E2ESummary{TotalProjects: 1, Results: []E2EOutcome{{
				Success:    res.Success,
				TotalTests: res.TotalTests,
				Passed:     res.Passed,
				Failed:     res.Failed,
				Error:      res.Error,
			}}}
			return nil
		}

		projects, err := s.deps.Projects.ListActiveProjects(ctx)
		if err != nil {
			return fmt.Errorf("listing active projects: %w", err)
		}

		summary = &E2ESummary{Results: []E2EOutcome{}}
		for i := range projects {
			p := &projects[i]
			if !p.Monitors(storage.TypeE2E) {
				continue
			}
			if ctx.Err() != nil {
				break
			}
			// Each run fits in one window, so renewing before every run
			// after the first keeps the lock live for the whole suite.
			if summary.TotalProjects > 0 && s.deps.Locker != nil && !s.deps.Locker.Extend(ctx, E2ELockID) {
				log.Error().Str("project_id", p.ID).Msg("stopping e2e suite, lock could not be extended")
				return ErrLockLost
			}
			summary.TotalProjects++

			res := s.runAndRecord(ctx, p, runner.Request{TargetID: p.ID})
			summary.Results = append(summary.Results, E2EOutcome{
				ProjectID:   p.ID,
				ProjectName: p.Name,
				Success:     res.Success,
				TotalTests:  res.TotalTests,
				Passed:      res.Passed,
				Failed:      res.Failed,
				Error:       res.Error,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

func (s *Service) locked(ctx context.Context, fn func(context.Context) error) error {
	if s.deps.Locker == nil {
		return fn(ctx)
	}
	err := s.deps.Locker.Do(ctx, E2ELockID, fn)
	if errors.Is(err, lock.ErrHeld) {
		return ErrBusy
	}
	return err
}

// runAndRecord executes one run capped to the lock's run budget, so the run
// is always resolved before the lock can expire.
func (s *Service) runAndRecord(ctx context.Context, project *storage.Project, req runner.Request) results.RunResult {
	if s.deps.Locker != nil {
		req.Budget = s.deps.Locker.RunBudget()
	}
	res := s.deps.Runner.Run(ctx, req)

	projectID := ""
	if project != nil {
		projectID = project.ID
	}
	s.deps.Results.LogE2E(storage.NewE2EResult(uuid.New().String(), projectID, res, s.now().UTC()))

	var causes []string
	if !res.Success {
		found := s.deps.Classifier.Classify(res.Output)
		for _, c := range found {
			causes = append(causes, c.Name)
			if s.deps.Metrics != nil {
				s.deps.Metrics.FailureCauses.WithLabelValues(c.Name).Inc()
			}
		}
		if top, ok := monitor.Highest(found); ok {
			log.Warn().
				Str("project_id", projectID).
				Strs("causes", causes).
				Str("primary", top.Name).
				Str("severity", top.Severity).
				Msg("e2e failure classified")
		}
	}

	if project != nil {
		s.notifyE2E(ctx, project, res, causes)
	}
	return res
}

// notifyE2E sends e2e_failed on every failed run and e2e_passed when a run
// passes after a failure.
func (s *Service) notifyE2E(ctx context.Context, p *storage.Project, res results.RunResult, causes []string) {
	s.mu.Lock()
	prevOK, seen := s.lastE2E[p.ID]
	s.lastE2E[p.ID] = res.Success
	s.mu.Unlock()

	n := notify.Notification{
		ProjectID:   p.ID,
		ProjectName: p.Name,
		Timestamp:   s.now().UTC(),
	}
	switch {
	case !res.Success:
		n.Type = notify.E2EFailed
		n.Failed = res.Failed
		n.Total = res.TotalTests
		n.Details = res.Error
		n.Causes = causes
		n.DashboardURL = s.dashboardURL()
	case seen && !prevOK:
		n.Type = notify.E2EPassed
	default:
		return
	}
	s.notify(ctx, n)
}

func (s *Service) dashboardURL() string {
	if s.deps.PublicURL == "" {
		return ""
	}
	return strings.TrimSuffix(s.deps.PublicURL, "/") + "/projects"
}

// notify delivers n without letting a delivery failure fail the caller.
func (s *Service) notify(ctx context.Context, n notify.Notification) {
	if err := s.deps.Notifier.Notify(context.WithoutCancel(ctx), n); err != nil {
		log.Error().Err(err).Str("type", n.Type).Str("project_id", n.ProjectID).Msg("sending notification failed")
	}
}

// CleanupLocks deletes expired lock records and returns how many were
// removed.
func (s *Service) CleanupLocks(ctx context.Context) int {
	if s.deps.Locker == nil {
		return 0
	}
	return s.deps.Locker.CleanupExpired(ctx)
}

// CleanupOrphans drops supervised processes that exited unobserved.
func (s *Service) CleanupOrphans() int {
	if s.deps.Processes == nil {
		return 0
	}
	return s.deps.Processes.CleanupOrphaned()
}

type discard struct{}

func (discard) LogHealthCheck(*storage.HealthCheckResult) {}
func (discard) LogE2E(*storage.E2EResult)                 {}
