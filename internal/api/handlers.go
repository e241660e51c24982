package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"app-monitor/internal/healthcheck"
	"app-monitor/internal/monitoring"
	"app-monitor/internal/process"
	"app-monitor/internal/results"
	"app-monitor/internal/storage"
)

// ProjectStore is the persistence behind the project and history routes.
type ProjectStore interface {
	CreateProject(ctx context.Context, in storage.ProjectInput) (*storage.Project, error)
	GetProject(ctx context.Context, id string) (*storage.Project, error)
	ListProjects(ctx context.Context, activeOnly bool) ([]storage.Project, error)
	UpdateProject(ctx context.Context, id string, u storage.ProjectUpdate) (*storage.Project, error)
	DeleteProject(ctx context.Context, id string) error
	History(ctx context.Context, f storage.HistoryFilter) (*storage.HistoryPage, error)
}

// Monitor runs checks and e2e suites. *monitoring.Service implements it.
type Monitor interface {
	ProcessHealthCheckResult(ctx context.Context, in monitoring.HealthCheckInput) error
	RunHealthChecks(ctx context.Context) (*monitoring.HealthSummary, error)
	RunE2E(ctx context.Context, req monitoring.E2ERequest) (results.RunResult, error)
	RunE2ESuite(ctx context.Context) (*monitoring.E2ESummary, error)
}

// ProcessLister reports supervised runner processes.
type ProcessLister interface {
	List() []process.ProcessInfo
	Len() int
}

type Handlers struct {
	projects  ProjectStore
	monitor   Monitor
	prober    monitoring.Prober
	processes ProcessLister
}

// NewHandlers wires the route handlers. projects may be nil when the
// server runs without a database.
func NewHandlers(projects ProjectStore, mon Monitor, prober monitoring.Prober, processes ProcessLister) *Handlers {
	return &Handlers{
		projects:  projects,
		monitor:   mon,
		prober:    prober,
		processes: processes,
	}
}

// Projects

func (h *Handlers) HandleListProjects(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))

	projects, err := h.projects.ListProjects(r.Context(), activeOnly)
	if err != nil {
		writeDomainError(w, err, r)
		return
	}
	writeData(w, http.StatusOK, projects)
}

func (h *Handlers) HandleCreateProject(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}
	var in storage.ProjectInput
	if !decodeJSON(w, r, &in, false) {
		return
	}

	p, err := h.projects.CreateProject(r.Context(), in)
	if err != nil {
		writeDomainError(w, err, r)
		return
	}
	log.Info().Str("project_id", p.ID).Str("name", p.Name).Msg("project created")
	writeData(w, http.StatusCreated, p)
}

func (h *Handlers) HandleGetProject(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}
	p, err := h.projects.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err, r)
		return
	}
	writeData(w, http.StatusOK, p)
}

func (h *Handlers) HandleUpdateProject(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}
	var u storage.ProjectUpdate
	if !decodeJSON(w, r, &u, false) {
		return
	}

	p, err := h.projects.UpdateProject(r.Context(), r.PathValue("id"), u)
	if err != nil {
		writeDomainError(w, err, r)
		return
	}
	writeData(w, http.StatusOK, p)
}

func (h *Handlers) HandleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}
	id := r.PathValue("id")
	if err := h.projects.DeleteProject(r.Context(), id); err != nil {
		writeDomainError(w, err, r)
		return
	}
	log.Info().Str("project_id", id).Msg("project deleted")
	writeData(w, http.StatusOK, map[string]string{"id": id})
}

// Health probes

func (h *Handlers) HandleCheckWeb(w http.ResponseWriter, r *http.Request) {
	var req WebCheckRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	url, ok := h.probeURL(w, r, req.URL, req.ProjectID)
	if !ok {
		return
	}

	res := h.prober.CheckWebPage(r.Context(), url, healthcheck.WebOptions{
		Timeout:        req.Timeout.Duration,
		ExpectedStatus: req.ExpectedStatus,
	})
	h.recordProbe(w, r, req.ProjectID, healthcheck.TypeWeb, url, res, res)
}

func (h *Handlers) HandleCheckREST(w http.ResponseWriter, r *http.Request) {
	var req RESTCheckRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	url, ok := h.probeURL(w, r, req.URL, req.ProjectID)
	if !ok {
		return
	}

	res := h.prober.CheckREST(r.Context(), healthcheck.RESTRequest{
		URL:            url,
		Method:         req.Method,
		Headers:        req.Headers,
		Body:           req.Body,
		ExpectedStatus: req.ExpectedStatus,
		Timeout:        req.Timeout.Duration,
	})
	h.recordProbe(w, r, req.ProjectID, healthcheck.TypeREST, url, res, res)
}

func (h *Handlers) HandleCheckWordPress(w http.ResponseWriter, r *http.Request) {
	var req WordPressCheckRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	url, ok := h.probeURL(w, r, req.URL, req.ProjectID)
	if !ok {
		return
	}

	res := h.prober.CheckWordPress(r.Context(), url)
	h.recordProbe(w, r, req.ProjectID, healthcheck.TypeWordPress, url, res.Result, res)
}

// probeURL falls back to the project's base URL when the request names a
// project but no URL.
func (h *Handlers) probeURL(w http.ResponseWriter, r *http.Request, url, projectID string) (string, bool) {
	if url != "" || projectID == "" {
		return url, true
	}
	if !h.requireStore(w, r) {
		return "", false
	}
	p, err := h.projects.GetProject(r.Context(), projectID)
	if err != nil {
		writeDomainError(w, err, r)
		return "", false
	}
	return p.BaseURL, true
}

// recordProbe persists a project-scoped probe and writes data. Probes
// without a project are not stored.
func (h *Handlers) recordProbe(w http.ResponseWriter, r *http.Request, projectID, checkType, url string, res healthcheck.Result, data any) {
	if projectID != "" {
		err := h.monitor.ProcessHealthCheckResult(r.Context(), monitoring.HealthCheckInput{
			ProjectID: projectID,
			Type:      checkType,
			URL:       url,
			Result:    res,
		})
		if err != nil {
			writeDomainError(w, err, r)
			return
		}
	}
	writeData(w, http.StatusOK, data)
}

// E2E

func (h *Handlers) HandleRunE2E(w http.ResponseWriter, r *http.Request) {
	var req E2ERunRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}

	res, err := h.monitor.RunE2E(r.Context(), monitoring.E2ERequest{
		ProjectID: req.ProjectID,
		Timeout:   req.Timeout.Duration,
	})
	if err != nil {
		writeDomainError(w, err, r)
		return
	}
	writeData(w, http.StatusOK, E2ERunResponse{ProjectID: req.ProjectID, RunResult: res})
}

// HandleRunE2EStream streams live runner output as "output" events, the
// child pid as a "start" event and the final result as a "done" event.
func (h *Handlers) HandleRunE2EStream(w http.ResponseWriter, r *http.Request) {
	var req E2ERunRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}

	stream := newSSEStream(w)
	if stream == nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}

	res, err := h.monitor.RunE2E(r.Context(), monitoring.E2ERequest{
		ProjectID: req.ProjectID,
		Timeout:   req.Timeout.Duration,
		Output:    stream.Writer("output"),
		OnStart: func(pid int) {
			_ = stream.SendJSON("start", map[string]int{"pid": pid})
		},
	})
	if err != nil {
		if !stream.Started() {
			writeDomainError(w, err, r)
			return
		}
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("streaming e2e run failed")
		_ = stream.Send("error", err.Error())
		return
	}

	// The output already went out live.
	res.Output = ""
	_ = stream.SendJSON("done", E2ERunResponse{ProjectID: req.ProjectID, RunResult: res})
}

func (h *Handlers) HandleListProcesses(w http.ResponseWriter, r *http.Request) {
	procs := h.processes.List()
	if procs == nil {
		procs = []process.ProcessInfo{}
	}
	writeData(w, http.StatusOK, procs)
}

// History

func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}
	f, err := parseHistoryFilter(r)
	if err != nil {
		writeError(w, err.Error(), "VALIDATION_ERROR", http.StatusBadRequest, r)
		return
	}

	page, err := h.projects.History(r.Context(), f)
	if err != nil {
		writeDomainError(w, err, r)
		return
	}
	writeData(w, http.StatusOK, page)
}

func parseHistoryFilter(r *http.Request) (storage.HistoryFilter, error) {
	q := r.URL.Query()
	f := storage.HistoryFilter{
		Type:      q.Get("type"),
		ProjectID: q.Get("project_id"),
	}

	var err error
	if f.Page, err = intParam(q.Get("page")); err != nil {
		return f, errors.New("page must be an integer")
	}
	if f.PageSize, err = intParam(q.Get("page_size")); err != nil {
		return f, errors.New("page_size must be an integer")
	}
	if f.Start, err = timeParam(q.Get("start")); err != nil {
		return f, errors.New("start must be an RFC 3339 timestamp")
	}
	if f.End, err = timeParam(q.Get("end")); err != nil {
		return f, errors.New("end must be an RFC 3339 timestamp")
	}
	return f, f.Normalize()
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func timeParam(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Cron

func (h *Handlers) HandleCronHealthCheck(w http.ResponseWriter, r *http.Request) {
	summary, err := h.monitor.RunHealthChecks(r.Context())
	if err != nil {
		writeDomainError(w, err, r)
		return
	}
	writeData(w, http.StatusOK, summary)
}

func (h *Handlers) HandleCronE2E(w http.ResponseWriter, r *http.Request) {
	summary, err := h.monitor.RunE2ESuite(r.Context())
	if err != nil {
		writeDomainError(w, err, r)
		return
	}
	writeData(w, http.StatusOK, summary)
}

func (h *Handlers) requireStore(w http.ResponseWriter, r *http.Request) bool {
	if h.projects == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return false
	}
	return true
}

// decodeJSON decodes the request body into v. allowEmpty accepts a missing
// body for routes whose fields are all optional.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (allowEmpty && errors.Is(err, io.EOF)) {
		return true
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeError(w, "request body too large", "BODY_TOO_LARGE", http.StatusRequestEntityTooLarge, r)
		return false
	}
	writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
	return false
}

func writeDomainError(w http.ResponseWriter, err error, r *http.Request) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, err.Error(), "NOT_FOUND", http.StatusNotFound, r)
	case errors.Is(err, storage.ErrInvalidProject), errors.Is(err, storage.ErrInvalidFilter):
		writeError(w, err.Error(), "VALIDATION_ERROR", http.StatusBadRequest, r)
	case errors.Is(err, monitoring.ErrBusy):
		writeError(w, err.Error(), "E2E_IN_PROGRESS", http.StatusConflict, r)
	case errors.Is(err, monitoring.ErrNoStore):
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
	default:
		log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", RequestIDFromContext(r.Context())).Msg("request failed")
		writeError(w, "internal server error", "INTERNAL", http.StatusInternalServerError, r)
	}
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, Envelope{Success: true, Data: data})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Success:   false,
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
