package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"app-monitor/internal/config"
	"app-monitor/internal/healthcheck"
	"app-monitor/internal/monitor"
	"app-monitor/internal/monitoring"
	"app-monitor/internal/process"
	"app-monitor/internal/results"
	"app-monitor/internal/storage"
)

type fakeStore struct {
	mu       sync.Mutex
	projects map[string]*storage.Project
	filter   storage.HistoryFilter
}

func newFakeStore() *fakeStore {
	return &fakeStore{projects: map[string]*storage.Project{
		"p1": {ID: "p1", Name: "Shop", BaseURL: "https://shop.example.com", MonitoringTypes: []string{"web"}, Status: storage.StatusHealthy, IsActive: true},
	}}
}

func (f *fakeStore) CreateProject(_ context.Context, in storage.ProjectInput) (*storage.Project, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &storage.Project{ID: "new", Name: in.Name, BaseURL: in.BaseURL, MonitoringTypes: in.MonitoringTypes, Status: storage.StatusUnknown, IsActive: true}
	f.projects[p.ID] = p
	return p, nil
}

func (f *fakeStore) GetProject(_ context.Context, id string) (*storage.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, storage.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) ListProjects(context.Context, bool) ([]storage.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []storage.Project{}
	for _, p := range f.projects {
		out = append(out, *p)
	}
	return out, nil
}

func (f *fakeStore) UpdateProject(ctx context.Context, id string, u storage.ProjectUpdate) (*storage.Project, error) {
	p, err := f.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := u.Apply(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (f *fakeStore) DeleteProject(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.projects[id]; !ok {
		return storage.ErrNotFound
	}
	delete(f.projects, id)
	return nil
}

func (f *fakeStore) History(_ context.Context, filter storage.HistoryFilter) (*storage.HistoryPage, error) {
	f.mu.Lock()
	f.filter = filter
	f.mu.Unlock()
	return &storage.HistoryPage{Items: []storage.HistoryItem{}, Page: filter.Page, PageSize: filter.PageSize}, nil
}

type fakeMonitor struct {
	mu        sync.Mutex
	processed []monitoring.HealthCheckInput
	runErr    error
	result    results.RunResult
	output    string
	lastReq   monitoring.E2ERequest
}

func (f *fakeMonitor) ProcessHealthCheckResult(_ context.Context, in monitoring.HealthCheckInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in.ProjectID != "p1" {
		return storage.ErrNotFound
	}
	f.processed = append(f.processed, in)
	return nil
}

func (f *fakeMonitor) RunHealthChecks(context.Context) (*monitoring.HealthSummary, error) {
	return &monitoring.HealthSummary{TotalProjects: 1, Results: []monitoring.ProjectOutcome{}}, nil
}

func (f *fakeMonitor) RunE2E(_ context.Context, req monitoring.E2ERequest) (results.RunResult, error) {
	f.mu.Lock()
	f.lastReq = req
	f.mu.Unlock()
	if f.runErr != nil {
		return results.RunResult{}, f.runErr
	}
	if req.OnStart != nil {
		req.OnStart(4242)
	}
	if req.Output != nil && f.output != "" {
		_, _ = io.WriteString(req.Output, f.output)
	}
	return f.result, nil
}

func (f *fakeMonitor) RunE2ESuite(context.Context) (*monitoring.E2ESummary, error) {
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &monitoring.E2ESummary{Results: []monitoring.E2EOutcome{}}, nil
}

type fakeProber struct {
	mu   sync.Mutex
	urls []string
}

func (f *fakeProber) seen(url string) healthcheck.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, url)
	return healthcheck.Result{Success: true, StatusCode: 200, ResponseTimeMS: 5}
}

func (f *fakeProber) CheckWebPage(_ context.Context, url string, _ healthcheck.WebOptions) healthcheck.Result {
	return f.seen(url)
}

func (f *fakeProber) CheckREST(_ context.Context, req healthcheck.RESTRequest) healthcheck.Result {
	return f.seen(req.URL)
}

func (f *fakeProber) CheckWordPress(_ context.Context, url string) healthcheck.WordPressResult {
	return healthcheck.WordPressResult{Result: f.seen(url)}
}

type fakeProcesses struct{}

func (fakeProcesses) List() []process.ProcessInfo {
	return []process.ProcessInfo{{PID: 4242, MemoryMB: 120}}
}

func (fakeProcesses) Len() int { return 1 }

type testServer struct {
	handler http.Handler
	store   *fakeStore
	monitor *fakeMonitor
	prober  *fakeProber
}

func newTestServer(t *testing.T, withStore bool) *testServer {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Security.AllowedKeys = []string{"k1"}
	cfg.Security.CronSecret = "cron-secret"

	ts := &testServer{monitor: &fakeMonitor{}, prober: &fakeProber{}}
	deps := Deps{
		Monitor:   ts.monitor,
		Prober:    ts.prober,
		Processes: fakeProcesses{},
		Metrics:   monitor.NewMetrics(),
	}
	if withStore {
		ts.store = newFakeStore()
		deps.Projects = ts.store
	}
	ts.handler = NewServer(cfg, deps).Handler()
	return ts
}

func (ts *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("X-API-Key", "k1")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	return env
}

func TestProjectRoutes(t *testing.T) {
	ts := newTestServer(t, true)

	tests := []struct {
		name     string
		method   string
		path     string
		body     any
		wantCode int
		wantErr  string
	}{
		{"list", http.MethodGet, "/projects", nil, http.StatusOK, ""},
		{"get", http.MethodGet, "/projects/p1", nil, http.StatusOK, ""},
		{"get missing", http.MethodGet, "/projects/nope", nil, http.StatusNotFound, "NOT_FOUND"},
		{"create", http.MethodPost, "/projects", map[string]any{
			"name": "Blog", "base_url": "https://blog.example.com", "monitoring_types": []string{"wordpress"},
		}, http.StatusCreated, ""},
		{"create invalid", http.MethodPost, "/projects", map[string]any{
			"name": "B", "base_url": "https://blog.example.com", "monitoring_types": []string{"web"},
		}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"update", http.MethodPatch, "/projects/p1", map[string]any{"is_active": false}, http.StatusOK, ""},
		{"update bad type", http.MethodPatch, "/projects/p1", map[string]any{"monitoring_types": []string{"ftp"}}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"delete missing", http.MethodDelete, "/projects/nope", nil, http.StatusNotFound, "NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(tt.method, tt.path, tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			env := decode(t, rec)
			if env.Success != (tt.wantErr == "") || env.Code != tt.wantErr {
				t.Errorf("envelope = %+v", env)
			}
		})
	}

	rec := ts.do(http.MethodDelete, "/projects/p1", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("delete status = %d", rec.Code)
	}
}

func TestProjectRoutes_WithoutDatabase(t *testing.T) {
	ts := newTestServer(t, false)
	rec := ts.do(http.MethodGet, "/projects", nil)
	if rec.Code != http.StatusServiceUnavailable || decode(t, rec).Code != "DB_UNAVAILABLE" {
		t.Errorf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHealthCheckRoutes(t *testing.T) {
	ts := newTestServer(t, true)

	rec := ts.do(http.MethodPost, "/health-check/web", WebCheckRequest{URL: "https://example.com"})
	if rec.Code != http.StatusOK {
		t.Fatalf("web status = %d", rec.Code)
	}
	var res healthcheck.Result
	if err := json.Unmarshal(decode(t, rec).Data, &res); err != nil || !res.Success {
		t.Errorf("web data = %+v, err = %v", res, err)
	}
	if len(ts.monitor.processed) != 0 {
		t.Error("probe without project was recorded")
	}

	// A project id without URL probes the project's base URL and records it.
	rec = ts.do(http.MethodPost, "/health-check/rest", RESTCheckRequest{ProjectID: "p1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("rest status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := ts.prober.urls[len(ts.prober.urls)-1]; got != "https://shop.example.com" {
		t.Errorf("probed %q", got)
	}
	if len(ts.monitor.processed) != 1 || ts.monitor.processed[0].Type != healthcheck.TypeREST {
		t.Errorf("processed = %+v", ts.monitor.processed)
	}

	rec = ts.do(http.MethodPost, "/health-check/wordpress", WordPressCheckRequest{URL: "https://x.example.com", ProjectID: "nope"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown project status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/health-check/web", strings.NewReader("{"))
	req.Header.Set("X-API-Key", "k1")
	bad := httptest.NewRecorder()
	ts.handler.ServeHTTP(bad, req)
	if bad.Code != http.StatusBadRequest || decode(t, bad).Code != "INVALID_REQUEST" {
		t.Errorf("malformed body status = %d", bad.Code)
	}
}

func TestRunE2E(t *testing.T) {
	ts := newTestServer(t, true)
	ts.monitor.result = results.RunResult{Success: true, TotalTests: 3, Passed: 3}

	req := httptest.NewRequest(http.MethodPost, "/e2e/run", nil)
	req.Header.Set("X-API-Key", "k1")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("empty-body run status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(http.MethodPost, "/e2e/run", map[string]any{"project_id": "p1", "timeout": "2m"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var data E2ERunResponse
	if err := json.Unmarshal(decode(t, rec).Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.ProjectID != "p1" || data.Passed != 3 || !data.Success {
		t.Errorf("data = %+v", data)
	}
	if ts.monitor.lastReq.Timeout != 2*time.Minute {
		t.Errorf("timeout = %v, want 2m", ts.monitor.lastReq.Timeout)
	}

	rec = ts.do(http.MethodPost, "/e2e/run", map[string]any{"timeout": 1500})
	if rec.Code != http.StatusOK || ts.monitor.lastReq.Timeout != 1500*time.Millisecond {
		t.Errorf("numeric timeout: status = %d, timeout = %v", rec.Code, ts.monitor.lastReq.Timeout)
	}
}

func TestRunE2E_Errors(t *testing.T) {
	tests := []struct {
		err      error
		wantCode int
		wantErr  string
	}{
		{monitoring.ErrBusy, http.StatusConflict, "E2E_IN_PROGRESS"},
		{storage.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{monitoring.ErrNoStore, http.StatusServiceUnavailable, "DB_UNAVAILABLE"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.wantErr, func(t *testing.T) {
			ts := newTestServer(t, true)
			ts.monitor.runErr = tt.err

			rec := ts.do(http.MethodPost, "/e2e/run", map[string]any{})
			if rec.Code != tt.wantCode || decode(t, rec).Code != tt.wantErr {
				t.Errorf("status = %d, body = %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func readEvents(t *testing.T, body io.Reader) map[string][]string {
	t.Helper()
	events := map[string][]string{}
	var (
		event string
		data  []string
	)
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		case line == "":
			if event != "" {
				events[event] = append(events[event], strings.Join(data, "\n"))
			}
			event, data = "", nil
		}
	}
	return events
}

func TestRunE2EStream(t *testing.T) {
	ts := newTestServer(t, true)
	ts.monitor.output = "Running: login.cy.js\nevent: done\n"
	ts.monitor.result = results.RunResult{Success: true, TotalTests: 1, Passed: 1, Output: "Running: login.cy.js\n"}

	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/e2e/run/stream", strings.NewReader(`{"project_id":"p1"}`))
	req.Header.Set("X-API-Key", "k1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	events := readEvents(t, resp.Body)

	if got := events["start"]; len(got) != 1 || got[0] != `{"pid":4242}` {
		t.Errorf("start events = %q", got)
	}
	if got := events["output"]; len(got) != 1 || got[0] != "Running: login.cy.js\nevent: done" {
		t.Errorf("output events = %q", got)
	}
	done := events["done"]
	if len(done) != 1 {
		t.Fatalf("done events = %q", done)
	}
	var res E2ERunResponse
	if err := json.Unmarshal([]byte(done[0]), &res); err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Output != "" || res.ProjectID != "p1" {
		t.Errorf("done = %+v", res)
	}
}

func TestRunE2EStream_BusyBeforeStart(t *testing.T) {
	ts := newTestServer(t, true)
	ts.monitor.runErr = monitoring.ErrBusy

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/e2e/run/stream", nil)
	req.Header.Set("X-API-Key", "k1")
	ts.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestListProcesses(t *testing.T) {
	ts := newTestServer(t, false)
	rec := ts.do(http.MethodGet, "/e2e/processes", nil)
	var procs []process.ProcessInfo
	if err := json.Unmarshal(decode(t, rec).Data, &procs); err != nil {
		t.Fatal(err)
	}
	if len(procs) != 1 || procs[0].PID != 4242 {
		t.Errorf("processes = %+v", procs)
	}
}

func TestHistory(t *testing.T) {
	ts := newTestServer(t, true)

	rec := ts.do(http.MethodGet, "/history?type=e2e&project_id=p1&page=2&page_size=5&start=2026-01-01T00:00:00Z", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	f := ts.store.filter
	if f.Type != storage.HistoryE2E || f.ProjectID != "p1" || f.Page != 2 || f.PageSize != 5 || f.Start == nil {
		t.Errorf("filter = %+v", f)
	}

	for _, q := range []string{"page=x", "page_size=500", "type=deploy", "start=yesterday", "start=2026-02-01T00:00:00Z&end=2026-01-01T00:00:00Z"} {
		rec := ts.do(http.MethodGet, "/history?"+q, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rec.Code)
		}
	}
}

func TestCronRoutes(t *testing.T) {
	ts := newTestServer(t, false)

	call := func(path, auth string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if got := call("/cron/health-check", ""); got != http.StatusUnauthorized {
		t.Errorf("no auth = %d", got)
	}
	if got := call("/cron/health-check", "Bearer k1"); got != http.StatusUnauthorized {
		t.Errorf("API key as cron secret = %d", got)
	}
	if got := call("/cron/health-check", "Bearer cron-secret"); got != http.StatusOK {
		t.Errorf("valid secret = %d", got)
	}

	ts.monitor.runErr = monitoring.ErrBusy
	if got := call("/cron/e2e", "Bearer cron-secret"); got != http.StatusConflict {
		t.Errorf("busy e2e = %d, want 409", got)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, false)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || resp.Processes != 1 {
		t.Errorf("health = %+v", resp)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "appmon_") {
		t.Errorf("metrics status = %d", rec.Code)
	}
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{`"10s"`, 10 * time.Second, false},
		{`"500ms"`, 500 * time.Millisecond, false},
		{`120000`, 2 * time.Minute, false},
		{`null`, 0, false},
		{`"not-a-duration"`, 0, true},
	}
	for _, tt := range tests {
		var d Duration
		err := d.UnmarshalJSON([]byte(tt.input))
		if (err != nil) != tt.wantErr {
			t.Errorf("UnmarshalJSON(%s) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if d.Duration != tt.want {
			t.Errorf("UnmarshalJSON(%s) = %v, want %v", tt.input, d.Duration, tt.want)
		}
	}
}
