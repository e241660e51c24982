// Package healthcheck probes web pages, REST endpoints and WordPress sites
// over HTTP.
package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"app-monitor/internal/monitor"
)

const (
	DefaultTimeout        = 30 * time.Second
	DefaultExpectedStatus = http.StatusOK
	DefaultUserAgent      = "App-Monitor/1.0"

	// maxDrain bounds how much of a response body is read before closing.
	maxDrain = 1 << 20
)

// Check types, also used as metric labels.
const (
	TypeWeb       = "web"
	TypeREST      = "rest"
	TypeWordPress = "wordpress"
)

// Result is the outcome of one probe.
type Result struct {
	Success        bool   `json:"success"`
	StatusCode     int    `json:"status_code,omitempty"`
	ResponseTimeMS int64  `json:"response_time"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

// WordPressResult adds the per-endpoint outcomes.
type WordPressResult struct {
	Result
	Endpoints WordPressEndpoints `json:"endpoints"`
}

type WordPressEndpoints struct {
	WPJSON Result `json:"wp_json"`
	Posts  Result `json:"posts"`
	Pages  Result `json:"pages"`
}

// WebOptions tunes CheckWebPage. Zero values use the defaults.
type WebOptions struct {
	Timeout        time.Duration
	ExpectedStatus int
}

// RESTRequest describes a REST probe.
type RESTRequest struct {
	URL            string            `json:"url"`
	Method         string            `json:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body,omitempty"`
	ExpectedStatus int               `json:"expected_status,omitempty"`
	Timeout        time.Duration     `json:"-"`
}

// Options configures a Checker.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// Checker runs probes. It is safe for concurrent use.
type Checker struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
	metrics   *monitor.Metrics
	tracer    *monitor.Tracer
}

// New creates a Checker. metrics and tracer may be nil.
func New(opts Options, metrics *monitor.Metrics, tracer *monitor.Tracer) *Checker {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Checker{
		// Per-request deadlines come from the context.
		client:    &http.Client{Transport: transport},
		timeout:   opts.Timeout,
		userAgent: opts.UserAgent,
		metrics:   metrics,
		tracer:    tracer,
	}
}

// CheckWebPage GETs url and succeeds when the status matches the
// expected one.
func (c *Checker) CheckWebPage(ctx context.Context, rawURL string, opts WebOptions) Result {
	if msg := validateURL(rawURL); msg != "" {
		return Result{ErrorMessage: msg}
	}
	timeout := c.timeoutOr(opts.Timeout)
	expected := opts.ExpectedStatus
	if expected == 0 {
		expected = DefaultExpectedStatus
	}

	ctx, span := c.tracer.StartSpan(ctx, "healthcheck.web",
		monitor.AttrCheckType.String(TypeWeb), monitor.AttrURL.String(rawURL))
	res := c.do(ctx, http.MethodGet, rawURL, nil, "", expected, timeout)
	c.finish(span, TypeWeb, rawURL, res)
	return res
}

var restMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}

// CheckREST sends the described request. A body is only allowed for POST
// and PUT and defaults to a JSON content type.
func (c *Checker) CheckREST(ctx context.Context, req RESTRequest) Result {
	if msg := validateURL(req.URL); msg != "" {
		return Result{ErrorMessage: msg}
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	if !validMethod(method) {
		return Result{ErrorMessage: "Method must be one of: " + strings.Join(restMethods, ", ")}
	}
	if req.Body != "" && (method == http.MethodGet || method == http.MethodDelete) {
		return Result{ErrorMessage: fmt.Sprintf("Body is not allowed for %s method", method)}
	}
	expected := req.ExpectedStatus
	if expected == 0 {
		expected = DefaultExpectedStatus
	}

	headers := make(map[string]string, len(req.Headers)+1)
	for k, v := range req.Headers {
		headers[k] = v
	}
	if req.Body != "" && !hasHeader(headers, "Content-Type") {
		headers["Content-Type"] = "application/json"
	}

	ctx, span := c.tracer.StartSpan(ctx, "healthcheck.rest",
		monitor.AttrCheckType.String(TypeREST), monitor.AttrURL.String(req.URL))
	res := c.do(ctx, method, req.URL, headers, req.Body, expected, c.timeoutOr(req.Timeout))
	c.finish(span, TypeREST, req.URL, res)
	return res
}

// CheckWordPress probes the REST API root, posts and pages concurrently.
// It succeeds only when all three answer 200.
func (c *Checker) CheckWordPress(ctx context.Context, baseURL string) WordPressResult {
	if msg := validateURL(baseURL); msg != "" {
		r := Result{ErrorMessage: msg}
		return WordPressResult{Result: r, Endpoints: WordPressEndpoints{r, r, r}}
	}

	u, _ := url.Parse(baseURL)
	base := u.Scheme + "://" + u.Host + strings.TrimSuffix(u.Path, "/")
	timeout := c.timeoutOr(0)

	ctx, span := c.tracer.StartSpan(ctx, "healthcheck.wordpress",
		monitor.AttrCheckType.String(TypeWordPress), monitor.AttrURL.String(baseURL))

	start := time.Now()
	var ep WordPressEndpoints
	targets := []struct {
		name string
		path string
		out  *Result
	}{
		{"wp-json", "/wp-json/", &ep.WPJSON},
		{"posts", "/wp-json/wp/v2/posts", &ep.Posts},
		{"pages", "/wp-json/wp/v2/pages", &ep.Pages},
	}

	// Probe failures are results, not errors, so no probe cancels another.
	var g errgroup.Group
	for _, t := range targets {
		t := t
		g.Go(func() error {
			*t.out = c.do(ctx, http.MethodGet, base+t.path, nil, "", http.StatusOK, timeout)
			return nil
		})
	}
	_ = g.Wait()

	var failed []string
	for _, t := range targets {
		if !t.out.Success {
			failed = append(failed, t.name)
		}
	}

	res := Result{
		Success:        len(failed) == 0,
		ResponseTimeMS: time.Since(start).Milliseconds(),
	}
	if res.Success {
		res.StatusCode = http.StatusOK
	} else {
		res.ErrorMessage = "Some endpoints failed: " + strings.Join(failed, ", ")
	}

	c.finish(span, TypeWordPress, baseURL, res)
	return WordPressResult{Result: res, Endpoints: ep}
}

func (c *Checker) do(ctx context.Context, method, rawURL string, headers map[string]string, body string, expected int, timeout time.Duration) Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rdr)
	if err != nil {
		return Result{ErrorMessage: err.Error()}
	}
	req.Header.Set("User-Agent", c.userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return Result{ResponseTimeMS: elapsed, ErrorMessage: describeError(err, timeout)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))

	res := Result{
		Success:        resp.StatusCode == expected,
		StatusCode:     resp.StatusCode,
		ResponseTimeMS: elapsed,
	}
	if !res.Success {
		res.ErrorMessage = fmt.Sprintf("HTTP %d - Expected %d", resp.StatusCode, expected)
	}
	return res
}

func describeError(err error, timeout time.Duration) string {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Sprintf("Request timeout after %dms", timeout.Milliseconds())
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return "Network error: " + urlErr.Err.Error()
	}
	return err.Error()
}

func (c *Checker) finish(span trace.Span, checkType, rawURL string, res Result) {
	span.SetAttributes(
		monitor.AttrSuccess.Bool(res.Success),
		monitor.AttrDurationMS.Int64(res.ResponseTimeMS),
	)
	span.End()

	if c.metrics != nil {
		c.metrics.RecordHealthCheck(checkType, res.Success, float64(res.ResponseTimeMS)/1000)
	}
	ev := log.Debug()
	if !res.Success {
		ev = log.Info()
	}
	ev.Str("check_type", checkType).
		Str("url", rawURL).
		Bool("success", res.Success).
		Int("status_code", res.StatusCode).
		Int64("response_time_ms", res.ResponseTimeMS).
		Str("error", res.ErrorMessage).
		Msg("health check completed")
}

func (c *Checker) timeoutOr(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return c.timeout
}

func validateURL(raw string) string {
	if raw == "" {
		return "URL is required"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "Invalid URL format"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "URL must use HTTP or HTTPS protocol"
	}
	return ""
}

func validMethod(m string) bool {
	for _, v := range restMethods {
		if v == m {
			return true
		}
	}
	return false
}

func hasHeader(h map[string]string, name string) bool {
	for k := range h {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}
