package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"

	"app-monitor/internal/monitor"
	"app-monitor/internal/process"
	"app-monitor/internal/results"
	"app-monitor/internal/runtime"
)

const (
	DefaultTimeout = 10 * time.Minute
	MaxTimeout     = time.Hour

	// drainGrace is how long a killed run may take to exit beyond the
	// registry's SIGKILL escalation.
	drainGrace = 2 * time.Second
)

// Config describes how runs are launched and supervised.
type Config struct {
	Runtime runtime.Runtime
	// Shell runs the command through /bin/sh -c.
	Shell          bool
	WorkDir        string
	Env            []string
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	Limits         Limits
	KillGrace      time.Duration
}

// Request is one run.
type Request struct {
	TargetID string
	// Timeout overrides the configured default; it is capped at MaxTimeout.
	Timeout time.Duration
	// Budget, when set, caps the timeout further. Callers holding a lock
	// pass the time left in its window.
	Budget time.Duration
	// Output receives live combined output. Write errors are ignored.
	Output io.Writer
	// OnStart is called with the child pid once it has been spawned.
	OnStart func(pid int)
}

// Runner is the execution coordinator: it spawns the e2e runner, supervises
// it through the process registry, enforces the timeout, and produces
// exactly one RunResult per call. Callers serialise runs with the
// single-flight lock; the Runner itself does not.
type Runner struct {
	cfg      Config
	registry *process.Registry
	parser   results.Parser
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer

	active atomic.Int64
	wg     sync.WaitGroup
	mu     sync.Mutex // Protects shutdown state
	closed bool
}

// New validates cfg and creates a Runner. metrics and tracer may be nil.
func New(cfg Config, registry *process.Registry, parser results.Parser, metrics *monitor.Metrics, tracer *monitor.Tracer) (*Runner, error) {
	if cfg.Runtime == nil {
		return nil, &RunError{Op: "configure", Err: fmt.Errorf("%w: runtime is required", ErrInvalidConfig)}
	}
	if len(cfg.Runtime.Command("")) == 0 {
		return nil, &RunError{Op: "configure", Err: fmt.Errorf("%w: runtime %s has no command", ErrInvalidConfig, cfg.Runtime.Name())}
	}
	if registry == nil {
		return nil, &RunError{Op: "configure", Err: fmt.Errorf("%w: process registry is required", ErrInvalidConfig)}
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = MaxTimeout
	}
	if cfg.DefaultTimeout > cfg.MaxTimeout {
		return nil, &RunError{Op: "configure", Err: fmt.Errorf("%w: default timeout %s exceeds max %s",
			ErrInvalidConfig, cfg.DefaultTimeout, cfg.MaxTimeout)}
	}
	if cfg.Limits == (Limits{}) {
		cfg.Limits = DefaultLimits()
	}
	if err := cfg.Limits.Validate(); err != nil {
		return nil, &RunError{Op: "configure", Err: err}
	}
	if parser == nil {
		parser = results.NewMochaParser()
	}

	return &Runner{
		cfg:      cfg,
		registry: registry,
		parser:   parser,
		metrics:  metrics,
		tracer:   tracer,
	}, nil
}

// Run executes the suite once. Spawn failures, timeouts and cancellation
// are reported inside the returned result, never as a Go error.
func (r *Runner) Run(ctx context.Context, req Request) results.RunResult {
	runID := uuid.New().String()
	logger := log.With().
		Str("run_id", runID).
		Str("target_id", req.TargetID).
		Str("runtime", r.cfg.Runtime.Name()).
		Logger()

	ctx, span := r.tracer.StartSpan(ctx, "run",
		monitor.AttrRunID.String(runID),
		monitor.AttrTargetID.String(req.TargetID),
	)
	defer span.End()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return results.Failure(ErrClosed.Error(), "", 0, nil)
	}
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	r.active.Add(1)
	defer r.active.Add(-1)
	if r.metrics != nil {
		r.metrics.ActiveRuns.Inc()
		defer r.metrics.ActiveRuns.Dec()
	}

	if cleaned := r.registry.CleanupOrphaned(); cleaned > 0 {
		logger.Info().Int("count", cleaned).Msg("cleaned orphaned processes before run")
	}

	timeout := r.timeoutFor(req)
	logger.Info().Dur("timeout", timeout).Msg("run requested")

	res := r.execute(ctx, runID, req, timeout, logger)

	span.SetAttributes(
		monitor.AttrSuccess.Bool(res.Success),
		monitor.AttrDurationMS.Int64(res.DurationMS),
	)
	if r.metrics != nil {
		r.metrics.RecordRun(res.Status(), res.Duration().Seconds(),
			res.Passed, res.Failed, res.Skipped, len(res.Output))
	}

	logger.Info().
		Bool("success", res.Success).
		Int("total", res.TotalTests).
		Int("passed", res.Passed).
		Int("failed", res.Failed).
		Int("skipped", res.Skipped).
		Int64("duration_ms", res.DurationMS).
		Str("error", res.Error).
		Msg("run completed")

	return res
}

func (r *Runner) execute(ctx context.Context, runID string, req Request, timeout time.Duration, logger zerolog.Logger) results.RunResult {
	if err := r.cfg.Runtime.Validate(req.TargetID); err != nil {
		logger.Warn().Err(&RunError{RunID: runID, Op: "validate", Err: err}).Msg("rejected run")
		return results.Failure(r.spawnMessage(fmt.Errorf("%w: %v", ErrInvalidTarget, err)), "", 0, nil)
	}

	argv := r.cfg.Runtime.Command(req.TargetID)
	out := newOutputSink(req.Output)
	usage := &usageTracker{}

	start := time.Now()
	proc, err := process.Start(process.Spec{
		Command: argv[0],
		Args:    argv[1:],
		Dir:     r.cfg.WorkDir,
		Env:     r.environ(req.TargetID),
		Shell:   r.cfg.Shell,
		Output:  out,
	})
	if err != nil {
		logger.Error().Err(&RunError{RunID: runID, Op: "spawn", Err: err}).Msg("failed to start test runner")
		return results.Failure(r.spawnMessage(err), "", time.Since(start), nil)
	}

	pid := proc.PID()
	trace.SpanFromContext(ctx).SetAttributes(monitor.AttrPID.Int(pid))
	logger = logger.With().Int("pid", pid).Logger()
	logger.Info().Strs("argv", argv).Msg("test runner started")
	if req.OnStart != nil {
		req.OnStart(pid)
	}

	r.registry.StartMonitoring(proc, process.Options{
		MaxMemoryMB:   r.cfg.Limits.MaxMemoryMB,
		MaxCPUPercent: r.cfg.Limits.MaxCPUPercent,
		CheckInterval: r.cfg.Limits.CheckInterval,
		OnSample:      usage.observe,
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// Exactly one branch resolves the run.
	select {
	case <-proc.Done():
		timer.Stop()
		r.registry.StopMonitoring(pid)
		duration := time.Since(start)
		code := proc.ExitCode()
		logger.Info().Int("exit_code", code).Dur("duration", duration).Msg("test runner exited")
		return r.parser.Parse(out.String(), code == 0, duration, usage.summary())

	case <-timer.C:
		logger.Warn().Dur("timeout", timeout).Msg("run timed out, killing test runner")
		r.terminate(proc, process.ReasonTimeout, logger)
		msg := fmt.Sprintf("Test execution timed out after %dms", timeout.Milliseconds())
		return results.Failure(msg, out.String(), time.Since(start), usage.summary())

	case <-ctx.Done():
		logger.Warn().Err(ctx.Err()).Msg("run cancelled, killing test runner")
		r.terminate(proc, process.ReasonCancelled, logger)
		msg := fmt.Sprintf("Test execution cancelled: %v", ctx.Err())
		return results.Failure(msg, out.String(), time.Since(start), usage.summary())
	}
}

// terminate asks the registry to kill proc and waits for it to exit so the
// captured output is complete. If the registry no longer tracks proc, it is
// signalled directly.
func (r *Runner) terminate(proc *process.Process, reason string, logger zerolog.Logger) {
	grace := r.cfg.KillGrace
	if grace <= 0 {
		grace = process.DefaultKillGrace
	}

	if !r.registry.KillProcess(proc.PID(), reason) {
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			logger.Error().Err(err).Msg("fallback SIGTERM failed")
		}
	}

	select {
	case <-proc.Done():
		return
	case <-time.After(grace + drainGrace):
	}

	logger.Error().Msg("test runner still alive after kill, sending SIGKILL")
	if err := proc.Signal(syscall.SIGKILL); err != nil {
		logger.Error().Err(err).Msg("SIGKILL failed")
	}
	select {
	case <-proc.Done():
	case <-time.After(drainGrace):
		logger.Error().Msg("test runner did not exit after SIGKILL")
	}
}

func (r *Runner) spawnMessage(err error) string {
	return fmt.Sprintf("Failed to start %s: %v", r.cfg.Runtime.DisplayName(), err)
}

func (r *Runner) timeoutFor(req Request) time.Duration {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	if timeout > r.cfg.MaxTimeout {
		timeout = r.cfg.MaxTimeout
	}
	if req.Budget > 0 && timeout > req.Budget {
		timeout = req.Budget
	}
	return timeout
}

func (r *Runner) environ(targetID string) []string {
	env := append(os.Environ(), r.cfg.Env...)
	if targetID != "" {
		env = append(env, runtime.TargetEnv+"="+targetID)
	}
	return env
}

// ActiveCount returns the number of currently executing runs.
func (r *Runner) ActiveCount() int64 {
	return r.active.Load()
}

// Close stops accepting runs, kills the supervised processes and waits for
// in-flight runs to return, bounded by ctx.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.registry.Shutdown()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for active runs: %w", ctx.Err())
	}
}
