package process

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Handle is the registry's view of a running child process.
type Handle interface {
	PID() int
	// Done is closed once the process has exited and its output is drained.
	Done() <-chan struct{}
	Exited() bool
	// Signal delivers sig to the whole process group of the child.
	Signal(sig syscall.Signal) error
}

// Spec describes the command to spawn.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	// Shell runs Command and Args joined through /bin/sh -c.
	Shell bool
	// Output receives combined stdout and stderr.
	Output io.Writer
}

// Process is a child started in its own process group so that signals
// reach every descendant (npx spawns node which spawns the browser).
type Process struct {
	cmd  *exec.Cmd
	pid  int
	done chan struct{}

	mu       sync.Mutex
	exitCode int
	waitErr  error
}

var ErrEmptyCommand = errors.New("empty command")

// Start spawns the process described by spec.
func Start(spec Spec) (*Process, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, ErrEmptyCommand
	}

	var cmd *exec.Cmd
	if spec.Shell {
		line := strings.Join(append([]string{spec.Command}, spec.Args...), " ")
		cmd = exec.Command("/bin/sh", "-c", line) // #nosec G204 -- command comes from server config
	} else {
		cmd = exec.Command(spec.Command, spec.Args...) // #nosec G204 -- command comes from server config
	}
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	if spec.Output != nil {
		cmd.Stdout = spec.Output
		cmd.Stderr = spec.Output
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Grandchildren holding the pipe open must not block Wait forever.
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", spec.Command, err)
	}

	p := &Process{
		cmd:      cmd,
		pid:      cmd.Process.Pid,
		done:     make(chan struct{}),
		exitCode: -1,
	}
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	// Children left behind in the group, such as a browser, die with it.
	_ = p.killGroup()

	p.mu.Lock()
	p.waitErr = err
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	p.mu.Unlock()

	close(p.done)
}

func (p *Process) PID() int { return p.pid }

func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode is -1 while running and when the process was killed by a signal.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Err returns the error from Wait, if any. Non-zero exits are reported as
// *exec.ExitError.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

func (p *Process) Signal(sig syscall.Signal) error {
	if p.Exited() {
		return nil
	}
	return p.signalGroup(sig)
}

// killGroup sends SIGKILL to whatever remains of the process group once the
// leader has exited. An empty group is not an error.
func (p *Process) killGroup() error {
	return p.signalGroup(syscall.SIGKILL)
}

func (p *Process) signalGroup(sig syscall.Signal) error {
	if err := unix.Kill(-p.pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return fmt.Errorf("signalling process group %d: %w", p.pid, err)
	}
	return nil
}
