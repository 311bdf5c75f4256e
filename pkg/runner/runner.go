package runner

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/crewline/foreman/pkg/log"
)

const (
	// EnvToken is the environment variable carrying the downstream
	// code-host credential into the worker process.
	EnvToken = "FOREMAN_CODEHOST_TOKEN"
	// EnvTaskID and EnvWorkerType carry task metadata.
	EnvTaskID     = "FOREMAN_TASK_ID"
	EnvWorkerType = "FOREMAN_WORKER_TYPE"

	// DefaultGraceWindow is how long a worker gets between the graceful
	// termination signal and the forceful one.
	DefaultGraceWindow = 30 * time.Second

	// maxLineBytes bounds a single stdout line
	maxLineBytes = 1024 * 1024
	// stderrCap bounds the retained stderr tail per task
	stderrCap = 64 * 1024
)

// Spec describes one worker invocation
type Spec struct {
	TaskID     string
	WorkerType string
	Prompt     string // delivered on stdin
	Dir        string // workspace path, becomes the working directory
	Token      string // downstream credential, exposed via EnvToken
	Timeout    time.Duration
}

// Result describes how the worker process ended
type Result struct {
	ExitCode int
	TimedOut bool
	Stderr   string // tail of stderr, preserved verbatim for the task log
}

// Runner spawns worker subprocesses and streams their stdout line by line.
// The command is an argv template; "{taskId}" and "{workerType}"
// placeholders are substituted per invocation.
type Runner struct {
	command []string
	grace   time.Duration
	logger  zerolog.Logger
}

// New creates a runner for the given worker command template
func New(command []string, grace time.Duration) *Runner {
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	return &Runner{
		command: command,
		grace:   grace,
		logger:  log.WithComponent("runner"),
	}
}

// Run spawns the worker and calls onLine for every stdout line, in order.
// onLine may block; the worker is then throttled through its stdout pipe.
// Cancelling ctx or exceeding the timeout terminates the process graceful
// first, forceful after the grace window. Run returns once the process has
// exited and stdout is drained.
func (r *Runner) Run(ctx context.Context, spec Spec, onLine func(string) error) (*Result, error) {
	if len(r.command) == 0 {
		return nil, fmt.Errorf("no worker command configured")
	}

	argv := make([]string, len(r.command))
	for i, a := range r.command {
		a = strings.ReplaceAll(a, "{taskId}", spec.TaskID)
		a = strings.ReplaceAll(a, "{workerType}", spec.WorkerType)
		argv[i] = a
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Stdin = strings.NewReader(spec.Prompt)
	cmd.Env = append(os.Environ(),
		EnvToken+"="+spec.Token,
		EnvTaskID+"="+spec.TaskID,
		EnvWorkerType+"="+spec.WorkerType,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := newTailBuffer(stderrCap)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}

	taskLog := r.logger.With().Str("task_id", spec.TaskID).Logger()
	taskLog.Debug().Str("cmd", argv[0]).Msg("worker spawned")

	// The reaper owns termination: it fires on cancellation or timeout and
	// escalates from SIGTERM to SIGKILL after the grace window.
	procDone := make(chan struct{})
	var timedOut atomic.Bool
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case <-procDone:
			return
		case <-timer.C:
			timedOut.Store(true)
			taskLog.Warn().Dur("timeout", timeout).Msg("worker wall-clock limit reached")
		case <-ctx.Done():
			taskLog.Info().Msg("worker cancellation requested")
		}

		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-procDone:
		case <-time.After(r.grace):
			taskLog.Warn().Msg("grace window elapsed, killing worker")
			_ = cmd.Process.Kill()
		}
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	var lineErr error
	for scanner.Scan() {
		if lineErr = onLine(scanner.Text()); lineErr != nil {
			break
		}
	}
	if lineErr == nil {
		lineErr = scanner.Err()
	}

	waitErr := cmd.Wait()
	close(procDone)

	res := &Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		TimedOut: timedOut.Load(),
		Stderr:   stderr.String(),
	}
	if lineErr != nil {
		return res, fmt.Errorf("stream worker stdout: %w", lineErr)
	}
	if waitErr != nil {
		if _, ok := waitErr.(*exec.ExitError); !ok {
			return res, fmt.Errorf("wait worker: %w", waitErr)
		}
	}

	taskLog.Debug().Int("exit_code", res.ExitCode).Bool("timed_out", res.TimedOut).Msg("worker exited")
	return res, nil
}
