// Package runner executes external commands with a deadline and folds every
// outcome, including launch failures and timeouts, into a models.CommandResult.
package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"backup-orchestrator/internal/models"
	"backup-orchestrator/internal/telemetry"
)

// DefaultTimeout applies when neither the command nor the runner sets one.
const DefaultTimeout = time.Hour

// waitDelay bounds how long Wait keeps copying output after the process group is gone.
const waitDelay = 5 * time.Second

// Command describes one process invocation.
type Command struct {
	Name string
	Args []string
	// Env entries ("KEY=value") are layered on top of the inherited environment.
	Env     []string
	Timeout time.Duration
}

// Argv returns the full argument vector, name first.
func (c Command) Argv() []string {
	return append([]string{c.Name}, c.Args...)
}

// Runner runs commands. It is safe for concurrent use.
type Runner struct {
	defaultTimeout time.Duration
	maxOutput      int
	log            *zap.SugaredLogger
}

// New builds a runner. maxOutput caps captured bytes per stream; zero means 10 MiB.
func New(defaultTimeout time.Duration, maxOutput int, log *zap.SugaredLogger) *Runner {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	if maxOutput <= 0 {
		maxOutput = 10 << 20
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Runner{defaultTimeout: defaultTimeout, maxOutput: maxOutput, log: log}
}

// Run executes c until it exits, its timeout elapses or ctx is cancelled.
// It never returns an error: failures are reported through the result.
func (r *Runner) Run(ctx context.Context, c Command) models.CommandResult {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	argv := c.Argv()
	line := strings.Join(argv, " ")
	sub := subcommand(c.Args)
	start := time.Now()

	r.log.Infow("Executing command", "command", line, "timeout", timeout)

	cmd := exec.Command(c.Name, c.Args...)
	if c.Env != nil {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	setProcessGroup(cmd)
	cmd.WaitDelay = waitDelay
	stdout := newCappedBuffer(r.maxOutput)
	stderr := newCappedBuffer(r.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		r.log.Errorw("Command execution failed", "command", line, "error", err)
		telemetry.CommandsTotal.WithLabelValues(sub, "launch_error").Inc()
		return models.CommandResult{
			ExitCode: -1,
			Stderr:   err.Error(),
			Success:  false,
			Command:  argv,
			Duration: time.Since(start),
		}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-timer.C:
		killProcessGroup(cmd)
		<-done
		elapsed := time.Since(start)
		r.log.Errorw("Command timed out", "command", line, "timeout", timeout)
		telemetry.CommandsTotal.WithLabelValues(sub, "timeout").Inc()
		telemetry.CommandDuration.WithLabelValues(sub).Observe(elapsed.Seconds())
		return models.CommandResult{
			ExitCode: -1,
			Stdout:   stdout.String(),
			Stderr:   fmt.Sprintf("Command timed out after %s seconds", formatSeconds(timeout)),
			Success:  false,
			Command:  argv,
			Duration: elapsed,
		}
	case <-ctx.Done():
		killProcessGroup(cmd)
		<-done
		r.log.Warnw("Command cancelled", "command", line, "error", ctx.Err())
		telemetry.CommandsTotal.WithLabelValues(sub, "cancelled").Inc()
		return models.CommandResult{
			ExitCode: -1,
			Stdout:   stdout.String(),
			Stderr:   "Command cancelled: " + ctx.Err().Error(),
			Success:  false,
			Command:  argv,
			Duration: time.Since(start),
		}
	}

	elapsed := time.Since(start)
	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	res := models.CommandResult{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Success:  exitCode == 0,
		Command:  argv,
		Duration: elapsed,
	}
	if res.Stderr == "" && waitErr != nil && exitCode == -1 {
		res.Stderr = waitErr.Error()
	}

	telemetry.CommandsTotal.WithLabelValues(sub, telemetry.Outcome(res.Success)).Inc()
	telemetry.CommandDuration.WithLabelValues(sub).Observe(elapsed.Seconds())
	if res.Success {
		r.log.Infow("Command executed successfully", "command", line, "duration_ms", elapsed.Milliseconds())
	} else {
		r.log.Errorw("Command failed", "command", line, "return_code", exitCode, "stderr", truncate(res.Stderr, 2000))
	}
	return res
}

// Available checks that name can be launched by running "name --version".
// A failure here means no tool operation can succeed.
func (r *Runner) Available(ctx context.Context, name string) (string, error) {
	res := r.Run(ctx, Command{Name: name, Args: []string{"--version"}, Timeout: 10 * time.Second})
	if !res.Success {
		return "", errors.WithHint(
			errors.Newf("%s not available (exit %d): %s", name, res.ExitCode, strings.TrimSpace(res.Stderr)),
			"install the tool or set BORGMATIC_BIN")
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Rejected builds the failed result used when input validation refuses to spawn a process.
func Rejected(reason string) models.CommandResult {
	return models.CommandResult{
		ExitCode: -1,
		Stderr:   reason,
		Success:  false,
	}
}

func subcommand(args []string) string {
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			return a
		}
	}
	return "none"
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
