package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"
)

// Executor runs a job's command. A non-nil error means the command could
// not be started at all; a command that ran and failed reports a non-zero
// ExitCode instead.
type Executor interface {
	Run(ctx context.Context, command string) (Result, error)
}

// Result is the outcome of one execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// ShellExecutor hands the command to a POSIX shell, so pipes, quoting and
// redirections behave as they do on a terminal.
type ShellExecutor struct {
	Shell string // defaults to "sh"
	Dir   string
	Env   []string
}

func (s ShellExecutor) Run(ctx context.Context, command string) (Result, error) {
	shell := s.Shell
	if shell == "" {
		shell = "sh"
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Dir = s.Dir
	if s.Env != nil {
		cmd.Env = s.Env
	}
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	default:
		return res, fmt.Errorf("start %s: %w", shell, err)
	}
}

// maxErrorOutput bounds, in bytes, the stderr kept in a job's error_message.
// The message is always valid UTF-8 so every backend stores it verbatim.
const maxErrorOutput = 2048

// failureMessage renders the error_message stored for a failed attempt.
func failureMessage(res Result, runErr error) string {
	if runErr != nil {
		return "launch failed: " + strings.ToValidUTF8(runErr.Error(), "\uFFFD")
	}
	stderr := strings.TrimSpace(strings.ToValidUTF8(res.Stderr, "\uFFFD"))
	if len(stderr) > maxErrorOutput {
		n := maxErrorOutput
		for n > 0 && !utf8.RuneStart(stderr[n]) {
			n--
		}
		stderr = stderr[:n] + "..."
	}
	if stderr == "" {
		return fmt.Sprintf("exit code %d", res.ExitCode)
	}
	return fmt.Sprintf("exit code %d: %s", res.ExitCode, stderr)
}
