package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// CommandResult is the structured output of a run_command call. A
// non-zero exit code is a command outcome, not a tool failure; only
// infrastructure problems (refusal, timeout, spawn error) surface as
// errors.
type CommandResult struct {
	ExitCode   int    `json:"exit_code"`
	Output     string `json:"output"`
	Truncated  bool   `json:"truncated,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// ParseCommandResult decodes a run_command tool output.
func ParseCommandResult(output string) (*CommandResult, error) {
	var res CommandResult
	if err := json.Unmarshal([]byte(output), &res); err != nil {
		return nil, fmt.Errorf("decoding command result: %w", err)
	}
	return &res, nil
}

// runCommand implements the run_command tool. The safety policy is
// consulted before anything spawns; a denied command never starts. The
// command runs in its own process group so a timeout kills the whole
// tree, leaving no orphans behind.
func (ts *Toolset) runCommand(ctx context.Context, args Args) (string, error) {
	command := args.String("command")

	report := ts.policy.Check(command)
	if !report.Allowed {
		return "", &Error{
			Kind:    KindRunCommand,
			Failure: FailurePermission,
			Detail:  report.Summary(),
		}
	}

	timeout := ts.cmdTimeout
	if secs := args.Int("timeout_seconds"); secs > 0 {
		if d := time.Duration(secs) * time.Second; d < timeout {
			timeout = d
		}
	}

	dir := ts.workspace
	if cwd := args.String("cwd"); cwd != "" {
		abs, err := ts.resolve(KindRunCommand, cwd)
		if err != nil {
			return "", err
		}
		dir = abs
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = dir

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdoutBuf, max: int64(ts.maxOutput)}
	stderrLimited := &limitedWriter{w: &stderrBuf, max: int64(ts.maxOutput)}
	cmd.Stdout = stdoutLimited
	cmd.Stderr = stderrLimited

	setupProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("starting command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var runErr error
	killed := false
	select {
	case runErr = <-done:
	case <-execCtx.Done():
		killProcessGroup(cmd)
		<-done
		killed = true
	}

	combined := stdoutBuf.String()
	if s := stderrBuf.String(); s != "" {
		if combined != "" {
			combined += "\n"
		}
		combined += s
	}

	if killed {
		reason := fmt.Sprintf("killed after %s", timeout)
		if errors.Is(execCtx.Err(), context.Canceled) {
			reason = "canceled"
		}
		ts.log.Warn("command killed",
			zap.String("command", command),
			zap.String("reason", reason))
		return "", &Error{
			Kind:    KindRunCommand,
			Failure: FailureTimeout,
			Detail:  fmt.Sprintf("%s: %s", reason, tail(combined, 400)),
			Err:     execCtx.Err(),
		}
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return "", fmt.Errorf("command failed: %w", runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	res := CommandResult{
		ExitCode:   exitCode,
		Output:     combined,
		Truncated:  stdoutLimited.truncated || stderrLimited.truncated,
		DurationMs: time.Since(start).Milliseconds(),
	}
	out, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("encoding command result: %w", err)
	}
	return string(out), nil
}

// tail returns the last n bytes of s for error context.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// limitedWriter caps total bytes written, discarding the rest while
// reporting the original length so the writing process never sees a
// short write.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.written >= lw.max {
		lw.truncated = true
		return n, nil
	}
	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err
	}
	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
