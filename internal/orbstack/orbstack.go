// Package orbstack drives OrbStack virtual machines through the orbctl CLI.
//
// ABOUTME: This package implements the command execution core: a retrying
// process executor around orbctl subprocess invocations, a command shape
// normalizer that turns declarative run-command requests into exact argv
// vectors, host discovery from orbctl's JSON inventory, connection
// management, and file transfer with privileged staging.
//
// ABOUTME: orbctl is always invoked as a subprocess, never linked
// in-process. The only error channel it offers is exit code plus stderr
// text, so failure classification is substring-based and deliberately
// conservative.
//
// Each call spawns its own subprocess and owns its own result; the package
// keeps no shared mutable state between calls and provides no internal
// concurrency. Callers parallelize across machines themselves.
package orbstack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// DefaultCLIPath is the orbctl binary name resolved via PATH.
const DefaultCLIPath = "orbctl"

// ErrTimeout marks an invocation that never completed within its per-attempt
// timeout. Callers distinguish it from a command that ran and failed.
var ErrTimeout = errors.New("command timed out")

// Result is the outcome of one completed subprocess invocation.
//
// Attempts is filled in by the Executor and counts how many times the
// underlying process was spawned, including the final one.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Attempts int
}

// Runner executes a single subprocess invocation.
//
// A nil error means the process ran to completion; its exit code is in the
// Result. Errors are reserved for the execution layer itself: the binary
// could not be spawned, or the context expired before the process finished.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner runs commands via os/exec. It is the default Runner.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		fullCmd := strings.Join(append([]string{name}, args...), " ")
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("command %s: %w", fullCmd, ErrTimeout)
		}
		return Result{}, fmt.Errorf("command %s: %w", fullCmd, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	fullCmd := strings.Join(append([]string{name}, args...), " ")
	return Result{}, fmt.Errorf("command %s failed to start: %w", fullCmd, err)
}
