package orbstack

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"
)

const (
	// DefaultMaxRetries bounds the retry loop: a request is attempted at
	// most DefaultMaxRetries+1 times.
	DefaultMaxRetries = 3
	// DefaultBaseDelay seeds the exponential backoff between attempts.
	DefaultBaseDelay = 2 * time.Second
	// DefaultCommandTimeout applies per attempt to ordinary commands.
	DefaultCommandTimeout = 60 * time.Second
	// DefaultNetworkTimeout applies per attempt to network-classified
	// commands, which routinely block on downloads.
	DefaultNetworkTimeout = 180 * time.Second
)

// transientIndicators is the stderr vocabulary that marks a failure as
// likely transient. Matching is case-insensitive substring; orbctl offers
// no structured error channel.
var transientIndicators = []string{
	"timeout",
	"connection",
	"network",
	"tls",
	"handshake",
	"download",
	"cdn",
	"http",
	"https",
	"tcp",
	"dns",
	"missing ip address",
	"didn't start",
	"setup",
	"machine",
}

// isTransientStderr reports whether stderr text matches the transient
// failure vocabulary.
func isTransientStderr(stderr string) bool {
	if stderr == "" {
		return false
	}
	msg := strings.ToLower(stderr)
	for _, indicator := range transientIndicators {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return false
}

// ExecutionRequest describes one logical orbctl invocation.
//
// Argv[0] is always the orbctl binary; shell metacharacters only ever
// appear inside a deliberately built "sh -c <text>" triple.
type ExecutionRequest struct {
	Argv []string
	// MaxRetries overrides the executor default when non-nil. Zero means
	// a single attempt with no retries.
	MaxRetries *int
	// Timeout is the per-attempt ceiling. Zero resolves to the network or
	// command default depending on NetworkOperation.
	Timeout time.Duration
	// NetworkOperation marks requests that should be retried on any
	// failure, not just those whose stderr looks transient, and that get
	// the longer default timeout.
	NetworkOperation bool
}

// Executor runs orbctl invocations with retry and exponential backoff.
//
// Callers branch on the three-way outcome:
//   - exit 0: (Result, nil)
//   - ran and failed, retries exhausted or not warranted: (Result, nil)
//     with a non-zero exit code, returned verbatim, never re-raised
//   - never completed (timeout, spawn failure), retries exhausted: the
//     execution-layer error is propagated
//
// Deterministic failures (non-zero exit, no transient stderr, not
// network-classified) are returned after a single attempt so that retrying
// cannot mask a real bug such as a typo in the command.
type Executor struct {
	Runner     Runner      // defaults to ExecRunner
	Logger     *log.Logger // defaults to log.Default()
	MaxRetries int         // defaults to DefaultMaxRetries; set via request for zero
	BaseDelay  time.Duration
	// Timeouts per attempt, not cumulative across retries.
	CommandTimeout time.Duration
	NetworkTimeout time.Duration

	// OnRetry is invoked before each backoff sleep. Optional.
	OnRetry func(attempt int, reason string)
	// Sleep replaces the backoff sleep. Used by tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Execute runs the request, retrying transient failures with exponential
// backoff. The backoff sleep blocks the calling goroutine.
func (e *Executor) Execute(ctx context.Context, req ExecutionRequest) (Result, error) {
	if len(req.Argv) == 0 {
		return Result{}, errors.New("empty argv")
	}
	maxRetries := e.maxRetries(req)
	timeout := e.timeout(req)

	for attempt := 0; attempt <= maxRetries; attempt++ {
		res, err := e.runOnce(ctx, req.Argv, timeout)
		if err != nil {
			if attempt < maxRetries {
				delay := e.backoff(attempt)
				e.logf("command failed: %v, retrying in %s (attempt %d/%d)", err, delay, attempt+1, maxRetries+1)
				e.retryObserved(attempt, err.Error())
				if serr := e.sleep(ctx, delay); serr != nil {
					return Result{}, serr
				}
				continue
			}
			return Result{}, err
		}

		res.Attempts = attempt + 1
		if res.ExitCode == 0 {
			return res, nil
		}

		retryable := isTransientStderr(res.Stderr) || req.NetworkOperation
		if retryable && attempt < maxRetries {
			delay := e.backoff(attempt)
			e.logf("network error, retrying in %s (attempt %d/%d)", delay, attempt+1, maxRetries+1)
			e.retryObserved(attempt, strings.TrimSpace(res.Stderr))
			if serr := e.sleep(ctx, delay); serr != nil {
				return Result{}, serr
			}
			continue
		}
		return res, nil
	}

	// Unreachable: the loop always returns on its final attempt.
	return Result{}, errors.New("max retries exceeded")
}

func (e *Executor) runOnce(ctx context.Context, argv []string, timeout time.Duration) (Result, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return e.runner().Run(runCtx, argv[0], argv[1:]...)
}

func (e *Executor) runner() Runner {
	if e.Runner != nil {
		return e.Runner
	}
	return ExecRunner{}
}

func (e *Executor) maxRetries(req ExecutionRequest) int {
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		return *req.MaxRetries
	}
	if e.MaxRetries > 0 {
		return e.MaxRetries
	}
	return DefaultMaxRetries
}

func (e *Executor) timeout(req ExecutionRequest) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	if req.NetworkOperation {
		if e.NetworkTimeout > 0 {
			return e.NetworkTimeout
		}
		return DefaultNetworkTimeout
	}
	if e.CommandTimeout > 0 {
		return e.CommandTimeout
	}
	return DefaultCommandTimeout
}

func (e *Executor) backoff(attempt int) time.Duration {
	base := e.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	return base * (1 << attempt)
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Executor) retryObserved(attempt int, reason string) {
	if e.OnRetry != nil {
		e.OnRetry(attempt, reason)
	}
}

func (e *Executor) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
