package orbstack

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/orblab/orblab/internal/models"
)

// ExecutionRecord summarizes one completed (or exhausted) orbctl
// invocation for observers such as the journal and the metrics collector.
type ExecutionRecord struct {
	Operation string
	Machine   string
	Argv      []string
	ExitCode  int
	Attempts  int
	Duration  time.Duration
	Success   bool
	Error     string // empty unless the invocation never completed
}

// ExecutionObserver receives a record after every invocation the connector
// issues. Observers must not block; recording failures are theirs to log.
type ExecutionObserver interface {
	ObserveExecution(ctx context.Context, rec ExecutionRecord)
}

// MultiObserver fans one execution record out to several observers.
func MultiObserver(observers ...ExecutionObserver) ExecutionObserver {
	return multiObserver(observers)
}

type multiObserver []ExecutionObserver

func (m multiObserver) ObserveExecution(ctx context.Context, rec ExecutionRecord) {
	for _, o := range m {
		if o != nil {
			o.ObserveExecution(ctx, rec)
		}
	}
}

// Connector is the caller-facing surface of the execution core. One
// Connector serves any number of machines; it holds no per-machine state
// and is safe for concurrent use because every call owns its own
// subprocess and result.
//
// The zero value works against a PATH-resolved orbctl with default retry
// and timeout settings.
type Connector struct {
	CLIPath    string // defaults to DefaultCLIPath
	StagingDir string // world-writable dir for privileged transfers, defaults to /tmp

	Runner Runner      // defaults to ExecRunner
	Logger *log.Logger // defaults to log.Default()

	MaxRetries     int // defaults to DefaultMaxRetries
	BaseDelay      time.Duration
	CommandTimeout time.Duration
	NetworkTimeout time.Duration

	Observer ExecutionObserver                            // optional
	OnRetry  func(attempt int, reason string)             // optional
	Sleep    func(ctx context.Context, d time.Duration) error // testing hook
}

func (c *Connector) cliPath() string {
	if c.CLIPath != "" {
		return c.CLIPath
	}
	return DefaultCLIPath
}

func (c *Connector) stagingDir() string {
	if c.StagingDir != "" {
		return c.StagingDir
	}
	return "/tmp"
}

func (c *Connector) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func (c *Connector) executor() *Executor {
	return &Executor{
		Runner:         c.Runner,
		Logger:         c.Logger,
		MaxRetries:     c.MaxRetries,
		BaseDelay:      c.BaseDelay,
		CommandTimeout: c.CommandTimeout,
		NetworkTimeout: c.NetworkTimeout,
		OnRetry:        c.OnRetry,
		Sleep:          c.Sleep,
	}
}

// execute runs one request through the retrying executor and notifies the
// observer with the outcome.
func (c *Connector) execute(ctx context.Context, operation, machine string, req ExecutionRequest) (Result, error) {
	start := time.Now()
	res, err := c.executor().Execute(ctx, req)
	if c.Observer != nil {
		rec := ExecutionRecord{
			Operation: operation,
			Machine:   machine,
			Argv:      append([]string(nil), req.Argv...),
			ExitCode:  res.ExitCode,
			Attempts:  res.Attempts,
			Duration:  time.Since(start),
			Success:   err == nil && res.ExitCode == 0,
		}
		if err != nil {
			rec.Error = err.Error()
		}
		c.Observer.ObserveExecution(ctx, rec)
	}
	return res, err
}

// ExecuteCLI runs orbctl with the given arguments through the resilience
// layer. It is the entry point for lifecycle operations that do not target
// a command inside a machine (create, delete, start, stop, ...).
func (c *Connector) ExecuteCLI(ctx context.Context, operation string, args []string, network bool) (Result, error) {
	argv := append([]string{c.cliPath()}, args...)
	return c.execute(ctx, operation, "", ExecutionRequest{Argv: argv, NetworkOperation: network})
}

// RunCommand executes a command inside a machine and reports success plus
// the ordered command output. A missing machine name fails fast without
// spawning a subprocess.
//
// Failures that ran to completion come back as (false, output) carrying
// orbctl's stderr; invocations that never completed (timeout or spawn
// failure after retries) surface as a synthetic stderr line, so the caller
// can still branch on the text.
func (c *Connector) RunCommand(ctx context.Context, machine string, cmd Command, opts Options) (bool, models.CommandOutput) {
	if machine == "" {
		return false, models.CommandOutput{{Stream: "stderr", Line: "VM name not found in host data"}}
	}

	argv := BuildArgv(c.cliPath(), machine, cmd, opts)
	req := ExecutionRequest{
		Argv:             argv,
		MaxRetries:       opts.MaxRetries,
		Timeout:          opts.Timeout,
		NetworkOperation: opts.Network || IsNetworkCommand(cmd),
	}

	res, err := c.execute(ctx, "run", machine, req)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return false, models.CommandOutput{{Stream: "stderr", Line: "Command timed out"}}
		}
		return false, models.CommandOutput{{Stream: "stderr", Line: fmt.Sprintf("Unexpected error: %v", err)}}
	}

	var output models.CommandOutput
	if res.Stdout != "" {
		for _, line := range splitLines(res.Stdout) {
			output = append(output, models.OutputLine{Stream: "stdout", Line: line})
		}
	}
	if res.Stderr != "" {
		for _, line := range splitLines(res.Stderr) {
			output = append(output, models.OutputLine{Stream: "stderr", Line: line})
		}
	}
	return res.ExitCode == 0, output
}

func splitLines(text string) []string {
	return strings.Split(strings.TrimRight(text, "\n"), "\n")
}
