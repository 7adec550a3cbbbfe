package orbstack

import (
	"context"
	"errors"
	"io"
	"log"
	"time"
)

type runnerCall struct {
	name string
	args []string
}

func (c runnerCall) argv() []string {
	return append([]string{c.name}, c.args...)
}

type runnerResponse struct {
	result Result
	err    error
}

// fakeRunner scripts subprocess outcomes and records every invocation.
type fakeRunner struct {
	calls     []runnerCall
	responses []runnerResponse
	// repeatLast keeps serving the final response once the script runs
	// out, for retry-count tests.
	repeatLast bool
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) (Result, error) {
	r.calls = append(r.calls, runnerCall{name: name, args: append([]string(nil), args...)})
	idx := len(r.calls) - 1
	if idx >= len(r.responses) {
		if r.repeatLast && len(r.responses) > 0 {
			resp := r.responses[len(r.responses)-1]
			return resp.result, resp.err
		}
		return Result{}, errors.New("unexpected command call")
	}
	resp := r.responses[idx]
	return resp.result, resp.err
}

func instantSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// newTestConnector wires a connector to a fake runner with silent logging
// and no real backoff sleeps.
func newTestConnector(runner *fakeRunner) *Connector {
	return &Connector{
		Runner: runner,
		Logger: log.New(io.Discard, "", 0),
		Sleep:  instantSleep,
	}
}
