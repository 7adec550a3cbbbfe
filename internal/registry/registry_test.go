package registry

import (
	"context"
	"errors"
	"io"
	"log"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/orblab/orblab/internal/orbstack"
	"github.com/orblab/orblab/internal/vmops"
)

// stubRunner answers orbctl list with a fixed inventory and records every
// delete it sees. Deletes of names in failNames exit non-zero.
type stubRunner struct {
	listJSON  string
	deleted   []string
	failNames map[string]bool
}

func (r *stubRunner) Run(_ context.Context, _ string, args ...string) (orbstack.Result, error) {
	switch args[0] {
	case "list":
		return orbstack.Result{ExitCode: 0, Stdout: r.listJSON}, nil
	case "delete":
		name := args[len(args)-1]
		if r.failNames[name] {
			return orbstack.Result{ExitCode: 1, Stderr: "vm is locked"}, nil
		}
		r.deleted = append(r.deleted, name)
		return orbstack.Result{ExitCode: 0}, nil
	default:
		return orbstack.Result{}, errors.New("unexpected command")
	}
}

func newTestRegistry(runner *stubRunner) *Registry {
	conn := &orbstack.Connector{
		Runner: runner,
		Logger: log.New(io.Discard, "", 0),
		Sleep:  func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	}
	return New(vmops.NewManager(conn), log.New(io.Discard, "", 0))
}

func TestRegisterAndNames(t *testing.T) {
	reg := newTestRegistry(&stubRunner{})
	reg.Register("b")
	reg.Register("a")
	reg.Register("a") // duplicate
	reg.Register("")  // ignored

	if got := reg.Names(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("Names() = %v", got)
	}
	reg.Unregister("a")
	if got := reg.Names(); !reflect.DeepEqual(got, []string{"b"}) {
		t.Fatalf("Names() after Unregister = %v", got)
	}
}

func TestDrainDeletesAllRegistered(t *testing.T) {
	runner := &stubRunner{}
	reg := newTestRegistry(runner)
	reg.Register("test-vm-1")
	reg.Register("test-vm-2")

	if err := reg.Drain(context.Background()); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if !reflect.DeepEqual(runner.deleted, []string{"test-vm-1", "test-vm-2"}) {
		t.Fatalf("deleted = %v", runner.deleted)
	}
	if len(reg.Names()) != 0 {
		t.Fatalf("registry not empty after drain: %v", reg.Names())
	}
}

func TestDrainKeepsGoingOnFailure(t *testing.T) {
	runner := &stubRunner{failNames: map[string]bool{"test-vm-1": true}}
	reg := newTestRegistry(runner)
	reg.Register("test-vm-1")
	reg.Register("test-vm-2")

	err := reg.Drain(context.Background())
	if err == nil {
		t.Fatal("Drain() succeeded, want error")
	}
	if !strings.Contains(err.Error(), "test-vm-1") {
		t.Fatalf("Drain() error = %v", err)
	}
	// The healthy VM was still deleted; the stuck one stays registered.
	if !reflect.DeepEqual(runner.deleted, []string{"test-vm-2"}) {
		t.Fatalf("deleted = %v", runner.deleted)
	}
	if got := reg.Names(); !reflect.DeepEqual(got, []string{"test-vm-1"}) {
		t.Fatalf("Names() = %v", got)
	}
}

const sweepInventory = `[
  {"name":"test-vm-abc","state":"stopped"},
  {"name":"production-db","state":"running"},
  {"name":"e2e-test-vm-7","state":"running"},
  {"name":"web","state":"running"}
]`

func TestSweepMatchesPrefixes(t *testing.T) {
	runner := &stubRunner{listJSON: sweepInventory}
	reg := newTestRegistry(runner)

	deleted, err := reg.Sweep(context.Background(), nil, false)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	want := []string{"test-vm-abc", "e2e-test-vm-7"}
	if !reflect.DeepEqual(deleted, want) {
		t.Fatalf("Sweep() deleted = %v, want %v", deleted, want)
	}
	if !reflect.DeepEqual(runner.deleted, want) {
		t.Fatalf("runner deleted = %v, want %v", runner.deleted, want)
	}
}

func TestSweepDryRunDeletesNothing(t *testing.T) {
	runner := &stubRunner{listJSON: sweepInventory}
	reg := newTestRegistry(runner)

	matched, err := reg.Sweep(context.Background(), nil, true)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if len(matched) != 2 {
		t.Fatalf("Sweep(dry-run) matched %v", matched)
	}
	if len(runner.deleted) != 0 {
		t.Fatalf("dry run deleted %v", runner.deleted)
	}
}

func TestSweepCustomPrefix(t *testing.T) {
	runner := &stubRunner{listJSON: sweepInventory}
	reg := newTestRegistry(runner)

	deleted, err := reg.Sweep(context.Background(), []string{"production-"}, false)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if !reflect.DeepEqual(deleted, []string{"production-db"}) {
		t.Fatalf("deleted = %v", deleted)
	}
}
