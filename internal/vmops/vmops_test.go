package vmops

import (
	"context"
	"errors"
	"io"
	"log"
	"reflect"
	"testing"
	"time"

	"github.com/orblab/orblab/internal/models"
	"github.com/orblab/orblab/internal/orbstack"
)

type scriptedRunner struct {
	calls      [][]string
	responses  []orbstack.Result
	errs       []error
	repeatLast bool
}

func (r *scriptedRunner) Run(_ context.Context, name string, args ...string) (orbstack.Result, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	idx := len(r.calls) - 1
	if idx >= len(r.responses) {
		if r.repeatLast && len(r.responses) > 0 {
			idx = len(r.responses) - 1
		} else {
			return orbstack.Result{}, errors.New("unexpected command call")
		}
	}
	var err error
	if idx < len(r.errs) {
		err = r.errs[idx]
	}
	return r.responses[idx], err
}

func newTestManager(runner *scriptedRunner) *Manager {
	return NewManager(&orbstack.Connector{
		Runner: runner,
		Logger: log.New(io.Discard, "", 0),
		Sleep:  func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
}

func TestCreateBuildsFullInvocation(t *testing.T) {
	runner := &scriptedRunner{responses: []orbstack.Result{{ExitCode: 0}}}
	mgr := newTestManager(runner)

	err := mgr.Create(context.Background(), CreateOptions{
		Name: "web", Image: "ubuntu:22.04", Arch: "arm64", User: "deploy", Present: true,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	want := []string{"orbctl", "create", "ubuntu:22.04", "web", "--arch", "arm64", "--user", "deploy"}
	if !reflect.DeepEqual(runner.calls[0], want) {
		t.Fatalf("Create() argv = %v, want %v", runner.calls[0], want)
	}
}

func TestCreateIsRetriedAsNetworkOperation(t *testing.T) {
	// Image pulls fail transiently; create retries through the full
	// budget even on an unclassifiable stderr.
	runner := &scriptedRunner{
		responses:  []orbstack.Result{{ExitCode: 1, Stderr: "something odd"}},
		repeatLast: true,
	}
	mgr := newTestManager(runner)

	if err := mgr.Create(context.Background(), CreateOptions{Name: "web", Image: "alpine", Present: true}); err == nil {
		t.Fatal("Create() succeeded, want error")
	}
	if got, want := len(runner.calls), orbstack.DefaultMaxRetries+1; got != want {
		t.Fatalf("attempts = %d, want %d", got, want)
	}
}

func TestCreateAbsentDeletes(t *testing.T) {
	runner := &scriptedRunner{responses: []orbstack.Result{{ExitCode: 0}}}
	mgr := newTestManager(runner)

	if err := mgr.Create(context.Background(), CreateOptions{Name: "web", Present: false}); err != nil {
		t.Fatalf("Create(absent) error = %v", err)
	}
	want := []string{"orbctl", "delete", "-f", "web"}
	if !reflect.DeepEqual(runner.calls[0], want) {
		t.Fatalf("argv = %v, want %v", runner.calls[0], want)
	}
}

func TestCreateValidation(t *testing.T) {
	mgr := newTestManager(&scriptedRunner{})
	if err := mgr.Create(context.Background(), CreateOptions{Present: true, Image: "alpine"}); err == nil {
		t.Fatal("Create() without name succeeded")
	}
	if err := mgr.Create(context.Background(), CreateOptions{Present: true, Name: "x"}); err == nil {
		t.Fatal("Create() without image succeeded")
	}
}

func TestStopForce(t *testing.T) {
	runner := &scriptedRunner{responses: []orbstack.Result{{ExitCode: 0}}}
	mgr := newTestManager(runner)

	if err := mgr.Stop(context.Background(), "web", true); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	want := []string{"orbctl", "stop", "-f", "web"}
	if !reflect.DeepEqual(runner.calls[0], want) {
		t.Fatalf("argv = %v, want %v", runner.calls[0], want)
	}
}

func TestStartAndRestart(t *testing.T) {
	runner := &scriptedRunner{responses: []orbstack.Result{{ExitCode: 0}, {ExitCode: 0}}}
	mgr := newTestManager(runner)

	if err := mgr.Start(context.Background(), "web"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := mgr.Restart(context.Background(), "web"); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	if !reflect.DeepEqual(runner.calls[0], []string{"orbctl", "start", "web"}) {
		t.Fatalf("start argv = %v", runner.calls[0])
	}
	if !reflect.DeepEqual(runner.calls[1], []string{"orbctl", "restart", "web"}) {
		t.Fatalf("restart argv = %v", runner.calls[1])
	}
}

func TestDeleteFailureSurfacesStderr(t *testing.T) {
	runner := &scriptedRunner{
		responses:  []orbstack.Result{{ExitCode: 1, Stderr: "vm is locked"}},
		repeatLast: true,
	}
	mgr := newTestManager(runner)

	err := mgr.Delete(context.Background(), "web", false)
	if err == nil {
		t.Fatal("Delete() succeeded, want error")
	}
	if got := err.Error(); !reflect.DeepEqual(got, "orbctl delete: exit 1: vm is locked") {
		t.Fatalf("error = %q", got)
	}
}

func TestStatusDegradesToUnknown(t *testing.T) {
	runner := &scriptedRunner{
		responses:  []orbstack.Result{{ExitCode: 1, Stderr: "no such vm"}},
		repeatLast: true,
	}
	mgr := newTestManager(runner)

	if got := mgr.Status(context.Background(), "ghost"); got != models.StateUnknown {
		t.Fatalf("Status() = %q, want unknown", got)
	}
}

func TestIPPrefersIPv4(t *testing.T) {
	runner := &scriptedRunner{responses: []orbstack.Result{
		{ExitCode: 0, Stdout: `{"record":{"name":"web","state":"running"},"ip4":"198.19.249.2","ip6":"fd07::2"}`},
	}}
	mgr := newTestManager(runner)

	ip, err := mgr.IP(context.Background(), "web")
	if err != nil {
		t.Fatalf("IP() error = %v", err)
	}
	if ip != "198.19.249.2" {
		t.Fatalf("IP() = %q", ip)
	}
}

func TestNetworkInfoReturnsBothAddresses(t *testing.T) {
	runner := &scriptedRunner{responses: []orbstack.Result{
		{ExitCode: 0, Stdout: `{"record":{"name":"web","state":"running"},"ip4":"198.19.249.2","ip6":"fd07::2"}`},
	}}
	mgr := newTestManager(runner)

	ip4, ip6, err := mgr.NetworkInfo(context.Background(), "web")
	if err != nil {
		t.Fatalf("NetworkInfo() error = %v", err)
	}
	if ip4 != "198.19.249.2" || ip6 != "fd07::2" {
		t.Fatalf("NetworkInfo() = %q, %q", ip4, ip6)
	}
}

func TestIPFallsBackToIPv6(t *testing.T) {
	runner := &scriptedRunner{responses: []orbstack.Result{
		{ExitCode: 0, Stdout: `{"record":{"name":"web","state":"running"},"ip4":"","ip6":"fd07::2"}`},
	}}
	mgr := newTestManager(runner)

	ip, err := mgr.IP(context.Background(), "web")
	if err != nil {
		t.Fatalf("IP() error = %v", err)
	}
	if ip != "fd07::2" {
		t.Fatalf("IP() = %q", ip)
	}
}
