// Package registry tracks VMs created during a session so they can be
// torn down at session end, and sweeps orphans left behind by interrupted
// runs.
//
// The registry is an explicit object handed to whatever creates VMs, not
// ambient state: construct one at session start, register every created
// name, drain it at session end.
package registry

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/orblab/orblab/internal/vmops"
)

// DefaultTestPrefixes identify throwaway VMs by naming convention.
// External sweepers rely on these staying stable.
var DefaultTestPrefixes = []string{
	"test-vm-",
	"e2e-ops-vm-",
	"deploy-test-vm-",
	"consolidated-test-vm-",
	"e2e-test-vm-",
}

// Registry collects VM names for best-effort teardown.
type Registry struct {
	manager *vmops.Manager
	logger  *log.Logger

	mu    sync.Mutex
	names map[string]struct{}
}

// New returns an empty registry draining through the manager.
func New(manager *vmops.Manager, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		manager: manager,
		logger:  logger,
		names:   make(map[string]struct{}),
	}
}

// Register records a VM name for teardown at drain time.
func (r *Registry) Register(name string) {
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[name] = struct{}{}
}

// Unregister removes a name, e.g. after the caller deleted the VM itself.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.names, name)
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.names))
	for name := range r.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Drain force-deletes every registered VM and empties the registry.
// Deletion failures are logged and collected; the drain keeps going so one
// stuck VM cannot strand the rest.
func (r *Registry) Drain(ctx context.Context) error {
	names := r.Names()
	var failed []string
	for _, name := range names {
		if err := r.manager.Delete(ctx, name, true); err != nil {
			r.logger.Printf("failed to delete VM %s: %v", name, err)
			failed = append(failed, name)
			continue
		}
		r.Unregister(name)
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to delete %d of %d VMs: %s", len(failed), len(names), strings.Join(failed, ", "))
	}
	return nil
}

// Sweep force-deletes VMs whose names carry one of the test prefixes.
// With dryRun it only reports what would be deleted. Returns the names
// that were (or would be) deleted.
func (r *Registry) Sweep(ctx context.Context, prefixes []string, dryRun bool) ([]string, error) {
	if len(prefixes) == 0 {
		prefixes = DefaultTestPrefixes
	}
	var matched []string
	for _, vm := range r.manager.List(ctx, "") {
		for _, prefix := range prefixes {
			if strings.Contains(vm.Name, prefix) {
				matched = append(matched, vm.Name)
				break
			}
		}
	}
	if dryRun {
		for _, name := range matched {
			r.logger.Printf("would delete: %s", name)
		}
		return matched, nil
	}

	var deleted []string
	var failed []string
	for _, name := range matched {
		if err := r.manager.Delete(ctx, name, true); err != nil {
			r.logger.Printf("failed to delete VM %s: %v", name, err)
			failed = append(failed, name)
			continue
		}
		deleted = append(deleted, name)
	}
	if len(failed) > 0 {
		return deleted, fmt.Errorf("failed to delete: %s", strings.Join(failed, ", "))
	}
	return deleted, nil
}
