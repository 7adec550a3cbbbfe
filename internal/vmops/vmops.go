// Package vmops provides OrbStack VM lifecycle operations on top of the
// execution core: create, delete, start, stop, restart, and info queries.
//
// Creation pulls images over the network and is classified accordingly, so
// it gets the long timeout and unconditional retries.
package vmops

import (
	"context"
	"fmt"
	"strings"

	"github.com/orblab/orblab/internal/models"
	"github.com/orblab/orblab/internal/orbstack"
)

// Manager executes lifecycle operations through a connector.
type Manager struct {
	Conn *orbstack.Connector
}

// NewManager returns a Manager bound to the connector.
func NewManager(conn *orbstack.Connector) *Manager {
	return &Manager{Conn: conn}
}

// CreateOptions describes a VM to create or ensure absent.
type CreateOptions struct {
	Name  string
	Image string // image/distro reference, e.g. "ubuntu:22.04" or "alpine"
	Arch  string // optional: arm64 or amd64
	User  string // optional default username
	// Present false turns the call into a forced delete, mirroring
	// declarative create-or-ensure semantics.
	Present bool
}

// Create creates a VM, or deletes it when opts.Present is false.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) error {
	if !opts.Present {
		return m.Delete(ctx, opts.Name, true)
	}
	if opts.Name == "" {
		return fmt.Errorf("vm name is required")
	}
	if opts.Image == "" {
		return fmt.Errorf("vm image is required")
	}
	args := []string{"create", opts.Image, opts.Name}
	if opts.Arch != "" {
		args = append(args, "--arch", opts.Arch)
	}
	if opts.User != "" {
		args = append(args, "--user", opts.User)
	}
	return m.run(ctx, "create", args, true)
}

// Delete removes a VM. With force the CLI skips its confirmation prompt.
func (m *Manager) Delete(ctx context.Context, name string, force bool) error {
	if name == "" {
		return fmt.Errorf("vm name is required")
	}
	args := []string{"delete"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, name)
	return m.run(ctx, "delete", args, false)
}

// Start starts a VM.
func (m *Manager) Start(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("vm name is required")
	}
	return m.run(ctx, "start", []string{"start", name}, false)
}

// Stop stops a VM, forcibly when requested.
func (m *Manager) Stop(ctx context.Context, name string, force bool) error {
	if name == "" {
		return fmt.Errorf("vm name is required")
	}
	args := []string{"stop"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, name)
	return m.run(ctx, "stop", args, false)
}

// Restart restarts a VM.
func (m *Manager) Restart(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("vm name is required")
	}
	return m.run(ctx, "restart", []string{"restart", name}, false)
}

// Info returns the parsed record for one VM.
func (m *Manager) Info(ctx context.Context, name string) (orbstack.MachineInfo, error) {
	return m.Conn.Info(ctx, name)
}

// Status returns the VM run state; lookup failures degrade to unknown.
func (m *Manager) Status(ctx context.Context, name string) models.MachineState {
	info, err := m.Conn.Info(ctx, name)
	if err != nil {
		return models.StateUnknown
	}
	return info.State
}

// IP returns the VM's address, preferring IPv4.
func (m *Manager) IP(ctx context.Context, name string) (string, error) {
	info, err := m.Conn.Info(ctx, name)
	if err != nil {
		return "", err
	}
	if info.IP4 != "" {
		return info.IP4, nil
	}
	if info.IP6 != "" {
		return info.IP6, nil
	}
	return "", fmt.Errorf("no address reported for vm %s", name)
}

// NetworkInfo returns both addresses for a VM; either may be empty.
func (m *Manager) NetworkInfo(ctx context.Context, name string) (ip4, ip6 string, err error) {
	info, err := m.Conn.Info(ctx, name)
	if err != nil {
		return "", "", err
	}
	return info.IP4, info.IP6, nil
}

// List returns the machine inventory, optionally filtered by exact name.
func (m *Manager) List(ctx context.Context, nameFilter string) []models.Machine {
	return m.Conn.List(ctx, nameFilter)
}

func (m *Manager) run(ctx context.Context, operation string, args []string, network bool) error {
	res, err := m.Conn.ExecuteCLI(ctx, operation, args, network)
	if err != nil {
		return fmt.Errorf("orbctl %s: %w", operation, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("orbctl %s: exit %d: %s", operation, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}
