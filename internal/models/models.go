// Package models provides data structures and constants for orblab.
//
// This package contains the core domain models used throughout orblab:
//   - Machine: An OrbStack VM as reported by the orbctl list/info output
//   - MachineState: Coarse run state derived from orbctl's free-text status
//   - CommandOutput: Ordered (stream, line) pairs from a remote command
//
// All models are constructed fresh from orbctl JSON on every call and carry
// no identity beyond their field values.
package models

import "strings"

// MachineState represents the run state of an OrbStack VM.
//
// orbctl reports state as free text; anything that is not a recognized
// value maps to StateUnknown rather than failing.
type MachineState string

const (
	// StateRunning indicates the VM is currently running.
	StateRunning MachineState = "running"
	// StateStopped indicates the VM is stopped.
	StateStopped MachineState = "stopped"
	// StateUnknown indicates the VM state could not be determined.
	StateUnknown MachineState = "unknown"
)

// ParseMachineState maps orbctl's free-text state field onto a MachineState.
// Unrecognized values become StateUnknown, never an error.
func ParseMachineState(raw string) MachineState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "running":
		return StateRunning
	case "stopped":
		return StateStopped
	default:
		return StateUnknown
	}
}

// Machine represents one OrbStack VM discovered from orbctl list output.
//
// Fields that orbctl omits are empty strings, never absent, so callers can
// index the attribute map without nil checks.
type Machine struct {
	Name            string
	ID              string
	State           MachineState
	RawState        string // orbctl's original state text, pre-normalization
	Distro          string
	Version         string
	Arch            string
	DefaultUsername string
}

// GroupTags returns the ordered group memberships derived from the machine.
//
// The base tag is always present. The run-state, architecture, and distro
// tags are each computed independently, so a missing field suppresses only
// its own tag.
func (m Machine) GroupTags() []string {
	tags := []string{"orbstack"}
	switch m.RawState {
	case "running":
		tags = append(tags, "orbstack_running")
	case "stopped":
		tags = append(tags, "orbstack_stopped")
	}
	switch m.Arch {
	case "arm64":
		tags = append(tags, "orbstack_arm64")
	case "amd64":
		tags = append(tags, "orbstack_amd64")
	}
	if m.Distro != "" {
		tags = append(tags, "orbstack_"+m.Distro)
	}
	return tags
}

// Attributes returns the caller-facing attribute map for the machine,
// matching the keys deployment inventories expect.
func (m Machine) Attributes() map[string]any {
	return map[string]any{
		"orbstack_vm": true,
		"vm_name":     m.Name,
		"vm_id":       m.ID,
		"vm_status":   m.statusOrUnknown(),
		"vm_distro":   m.Distro,
		"vm_version":  m.Version,
		"vm_arch":     m.Arch,
		"vm_username": m.DefaultUsername,
	}
}

func (m Machine) statusOrUnknown() string {
	if m.RawState == "" {
		return string(StateUnknown)
	}
	return m.RawState
}

// OutputLine is a single line of command output tagged with its source
// stream ("stdout" or "stderr").
type OutputLine struct {
	Stream string
	Line   string
}

// CommandOutput is the ordered sequence of output lines from one remote
// command. Order is preserved within each stream; interleaving across
// streams is not reconstructed.
type CommandOutput []OutputLine

// StdoutLines returns the stdout lines in order.
func (o CommandOutput) StdoutLines() []string {
	return o.lines("stdout")
}

// StderrLines returns the stderr lines in order.
func (o CommandOutput) StderrLines() []string {
	return o.lines("stderr")
}

func (o CommandOutput) lines(stream string) []string {
	var out []string
	for _, line := range o {
		if line.Stream == stream {
			out = append(out, line.Line)
		}
	}
	return out
}

// Contains reports whether any line, on either stream, contains substr.
func (o CommandOutput) Contains(substr string) bool {
	for _, line := range o {
		if strings.Contains(line.Line, substr) {
			return true
		}
	}
	return false
}

// String joins all lines with newlines in stream-grouped order.
func (o CommandOutput) String() string {
	parts := make([]string, 0, len(o))
	for _, line := range o {
		parts = append(parts, line.Line)
	}
	return strings.Join(parts, "\n")
}
