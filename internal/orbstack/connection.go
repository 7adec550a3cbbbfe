package orbstack

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/orblab/orblab/internal/models"
)

// MachineInfo is the parsed orbctl info record for one machine.
type MachineInfo struct {
	Name     string
	State    models.MachineState
	RawState string
	IP4      string
	IP6      string
}

// infoResponse mirrors orbctl info -f json. The interesting fields sit
// under "record"; addresses are top-level.
type infoResponse struct {
	Record struct {
		Name  string `json:"name"`
		State string `json:"state"`
	} `json:"record"`
	IP4 string `json:"ip4"`
	IP6 string `json:"ip6"`
}

// Info queries a single machine's record.
func (c *Connector) Info(ctx context.Context, machine string) (MachineInfo, error) {
	if machine == "" {
		return MachineInfo{}, fmt.Errorf("machine name is required")
	}
	res, err := c.execute(ctx, "info", machine, ExecutionRequest{
		Argv: []string{c.cliPath(), "info", machine, "-f", "json"},
	})
	if err != nil {
		return MachineInfo{}, err
	}
	if res.ExitCode != 0 {
		return MachineInfo{}, fmt.Errorf("orbctl info %s: exit %d: %s", machine, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	var resp infoResponse
	if err := json.Unmarshal([]byte(res.Stdout), &resp); err != nil {
		return MachineInfo{}, fmt.Errorf("parse orbctl info %s: %w", machine, err)
	}
	info := MachineInfo{
		Name:     resp.Record.Name,
		State:    models.ParseMachineState(resp.Record.State),
		RawState: resp.Record.State,
		IP4:      resp.IP4,
		IP6:      resp.IP6,
	}
	if info.Name == "" {
		info.Name = machine
	}
	return info, nil
}

// Connect verifies a machine is reachable, starting it when stopped.
//
// The start is optimistic: a zero exit from orbctl start counts as
// connected without re-polling the machine state. Failures of any kind
// report false rather than an error because deployment callers branch on a
// plain connected/not-connected signal.
func (c *Connector) Connect(ctx context.Context, machine string) bool {
	if machine == "" {
		return false
	}

	info, err := c.Info(ctx, machine)
	if err != nil {
		c.logger().Printf("error connecting to VM %s: %v", machine, err)
		return false
	}
	if info.State == models.StateRunning {
		return true
	}

	res, err := c.execute(ctx, "start", machine, ExecutionRequest{
		Argv: []string{c.cliPath(), "start", machine},
	})
	if err != nil {
		c.logger().Printf("error starting VM %s: %v", machine, err)
		return false
	}
	if res.ExitCode != 0 {
		c.logger().Printf("error starting VM %s: exit %d: %s", machine, res.ExitCode, strings.TrimSpace(res.Stderr))
		return false
	}
	return true
}

// Disconnect is a no-op. Every command is its own subprocess,
// so there is no session state to tear down.
func (c *Connector) Disconnect() {}
