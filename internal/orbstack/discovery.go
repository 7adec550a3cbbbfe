package orbstack

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/orblab/orblab/internal/models"
)

// listEntry mirrors one element of orbctl's list -f json output. Every
// nested field is optional; absent values decode to empty strings.
type listEntry struct {
	Name  string `json:"name"`
	ID    string `json:"id"`
	State string `json:"state"`
	Image struct {
		Distro  string `json:"distro"`
		Version string `json:"version"`
		Arch    string `json:"arch"`
	} `json:"image"`
	Config struct {
		DefaultUsername string `json:"default_username"`
	} `json:"config"`
}

func (e listEntry) machine() models.Machine {
	return models.Machine{
		Name:            e.Name,
		ID:              e.ID,
		State:           models.ParseMachineState(e.State),
		RawState:        e.State,
		Distro:          e.Image.Distro,
		Version:         e.Image.Version,
		Arch:            e.Image.Arch,
		DefaultUsername: e.Config.DefaultUsername,
	}
}

// List discovers machines from orbctl's JSON inventory. A non-empty
// nameFilter keeps only the machine with that exact name; the filtering is
// client-side because orbctl has no filter flag.
//
// Discovery never returns an error: a failed or unparseable list call is
// logged and yields an empty result, since deployment callers treat the
// inventory as best-effort.
func (c *Connector) List(ctx context.Context, nameFilter string) []models.Machine {
	res, err := c.execute(ctx, "list", "", ExecutionRequest{
		Argv: []string{c.cliPath(), "list", "-f", "json"},
	})
	if err != nil {
		c.logger().Printf("error listing OrbStack VMs: %v", err)
		return nil
	}
	if res.ExitCode != 0 {
		c.logger().Printf("error listing OrbStack VMs: exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
		return nil
	}

	var entries []listEntry
	if err := json.Unmarshal([]byte(res.Stdout), &entries); err != nil {
		// Silent data loss otherwise: an empty inventory is
		// indistinguishable from a parse failure to the caller.
		c.logger().Printf("error parsing OrbStack VM list: %v", err)
		return nil
	}

	machines := make([]models.Machine, 0, len(entries))
	for _, entry := range entries {
		if nameFilter != "" && entry.Name != nameFilter {
			continue
		}
		machines = append(machines, entry.machine())
	}
	return machines
}

// HostEntry is one discovered host in the form deployment inventories
// consume: a name, an attribute map, and ordered group tags.
type HostEntry struct {
	Name   string
	Data   map[string]any
	Groups []string
}

// Discover projects the machine inventory into host entries, optionally
// filtered by exact name.
func (c *Connector) Discover(ctx context.Context, nameFilter string) []HostEntry {
	machines := c.List(ctx, nameFilter)
	hosts := make([]HostEntry, 0, len(machines))
	for _, m := range machines {
		hosts = append(hosts, HostEntry{
			Name:   m.Name,
			Data:   m.Attributes(),
			Groups: m.GroupTags(),
		})
	}
	return hosts
}
