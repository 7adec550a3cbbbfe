package orbstack

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
)

// stagingPrefix names the temp files used for privileged transfers. The
// prefix is fixed so external sweepers can find orphans left behind by
// crashed runs.
const stagingPrefix = "orblab-transfer-"

// stagingPath returns a collision-resistant temp path on the machine.
// Concurrent transfers to the same machine must not collide, hence the
// random suffix.
func (c *Connector) stagingPath() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; satisfy the
		// error path anyway.
		panic(fmt.Sprintf("read random bytes: %v", err))
	}
	return path.Join(c.stagingDir(), stagingPrefix+hex.EncodeToString(buf))
}

// PutFile uploads a local file into a machine. Without sudo this is a
// single orbctl push. With sudo the push stages through a world-readable
// temp path and a privileged move, because orbctl push cannot write into
// privileged-only destinations directly.
func (c *Connector) PutFile(ctx context.Context, machine, local, remote string, opts Options) bool {
	if machine == "" {
		return false
	}
	if !opts.Sudo {
		return c.push(ctx, machine, local, remote)
	}

	staging := c.stagingPath()
	if !c.push(ctx, machine, local, staging) {
		return false
	}

	mv := fmt.Sprintf("mv %s %s", shellQuote(staging), shellQuote(remote))
	if ok, _ := c.RunCommand(ctx, machine, Shell(mv), Options{Sudo: true, SudoUser: opts.SudoUser}); !ok {
		c.logger().Printf("error moving %s to %s on VM %s", staging, remote, machine)
		c.removeStaging(ctx, machine, staging, false)
		return false
	}

	if opts.Mode != "" {
		chmod := fmt.Sprintf("chmod %s %s", opts.Mode, shellQuote(remote))
		if ok, out := c.RunCommand(ctx, machine, Shell(chmod), Options{Sudo: true}); !ok {
			// Best-effort: the file is in place, only its mode is off.
			c.logger().Printf("warning: chmod %s %s failed on VM %s: %s", opts.Mode, remote, machine, strings.Join(out.StderrLines(), " "))
		}
	}
	return true
}

// GetFile downloads a file from a machine. Without sudo this is a single
// orbctl pull. With sudo the file is first copied to a readable temp path
// under privilege, pulled, and the temp copy removed.
func (c *Connector) GetFile(ctx context.Context, machine, remote, local string, opts Options) bool {
	if machine == "" {
		return false
	}
	if !opts.Sudo {
		return c.pull(ctx, machine, remote, local)
	}

	staging := c.stagingPath()
	cp := fmt.Sprintf("cp %s %s", shellQuote(remote), shellQuote(staging))
	if ok, _ := c.RunCommand(ctx, machine, Shell(cp), Options{Sudo: true, SudoUser: opts.SudoUser}); !ok {
		c.logger().Printf("error copying %s to %s on VM %s", remote, staging, machine)
		return false
	}

	// Make the staged copy world-readable for the unprivileged pull. A
	// chmod failure is logged, not fatal: the pull below surfaces the
	// problem as an ordinary failed transfer.
	chmod := fmt.Sprintf("chmod 644 %s", shellQuote(staging))
	if ok, out := c.RunCommand(ctx, machine, Shell(chmod), Options{Sudo: true}); !ok {
		c.logger().Printf("warning: chmod 644 %s failed on VM %s: %s", staging, machine, strings.Join(out.StderrLines(), " "))
	}

	pulled := c.pull(ctx, machine, staging, local)
	c.removeStaging(ctx, machine, staging, true)
	return pulled
}

func (c *Connector) push(ctx context.Context, machine, local, remote string) bool {
	res, err := c.execute(ctx, "push", machine, ExecutionRequest{
		Argv: []string{c.cliPath(), "push", "-m", machine, local, remote},
	})
	if err != nil {
		c.logger().Printf("error uploading file to VM %s: %v", machine, err)
		return false
	}
	if res.ExitCode != 0 {
		c.logger().Printf("error uploading file to VM %s: exit %d: %s", machine, res.ExitCode, strings.TrimSpace(res.Stderr))
		return false
	}
	return true
}

func (c *Connector) pull(ctx context.Context, machine, remote, local string) bool {
	res, err := c.execute(ctx, "pull", machine, ExecutionRequest{
		Argv: []string{c.cliPath(), "pull", "-m", machine, remote, local},
	})
	if err != nil {
		c.logger().Printf("error downloading file from VM %s: %v", machine, err)
		return false
	}
	if res.ExitCode != 0 {
		c.logger().Printf("error downloading file from VM %s: exit %d: %s", machine, res.ExitCode, strings.TrimSpace(res.Stderr))
		return false
	}
	return true
}

// removeStaging cleans up a staging path, best-effort. Sudo removal is
// needed when a privileged step created or chowned the file.
func (c *Connector) removeStaging(ctx context.Context, machine, staging string, sudo bool) {
	rm := fmt.Sprintf("rm -f %s", shellQuote(staging))
	if ok, _ := c.RunCommand(ctx, machine, Shell(rm), Options{Sudo: sudo}); !ok {
		c.logger().Printf("warning: failed to clean up %s on VM %s", staging, machine)
	}
}
