package orbstack

import (
	"fmt"
	"strings"
	"time"
)

// Command is the closed set of shapes a caller-supplied command can take.
// Exactly three shapes exist; BuildArgv resolves them with an exhaustive
// type switch so a fourth shape is a compile-time-visible change.
//
//   - ShellCommand: plain text, always wrapped as "sh -c <text>"
//   - WrappedCommand: a pre-built shell invocation such as ["sh","-c",...]
//   - ArgvCommand: literal tokens, passed through with no shell wrapping
type Command interface {
	isCommand()
	// text returns the textual form used for network classification.
	text() string
}

// ShellCommand is plain command text to be interpreted by a shell on the
// target machine.
type ShellCommand string

// WrappedCommand is a shell invocation the caller already assembled, e.g.
// ["sh", "-c", "echo hi"]. A single-part wrapped command is treated like
// plain text and re-wrapped.
type WrappedCommand []string

// ArgvCommand is a pre-split argument list executed without any shell.
type ArgvCommand []string

func (ShellCommand) isCommand()   {}
func (WrappedCommand) isCommand() {}
func (ArgvCommand) isCommand()    {}

func (c ShellCommand) text() string   { return string(c) }
func (c WrappedCommand) text() string { return strings.Join(c, " ") }
func (c ArgvCommand) text() string    { return strings.Join(c, " ") }

// Shell builds a plain-text command.
func Shell(text string) Command { return ShellCommand(text) }

// Wrapped builds a pre-wrapped shell invocation from its parts.
func Wrapped(parts ...string) Command { return WrappedCommand(parts) }

// Argv builds a literal argument-list command.
func Argv(tokens ...string) Command { return ArgvCommand(tokens) }

// networkMarkers flag commands that are likely to hit the network and so
// deserve the longer timeout and unconditional retries.
var networkMarkers = []string{
	"create",
	"download",
	"pull",
	"fetch",
	"wget",
	"curl",
	"apt",
	"yum",
	"dnf",
}

// IsNetworkCommand reports whether the command's textual form contains a
// network-heavy marker. The scan is case-insensitive and independent of how
// the command ends up wrapped.
func IsNetworkCommand(cmd Command) bool {
	if cmd == nil {
		return false
	}
	text := strings.ToLower(cmd.text())
	for _, marker := range networkMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// Options carries per-call execution settings recognized by the connector.
type Options struct {
	Sudo     bool
	SudoUser string
	User     string // target user passed to orbctl run -u
	Workdir  string
	Mode     string // chmod mode for privileged file uploads, e.g. "755"
	// Network forces network-operation handling (longer timeout,
	// unconditional retries) even when the command text carries no marker.
	Network bool
	Timeout time.Duration
	// MaxRetries overrides the executor default when non-nil; zero means
	// no retries.
	MaxRetries *int
}

// BuildArgv produces the exact orbctl invocation for a command on a
// machine. It never fails; malformed input degrades to best-effort
// stringification.
//
// Sudo tokens are always inserted before the wrapped command, never inside
// the sh -c text. Wrapping first and escalating second keeps a leading "!"
// (logical negation) out of reach of any history-expansion machinery.
func BuildArgv(cliPath, machine string, cmd Command, opts Options) []string {
	if cliPath == "" {
		cliPath = DefaultCLIPath
	}
	argv := []string{cliPath, "run", "-m", machine}
	if opts.User != "" {
		argv = append(argv, "-u", opts.User)
	}
	if opts.Workdir != "" {
		argv = append(argv, "-w", opts.Workdir)
	}
	return append(argv, wrapCommand(cmd, opts)...)
}

// wrapCommand resolves the command shape and applies sudo prefixing.
func wrapCommand(cmd Command, opts Options) []string {
	var tokens []string
	if opts.Sudo {
		tokens = append(tokens, "sudo", "-H")
		if opts.SudoUser != "" {
			tokens = append(tokens, "-u", opts.SudoUser)
		}
	}
	switch c := cmd.(type) {
	case ShellCommand:
		tokens = append(tokens, "sh", "-c", string(c))
	case WrappedCommand:
		switch len(c) {
		case 0:
			tokens = append(tokens, "sh", "-c", "")
		case 1:
			// Single-part invocations still need real shell semantics
			// (pipes, &&, negation), so they get the same wrapping as
			// plain text.
			tokens = append(tokens, "sh", "-c", c[0])
		default:
			tokens = append(tokens, c...)
		}
	case ArgvCommand:
		tokens = append(tokens, c...)
	default:
		tokens = append(tokens, "sh", "-c", fmt.Sprint(cmd))
	}
	return tokens
}

// shellQuote single-quotes a string for safe embedding in sh -c text.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n\"'`$\\|&;<>()*?[]#~=%!{}") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
