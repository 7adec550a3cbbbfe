package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/orblab/orblab/internal/buildinfo"
)

const usageText = `orblab drives OrbStack Linux VMs through the orbctl CLI.

Usage:
  orblab --version
  orblab [--config PATH] [--json] list [--filter <name>]
  orblab [--config PATH] [--json] info <machine>
  orblab [--config PATH] connect <machine>
  orblab [--config PATH] run <machine> <command...> [--sudo] [--sudo-user <user>] [--user <user>] [--workdir <dir>] [--network] [--retries <n>]
  orblab [--config PATH] push <machine> <local> <remote> [--sudo] [--mode <octal>]
  orblab [--config PATH] pull <machine> <remote> <local> [--sudo]
  orblab [--config PATH] vm create <name> --image <distro[:version]> [--arch <arch>] [--user <user>]
  orblab [--config PATH] vm delete <name> [--force]
  orblab [--config PATH] vm start <name>
  orblab [--config PATH] vm stop <name> [--force]
  orblab [--config PATH] vm restart <name>
  orblab [--config PATH] [--json] history [--machine <name>] [--limit <n>]
  orblab [--config PATH] cleanup [--dry-run] [--prefix <p>]...
  orblab [--config PATH] serve-metrics [--listen <addr>] [--interval <dur>]

Global Flags:
  --config PATH   Path to config file (default ~/.orblab/config.yaml)
  --json          Output json
  --verbose       Log orbctl invocations to stderr
`

type globalOptions struct {
	configPath  string
	jsonOutput  bool
	verbose     bool
	showVersion bool
}

func main() {
	opts, args, err := parseGlobal(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		printUsage()
		os.Exit(2)
	}
	if opts.showVersion {
		fmt.Println(buildinfo.String())
		return
	}
	if len(args) == 0 || isHelpToken(args[0]) {
		printUsage()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	base := commonFlags{configPath: opts.configPath, jsonOutput: opts.jsonOutput, verbose: opts.verbose}
	if err := dispatch(ctx, args, base); err != nil {
		if errors.Is(err, errHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseGlobal(args []string) (globalOptions, []string, error) {
	var opts globalOptions
	fs := flag.NewFlagSet("orblab", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.configPath, "config", os.Getenv("ORBLAB_CONFIG"), "path to config file")
	fs.BoolVar(&opts.jsonOutput, "json", false, jsonFlagDescription)
	fs.BoolVar(&opts.verbose, "verbose", false, "log orbctl invocations to stderr")
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return opts, nil, err
	}
	return opts, fs.Args(), nil
}

func dispatch(ctx context.Context, args []string, base commonFlags) error {
	switch args[0] {
	case "list":
		return runList(ctx, args[1:], base)
	case "info":
		return runInfo(ctx, args[1:], base)
	case "connect":
		return runConnect(ctx, args[1:], base)
	case "run":
		return runRun(ctx, args[1:], base)
	case "push":
		return runPush(ctx, args[1:], base)
	case "pull":
		return runPull(ctx, args[1:], base)
	case "vm":
		return runVMCommand(ctx, args[1:], base)
	case "history":
		return runHistory(ctx, args[1:], base)
	case "cleanup":
		return runCleanup(ctx, args[1:], base)
	case "serve-metrics":
		return runServeMetrics(ctx, args[1:], base)
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage() {
	_, _ = fmt.Fprint(os.Stdout, usageText)
}

func printListUsage() {
	fmt.Fprintln(os.Stdout, "Usage: orblab list [--filter <name>]")
}

func printInfoUsage() {
	fmt.Fprintln(os.Stdout, "Usage: orblab info <machine>")
}

func printConnectUsage() {
	fmt.Fprintln(os.Stdout, "Usage: orblab connect <machine>")
	fmt.Fprintln(os.Stdout, "Note: starts the machine when it is not already running.")
}

func printRunUsage() {
	fmt.Fprintln(os.Stdout, "Usage: orblab run <machine> <command...> [--sudo] [--sudo-user <user>] [--user <user>] [--workdir <dir>] [--network] [--retries <n>]")
	fmt.Fprintln(os.Stdout, "Note: --network retries on any failure and uses the longer network timeout.")
}

func printPushUsage() {
	fmt.Fprintln(os.Stdout, "Usage: orblab push <machine> <local> <remote> [--sudo] [--mode <octal>]")
}

func printPullUsage() {
	fmt.Fprintln(os.Stdout, "Usage: orblab pull <machine> <remote> <local> [--sudo]")
}

func printVMUsage() {
	fmt.Fprintln(os.Stdout, "Usage: orblab vm <create|delete|start|stop|restart> <name> [flags]")
}

func printVMCreateUsage() {
	fmt.Fprintln(os.Stdout, "Usage: orblab vm create <name> --image <distro[:version]> [--arch <arch>] [--user <user>]")
}

func printVMDeleteUsage() {
	fmt.Fprintln(os.Stdout, "Usage: orblab vm delete <name> [--force]")
}

func printVMStopUsage() {
	fmt.Fprintln(os.Stdout, "Usage: orblab vm stop <name> [--force]")
}

func printHistoryUsage() {
	fmt.Fprintln(os.Stdout, "Usage: orblab history [--machine <name>] [--limit <n>]")
	fmt.Fprintln(os.Stdout, "Note: requires journal_path to be set in the config.")
}

func printCleanupUsage() {
	fmt.Fprintln(os.Stdout, "Usage: orblab cleanup [--dry-run] [--prefix <p>]...")
	fmt.Fprintln(os.Stdout, "Note: deletes VMs whose names match the test prefixes.")
}

func printServeMetricsUsage() {
	fmt.Fprintln(os.Stdout, "Usage: orblab serve-metrics [--listen <addr>] [--interval <dur>]")
	fmt.Fprintln(os.Stdout, "Note: polls machine states and serves Prometheus metrics until interrupted.")
}

func isHelpToken(value string) bool {
	switch strings.TrimSpace(value) {
	case "help", "-h", "--help":
		return true
	default:
		return false
	}
}
