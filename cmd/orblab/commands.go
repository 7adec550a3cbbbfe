package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/orblab/orblab/internal/config"
	"github.com/orblab/orblab/internal/journal"
	"github.com/orblab/orblab/internal/orbstack"
	"github.com/orblab/orblab/internal/registry"
	"github.com/orblab/orblab/internal/timing"
	"github.com/orblab/orblab/internal/vmops"
)

const (
	defaultHistoryLimit = 20
	defaultPollInterval = 30 * time.Second
	jsonFlagDescription = "output json"
)

var errHelp = errors.New("help requested")

type commonFlags struct {
	configPath string
	jsonOutput bool
	verbose    bool
}

func (c *commonFlags) bind(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", c.configPath, "path to config file")
	fs.BoolVar(&c.jsonOutput, "json", c.jsonOutput, jsonFlagDescription)
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string, usage func(), help *bool) error {
	fs.Usage = usage
	if err := fs.Parse(args); err != nil {
		usage()
		return err
	}
	if help != nil && *help {
		usage()
		return errHelp
	}
	return nil
}

// app bundles the connector and its observers for one CLI invocation.
type app struct {
	cfg     config.Config
	logger  *log.Logger
	conn    *orbstack.Connector
	manager *vmops.Manager
	store   *journal.Store
	metrics *timing.Metrics
}

func newApp(base commonFlags) (*app, error) {
	cfg, err := config.Load(base.configPath)
	if err != nil {
		return nil, err
	}

	logWriter := io.Discard
	if base.verbose {
		logWriter = os.Stderr
	}
	logger := log.New(logWriter, "orblab: ", 0)

	if _, statErr := os.Stat(cfg.ConfigPath); statErr == nil {
		if warn, permErr := config.CheckConfigPermissions(cfg.ConfigPath); permErr != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", permErr)
		} else if warn != "" {
			fmt.Fprintf(os.Stderr, "warning: %s\n", warn)
		}
	}

	a := &app{cfg: cfg, logger: logger, metrics: timing.NewMetrics()}

	var observers []orbstack.ExecutionObserver
	observers = append(observers, a.metrics)
	if cfg.JournalPath != "" {
		store, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return nil, err
		}
		a.store = store
		observers = append(observers, journal.NewRecorder(store, logger))
	}

	a.conn = &orbstack.Connector{
		CLIPath:        cfg.OrbctlPath,
		StagingDir:     cfg.StagingDir,
		Logger:         logger,
		MaxRetries:     cfg.MaxRetries,
		BaseDelay:      cfg.BaseDelay,
		CommandTimeout: cfg.CommandTimeout,
		NetworkTimeout: cfg.NetworkTimeout,
		Observer:       orbstack.MultiObserver(observers...),
		OnRetry:        func(int, string) { a.metrics.IncRetry() },
	}
	a.manager = vmops.NewManager(a.conn)
	return a, nil
}

func (a *app) close() {
	if a.store != nil {
		_ = a.store.Close()
	}
}

func runList(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("list")
	opts := base
	opts.bind(fs)
	var filter string
	var help bool
	fs.StringVar(&filter, "filter", "", "only show machines with this exact name")
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printListUsage, &help); err != nil {
		return err
	}

	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.close()

	machines := a.conn.List(ctx, filter)
	if opts.jsonOutput {
		return printJSON(machines)
	}
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		// Plain names when piped, one per line.
		for _, m := range machines {
			fmt.Println(m.Name)
		}
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATE\tDISTRO\tVERSION\tARCH")
	for _, m := range machines {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.Name, orDash(m.RawState), orDash(m.Distro), orDash(m.Version), orDash(m.Arch))
	}
	return w.Flush()
}

func runInfo(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("info")
	opts := base
	opts.bind(fs)
	var help bool
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printInfoUsage, &help); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		printInfoUsage()
		return fmt.Errorf("machine name is required")
	}

	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.close()

	info, err := a.manager.Info(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return printJSON(info)
	}
	fmt.Printf("name:  %s\n", info.Name)
	fmt.Printf("state: %s\n", orDash(info.RawState))
	fmt.Printf("ip4:   %s\n", orDash(info.IP4))
	fmt.Printf("ip6:   %s\n", orDash(info.IP6))
	return nil
}

func runConnect(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("connect")
	opts := base
	opts.bind(fs)
	var help bool
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printConnectUsage, &help); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		printConnectUsage()
		return fmt.Errorf("machine name is required")
	}
	machine := fs.Arg(0)

	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.close()

	if !a.conn.Connect(ctx, machine) {
		return fmt.Errorf("could not connect to %s", machine)
	}
	fmt.Printf("connected to %s\n", machine)
	return nil
}

func runRun(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("run")
	opts := base
	opts.bind(fs)
	var cmdOpts orbstack.Options
	var retries int
	var help bool
	fs.BoolVar(&cmdOpts.Sudo, "sudo", false, "run the command with sudo -H")
	fs.StringVar(&cmdOpts.SudoUser, "sudo-user", "", "sudo to this user instead of root")
	fs.StringVar(&cmdOpts.User, "user", "", "orbctl machine user")
	fs.StringVar(&cmdOpts.Workdir, "workdir", "", "working directory inside the machine")
	fs.BoolVar(&cmdOpts.Network, "network", false, "treat as a network operation")
	fs.IntVar(&retries, "retries", -1, "override max retries")
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printRunUsage, &help); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		printRunUsage()
		return fmt.Errorf("machine name and command are required")
	}
	machine := fs.Arg(0)
	command := strings.Join(fs.Args()[1:], " ")
	if retries >= 0 {
		cmdOpts.MaxRetries = &retries
	}

	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.close()

	ok, output := a.conn.RunCommand(ctx, machine, orbstack.Shell(command), cmdOpts)
	for _, line := range output.StdoutLines() {
		fmt.Println(line)
	}
	for _, line := range output.StderrLines() {
		fmt.Fprintln(os.Stderr, line)
	}
	if !ok {
		return fmt.Errorf("command failed on %s", machine)
	}
	return nil
}

func runPush(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("push")
	opts := base
	opts.bind(fs)
	var sudo bool
	var mode string
	var help bool
	fs.BoolVar(&sudo, "sudo", false, "stage and move the file with sudo")
	fs.StringVar(&mode, "mode", "", "chmod the remote file to this octal mode")
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printPushUsage, &help); err != nil {
		return err
	}
	if fs.NArg() != 3 {
		printPushUsage()
		return fmt.Errorf("machine, local path, and remote path are required")
	}
	if mode != "" {
		if _, err := strconv.ParseUint(mode, 8, 32); err != nil {
			return fmt.Errorf("invalid mode %q: %w", mode, err)
		}
	}

	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.close()

	machine, local, remote := fs.Arg(0), fs.Arg(1), fs.Arg(2)
	if !a.conn.PutFile(ctx, machine, local, remote, orbstack.Options{Sudo: sudo, Mode: mode}) {
		return fmt.Errorf("failed to push %s to %s:%s", local, machine, remote)
	}
	fmt.Printf("pushed %s to %s:%s\n", local, machine, remote)
	return nil
}

func runPull(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("pull")
	opts := base
	opts.bind(fs)
	var sudo bool
	var help bool
	fs.BoolVar(&sudo, "sudo", false, "copy the file to a staging path with sudo first")
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printPullUsage, &help); err != nil {
		return err
	}
	if fs.NArg() != 3 {
		printPullUsage()
		return fmt.Errorf("machine, remote path, and local path are required")
	}

	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.close()

	machine, remote, local := fs.Arg(0), fs.Arg(1), fs.Arg(2)
	if !a.conn.GetFile(ctx, machine, remote, local, orbstack.Options{Sudo: sudo}) {
		return fmt.Errorf("failed to pull %s:%s to %s", machine, remote, local)
	}
	fmt.Printf("pulled %s:%s to %s\n", machine, remote, local)
	return nil
}

func runVMCommand(ctx context.Context, args []string, base commonFlags) error {
	if len(args) == 0 {
		printVMUsage()
		return nil
	}
	switch args[0] {
	case "create":
		return runVMCreate(ctx, args[1:], base)
	case "delete":
		return runVMDelete(ctx, args[1:], base)
	case "start":
		return runVMLifecycle(ctx, args[1:], base, "start")
	case "stop":
		return runVMStop(ctx, args[1:], base)
	case "restart":
		return runVMLifecycle(ctx, args[1:], base, "restart")
	default:
		printVMUsage()
		return fmt.Errorf("unknown vm command %q", args[0])
	}
}

func runVMCreate(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("vm create")
	opts := base
	opts.bind(fs)
	var image string
	var arch string
	var user string
	var help bool
	fs.StringVar(&image, "image", "", "distro image, e.g. ubuntu or ubuntu:jammy")
	fs.StringVar(&arch, "arch", "", "machine architecture (amd64 or arm64)")
	fs.StringVar(&user, "user", "", "default user for the machine")
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printVMCreateUsage, &help); err != nil {
		return err
	}
	if fs.NArg() != 1 || image == "" {
		printVMCreateUsage()
		return fmt.Errorf("machine name and --image are required")
	}

	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.close()

	name := fs.Arg(0)
	if err := a.manager.Create(ctx, vmops.CreateOptions{
		Name:    name,
		Image:   image,
		Arch:    arch,
		User:    user,
		Present: true,
	}); err != nil {
		return err
	}
	fmt.Printf("created %s\n", name)
	return nil
}

func runVMDelete(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("vm delete")
	opts := base
	opts.bind(fs)
	var force bool
	var help bool
	fs.BoolVar(&force, "force", false, "delete without prompting")
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printVMDeleteUsage, &help); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		printVMDeleteUsage()
		return fmt.Errorf("machine name is required")
	}

	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.close()

	name := fs.Arg(0)
	if err := a.manager.Delete(ctx, name, force); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", name)
	return nil
}

func runVMStop(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("vm stop")
	opts := base
	opts.bind(fs)
	var force bool
	var help bool
	fs.BoolVar(&force, "force", false, "force stop")
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printVMStopUsage, &help); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		printVMStopUsage()
		return fmt.Errorf("machine name is required")
	}

	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.close()

	name := fs.Arg(0)
	if err := a.manager.Stop(ctx, name, force); err != nil {
		return err
	}
	fmt.Printf("stopped %s\n", name)
	return nil
}

func runVMLifecycle(ctx context.Context, args []string, base commonFlags, verb string) error {
	fs := newFlagSet("vm " + verb)
	opts := base
	opts.bind(fs)
	var help bool
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printVMUsage, &help); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		printVMUsage()
		return fmt.Errorf("machine name is required")
	}

	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.close()

	name := fs.Arg(0)
	switch verb {
	case "start":
		err = a.manager.Start(ctx, name)
	case "restart":
		err = a.manager.Restart(ctx, name)
	default:
		return fmt.Errorf("unknown vm command %q", verb)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%sed %s\n", verb, name)
	return nil
}

func runHistory(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("history")
	opts := base
	opts.bind(fs)
	var machine string
	var limit int
	var help bool
	fs.StringVar(&machine, "machine", "", "only show entries for this machine")
	fs.IntVar(&limit, "limit", defaultHistoryLimit, "number of entries")
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printHistoryUsage, &help); err != nil {
		return err
	}

	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.close()

	if a.store == nil {
		return fmt.Errorf("journal_path is not configured")
	}
	var entries []journal.Entry
	if machine != "" {
		entries, err = a.store.RecentByMachine(ctx, machine, limit)
	} else {
		entries, err = a.store.Recent(ctx, limit)
	}
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return printJSON(entries)
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tOPERATION\tMACHINE\tEXIT\tATTEMPTS\tDURATION\tRESULT")
	for _, entry := range entries {
		result := "failure"
		if entry.Success {
			result = "success"
		}
		if entry.Error != "" {
			result = entry.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			entry.StartedAt.Local().Format("2006-01-02 15:04:05"),
			entry.Operation, orDash(entry.Machine), entry.ExitCode, entry.Attempts,
			entry.Duration.Round(time.Millisecond), result)
	}
	return w.Flush()
}

func runCleanup(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("cleanup")
	opts := base
	opts.bind(fs)
	var dryRun bool
	var prefixes stringList
	var help bool
	fs.BoolVar(&dryRun, "dry-run", false, "report matches without deleting")
	fs.Var(&prefixes, "prefix", "name prefix to match (repeatable)")
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printCleanupUsage, &help); err != nil {
		return err
	}

	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.close()

	reg := registry.New(a.manager, a.logger)
	match := []string(prefixes)
	if len(match) == 0 {
		match = a.cfg.TestVMPrefixes
	}
	deleted, err := reg.Sweep(ctx, match, dryRun)
	if err != nil {
		return err
	}
	verb := "deleted"
	if dryRun {
		verb = "would delete"
	}
	if len(deleted) == 0 {
		fmt.Println("nothing to clean up")
		return nil
	}
	for _, name := range deleted {
		fmt.Printf("%s %s\n", verb, name)
	}
	return nil
}

func runServeMetrics(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("serve-metrics")
	opts := base
	opts.bind(fs)
	var listen string
	var interval time.Duration
	var help bool
	fs.StringVar(&listen, "listen", "", "listen address (default from config)")
	fs.DurationVar(&interval, "interval", defaultPollInterval, "machine state poll interval")
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printServeMetricsUsage, &help); err != nil {
		return err
	}

	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.close()

	if listen == "" {
		listen = a.cfg.MetricsListen
	}
	if listen == "" {
		listen = "127.0.0.1:9321"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	server := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	fmt.Fprintf(os.Stderr, "serving metrics on %s\n", listen)

	pollMachineStates(ctx, a)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
			return nil
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ticker.C:
			pollMachineStates(ctx, a)
		}
	}
}

func pollMachineStates(ctx context.Context, a *app) {
	counts := make(map[string]int)
	for _, m := range a.conn.List(ctx, "") {
		counts[string(m.State)]++
	}
	a.metrics.SetMachineStates(counts)
}

// stringList collects repeated flag values.
type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(value string) error {
	if value == "" {
		return errors.New("value must not be empty")
	}
	*s = append(*s, value)
	return nil
}

func printJSON(value any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
