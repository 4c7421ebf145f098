package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/replicat-io/replicat/pkg/config"
	"github.com/replicat-io/replicat/pkg/daemon"
	"github.com/replicat-io/replicat/pkg/journal"
	"github.com/replicat-io/replicat/pkg/lockfile"
	"github.com/replicat-io/replicat/pkg/plog"
	"github.com/replicat-io/replicat/pkg/preflight"
)

// appName is the canonical name of the application used for logging.
const appName = "replicat"

// version holds the application's version string.
// It's a `var` so it can be set at compile time using ldflags.
// Example: go build -ldflags="-X main.version=1.0.0"
var version = "dev"

// action defines a special command to execute instead of the sync loop.
type action int

const (
	actionRunDaemon action = iota // The default action is the periodic sync loop.
	actionRunOnce
	actionShowVersion
)

// errUsage marks invocation errors that should print usage and exit with
// status 2 instead of 1.
var errUsage = errors.New("invalid invocation")

// init sets up a custom, more descriptive help message for the flags.
func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s (version %s):\n", appName, version)
		fmt.Fprintf(flag.CommandLine.Output(), "One-way periodic folder synchronization: keeps a replica directory an exact copy of a source directory.\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "  %s -source DIR -replica DIR [options]\n", appName)
		fmt.Fprintf(flag.CommandLine.Output(), "  %s SOURCE REPLICA INTERVAL_SECONDS LOG_IDENTIFIER\n\n", appName)
		flag.PrintDefaults()
	}
}

// parseFlagConfig defines and parses command-line flags, and constructs a
// map containing only the values the user explicitly provided. Positional
// arguments SOURCE REPLICA INTERVAL LOG_IDENTIFIER are accepted as an
// alternative to flags.
func parseFlagConfig() (action, map[string]any, error) {
	srcFlag := flag.String("source", "", "Source directory to mirror from.")
	replicaFlag := flag.String("replica", "", "Replica directory to mirror into.")
	intervalFlag := flag.Int("interval", 10, "Seconds between synchronization passes.")
	logFlag := flag.String("log", "", "Log identifier; the change journal is written to <identifier>.log.")
	configFlag := flag.String("config", "", "Path to a YAML configuration file.")
	logLevelFlag := flag.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	onceFlag := flag.Bool("once", false, "Run a single synchronization pass and exit.")
	dryRunFlag := flag.Bool("dry-run", false, "Show what would be done without making any changes.")
	minFreeSpaceFlag := flag.Int64("min-free-space-mb", 0, "Refuse to start when the replica filesystem has less than this many MB free (0 disables).")
	archiveFlag := flag.Bool("archive", false, "Archive pruned replica files into a per-pass tarball before deleting them.")
	archiveDirFlag := flag.String("archive-dir", "", "Directory for deletion archives (must be outside the replica).")
	archiveFormatFlag := flag.String("archive-format", "", "Deletion archive format: 'tar.gz' or 'tar.zst'.")
	versionFlag := flag.Bool("version", false, "Print the application version and exit.")

	flag.Parse()

	usedFlags := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]any)
	addIfUsed := func(name string, value any) {
		if usedFlags[name] {
			flagMap[name] = value
		}
	}

	addIfUsed("source", *srcFlag)
	addIfUsed("replica", *replicaFlag)
	addIfUsed("interval", *intervalFlag)
	addIfUsed("log", *logFlag)
	addIfUsed("config", *configFlag)
	addIfUsed("log-level", *logLevelFlag)
	addIfUsed("dry-run", *dryRunFlag)
	addIfUsed("min-free-space-mb", *minFreeSpaceFlag)
	addIfUsed("archive", *archiveFlag)
	addIfUsed("archive-dir", *archiveDirFlag)
	addIfUsed("archive-format", *archiveFormatFlag)

	if err := mergePositionalArgs(flagMap, flag.Args()); err != nil {
		return actionRunDaemon, nil, err
	}

	if *versionFlag {
		return actionShowVersion, flagMap, nil
	}
	if *onceFlag {
		return actionRunOnce, flagMap, nil
	}
	return actionRunDaemon, flagMap, nil
}

// mergePositionalArgs supports the bare invocation form
// `replicat SOURCE REPLICA INTERVAL LOG_IDENTIFIER`. Positional values never
// override flags the user set explicitly.
func mergePositionalArgs(flagMap map[string]any, args []string) error {
	switch len(args) {
	case 0:
		return nil
	case 4:
	default:
		return fmt.Errorf("%w: expected 4 positional arguments (SOURCE REPLICA INTERVAL_SECONDS LOG_IDENTIFIER), got %d", errUsage, len(args))
	}

	interval, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("%w: interval %q is not an integer", errUsage, args[2])
	}

	setIfUnset := func(name string, value any) {
		if _, ok := flagMap[name]; !ok {
			flagMap[name] = value
		}
	}
	setIfUnset("source", args[0])
	setIfUnset("replica", args[1])
	setIfUnset("interval", interval)
	setIfUnset("log", args[3])
	return nil
}

// resolveConfig layers defaults, the optional config file and the explicit
// flags into the final run configuration.
func resolveConfig(flagMap map[string]any) (config.Config, error) {
	cfg := config.NewDefault()

	if path, ok := flagMap["config"].(string); ok {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	cfg.MergeFlags(flagMap)

	if err := cfg.Normalize(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%w: %s", errUsage, err)
	}
	return cfg, nil
}

// runSync executes the sync daemon (or a single pass for -once) with the
// resolved configuration.
func runSync(ctx context.Context, cfg config.Config, once bool) error {
	plog.SetLevel(plog.LevelFromString(cfg.LogLevel))
	cfg.LogSummary()

	if err := preflight.Run(ctx, cfg); err != nil {
		return fmt.Errorf("preflight failed: %w", err)
	}

	// The lock lives in the replica root so two daemons cannot fight over the
	// same replica. Dry runs do not mutate the replica and take no lock.
	if !cfg.DryRun {
		lock, err := lockfile.Acquire(ctx, cfg.Replica)
		if err != nil {
			return err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				plog.Warn("Failed to release replica lock", "error", err)
			}
		}()
	}

	var sink journal.Sink = journal.Discard{}
	if !cfg.DryRun {
		log, err := journal.Open(cfg.LogFile)
		if err != nil {
			return fmt.Errorf("failed to open change journal: %w", err)
		}
		defer log.Close()
		sink = log
	}

	d := daemon.New(cfg, sink)
	if once {
		return d.RunOnce(ctx)
	}
	return d.Run(ctx)
}

// run encapsulates the main application logic and returns an error if
// something goes wrong, allowing main to handle exit codes.
func run(ctx context.Context) error {
	parsedAction, flagMap, err := parseFlagConfig()
	if err != nil {
		return err
	}

	if parsedAction == actionShowVersion {
		fmt.Printf("%s version %s\n", appName, version)
		return nil
	}

	plog.Info("Starting "+appName, "version", version, "pid", os.Getpid())

	cfg, err := resolveConfig(flagMap)
	if err != nil {
		return err
	}

	startTime := time.Now()
	err = runSync(ctx, cfg, parsedAction == actionRunOnce)
	if err != nil {
		return err
	}
	plog.Info(appName+" finished.", "duration", time.Since(startTime).Round(time.Millisecond))
	return nil
}

func main() {
	// Set up a context that is canceled when an interrupt signal is received.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := run(ctx); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, "Error:", err)
			flag.Usage()
			os.Exit(2)
		}
		plog.Error(appName+" exited with error", "error", err)
		os.Exit(1)
	}
}
