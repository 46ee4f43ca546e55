// Package main is the entry point for the npbackup binary.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger (with worst-level tracker for exit code selection)
//  3. Load and decrypt the configuration file
//  4. Locate the backend binary
//  5. Resolve the repo or repo-group selection
//  6. Build a Runner per selected repository and dispatch the requested
//     operation
//  7. Choose the process exit code from the worst log level reached
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/netinvent/npbackup/internal/config"
	"github.com/netinvent/npbackup/internal/lock"
	"github.com/netinvent/npbackup/internal/logging"
	"github.com/netinvent/npbackup/internal/restic"
	"github.com/netinvent/npbackup/internal/runner"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes: fixed sentinels beyond the worst-log-level-driven
// 20/30/40/50 range.
const (
	exitAlreadyRunning  = 21
	exitConfigMissing   = 70
	exitConfigBogus     = 71
	exitKeyboardInterrupt = 200
	exitUnhandled       = 201
)

type cliFlags struct {
	configPath   string
	repoName     string
	repoGroup    string
	backup       bool
	force        bool
	restoreTo    string
	restoreInclude []string
	snapshot     string
	list         bool
	lsSnapshot   string
	findPath     string
	forgetArg    string
	quickCheck   bool
	fullCheck    bool
	prune        bool
	pruneMax     string
	unlock       bool
	repairIndex  bool
	repairSnaps  bool
	raw          string
	hasRecentSnapshot bool
	dryRun       bool
	verbose      bool
	debug        bool
	jsonOutput   bool
	fullConcurrency      bool
	repoAwareConcurrency bool
}

func main() {
	os.Exit(runMain())
}

func runMain() int {
	flags := &cliFlags{}
	root := newRootCmd(flags)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, "interrupted")
			return exitKeyboardInterrupt
		}
		fmt.Fprintln(os.Stderr, err)
		if code, ok := exitCodeFromError(err); ok {
			return code
		}
		// run() sets lastExitCode on its error paths; a logger build
		// failure, or an error cobra reports before calling run(), leaves
		// it at zero.
		if lastExitCode != 0 {
			return lastExitCode
		}
		return exitUnhandled
	}
	return lastExitCode
}

// lastExitCode is set by run() right before returning, since cobra's
// RunE only reports error/no-error, not an integer exit code.
var lastExitCode int

func newRootCmd(flags *cliFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "npbackup",
		Short: "npbackup — operational wrapper around a restic-compatible backup engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags)
		},
	}

	root.AddCommand(newVersionCmd())

	f := root.Flags()
	f.StringVarP(&flags.configPath, "config", "c", envOrDefault("NPBACKUP_CONFIG_FILE", "npbackup.conf"), "config file")
	f.StringVar(&flags.repoName, "repo-name", "", "select one repository")
	f.StringVar(&flags.repoGroup, "repo-group", "", "select every repository in a group")
	f.BoolVarP(&flags.backup, "backup", "b", false, "run backup")
	f.BoolVarP(&flags.force, "force", "f", false, "ignore minimum_backup_age")
	f.StringVarP(&flags.restoreTo, "restore", "r", "", "restore target directory")
	f.StringArrayVar(&flags.restoreInclude, "restore-include", nil, "restore include pattern (repeatable)")
	f.StringVar(&flags.snapshot, "snapshot", "latest", "snapshot id or \"latest\"")
	f.BoolVarP(&flags.list, "list", "l", false, "list repository objects")
	f.StringVar(&flags.lsSnapshot, "ls", "", "list contents of a snapshot")
	f.StringVar(&flags.findPath, "find", "", "find a path across snapshots")
	f.StringVar(&flags.forgetArg, "forget", "", "forget snapshot id, or \"policy\" to apply the retention policy")
	f.BoolVar(&flags.quickCheck, "quick-check", false, "check without reading data blocks")
	f.BoolVar(&flags.fullCheck, "full-check", false, "check reading all data blocks")
	f.BoolVar(&flags.prune, "prune", false, "prune unreferenced data")
	f.StringVar(&flags.pruneMax, "prune-max", "", "prune max-unused override (bytes or percent)")
	f.BoolVar(&flags.unlock, "unlock", false, "remove stale repository locks")
	f.BoolVar(&flags.repairIndex, "repair-index", false, "repair the repository index")
	f.BoolVar(&flags.repairSnaps, "repair-snapshots", false, "repair snapshots")
	f.StringVar(&flags.raw, "raw", "", "run an arbitrary backend command")
	f.BoolVar(&flags.hasRecentSnapshot, "has-recent-snapshot", false, "liveness query: exit 0 if a recent snapshot exists")
	f.BoolVar(&flags.dryRun, "dry-run", false, "dry run (backup/forget/prune/restore)")
	f.BoolVarP(&flags.verbose, "verbose", "v", false, "verbose backend output")
	f.BoolVarP(&flags.debug, "debug", "d", false, "debug logging")
	f.BoolVar(&flags.jsonOutput, "json", false, "request JSON output from the backend")
	f.BoolVar(&flags.fullConcurrency, "full-concurrency", false, "bypass the concurrency gate entirely (overrides global_options.full_concurrency)")
	f.BoolVar(&flags.repoAwareConcurrency, "repo-aware-concurrency", false, "key the concurrency gate per repository instead of once per process (overrides global_options.repo_aware_concurrency)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("npbackup %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, flags *cliFlags) error {
	level := "info"
	if flags.debug {
		level = "debug"
	} else if flags.verbose {
		level = "warn"
	}
	tracker := logging.NewTracker()
	logger, err := logging.Build(level, tracker)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if _, statErr := os.Stat(flags.configPath); statErr != nil {
		lastExitCode = exitConfigMissing
		return fmt.Errorf("config file not found: %s", flags.configPath)
	}

	cipher, err := buildCipher()
	if err != nil {
		lastExitCode = exitConfigBogus
		return fmt.Errorf("cannot build encryption cipher: %w", err)
	}

	store, err := config.Load(flags.configPath, cipher)
	if err != nil {
		lastExitCode = exitConfigBogus
		return fmt.Errorf("cannot load config: %w", err)
	}
	if cipher.NeedsResave() {
		if err := store.Save(os.Getenv("NPBACKUP_MANAGER_PASSWORD")); err != nil {
			logger.Warn("failed to re-save config after migration/re-wrap", zap.Error(err))
		}
	}

	binaryPath, err := restic.Locate(nil)
	if err != nil {
		logger.Error("no backend binary found in search paths", zap.Error(err))
	}
	binaryVersion := ""
	if binaryPath != "" {
		if v, verr := restic.Version(binaryPath); verr == nil {
			binaryVersion = v
		}
	}

	repoNames, err := resolveRepoNames(store, flags)
	if err != nil {
		logger.Error(err.Error())
		lastExitCode = tracker.Worst().ExitCode()
		return err
	}

	hostname, _ := os.Hostname()
	vars := config.Variables{Hostname: hostname}

	lockDir := os.TempDir()
	const processName = "npbackup"

	// The concurrency gate defaults to one identifier shared by every
	// repository, so two concurrent invocations conflict regardless of
	// which repo they target. repo_aware_concurrency narrows that to one
	// identifier per repository; full_concurrency bypasses the gate
	// entirely. CLI flags override whatever the config file sets.
	fullConcurrency := flags.fullConcurrency || store.FullConcurrency()
	repoAwareConcurrency := flags.repoAwareConcurrency || store.RepoAwareConcurrency()
	var sharedLocker *lock.PIDFile
	if !repoAwareConcurrency {
		sharedLocker = lock.New(lockDir, processName)
	}

	overallSuccess := true
	for _, name := range repoNames {
		view, err := store.GetRepoConfig(name, vars)
		if err != nil {
			logger.Error("cannot materialize repo config", zap.String("repo", name), zap.Error(err))
			overallSuccess = false
			continue
		}

		locker := sharedLocker
		if repoAwareConcurrency {
			locker = lock.New(lockDir, processName+"-"+name)
		}

		deps := runner.Dependencies{
			Logger:                    logger,
			Tracker:                   tracker,
			Locker:                    locker,
			BinaryPath:                binaryPath,
			BinaryVersion:             binaryVersion,
			FullConcurrency:           fullConcurrency,
			LockIdentifierUsesCmdline: true,
			ProcessName:               processName,
		}
		r := runner.New(deps, view)
		r.SetDryRun(flags.dryRun)
		r.SetJSONOutput(flags.jsonOutput)
		r.SetPruneMaxOverride(flags.pruneMax)

		result := dispatch(ctx, r, flags)
		if !result.Result {
			overallSuccess = false
			logger.Error("operation failed", zap.String("repo", name), zap.String("operation", result.Operation), zap.String("reason", result.Reason))
		} else {
			logger.Info("operation completed", zap.String("repo", name), zap.String("operation", result.Operation))
		}
	}

	lastExitCode = tracker.Worst().ExitCode()
	if !overallSuccess {
		if lastExitCode < exitConfigMissing {
			// Ensure an operation failure is never reported as success even
			// if nothing happened to raise the logger above warn level.
			lastExitCode = logging.LevelError.ExitCode()
		}
		return fmt.Errorf("one or more operations failed")
	}
	return nil
}

// dispatch maps the CLI flags to exactly one Runner operation, checked
// in a fixed priority order.
func dispatch(ctx context.Context, r *runner.Runner, flags *cliFlags) runner.OperationResult {
	switch {
	case flags.hasRecentSnapshot:
		return r.HasRecentSnapshot(ctx, 0)
	case flags.backup:
		return r.Backup(ctx, runner.BackupOptions{Force: flags.force})
	case flags.restoreTo != "":
		return r.Restore(ctx, flags.snapshot, flags.restoreTo, flags.restoreInclude, nil)
	case flags.list:
		return r.List(ctx, "")
	case flags.lsSnapshot != "":
		return r.Ls(ctx, flags.lsSnapshot)
	case flags.findPath != "":
		return r.Find(ctx, flags.findPath)
	case flags.forgetArg != "":
		if flags.forgetArg == "policy" {
			return r.Forget(ctx, nil, true)
		}
		return r.Forget(ctx, []string{flags.forgetArg}, false)
	case flags.quickCheck:
		return r.Check(ctx, false)
	case flags.fullCheck:
		return r.Check(ctx, true)
	case flags.prune:
		return r.Prune(ctx)
	case flags.unlock:
		return r.Unlock(ctx)
	case flags.repairIndex:
		return r.Repair(ctx, restic.RepairIndex, nil)
	case flags.repairSnaps:
		return r.Repair(ctx, restic.RepairSnapshots, nil)
	case flags.raw != "":
		return r.Raw(ctx, splitRawCommand(flags.raw))
	default:
		return r.Snapshots(ctx, "")
	}
}

func splitRawCommand(s string) []string {
	var out []string
	cur := ""
	for _, c := range s {
		if c == ' ' {
			if cur != "" {
				out = append(out, cur)
				cur = ""
			}
			continue
		}
		cur += string(c)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

func resolveRepoNames(store *config.Store, flags *cliFlags) ([]string, error) {
	if flags.repoGroup != "" {
		names := store.RepoNamesInGroup(flags.repoGroup)
		if len(names) == 0 {
			return nil, fmt.Errorf("no repositories found in group %q", flags.repoGroup)
		}
		return names, nil
	}
	if flags.repoName != "" {
		return []string{flags.repoName}, nil
	}
	return store.RepoNames(), nil
}

// exitCodeFromError maps a concurrency-refusal error to exit code 21.
func exitCodeFromError(err error) (int, bool) {
	var busy *lock.ErrAlreadyRunning
	if errors.As(err, &busy) {
		return exitAlreadyRunning, true
	}
	return 0, false
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
