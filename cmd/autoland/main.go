package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/epiphytic/autoland/internal/config"
	"github.com/epiphytic/autoland/internal/gitrepo"
	"github.com/epiphytic/autoland/internal/hosting"
	"github.com/epiphytic/autoland/internal/logging"
	"github.com/epiphytic/autoland/internal/merge"
	"github.com/epiphytic/autoland/internal/output"
	"github.com/epiphytic/autoland/internal/session"
	"github.com/epiphytic/autoland/internal/tfrun"
)

// Exit codes form the contract with the calling agent.
const (
	exitOK             = 0
	exitError          = 1
	exitNotFound       = 2
	exitAlreadyMerged  = 3
	exitClosedUnmerged = 4
	exitBlocked        = 5
	exitAdminMerge     = 6
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", ".autoland.yaml", "path to config file")
	branch := flag.String("branch", "", "branch to complete (default: current branch)")
	skipMerge := flag.Bool("skip-merge", false, "merge already performed externally; verify and clean up only")
	adminMerge := flag.Bool("admin", false, "perform the elevated merge instead of signaling (after human approval)")
	approveRun := flag.String("approve-run", "", "confirm the apply for an infra run id and exit")
	pollInterval := flag.Duration("poll-interval", 0, "override check poll interval")
	maxWait := flag.Duration("max-wait", 0, "override check poll ceiling")
	noColor := flag.Bool("no-color", false, "disable styled output")
	noInfra := flag.Bool("no-infra", false, "skip the infra run check after merging")
	verbose := flag.Bool("verbose", false, "also log to stderr")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitError
	}

	logger, err := logging.SetupLogger(cfg.LogFile, cfg.Log.Level, *verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup logger: %v\n", err)
		return exitError
	}
	defer logging.CloseFile()
	logger = logger.With("invocation", uuid.NewString())

	color := !*noColor && os.Getenv("NO_COLOR") == "" && isatty.IsTerminal(os.Stdout.Fd())
	printer := output.NewPrinter(os.Stdout, color)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *approveRun != "" {
		return approve(ctx, cfg, printer, logger, *approveRun)
	}

	repo := gitrepo.NewClient(".", logger)
	gh := hosting.NewClient(logger)

	if *branch == "" {
		current, err := repo.CurrentBranch(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return exitError
		}
		*branch = current
	}
	if *branch == cfg.Mainline {
		fmt.Fprintf(os.Stderr, "error: refusing to complete mainline branch %q\n", cfg.Mainline)
		return exitError
	}

	sess, err := session.Load(".")
	if err != nil {
		logger.Warn("load session state failed", "err", err)
	}

	opts := merge.Options{
		SkipMerge:  *skipMerge,
		AdminMerge: *adminMerge,
		Interval:   cfg.PollInterval,
		MaxWait:    cfg.MaxWait,
	}
	if *pollInterval > 0 {
		opts.Interval = *pollInterval
	}
	if *maxWait > 0 {
		opts.MaxWait = *maxWait
	}

	orch := merge.New(gh, repo, printer, logger, cfg.Mainline, cfg.MergeMethod, sess, ".")
	res, err := orch.Complete(ctx, *branch, opts)
	if err != nil {
		printer.Fail("%v", err)
		logger.Error("completion failed", "branch", *branch, "err", err)
		return exitCodeFor(err)
	}
	if res.Signal != nil {
		// Suspended on a human decision; re-invoke with -skip-merge or
		// -admin once it is made.
		return exitAdminMerge
	}

	if !*noInfra && !cfg.Infra.Disabled {
		checkInfraRun(ctx, cfg, gh, printer, logger)
	}

	if res.AlreadyMerged {
		return exitAlreadyMerged
	}
	return exitOK
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, merge.ErrNotFound):
		return exitNotFound
	case errors.Is(err, merge.ErrClosedUnmerged):
		return exitClosedUnmerged
	case errors.Is(err, merge.ErrChecksFailed),
		errors.Is(err, merge.ErrChecksTimedOut),
		errors.Is(err, merge.ErrConflicting),
		errors.Is(err, merge.ErrChangesRequested),
		errors.Is(err, merge.ErrReviewRequired):
		return exitBlocked
	default:
		return exitError
	}
}

// checkInfraRun runs the workspace-run orchestrator after a successful
// merge. Opt-in: silently skipped without a credential or a terraform
// directory, and never changes the merge outcome's exit code.
func checkInfraRun(ctx context.Context, cfg *config.Config, gh *hosting.Client, printer *output.Printer, logger *slog.Logger) {
	token := os.Getenv("TFE_TOKEN")
	if token == "" {
		return
	}
	if _, err := os.Stat(cfg.Infra.Dir); err != nil {
		return
	}

	address := os.Getenv("TFE_ADDRESS")
	api, err := tfrun.NewAPI(token, address)
	if err != nil {
		printer.Warn("infra run check unavailable: %v", err)
		return
	}

	identity, err := gh.RepoIdentity(ctx)
	if err != nil {
		printer.Warn("infra run check skipped: %v", err)
		return
	}

	orch := tfrun.New(api, printer, logger, cfg.Infra.Dir, address)
	if _, err := orch.CheckLatestRun(ctx, identity); err != nil {
		printer.Warn("infra run check: %v", err)
		logger.Warn("infra run check failed", "err", err)
	}
}

func approve(ctx context.Context, cfg *config.Config, printer *output.Printer, logger *slog.Logger, runID string) int {
	token := os.Getenv("TFE_TOKEN")
	if token == "" {
		fmt.Fprintln(os.Stderr, "error: TFE_TOKEN not set")
		return exitError
	}

	address := os.Getenv("TFE_ADDRESS")
	api, err := tfrun.NewAPI(token, address)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitError
	}

	orch := tfrun.New(api, printer, logger, cfg.Infra.Dir, address)
	if err := orch.Approve(ctx, runID); err != nil {
		printer.Fail("%v", err)
		logger.Error("apply approval failed", "run", runID, "err", err)
		return exitError
	}
	return exitOK
}
