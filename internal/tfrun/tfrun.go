package tfrun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	tfe "github.com/hashicorp/go-tfe"

	"github.com/epiphytic/autoland/internal/output"
	"github.com/epiphytic/autoland/internal/poll"
)

var (
	// ErrNoWorkspace means no non-production workspace matched the repo.
	ErrNoWorkspace = errors.New("no non-production workspace found")
	// ErrPlanFailed covers errored/canceled/discarded runs and plan timeouts.
	ErrPlanFailed = errors.New("plan failed")
)

// Planning runs poll on a fixed cadence; the plan phase is minutes-scale
// and never worth the merge-check knobs.
const (
	planPollInterval = 10 * time.Second
	planMaxWait      = 10 * time.Minute
)

// API is the slice of the infra-automation service the orchestrator uses.
type API interface {
	ListWorkspaces(ctx context.Context, org string) ([]*tfe.Workspace, error)
	LatestRun(ctx context.Context, workspaceID string) (*tfe.Run, error)
	ReadRun(ctx context.Context, runID string) (*tfe.Run, error)
	ApplyRun(ctx context.Context, runID, comment string) error
	PlanLogs(ctx context.Context, planID string) (string, error)
}

type Result struct {
	Skipped   bool
	Workspace string
	RunID     string
	// Signal is non-nil when an apply awaits an authorized approval.
	Signal *output.Signal
}

type Orchestrator struct {
	api      API
	printer  *output.Printer
	logger   *slog.Logger
	infraDir string
	address  string

	pollInterval time.Duration
	pollMaxWait  time.Duration
}

func New(api API, p *output.Printer, logger *slog.Logger, infraDir, address string) *Orchestrator {
	if address == "" {
		address = "https://app.terraform.io"
	}
	return &Orchestrator{
		api:          api,
		printer:      p,
		logger:       logger,
		infraDir:     infraDir,
		address:      address,
		pollInterval: planPollInterval,
		pollMaxWait:  planMaxWait,
	}
}

// CheckLatestRun locates the non-production workspace linked to
// repoIdentity, waits out its latest run's planning phase, and reports
// whether an apply awaits approval. Every failure is reported here and
// surfaced as an error the caller treats as non-fatal.
func (o *Orchestrator) CheckLatestRun(ctx context.Context, repoIdentity string) (Result, error) {
	org, ok := OrganizationFromConfig(o.infraDir)
	if !ok {
		o.logger.Debug("no organization declared in infra config, skipping run check", "dir", o.infraDir)
		return Result{Skipped: true}, nil
	}

	workspaces, err := o.api.ListWorkspaces(ctx, org)
	if err != nil {
		return Result{}, fmt.Errorf("list workspaces for %q: %w", org, err)
	}

	var linked []*tfe.Workspace
	for _, ws := range workspaces {
		if ws.VCSRepo != nil && ws.VCSRepo.Identifier == repoIdentity {
			linked = append(linked, ws)
		}
	}

	ws, err := SelectWorkspace(linked)
	if err != nil {
		return Result{}, fmt.Errorf("%w for %s in %s", err, repoIdentity, org)
	}
	res := Result{Workspace: ws.Name}
	o.logger.Info("selected workspace", "workspace", ws.Name, "org", org)

	run, err := o.api.LatestRun(ctx, ws.ID)
	if err != nil {
		return res, fmt.Errorf("fetch latest run for %s: %w", ws.Name, err)
	}
	if run == nil {
		o.printer.Info("workspace %s has no runs, nothing to check", ws.Name)
		return res, nil
	}
	res.RunID = run.ID

	if planning(run.Status) {
		run, err = o.waitForPlan(ctx, ws.Name, run.ID)
		if err != nil {
			return res, err
		}
	} else if errored(run.Status) {
		return res, o.planFailure(ctx, run)
	}

	return o.evaluatePlanned(ctx, org, ws, run, res)
}

func (o *Orchestrator) waitForPlan(ctx context.Context, workspace, runID string) (*tfe.Run, error) {
	o.printer.Info("run %s is planning in %s, waiting", runID, workspace)

	var latest *tfe.Run
	loop := poll.New(o.pollInterval, o.pollMaxWait, o.logger)
	loop.OnProgress = o.printer.Progress

	_, err := loop.Run(ctx, func(ctx context.Context) (poll.Status, error) {
		run, err := o.api.ReadRun(ctx, runID)
		if err != nil {
			return poll.Status{}, err
		}
		latest = run
		switch {
		case errored(run.Status):
			return poll.Status{Kind: poll.Blocked, Reason: string(run.Status)}, nil
		case planning(run.Status):
			return poll.Status{Kind: poll.Continue, Outstanding: []string{string(run.Status)}}, nil
		default:
			return poll.Status{Kind: poll.Done}, nil
		}
	})
	if err != nil {
		// Blocked and timed-out plans get the same diagnostic chain:
		// run message, then log tail, then a generic marker.
		if latest != nil && (errors.Is(err, poll.ErrBlocked) || errors.Is(err, poll.ErrTimeout)) {
			return nil, o.planFailure(ctx, latest)
		}
		return nil, fmt.Errorf("%w: %v", ErrPlanFailed, err)
	}
	return latest, nil
}

func (o *Orchestrator) evaluatePlanned(ctx context.Context, org string, ws *tfe.Workspace, run *tfe.Run, res Result) (Result, error) {
	runURL := fmt.Sprintf("%s/app/%s/workspaces/%s/runs/%s", o.address, org, ws.Name, run.ID)

	switch run.Status {
	case tfe.RunPlanned, tfe.RunCostEstimated, tfe.RunPolicyChecked, tfe.RunPolicySoftFailed:
		if run.Actions == nil || !run.Actions.IsConfirmable {
			o.printer.Info("run %s waiting on %s, nothing to confirm yet: %s", run.ID, run.Status, runURL)
			return res, nil
		}
		if run.Permissions == nil || !run.Permissions.CanApply {
			o.printer.Info("run %s has an apply pending; review it at %s", run.ID, runURL)
			return res, nil
		}
		sig := output.NewSignal(output.KindApplyAvailable).
			Add("run", run.ID).
			Add("workspace", ws.Name).
			Add("org", org)
		o.printer.Emit(sig)
		res.Signal = sig
		return res, nil

	case tfe.RunApplied, tfe.RunPlannedAndFinished:
		o.printer.Success("run %s finished (%s)", run.ID, run.Status)
		return res, nil

	case tfe.RunApplying, tfe.RunApplyQueued, tfe.RunConfirmed:
		// Auto-apply workspace, no decision to surface.
		o.printer.Info("run %s is applying unattended: %s", run.ID, runURL)
		return res, nil

	default:
		if errored(run.Status) {
			return res, o.planFailure(ctx, run)
		}
		o.printer.Info("run %s in state %s: %s", run.ID, run.Status, runURL)
		return res, nil
	}
}

// planFailure reports the most specific diagnostic available: the run's
// own message, then the tail of the raw plan log, then a generic marker.
func (o *Orchestrator) planFailure(ctx context.Context, run *tfe.Run) error {
	diag := strings.TrimSpace(run.Message)
	if diag == "" && run.Plan != nil {
		if logs, err := o.api.PlanLogs(ctx, run.Plan.ID); err == nil {
			diag = logTail(logs, 20)
		} else {
			o.logger.Warn("fetch plan logs failed", "run", run.ID, "err", err)
		}
	}
	if diag == "" {
		diag = "unknown error"
	}
	o.printer.Fail("run %s %s:\n%s", run.ID, run.Status, diag)
	return fmt.Errorf("%w: run %s %s", ErrPlanFailed, run.ID, run.Status)
}

// Approve submits the apply confirmation for a run. The confirmable check
// is re-done first: the run may have advanced since the caller saw the
// signal, and an already-started apply is a benign outcome, not an error.
func (o *Orchestrator) Approve(ctx context.Context, runID string) error {
	run, err := o.api.ReadRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("read run %s: %w", runID, err)
	}

	if run.Actions == nil || !run.Actions.IsConfirmable {
		switch run.Status {
		case tfe.RunApplying, tfe.RunApplyQueued, tfe.RunConfirmed, tfe.RunApplied:
			o.printer.Success("run %s already %s, no approval needed", runID, run.Status)
			return nil
		}
		return fmt.Errorf("run %s is not confirmable (status %s)", runID, run.Status)
	}

	// Never retried: if the confirmation fails the run state is unknown
	// and a second submit could double-apply.
	if err := o.api.ApplyRun(ctx, runID, "approved via autoland"); err != nil {
		return fmt.Errorf("confirm apply for %s: %w", runID, err)
	}

	workspace := "workspace"
	if run.Workspace != nil {
		workspace = run.Workspace.Name
	}
	o.printer.Success("apply confirmed for run %s in %s, monitor at %s", runID, workspace, o.address)
	return nil
}

func planning(s tfe.RunStatus) bool {
	switch s {
	case tfe.RunPending, tfe.RunFetching, tfe.RunQueuing, tfe.RunPlanQueued,
		tfe.RunPlanning, tfe.RunCostEstimating, tfe.RunPolicyChecking:
		return true
	}
	return false
}

func errored(s tfe.RunStatus) bool {
	switch s {
	case tfe.RunErrored, tfe.RunCanceled, tfe.RunStatus("force_canceled"), tfe.RunDiscarded:
		return true
	}
	return false
}

// SelectWorkspace picks the single non-production approval target by name
// precedence. Naming-convention heuristic, deliberately replaceable.
func SelectWorkspace(workspaces []*tfe.Workspace) (*tfe.Workspace, error) {
	for _, suffix := range []string{"-dev", "-staging", "-nonprod"} {
		for _, ws := range workspaces {
			if strings.Contains(ws.Name, suffix) {
				return ws, nil
			}
		}
	}
	for _, ws := range workspaces {
		if !strings.Contains(ws.Name, "-prod") && !strings.Contains(ws.Name, "-production") {
			return ws, nil
		}
	}
	return nil, ErrNoWorkspace
}

func logTail(logs string, lines int) string {
	all := strings.Split(strings.TrimRight(logs, "\n"), "\n")
	if len(all) > lines {
		all = all[len(all)-lines:]
	}
	return strings.Join(all, "\n")
}

// tfeAPI adapts the go-tfe client to the API interface.
type tfeAPI struct {
	client *tfe.Client
}

// NewAPI builds the real client. Token comes from the environment; the
// caller has already decided the integration is enabled.
func NewAPI(token, address string) (API, error) {
	client, err := tfe.NewClient(&tfe.Config{Token: token, Address: address})
	if err != nil {
		return nil, fmt.Errorf("infra client: %w", err)
	}
	return &tfeAPI{client: client}, nil
}

func (a *tfeAPI) ListWorkspaces(ctx context.Context, org string) ([]*tfe.Workspace, error) {
	var all []*tfe.Workspace
	opts := &tfe.WorkspaceListOptions{
		ListOptions: tfe.ListOptions{PageNumber: 1, PageSize: 100},
	}
	for {
		page, err := a.client.Workspaces.List(ctx, org, opts)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Items...)
		if page.Pagination == nil || page.Pagination.NextPage == 0 ||
			page.Pagination.CurrentPage >= page.Pagination.TotalPages {
			return all, nil
		}
		opts.PageNumber = page.Pagination.NextPage
	}
}

func (a *tfeAPI) LatestRun(ctx context.Context, workspaceID string) (*tfe.Run, error) {
	runs, err := a.client.Runs.List(ctx, workspaceID, &tfe.RunListOptions{
		ListOptions: tfe.ListOptions{PageSize: 1},
	})
	if err != nil {
		return nil, err
	}
	if len(runs.Items) == 0 {
		return nil, nil
	}
	return a.ReadRun(ctx, runs.Items[0].ID)
}

func (a *tfeAPI) ReadRun(ctx context.Context, runID string) (*tfe.Run, error) {
	return a.client.Runs.ReadWithOptions(ctx, runID, &tfe.RunReadOptions{
		Include: []tfe.RunIncludeOpt{tfe.RunPlan, tfe.RunWorkspace},
	})
}

func (a *tfeAPI) ApplyRun(ctx context.Context, runID, comment string) error {
	return a.client.Runs.Apply(ctx, runID, tfe.RunApplyOptions{Comment: tfe.String(comment)})
}

func (a *tfeAPI) PlanLogs(ctx context.Context, planID string) (string, error) {
	r, err := a.client.Plans.Logs(ctx, planID)
	if err != nil {
		return "", err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
