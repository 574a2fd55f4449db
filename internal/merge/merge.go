package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/epiphytic/autoland/internal/hosting"
	"github.com/epiphytic/autoland/internal/output"
	"github.com/epiphytic/autoland/internal/poll"
	"github.com/epiphytic/autoland/internal/session"
)

// Terminal failures of a completion pass. main maps these onto the exit
// code contract; blocked ones require external action before a re-run.
var (
	ErrNotFound         = errors.New("no change request found; create one first")
	ErrClosedUnmerged   = errors.New("change request closed without merging")
	ErrChecksFailed     = errors.New("checks failed")
	ErrChecksTimedOut   = errors.New("checks did not finish in time")
	ErrConflicting      = errors.New("change request has conflicts")
	ErrChangesRequested = errors.New("changes requested by review")
	ErrReviewRequired   = errors.New("review required and caller cannot override")
	ErrMergeFailed      = errors.New("merge call failed")
	ErrNotMerged        = errors.New("merge was skipped but change request is not merged")
)

// Hosting is the slice of the hosting API the orchestrator consumes.
type Hosting interface {
	ChangeRequestForBranch(ctx context.Context, branch string) (*hosting.ChangeRequest, error)
	ViewerCanMergeAsAdmin(ctx context.Context, number int) (bool, error)
	Merge(ctx context.Context, number int, opts hosting.MergeOptions) error
}

// Repo is the slice of local working-tree operations cleanup consumes.
type Repo interface {
	HasUncommittedChanges(ctx context.Context) (bool, error)
	Stash(ctx context.Context, message string) error
	Checkout(ctx context.Context, branch string) error
	Pull(ctx context.Context) error
	PullPreferRemote(ctx context.Context) error
	DeleteBranch(ctx context.Context, branch string) error
	DeleteRemoteTrackingRef(ctx context.Context, branch string) error
}

type Options struct {
	// SkipMerge resumes a pass whose merge was performed externally
	// (admin override). Fails fast if the change request is not merged.
	SkipMerge bool
	// AdminMerge performs the elevated merge in-band instead of emitting
	// the admin-merge signal again. Set only after a human approved it.
	AdminMerge bool

	Interval time.Duration
	MaxWait  time.Duration
}

type Result struct {
	Number        int
	URL           string
	AlreadyMerged bool
	// Signal is non-nil when the pass suspended on an unresolved human
	// decision. Nothing else was done in that pass.
	Signal *output.Signal
}

type Orchestrator struct {
	hosting  Hosting
	repo     Repo
	printer  *output.Printer
	logger   *slog.Logger
	mainline string
	method   string

	sess    *session.Session
	sessDir string
}

func New(h Hosting, r Repo, p *output.Printer, logger *slog.Logger, mainline, method string, sess *session.Session, sessDir string) *Orchestrator {
	return &Orchestrator{
		hosting:  h,
		repo:     r,
		printer:  p,
		logger:   logger,
		mainline: mainline,
		method:   method,
		sess:     sess,
		sessDir:  sessDir,
	}
}

// Complete drives the change request for branch from its current state to
// merged-and-cleaned-up, or to the first decision a human must make.
func (o *Orchestrator) Complete(ctx context.Context, branch string, opts Options) (Result, error) {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = time.Hour
	}

	cr, err := o.hosting.ChangeRequestForBranch(ctx, branch)
	if err != nil {
		if errors.Is(err, hosting.ErrNoChangeRequest) {
			return Result{}, fmt.Errorf("%w (branch %q)", ErrNotFound, branch)
		}
		return Result{}, err
	}

	res := Result{Number: cr.Number, URL: cr.URL}
	o.logger.Info("resolved change request", "number", cr.Number, "state", cr.State, "branch", branch)

	if opts.SkipMerge {
		if !merged(cr) {
			return res, fmt.Errorf("%w: #%d is %s", ErrNotMerged, cr.Number, cr.State)
		}
		o.printer.Info("merge of #%d confirmed, cleaning up", cr.Number)
		return res, o.cleanup(ctx, branch, cr.Number)
	}

	// Idempotent re-invocation: a terminal merged outcome never triggers
	// a second merge call, only cleanup.
	if merged(cr) {
		res.AlreadyMerged = true
		o.printer.Info("#%d already merged, cleaning up", cr.Number)
		return res, o.cleanup(ctx, branch, cr.Number)
	}
	if cr.State == hosting.StateClosed {
		return res, fmt.Errorf("%w: #%d", ErrClosedUnmerged, cr.Number)
	}

	cr, err = o.waitForChecks(ctx, branch, cr, opts)
	if err != nil {
		return res, err
	}

	if cr.Mergeable != hosting.Mergeable {
		return res, fmt.Errorf("%w: #%d reports %s, resolve and re-run", ErrConflicting, cr.Number, cr.Mergeable)
	}

	admin := false
	switch cr.ReviewDecision {
	case hosting.ReviewApproved, "":
		// proceed
	case hosting.ReviewChangesRequested:
		return res, fmt.Errorf("%w on #%d", ErrChangesRequested, cr.Number)
	case hosting.ReviewRequired:
		can, err := o.hosting.ViewerCanMergeAsAdmin(ctx, cr.Number)
		if err != nil {
			return res, err
		}
		if !can {
			return res, fmt.Errorf("%w (#%d)", ErrReviewRequired, cr.Number)
		}
		if !opts.AdminMerge {
			sig := output.NewSignal(output.KindAdminMerge).
				Add("pr", strconv.Itoa(cr.Number)).
				Add("branch", branch).
				Add("mainline", o.mainline)
			o.printer.Emit(sig)
			res.Signal = sig
			return res, nil
		}
		admin = true
	default:
		return res, fmt.Errorf("unexpected review decision %q on #%d", cr.ReviewDecision, cr.Number)
	}

	// Never retried: a conflict can appear between the mergeability check
	// and the call, and a blind retry would mask it.
	if err := o.hosting.Merge(ctx, cr.Number, hosting.MergeOptions{Method: o.method, Admin: admin}); err != nil {
		return res, fmt.Errorf("%w: %v", ErrMergeFailed, err)
	}
	o.printer.Success("merged #%d into %s", cr.Number, o.mainline)

	return res, o.cleanup(ctx, branch, cr.Number)
}

// waitForChecks polls the change request's check set until every check is
// terminal. The set is re-fetched in full each tick; checks may appear or
// vanish between polls.
func (o *Orchestrator) waitForChecks(ctx context.Context, branch string, cr *hosting.ChangeRequest, opts Options) (*hosting.ChangeRequest, error) {
	latest := cr

	if st := classifyChecks(latest.Checks); st.Kind == poll.Done {
		return latest, nil
	} else if st.Kind == poll.Blocked {
		return latest, fmt.Errorf("%w: %s", ErrChecksFailed, st.Reason)
	}

	loop := poll.New(opts.Interval, opts.MaxWait, o.logger)
	loop.OnProgress = o.printer.Progress

	_, err := loop.Run(ctx, func(ctx context.Context) (poll.Status, error) {
		fresh, err := o.hosting.ChangeRequestForBranch(ctx, branch)
		if err != nil {
			return poll.Status{}, err
		}
		latest = fresh
		return classifyChecks(fresh.Checks), nil
	})
	if err != nil {
		if errors.Is(err, poll.ErrBlocked) {
			return latest, fmt.Errorf("%w: %v", ErrChecksFailed, err)
		}
		if errors.Is(err, poll.ErrTimeout) {
			return latest, fmt.Errorf("%w: %v", ErrChecksTimedOut, err)
		}
		return latest, err
	}
	return latest, nil
}

// classifyChecks maps a check set onto the poll vocabulary: any
// failure-class conclusion blocks, any non-terminal check continues, an
// empty set (no checks configured) is done.
func classifyChecks(checks []hosting.Check) poll.Status {
	var failing, outstanding []string
	for _, c := range checks {
		switch c.Conclusion {
		case "failure", "error", "cancelled", "timed_out", "startup_failure":
			failing = append(failing, c.Name)
		case "":
			// A bare ERROR state is a terminal failure even when the
			// node carried no conclusion to normalize.
			if c.Status == "ERROR" {
				failing = append(failing, c.Name)
			} else if c.Status != "COMPLETED" {
				outstanding = append(outstanding, c.Name)
			}
		}
	}
	if len(failing) > 0 {
		return poll.Status{Kind: poll.Blocked, Reason: "failing: " + strings.Join(failing, ", ")}
	}
	if len(outstanding) > 0 {
		return poll.Status{Kind: poll.Continue, Outstanding: outstanding}
	}
	return poll.Status{Kind: poll.Done}
}

func merged(cr *hosting.ChangeRequest) bool {
	if cr.State == hosting.StateMerged {
		return true
	}
	return cr.State == hosting.StateClosed && cr.MergedAt != nil
}

// cleanup transitions the working tree back to mainline and drops the
// session's local traces. Runs only once the merge outcome is terminal.
func (o *Orchestrator) cleanup(ctx context.Context, branch string, number int) error {
	dirty, err := o.repo.HasUncommittedChanges(ctx)
	if err != nil {
		return fmt.Errorf("detect uncommitted changes: %w", err)
	}
	if dirty {
		// Stash rather than discard: whatever is in the tree may be the
		// only copy.
		o.printer.Warn("uncommitted changes stashed before cleanup (git stash pop to recover)")
		if err := o.repo.Stash(ctx, "autoland: pre-cleanup"); err != nil {
			return fmt.Errorf("stash local changes: %w", err)
		}
	}

	if err := o.repo.Checkout(ctx, o.mainline); err != nil {
		return fmt.Errorf("checkout %s: %w", o.mainline, err)
	}

	if err := o.repo.Pull(ctx); err != nil {
		// Last resort, and lossy: conflicting hunks take the remote side.
		o.printer.Warn("pull of %s failed, retrying preferring remote content: %v", o.mainline, err)
		o.logger.Warn("pull failed, falling back to remote-preferred merge", "err", err)
		if err := o.repo.PullPreferRemote(ctx); err != nil {
			return fmt.Errorf("pull %s: %w", o.mainline, err)
		}
		o.printer.Warn("pull recovered by preferring remote versions of conflicting files")
	}

	if err := o.repo.DeleteBranch(ctx, branch); err != nil {
		o.logger.Warn("delete local branch failed", "branch", branch, "err", err)
	}
	if err := o.repo.DeleteRemoteTrackingRef(ctx, branch); err != nil {
		o.logger.Warn("delete remote-tracking ref failed", "branch", branch, "err", err)
	}

	if o.sess != nil && o.sess.Issue != "" {
		sig := output.NewSignal(output.KindIssueStatus).
			Add("issue", o.sess.Issue).
			Add("pr", strconv.Itoa(number)).
			Add("mainline", o.mainline)
		o.printer.Emit(sig)
	}

	if err := session.Clear(o.sessDir); err != nil {
		o.logger.Warn("clear session state failed", "err", err)
	}
	o.printer.Success("cleanup done, working tree is back on %s", o.mainline)
	return nil
}
