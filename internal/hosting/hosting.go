package hosting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// ErrNoChangeRequest is returned when no change request exists for a branch.
var ErrNoChangeRequest = errors.New("no change request for branch")

// Change request states as reported by the hosting API.
const (
	StateOpen   = "OPEN"
	StateMerged = "MERGED"
	StateClosed = "CLOSED"
)

// Mergeability values.
const (
	Mergeable        = "MERGEABLE"
	Conflicting      = "CONFLICTING"
	MergeableUnknown = "UNKNOWN"
)

// Review decisions. An empty decision means no review policy applies.
const (
	ReviewApproved         = "APPROVED"
	ReviewRequired         = "REVIEW_REQUIRED"
	ReviewChangesRequested = "CHANGES_REQUESTED"
)

type ChangeRequest struct {
	Number         int        `json:"number"`
	State          string     `json:"state"`
	MergedAt       *time.Time `json:"mergedAt"`
	Mergeable      string     `json:"mergeable"`
	ReviewDecision string     `json:"reviewDecision"`
	URL            string     `json:"url"`
	HeadRef        string     `json:"headRefName"`
	BaseRef        string     `json:"baseRefName"`

	Checks            []Check     `json:"-"`
	StatusCheckRollup []checkNode `json:"statusCheckRollup"`
}

type Check struct {
	Name       string
	Status     string
	Conclusion string
}

// checkNode covers both check-run and legacy status-context shapes; the
// rollup mixes them and the field sets differ.
type checkNode struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	Context    string `json:"context"`
	State      string `json:"state"`
}

type MergeOptions struct {
	Method string // squash|merge
	Admin  bool   // bypass required-approval branch protection
}

type Client struct {
	logger *slog.Logger
}

func NewClient(logger *slog.Logger) *Client {
	return &Client{logger: logger}
}

const crFields = "number,state,mergedAt,mergeable,reviewDecision,url,headRefName,baseRefName,statusCheckRollup"

// ChangeRequestForBranch resolves the change request whose head is branch.
// The full check set is re-fetched on every call; callers must not cache
// check membership across polls.
func (c *Client) ChangeRequestForBranch(ctx context.Context, branch string) (*ChangeRequest, error) {
	out, err := c.gh(ctx, "pr", "view", branch, "--json", crFields)
	if err != nil {
		if strings.Contains(err.Error(), "no pull requests found") {
			return nil, ErrNoChangeRequest
		}
		return nil, fmt.Errorf("resolve change request for %q: %w", branch, err)
	}

	var cr ChangeRequest
	if err := json.Unmarshal(out, &cr); err != nil {
		return nil, fmt.Errorf("parse change request for %q: %w", branch, err)
	}

	cr.Checks = normalizeChecks(cr.StatusCheckRollup)
	return &cr, nil
}

type adminResponse struct {
	Data struct {
		Repository struct {
			PullRequest struct {
				ViewerCanMergeAsAdmin bool `json:"viewerCanMergeAsAdmin"`
			} `json:"pullRequest"`
		} `json:"repository"`
	} `json:"data"`
}

// RepoIdentity returns the "owner/name" identity of the current repo.
func (c *Client) RepoIdentity(ctx context.Context) (string, error) {
	out, err := c.gh(ctx, "repo", "view", "--json", "nameWithOwner")
	if err != nil {
		return "", fmt.Errorf("resolve repo identity: %w", err)
	}
	var v struct {
		NameWithOwner string `json:"nameWithOwner"`
	}
	if err := json.Unmarshal(out, &v); err != nil {
		return "", fmt.Errorf("parse repo identity: %w", err)
	}
	return v.NameWithOwner, nil
}

// ViewerCanMergeAsAdmin reports whether the caller holds the elevated
// merge privilege on this change request. The porcelain does not expose
// the field, so this goes through GraphQL.
func (c *Client) ViewerCanMergeAsAdmin(ctx context.Context, number int) (bool, error) {
	identity, err := c.RepoIdentity(ctx)
	if err != nil {
		return false, err
	}
	owner, repo, ok := strings.Cut(identity, "/")
	if !ok {
		return false, fmt.Errorf("malformed repo identity %q", identity)
	}

	query := `query($owner: String!, $repo: String!, $pr: Int!) {
  repository(owner: $owner, name: $repo) {
    pullRequest(number: $pr) {
      viewerCanMergeAsAdmin
    }
  }
}`

	out, err := c.gh(ctx,
		"api", "graphql",
		"-f", "owner="+owner,
		"-f", "repo="+repo,
		"-F", fmt.Sprintf("pr=%d", number),
		"-f", "query="+query,
	)
	if err != nil {
		return false, fmt.Errorf("query admin privilege for #%d: %w", number, err)
	}

	var resp adminResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return false, fmt.Errorf("parse admin privilege for #%d: %w", number, err)
	}
	return resp.Data.Repository.PullRequest.ViewerCanMergeAsAdmin, nil
}

// Merge merges the change request. Squash keeps mainline history linear;
// the remote branch is deleted by the hosting side.
func (c *Client) Merge(ctx context.Context, number int, opts MergeOptions) error {
	args := []string{"pr", "merge", fmt.Sprintf("%d", number), "--delete-branch"}

	switch opts.Method {
	case "merge":
		args = append(args, "--merge")
	default:
		args = append(args, "--squash")
	}
	if opts.Admin {
		args = append(args, "--admin")
	}

	if _, err := c.gh(ctx, args...); err != nil {
		return fmt.Errorf("merge #%d: %w", number, err)
	}
	return nil
}

func (c *Client) gh(ctx context.Context, args ...string) ([]byte, error) {
	c.logger.Debug("gh", "args", strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, "gh", args...)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("%w: %s", err, string(exitErr.Stderr))
		}
		return nil, err
	}
	return out, nil
}

func normalizeChecks(nodes []checkNode) []Check {
	var checks []Check
	for _, n := range nodes {
		name := n.Name
		if name == "" {
			name = n.Context
		}
		status := n.Status
		if status == "" {
			status = n.State
		}
		conclusion := n.Conclusion
		if conclusion == "" {
			switch n.State {
			case "SUCCESS":
				conclusion = "success"
			case "FAILURE":
				conclusion = "failure"
			case "ERROR":
				conclusion = "error"
			}
		}
		checks = append(checks, Check{
			Name:       name,
			Status:     strings.ToUpper(status),
			Conclusion: strings.ToLower(conclusion),
		})
	}
	return checks
}
