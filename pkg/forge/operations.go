package forge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agent-forge/agent-forge/pkg/accounts"
	"github.com/agent-forge/agent-forge/pkg/models"
)

// Wire shapes for the forge's REST API.
type wireLabel struct {
	Name string `json:"name"`
}

type wireUser struct {
	Login string `json:"login"`
}

type wireIssue struct {
	Number      int         `json:"number"`
	Title       string      `json:"title"`
	Body        string      `json:"body"`
	State       string      `json:"state"`
	Labels      []wireLabel `json:"labels"`
	Assignees   []wireUser  `json:"assignees"`
	PullRequest *struct{}   `json:"pull_request,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

type wireComment struct {
	ID   int64    `json:"id"`
	Body string   `json:"body"`
	User wireUser `json:"user"`
}

type wirePull struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	State  string `json:"state"`
	Merged bool   `json:"merged"`
	Head   struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	} `json:"base"`
}

func (w *wireIssue) toModel(repo string) models.Issue {
	issue := models.Issue{
		Ref:       models.IssueRef{Repo: repo, Number: w.Number},
		Title:     w.Title,
		Body:      w.Body,
		State:     w.State,
		IsPR:      w.PullRequest != nil,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}
	for _, l := range w.Labels {
		issue.Labels = append(issue.Labels, l.Name)
	}
	for _, a := range w.Assignees {
		issue.Assignees = append(issue.Assignees, a.Login)
	}
	return issue
}

func (w *wirePull) toModel(repo string) models.PullRequest {
	return models.PullRequest{
		Repo:   repo,
		Number: w.Number,
		Title:  w.Title,
		Head:   w.Head.Ref,
		Base:   w.Base.Ref,
		State:  w.State,
		Merged: w.Merged,
	}
}

// IssueFilter narrows ListIssues.
type IssueFilter struct {
	Labels   []string
	Assignee string
	State    string
}

// ListIssues returns open issues in the repository matching the filter,
// oldest first.
func (c *Client) ListIssues(ctx context.Context, identity, repo string, filter IssueFilter) ([]models.Issue, error) {
	q := url.Values{}
	q.Set("sort", "created")
	q.Set("direction", "asc")
	q.Set("per_page", "100")
	if filter.State != "" {
		q.Set("state", filter.State)
	} else {
		q.Set("state", "open")
	}
	if len(filter.Labels) > 0 {
		q.Set("labels", strings.Join(filter.Labels, ","))
	}
	if filter.Assignee != "" {
		q.Set("assignee", filter.Assignee)
	}

	var wire []wireIssue
	path := fmt.Sprintf("/repos/%s/issues?%s", repo, q.Encode())
	if err := c.read(ctx, identity, path, &wire); err != nil {
		return nil, fmt.Errorf("listing issues in %s: %w", repo, err)
	}

	issues := make([]models.Issue, 0, len(wire))
	for i := range wire {
		issues = append(issues, wire[i].toModel(repo))
	}
	return issues, nil
}

// GetIssue fetches one issue with its current labels.
func (c *Client) GetIssue(ctx context.Context, identity string, ref models.IssueRef) (*models.Issue, error) {
	var wire wireIssue
	path := fmt.Sprintf("/repos/%s/issues/%d", ref.Repo, ref.Number)
	if err := c.read(ctx, identity, path, &wire); err != nil {
		return nil, fmt.Errorf("fetching %s: %w", ref, err)
	}
	issue := wire.toModel(ref.Repo)
	return &issue, nil
}

// ListComments returns the comments on an issue or PR.
func (c *Client) ListComments(ctx context.Context, identity string, ref models.IssueRef) ([]wireComment, error) {
	var comments []wireComment
	path := fmt.Sprintf("/repos/%s/issues/%d/comments?per_page=100", ref.Repo, ref.Number)
	if err := c.read(ctx, identity, path, &comments); err != nil {
		return nil, fmt.Errorf("listing comments on %s: %w", ref, err)
	}
	return comments, nil
}

// CreateComment posts a comment on an issue or PR.
func (c *Client) CreateComment(ctx context.Context, identity string, ref models.IssueRef, body string) error {
	kind := models.OpIssueComment
	path := fmt.Sprintf("/repos/%s/issues/%d/comments", ref.Repo, ref.Number)
	err := c.write(ctx, identity, accounts.CapComment, kind, ref.String(), body, http.MethodPost, path,
		map[string]string{"body": body}, nil)
	if err != nil {
		return fmt.Errorf("commenting on %s: %w", ref, err)
	}
	return nil
}

// EnsureComment posts a comment exactly once per marker. The marker is
// embedded as an invisible HTML comment so a restarted run can detect its
// own prior comment and skip the write entirely.
func (c *Client) EnsureComment(ctx context.Context, identity string, ref models.IssueRef, body, marker string) error {
	sentinel := fmt.Sprintf(commentMarkerFormat, marker)
	existing, err := c.ListComments(ctx, identity, ref)
	if err != nil {
		return err
	}
	for _, cm := range existing {
		if strings.Contains(cm.Body, strings.TrimSpace(sentinel)) {
			return nil
		}
	}
	return c.CreateComment(ctx, identity, ref, body+sentinel)
}

// AddLabel attaches a label to an issue. Adding a label that is already
// present is a no-op on the forge side, so no presence check is needed for
// idempotency; EnsureLabel exists to avoid burning a write.
func (c *Client) AddLabel(ctx context.Context, identity string, ref models.IssueRef, label string) error {
	path := fmt.Sprintf("/repos/%s/issues/%d/labels", ref.Repo, ref.Number)
	err := c.write(ctx, identity, accounts.CapLabel, models.OpIssueUpdate, ref.String(), "label:"+label,
		http.MethodPost, path, map[string][]string{"labels": {label}}, nil)
	if err != nil {
		return fmt.Errorf("adding label %q to %s: %w", label, ref, err)
	}
	return nil
}

// EnsureLabel adds a label only if the issue does not already carry it.
func (c *Client) EnsureLabel(ctx context.Context, identity string, ref models.IssueRef, label string) error {
	issue, err := c.GetIssue(ctx, identity, ref)
	if err != nil {
		return err
	}
	if issue.HasLabel(label) {
		return nil
	}
	return c.AddLabel(ctx, identity, ref, label)
}

// RemoveLabel detaches a label. A 404 from the forge (label absent) is
// treated as success.
func (c *Client) RemoveLabel(ctx context.Context, identity string, ref models.IssueRef, label string) error {
	path := fmt.Sprintf("/repos/%s/issues/%d/labels/%s", ref.Repo, ref.Number, url.PathEscape(label))
	err := c.write(ctx, identity, accounts.CapLabel, models.OpIssueUpdate, ref.String(), "unlabel:"+label,
		http.MethodDelete, path, nil, nil)
	if err != nil && strings.Contains(err.Error(), "HTTP 404") {
		return nil
	}
	if err != nil {
		return fmt.Errorf("removing label %q from %s: %w", label, ref, err)
	}
	return nil
}

// CreateIssue opens a new issue (used by coordinator orchestration to file
// sub-issues) and returns its reference.
func (c *Client) CreateIssue(ctx context.Context, identity, repo, title, body string, labels []string) (models.IssueRef, error) {
	var wire wireIssue
	path := fmt.Sprintf("/repos/%s/issues", repo)
	err := c.write(ctx, identity, accounts.CapOpenIssue, models.OpIssueCreate, repo, title+"\n"+body,
		http.MethodPost, path, map[string]any{"title": title, "body": body, "labels": labels}, &wire)
	if err != nil {
		return models.IssueRef{}, fmt.Errorf("creating issue in %s: %w", repo, err)
	}
	return models.IssueRef{Repo: repo, Number: wire.Number}, nil
}

// CreateBranch creates a ref pointing at the given base SHA.
func (c *Client) CreateBranch(ctx context.Context, identity, repo, branch, baseSHA string) error {
	path := fmt.Sprintf("/repos/%s/git/refs", repo)
	err := c.write(ctx, identity, accounts.CapBranch, models.OpBranchCreate, repo+":"+branch, branch,
		http.MethodPost, path, map[string]string{"ref": "refs/heads/" + branch, "sha": baseSHA}, nil)
	if err != nil {
		return fmt.Errorf("creating branch %s in %s: %w", branch, repo, err)
	}
	return nil
}

// DeleteBranch removes a ref. Absent refs are treated as already deleted.
func (c *Client) DeleteBranch(ctx context.Context, identity, repo, branch string) error {
	path := fmt.Sprintf("/repos/%s/git/refs/heads/%s", repo, url.PathEscape(branch))
	err := c.write(ctx, identity, accounts.CapBranch, models.OpBranchCreate, repo+":"+branch, "delete:"+branch,
		http.MethodDelete, path, nil, nil)
	if err != nil && strings.Contains(err.Error(), "HTTP 404") {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting branch %s in %s: %w", branch, repo, err)
	}
	return nil
}

// DefaultBranchSHA returns the HEAD commit of the repository's default
// branch, for branching new work from.
func (c *Client) DefaultBranchSHA(ctx context.Context, identity, repo, branch string) (string, error) {
	var wire struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	path := fmt.Sprintf("/repos/%s/git/refs/heads/%s", repo, url.PathEscape(branch))
	if err := c.read(ctx, identity, path, &wire); err != nil {
		return "", fmt.Errorf("resolving %s HEAD in %s: %w", branch, repo, err)
	}
	return wire.Object.SHA, nil
}

// CreatePullRequest opens a PR from head into base.
func (c *Client) CreatePullRequest(ctx context.Context, identity, repo, title, body, head, base string) (*models.PullRequest, error) {
	var wire wirePull
	path := fmt.Sprintf("/repos/%s/pulls", repo)
	err := c.write(ctx, identity, accounts.CapOpenPR, models.OpPRCreate, repo+":"+head, title+"\n"+body,
		http.MethodPost, path, map[string]string{"title": title, "body": body, "head": head, "base": base}, &wire)
	if err != nil {
		return nil, fmt.Errorf("opening PR %s -> %s in %s: %w", head, base, repo, err)
	}
	pr := wire.toModel(repo)
	return &pr, nil
}

// GetPullRequest fetches PR state, including merge status.
func (c *Client) GetPullRequest(ctx context.Context, identity, repo string, number int) (*models.PullRequest, error) {
	var wire wirePull
	path := fmt.Sprintf("/repos/%s/pulls/%d", repo, number)
	if err := c.read(ctx, identity, path, &wire); err != nil {
		return nil, fmt.Errorf("fetching PR %s#%d: %w", repo, number, err)
	}
	pr := wire.toModel(repo)
	return &pr, nil
}

// MergePullRequest merges a PR. The identity must hold the merge capability,
// which the default capability set withholds.
func (c *Client) MergePullRequest(ctx context.Context, identity, repo string, number int) error {
	target := fmt.Sprintf("%s#%d", repo, number)
	path := fmt.Sprintf("/repos/%s/pulls/%d/merge", repo, number)
	err := c.write(ctx, identity, accounts.CapMerge, models.OpPRMerge, target, "merge",
		http.MethodPut, path, map[string]string{"merge_method": "squash"}, nil)
	if err != nil {
		return fmt.Errorf("merging PR %s: %w", target, err)
	}
	return nil
}

// AuthenticatedUser returns the login of the identity's forge account.
func (c *Client) AuthenticatedUser(ctx context.Context, identity string) (string, error) {
	var wire wireUser
	if err := c.read(ctx, identity, "/user", &wire); err != nil {
		return "", fmt.Errorf("resolving authenticated user: %w", err)
	}
	return wire.Login, nil
}

// RateLimitStatus asks the forge for the current budget. The response also
// refreshes the limiter's budget view via the standard headers.
func (c *Client) RateLimitStatus(ctx context.Context, identity string) (remaining int, reset time.Time, err error) {
	var wire struct {
		Resources struct {
			Core struct {
				Remaining int   `json:"remaining"`
				Reset     int64 `json:"reset"`
			} `json:"core"`
		} `json:"resources"`
	}
	if err := c.read(ctx, identity, "/rate_limit", &wire); err != nil {
		return 0, time.Time{}, fmt.Errorf("fetching rate limit status: %w", err)
	}
	reset = time.Unix(wire.Resources.Core.Reset, 0)
	c.limiter.SetBudget(wire.Resources.Core.Remaining, reset)
	return wire.Resources.Core.Remaining, reset, nil
}
