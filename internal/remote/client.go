// Package remote talks to the GitHub-style issue tracker that mirrors the
// local journal. It owns the label/field mapping, the error taxonomy, and
// retry policy for transient failures.
package remote

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/stitchwork/stitch/internal/types"
)

// IssueFields carries a partial remote issue update. Nil fields are left
// unchanged on the remote side.
type IssueFields struct {
	Title  *string
	Body   *string
	State  *string
	Labels []string
}

// File is a tracked file fetched from the remote repository. RevisionToken is
// the opaque identity of the fetched content; WriteFile uses it for
// optimistic concurrency.
type File struct {
	Content       []byte
	RevisionToken string
}

// Client is the remote tracker surface the sync actor consumes. The GitHub
// implementation is the only production one; tests substitute fakes.
type Client interface {
	CreateIssue(ctx context.Context, title, body string, labels []string) (*types.RemoteIssue, error)
	UpdateIssue(ctx context.Context, number int, fields IssueFields) (*types.RemoteIssue, error)
	CloseIssue(ctx context.Context, number int) error
	GetIssue(ctx context.Context, number int) (*types.RemoteIssue, error)
	ListIssues(ctx context.Context, since time.Time) ([]*types.RemoteIssue, error)

	ListComments(ctx context.Context, number int, since time.Time) ([]*types.Comment, error)
	CreateComment(ctx context.Context, number int, body string) (int64, error)

	ListMilestones(ctx context.Context) ([]*types.Milestone, error)

	ReadFile(ctx context.Context, path string) (*File, error)
	WriteFile(ctx context.Context, path string, content []byte, message, expectedRevisionToken string) (string, error)
}

// GitHubClient implements Client against the GitHub REST API.
type GitHubClient struct {
	client *github.Client
	owner  string
	repo   string
	branch string
}

// NewGitHubClient creates an authenticated client for one repository.
func NewGitHubClient(token, owner, repo, branch string) *GitHubClient {
	var tc *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		tc = oauth2.NewClient(context.Background(), ts)
	}
	if branch == "" {
		branch = "main"
	}
	return &GitHubClient{
		client: github.NewClient(tc),
		owner:  owner,
		repo:   repo,
		branch: branch,
	}
}

// NewGitHubClientForURL points the client at a non-default API endpoint,
// used by tests and GitHub Enterprise installs.
func NewGitHubClientForURL(baseURL, token, owner, repo, branch string) (*GitHubClient, error) {
	c := NewGitHubClient(token, owner, repo, branch)
	client, err := c.client.WithEnterpriseURLs(baseURL, baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to set API base URL: %w", err)
	}
	c.client = client
	return c, nil
}

func normalizeIssue(issue *github.Issue) *types.RemoteIssue {
	ri := &types.RemoteIssue{
		ID:        issue.GetID(),
		Number:    issue.GetNumber(),
		Title:     issue.GetTitle(),
		Body:      issue.GetBody(),
		State:     issue.GetState(),
		Assignee:  issue.GetAssignee().GetLogin(),
		CreatedAt: issue.GetCreatedAt().Time,
		UpdatedAt: issue.GetUpdatedAt().Time,
	}
	if issue.ClosedAt != nil {
		t := issue.ClosedAt.Time
		ri.ClosedAt = &t
	}
	for _, l := range issue.Labels {
		ri.Labels = append(ri.Labels, l.GetName())
	}
	return ri
}

// CreateIssue opens a new remote issue.
func (c *GitHubClient) CreateIssue(ctx context.Context, title, body string, labels []string) (*types.RemoteIssue, error) {
	req := &github.IssueRequest{
		Title:  &title,
		Body:   &body,
		Labels: &labels,
	}
	issue, _, err := c.client.Issues.Create(ctx, c.owner, c.repo, req)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to create issue: %w", err))
	}
	return normalizeIssue(issue), nil
}

// UpdateIssue applies a partial edit to the remote issue.
func (c *GitHubClient) UpdateIssue(ctx context.Context, number int, fields IssueFields) (*types.RemoteIssue, error) {
	req := &github.IssueRequest{
		Title: fields.Title,
		Body:  fields.Body,
		State: fields.State,
	}
	if fields.Labels != nil {
		req.Labels = &fields.Labels
	}
	issue, _, err := c.client.Issues.Edit(ctx, c.owner, c.repo, number, req)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to update issue #%d: %w", number, err))
	}
	return normalizeIssue(issue), nil
}

// CloseIssue transitions the remote issue to closed.
func (c *GitHubClient) CloseIssue(ctx context.Context, number int) error {
	state := "closed"
	_, _, err := c.client.Issues.Edit(ctx, c.owner, c.repo, number, &github.IssueRequest{State: &state})
	if err != nil {
		return classify(fmt.Errorf("failed to close issue #%d: %w", number, err))
	}
	return nil
}

// GetIssue fetches one remote issue by number.
func (c *GitHubClient) GetIssue(ctx context.Context, number int) (*types.RemoteIssue, error) {
	issue, _, err := c.client.Issues.Get(ctx, c.owner, c.repo, number)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get issue #%d: %w", number, err))
	}
	return normalizeIssue(issue), nil
}

// ListIssues pages through every issue updated at or after since. Pull
// requests share the issues endpoint and are filtered out.
func (c *GitHubClient) ListIssues(ctx context.Context, since time.Time) ([]*types.RemoteIssue, error) {
	opts := &github.IssueListByRepoOptions{
		State:       "all",
		Sort:        "updated",
		Direction:   "asc",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	if !since.IsZero() {
		opts.Since = since
	}

	var all []*types.RemoteIssue
	for {
		issues, resp, err := c.client.Issues.ListByRepo(ctx, c.owner, c.repo, opts)
		if err != nil {
			return nil, classify(fmt.Errorf("failed to list issues: %w", err))
		}
		for _, issue := range issues {
			if issue.IsPullRequest() {
				continue
			}
			all = append(all, normalizeIssue(issue))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// ListComments pages through comments on an issue created after since.
func (c *GitHubClient) ListComments(ctx context.Context, number int, since time.Time) ([]*types.Comment, error) {
	opts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	if !since.IsZero() {
		opts.Since = &since
	}

	var all []*types.Comment
	for {
		comments, resp, err := c.client.Issues.ListComments(ctx, c.owner, c.repo, number, opts)
		if err != nil {
			return nil, classify(fmt.Errorf("failed to list comments for #%d: %w", number, err))
		}
		for _, cm := range comments {
			all = append(all, &types.Comment{
				Author:          cm.GetUser().GetLogin(),
				Body:            cm.GetBody(),
				RemoteCommentID: cm.GetID(),
				CreatedAt:       cm.GetCreatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// CreateComment posts a comment and returns its remote id.
func (c *GitHubClient) CreateComment(ctx context.Context, number int, body string) (int64, error) {
	cm, _, err := c.client.Issues.CreateComment(ctx, c.owner, c.repo, number, &github.IssueComment{Body: &body})
	if err != nil {
		return 0, classify(fmt.Errorf("failed to create comment on #%d: %w", number, err))
	}
	return cm.GetID(), nil
}

// ListMilestones fetches all milestones, open and closed.
func (c *GitHubClient) ListMilestones(ctx context.Context) ([]*types.Milestone, error) {
	opts := &github.MilestoneListOptions{
		State:       "all",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var all []*types.Milestone
	for {
		milestones, resp, err := c.client.Issues.ListMilestones(ctx, c.owner, c.repo, opts)
		if err != nil {
			return nil, classify(fmt.Errorf("failed to list milestones: %w", err))
		}
		for _, m := range milestones {
			ref := fmt.Sprintf("ms-%d", m.GetNumber())
			ms := &types.Milestone{
				ID:          fmt.Sprintf("%d", m.GetNumber()),
				Title:       m.GetTitle(),
				State:       m.GetState(),
				ExternalRef: &ref,
			}
			if m.DueOn != nil {
				t := m.DueOn.Time
				ms.DueOn = &t
			}
			all = append(all, ms)
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// ReadFile fetches a tracked file. The returned RevisionToken is the blob
// SHA required for a subsequent WriteFile.
func (c *GitHubClient) ReadFile(ctx context.Context, path string) (*File, error) {
	opts := &github.RepositoryContentGetOptions{Ref: c.branch}
	content, _, _, err := c.client.Repositories.GetContents(ctx, c.owner, c.repo, path, opts)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to read %s: %w", path, err))
	}
	if content == nil {
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotFound, path)
	}
	decoded, err := content.GetContent()
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return &File{Content: []byte(decoded), RevisionToken: content.GetSHA()}, nil
}

// WriteFile commits new content for path. expectedRevisionToken must match
// the current remote revision; pass empty to create a new file. Returns the
// new revision token.
func (c *GitHubClient) WriteFile(ctx context.Context, path string, content []byte, message, expectedRevisionToken string) (string, error) {
	opts := &github.RepositoryContentFileOptions{
		Message: &message,
		Content: content,
		Branch:  &c.branch,
	}
	if expectedRevisionToken != "" {
		opts.SHA = &expectedRevisionToken
	}
	resp, _, err := c.client.Repositories.UpdateFile(ctx, c.owner, c.repo, path, opts)
	if err != nil {
		return "", classify(fmt.Errorf("failed to write %s: %w", path, err))
	}
	return resp.GetContent().GetSHA(), nil
}
