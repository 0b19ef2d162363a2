// Package types defines core data structures for the stitch issue synchronizer.
package types

import (
	"fmt"
	"time"
)

// Issue represents a trackable work item owned by one repository's actor.
// The same issue may exist on the remote tracker side; external_ref links
// the two copies.
type Issue struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	Status    Status    `json:"status,omitempty"`
	Priority  int       `json:"priority"` // No omitempty: 0 is valid (P0/critical)
	IssueType IssueType `json:"issue_type,omitempty"`

	Assignee string `json:"assignee,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`

	// ExternalRef points at the remote-side issue, e.g. "gh-42".
	// Unique per repository when present.
	ExternalRef *string `json:"external_ref,omitempty"`

	// MilestoneID references a Milestone row; not modeled as a dependency.
	MilestoneID string `json:"milestone_id,omitempty"`

	// LastSyncAt is the timestamp of the most recent cross-authority write.
	// Used for the propagation debounce window; never exported to the journal.
	LastSyncAt *time.Time `json:"-"`

	Labels []string `json:"labels,omitempty"`
}

// Validate checks if the issue has valid field values.
func (i *Issue) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("id is required")
	}
	if len(i.Title) == 0 {
		return fmt.Errorf("title is required")
	}
	if len(i.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(i.Title))
	}
	if i.Priority < 0 || i.Priority > 4 {
		return fmt.Errorf("priority must be between 0 and 4 (got %d)", i.Priority)
	}
	if !i.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", i.Status)
	}
	if !i.IssueType.IsValid() {
		return fmt.Errorf("invalid issue type: %s", i.IssueType)
	}
	if i.Status == StatusClosed && i.ClosedAt == nil {
		return fmt.Errorf("closed issues must have closed_at timestamp")
	}
	if i.Status != StatusClosed && i.ClosedAt != nil {
		return fmt.Errorf("non-closed issues cannot have closed_at timestamp")
	}
	return nil
}

// SetDefaults applies default values for fields omitted during journal import.
// Call this after json.Unmarshal so missing optional fields get proper values.
func (i *Issue) SetDefaults() {
	if i.Status == "" {
		i.Status = StatusOpen
	}
	if i.IssueType == "" {
		i.IssueType = TypeTask
	}
	if i.CreatedAt.IsZero() {
		i.CreatedAt = time.Now().UTC()
	}
	if i.UpdatedAt.IsZero() {
		i.UpdatedAt = i.CreatedAt
	}
}

// Status represents the current state of an issue.
type Status string

// Issue status constants
const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusClosed     Status = "closed"
)

// IsValid checks if the status value is valid.
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusClosed:
		return true
	}
	return false
}

// IssueType categorizes the kind of work.
type IssueType string

// Issue type constants
const (
	TypeBug     IssueType = "bug"
	TypeFeature IssueType = "feature"
	TypeTask    IssueType = "task"
	TypeEpic    IssueType = "epic"
	TypeChore   IssueType = "chore"
)

// IsValid checks if the issue type is a known work type.
func (t IssueType) IsValid() bool {
	switch t {
	case TypeBug, TypeFeature, TypeTask, TypeEpic, TypeChore:
		return true
	}
	return false
}

// Dependency represents a directed relationship between two issues in the
// same repository: IssueID depends on DependsOnID.
type Dependency struct {
	IssueID     string         `json:"issue_id"`
	DependsOnID string         `json:"depends_on_id"`
	Type        DependencyType `json:"type"`
	CreatedAt   time.Time      `json:"created_at"`
}

// DependencyType categorizes the relationship.
type DependencyType string

// Dependency type constants
const (
	DepBlocks         DependencyType = "blocks"
	DepRelated        DependencyType = "related"
	DepParentChild    DependencyType = "parent-child"
	DepDiscoveredFrom DependencyType = "discovered-from"
)

// IsValid checks if the dependency type value is valid.
func (d DependencyType) IsValid() bool {
	switch d {
	case DepBlocks, DepRelated, DepParentChild, DepDiscoveredFrom:
		return true
	}
	return false
}

// AffectsReadiness returns true if this dependency type blocks work.
func (d DependencyType) AffectsReadiness() bool {
	return d == DepBlocks
}

// Label represents a free-form tag on an issue, distinct from the structured
// priority/status/type fields that are mirrored into remote labels.
type Label struct {
	IssueID string `json:"issue_id"`
	Label   string `json:"label"`
}

// Comment represents a comment mirrored from the remote tracker. Append-only.
type Comment struct {
	ID              int64     `json:"id"`
	IssueID         string    `json:"issue_id"`
	Author          string    `json:"author"`
	Body            string    `json:"body"`
	RemoteCommentID int64     `json:"remote_comment_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// CrossRepoStatus tracks the lifecycle of a cross-repository dependency.
type CrossRepoStatus string

// Cross-repo dependency status constants
const (
	CrossRepoPending   CrossRepoStatus = "pending"
	CrossRepoSatisfied CrossRepoStatus = "satisfied"
	CrossRepoFailed    CrossRepoStatus = "failed"
)

// IsValid checks if the cross-repo status value is valid.
func (s CrossRepoStatus) IsValid() bool {
	switch s {
	case CrossRepoPending, CrossRepoSatisfied, CrossRepoFailed:
		return true
	}
	return false
}

// CrossRepoDependency is a dependency edge whose target issue lives in a
// different repository's actor instance.
type CrossRepoDependency struct {
	IssueID        string          `json:"issue_id"`
	DependsOnRepo  string          `json:"depends_on_repo"`
	DependsOnIssue string          `json:"depends_on_issue"`
	Type           DependencyType  `json:"type"`
	Status         CrossRepoStatus `json:"status"`
	LastCheckedAt  *time.Time      `json:"last_checked_at,omitempty"`
}

// Milestone groups issues by an issue->milestone reference field.
type Milestone struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	State       string     `json:"state"` // open or closed
	DueOn       *time.Time `json:"due_on,omitempty"`
	ExternalRef *string    `json:"external_ref,omitempty"`
}

// SyncLogEntry is an append-only audit row for observability. It is written
// by the actor and exposed via the status API, never read by the engine.
type SyncLogEntry struct {
	ID        int64     `json:"id"`
	Operation string    `json:"operation"`
	IssueID   string    `json:"issue_id,omitempty"`
	Outcome   string    `json:"outcome"` // ok or error
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sync log outcome constants
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// IssueFilter is used to filter issue queries.
type IssueFilter struct {
	Status    *Status
	Priority  *int // nil = all priorities
	IssueType *IssueType
	Assignee  *string
	Label     string
	Limit     int
	Offset    int
}

// EpicProgress reports completion over an epic's parent-child children.
type EpicProgress struct {
	EpicID    string `json:"epic_id"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Percent   int    `json:"percent"`
}

// Done reports whether the epic counts as completed: every child closed and
// at least one child present.
func (p EpicProgress) Done() bool {
	return p.Total > 0 && p.Completed == p.Total
}

// RemoteIssue is the normalized shape of an issue payload received from the
// remote tracker, either via webhook or via the REST client.
type RemoteIssue struct {
	ID     int64    `json:"id"`
	Number int      `json:"number"`
	Title  string   `json:"title"`
	Body   string   `json:"body,omitempty"`
	State  string   `json:"state"` // open or closed
	Labels []string `json:"labels,omitempty"`

	Assignee  string     `json:"assignee,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// Ref returns the external_ref string for this remote issue.
func (r *RemoteIssue) Ref() string {
	return fmt.Sprintf("gh-%d", r.Number)
}

// TriggerEvent is the idempotent "ready to work" notification handed to the
// workflow trigger. Repeated emission with the same TriggerID is a no-op for
// the consumer.
type TriggerEvent struct {
	TriggerID string `json:"triggerId"`
	IssueID   string `json:"issueId"`
	Repo      string `json:"repositoryIdentity"`
}

// NewTriggerEvent builds the deterministic trigger for an issue becoming ready.
func NewTriggerEvent(repo, issueID string) TriggerEvent {
	return TriggerEvent{
		TriggerID: "develop-" + issueID,
		IssueID:   issueID,
		Repo:      repo,
	}
}
