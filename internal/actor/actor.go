// Package actor implements the per-repository sync actor: the single writer
// that owns one repository's issue store, reconciles the remote tracker with
// the committed journal, and fans out readiness notifications.
package actor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stitchwork/stitch/internal/engine"
	"github.com/stitchwork/stitch/internal/remote"
	"github.com/stitchwork/stitch/internal/store"
	"github.com/stitchwork/stitch/internal/types"
)

// Notifier delivers "dependency closed" notifications to other repositories'
// actors. Delivery is best effort; failures are logged and retried on a later
// close or periodic check.
type Notifier interface {
	NotifyIssueClosed(ctx context.Context, fromRepo, issueID string) error
}

// Trigger receives ready-to-work events. Consumers deduplicate on the
// deterministic trigger id, so repeated emission is harmless.
type Trigger interface {
	Fire(ctx context.Context, ev types.TriggerEvent) error
}

// Config tunes one actor instance.
type Config struct {
	// Repo is the repository identity, e.g. "acme/api".
	Repo string
	// IDPrefix namespaces locally minted issue ids.
	IDPrefix string
	// JournalPath is the tracked journal file path inside the repository.
	JournalPath string

	// DebounceWindow suppresses remote propagation of local changes made
	// too soon after a cross-authority sync.
	DebounceWindow time.Duration
	// DeletionWindow is how long an issue must stay absent from the journal
	// before its disappearance is acted on.
	DeletionWindow time.Duration
	// CommitBackoff is the retry schedule for journal commits and transient
	// remote failures.
	CommitBackoff []time.Duration
	// BulkBatchSize and BulkBatchDelay pace remote creates during onboarding.
	BulkBatchSize  int
	BulkBatchDelay time.Duration
}

// DefaultConfig returns production settings for a repository.
func DefaultConfig(repo string) Config {
	return Config{
		Repo:           repo,
		IDPrefix:       "st",
		JournalPath:    ".stitch/issues.jsonl",
		DebounceWindow: 30 * time.Second,
		DeletionWindow: 60 * time.Second,
		CommitBackoff:  remote.DefaultBackoff,
		BulkBatchSize:  25,
		BulkBatchDelay: 2 * time.Second,
	}
}

// Actor is the single writer for one repository's canonical issue state.
// Mutating operations serialize on an internal mutex; different repositories'
// actors run fully independently.
type Actor struct {
	cfg      Config
	store    *store.Store
	remote   remote.Client
	notifier Notifier
	trigger  Trigger
	logger   *log.Logger

	// now is swapped in tests to control the debounce and deletion windows.
	now func() time.Time

	mu sync.Mutex

	// journalToken caches the last seen revision token for the tracked file.
	journalToken string
	// journalDirty is set when local state changed and the committed journal
	// has not caught up yet.
	journalDirty bool

	lastError   string
	lastErrorAt time.Time
}

// New assembles an actor over its store and collaborators. notifier and
// trigger may be nil when cross-repo fan-out or workflow triggering is not
// wired.
func New(cfg Config, st *store.Store, rc remote.Client, notifier Notifier, trigger Trigger, logger *log.Logger) *Actor {
	if logger == nil {
		logger = log.New(log.Writer(), fmt.Sprintf("[actor %s] ", cfg.Repo), log.LstdFlags)
	}
	return &Actor{
		cfg:      cfg,
		store:    st,
		remote:   rc,
		notifier: notifier,
		trigger:  trigger,
		logger:   logger,
		now:      time.Now,
	}
}

// Repo returns the repository identity this actor owns.
func (a *Actor) Repo() string { return a.cfg.Repo }

// Store exposes the underlying store for read-only status queries.
func (a *Actor) Store() *store.Store { return a.store }

// OnRemoteEvent folds one normalized webhook event into the store. The local
// row is always written first; journal re-export is deferred to the next
// commit cycle.
func (a *Actor) OnRemoteEvent(ctx context.Context, action string, ri *types.RemoteIssue) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch action {
	case "opened", "edited", "closed", "reopened", "labeled", "unlabeled":
	default:
		a.logger.Printf("ignoring unknown remote action %q", action)
		return nil
	}

	ref := ri.Ref()
	now := a.now().UTC()

	issue, extras, err := a.store.GetIssueByExternalRef(ctx, ref)
	if errors.Is(err, sql.ErrNoRows) {
		issue, extras, err = a.matchOrCreateLocal(ctx, ri, ref, now)
	}
	if err != nil {
		return a.fail(ctx, "remote-event", ri.Ref(), err)
	}

	// The debounce cuts both ways: an event landing inside the window after
	// a cross-authority sync is an echo of that sync, not a fresh edit, and
	// must not clobber local changes made since.
	if action != "opened" && a.debounced(issue) {
		a.logger.Printf("remote %s for %s inside debounce window, skipping", action, issue.ID)
		return nil
	}

	issue.Title = ri.Title
	issue.Description = ri.Body
	issue.Assignee = ri.Assignee
	remote.UnmapLabels(issue, ri.Labels, ri.State)
	issue.UpdatedAt = now
	if issue.Status == types.StatusClosed {
		if issue.ClosedAt == nil {
			t := now
			if ri.ClosedAt != nil {
				t = ri.ClosedAt.UTC()
			}
			issue.ClosedAt = &t
		}
	} else {
		issue.ClosedAt = nil
	}
	issue.ExternalRef = &ref
	issue.LastSyncAt = &now

	if err := a.store.UpsertIssue(ctx, issue, extras); err != nil {
		return a.fail(ctx, "remote-event", issue.ID, err)
	}
	_ = a.store.ClearMissing(ctx, issue.ID)
	a.journalDirty = true
	a.logOK(ctx, "remote-event", issue.ID)

	if action == "closed" {
		a.afterClose(ctx, issue.ID)
	}
	return nil
}

// matchOrCreateLocal resolves a remote issue with no known external_ref:
// first by exact title against unlinked local issues (the concurrent-create
// race), otherwise by minting a new row keyed off the remote number. When
// several unlinked issues share the title the oldest wins; the ambiguity is
// accepted, not resolved further.
func (a *Actor) matchOrCreateLocal(ctx context.Context, ri *types.RemoteIssue, ref string, now time.Time) (*types.Issue, map[string]json.RawMessage, error) {
	matches, err := a.store.FindOpenByTitle(ctx, ri.Title)
	if err != nil {
		return nil, nil, err
	}
	if len(matches) > 0 {
		issue, extras, err := a.store.GetIssue(ctx, matches[0].ID)
		if err != nil {
			return nil, nil, err
		}
		a.logger.Printf("matched remote #%d to local %s by title", ri.Number, issue.ID)
		return issue, extras, nil
	}

	created := ri.CreatedAt.UTC()
	if created.IsZero() {
		created = now
	}
	issue := &types.Issue{
		ID:        fmt.Sprintf("%s-%d", a.cfg.IDPrefix, ri.Number),
		Title:     ri.Title,
		Status:    types.StatusOpen,
		Priority:  2,
		IssueType: types.TypeTask,
		CreatedAt: created,
		UpdatedAt: now,
	}
	return issue, nil, nil
}

// OnRemoteComment appends a comment delivered by an issue_comment webhook.
// Comments on issues this repository does not track are dropped. Returns
// whether the comment was new, re-delivery is absorbed by the remote id.
func (a *Actor) OnRemoteComment(ctx context.Context, issueNumber int, c *types.Comment) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ref := fmt.Sprintf("gh-%d", issueNumber)
	issue, _, err := a.store.GetIssueByExternalRef(ctx, ref)
	if errors.Is(err, sql.ErrNoRows) {
		a.logger.Printf("comment for untracked issue %s dropped", ref)
		return false, nil
	}
	if err != nil {
		return false, a.fail(ctx, "remote-comment", ref, err)
	}

	c.IssueID = issue.ID
	isNew, err := a.store.AddComment(ctx, c)
	if err != nil {
		return false, a.fail(ctx, "remote-comment", issue.ID, err)
	}
	if isNew {
		a.logOK(ctx, "remote-comment", issue.ID)
	}
	return isNew, nil
}

// CreateIssue mints and stores a local issue, then propagates it to the
// remote side. Remote failure leaves the local row intact.
func (a *Actor) CreateIssue(ctx context.Context, issue *types.Issue) (*types.Issue, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if issue.ID == "" {
		issue.ID = fmt.Sprintf("%s-%s", a.cfg.IDPrefix, uuid.NewString()[:8])
	}
	issue.SetDefaults()
	if err := issue.Validate(); err != nil {
		return nil, err
	}
	if err := a.store.UpsertIssue(ctx, issue, nil); err != nil {
		return nil, a.fail(ctx, "create", issue.ID, err)
	}
	a.journalDirty = true
	a.logOK(ctx, "create", issue.ID)

	if err := a.createRemoteLocked(ctx, issue.ID); err != nil {
		a.logger.Printf("remote create for %s deferred: %v", issue.ID, err)
	}
	got, _, err := a.store.GetIssue(ctx, issue.ID)
	if err != nil {
		return nil, err
	}
	return got, nil
}

// UpdateIssue applies a local edit. Propagation to the remote side honors the
// debounce window: a change landing too soon after a cross-authority sync is
// kept locally but not re-pushed this cycle.
func (a *Actor) UpdateIssue(ctx context.Context, issue *types.Issue) (*types.Issue, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	current, extras, err := a.store.GetIssue(ctx, issue.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("issue %s not found", issue.ID)
	}
	if err != nil {
		return nil, err
	}

	issue.CreatedAt = current.CreatedAt
	issue.ExternalRef = current.ExternalRef
	issue.LastSyncAt = current.LastSyncAt
	issue.UpdatedAt = a.now().UTC()
	issue.SetDefaults()
	if err := issue.Validate(); err != nil {
		return nil, err
	}
	if err := a.store.UpsertIssue(ctx, issue, extras); err != nil {
		return nil, a.fail(ctx, "update", issue.ID, err)
	}
	a.journalDirty = true
	a.logOK(ctx, "update", issue.ID)

	if a.debounced(current) {
		a.logger.Printf("debounced remote update for %s", issue.ID)
	} else if err := a.updateRemoteLocked(ctx, issue.ID); err != nil {
		a.logger.Printf("remote update for %s deferred: %v", issue.ID, err)
	}

	wasClosed := current.Status == types.StatusClosed
	if issue.Status == types.StatusClosed && !wasClosed {
		a.afterClose(ctx, issue.ID)
	}
	got, _, err := a.store.GetIssue(ctx, issue.ID)
	if err != nil {
		return nil, err
	}
	return got, nil
}

// CloseIssue transitions an issue to closed locally and on the remote side,
// then runs the readiness fan-out.
func (a *Actor) CloseIssue(ctx context.Context, issueID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	issue, extras, err := a.store.GetIssue(ctx, issueID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("issue %s not found", issueID)
	}
	if err != nil {
		return err
	}
	if issue.Status == types.StatusClosed {
		return nil
	}

	now := a.now().UTC()
	issue.Status = types.StatusClosed
	issue.ClosedAt = &now
	issue.UpdatedAt = now
	if err := a.store.UpsertIssue(ctx, issue, extras); err != nil {
		return a.fail(ctx, "close", issueID, err)
	}
	a.journalDirty = true
	a.logOK(ctx, "close", issueID)

	if issue.ExternalRef != nil {
		if err := a.closeRemoteLocked(ctx, *issue.ExternalRef); err != nil {
			a.logger.Printf("remote close for %s deferred: %v", issueID, err)
			a.logError(ctx, "close-remote", issueID, err)
		}
	}

	a.afterClose(ctx, issueID)
	return nil
}

// afterClose runs the close fan-out: readiness recompute over direct
// dependents, workflow triggers for newly ready issues, and cross-repo
// notification. Caller holds the actor mutex.
func (a *Actor) afterClose(ctx context.Context, closedID string) {
	snap, err := a.snapshot(ctx)
	if err != nil {
		a.logger.Printf("readiness recompute after %s failed: %v", closedID, err)
		return
	}
	for _, readyID := range snap.ReadyAfterClose(closedID) {
		a.fireTrigger(ctx, readyID)
	}

	if a.notifier != nil {
		if err := a.notifier.NotifyIssueClosed(ctx, a.cfg.Repo, closedID); err != nil {
			a.logger.Printf("cross-repo notify for %s failed: %v", closedID, err)
			a.logError(ctx, "notify", closedID, err)
		}
	}
}

func (a *Actor) fireTrigger(ctx context.Context, issueID string) {
	if a.trigger == nil {
		return
	}
	ev := types.NewTriggerEvent(a.cfg.Repo, issueID)
	if err := a.trigger.Fire(ctx, ev); err != nil {
		a.logger.Printf("trigger %s failed: %v", ev.TriggerID, err)
		a.logError(ctx, "trigger", issueID, err)
		return
	}
	a.logOK(ctx, "trigger", issueID)
}

// ListReady returns issues open with all blockers closed.
func (a *Actor) ListReady(ctx context.Context) ([]*types.Issue, error) {
	snap, issues, err := a.snapshotWithIssues(ctx)
	if err != nil {
		return nil, err
	}
	var ready []*types.Issue
	for _, id := range snap.ReadyIssues() {
		ready = append(ready, issues[id])
	}
	return ready, nil
}

// ListBlocked returns open issues gated by at least one open blocker.
func (a *Actor) ListBlocked(ctx context.Context) ([]*types.Issue, error) {
	snap, issues, err := a.snapshotWithIssues(ctx)
	if err != nil {
		return nil, err
	}
	var blocked []*types.Issue
	for _, issue := range issues {
		if issue.Status == types.StatusOpen && !snap.IsReady(issue.ID) {
			blocked = append(blocked, issue)
		}
	}
	sortIssues(blocked)
	return blocked, nil
}

// EpicProgress reports completion over an epic's parent-child children.
func (a *Actor) EpicProgress(ctx context.Context, epicID string) (types.EpicProgress, error) {
	snap, err := a.snapshot(ctx)
	if err != nil {
		return types.EpicProgress{}, err
	}
	children, err := a.store.EpicChildren(ctx, epicID)
	if err != nil {
		return types.EpicProgress{}, err
	}
	return snap.EpicProgress(epicID, children), nil
}

// AddDependency records an edge and recomputes readiness for the dependent.
func (a *Actor) AddDependency(ctx context.Context, dep types.Dependency) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.store.UpsertDependency(ctx, dep); err != nil {
		return a.fail(ctx, "add-dep", dep.IssueID, err)
	}
	a.journalDirty = true
	a.logOK(ctx, "add-dep", dep.IssueID)
	return nil
}

// RemoveDependency deletes an edge; a now-unblocked dependent gets its
// trigger on this recompute.
func (a *Actor) RemoveDependency(ctx context.Context, issueID, dependsOnID string, typ types.DependencyType) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.store.DeleteDependency(ctx, issueID, dependsOnID, typ); err != nil {
		return a.fail(ctx, "remove-dep", issueID, err)
	}
	a.journalDirty = true
	a.logOK(ctx, "remove-dep", issueID)

	if typ.AffectsReadiness() {
		snap, err := a.snapshot(ctx)
		if err == nil && snap.IsReady(issueID) {
			a.fireTrigger(ctx, issueID)
		}
	}
	return nil
}

// AddCrossRepoDependency records an edge on an issue in another repository.
func (a *Actor) AddCrossRepoDependency(ctx context.Context, d *types.CrossRepoDependency) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if d.Status == "" {
		d.Status = types.CrossRepoPending
	}
	if err := a.store.UpsertCrossRepoDep(ctx, d); err != nil {
		return a.fail(ctx, "add-cross-dep", d.IssueID, err)
	}
	a.logOK(ctx, "add-cross-dep", d.IssueID)
	return nil
}

// OnDependencySatisfied handles an inbound cross-repo notification: the
// issue (repo, remoteIssueID) closed. All matching pending edges flip to
// satisfied and the dependents get a readiness recompute.
func (a *Actor) OnDependencySatisfied(ctx context.Context, repo, remoteIssueID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	pending, err := a.store.PendingCrossRepoDeps(ctx, repo)
	if err != nil {
		return a.fail(ctx, "cross-dep-satisfied", "", err)
	}

	now := a.now().UTC()
	snap, snapErr := a.snapshot(ctx)
	for _, d := range pending {
		if d.DependsOnIssue != remoteIssueID {
			continue
		}
		if err := a.store.SetCrossRepoStatus(ctx, d.IssueID, repo, remoteIssueID, types.CrossRepoSatisfied, now); err != nil {
			a.logError(ctx, "cross-dep-satisfied", d.IssueID, err)
			continue
		}
		a.logOK(ctx, "cross-dep-satisfied", d.IssueID)
		if snapErr == nil && snap.IsReady(d.IssueID) {
			a.fireTrigger(ctx, d.IssueID)
		}
	}
	return nil
}

// CrossRepoProbe answers whether an issue in another repository is closed.
type CrossRepoProbe func(ctx context.Context, repo, issueID string) (bool, error)

// CheckCrossRepoDependencies polls the pending edges of one issue through
// probe. Edges whose upstream issue closed flip to satisfied; every probed
// edge gets its last_checked_at bumped. Returns the number satisfied.
func (a *Actor) CheckCrossRepoDependencies(ctx context.Context, issueID string, probe CrossRepoProbe) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pending, err := a.store.PendingCrossRepoDeps(ctx, "")
	if err != nil {
		return 0, a.fail(ctx, "check-cross-dep", issueID, err)
	}

	now := a.now().UTC()
	satisfied := 0
	for _, d := range pending {
		if d.IssueID != issueID {
			continue
		}
		closed, err := probe(ctx, d.DependsOnRepo, d.DependsOnIssue)
		if err != nil {
			a.logError(ctx, "check-cross-dep", d.IssueID, err)
			// Still a check: the edge stays pending with a fresh timestamp.
			if serr := a.store.SetCrossRepoStatus(ctx, d.IssueID, d.DependsOnRepo, d.DependsOnIssue, types.CrossRepoPending, now); serr != nil {
				a.logError(ctx, "check-cross-dep", d.IssueID, serr)
			}
			continue
		}
		status := types.CrossRepoPending
		if closed {
			status = types.CrossRepoSatisfied
		}
		if err := a.store.SetCrossRepoStatus(ctx, d.IssueID, d.DependsOnRepo, d.DependsOnIssue, status, now); err != nil {
			a.logError(ctx, "check-cross-dep", d.IssueID, err)
			continue
		}
		if !closed {
			continue
		}
		satisfied++
		a.logOK(ctx, "check-cross-dep", d.IssueID)
		snap, snapErr := a.snapshot(ctx)
		if snapErr == nil && snap.IsReady(d.IssueID) {
			a.fireTrigger(ctx, d.IssueID)
		}
	}
	return satisfied, nil
}

// Status summarizes the actor for the status endpoint.
type Status struct {
	Repo         string               `json:"repo"`
	Counts       map[types.Status]int `json:"counts"`
	JournalDirty bool                 `json:"journal_dirty"`
	LastError    string               `json:"last_error,omitempty"`
	LastErrorAt  *time.Time           `json:"last_error_at,omitempty"`
	RecentLog    []types.SyncLogEntry `json:"recent_log"`
}

// Status reports the repository's sync health.
func (a *Actor) Status(ctx context.Context) (*Status, error) {
	counts, err := a.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	recent, err := a.store.RecentSyncLog(ctx, 20)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	st := &Status{
		Repo:         a.cfg.Repo,
		Counts:       counts,
		JournalDirty: a.journalDirty,
		LastError:    a.lastError,
		RecentLog:    recent,
	}
	if !a.lastErrorAt.IsZero() {
		t := a.lastErrorAt
		st.LastErrorAt = &t
	}
	a.mu.Unlock()
	return st, nil
}

// debounced reports whether a local change to issue must not be re-pushed
// yet: the last cross-authority sync is too recent.
func (a *Actor) debounced(issue *types.Issue) bool {
	if issue.LastSyncAt == nil {
		return false
	}
	return a.now().Sub(*issue.LastSyncAt) < a.cfg.DebounceWindow
}

func (a *Actor) snapshot(ctx context.Context) (*engine.Snapshot, error) {
	snap, _, err := a.snapshotWithIssues(ctx)
	return snap, err
}

func (a *Actor) snapshotWithIssues(ctx context.Context) (*engine.Snapshot, map[string]*types.Issue, error) {
	issues, _, err := a.store.AllIssues(ctx)
	if err != nil {
		return nil, nil, err
	}
	deps, err := a.store.AllDependencies(ctx)
	if err != nil {
		return nil, nil, err
	}
	snap := engine.NewSnapshot(issues, deps)
	return snap, snap.Issues, nil
}

// createRemoteLocked pushes a local-only issue to the remote side and stores
// the returned external_ref. Caller holds the mutex.
func (a *Actor) createRemoteLocked(ctx context.Context, issueID string) error {
	issue, extras, err := a.store.GetIssue(ctx, issueID)
	if err != nil {
		return err
	}
	if issue.ExternalRef != nil {
		return nil
	}

	var created *types.RemoteIssue
	err = remote.WithRetry(ctx, a.logger, a.cfg.CommitBackoff, "remote create", func() error {
		var rerr error
		created, rerr = a.remote.CreateIssue(ctx, issue.Title, issue.Description, remote.MapLabels(issue))
		return rerr
	})
	if err != nil {
		return a.fail(ctx, "remote-create", issueID, err)
	}

	ref := created.Ref()
	now := a.now().UTC()
	issue.ExternalRef = &ref
	issue.LastSyncAt = &now
	if err := a.store.UpsertIssue(ctx, issue, extras); err != nil {
		return a.fail(ctx, "remote-create", issueID, err)
	}
	a.journalDirty = true
	a.logOK(ctx, "remote-create", issueID)
	return nil
}

// updateRemoteLocked pushes local field state onto the linked remote issue.
func (a *Actor) updateRemoteLocked(ctx context.Context, issueID string) error {
	issue, extras, err := a.store.GetIssue(ctx, issueID)
	if err != nil {
		return err
	}
	if issue.ExternalRef == nil {
		return a.createRemoteLocked(ctx, issueID)
	}
	number, err := refNumber(*issue.ExternalRef)
	if err != nil {
		return a.fail(ctx, "remote-update", issueID, err)
	}

	state := remote.RemoteState(issue.Status)
	fields := remote.IssueFields{
		Title:  &issue.Title,
		Body:   &issue.Description,
		State:  &state,
		Labels: remote.MapLabels(issue),
	}
	err = remote.WithRetry(ctx, a.logger, a.cfg.CommitBackoff, "remote update", func() error {
		_, rerr := a.remote.UpdateIssue(ctx, number, fields)
		return rerr
	})
	if errors.Is(err, remote.ErrNotFound) {
		a.logger.Printf("remote issue %s gone, skipping update", *issue.ExternalRef)
		a.logError(ctx, "remote-update", issueID, err)
		return nil
	}
	if err != nil {
		return a.fail(ctx, "remote-update", issueID, err)
	}

	now := a.now().UTC()
	issue.LastSyncAt = &now
	if err := a.store.UpsertIssue(ctx, issue, extras); err != nil {
		return err
	}
	a.logOK(ctx, "remote-update", issueID)
	return nil
}

// closeRemoteLocked closes the remote issue addressed by externalRef.
func (a *Actor) closeRemoteLocked(ctx context.Context, externalRef string) error {
	number, err := refNumber(externalRef)
	if err != nil {
		return err
	}
	err = remote.WithRetry(ctx, a.logger, a.cfg.CommitBackoff, "remote close", func() error {
		return a.remote.CloseIssue(ctx, number)
	})
	if errors.Is(err, remote.ErrNotFound) {
		a.logger.Printf("remote issue %s already gone", externalRef)
		return nil
	}
	return err
}

// refNumber extracts the remote issue number from an external_ref like
// "gh-42".
func refNumber(ref string) (int, error) {
	s, ok := strings.CutPrefix(ref, "gh-")
	if !ok {
		return 0, fmt.Errorf("malformed external ref %q", ref)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("malformed external ref %q: %w", ref, err)
	}
	return n, nil
}

func (a *Actor) fail(ctx context.Context, op, issueID string, err error) error {
	a.lastError = err.Error()
	a.lastErrorAt = a.now().UTC()
	a.logError(ctx, op, issueID, err)
	return err
}

func (a *Actor) logOK(ctx context.Context, op, issueID string) {
	e := types.SyncLogEntry{Operation: op, IssueID: issueID, Outcome: types.OutcomeOK, Timestamp: a.now().UTC()}
	if err := a.store.AppendSyncLog(ctx, e); err != nil {
		a.logger.Printf("sync log append failed: %v", err)
	}
}

func (a *Actor) logError(ctx context.Context, op, issueID string, opErr error) {
	e := types.SyncLogEntry{
		Operation: op, IssueID: issueID,
		Outcome: types.OutcomeError, Error: opErr.Error(),
		Timestamp: a.now().UTC(),
	}
	if err := a.store.AppendSyncLog(ctx, e); err != nil {
		a.logger.Printf("sync log append failed: %v", err)
	}
}

func sortIssues(issues []*types.Issue) {
	sort.Slice(issues, func(i, j int) bool {
		if issues[i].Priority != issues[j].Priority {
			return issues[i].Priority < issues[j].Priority
		}
		return issues[i].ID < issues[j].ID
	})
}
