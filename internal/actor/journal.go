package actor

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/stitchwork/stitch/internal/journal"
	"github.com/stitchwork/stitch/internal/remote"
	"github.com/stitchwork/stitch/internal/types"
)

// ExportJournal serializes the full issue set to journal content.
func (a *Actor) ExportJournal(ctx context.Context) ([]byte, error) {
	issues, extras, err := a.store.AllIssues(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]journal.Record, 0, len(issues))
	for i, issue := range issues {
		records = append(records, journal.Record{Issue: *issue, Extras: extras[i]})
	}
	return journal.Encode(records)
}

// CommitJournal writes the exported journal to the tracked file with
// optimistic concurrency: on a revision conflict the token is refetched and
// the write retried per the backoff schedule. Exhausting retries is
// non-fatal; local state stays canonical and the commit is retried on the
// next cycle.
func (a *Actor) CommitJournal(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.commitJournalLocked(ctx)
}

func (a *Actor) commitJournalLocked(ctx context.Context) error {
	content, err := a.ExportJournal(ctx)
	if err != nil {
		return a.fail(ctx, "commit", "", err)
	}

	var lastErr error
	for attempt := 0; attempt <= len(a.cfg.CommitBackoff); attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, a.cfg.CommitBackoff[attempt-1]); err != nil {
				return err
			}
		}

		token := a.journalToken
		if token == "" || attempt > 0 {
			file, err := a.remote.ReadFile(ctx, a.cfg.JournalPath)
			switch {
			case errors.Is(err, remote.ErrNotFound):
				token = ""
			case err != nil:
				lastErr = err
				continue
			default:
				token = file.RevisionToken
				if journal.Fingerprint(file.Content) == journal.Fingerprint(content) {
					a.journalToken = token
					a.journalDirty = false
					return nil
				}
			}
		}

		newToken, err := a.remote.WriteFile(ctx, a.cfg.JournalPath, content,
			fmt.Sprintf("stitch: sync journal for %s", a.cfg.Repo), token)
		if err == nil {
			a.journalToken = newToken
			a.journalDirty = false
			a.logOK(ctx, "commit", "")
			return nil
		}
		lastErr = err
		if !errors.Is(err, remote.ErrRevisionConflict) && !remote.IsTransient(err) {
			break
		}
		a.journalToken = ""
		a.logger.Printf("journal commit attempt %d failed: %v", attempt+1, err)
	}
	return a.fail(ctx, "commit", "", fmt.Errorf("journal commit failed: %w", lastErr))
}

// CommitIfDirty commits the journal only when local state moved since the
// last successful commit.
func (a *Actor) CommitIfDirty(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.journalDirty {
		return nil
	}
	return a.commitJournalLocked(ctx)
}

// OnJournalPush handles a push touching the tracked journal path. The commit
// ref makes re-delivery idempotent: a ref already folded in is skipped with
// zero remote calls.
func (a *Actor) OnJournalPush(ctx context.Context, commitRef string, changedPaths []string) error {
	if len(changedPaths) > 0 && !pathTouched(changedPaths, a.cfg.JournalPath) {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if commitRef != "" {
		done, err := a.store.CommitProcessed(ctx, commitRef)
		if err != nil {
			return a.fail(ctx, "journal-push", "", err)
		}
		if done {
			a.logger.Printf("commit %s already processed, skipping", commitRef)
			return nil
		}
	}

	file, err := a.remote.ReadFile(ctx, a.cfg.JournalPath)
	if errors.Is(err, remote.ErrNotFound) {
		a.logger.Printf("journal %s missing on remote, skipping import", a.cfg.JournalPath)
		return nil
	}
	if err != nil {
		return a.fail(ctx, "journal-push", "", err)
	}
	a.journalToken = file.RevisionToken

	records, bad, err := journal.Read(bytes.NewReader(file.Content))
	if err != nil {
		return a.fail(ctx, "journal-push", "", err)
	}
	journal.LogParseErrors(a.logger, a.cfg.JournalPath, bad)
	for _, pe := range bad {
		a.logError(ctx, "journal-parse", "", pe)
	}

	if err := a.importLocked(ctx, records, true); err != nil {
		return err
	}
	// The ref is recorded only now: a failure above leaves it unmarked so
	// webhook re-delivery retries the import.
	if commitRef != "" {
		if _, err := a.store.MarkCommitProcessed(ctx, commitRef, a.now().UTC()); err != nil {
			return a.fail(ctx, "journal-push", "", err)
		}
	}
	a.logOK(ctx, "journal-push", "")
	return nil
}

// Import folds journal records into the store without a commit ref, used by
// the bulk import endpoint. Remote propagation follows the same debounce
// rules as a push.
func (a *Actor) Import(ctx context.Context, records []journal.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.importLocked(ctx, records, true)
}

// importLocked diffs records against the store and folds them in. Creates
// with no external_ref go to the remote side; updates honor the debounce
// window; ids absent from the journal enter the deletion confirmation
// window rather than being removed outright.
func (a *Actor) importLocked(ctx context.Context, records []journal.Record, propagate bool) error {
	now := a.now().UTC()

	seen := make(map[string]bool, len(records))
	for i := range records {
		rec := &records[i]
		seen[rec.Issue.ID] = true

		current, _, err := a.store.GetIssue(ctx, rec.Issue.ID)
		created := errors.Is(err, sql.ErrNoRows)
		if err != nil && !created {
			return a.fail(ctx, "import", rec.Issue.ID, err)
		}

		if !created && !issueChanged(current, &rec.Issue) {
			_ = a.store.ClearMissing(ctx, rec.Issue.ID)
			continue
		}

		issue := rec.Issue
		if !created {
			// The journal never carries sync bookkeeping.
			issue.ExternalRef = coalesceRef(issue.ExternalRef, current.ExternalRef)
			issue.LastSyncAt = current.LastSyncAt
		}
		if err := a.store.UpsertIssue(ctx, &issue, rec.Extras); err != nil {
			a.logError(ctx, "import", issue.ID, err)
			continue
		}
		_ = a.store.ClearMissing(ctx, issue.ID)

		if !propagate {
			continue
		}
		switch {
		case issue.ExternalRef == nil:
			if err := a.createRemoteLocked(ctx, issue.ID); err != nil {
				a.logger.Printf("remote create for %s deferred: %v", issue.ID, err)
			}
		case !created:
			if a.debounced(current) {
				a.logger.Printf("debounced remote update for %s", issue.ID)
				continue
			}
			if err := a.updateRemoteLocked(ctx, issue.ID); err != nil {
				a.logger.Printf("remote update for %s deferred: %v", issue.ID, err)
			}
		}

		wasClosed := !created && current.Status == types.StatusClosed
		if issue.Status == types.StatusClosed && !wasClosed {
			a.afterClose(ctx, issue.ID)
		}
	}

	// Ids absent from this import start (or continue) the confirmation
	// window; acting on them waits for ProcessExpiredDeletions.
	all, _, err := a.store.AllIssues(ctx)
	if err != nil {
		return err
	}
	for _, issue := range all {
		if seen[issue.ID] || issue.Status == types.StatusClosed {
			continue
		}
		if err := a.store.MarkMissing(ctx, issue.ID, now); err != nil {
			a.logger.Printf("mark missing %s failed: %v", issue.ID, err)
		}
	}
	return nil
}

// ProcessExpiredDeletions closes issues whose absence from the journal
// outlasted the confirmation window. Issues are closed, not hard-deleted,
// and the close propagates to the remote side.
func (a *Actor) ProcessExpiredDeletions(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().UTC().Add(-a.cfg.DeletionWindow)
	expired, err := a.store.MissingSince(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, id := range expired {
		issue, extras, err := a.store.GetIssue(ctx, id)
		if errors.Is(err, sql.ErrNoRows) {
			_ = a.store.ClearMissing(ctx, id)
			continue
		}
		if err != nil {
			return err
		}
		if issue.Status != types.StatusClosed {
			now := a.now().UTC()
			issue.Status = types.StatusClosed
			issue.ClosedAt = &now
			issue.UpdatedAt = now
			if err := a.store.UpsertIssue(ctx, issue, extras); err != nil {
				a.logError(ctx, "journal-delete", id, err)
				continue
			}
			if issue.ExternalRef != nil {
				if err := a.closeRemoteLocked(ctx, *issue.ExternalRef); err != nil {
					a.logger.Printf("remote close for removed %s deferred: %v", id, err)
					a.logError(ctx, "close-remote", id, err)
				}
			}
			a.journalDirty = true
			a.afterClose(ctx, id)
		}
		_ = a.store.ClearMissing(ctx, id)
		a.logOK(ctx, "journal-delete", id)
	}
	return nil
}

// BulkSyncResult summarizes an onboarding pass.
type BulkSyncResult struct {
	RemotePulled  int `json:"remote_pulled"`
	RemoteCreated int `json:"remote_created"`
	Errors        int `json:"errors"`
}

// BulkSync drives a full import/export pass for initial onboarding: pull
// every remote issue, push every local-only issue in rate-limit-friendly
// batches, then commit the journal.
func (a *Actor) BulkSync(ctx context.Context) (*BulkSyncResult, error) {
	res := &BulkSyncResult{}

	remoteIssues, err := a.remote.ListIssues(ctx, time.Time{})
	if err != nil {
		a.mu.Lock()
		defer a.mu.Unlock()
		return nil, a.fail(ctx, "bulk-sync", "", err)
	}
	for _, ri := range remoteIssues {
		action := "edited"
		if ri.State == "closed" {
			action = "closed"
		}
		if err := a.OnRemoteEvent(ctx, action, ri); err != nil {
			res.Errors++
			continue
		}
		res.RemotePulled++
	}

	// Local-only issues go out in batches to respect remote rate limits.
	a.mu.Lock()
	all, _, err := a.store.AllIssues(ctx)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	var pending []string
	for _, issue := range all {
		if issue.ExternalRef == nil && issue.Status != types.StatusClosed {
			pending = append(pending, issue.ID)
		}
	}
	a.mu.Unlock()

	for i, id := range pending {
		if i > 0 && i%a.cfg.BulkBatchSize == 0 {
			if err := sleepContext(ctx, a.cfg.BulkBatchDelay); err != nil {
				return res, err
			}
		}
		a.mu.Lock()
		err := a.createRemoteLocked(ctx, id)
		a.mu.Unlock()
		if err != nil {
			res.Errors++
			continue
		}
		res.RemoteCreated++
	}

	if err := a.CommitJournal(ctx); err != nil {
		res.Errors++
	}
	a.logger.Printf("bulk sync: pulled %d, created %d, errors %d",
		res.RemotePulled, res.RemoteCreated, res.Errors)
	return res, nil
}

// SyncComments mirrors remote comments for one linked issue into the store.
func (a *Actor) SyncComments(ctx context.Context, issueID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	issue, _, err := a.store.GetIssue(ctx, issueID)
	if err != nil {
		return 0, err
	}
	if issue.ExternalRef == nil {
		return 0, nil
	}
	number, err := refNumber(*issue.ExternalRef)
	if err != nil {
		return 0, err
	}

	comments, err := a.remote.ListComments(ctx, number, time.Time{})
	if err != nil {
		return 0, a.fail(ctx, "sync-comments", issueID, err)
	}
	added := 0
	for _, c := range comments {
		c.IssueID = issueID
		isNew, err := a.store.AddComment(ctx, c)
		if err != nil {
			a.logError(ctx, "sync-comments", issueID, err)
			continue
		}
		if isNew {
			added++
		}
	}
	return added, nil
}

// SyncMilestones mirrors remote milestones into the store.
func (a *Actor) SyncMilestones(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	milestones, err := a.remote.ListMilestones(ctx)
	if err != nil {
		return 0, a.fail(ctx, "sync-milestones", "", err)
	}
	for _, m := range milestones {
		if err := a.store.UpsertMilestone(ctx, m); err != nil {
			a.logError(ctx, "sync-milestones", "", err)
		}
	}
	return len(milestones), nil
}

// Run drives the actor's background maintenance until ctx is canceled:
// committing a dirty journal and acting on expired deletion windows.
func (a *Actor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.ProcessExpiredDeletions(ctx); err != nil {
				a.logger.Printf("deletion sweep failed: %v", err)
			}
			if err := a.CommitIfDirty(ctx); err != nil {
				a.logger.Printf("journal commit failed: %v", err)
			}
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func issueChanged(a, b *types.Issue) bool {
	return a.Title != b.Title ||
		a.Description != b.Description ||
		a.Status != b.Status ||
		a.Priority != b.Priority ||
		a.IssueType != b.IssueType ||
		a.Assignee != b.Assignee ||
		a.MilestoneID != b.MilestoneID ||
		!reflect.DeepEqual(normalizeLabels(a.Labels), normalizeLabels(b.Labels))
}

func normalizeLabels(labels []string) []string {
	if len(labels) == 0 {
		return nil
	}
	return labels
}

func coalesceRef(a, b *string) *string {
	if a != nil {
		return a
	}
	return b
}

func pathTouched(paths []string, target string) bool {
	for _, p := range paths {
		if p == target {
			return true
		}
	}
	return false
}
