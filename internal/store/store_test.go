package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stitchwork/stitch/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "stitch.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testIssue(id string) *types.Issue {
	now := time.Now().UTC().Truncate(time.Second)
	return &types.Issue{
		ID: id, Title: "Issue " + id, Status: types.StatusOpen,
		Priority: 2, IssueType: types.TypeTask,
		CreatedAt: now, UpdatedAt: now,
	}
}

func TestUpsertAndGetIssue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	issue := testIssue("st-1")
	issue.Labels = []string{"backend"}
	ref := "gh-10"
	issue.ExternalRef = &ref

	if err := s.UpsertIssue(ctx, issue, nil); err != nil {
		t.Fatalf("UpsertIssue() error = %v", err)
	}

	got, _, err := s.GetIssue(ctx, "st-1")
	if err != nil {
		t.Fatalf("GetIssue() error = %v", err)
	}
	if got.Title != issue.Title || got.Priority != 2 || got.Status != types.StatusOpen {
		t.Errorf("got %+v", got)
	}
	if got.ExternalRef == nil || *got.ExternalRef != "gh-10" {
		t.Errorf("external_ref = %v", got.ExternalRef)
	}
	if len(got.Labels) != 1 || got.Labels[0] != "backend" {
		t.Errorf("labels = %v", got.Labels)
	}

	// Update keeps external_ref when the new row omits it.
	issue2 := testIssue("st-1")
	issue2.Title = "Renamed"
	if err := s.UpsertIssue(ctx, issue2, nil); err != nil {
		t.Fatalf("second upsert error = %v", err)
	}
	got, _, err = s.GetIssue(ctx, "st-1")
	if err != nil {
		t.Fatalf("GetIssue() error = %v", err)
	}
	if got.Title != "Renamed" {
		t.Errorf("title = %s", got.Title)
	}
	if got.ExternalRef == nil || *got.ExternalRef != "gh-10" {
		t.Errorf("external_ref lost on update: %v", got.ExternalRef)
	}
}

func TestGetIssueByExternalRef(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	issue := testIssue("st-1")
	ref := "gh-42"
	issue.ExternalRef = &ref
	if err := s.UpsertIssue(ctx, issue, nil); err != nil {
		t.Fatalf("UpsertIssue() error = %v", err)
	}

	got, _, err := s.GetIssueByExternalRef(ctx, "gh-42")
	if err != nil {
		t.Fatalf("GetIssueByExternalRef() error = %v", err)
	}
	if got.ID != "st-1" {
		t.Errorf("id = %s", got.ID)
	}

	_, _, err = s.GetIssueByExternalRef(ctx, "gh-999")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected ErrNoRows, got %v", err)
	}
}

func TestExtrasRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	extras := map[string]json.RawMessage{"custom": json.RawMessage(`{"x":1}`)}
	if err := s.UpsertIssue(ctx, testIssue("st-1"), extras); err != nil {
		t.Fatalf("UpsertIssue() error = %v", err)
	}

	_, got, err := s.GetIssue(ctx, "st-1")
	if err != nil {
		t.Fatalf("GetIssue() error = %v", err)
	}
	if string(got["custom"]) != `{"x":1}` {
		t.Errorf("extras = %v", got)
	}

	// Upsert with nil extras preserves the stored ones.
	if err := s.UpsertIssue(ctx, testIssue("st-1"), nil); err != nil {
		t.Fatalf("UpsertIssue() error = %v", err)
	}
	_, got, _ = s.GetIssue(ctx, "st-1")
	if string(got["custom"]) != `{"x":1}` {
		t.Errorf("extras lost after nil upsert: %v", got)
	}
}

func TestListIssuesFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := testIssue("st-1")
	a.Priority = 0
	a.IssueType = types.TypeBug
	b := testIssue("st-2")
	b.Labels = []string{"frontend"}
	c := testIssue("st-3")
	now := time.Now().UTC()
	c.Status = types.StatusClosed
	c.ClosedAt = &now

	for _, i := range []*types.Issue{a, b, c} {
		if err := s.UpsertIssue(ctx, i, nil); err != nil {
			t.Fatalf("UpsertIssue(%s) error = %v", i.ID, err)
		}
	}

	open := types.StatusOpen
	got, err := s.ListIssues(ctx, types.IssueFilter{Status: &open})
	if err != nil {
		t.Fatalf("ListIssues() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("open issues = %d, want 2", len(got))
	}
	// P0 sorts first.
	if got[0].ID != "st-1" {
		t.Errorf("first = %s, want st-1", got[0].ID)
	}

	got, err = s.ListIssues(ctx, types.IssueFilter{Label: "frontend"})
	if err != nil {
		t.Fatalf("ListIssues(label) error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "st-2" {
		t.Errorf("label filter = %v", got)
	}

	bug := types.TypeBug
	got, err = s.ListIssues(ctx, types.IssueFilter{IssueType: &bug, Limit: 10})
	if err != nil {
		t.Fatalf("ListIssues(type) error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "st-1" {
		t.Errorf("type filter = %v", got)
	}
}

func TestDependenciesAndDependents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"st-1", "st-2", "st-3"} {
		if err := s.UpsertIssue(ctx, testIssue(id), nil); err != nil {
			t.Fatalf("UpsertIssue(%s) error = %v", id, err)
		}
	}

	deps := []types.Dependency{
		{IssueID: "st-2", DependsOnID: "st-1", Type: types.DepBlocks},
		{IssueID: "st-3", DependsOnID: "st-1", Type: types.DepBlocks},
		{IssueID: "st-3", DependsOnID: "st-2", Type: types.DepRelated},
	}
	for _, d := range deps {
		if err := s.UpsertDependency(ctx, d); err != nil {
			t.Fatalf("UpsertDependency() error = %v", err)
		}
	}
	// Duplicate insert is absorbed.
	if err := s.UpsertDependency(ctx, deps[0]); err != nil {
		t.Fatalf("duplicate UpsertDependency() error = %v", err)
	}

	all, err := s.AllDependencies(ctx)
	if err != nil {
		t.Fatalf("AllDependencies() error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("deps = %d, want 3", len(all))
	}

	dependents, err := s.DirectDependents(ctx, "st-1")
	if err != nil {
		t.Fatalf("DirectDependents() error = %v", err)
	}
	if len(dependents) != 2 || dependents[0] != "st-2" || dependents[1] != "st-3" {
		t.Errorf("dependents = %v", dependents)
	}

	// related edges are not dependents.
	dependents, _ = s.DirectDependents(ctx, "st-2")
	if len(dependents) != 0 {
		t.Errorf("related edge counted as blocking: %v", dependents)
	}

	if err := s.DeleteDependency(ctx, "st-2", "st-1", types.DepBlocks); err != nil {
		t.Fatalf("DeleteDependency() error = %v", err)
	}
	dependents, _ = s.DirectDependents(ctx, "st-1")
	if len(dependents) != 1 {
		t.Errorf("dependents after delete = %v", dependents)
	}
}

func TestDeleteIssueCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertIssue(ctx, testIssue("st-1"), nil); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertIssue(ctx, testIssue("st-2"), nil); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertDependency(ctx, types.Dependency{
		IssueID: "st-1", DependsOnID: "st-2", Type: types.DepBlocks,
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteIssue(ctx, "st-1"); err != nil {
		t.Fatalf("DeleteIssue() error = %v", err)
	}
	_, _, err := s.GetIssue(ctx, "st-1")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected ErrNoRows, got %v", err)
	}
	deps, _ := s.AllDependencies(ctx)
	if len(deps) != 0 {
		t.Errorf("deps not cascaded: %v", deps)
	}

	// Idempotent.
	if err := s.DeleteIssue(ctx, "st-1"); err != nil {
		t.Errorf("second delete error = %v", err)
	}
}

func TestCommentsIdempotentByRemoteID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertIssue(ctx, testIssue("st-1"), nil); err != nil {
		t.Fatal(err)
	}

	c := &types.Comment{
		IssueID: "st-1", Author: "alice", Body: "hello",
		RemoteCommentID: 77, CreatedAt: time.Now().UTC(),
	}
	added, err := s.AddComment(ctx, c)
	if err != nil || !added {
		t.Fatalf("AddComment() = %v, %v", added, err)
	}
	added, err = s.AddComment(ctx, c)
	if err != nil {
		t.Fatalf("re-delivered AddComment() error = %v", err)
	}
	if added {
		t.Error("re-delivered comment should be absorbed")
	}

	comments, err := s.ListComments(ctx, "st-1")
	if err != nil {
		t.Fatalf("ListComments() error = %v", err)
	}
	if len(comments) != 1 {
		t.Errorf("comments = %d, want 1", len(comments))
	}
}

func TestMarkCommitProcessed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.MarkCommitProcessed(ctx, "abc123", time.Now())
	if err != nil || !first {
		t.Fatalf("MarkCommitProcessed() = %v, %v", first, err)
	}
	again, err := s.MarkCommitProcessed(ctx, "abc123", time.Now())
	if err != nil {
		t.Fatalf("second MarkCommitProcessed() error = %v", err)
	}
	if again {
		t.Error("re-delivered commit should report already processed")
	}
}

func TestPendingDeletionWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := s.MarkMissing(ctx, "st-1", base); err != nil {
		t.Fatal(err)
	}
	// Re-marking keeps the first sighting.
	if err := s.MarkMissing(ctx, "st-1", base.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkMissing(ctx, "st-2", base.Add(30*time.Second)); err != nil {
		t.Fatal(err)
	}

	expired, err := s.MissingSince(ctx, base.Add(10*time.Second))
	if err != nil {
		t.Fatalf("MissingSince() error = %v", err)
	}
	if len(expired) != 1 || expired[0] != "st-1" {
		t.Errorf("expired = %v, want [st-1]", expired)
	}

	if err := s.ClearMissing(ctx, "st-1"); err != nil {
		t.Fatal(err)
	}
	expired, _ = s.MissingSince(ctx, base.Add(time.Hour))
	if len(expired) != 1 || expired[0] != "st-2" {
		t.Errorf("after clear = %v, want [st-2]", expired)
	}
}

func TestSyncLog(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := s.AppendSyncLog(ctx, types.SyncLogEntry{
			Operation: "export", IssueID: "st-1", Outcome: types.OutcomeOK,
		})
		if err != nil {
			t.Fatalf("AppendSyncLog() error = %v", err)
		}
	}
	err := s.AppendSyncLog(ctx, types.SyncLogEntry{
		Operation: "commit", Outcome: types.OutcomeError, Error: "push failed",
	})
	if err != nil {
		t.Fatal(err)
	}

	entries, err := s.RecentSyncLog(ctx, 2)
	if err != nil {
		t.Fatalf("RecentSyncLog() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Operation != "commit" || entries[0].Error != "push failed" {
		t.Errorf("newest first expected, got %+v", entries[0])
	}
}

func TestCountByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	a := testIssue("st-1")
	b := testIssue("st-2")
	b.Status = types.StatusClosed
	b.ClosedAt = &now
	for _, i := range []*types.Issue{a, b} {
		if err := s.UpsertIssue(ctx, i, nil); err != nil {
			t.Fatal(err)
		}
	}

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	if counts[types.StatusOpen] != 1 || counts[types.StatusClosed] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestCrossRepoDeps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertIssue(ctx, testIssue("st-1"), nil); err != nil {
		t.Fatal(err)
	}
	d := &types.CrossRepoDependency{
		IssueID: "st-1", DependsOnRepo: "acme/lib", DependsOnIssue: "lib-9",
		Type: types.DepBlocks,
	}
	if err := s.UpsertCrossRepoDep(ctx, d); err != nil {
		t.Fatalf("UpsertCrossRepoDep() error = %v", err)
	}

	pending, err := s.PendingCrossRepoDeps(ctx, "acme/lib")
	if err != nil {
		t.Fatalf("PendingCrossRepoDeps() error = %v", err)
	}
	if len(pending) != 1 || pending[0].Status != types.CrossRepoPending {
		t.Errorf("pending = %+v", pending)
	}

	err = s.SetCrossRepoStatus(ctx, "st-1", "acme/lib", "lib-9", types.CrossRepoSatisfied, time.Now())
	if err != nil {
		t.Fatalf("SetCrossRepoStatus() error = %v", err)
	}
	pending, _ = s.PendingCrossRepoDeps(ctx, "")
	if len(pending) != 0 {
		t.Errorf("still pending: %+v", pending)
	}
}

func TestFindOpenByTitle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := testIssue("st-1")
	a.Title = "Fix login bug"
	b := testIssue("st-2")
	b.Title = "Fix login bug"
	ref := "gh-5"
	b.ExternalRef = &ref
	for _, i := range []*types.Issue{a, b} {
		if err := s.UpsertIssue(ctx, i, nil); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.FindOpenByTitle(ctx, "Fix login bug")
	if err != nil {
		t.Fatalf("FindOpenByTitle() error = %v", err)
	}
	// Only the unlinked issue matches.
	if len(got) != 1 || got[0].ID != "st-1" {
		t.Errorf("matches = %v", got)
	}
}
