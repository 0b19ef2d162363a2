package watcher

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stitchwork/stitch/internal/actor"
	"github.com/stitchwork/stitch/internal/remote"
	"github.com/stitchwork/stitch/internal/store"
	"github.com/stitchwork/stitch/internal/types"
)

// stubRemote records created issues and nothing else.
type stubRemote struct {
	mu      sync.Mutex
	next    int
	created []string
}

func (s *stubRemote) CreateIssue(_ context.Context, title, body string, labels []string) (*types.RemoteIssue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.created = append(s.created, title)
	return &types.RemoteIssue{Number: s.next, Title: title, Body: body, State: "open", Labels: labels}, nil
}

func (s *stubRemote) UpdateIssue(_ context.Context, _ int, _ remote.IssueFields) (*types.RemoteIssue, error) {
	return nil, remote.ErrNotFound
}

func (s *stubRemote) CloseIssue(_ context.Context, _ int) error { return nil }

func (s *stubRemote) GetIssue(_ context.Context, _ int) (*types.RemoteIssue, error) {
	return nil, remote.ErrNotFound
}

func (s *stubRemote) ListIssues(_ context.Context, _ time.Time) ([]*types.RemoteIssue, error) {
	return nil, nil
}

func (s *stubRemote) ListComments(_ context.Context, _ int, _ time.Time) ([]*types.Comment, error) {
	return nil, nil
}

func (s *stubRemote) CreateComment(_ context.Context, _ int, _ string) (int64, error) { return 0, nil }

func (s *stubRemote) ListMilestones(_ context.Context) ([]*types.Milestone, error) { return nil, nil }

func (s *stubRemote) ReadFile(_ context.Context, path string) (*remote.File, error) {
	return nil, fmt.Errorf("%w: %s", remote.ErrNotFound, path)
}

func (s *stubRemote) WriteFile(_ context.Context, _ string, _ []byte, _, _ string) (string, error) {
	return "tok", nil
}

func newTestActor(t *testing.T) *actor.Actor {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	cfg := actor.DefaultConfig("acme/api")
	return actor.New(cfg, st, &stubRemote{}, nil, nil, log.New(io.Discard, "", 0))
}

func journalLine(id, title string) string {
	now := time.Now().UTC().Format(time.RFC3339)
	return fmt.Sprintf(
		`{"id":%q,"title":%q,"status":"open","priority":2,"issue_type":"task","created_at":%q,"updated_at":%q}`,
		id, title, now, now) + "\n"
}

func waitForIssue(t *testing.T, a *actor.Actor, id string, timeout time.Duration) *types.Issue {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		issue, _, err := a.Store().GetIssue(context.Background(), id)
		if err == nil {
			return issue
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("issue %s never appeared", id)
	return nil
}

func TestWatcherImportsExistingJournalOnStart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "issues.jsonl")
	if err := os.WriteFile(path, []byte(journalLine("st-aaa", "Existing")), 0o644); err != nil {
		t.Fatal(err)
	}

	a := newTestActor(t)
	cfg := DefaultConfig()
	cfg.DebounceInterval = 50 * time.Millisecond
	cfg.Logger = log.New(io.Discard, "", 0)

	w, err := New(a, path, cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	issue := waitForIssue(t, a, "st-aaa", 2*time.Second)
	if issue.Title != "Existing" {
		t.Errorf("issue = %+v", issue)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Start returned %v", err)
	}
}

func TestWatcherPicksUpFileWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "issues.jsonl")

	a := newTestActor(t)
	cfg := DefaultConfig()
	cfg.DebounceInterval = 50 * time.Millisecond
	cfg.Logger = log.New(io.Discard, "", 0)

	w, err := New(a, path, cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	// Give the watch a moment to attach before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(journalLine("st-bbb", "Written later")), 0o644); err != nil {
		t.Fatal(err)
	}

	issue := waitForIssue(t, a, "st-bbb", 3*time.Second)
	if issue.Title != "Written later" {
		t.Errorf("issue = %+v", issue)
	}

	cancel()
	<-done
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "issues.jsonl")

	a := newTestActor(t)
	cfg := DefaultConfig()
	cfg.DebounceInterval = 50 * time.Millisecond
	cfg.Logger = log.New(io.Discard, "", 0)

	w, err := New(a, path, cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a journal"), 0o644); err != nil {
		t.Fatal(err)
	}

	time.Sleep(300 * time.Millisecond)
	issues, _, err := a.Store().AllIssues(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(issues) != 0 {
		t.Errorf("unexpected issues imported: %+v", issues)
	}

	cancel()
	<-done
}
