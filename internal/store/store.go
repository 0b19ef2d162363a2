// Package store provides the embedded SQLite state for one repository's sync
// actor. It is the authoritative local copy of issues, dependencies,
// comments, milestones and sync bookkeeping.
//
// The database runs in embedded mode with WAL so status queries stay
// concurrent with the actor's writes.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/stitchwork/stitch/internal/types"
)

// Store wraps the SQLite connection for one repository.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates or opens the database at path and ensures the schema exists.
// The caller must Close when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if err := s.initSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS issues (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'open',
		priority INTEGER NOT NULL DEFAULT 2,
		issue_type TEXT NOT NULL DEFAULT 'task',
		assignee TEXT NOT NULL DEFAULT '',
		labels TEXT NOT NULL DEFAULT '[]',  -- JSON array
		milestone_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		closed_at TEXT,
		external_ref TEXT UNIQUE,
		last_sync_at TEXT,
		extras TEXT  -- JSON object of journal fields we do not own
	);

	CREATE TABLE IF NOT EXISTS deps (
		issue_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		type TEXT NOT NULL,  -- blocks, related, parent-child, discovered-from
		created_at TEXT NOT NULL,
		PRIMARY KEY (issue_id, depends_on_id, type),
		FOREIGN KEY (issue_id) REFERENCES issues(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS comments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		issue_id TEXT NOT NULL,
		author TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL,
		remote_comment_id INTEGER UNIQUE,
		created_at TEXT NOT NULL,
		FOREIGN KEY (issue_id) REFERENCES issues(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS cross_repo_deps (
		issue_id TEXT NOT NULL,
		depends_on_repo TEXT NOT NULL,
		depends_on_issue TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		last_checked_at TEXT,
		PRIMARY KEY (issue_id, depends_on_repo, depends_on_issue),
		FOREIGN KEY (issue_id) REFERENCES issues(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS milestones (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'open',
		due_on TEXT,
		external_ref TEXT UNIQUE
	);

	CREATE TABLE IF NOT EXISTS sync_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		operation TEXT NOT NULL,
		issue_id TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		ts TEXT NOT NULL
	);

	-- Journal commits already folded in, for idempotent re-delivery.
	CREATE TABLE IF NOT EXISTS journal_commits (
		commit_ref TEXT PRIMARY KEY,
		processed_at TEXT NOT NULL
	);

	-- Issues that vanished on one side, awaiting the confirmation window.
	CREATE TABLE IF NOT EXISTS pending_deletions (
		issue_id TEXT PRIMARY KEY,
		first_missing_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_issues_status ON issues(status);
	CREATE INDEX IF NOT EXISTS idx_issues_priority ON issues(priority);
	CREATE INDEX IF NOT EXISTS idx_issues_type ON issues(issue_type);
	CREATE INDEX IF NOT EXISTS idx_issues_assignee ON issues(assignee);
	CREATE INDEX IF NOT EXISTS idx_issues_milestone ON issues(milestone_id);
	CREATE INDEX IF NOT EXISTS idx_deps_depends_on ON deps(depends_on_id);
	CREATE INDEX IF NOT EXISTS idx_deps_blocks
	    ON deps(type, depends_on_id) WHERE type = 'blocks';
	CREATE INDEX IF NOT EXISTS idx_comments_issue ON comments(issue_id);
	CREATE INDEX IF NOT EXISTS idx_sync_log_ts ON sync_log(ts);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// UpsertIssue inserts or updates an issue by id. extras is the JSON-encoded
// set of journal fields outside the schema; pass nil to keep whatever is
// already stored.
func (s *Store) UpsertIssue(ctx context.Context, issue *types.Issue, extras map[string]json.RawMessage) error {
	if err := issue.Validate(); err != nil {
		return fmt.Errorf("invalid issue: %w", err)
	}

	labelsJSON, err := json.Marshal(issue.Labels)
	if err != nil {
		return fmt.Errorf("failed to marshal labels: %w", err)
	}

	var extrasVal sql.NullString
	if extras != nil {
		b, err := json.Marshal(extras)
		if err != nil {
			return fmt.Errorf("failed to marshal extras: %w", err)
		}
		extrasVal = sql.NullString{String: string(b), Valid: true}
	}

	query := `
	INSERT INTO issues (
		id, title, description, status, priority, issue_type,
		assignee, labels, milestone_id, created_at, updated_at,
		closed_at, external_ref, last_sync_at, extras
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		description = excluded.description,
		status = excluded.status,
		priority = excluded.priority,
		issue_type = excluded.issue_type,
		assignee = excluded.assignee,
		labels = excluded.labels,
		milestone_id = excluded.milestone_id,
		updated_at = excluded.updated_at,
		closed_at = excluded.closed_at,
		external_ref = COALESCE(excluded.external_ref, issues.external_ref),
		last_sync_at = COALESCE(excluded.last_sync_at, issues.last_sync_at),
		extras = COALESCE(excluded.extras, issues.extras)
	`

	var extRef sql.NullString
	if issue.ExternalRef != nil {
		extRef = sql.NullString{String: *issue.ExternalRef, Valid: true}
	}

	_, err = s.conn.ExecContext(ctx, query,
		issue.ID,
		issue.Title,
		issue.Description,
		issue.Status,
		issue.Priority,
		issue.IssueType,
		issue.Assignee,
		string(labelsJSON),
		issue.MilestoneID,
		issue.CreatedAt.UTC().Format(time.RFC3339),
		issue.UpdatedAt.UTC().Format(time.RFC3339),
		timeToNullString(issue.ClosedAt),
		extRef,
		timeToNullString(issue.LastSyncAt),
		extrasVal,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert issue %s: %w", issue.ID, err)
	}
	return nil
}

// DeleteIssue removes an issue; dependencies and comments cascade.
// Idempotent: deleting a missing issue is a no-op.
func (s *Store) DeleteIssue(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM issues WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete issue %s: %w", id, err)
	}
	return nil
}

const issueColumns = `id, title, description, status, priority, issue_type,
	       assignee, labels, milestone_id, created_at, updated_at,
	       closed_at, external_ref, last_sync_at, extras`

// GetIssue retrieves one issue by id. Returns sql.ErrNoRows when absent.
func (s *Store) GetIssue(ctx context.Context, id string) (*types.Issue, map[string]json.RawMessage, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = ?`, id)
	return scanIssue(row)
}

// GetIssueByExternalRef finds the local issue mirroring a remote one.
// Returns sql.ErrNoRows when no mapping exists.
func (s *Store) GetIssueByExternalRef(ctx context.Context, ref string) (*types.Issue, map[string]json.RawMessage, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE external_ref = ?`, ref)
	return scanIssue(row)
}

// FindOpenByTitle matches open issues without an external_ref by exact
// title. Used as the fallback identity check after a create race.
func (s *Store) FindOpenByTitle(ctx context.Context, title string) ([]*types.Issue, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+issueColumns+` FROM issues
		WHERE title = ? AND external_ref IS NULL AND status != 'closed'
		ORDER BY created_at ASC`, title)
	if err != nil {
		return nil, fmt.Errorf("failed to query by title: %w", err)
	}
	defer rows.Close()
	return scanIssues(rows)
}

// ListIssues returns issues matching the filter, ordered by priority then age.
func (s *Store) ListIssues(ctx context.Context, filter types.IssueFilter) ([]*types.Issue, error) {
	var conditions []string
	var args []interface{}

	if filter.Status != nil {
		conditions = append(conditions, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Priority != nil {
		conditions = append(conditions, "priority = ?")
		args = append(args, *filter.Priority)
	}
	if filter.IssueType != nil {
		conditions = append(conditions, "issue_type = ?")
		args = append(args, string(*filter.IssueType))
	}
	if filter.Assignee != nil {
		conditions = append(conditions, "assignee = ?")
		args = append(args, *filter.Assignee)
	}
	if filter.Label != "" {
		conditions = append(conditions, "EXISTS (SELECT 1 FROM json_each(issues.labels) WHERE value = ?)")
		args = append(args, filter.Label)
	}

	query := `SELECT ` + issueColumns + ` FROM issues`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY priority ASC, created_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query issues: %w", err)
	}
	defer rows.Close()
	return scanIssues(rows)
}

// AllIssues returns every issue with its extras, for journal export.
func (s *Store) AllIssues(ctx context.Context) ([]*types.Issue, []map[string]json.RawMessage, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT `+issueColumns+` FROM issues ORDER BY id ASC`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query issues: %w", err)
	}
	defer rows.Close()

	var issues []*types.Issue
	var extras []map[string]json.RawMessage
	for rows.Next() {
		issue, ex, err := scanIssueRow(rows)
		if err != nil {
			return nil, nil, err
		}
		issues = append(issues, issue)
		extras = append(extras, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating issues: %w", err)
	}
	return issues, extras, nil
}

// CountByStatus returns issue counts keyed by status.
func (s *Store) CountByStatus(ctx context.Context) (map[types.Status]int, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM issues GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count issues: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.Status]int)
	for rows.Next() {
		var status types.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// UpsertDependency records a dependency edge. Duplicate edges are absorbed.
func (s *Store) UpsertDependency(ctx context.Context, dep types.Dependency) error {
	if !dep.Type.IsValid() {
		return fmt.Errorf("invalid dependency type: %s", dep.Type)
	}
	created := dep.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO deps (issue_id, depends_on_id, type, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(issue_id, depends_on_id, type) DO NOTHING`,
		dep.IssueID, dep.DependsOnID, dep.Type, created.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to upsert dependency %s->%s: %w", dep.IssueID, dep.DependsOnID, err)
	}
	return nil
}

// DeleteDependency removes a dependency edge. Idempotent.
func (s *Store) DeleteDependency(ctx context.Context, issueID, dependsOnID string, typ types.DependencyType) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM deps WHERE issue_id = ? AND depends_on_id = ? AND type = ?`,
		issueID, dependsOnID, typ)
	if err != nil {
		return fmt.Errorf("failed to delete dependency %s->%s: %w", issueID, dependsOnID, err)
	}
	return nil
}

// AllDependencies returns every dependency edge.
func (s *Store) AllDependencies(ctx context.Context) ([]types.Dependency, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT issue_id, depends_on_id, type, created_at FROM deps`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	var deps []types.Dependency
	for rows.Next() {
		var d types.Dependency
		var created string
		if err := rows.Scan(&d.IssueID, &d.DependsOnID, &d.Type, &created); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, created); err == nil {
			d.CreatedAt = t
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// DirectDependents returns the ids blocked directly by blockerID through
// blocks edges.
func (s *Store) DirectDependents(ctx context.Context, blockerID string) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT issue_id FROM deps WHERE depends_on_id = ? AND type = 'blocks' ORDER BY issue_id`,
		blockerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependents: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// EpicChildren returns the ids related to epicID through parent-child edges.
func (s *Store) EpicChildren(ctx context.Context, epicID string) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT issue_id FROM deps WHERE depends_on_id = ? AND type = 'parent-child' ORDER BY issue_id`,
		epicID)
	if err != nil {
		return nil, fmt.Errorf("failed to query epic children: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// AddComment stores a mirrored comment. Re-delivery of the same remote
// comment id is absorbed; returns true when the row was new.
func (s *Store) AddComment(ctx context.Context, c *types.Comment) (bool, error) {
	var remoteID sql.NullInt64
	if c.RemoteCommentID != 0 {
		remoteID = sql.NullInt64{Int64: c.RemoteCommentID, Valid: true}
	}
	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO comments (issue_id, author, body, remote_comment_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(remote_comment_id) DO NOTHING`,
		c.IssueID, c.Author, c.Body, remoteID, c.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return false, fmt.Errorf("failed to add comment on %s: %w", c.IssueID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// ListComments returns an issue's comments in creation order.
func (s *Store) ListComments(ctx context.Context, issueID string) ([]*types.Comment, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, issue_id, author, body, COALESCE(remote_comment_id, 0), created_at
		FROM comments WHERE issue_id = ? ORDER BY created_at ASC, id ASC`, issueID)
	if err != nil {
		return nil, fmt.Errorf("failed to query comments: %w", err)
	}
	defer rows.Close()

	var comments []*types.Comment
	for rows.Next() {
		var c types.Comment
		var created string
		if err := rows.Scan(&c.ID, &c.IssueID, &c.Author, &c.Body, &c.RemoteCommentID, &created); err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, created); err == nil {
			c.CreatedAt = t
		}
		comments = append(comments, &c)
	}
	return comments, rows.Err()
}

// UpsertCrossRepoDep records a cross-repository dependency edge.
func (s *Store) UpsertCrossRepoDep(ctx context.Context, d *types.CrossRepoDependency) error {
	status := d.Status
	if status == "" {
		status = types.CrossRepoPending
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO cross_repo_deps (issue_id, depends_on_repo, depends_on_issue, type, status, last_checked_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(issue_id, depends_on_repo, depends_on_issue) DO UPDATE SET
			type = excluded.type,
			status = excluded.status,
			last_checked_at = excluded.last_checked_at`,
		d.IssueID, d.DependsOnRepo, d.DependsOnIssue, d.Type, status,
		timeToNullString(d.LastCheckedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert cross-repo dep %s: %w", d.IssueID, err)
	}
	return nil
}

// PendingCrossRepoDeps returns edges still waiting on another repository,
// optionally filtered to one upstream repo.
func (s *Store) PendingCrossRepoDeps(ctx context.Context, repo string) ([]*types.CrossRepoDependency, error) {
	query := `SELECT issue_id, depends_on_repo, depends_on_issue, type, status, last_checked_at
		FROM cross_repo_deps WHERE status = 'pending'`
	var args []interface{}
	if repo != "" {
		query += " AND depends_on_repo = ?"
		args = append(args, repo)
	}
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cross-repo deps: %w", err)
	}
	defer rows.Close()

	var deps []*types.CrossRepoDependency
	for rows.Next() {
		var d types.CrossRepoDependency
		var checked sql.NullString
		if err := rows.Scan(&d.IssueID, &d.DependsOnRepo, &d.DependsOnIssue, &d.Type, &d.Status, &checked); err != nil {
			return nil, fmt.Errorf("failed to scan cross-repo dep: %w", err)
		}
		d.LastCheckedAt = nullStringToTime(checked)
		deps = append(deps, &d)
	}
	return deps, rows.Err()
}

// CrossRepoDepsForIssue returns every cross-repo edge of one issue,
// whatever its status.
func (s *Store) CrossRepoDepsForIssue(ctx context.Context, issueID string) ([]*types.CrossRepoDependency, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT issue_id, depends_on_repo, depends_on_issue, type, status, last_checked_at
		FROM cross_repo_deps WHERE issue_id = ?`, issueID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cross-repo deps for %s: %w", issueID, err)
	}
	defer rows.Close()

	var deps []*types.CrossRepoDependency
	for rows.Next() {
		var d types.CrossRepoDependency
		var checked sql.NullString
		if err := rows.Scan(&d.IssueID, &d.DependsOnRepo, &d.DependsOnIssue, &d.Type, &d.Status, &checked); err != nil {
			return nil, fmt.Errorf("failed to scan cross-repo dep: %w", err)
		}
		d.LastCheckedAt = nullStringToTime(checked)
		deps = append(deps, &d)
	}
	return deps, rows.Err()
}

// SetCrossRepoStatus transitions one cross-repo edge.
func (s *Store) SetCrossRepoStatus(ctx context.Context, issueID, repo, remoteIssue string, status types.CrossRepoStatus, checkedAt time.Time) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE cross_repo_deps SET status = ?, last_checked_at = ?
		WHERE issue_id = ? AND depends_on_repo = ? AND depends_on_issue = ?`,
		status, checkedAt.UTC().Format(time.RFC3339), issueID, repo, remoteIssue)
	if err != nil {
		return fmt.Errorf("failed to update cross-repo dep %s: %w", issueID, err)
	}
	return nil
}

// UpsertMilestone inserts or updates a milestone.
func (s *Store) UpsertMilestone(ctx context.Context, m *types.Milestone) error {
	var extRef sql.NullString
	if m.ExternalRef != nil {
		extRef = sql.NullString{String: *m.ExternalRef, Valid: true}
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO milestones (id, title, state, due_on, external_ref)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			state = excluded.state,
			due_on = excluded.due_on,
			external_ref = COALESCE(excluded.external_ref, milestones.external_ref)`,
		m.ID, m.Title, m.State, timeToNullString(m.DueOn), extRef)
	if err != nil {
		return fmt.Errorf("failed to upsert milestone %s: %w", m.ID, err)
	}
	return nil
}

// ListMilestones returns all milestones.
func (s *Store) ListMilestones(ctx context.Context) ([]*types.Milestone, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, title, state, due_on, external_ref FROM milestones ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query milestones: %w", err)
	}
	defer rows.Close()

	var milestones []*types.Milestone
	for rows.Next() {
		var m types.Milestone
		var due, ref sql.NullString
		if err := rows.Scan(&m.ID, &m.Title, &m.State, &due, &ref); err != nil {
			return nil, fmt.Errorf("failed to scan milestone: %w", err)
		}
		m.DueOn = nullStringToTime(due)
		if ref.Valid {
			m.ExternalRef = &ref.String
		}
		milestones = append(milestones, &m)
	}
	return milestones, rows.Err()
}

// AppendSyncLog records one audit entry.
func (s *Store) AppendSyncLog(ctx context.Context, e types.SyncLogEntry) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO sync_log (operation, issue_id, outcome, error, ts)
		VALUES (?, ?, ?, ?, ?)`,
		e.Operation, e.IssueID, e.Outcome, e.Error, ts.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to append sync log: %w", err)
	}
	return nil
}

// RecentSyncLog returns the newest limit entries, newest first.
func (s *Store) RecentSyncLog(ctx context.Context, limit int) ([]types.SyncLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, operation, issue_id, outcome, error, ts
		FROM sync_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync log: %w", err)
	}
	defer rows.Close()

	var entries []types.SyncLogEntry
	for rows.Next() {
		var e types.SyncLogEntry
		var ts string
		if err := rows.Scan(&e.ID, &e.Operation, &e.IssueID, &e.Outcome, &e.Error, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			e.Timestamp = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkCommitProcessed records a journal commit ref. Returns true the first
// time; false means the commit was already folded in and should be skipped.
func (s *Store) MarkCommitProcessed(ctx context.Context, commitRef string, at time.Time) (bool, error) {
	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO journal_commits (commit_ref, processed_at)
		VALUES (?, ?)
		ON CONFLICT(commit_ref) DO NOTHING`,
		commitRef, at.UTC().Format(time.RFC3339))
	if err != nil {
		return false, fmt.Errorf("failed to record commit %s: %w", commitRef, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// CommitProcessed reports whether a journal commit ref was already folded
// in. Refs are recorded only after a successful import, so a failed push
// stays retryable on re-delivery.
func (s *Store) CommitProcessed(ctx context.Context, commitRef string) (bool, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM journal_commits WHERE commit_ref = ?`, commitRef).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check commit %s: %w", commitRef, err)
	}
	return n > 0, nil
}

// MarkMissing notes that an issue vanished from one side at time t. The
// first sighting wins so the confirmation window measures from it.
func (s *Store) MarkMissing(ctx context.Context, issueID string, t time.Time) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO pending_deletions (issue_id, first_missing_at)
		VALUES (?, ?)
		ON CONFLICT(issue_id) DO NOTHING`,
		issueID, t.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to mark %s missing: %w", issueID, err)
	}
	return nil
}

// ClearMissing withdraws a pending deletion, the issue reappeared.
func (s *Store) ClearMissing(ctx context.Context, issueID string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM pending_deletions WHERE issue_id = ?`, issueID)
	if err != nil {
		return fmt.Errorf("failed to clear missing %s: %w", issueID, err)
	}
	return nil
}

// MissingSince returns issue ids whose absence was first seen at or before
// cutoff, meaning the confirmation window has elapsed.
func (s *Store) MissingSince(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT issue_id FROM pending_deletions
		WHERE first_missing_at <= ? ORDER BY issue_id`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending deletions: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIssue(row rowScanner) (*types.Issue, map[string]json.RawMessage, error) {
	return scanIssueRow(row)
}

func scanIssueRow(row rowScanner) (*types.Issue, map[string]json.RawMessage, error) {
	var issue types.Issue
	var labelsJSON, createdAt, updatedAt string
	var closedAt, extRef, lastSync, extrasJSON sql.NullString

	err := row.Scan(
		&issue.ID,
		&issue.Title,
		&issue.Description,
		&issue.Status,
		&issue.Priority,
		&issue.IssueType,
		&issue.Assignee,
		&labelsJSON,
		&issue.MilestoneID,
		&createdAt,
		&updatedAt,
		&closedAt,
		&extRef,
		&lastSync,
		&extrasJSON,
	)
	if err != nil {
		return nil, nil, err
	}

	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		issue.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		issue.UpdatedAt = t
	}
	issue.ClosedAt = nullStringToTime(closedAt)
	issue.LastSyncAt = nullStringToTime(lastSync)
	if extRef.Valid {
		issue.ExternalRef = &extRef.String
	}
	if labelsJSON != "" && labelsJSON != "null" {
		if err := json.Unmarshal([]byte(labelsJSON), &issue.Labels); err != nil {
			return nil, nil, fmt.Errorf("failed to unmarshal labels: %w", err)
		}
	}

	var extras map[string]json.RawMessage
	if extrasJSON.Valid && extrasJSON.String != "" {
		if err := json.Unmarshal([]byte(extrasJSON.String), &extras); err != nil {
			return nil, nil, fmt.Errorf("failed to unmarshal extras: %w", err)
		}
	}
	return &issue, extras, nil
}

func scanIssues(rows *sql.Rows) ([]*types.Issue, error) {
	var issues []*types.Issue
	for rows.Next() {
		issue, _, err := scanIssueRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		issues = append(issues, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating issues: %w", err)
	}
	return issues, nil
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
