// Package server exposes the sync actor operation API over HTTP: issue CRUD,
// readiness queries, webhook ingress, journal export/import, cross-repo
// notification, and a WebSocket event stream.
package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stitchwork/stitch/internal/actor"
	"github.com/stitchwork/stitch/internal/journal"
	"github.com/stitchwork/stitch/internal/types"
)

// Server routes HTTP requests to per-repository actors.
type Server struct {
	registry      *actor.Registry
	webhookSecret []byte
	defaultRepo   string
	stream        *Stream
	logger        *log.Logger
}

// New builds the HTTP layer over an actor registry. defaultRepo is used when
// a request carries no repository identity; webhookSecret enables signature
// verification on webhook ingress when non-empty.
func New(registry *actor.Registry, defaultRepo string, webhookSecret []byte, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "[server] ", log.LstdFlags)
	}
	return &Server{
		registry:      registry,
		webhookSecret: webhookSecret,
		defaultRepo:   defaultRepo,
		stream:        NewStream(logger),
		logger:        logger,
	}
}

// Stream returns the live event stream for external broadcasters.
func (s *Server) Stream() *Stream { return s.stream }

// Start launches the stream broadcast loop.
func (s *Server) Start() { s.stream.Start() }

// Stop tears down the event stream.
func (s *Server) Stop() { s.stream.Stop() }

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/issues", s.handleListIssues)
	r.Post("/issues", s.handleCreateIssue)
	r.Get("/issues/ready", s.handleListReady)
	r.Get("/issues/blocked", s.handleListBlocked)
	r.Get("/issues/{id}", s.handleGetIssue)
	r.Patch("/issues/{id}", s.handleUpdateIssue)
	r.Post("/issues/{id}/close", s.handleCloseIssue)
	r.Get("/issues/{id}/comments", s.handleListComments)
	r.Get("/epics/{id}/progress", s.handleEpicProgress)

	r.Post("/dependencies", s.handleAddDependency)
	r.Delete("/dependencies", s.handleRemoveDependency)
	r.Get("/cross-deps/{issueId}", s.handleGetCrossDeps)
	r.Post("/cross-deps", s.handleAddCrossDep)
	r.Post("/cross-deps/{issueId}/check", s.handleCheckCrossDeps)

	r.Post("/notify/issue-closed", s.handleNotifyClosed)
	r.Post("/webhook/remote", s.handleRemoteWebhook)
	r.Post("/webhook/journal-push", s.handleJournalPushWebhook)

	r.Post("/sync/bulk", s.handleBulkSync)
	r.Get("/export", s.handleExport)
	r.Post("/import", s.handleImport)
	r.Get("/status", s.handleStatus)

	r.Get("/ws", s.handleWebSocket)
	return r
}

// resolveActor picks the actor addressed by the request's repo query
// parameter, falling back to the configured default repository.
func (s *Server) resolveActor(w http.ResponseWriter, r *http.Request) *actor.Actor {
	repo := r.URL.Query().Get("repo")
	if repo == "" {
		repo = s.defaultRepo
	}
	if repo == "" {
		writeError(w, http.StatusBadRequest, "no repository identity")
		return nil
	}
	a, err := s.registry.Get(repo)
	if err != nil {
		s.logger.Printf("unknown repository %s: %v", repo, err)
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown repository %s", repo))
		return nil
	}
	return a
}

func (s *Server) handleListIssues(w http.ResponseWriter, r *http.Request) {
	a := s.resolveActor(w, r)
	if a == nil {
		return
	}

	var filter types.IssueFilter
	q := r.URL.Query()
	if v := q.Get("status"); v != "" {
		st := types.Status(v)
		if !st.IsValid() {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		filter.Status = &st
	}
	if v := q.Get("priority"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 0 || p > 4 {
			writeError(w, http.StatusBadRequest, "invalid priority")
			return
		}
		filter.Priority = &p
	}
	if v := q.Get("type"); v != "" {
		it := types.IssueType(v)
		if !it.IsValid() {
			writeError(w, http.StatusBadRequest, "invalid type")
			return
		}
		filter.IssueType = &it
	}
	if v := q.Get("assignee"); v != "" {
		filter.Assignee = &v
	}
	filter.Label = q.Get("label")
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}

	issues, err := a.Store().ListIssues(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(issues))
}

func (s *Server) handleCreateIssue(w http.ResponseWriter, r *http.Request) {
	a := s.resolveActor(w, r)
	if a == nil {
		return
	}
	var issue types.Issue
	if err := json.NewDecoder(r.Body).Decode(&issue); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := a.CreateIssue(r.Context(), &issue)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.stream.Broadcast(Event{Type: "issue.created", Repo: a.Repo(), IssueID: created.ID})
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	a := s.resolveActor(w, r)
	if a == nil {
		return
	}
	id := chi.URLParam(r, "id")
	issue, _, err := a.Store().GetIssue(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "issue not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func (s *Server) handleUpdateIssue(w http.ResponseWriter, r *http.Request) {
	a := s.resolveActor(w, r)
	if a == nil {
		return
	}
	id := chi.URLParam(r, "id")

	current, _, err := a.Store().GetIssue(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "issue not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Patch semantics: decode over a copy of the current row.
	patched := *current
	if err := json.NewDecoder(r.Body).Decode(&patched); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	patched.ID = id

	updated, err := a.UpdateIssue(r.Context(), &patched)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.stream.Broadcast(Event{Type: "issue.updated", Repo: a.Repo(), IssueID: id})
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleCloseIssue(w http.ResponseWriter, r *http.Request) {
	a := s.resolveActor(w, r)
	if a == nil {
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.CloseIssue(r.Context(), id); err != nil {
		status := http.StatusInternalServerError
		if err.Error() == fmt.Sprintf("issue %s not found", id) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	s.stream.Broadcast(Event{Type: "issue.closed", Repo: a.Repo(), IssueID: id})
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) handleListReady(w http.ResponseWriter, r *http.Request) {
	a := s.resolveActor(w, r)
	if a == nil {
		return
	}
	issues, err := a.ListReady(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(issues))
}

func (s *Server) handleListBlocked(w http.ResponseWriter, r *http.Request) {
	a := s.resolveActor(w, r)
	if a == nil {
		return
	}
	issues, err := a.ListBlocked(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(issues))
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	a := s.resolveActor(w, r)
	if a == nil {
		return
	}
	comments, err := a.Store().ListComments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if comments == nil {
		comments = []*types.Comment{}
	}
	writeJSON(w, http.StatusOK, comments)
}

func (s *Server) handleEpicProgress(w http.ResponseWriter, r *http.Request) {
	a := s.resolveActor(w, r)
	if a == nil {
		return
	}
	progress, err := a.EpicProgress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handleAddDependency(w http.ResponseWriter, r *http.Request) {
	a := s.resolveActor(w, r)
	if a == nil {
		return
	}
	var dep types.Dependency
	if err := json.NewDecoder(r.Body).Decode(&dep); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.AddDependency(r.Context(), dep); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, dep)
}

func (s *Server) handleRemoveDependency(w http.ResponseWriter, r *http.Request) {
	a := s.resolveActor(w, r)
	if a == nil {
		return
	}
	var dep types.Dependency
	if err := json.NewDecoder(r.Body).Decode(&dep); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.RemoveDependency(r.Context(), dep.IssueID, dep.DependsOnID, dep.Type); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetCrossDeps(w http.ResponseWriter, r *http.Request) {
	a := s.resolveActor(w, r)
	if a == nil {
		return
	}
	deps, err := a.Store().CrossRepoDepsForIssue(r.Context(), chi.URLParam(r, "issueId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if deps == nil {
		deps = []*types.CrossRepoDependency{}
	}
	writeJSON(w, http.StatusOK, deps)
}

func (s *Server) handleAddCrossDep(w http.ResponseWriter, r *http.Request) {
	a := s.resolveActor(w, r)
	if a == nil {
		return
	}
	var dep types.CrossRepoDependency
	if err := json.NewDecoder(r.Body).Decode(&dep); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.AddCrossRepoDependency(r.Context(), &dep); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, dep)
}

// handleCheckCrossDeps polls the pending cross-repo edges of one issue.
// Upstream repositories hosted in this process are read directly; edges on
// unreachable repositories stay pending with a bumped last_checked_at.
func (s *Server) handleCheckCrossDeps(w http.ResponseWriter, r *http.Request) {
	a := s.resolveActor(w, r)
	if a == nil {
		return
	}
	issueID := chi.URLParam(r, "issueId")

	probe := func(ctx context.Context, repo, remoteIssueID string) (bool, error) {
		upstream, ok := s.registry.Lookup(repo)
		if !ok {
			return false, fmt.Errorf("repository %s is not hosted here", repo)
		}
		issue, _, err := upstream.Store().GetIssue(ctx, remoteIssueID)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return issue.Status == types.StatusClosed, nil
	}

	satisfied, err := a.CheckCrossRepoDependencies(r.Context(), issueID, probe)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"satisfied": satisfied})
}

// handleNotifyClosed is the receiving side of cross-repo notification: a
// peer tells us one of its issues closed.
func (s *Server) handleNotifyClosed(w http.ResponseWriter, r *http.Request) {
	var notice struct {
		Repo    string `json:"repo"`
		IssueID string `json:"issue_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&notice); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if notice.Repo == "" || notice.IssueID == "" {
		writeError(w, http.StatusBadRequest, "repo and issue_id are required")
		return
	}

	// Fan out to every local actor; those without a matching edge no-op.
	for _, a := range s.registry.All() {
		if a.Repo() == notice.Repo {
			continue
		}
		if err := a.OnDependencySatisfied(r.Context(), notice.Repo, notice.IssueID); err != nil {
			s.logger.Printf("notify fan-out to %s failed: %v", a.Repo(), err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// remoteWebhookPayload is the GitHub-shaped issue event body.
type remoteWebhookPayload struct {
	Action string `json:"action"`
	Issue  struct {
		ID     int64  `json:"id"`
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
		State  string `json:"state"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
		Assignee *struct {
			Login string `json:"login"`
		} `json:"assignee"`
		CreatedAt time.Time  `json:"created_at"`
		UpdatedAt time.Time  `json:"updated_at"`
		ClosedAt  *time.Time `json:"closed_at"`
	} `json:"issue"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// remoteCommentPayload is the GitHub-shaped issue_comment event body.
type remoteCommentPayload struct {
	Action string `json:"action"`
	Issue  struct {
		Number int `json:"number"`
	} `json:"issue"`
	Comment struct {
		ID   int64  `json:"id"`
		Body string `json:"body"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
		CreatedAt time.Time `json:"created_at"`
	} `json:"comment"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

func (s *Server) handleRemoteWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readVerifiedBody(w, r)
	if !ok {
		return
	}

	if r.Header.Get("X-GitHub-Event") == "issue_comment" {
		s.handleCommentEvent(w, r, body)
		return
	}

	var payload remoteWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	repo := payload.Repository.FullName
	if repo == "" {
		repo = s.defaultRepo
	}
	a, err := s.registry.Get(repo)
	if err != nil {
		// Unknown installation context: log and no-op the delivery.
		s.logger.Printf("webhook for unknown repository %q ignored", repo)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	ri := &types.RemoteIssue{
		ID:        payload.Issue.ID,
		Number:    payload.Issue.Number,
		Title:     payload.Issue.Title,
		Body:      payload.Issue.Body,
		State:     payload.Issue.State,
		CreatedAt: payload.Issue.CreatedAt,
		UpdatedAt: payload.Issue.UpdatedAt,
		ClosedAt:  payload.Issue.ClosedAt,
	}
	for _, l := range payload.Issue.Labels {
		ri.Labels = append(ri.Labels, l.Name)
	}
	if payload.Issue.Assignee != nil {
		ri.Assignee = payload.Issue.Assignee.Login
	}

	if err := a.OnRemoteEvent(r.Context(), payload.Action, ri); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.stream.Broadcast(Event{Type: "webhook.remote", Repo: repo, IssueID: ri.Ref()})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCommentEvent(w http.ResponseWriter, r *http.Request, body []byte) {
	var payload remoteCommentPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if payload.Action != "created" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	repo := payload.Repository.FullName
	if repo == "" {
		repo = s.defaultRepo
	}
	a, err := s.registry.Get(repo)
	if err != nil {
		s.logger.Printf("comment webhook for unknown repository %q ignored", repo)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	c := &types.Comment{
		Author:          payload.Comment.User.Login,
		Body:            payload.Comment.Body,
		RemoteCommentID: payload.Comment.ID,
		CreatedAt:       payload.Comment.CreatedAt,
	}
	if _, err := a.OnRemoteComment(r.Context(), payload.Issue.Number, c); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// journalPushPayload is the GitHub-shaped push event body, trimmed to the
// fields the actor needs.
type journalPushPayload struct {
	After   string `json:"after"`
	Commits []struct {
		Added    []string `json:"added"`
		Modified []string `json:"modified"`
		Removed  []string `json:"removed"`
	} `json:"commits"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

func (s *Server) handleJournalPushWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readVerifiedBody(w, r)
	if !ok {
		return
	}

	var payload journalPushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	repo := payload.Repository.FullName
	if repo == "" {
		repo = s.defaultRepo
	}
	a, err := s.registry.Get(repo)
	if err != nil {
		s.logger.Printf("push webhook for unknown repository %q ignored", repo)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	var changed []string
	for _, c := range payload.Commits {
		changed = append(changed, c.Added...)
		changed = append(changed, c.Modified...)
		changed = append(changed, c.Removed...)
	}

	if err := a.OnJournalPush(r.Context(), payload.After, changed); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.stream.Broadcast(Event{Type: "webhook.push", Repo: repo})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBulkSync(w http.ResponseWriter, r *http.Request) {
	a := s.resolveActor(w, r)
	if a == nil {
		return
	}
	res, err := a.BulkSync(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.stream.Broadcast(Event{Type: "sync.bulk", Repo: a.Repo(), Payload: res})
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	a := s.resolveActor(w, r)
	if a == nil {
		return
	}
	content, err := a.ExportJournal(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	a := s.resolveActor(w, r)
	if a == nil {
		return
	}
	records, bad, err := journal.Read(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.Import(r.Context(), records); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"imported": len(records),
		"skipped":  len(bad),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repo")
	if repo != "" || s.defaultRepo != "" {
		a := s.resolveActor(w, r)
		if a == nil {
			return
		}
		st, err := a.Status(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, st)
		return
	}

	// No repo addressed: report all registered actors.
	var all []*actor.Status
	for _, a := range s.registry.All() {
		st, err := a.Status(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		all = append(all, st)
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}
	s.stream.addClient(conn)
}

// readVerifiedBody reads the request body and, when a webhook secret is
// configured, checks the X-Hub-Signature-256 header against it.
func (s *Server) readVerifiedBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return nil, false
	}
	if len(s.webhookSecret) == 0 {
		return body, true
	}

	sig := r.Header.Get("X-Hub-Signature-256")
	if !validSignature(s.webhookSecret, body, sig) {
		s.logger.Printf("webhook signature mismatch from %s", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return nil, false
	}
	return body, true
}

func validSignature(secret, body []byte, header string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	want := mac.Sum(nil)
	got, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		return
	}
	_, _ = w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func orEmpty(issues []*types.Issue) []*types.Issue {
	if issues == nil {
		return []*types.Issue{}
	}
	return issues
}
