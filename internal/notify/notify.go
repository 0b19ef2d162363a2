// Package notify fans out cross-repository notifications and workflow
// triggers. Delivery is best effort: failures are logged by the caller and
// retried on a later close or periodic check, never synchronously inline.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Receiver is the actor-side surface a notification lands on. The registry
// of local actors satisfies this; remote peers are reached over HTTP.
type Receiver interface {
	OnDependencySatisfied(ctx context.Context, repo, issueID string) error
}

// LocalResolver resolves repositories hosted in this process.
type LocalResolver interface {
	Repos() []string
	Resolve(repo string) (Receiver, bool)
}

// ClosedNotice is the wire shape of an issue-closed notification.
type ClosedNotice struct {
	Repo    string `json:"repo"`
	IssueID string `json:"issue_id"`
}

// Router delivers issue-closed notices to every actor that might hold a
// cross-repo dependency on the closed issue: local siblings directly, remote
// peers over their notify endpoint. Receivers that hold no matching edge
// treat the notice as a no-op.
type Router struct {
	local  LocalResolver
	peers  []string // base URLs of peer stitch instances
	client *http.Client
	logger *log.Logger
}

// NewRouter builds a router over the local actor set and optional peer URLs.
func NewRouter(local LocalResolver, peers []string, logger *log.Logger) *Router {
	if logger == nil {
		logger = log.New(log.Writer(), "[notify] ", log.LstdFlags)
	}
	return &Router{
		local:  local,
		peers:  peers,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// NotifyIssueClosed fans the close out. Local delivery errors and peer HTTP
// failures are collected into one error for the caller's sync log; partial
// delivery is acceptable.
func (r *Router) NotifyIssueClosed(ctx context.Context, fromRepo, issueID string) error {
	var failed int

	if r.local != nil {
		for _, repo := range r.local.Repos() {
			if repo == fromRepo {
				continue
			}
			receiver, ok := r.local.Resolve(repo)
			if !ok {
				continue
			}
			if err := receiver.OnDependencySatisfied(ctx, fromRepo, issueID); err != nil {
				r.logger.Printf("local notify %s failed: %v", repo, err)
				failed++
			}
		}
	}

	for _, peer := range r.peers {
		if err := r.notifyPeer(ctx, peer, fromRepo, issueID); err != nil {
			r.logger.Printf("peer notify %s failed: %v", peer, err)
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d notification deliveries failed for %s/%s", failed, fromRepo, issueID)
	}
	return nil
}

func (r *Router) notifyPeer(ctx context.Context, peer, fromRepo, issueID string) error {
	body, err := json.Marshal(ClosedNotice{Repo: fromRepo, IssueID: issueID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		peer+"/notify/issue-closed", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("peer returned %s", resp.Status)
	}
	return nil
}
