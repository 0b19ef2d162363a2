// Package engine computes issue readiness and epic progress. It is pure:
// callers hand it issues and dependency edges and it returns derived state,
// with no storage or network access of its own.
package engine

import (
	"sort"

	"github.com/stitchwork/stitch/internal/types"
)

// Snapshot is the dependency graph input for readiness computation.
type Snapshot struct {
	Issues map[string]*types.Issue
	// Blockers maps issue id to the ids it is blocked by (blocks-type edges
	// only; other dependency types never gate readiness).
	Blockers map[string][]string
	// Dependents is the reverse index: blocker id to the ids it blocks.
	Dependents map[string][]string
}

// NewSnapshot builds a Snapshot from issues and raw dependency edges,
// indexing only the edges that gate readiness.
func NewSnapshot(issues []*types.Issue, deps []types.Dependency) *Snapshot {
	s := &Snapshot{
		Issues:     make(map[string]*types.Issue, len(issues)),
		Blockers:   make(map[string][]string),
		Dependents: make(map[string][]string),
	}
	for _, i := range issues {
		s.Issues[i.ID] = i
	}
	for _, d := range deps {
		if !d.Type.AffectsReadiness() {
			continue
		}
		s.Blockers[d.IssueID] = append(s.Blockers[d.IssueID], d.DependsOnID)
		s.Dependents[d.DependsOnID] = append(s.Dependents[d.DependsOnID], d.IssueID)
	}
	return s
}

// IsReady reports whether the issue can be worked on: it is open and every
// blocker is closed. A blocker that no longer exists does not gate. Issues in
// a blocks cycle are never ready; that is left to humans to untangle.
func (s *Snapshot) IsReady(issueID string) bool {
	issue, ok := s.Issues[issueID]
	if !ok || issue.Status != types.StatusOpen {
		return false
	}
	for _, blockerID := range s.Blockers[issueID] {
		blocker, ok := s.Issues[blockerID]
		if !ok {
			continue
		}
		if blocker.Status != types.StatusClosed {
			return false
		}
	}
	return true
}

// ReadyAfterClose returns the ids that transition to ready when closedID
// closes. Only direct dependents are examined; transitive unblocking surfaces
// on later closes of the intermediate issues.
func (s *Snapshot) ReadyAfterClose(closedID string) []string {
	var ready []string
	for _, depID := range s.Dependents[closedID] {
		if s.IsReady(depID) {
			ready = append(ready, depID)
		}
	}
	sort.Strings(ready)
	return ready
}

// ReadyIssues returns every currently ready issue id, sorted.
func (s *Snapshot) ReadyIssues() []string {
	var ready []string
	for id := range s.Issues {
		if s.IsReady(id) {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// EpicProgress reports completion over the epic's parent-child children.
// children are the ids related to epicID by parent-child edges; the caller
// resolves those from storage.
func (s *Snapshot) EpicProgress(epicID string, children []string) types.EpicProgress {
	p := types.EpicProgress{EpicID: epicID}
	for _, childID := range children {
		child, ok := s.Issues[childID]
		if !ok {
			continue
		}
		p.Total++
		if child.Status == types.StatusClosed {
			p.Completed++
		}
	}
	if p.Total > 0 {
		// Round half up so 1/3 reports 33 and 2/3 reports 67.
		p.Percent = (p.Completed*100 + p.Total/2) / p.Total
	}
	return p
}
