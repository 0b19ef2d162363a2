package types

import (
	"testing"
	"time"
)

func TestIssueValidate(t *testing.T) {
	now := time.Now().UTC()
	tests := []struct {
		name    string
		issue   Issue
		wantErr bool
	}{
		{
			name: "valid open issue",
			issue: Issue{
				ID: "st-1", Title: "Fix login", Status: StatusOpen,
				Priority: 2, IssueType: TypeBug,
				CreatedAt: now, UpdatedAt: now,
			},
		},
		{
			name: "missing id",
			issue: Issue{
				Title: "x", Status: StatusOpen, Priority: 2, IssueType: TypeTask,
			},
			wantErr: true,
		},
		{
			name: "missing title",
			issue: Issue{
				ID: "st-1", Status: StatusOpen, Priority: 2, IssueType: TypeTask,
			},
			wantErr: true,
		},
		{
			name: "priority out of range",
			issue: Issue{
				ID: "st-1", Title: "x", Status: StatusOpen, Priority: 5, IssueType: TypeTask,
			},
			wantErr: true,
		},
		{
			name: "bad status",
			issue: Issue{
				ID: "st-1", Title: "x", Status: "done", Priority: 2, IssueType: TypeTask,
			},
			wantErr: true,
		},
		{
			name: "closed without closed_at",
			issue: Issue{
				ID: "st-1", Title: "x", Status: StatusClosed, Priority: 2, IssueType: TypeTask,
			},
			wantErr: true,
		},
		{
			name: "closed with closed_at",
			issue: Issue{
				ID: "st-1", Title: "x", Status: StatusClosed, Priority: 2, IssueType: TypeTask,
				ClosedAt: &now,
			},
		},
		{
			name: "open with closed_at",
			issue: Issue{
				ID: "st-1", Title: "x", Status: StatusOpen, Priority: 2, IssueType: TypeTask,
				ClosedAt: &now,
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.issue.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestIssueSetDefaults(t *testing.T) {
	i := Issue{ID: "st-1", Title: "x"}
	i.SetDefaults()
	if i.Status != StatusOpen {
		t.Errorf("default status = %s, want open", i.Status)
	}
	if i.IssueType != TypeTask {
		t.Errorf("default type = %s, want task", i.IssueType)
	}
	if i.CreatedAt.IsZero() || i.UpdatedAt.IsZero() {
		t.Error("timestamps should be populated")
	}
}

func TestDependencyTypeAffectsReadiness(t *testing.T) {
	if !DepBlocks.AffectsReadiness() {
		t.Error("blocks should affect readiness")
	}
	for _, d := range []DependencyType{DepRelated, DepParentChild, DepDiscoveredFrom} {
		if d.AffectsReadiness() {
			t.Errorf("%s should not affect readiness", d)
		}
	}
}

func TestEpicProgressDone(t *testing.T) {
	if (EpicProgress{Total: 0, Completed: 0}).Done() {
		t.Error("empty epic should not be done")
	}
	if (EpicProgress{Total: 3, Completed: 2}).Done() {
		t.Error("partial epic should not be done")
	}
	if !(EpicProgress{Total: 3, Completed: 3}).Done() {
		t.Error("fully closed epic should be done")
	}
}

func TestNewTriggerEvent(t *testing.T) {
	ev := NewTriggerEvent("acme/api", "st-42")
	if ev.TriggerID != "develop-st-42" {
		t.Errorf("trigger id = %s", ev.TriggerID)
	}
	if ev.Repo != "acme/api" || ev.IssueID != "st-42" {
		t.Errorf("unexpected event: %+v", ev)
	}
}
