package remote

import (
	"reflect"
	"testing"

	"github.com/stitchwork/stitch/internal/types"
)

func TestMapLabels(t *testing.T) {
	tests := []struct {
		name  string
		issue types.Issue
		want  []string
	}{
		{
			name: "open task",
			issue: types.Issue{
				Priority: 2, IssueType: types.TypeTask, Status: types.StatusOpen,
			},
			want: []string{"P2", "task"},
		},
		{
			name: "in-progress bug with user labels",
			issue: types.Issue{
				Priority: 0, IssueType: types.TypeBug, Status: types.StatusInProgress,
				Labels: []string{"frontend", "urgent"},
			},
			want: []string{"P0", "bug", "frontend", "in-progress", "urgent"},
		},
		{
			name: "structured labels stripped from user set",
			issue: types.Issue{
				Priority: 1, IssueType: types.TypeFeature, Status: types.StatusOpen,
				Labels: []string{"P4", "chore", "in-progress", "real-label"},
			},
			want: []string{"P1", "feature", "real-label"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapLabels(&tt.issue)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("MapLabels() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUnmapLabels(t *testing.T) {
	tests := []struct {
		name       string
		labels     []string
		state      string
		wantPrio   int
		wantType   types.IssueType
		wantStatus types.Status
		wantUser   []string
	}{
		{
			name:   "defaults when absent",
			labels: nil, state: "open",
			wantPrio: 2, wantType: types.TypeTask, wantStatus: types.StatusOpen,
		},
		{
			name:   "priority and type",
			labels: []string{"P1", "bug"}, state: "open",
			wantPrio: 1, wantType: types.TypeBug, wantStatus: types.StatusOpen,
		},
		{
			name:   "in-progress label",
			labels: []string{"in-progress", "P3", "feature"}, state: "open",
			wantPrio: 3, wantType: types.TypeFeature, wantStatus: types.StatusInProgress,
		},
		{
			name:   "closed state wins over in-progress",
			labels: []string{"in-progress"}, state: "closed",
			wantPrio: 2, wantType: types.TypeTask, wantStatus: types.StatusClosed,
		},
		{
			name:   "passthrough labels",
			labels: []string{"P0", "epic", "zeta", "alpha"}, state: "open",
			wantPrio: 0, wantType: types.TypeEpic, wantStatus: types.StatusOpen,
			wantUser: []string{"alpha", "zeta"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var issue types.Issue
			UnmapLabels(&issue, tt.labels, tt.state)
			if issue.Priority != tt.wantPrio {
				t.Errorf("priority = %d, want %d", issue.Priority, tt.wantPrio)
			}
			if issue.IssueType != tt.wantType {
				t.Errorf("type = %s, want %s", issue.IssueType, tt.wantType)
			}
			if issue.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", issue.Status, tt.wantStatus)
			}
			if !reflect.DeepEqual(issue.Labels, tt.wantUser) {
				t.Errorf("labels = %v, want %v", issue.Labels, tt.wantUser)
			}
		})
	}
}

func TestLabelMappingRoundTrip(t *testing.T) {
	for p := 0; p <= 4; p++ {
		for _, typ := range []types.IssueType{
			types.TypeBug, types.TypeFeature, types.TypeTask, types.TypeEpic, types.TypeChore,
		} {
			src := types.Issue{Priority: p, IssueType: typ, Status: types.StatusOpen}
			labels := MapLabels(&src)

			var back types.Issue
			UnmapLabels(&back, labels, "open")
			if back.Priority != p || back.IssueType != typ {
				t.Errorf("round trip P%d/%s -> %v -> P%d/%s",
					p, typ, labels, back.Priority, back.IssueType)
			}
		}
	}
}

func TestUnmapIsIdempotent(t *testing.T) {
	labels := []string{"P1", "bug", "in-progress", "custom"}
	var a, b types.Issue
	UnmapLabels(&a, labels, "open")
	UnmapLabels(&b, MapLabels(&a), RemoteState(a.Status))
	if a.Priority != b.Priority || a.IssueType != b.IssueType || a.Status != b.Status ||
		!reflect.DeepEqual(a.Labels, b.Labels) {
		t.Errorf("second application changed fields: %+v vs %+v", a, b)
	}
}
