package remote

import (
	"fmt"
	"sort"
	"strings"

	"github.com/stitchwork/stitch/internal/types"
)

// The label vocabulary maps structured local fields onto remote labels and
// back. Both directions are total: unknown inputs fall back to defaults
// (priority 2, type task) instead of failing, and applying the mapping twice
// changes nothing.

var typeLabels = map[string]types.IssueType{
	"bug":     types.TypeBug,
	"feature": types.TypeFeature,
	"task":    types.TypeTask,
	"epic":    types.TypeEpic,
	"chore":   types.TypeChore,
}

const inProgressLabel = "in-progress"

// MapLabels translates an issue's structured fields plus its user labels into
// the remote label set, sorted for deterministic updates.
func MapLabels(issue *types.Issue) []string {
	labels := []string{
		fmt.Sprintf("P%d", issue.Priority),
		string(issue.IssueType),
	}
	if issue.Status == types.StatusInProgress {
		labels = append(labels, inProgressLabel)
	}
	for _, l := range issue.Labels {
		if isStructuredLabel(l) {
			continue
		}
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

// UnmapLabels applies a remote label set and issue state onto local fields.
// Structured labels set priority/type/status; everything else lands in
// Labels. The remote closed state wins over the in-progress label.
func UnmapLabels(issue *types.Issue, labels []string, remoteState string) {
	issue.Priority = 2
	issue.IssueType = types.TypeTask
	status := types.StatusOpen
	var user []string

	for _, l := range labels {
		switch {
		case isPriorityLabel(l):
			issue.Priority = int(l[1] - '0')
		case typeLabels[strings.ToLower(l)] != "":
			issue.IssueType = typeLabels[strings.ToLower(l)]
		case l == inProgressLabel:
			status = types.StatusInProgress
		default:
			user = append(user, l)
		}
	}

	if remoteState == "closed" {
		status = types.StatusClosed
	}
	issue.Status = status
	sort.Strings(user)
	issue.Labels = user
}

// RemoteState maps local status to the remote open/closed state.
func RemoteState(status types.Status) string {
	if status == types.StatusClosed {
		return "closed"
	}
	return "open"
}

func isPriorityLabel(l string) bool {
	return len(l) == 2 && l[0] == 'P' && l[1] >= '0' && l[1] <= '4'
}

func isStructuredLabel(l string) bool {
	return isPriorityLabel(l) || l == inProgressLabel || typeLabels[strings.ToLower(l)] != ""
}
