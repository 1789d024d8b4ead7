// Package mapper converts tasks between the Annika and Planner schemas.
package mapper

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/annika-hq/plannersync/internal/types"
)

// MaxChecklistTitle is the longest checklist item title Planner accepts.
const MaxChecklistTitle = 256

// Representative remote priorities for each local bucket.
const (
	RemotePriorityUrgent = 1
	RemotePriorityHigh   = 3
	RemotePriorityNormal = 5
	RemotePriorityLow    = 9
)

// PriorityToLocal maps Planner's 0-10 scale onto the local enum:
// 0-1 urgent, 2-4 high, 5-7 normal, 8-10 low. Out-of-range values clamp.
func PriorityToLocal(p int) types.Priority {
	switch {
	case p <= 1:
		return types.PriorityUrgent
	case p <= 4:
		return types.PriorityHigh
	case p <= 7:
		return types.PriorityNormal
	default:
		return types.PriorityLow
	}
}

// PriorityToRemote maps a local priority to its representative Planner value.
// Unknown priorities are sent as normal.
func PriorityToRemote(p types.Priority) int {
	switch p {
	case types.PriorityUrgent:
		return RemotePriorityUrgent
	case types.PriorityHigh:
		return RemotePriorityHigh
	case types.PriorityLow:
		return RemotePriorityLow
	default:
		return RemotePriorityNormal
	}
}

// StatusFromPercent derives the local status from Planner's percentComplete.
func StatusFromPercent(percent int) types.Status {
	switch {
	case percent <= 0:
		return types.StatusNotStarted
	case percent >= 100:
		return types.StatusCompleted
	default:
		return types.StatusInProgress
	}
}

// PercentToRemote converts a 0.0-1.0 fraction to a 0-100 integer, rounding
// half to even.
func PercentToRemote(f float64) int {
	if math.IsNaN(f) {
		return 0
	}
	p := int(math.RoundToEven(f * 100))
	return clamp(p, 0, 100)
}

// PercentToLocal converts a 0-100 integer to a 0.0-1.0 fraction.
func PercentToLocal(p int) float64 {
	return float64(clamp(p, 0, 100)) / 100
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// DueDateToRemote converts a local due date to Planner's datetime form. A
// plain date gets T00:00:00Z appended; a value that already carries a time is
// normalized to end in Z. The bool is false for an empty date.
func DueDateToRemote(date string) (string, bool) {
	date = strings.TrimSpace(date)
	if date == "" {
		return "", false
	}
	if !strings.Contains(date, "T") {
		return date + "T00:00:00Z", true
	}
	if strings.HasSuffix(date, "Z") {
		return date, true
	}
	if ts, err := time.Parse(time.RFC3339Nano, date); err == nil {
		return ts.UTC().Format(time.RFC3339Nano), true
	}
	return date + "Z", true
}

// DueDateToLocal keeps the date component of a Planner datetime.
func DueDateToLocal(dt string) string {
	if i := strings.IndexByte(dt, 'T'); i >= 0 {
		return dt[:i]
	}
	return dt
}

// SubtaskID derives the local subtask id of a checklist item.
func SubtaskID(itemID string) string {
	return types.SubtaskIDPrefix + itemID
}

// ChecklistItemID is the inverse of SubtaskID. The bool is false when id does
// not carry the subtask prefix.
func ChecklistItemID(subtaskID string) (string, bool) {
	if !strings.HasPrefix(subtaskID, types.SubtaskIDPrefix) {
		return "", false
	}
	item := strings.TrimPrefix(subtaskID, types.SubtaskIDPrefix)
	return item, item != ""
}

// IsChecked resolves an entry's checked state: isChecked, then completed,
// then a status of completed/done/finished.
func IsChecked(e types.ChecklistEntry) bool {
	if e.IsChecked != nil {
		return *e.IsChecked
	}
	if e.Completed != nil {
		return *e.Completed
	}
	switch strings.ToLower(strings.TrimSpace(e.Status)) {
	case "completed", "done", "finished":
		return true
	}
	return false
}

// TruncateTitle cuts title to MaxChecklistTitle characters.
func TruncateTitle(title string) string {
	r := []rune(title)
	if len(r) <= MaxChecklistTitle {
		return title
	}
	return string(r[:MaxChecklistTitle])
}

// orderedIDs returns checklist ids ordered by order hint, then id.
func orderedIDs(entries map[string]types.ChecklistEntry) []string {
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		hi, hj := entries[ids[i]].OrderHint, entries[ids[j]].OrderHint
		if hi != hj {
			return hi < hj
		}
		return ids[i] < ids[j]
	})
	return ids
}
