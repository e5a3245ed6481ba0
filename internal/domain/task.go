// Package domain — task types.
// A Task is one metered inference call: open → running → completed | failed.
// Local tasks are written by the metering interceptor, gateway tasks by sync.
package domain

import (
	"strings"
	"time"
)

// TaskStatus tracks task lifecycle.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Source partitions records by the actor allowed to mutate them.
type Source string

const (
	SourceLocal   Source = "local"
	SourceGateway Source = "gateway"
)

// Valid reports whether s is one of the two partitions.
func (s Source) Valid() bool {
	return s == SourceLocal || s == SourceGateway
}

// Usage holds the measured cost of a call. Durations are nanoseconds,
// matching what Ollama reports.
type Usage struct {
	TotalDuration      int64 `json:"total_duration"`
	LoadDuration       int64 `json:"load_duration"`
	PromptEvalCount    int64 `json:"prompt_eval_count"`
	PromptEvalDuration int64 `json:"prompt_eval_duration"`
	EvalCount          int64 `json:"eval_count"`
	EvalDuration       int64 `json:"eval_duration"`
}

// Clamp zeroes negative fields.
func (u Usage) Clamp() Usage {
	for _, f := range []*int64{
		&u.TotalDuration, &u.LoadDuration, &u.PromptEvalCount,
		&u.PromptEvalDuration, &u.EvalCount, &u.EvalDuration,
	} {
		if *f < 0 {
			*f = 0
		}
	}
	return u
}

// Task is a tracked unit of billable work.
type Task struct {
	ID        string     `json:"id"`
	Model     string     `json:"model"`
	DeviceID  string     `json:"device_id"`
	Status    TaskStatus `json:"status"`
	Source    Source     `json:"source"`
	Family    string     `json:"family,omitempty"`
	Kind      string     `json:"kind,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Usage
}

// IsTerminal returns true if the task has reached a final state.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// IsTerminal returns true for completed and failed.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// rank orders the lifecycle; transitions may only move forward.
func (s TaskStatus) rank() int {
	switch s {
	case TaskPending:
		return 0
	case TaskRunning:
		return 1
	case TaskCompleted, TaskFailed:
		return 2
	}
	return -1
}

// CanTransition reports whether a task in state from may move to state to.
// Staying in the same state is always allowed; terminal states never change.
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	if from.IsTerminal() {
		return false
	}
	return to.rank() >= from.rank() && to.rank() >= 0
}

// legacyStatuses maps historical vocabularies onto the canonical states.
// Older gateway generations reported "succeed" for completed work.
var legacyStatuses = map[string]TaskStatus{
	"succeed":     TaskCompleted,
	"succeeded":   TaskCompleted,
	"success":     TaskCompleted,
	"done":        TaskCompleted,
	"in-progress": TaskRunning,
	"in_progress": TaskRunning,
	"processing":  TaskRunning,
	"fail":        TaskFailed,
	"error":       TaskFailed,
	"queued":      TaskPending,
}

// NormalizeStatus maps any known status spelling onto the canonical set.
// Unknown values return TaskPending and ok=false.
func NormalizeStatus(s string) (status TaskStatus, ok bool) {
	v := TaskStatus(strings.ToLower(strings.TrimSpace(s)))
	if v.rank() >= 0 {
		return v, true
	}
	if mapped, found := legacyStatuses[string(v)]; found {
		return mapped, true
	}
	return TaskPending, false
}

// IsLegacyStatus reports whether s is a recognised non-canonical spelling.
func IsLegacyStatus(s TaskStatus) bool {
	_, found := legacyStatuses[strings.ToLower(string(s))]
	return found
}

// LegacyStatuses returns the stored spellings that NormalizeLegacy rewrites.
func LegacyStatuses() []TaskStatus {
	out := make([]TaskStatus, 0, len(legacyStatuses))
	for k := range legacyStatuses {
		out = append(out, TaskStatus(k))
	}
	return out
}

// TaskQuery filters task listings. Zero values mean "any".
type TaskQuery struct {
	Source        Source
	Statuses      []TaskStatus
	CreatedBefore time.Time
	Limit         int
}

// Matches applies the query to a single task. Stores that cannot push the
// filter down use it to filter in memory.
func (q TaskQuery) Matches(t *Task) bool {
	if q.Source != "" && t.Source != q.Source {
		return false
	}
	if len(q.Statuses) > 0 {
		hit := false
		for _, s := range q.Statuses {
			if t.Status == s {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if !q.CreatedBefore.IsZero() && !t.CreatedAt.Before(q.CreatedBefore) {
		return false
	}
	return true
}
