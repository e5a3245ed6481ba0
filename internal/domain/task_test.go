package domain

import (
	"testing"
	"time"
)

// ─── Task Tests ─────────────────────────────────────────────────────────────

func TestTask_IsTerminal(t *testing.T) {
	tests := []struct {
		status   TaskStatus
		terminal bool
	}{
		{TaskPending, false},
		{TaskRunning, false},
		{TaskCompleted, true},
		{TaskFailed, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			task := Task{Status: tt.status}
			if got := task.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskPending, TaskRunning, true},
		{TaskPending, TaskCompleted, true},
		{TaskRunning, TaskCompleted, true},
		{TaskRunning, TaskFailed, true},
		{TaskRunning, TaskRunning, true},
		{TaskRunning, TaskPending, false},
		{TaskCompleted, TaskRunning, false},
		{TaskCompleted, TaskFailed, false},
		{TaskFailed, TaskCompleted, false},
		{TaskFailed, TaskFailed, true},
		{TaskRunning, TaskStatus("bogus"), false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		in     string
		want   TaskStatus
		wantOK bool
	}{
		{"completed", TaskCompleted, true},
		{"COMPLETED", TaskCompleted, true},
		{"succeed", TaskCompleted, true},
		{"succeeded", TaskCompleted, true},
		{"in-progress", TaskRunning, true},
		{"running", TaskRunning, true},
		{"failed", TaskFailed, true},
		{" pending ", TaskPending, true},
		{"weird", TaskPending, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := NormalizeStatus(tt.in)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("NormalizeStatus(%q) = (%s, %v), want (%s, %v)", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestIsLegacyStatus(t *testing.T) {
	if !IsLegacyStatus("succeed") {
		t.Error("succeed should be legacy")
	}
	if IsLegacyStatus(TaskCompleted) {
		t.Error("completed is canonical, not legacy")
	}
}

func TestUsage_Clamp(t *testing.T) {
	u := Usage{TotalDuration: -5, EvalCount: 10, PromptEvalCount: -1}.Clamp()
	if u.TotalDuration != 0 || u.PromptEvalCount != 0 {
		t.Errorf("negative fields not clamped: %+v", u)
	}
	if u.EvalCount != 10 {
		t.Errorf("EvalCount = %d, want 10", u.EvalCount)
	}
}

func TestTaskQuery_Matches(t *testing.T) {
	now := time.Now()
	task := &Task{Source: SourceLocal, Status: TaskRunning, CreatedAt: now.Add(-time.Hour)}

	if !(TaskQuery{}).Matches(task) {
		t.Error("empty query should match everything")
	}
	if (TaskQuery{Source: SourceGateway}).Matches(task) {
		t.Error("source filter should exclude local task")
	}
	if !(TaskQuery{Statuses: []TaskStatus{TaskPending, TaskRunning}}).Matches(task) {
		t.Error("status filter should include running task")
	}
	if (TaskQuery{CreatedBefore: now.Add(-2 * time.Hour)}).Matches(task) {
		t.Error("task created after cutoff should not match")
	}
}

// ─── Earning Tests ──────────────────────────────────────────────────────────

func TestEarningQuery_Matches(t *testing.T) {
	e := &Earning{Source: SourceGateway, DeviceID: "d1", TaskID: "t1"}
	if !(EarningQuery{Source: SourceGateway, DeviceID: "d1"}).Matches(e) {
		t.Error("expected match")
	}
	if (EarningQuery{TaskID: "t2"}).Matches(e) {
		t.Error("task filter should exclude")
	}
	if e.Total() != 0 {
		t.Errorf("Total() = %v, want 0", e.Total())
	}
}
