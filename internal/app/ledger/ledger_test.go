package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sight-ai/sight-depin-maas-sub007/internal/domain"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/infra/sqlite"
)

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.UpsertDevice(context.Background(), domain.Device{ID: "dev-1"}); err != nil {
		t.Fatalf("UpsertDevice() error: %v", err)
	}
	return db
}

// fakeClock advances by step on every call.
type fakeClock struct {
	t    time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.t = c.t.Add(c.step)
	return c.t
}

func newLedgers(t *testing.T) (*sqlite.DB, *TaskLedger, *EarningsLedger) {
	t.Helper()
	db := newTestDB(t)
	return db, NewTaskLedger(db, nil), NewEarningsLedger(db, db, db, nil)
}

func statusPtr(s domain.TaskStatus) *domain.TaskStatus { return &s }

// ─── Task Ledger ────────────────────────────────────────────────────────────

func TestTaskLedger_Create(t *testing.T) {
	_, tasks, _ := newLedgers(t)
	ctx := context.Background()

	task, err := tasks.Create(ctx, "llama3", "dev-1", WithClass("ollama", "chat"))
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if task.ID == "" {
		t.Error("Create() should allocate an id")
	}
	if task.Status != domain.TaskRunning || task.Source != domain.SourceLocal {
		t.Errorf("new task = %s/%s, want running/local", task.Status, task.Source)
	}
	if task.Usage != (domain.Usage{}) {
		t.Errorf("usage should be zero: %+v", task.Usage)
	}

	got, err := tasks.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Family != "ollama" || got.Kind != "chat" {
		t.Errorf("class = %s/%s, want ollama/chat", got.Family, got.Kind)
	}
}

func TestTaskLedger_UpdateNotFound(t *testing.T) {
	_, tasks, _ := newLedgers(t)
	_, err := tasks.Update(context.Background(), domain.SourceLocal, "missing", TaskPatch{})
	if !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("Update() error = %v, want ErrTaskNotFound", err)
	}
}

func TestTaskLedger_UpdateAuthority(t *testing.T) {
	_, tasks, _ := newLedgers(t)
	ctx := context.Background()

	local, _ := tasks.Create(ctx, "llama3", "dev-1")
	if _, err := tasks.Update(ctx, domain.SourceGateway, local.ID, TaskPatch{Status: statusPtr(domain.TaskFailed)}); !errors.Is(err, domain.ErrImmutableSource) {
		t.Errorf("gateway updating local task: error = %v, want ErrImmutableSource", err)
	}

	remote, _, err := tasks.UpsertGateway(ctx, domain.Task{ID: "g1", Status: domain.TaskRunning, DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("UpsertGateway() error: %v", err)
	}
	if _, err := tasks.Update(ctx, domain.SourceLocal, remote.ID, TaskPatch{Status: statusPtr(domain.TaskCompleted)}); !errors.Is(err, domain.ErrImmutableSource) {
		t.Errorf("local updating gateway task: error = %v, want ErrImmutableSource", err)
	}
}

func TestTaskLedger_UpdateMergesAndNormalizes(t *testing.T) {
	_, tasks, _ := newLedgers(t)
	ctx := context.Background()
	clock := &fakeClock{t: time.Now(), step: time.Second}
	tasks.now = clock.Now

	task, _ := tasks.Create(ctx, "llama3", "dev-1")
	usage := domain.Usage{EvalCount: 12, TotalDuration: -4}
	got, err := tasks.Update(ctx, domain.SourceLocal, task.ID, TaskPatch{
		Status: statusPtr("succeed"),
		Usage:  &usage,
	})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if got.Status != domain.TaskCompleted {
		t.Errorf("Status = %s, want completed", got.Status)
	}
	if got.EvalCount != 12 || got.TotalDuration != 0 {
		t.Errorf("usage not merged/clamped: %+v", got.Usage)
	}
	if !got.UpdatedAt.After(task.UpdatedAt) {
		t.Error("Update() should refresh updated_at")
	}
	if got.Model != "llama3" {
		t.Errorf("Model = %q, untouched fields must survive", got.Model)
	}
}

func TestTaskLedger_TerminalNeverReopens(t *testing.T) {
	_, tasks, _ := newLedgers(t)
	ctx := context.Background()

	task, _ := tasks.Create(ctx, "llama3", "dev-1")
	if _, err := tasks.Complete(ctx, task.ID, domain.Usage{}); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	_, err := tasks.Update(ctx, domain.SourceLocal, task.ID, TaskPatch{Status: statusPtr(domain.TaskRunning)})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("reopen error = %v, want ErrInvalidTransition", err)
	}
	if _, err := tasks.Fail(ctx, task.ID, "late"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("fail-after-complete error = %v, want ErrInvalidTransition", err)
	}
	_, err = tasks.Update(ctx, domain.SourceLocal, task.ID, TaskPatch{Status: statusPtr("bogus")})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("unknown status error = %v, want ErrInvalidTransition", err)
	}
}

func TestTaskLedger_SweepStale(t *testing.T) {
	db, tasks, _ := newLedgers(t)
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)

	insert := func(id string, status domain.TaskStatus, src domain.Source, created time.Time) {
		t.Helper()
		err := db.InsertTask(ctx, domain.Task{ID: id, Status: status, Source: src, CreatedAt: created, UpdatedAt: created})
		if err != nil {
			t.Fatalf("InsertTask(%s) error: %v", id, err)
		}
	}
	insert("stale", domain.TaskRunning, domain.SourceLocal, old)
	insert("done", domain.TaskCompleted, domain.SourceLocal, old)
	insert("failed", domain.TaskFailed, domain.SourceLocal, old)
	insert("fresh", domain.TaskRunning, domain.SourceLocal, time.Now())
	insert("remote", domain.TaskRunning, domain.SourceGateway, old)

	n, err := tasks.SweepStale(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("SweepStale() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept = %d, want 1", n)
	}

	got, _ := tasks.Get(ctx, "stale")
	if got.Status != domain.TaskFailed || got.Error == "" {
		t.Errorf("stale task = %s %q, want failed with reason", got.Status, got.Error)
	}
	for id, want := range map[string]domain.TaskStatus{
		"done": domain.TaskCompleted, "failed": domain.TaskFailed,
		"fresh": domain.TaskRunning, "remote": domain.TaskRunning,
	} {
		got, _ := tasks.Get(ctx, id)
		if got.Status != want {
			t.Errorf("%s status = %s, want %s", id, got.Status, want)
		}
	}

	n, _ = tasks.SweepStale(ctx, 10*time.Minute)
	if n != 0 {
		t.Errorf("second sweep = %d, want 0", n)
	}
}

func TestTaskLedger_NormalizeLegacy(t *testing.T) {
	db, tasks, _ := newLedgers(t)
	ctx := context.Background()
	now := time.Now()

	db.InsertTask(ctx, domain.Task{ID: "g1", Status: "succeed", Source: domain.SourceGateway, CreatedAt: now, UpdatedAt: now})
	db.InsertTask(ctx, domain.Task{ID: "g2", Status: domain.TaskCompleted, Source: domain.SourceGateway, CreatedAt: now, UpdatedAt: now})
	db.InsertTask(ctx, domain.Task{ID: "l1", Status: "succeed", Source: domain.SourceLocal, CreatedAt: now, UpdatedAt: now})

	n, err := tasks.NormalizeLegacy(ctx, domain.SourceGateway)
	if err != nil {
		t.Fatalf("NormalizeLegacy() error: %v", err)
	}
	if n != 1 {
		t.Errorf("normalized = %d, want 1", n)
	}
	got, _ := tasks.Get(ctx, "g1")
	if got.Status != domain.TaskCompleted {
		t.Errorf("g1 status = %s, want completed", got.Status)
	}
	local, _ := tasks.Get(ctx, "l1")
	if local.Status != "succeed" {
		t.Errorf("local task should be left to its own source, got %s", local.Status)
	}
}

func TestTaskLedger_UpsertGatewayIdempotent(t *testing.T) {
	_, tasks, _ := newLedgers(t)
	ctx := context.Background()
	clock := &fakeClock{t: time.Now(), step: time.Second}
	tasks.now = clock.Now

	remote := domain.Task{
		ID: "t1", Model: "llama3", DeviceID: "dev-1", Status: "succeed",
		Source: domain.SourceLocal, // forced to gateway
		Usage:  domain.Usage{EvalCount: 7},
	}

	first, created, err := tasks.UpsertGateway(ctx, remote)
	if err != nil || !created {
		t.Fatalf("first UpsertGateway() = (%v, %v)", created, err)
	}
	second, created, err := tasks.UpsertGateway(ctx, remote)
	if err != nil || created {
		t.Fatalf("second UpsertGateway() = (%v, %v)", created, err)
	}

	all, _ := tasks.List(ctx, domain.TaskQuery{})
	if len(all) != 1 {
		t.Fatalf("records = %d, want 1", len(all))
	}
	got := all[0]
	if got.Source != domain.SourceGateway || got.Status != domain.TaskCompleted {
		t.Errorf("record = %s/%s, want gateway/completed", got.Source, got.Status)
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Error("updated_at should reflect the latest tick")
	}

	a, b := *first, got
	a.UpdatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	a.CreatedAt, b.CreatedAt = time.Time{}, time.Time{}
	if a != b {
		t.Errorf("re-delivery changed state:\n first=%+v\n after=%+v", a, b)
	}
}

func TestTaskLedger_UpsertGatewayGuards(t *testing.T) {
	_, tasks, _ := newLedgers(t)
	ctx := context.Background()

	local, _ := tasks.Create(ctx, "llama3", "dev-1")
	if _, _, err := tasks.UpsertGateway(ctx, domain.Task{ID: local.ID, Status: domain.TaskCompleted}); !errors.Is(err, domain.ErrImmutableSource) {
		t.Errorf("gateway overwrite of local task: error = %v, want ErrImmutableSource", err)
	}

	tasks.UpsertGateway(ctx, domain.Task{ID: "g1", Status: domain.TaskCompleted})
	got, _, err := tasks.UpsertGateway(ctx, domain.Task{ID: "g1", Status: domain.TaskRunning, Model: "new"})
	if err != nil {
		t.Fatalf("UpsertGateway() error: %v", err)
	}
	if got.Status != domain.TaskCompleted {
		t.Errorf("terminal status regressed to %s", got.Status)
	}
	if got.Model != "new" {
		t.Errorf("mutable fields should still refresh, Model = %q", got.Model)
	}

	if _, _, err := tasks.UpsertGateway(ctx, domain.Task{}); !errors.Is(err, domain.ErrMalformedPayload) {
		t.Errorf("empty id error = %v, want ErrMalformedPayload", err)
	}
}

func TestTaskLedger_GatewayIDs(t *testing.T) {
	_, tasks, _ := newLedgers(t)
	ctx := context.Background()
	tasks.Create(ctx, "llama3", "dev-1")
	tasks.UpsertGateway(ctx, domain.Task{ID: "g1"})
	tasks.UpsertGateway(ctx, domain.Task{ID: "g2"})

	ids, err := tasks.GatewayIDs(ctx)
	if err != nil {
		t.Fatalf("GatewayIDs() error: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("ids = %v, want g1 and g2", ids)
	}
	if ok, _ := tasks.Exists(ctx, "g1"); !ok {
		t.Error("Exists(g1) = false")
	}
	if ok, _ := tasks.Exists(ctx, "nope"); ok {
		t.Error("Exists(nope) = true")
	}
}

// ─── Earnings Ledger ────────────────────────────────────────────────────────

func TestEarningsLedger_ReferentialIntegrity(t *testing.T) {
	_, tasks, earnings := newLedgers(t)
	ctx := context.Background()

	_, err := earnings.Create(ctx, NewEarning{TaskID: "ghost", DeviceID: "dev-1", JobRewards: 1})
	if !errors.Is(err, domain.ErrReferentialIntegrity) {
		t.Errorf("missing task error = %v, want ErrReferentialIntegrity", err)
	}

	e, err := earnings.Create(ctx, NewEarning{DeviceID: "dev-1", BlockRewards: 2})
	if err != nil {
		t.Fatalf("null task_id should succeed: %v", err)
	}
	if e.TaskID != "" || e.Source != domain.SourceLocal {
		t.Errorf("earning = %+v", e)
	}

	task, _ := tasks.Create(ctx, "llama3", "dev-1")
	e, err = earnings.Create(ctx, NewEarning{TaskID: task.ID, DeviceID: "dev-1", JobRewards: 0.21015})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	got, _ := earnings.Get(ctx, e.ID)
	if got.TaskID != task.ID {
		t.Errorf("TaskID = %q, want %q", got.TaskID, task.ID)
	}
}

func TestEarningsLedger_DeviceAndPayoutChecks(t *testing.T) {
	_, _, earnings := newLedgers(t)
	ctx := context.Background()

	if _, err := earnings.Create(ctx, NewEarning{DeviceID: "stranger"}); !errors.Is(err, domain.ErrDeviceUnknown) {
		t.Errorf("unknown device error = %v, want ErrDeviceUnknown", err)
	}
	if _, err := earnings.Create(ctx, NewEarning{DeviceID: "dev-1", JobRewards: -1}); !errors.Is(err, domain.ErrInvalidPayout) {
		t.Errorf("negative reward error = %v, want ErrInvalidPayout", err)
	}
}

func TestEarningsLedger_UpsertGateway(t *testing.T) {
	_, tasks, earnings := newLedgers(t)
	ctx := context.Background()
	tasks.UpsertGateway(ctx, domain.Task{ID: "t1", DeviceID: "dev-1"})

	remote := domain.Earning{ID: "e1", TaskID: "t1", DeviceID: "dev-1", JobRewards: 0.5}
	first, created, err := earnings.UpsertGateway(ctx, remote)
	if err != nil || !created {
		t.Fatalf("first UpsertGateway() = (%v, %v)", created, err)
	}
	if first.UpdatedAt.IsZero() || first.Source != domain.SourceGateway {
		t.Errorf("earning not normalized: %+v", first)
	}

	remote.JobRewards = 0.75
	_, created, err = earnings.UpsertGateway(ctx, remote)
	if err != nil || created {
		t.Fatalf("second UpsertGateway() = (%v, %v)", created, err)
	}
	list, _ := earnings.List(ctx, domain.EarningQuery{Source: domain.SourceGateway})
	if len(list) != 1 || list[0].JobRewards != 0.75 {
		t.Errorf("gateway earnings = %+v", list)
	}

	_, _, err = earnings.UpsertGateway(ctx, domain.Earning{ID: "e2", TaskID: "t-missing", DeviceID: "dev-1"})
	if !errors.Is(err, domain.ErrReferentialIntegrity) {
		t.Errorf("missing task error = %v, want ErrReferentialIntegrity", err)
	}

	local, _ := earnings.Create(ctx, NewEarning{DeviceID: "dev-1"})
	_, _, err = earnings.UpsertGateway(ctx, domain.Earning{ID: local.ID, DeviceID: "dev-1"})
	if !errors.Is(err, domain.ErrImmutableSource) {
		t.Errorf("overwrite local earning error = %v, want ErrImmutableSource", err)
	}
}

func TestSummarize(t *testing.T) {
	_, tasks, earnings := newLedgers(t)
	ctx := context.Background()

	a, _ := tasks.Create(ctx, "llama3", "dev-1")
	tasks.Complete(ctx, a.ID, domain.Usage{})
	tasks.Create(ctx, "llama3", "dev-1")
	tasks.UpsertGateway(ctx, domain.Task{ID: "g1", Status: domain.TaskFailed})
	earnings.Create(ctx, NewEarning{TaskID: a.ID, DeviceID: "dev-1", JobRewards: 0.25})
	earnings.Create(ctx, NewEarning{DeviceID: "dev-1", BlockRewards: 1})

	s, err := Summarize(ctx, tasks, earnings)
	if err != nil {
		t.Fatalf("Summarize() error: %v", err)
	}
	if s.Tasks[domain.SourceLocal][domain.TaskCompleted] != 1 || s.Tasks[domain.SourceLocal][domain.TaskRunning] != 1 {
		t.Errorf("local task counts = %v", s.Tasks[domain.SourceLocal])
	}
	if s.Tasks[domain.SourceGateway][domain.TaskFailed] != 1 {
		t.Errorf("gateway task counts = %v", s.Tasks[domain.SourceGateway])
	}
	tot := s.Earnings[domain.SourceLocal]
	if tot.Count != 2 || tot.JobRewards != 0.25 || tot.BlockRewards != 1 {
		t.Errorf("local totals = %+v", tot)
	}
}
