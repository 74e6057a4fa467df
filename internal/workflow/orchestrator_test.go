package workflow

import (
	"errors"
	"slices"
	"sort"
	"testing"
	"time"

	"github.com/stepflow-io/stepflow/internal/core"
	"github.com/stepflow-io/stepflow/internal/domain"
	"github.com/stepflow-io/stepflow/internal/registry"
	"github.com/stepflow-io/stepflow/internal/timer"
)

var t0 = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

type memStepRepo struct {
	nextID int64
	rows   map[int64]*domain.StepInstance
}

func newMemStepRepo() *memStepRepo {
	return &memStepRepo{rows: map[int64]*domain.StepInstance{}}
}

func cloneStep(si *domain.StepInstance) *domain.StepInstance {
	c := *si
	c.DependsOnSteps = slices.Clone(si.DependsOnSteps)
	return &c
}

func (r *memStepRepo) Save(si *domain.StepInstance) (int64, error) {
	r.nextID++
	si.ID = r.nextID
	r.rows[si.ID] = cloneStep(si)
	return si.ID, nil
}

func (r *memStepRepo) FindByID(id int64) (*domain.StepInstance, error) {
	si, ok := r.rows[id]
	if !ok {
		return nil, nil
	}
	return cloneStep(si), nil
}

func (r *memStepRepo) UpdateGuarded(si *domain.StepInstance, expect []domain.TimerStatus) (bool, error) {
	stored, ok := r.rows[si.ID]
	if !ok {
		return false, nil
	}
	if !slices.Contains(expect, stored.TimerStatus) {
		return false, nil
	}
	r.rows[si.ID] = cloneStep(si)
	return true, nil
}

func (r *memStepRepo) FindForEntity(entityType string, entityID int64) ([]domain.StepInstance, error) {
	var out []domain.StepInstance
	for _, si := range r.rows {
		if si.EntityType == entityType && si.EntityID == entityID {
			out = append(out, *cloneStep(si))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out, nil
}

func (r *memStepRepo) FindForWorkflow(workflowCode, entityType string, entityID int64) ([]domain.StepInstance, error) {
	var out []domain.StepInstance
	for _, si := range r.rows {
		if si.WorkflowCode == workflowCode && si.EntityType == entityType && si.EntityID == entityID {
			out = append(out, *cloneStep(si))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out, nil
}

func (r *memStepRepo) Exists(workflowCode, entityType string, entityID int64) (bool, error) {
	for _, si := range r.rows {
		if si.WorkflowCode == workflowCode && si.EntityType == entityType && si.EntityID == entityID {
			return true, nil
		}
	}
	return false, nil
}

func (r *memStepRepo) byKey(key string) *domain.StepInstance {
	for _, si := range r.rows {
		if si.StepKey == key {
			return si
		}
	}
	return nil
}

type memEventRepo struct {
	events []domain.TimerEvent
}

func (r *memEventRepo) Save(e *domain.TimerEvent) (int64, error) {
	e.ID = int64(len(r.events) + 1)
	r.events = append(r.events, *e)
	return e.ID, nil
}

func (r *memEventRepo) FindByStepInstance(id int64) ([]domain.TimerEvent, error) {
	var out []domain.TimerEvent
	for _, e := range r.events {
		if e.StepInstanceID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

type staticProvider struct {
	data map[string]any
	err  error
}

func (p *staticProvider) EntityData(entityType string, entityID int64) (map[string]any, error) {
	return p.data, p.err
}

type passthroughCalendar struct{}

func (passthroughCalendar) BusinessHoursBetween(start, end time.Time) (time.Duration, error) {
	return end.Sub(start), nil
}

func (passthroughCalendar) AddBusinessHours(start time.Time, d time.Duration) (time.Time, error) {
	return start.Add(d), nil
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(registry.WorkflowDefinition{
		Code:       "TEST_WF",
		Name:       "Test Workflow",
		EntityType: "TENDER",
		Steps: []registry.StepDefinition{
			{
				StepKey: "prepare", StepName: "Prepare", StepOrder: 1,
				Timer: domain.FixedDuration{DurationHours: 4},
			},
			{
				StepKey: "review", StepName: "Review", StepOrder: 2,
				Timer:     domain.FixedDuration{DurationHours: 8},
				DependsOn: []string{"prepare"},
			},
			{
				StepKey: "approve", StepName: "Approve", StepOrder: 3,
				Timer:     domain.FixedDuration{DurationHours: 8},
				DependsOn: []string{"prepare", "review"},
			},
			{
				StepKey: "emd", StepName: "EMD", StepOrder: 4,
				Timer:       domain.FixedDuration{DurationHours: 24},
				Conditional: &registry.Conditional{Field: "emdRequired", Operator: registry.OpEquals, Value: true},
				DependsOn:   []string{"prepare"},
			},
			{
				StepKey: "site_visit", StepName: "Site Visit", StepOrder: 5,
				Timer: domain.FixedDuration{DurationHours: 4}, IsOptional: true,
			},
			{
				StepKey: "result", StepName: "Result", StepOrder: 6,
				Timer: domain.NoTimer{},
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

type fixture struct {
	orch   *Orchestrator
	steps  *memStepRepo
	events *memEventRepo
	clock  *core.FakeClock
}

func newFixture(t *testing.T, entity map[string]any) *fixture {
	t.Helper()
	steps := newMemStepRepo()
	events := &memEventRepo{}
	clock := core.NewFakeClock(t0)
	eng := timer.NewEngine(steps, events, clock)
	orch := NewOrchestrator(testRegistry(t), steps, events, eng, passthroughCalendar{},
		&staticProvider{data: entity}, clock)
	return &fixture{orch: orch, steps: steps, events: events, clock: clock}
}

func TestStartWorkflowCreatesEveryStepAndAutoStarts(t *testing.T) {
	f := newFixture(t, map[string]any{"emdRequired": true})

	res, err := f.orch.StartWorkflow("TEST_WF", "TENDER", 42, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.StepsCreated != 6 {
		t.Errorf("expected 6 steps created, got %d", res.StepsCreated)
	}
	// Only "prepare" qualifies: review/approve/emd have dependencies,
	// site_visit is optional, result has no timer.
	if res.StepsStarted != 1 {
		t.Errorf("expected 1 step auto-started, got %d", res.StepsStarted)
	}
	prepare := f.steps.byKey("prepare")
	if res.FirstStepID != prepare.ID {
		t.Errorf("first step id %d, want %d", res.FirstStepID, prepare.ID)
	}
	if prepare.Status != domain.StepInProgress || prepare.TimerStatus != domain.TimerRunning {
		t.Errorf("prepare should be running, got %s/%s", prepare.Status, prepare.TimerStatus)
	}
	for _, key := range []string{"review", "approve", "emd", "site_visit", "result"} {
		si := f.steps.byKey(key)
		if si.Status != domain.StepPending || si.TimerStatus != domain.TimerNotStarted {
			t.Errorf("%s should be pending, got %s/%s", key, si.Status, si.TimerStatus)
		}
	}
}

func TestStartWorkflowValidation(t *testing.T) {
	f := newFixture(t, nil)

	if _, err := f.orch.StartWorkflow("MISSING_WF", "TENDER", 1, nil); !errors.Is(err, ErrWorkflowNotFound) {
		t.Errorf("expected ErrWorkflowNotFound, got %v", err)
	}
	if _, err := f.orch.StartWorkflow("TEST_WF", "COURIER", 1, nil); !errors.Is(err, ErrEntityTypeMismatch) {
		t.Errorf("expected ErrEntityTypeMismatch, got %v", err)
	}
	if _, err := f.orch.StartWorkflow("TEST_WF", "TENDER", 1, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.StartWorkflow("TEST_WF", "TENDER", 1, nil); !errors.Is(err, ErrWorkflowAlreadyStarted) {
		t.Errorf("expected ErrWorkflowAlreadyStarted on restart, got %v", err)
	}
}

func TestStartStepDependencyGate(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.orch.StartWorkflow("TEST_WF", "TENDER", 1, nil); err != nil {
		t.Fatal(err)
	}
	review := f.steps.byKey("review")

	if _, err := f.orch.StartStep(review.ID, timer.StartParams{}); !errors.Is(err, ErrDependencyNotMet) {
		t.Fatalf("expected ErrDependencyNotMet, got %v", err)
	}

	prepare := f.steps.byKey("prepare")
	if _, err := f.orch.CompleteStep(prepare.ID, nil, "", nil); err != nil {
		t.Fatal(err)
	}
	// The cascade already started review; a manual start must now hit the
	// not-NOT_STARTED precondition instead of the dependency gate.
	if _, err := f.orch.StartStep(review.ID, timer.StartParams{}); !errors.Is(err, timer.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition after auto-start, got %v", err)
	}
}

func TestCompleteStepOverdueEndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.orch.StartWorkflow("TEST_WF", "TENDER", 1, nil); err != nil {
		t.Fatal(err)
	}
	prepare := f.steps.byKey("prepare")

	// 4h allocation, completed at T0+5h: one hour late.
	f.clock.Advance(5 * time.Hour)
	got, err := f.orch.CompleteStep(prepare.ID, nil, "done late", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StepCompleted || got.TimerStatus != domain.TimerOverdue {
		t.Errorf("expected COMPLETED/OVERDUE, got %s/%s", got.Status, got.TimerStatus)
	}
	if got.RemainingTimeMs.Int64 != -domain.HoursToMs(1) {
		t.Errorf("expected -1h remaining, got %d", got.RemainingTimeMs.Int64)
	}

	stored := f.steps.byKey("prepare")
	if early, ok := stored.Metadata["completedEarly"].(bool); !ok || early {
		t.Errorf("expected completedEarly=false metadata, got %v", stored.Metadata["completedEarly"])
	}

	// review depends only on prepare: auto-started by the cascade.
	review := f.steps.byKey("review")
	if review.TimerStatus != domain.TimerRunning {
		t.Errorf("review should be auto-started, got %s", review.TimerStatus)
	}
	// approve still waits on review.
	approve := f.steps.byKey("approve")
	if approve.Status != domain.StepPending || approve.TimerStatus != domain.TimerNotStarted {
		t.Errorf("approve must stay pending, got %s/%s", approve.Status, approve.TimerStatus)
	}
}

func TestCascadeRespectsConditional(t *testing.T) {
	f := newFixture(t, map[string]any{"emdRequired": false})
	if _, err := f.orch.StartWorkflow("TEST_WF", "TENDER", 1, nil); err != nil {
		t.Fatal(err)
	}
	prepare := f.steps.byKey("prepare")
	if _, err := f.orch.CompleteStep(prepare.ID, nil, "", nil); err != nil {
		t.Fatal(err)
	}
	// emd depends on prepare but its conditional fails.
	emd := f.steps.byKey("emd")
	if emd.TimerStatus != domain.TimerNotStarted {
		t.Errorf("emd must not start when conditional fails, got %s", emd.TimerStatus)
	}
	if f.steps.byKey("review").TimerStatus != domain.TimerRunning {
		t.Error("review should still cascade")
	}
}

func TestCompleteStepCascadeWaitsForAllDependencies(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.orch.StartWorkflow("TEST_WF", "TENDER", 1, nil); err != nil {
		t.Fatal(err)
	}
	prepare := f.steps.byKey("prepare")
	if _, err := f.orch.CompleteStep(prepare.ID, nil, "", nil); err != nil {
		t.Fatal(err)
	}
	if f.steps.byKey("approve").TimerStatus != domain.TimerNotStarted {
		t.Fatal("approve must wait for review")
	}

	review := f.steps.byKey("review")
	if _, err := f.orch.CompleteStep(review.ID, nil, "", nil); err != nil {
		t.Fatal(err)
	}
	if f.steps.byKey("approve").TimerStatus != domain.TimerRunning {
		t.Error("approve should start once both dependencies completed")
	}
}

func TestCompleteStepTwiceFails(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.orch.StartWorkflow("TEST_WF", "TENDER", 1, nil); err != nil {
		t.Fatal(err)
	}
	prepare := f.steps.byKey("prepare")
	if _, err := f.orch.CompleteStep(prepare.ID, nil, "", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.CompleteStep(prepare.ID, nil, "", nil); !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("expected ErrAlreadyCompleted, got %v", err)
	}
}

func TestSkipStep(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.orch.StartWorkflow("TEST_WF", "TENDER", 1, nil); err != nil {
		t.Fatal(err)
	}

	review := f.steps.byKey("review")
	if _, err := f.orch.SkipStep(review.ID, nil, "not needed"); !errors.Is(err, ErrStepNotOptional) {
		t.Fatalf("expected ErrStepNotOptional, got %v", err)
	}

	visit := f.steps.byKey("site_visit")
	got, err := f.orch.SkipStep(visit.ID, nil, "remote tender")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StepSkipped || got.TimerStatus != domain.TimerSkipped {
		t.Errorf("expected SKIPPED/SKIPPED, got %s/%s", got.Status, got.TimerStatus)
	}
}

func TestSkipSatisfiesDependencies(t *testing.T) {
	f := newFixture(t, nil)
	reg, err := registry.New(registry.WorkflowDefinition{
		Code:       "SKIP_WF",
		Name:       "Skip Workflow",
		EntityType: "TENDER",
		Steps: []registry.StepDefinition{
			{StepKey: "optional_check", StepName: "Optional Check", StepOrder: 1,
				Timer: domain.FixedDuration{DurationHours: 2}, IsOptional: true},
			{StepKey: "submit", StepName: "Submit", StepOrder: 2,
				Timer: domain.FixedDuration{DurationHours: 4}, DependsOn: []string{"optional_check"}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	eng := timer.NewEngine(f.steps, f.events, f.clock)
	orch := NewOrchestrator(reg, f.steps, f.events, eng, passthroughCalendar{}, &staticProvider{}, f.clock)

	if _, err := orch.StartWorkflow("SKIP_WF", "TENDER", 9, nil); err != nil {
		t.Fatal(err)
	}
	check := f.steps.byKey("optional_check")
	if _, err := orch.SkipStep(check.ID, nil, "skipping"); err != nil {
		t.Fatal(err)
	}
	if f.steps.byKey("submit").TimerStatus != domain.TimerRunning {
		t.Error("skip must cascade to dependents like completion does")
	}
}

func TestCompleteUntimedStepsEndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	reg, err := registry.New(registry.WorkflowDefinition{
		Code:       "UNTIMED_WF",
		Name:       "Untimed Workflow",
		EntityType: "TENDER",
		Steps: []registry.StepDefinition{
			{StepKey: "record_created", StepName: "Record Created", StepOrder: 1,
				Timer: domain.NoTimer{}},
			{StepKey: "record_closed", StepName: "Record Closed", StepOrder: 2,
				Timer: domain.NoTimer{}, DependsOn: []string{"record_created"}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	eng := timer.NewEngine(f.steps, f.events, f.clock)
	orch := NewOrchestrator(reg, f.steps, f.events, eng, passthroughCalendar{}, &staticProvider{}, f.clock)

	if _, err := orch.StartWorkflow("UNTIMED_WF", "TENDER", 7, nil); err != nil {
		t.Fatal(err)
	}

	created := f.steps.byKey("record_created")
	got, err := orch.CompleteStep(created.ID, nil, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StepCompleted || got.TimerStatus != domain.TimerCompleted {
		t.Errorf("expected COMPLETED/COMPLETED, got %s/%s", got.Status, got.TimerStatus)
	}
	if got.ActualTimeMs.Valid || got.AllocatedTimeMs.Valid || got.RemainingTimeMs.Valid {
		t.Error("untimed completion must not record timing figures")
	}
	if !got.ActualEndAt.Valid {
		t.Error("completion must record the end timestamp")
	}

	// The dependent has no timer to start: it stays pending but becomes
	// completable now that its dependency cleared.
	closed := f.steps.byKey("record_closed")
	if closed.Status != domain.StepPending || closed.TimerStatus != domain.TimerNotStarted {
		t.Fatalf("dependent should stay pending, got %s/%s", closed.Status, closed.TimerStatus)
	}
	if _, err := orch.CompleteStep(closed.ID, nil, "", nil); err != nil {
		t.Fatal(err)
	}
	if f.steps.byKey("record_closed").Status != domain.StepCompleted {
		t.Error("dependent untimed step must complete after its dependency")
	}
}

func TestCancelStepDoesNotCascade(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.orch.StartWorkflow("TEST_WF", "TENDER", 1, nil); err != nil {
		t.Fatal(err)
	}
	prepare := f.steps.byKey("prepare")
	got, err := f.orch.CancelStep(prepare.ID, nil, "on hold")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StepOnHold || got.TimerStatus != domain.TimerCancelled {
		t.Errorf("expected ON_HOLD/CANCELLED, got %s/%s", got.Status, got.TimerStatus)
	}
	if f.steps.byKey("review").TimerStatus != domain.TimerNotStarted {
		t.Error("cancel must not cascade")
	}
}

func TestWorkflowStatusAggregates(t *testing.T) {
	f := newFixture(t, map[string]any{"emdRequired": true})
	if _, err := f.orch.StartWorkflow("TEST_WF", "TENDER", 1, nil); err != nil {
		t.Fatal(err)
	}
	prepare := f.steps.byKey("prepare")
	if _, err := f.orch.CompleteStep(prepare.ID, nil, "", nil); err != nil {
		t.Fatal(err)
	}
	// Let the auto-started review drift past its 8h allocation.
	f.clock.Advance(10 * time.Hour)

	sum, err := f.orch.WorkflowStatus("TENDER", 1)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Total != 6 {
		t.Errorf("expected 6 total, got %d", sum.Total)
	}
	if sum.Completed != 1 {
		t.Errorf("expected 1 completed, got %d", sum.Completed)
	}
	// review and emd were auto-started by the cascade.
	if sum.Active != 2 {
		t.Errorf("expected 2 active, got %d", sum.Active)
	}
	if sum.Overdue != 1 {
		t.Errorf("expected 1 overdue (review drifted past 8h), got %d", sum.Overdue)
	}
	if sum.Progress != 16.67 {
		t.Errorf("expected 16.67%% progress, got %v", sum.Progress)
	}
}

func TestStepEventsAuditTrail(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.orch.StartWorkflow("TEST_WF", "TENDER", 1, nil); err != nil {
		t.Fatal(err)
	}
	prepare := f.steps.byKey("prepare")
	if _, err := f.orch.PauseStep(prepare.ID, nil, "waiting for docs"); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(time.Hour)
	if _, err := f.orch.ResumeStep(prepare.ID, nil, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.CompleteStep(prepare.ID, nil, "", nil); err != nil {
		t.Fatal(err)
	}

	events, err := f.orch.StepEvents(prepare.ID)
	if err != nil {
		t.Fatal(err)
	}
	var types []domain.EventType
	for _, e := range events {
		types = append(types, e.EventType)
	}
	want := []domain.EventType{domain.EventStart, domain.EventPause, domain.EventResume, domain.EventComplete}
	if !slices.Equal(types, want) {
		t.Errorf("event trail %v, want %v", types, want)
	}
}

func TestRejectStepWithResetIsRestartable(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.orch.StartWorkflow("TEST_WF", "TENDER", 1, nil); err != nil {
		t.Fatal(err)
	}
	prepare := f.steps.byKey("prepare")

	got, err := f.orch.RejectStep(prepare.ID, nil, "wrong documents", true)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StepRejected || got.TimerStatus != domain.TimerNotStarted {
		t.Errorf("expected REJECTED/NOT_STARTED, got %s/%s", got.Status, got.TimerStatus)
	}
	if got.RejectionCount != 1 {
		t.Errorf("expected rejection count 1, got %d", got.RejectionCount)
	}
	restarted, err := f.orch.StartStep(prepare.ID, timer.StartParams{})
	if err != nil {
		t.Fatal(err)
	}
	if restarted.TimerStatus != domain.TimerRunning {
		t.Errorf("rejected step must be restartable, got %s", restarted.TimerStatus)
	}
}

func TestRejectWithoutResetKeepsTimer(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.orch.StartWorkflow("TEST_WF", "TENDER", 1, nil); err != nil {
		t.Fatal(err)
	}
	prepare := f.steps.byKey("prepare")
	got, err := f.orch.RejectStep(prepare.ID, nil, "minor issue", false)
	if err != nil {
		t.Fatal(err)
	}
	if got.TimerStatus != domain.TimerRunning {
		t.Errorf("timer must keep running without reset, got %s", got.TimerStatus)
	}
	if !got.ActualStartAt.Valid || !got.AllocatedTimeMs.Valid {
		t.Error("timer fields must be untouched without reset")
	}
}
