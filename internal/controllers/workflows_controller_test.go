package controllers

import (
	"net/http"
	"net/http/httptest"
	"slices"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stepflow-io/stepflow/internal/core"
	"github.com/stepflow-io/stepflow/internal/domain"
	"github.com/stepflow-io/stepflow/internal/registry"
	"github.com/stepflow-io/stepflow/internal/timer"
	"github.com/stepflow-io/stepflow/internal/util"
	"github.com/stepflow-io/stepflow/internal/workflow"
)

var testStart = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

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
}

func (p *staticProvider) EntityData(entityType string, entityID int64) (map[string]any, error) {
	return p.data, nil
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
				StepKey: "result", StepName: "Result", StepOrder: 3,
				Timer: domain.NoTimer{},
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

type apiFixture struct {
	mux   *http.ServeMux
	steps *memStepRepo
	clock *core.FakeClock
}

func newApiFixture(t *testing.T) *apiFixture {
	t.Helper()
	steps := newMemStepRepo()
	events := &memEventRepo{}
	clock := core.NewFakeClock(testStart)
	eng := timer.NewEngine(steps, events, clock)
	reg := testRegistry(t)
	orch := workflow.NewOrchestrator(reg, steps, events, eng, passthroughCalendar{},
		&staticProvider{data: map[string]any{}}, clock)

	userRepo := &MockUserRepo{
		FindByApiKeyFunc: func(apiKey string) (*domain.User, error) {
			if apiKey == "test_key" {
				return &domain.User{Username: "tester"}, nil
			}
			return nil, nil
		},
	}

	mux := http.NewServeMux()
	NewWorkflowsController(reg, orch, userRepo).RegisterRoutes(mux)
	NewStepsController(orch, userRepo).RegisterRoutes(mux)
	return &apiFixture{mux: mux, steps: steps, clock: clock}
}

func (f *apiFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("X-API-Key", "test_key")
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	return w
}

func TestStartWorkflowEndpoint(t *testing.T) {
	f := newApiFixture(t)

	w := f.do("POST", "/api/workflows", `{"workflowCode":"TEST_WF","entityType":"TENDER","entityId":42}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	result, err := util.DecodeJSONBodyResponse[workflow.StartResult](w.Result())
	if err != nil {
		t.Fatal(err)
	}
	if result.StepsCreated != 3 {
		t.Errorf("Expected 3 steps created, got %d", result.StepsCreated)
	}
	if result.StepsStarted != 1 {
		t.Errorf("Expected 1 step auto-started, got %d", result.StepsStarted)
	}

	// Same workflow again conflicts
	w = f.do("POST", "/api/workflows", `{"workflowCode":"TEST_WF","entityType":"TENDER","entityId":42}`)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Code)
	}
}

func TestStartWorkflowEndpoint_Validation(t *testing.T) {
	f := newApiFixture(t)

	w := f.do("POST", "/api/workflows", `{"workflowCode":"NOPE","entityType":"TENDER","entityId":1}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown code, got %d", w.Code)
	}

	w = f.do("POST", "/api/workflows", `{"workflowCode":"TEST_WF","entityType":"COURIER","entityId":1}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for entity type mismatch, got %d", w.Code)
	}

	w = f.do("POST", "/api/workflows", `{"entityType":"TENDER"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for missing fields, got %d", w.Code)
	}
}

func TestWorkflowStatusEndpoint(t *testing.T) {
	f := newApiFixture(t)

	if w := f.do("GET", "/api/workflows/TENDER/42/status", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 before start, got %d", w.Code)
	}

	f.do("POST", "/api/workflows", `{"workflowCode":"TEST_WF","entityType":"TENDER","entityId":42}`)

	w := f.do("GET", "/api/workflows/TENDER/42/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	summary, err := util.DecodeJSONBodyResponse[workflow.StatusSummary](w.Result())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Total != 3 || summary.Active != 1 {
		t.Errorf("Expected 3 total / 1 active, got %d / %d", summary.Total, summary.Active)
	}
}

func TestListStepsEndpoint(t *testing.T) {
	f := newApiFixture(t)
	f.do("POST", "/api/workflows", `{"workflowCode":"TEST_WF","entityType":"TENDER","entityId":42}`)

	w := f.do("GET", "/api/workflows/TEST_WF/TENDER/42/steps", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	steps, err := util.DecodeJSONBodyResponse[[]domain.StepInstance](w.Result())
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 3 {
		t.Fatalf("Expected 3 steps, got %d", len(steps))
	}
	if steps[0].StepKey != "prepare" || steps[2].StepKey != "result" {
		t.Errorf("Steps out of order: %s .. %s", steps[0].StepKey, steps[2].StepKey)
	}
}

func TestDefinitionEndpoints(t *testing.T) {
	f := newApiFixture(t)

	w := f.do("GET", "/api/definitions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	defs, err := util.DecodeJSONBodyResponse[[]struct {
		Code string
		Name string
	}](w.Result())
	if err != nil {
		t.Fatal(err)
	}
	if len(defs) != 1 || defs[0].Code != "TEST_WF" {
		t.Errorf("Expected TEST_WF definition, got %v", defs)
	}

	if w := f.do("GET", "/api/definitions/TEST_WF", ""); w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if w := f.do("GET", "/api/definitions/NOPE", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestEndpointsRequireAuth(t *testing.T) {
	f := newApiFixture(t)

	req := httptest.NewRequest("GET", "/api/definitions", nil)
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}
