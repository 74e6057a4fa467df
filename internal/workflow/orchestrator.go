package workflow

import (
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/stepflow-io/stepflow/internal/core"
	"github.com/stepflow-io/stepflow/internal/domain"
	"github.com/stepflow-io/stepflow/internal/registry"
	"github.com/stepflow-io/stepflow/internal/timer"
)

// StepRepo is the step instance persistence the orchestrator needs on
// top of what the timer engine already uses.
type StepRepo interface {
	Save(si *domain.StepInstance) (int64, error)
	FindByID(id int64) (*domain.StepInstance, error)
	FindForEntity(entityType string, entityID int64) ([]domain.StepInstance, error)
	FindForWorkflow(workflowCode, entityType string, entityID int64) ([]domain.StepInstance, error)
	Exists(workflowCode, entityType string, entityID int64) (bool, error)
	UpdateGuarded(si *domain.StepInstance, expect []domain.TimerStatus) (bool, error)
}

// EventRepo reads the audit trail back for callers.
type EventRepo interface {
	FindByStepInstance(stepInstanceID int64) ([]domain.TimerEvent, error)
}

// Orchestrator creates step instances from the registry, resolves the
// dependency graph and cascades completion to dependents. All timer
// mutations go through the engine so every transition stays guarded and
// audited.
type Orchestrator struct {
	reg      *registry.Registry
	steps    StepRepo
	events   EventRepo
	engine   *timer.Engine
	cal      timer.BusinessCalendar
	provider EntityProvider
	clock    core.Clock
	log      *slog.Logger
}

func NewOrchestrator(
	reg *registry.Registry,
	steps StepRepo,
	events EventRepo,
	engine *timer.Engine,
	cal timer.BusinessCalendar,
	provider EntityProvider,
	clock core.Clock,
) *Orchestrator {
	return &Orchestrator{
		reg:      reg,
		steps:    steps,
		events:   events,
		engine:   engine,
		cal:      cal,
		provider: provider,
		clock:    clock,
		log:      slog.Default(),
	}
}

// StartResult summarizes workflow creation.
type StartResult struct {
	WorkflowCode string                 `json:"workflowCode"`
	EntityType   string                 `json:"entityType"`
	EntityID     int64                  `json:"entityId"`
	StepsCreated int                    `json:"stepsCreated"`
	StepsStarted int                    `json:"stepsStarted"`
	FirstStepID  int64                  `json:"firstStepId,omitempty"`
	Steps        []*domain.StepInstance `json:"steps"`
}

// StartWorkflow creates one step instance per definition step, eagerly
// and in definition order, then auto-starts every step that has no
// dependencies, a satisfied conditional, is not optional and carries a
// startable timer. Start failures on individual steps are logged and do
// not abort the rest.
func (o *Orchestrator) StartWorkflow(code, entityType string, entityID int64, metadata map[string]any) (*StartResult, error) {
	def := o.reg.Get(code)
	if def == nil {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, code)
	}
	if def.EntityType != entityType {
		return nil, fmt.Errorf("%w: %s expects %s, got %s",
			ErrEntityTypeMismatch, code, def.EntityType, entityType)
	}
	exists, err := o.steps.Exists(code, entityType, entityID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s/%s/%d", ErrWorkflowAlreadyStarted, code, entityType, entityID)
	}

	entity, err := o.entitySnapshot(entityType, entityID)
	if err != nil {
		return nil, err
	}
	deadline, hasDeadline := entityDeadline(entity)

	now := o.clock.Now()
	result := &StartResult{WorkflowCode: code, EntityType: entityType, EntityID: entityID}
	for i := range def.Steps {
		sd := &def.Steps[i]
		si := &domain.StepInstance{
			WorkflowCode:     code,
			EntityType:       entityType,
			EntityID:         entityID,
			StepKey:          sd.StepKey,
			StepName:         sd.StepName,
			StepOrder:        sd.StepOrder,
			Status:           domain.StepPending,
			TimerStatus:      domain.TimerNotStarted,
			Timer:            sd.Timer,
			DependsOnSteps:   slices.Clone(sd.DependsOn),
			CanRunInParallel: sd.CanRunInParallel,
			IsOptional:       sd.IsOptional,
			Metadata:         mergeMetadata(sd.Metadata, metadata),
			Created:          now,
			Modified:         now,
		}
		if sd.AssignedRole != "" {
			si.AssignedRole = sql.NullString{String: sd.AssignedRole, Valid: true}
			if uid, ok := assigneeForRole(sd.AssignedRole, entity); ok {
				si.AssignedToUserID = sql.NullInt64{Int64: uid, Valid: true}
			}
		}
		if _, isCountdown := sd.Timer.(domain.NegativeCountdown); isCountdown && hasDeadline {
			si.CustomDeadline = sql.NullTime{Time: deadline, Valid: true}
		}
		id, err := o.steps.Save(si)
		if err != nil {
			return nil, fmt.Errorf("create step %q: %w", sd.StepKey, err)
		}
		si.ID = id
		result.Steps = append(result.Steps, si)
		result.StepsCreated++
	}

	for i := range def.Steps {
		sd := &def.Steps[i]
		si := result.Steps[i]
		if len(sd.DependsOn) > 0 || sd.IsOptional {
			continue
		}
		if _, isNone := sd.Timer.(domain.NoTimer); isNone {
			continue
		}
		if !EvaluateConditional(sd.Conditional, entity) {
			continue
		}
		started, err := o.engine.Start(si.ID, timer.StartParams{})
		if err != nil {
			o.log.Warn("auto-start failed at workflow creation",
				"workflowCode", code, "stepKey", sd.StepKey, "stepInstanceId", si.ID, "error", err)
			continue
		}
		*si = *started
		result.StepsStarted++
		if result.FirstStepID == 0 {
			result.FirstStepID = si.ID
		}
	}
	return result, nil
}

// StartStep starts one step's timer after verifying that every
// dependency has reached COMPLETED or SKIPPED.
func (o *Orchestrator) StartStep(id int64, p timer.StartParams) (*domain.StepInstance, error) {
	si, err := o.loadStep(id)
	if err != nil {
		return nil, err
	}
	if si.TimerStatus != domain.TimerNotStarted {
		return nil, fmt.Errorf("%w: step %d is %s", timer.ErrInvalidTransition, id, si.TimerStatus)
	}
	if err := o.checkDependencies(si); err != nil {
		return nil, err
	}
	return o.engine.Start(id, p)
}

// CompleteStep stops the timer, records completion metadata and cascades
// to dependent steps.
func (o *Orchestrator) CompleteStep(id int64, userID *int64, notes string, completedAt *time.Time) (*domain.StepInstance, error) {
	si, err := o.loadStep(id)
	if err != nil {
		return nil, err
	}
	if si.Status == domain.StepCompleted {
		return nil, fmt.Errorf("%w: step %d", ErrAlreadyCompleted, id)
	}

	meta := map[string]any{}
	if notes != "" {
		meta["notes"] = notes
	}
	updated, err := o.engine.Stop(id, timer.StopParams{
		Action:      timer.Action{UserID: userID, Metadata: meta},
		CompletedAt: completedAt,
		Status:      domain.StepCompleted,
	})
	if err != nil {
		return nil, err
	}

	if notes != "" || updated.RemainingTimeMs.Valid {
		if updated.Metadata == nil {
			updated.Metadata = map[string]any{}
		}
		if notes != "" {
			updated.Metadata["completionNotes"] = notes
		}
		if updated.RemainingTimeMs.Valid {
			updated.Metadata["completedEarly"] = updated.RemainingTimeMs.Int64 >= 0
		}
		if ok, err := o.steps.UpdateGuarded(updated, []domain.TimerStatus{updated.TimerStatus}); err != nil || !ok {
			o.log.Warn("failed to record completion metadata",
				"stepInstanceId", id, "error", err)
		}
	}

	o.TriggerDependentSteps(updated)
	return updated, nil
}

// PauseStep, ResumeStep and ExtendStep delegate to the engine; the
// orchestrator adds nothing beyond the shared load path.
func (o *Orchestrator) PauseStep(id int64, userID *int64, reason string) (*domain.StepInstance, error) {
	return o.engine.Pause(id, timer.Action{UserID: userID, Reason: reason})
}

func (o *Orchestrator) ResumeStep(id int64, userID *int64, reason string) (*domain.StepInstance, error) {
	return o.engine.Resume(id, timer.Action{UserID: userID, Reason: reason})
}

func (o *Orchestrator) ExtendStep(id int64, hours float64, userID *int64, reason string) (*domain.StepInstance, error) {
	return o.engine.Extend(id, hours, timer.Action{UserID: userID, Reason: reason})
}

// RejectStep marks the step REJECTED. With reset the timer fields are
// cleared so the step can be restarted after rework.
func (o *Orchestrator) RejectStep(id int64, userID *int64, reason string, resetTimer bool) (*domain.StepInstance, error) {
	return o.engine.Reject(id, timer.RejectParams{
		Action:     timer.Action{UserID: userID, Reason: reason},
		ResetTimer: resetTimer,
	})
}

// SkipStep skips an optional step and cascades, since SKIPPED satisfies
// dependencies the same way COMPLETED does.
func (o *Orchestrator) SkipStep(id int64, userID *int64, reason string) (*domain.StepInstance, error) {
	si, err := o.loadStep(id)
	if err != nil {
		return nil, err
	}
	optional := si.IsOptional
	if def := o.reg.StepDefinition(si.WorkflowCode, si.StepKey); def != nil {
		optional = def.IsOptional
	}
	if !optional {
		return nil, fmt.Errorf("%w: %s", ErrStepNotOptional, si.StepKey)
	}
	updated, err := o.engine.Skip(id, timer.Action{UserID: userID, Reason: reason})
	if err != nil {
		return nil, err
	}
	o.TriggerDependentSteps(updated)
	return updated, nil
}

// CancelStep cancels the timer and parks the step ON_HOLD. It does not
// cascade.
func (o *Orchestrator) CancelStep(id int64, userID *int64, reason string) (*domain.StepInstance, error) {
	return o.engine.Cancel(id, domain.StepOnHold, timer.Action{UserID: userID, Reason: reason})
}

// TriggerDependentSteps auto-starts every pending sibling whose
// dependency set is now satisfied and whose conditional passes against a
// fresh entity snapshot. Failures are logged and suppressed; the sibling
// stays PENDING for the next qualifying event. Returns the number of
// steps started.
func (o *Orchestrator) TriggerDependentSteps(completed *domain.StepInstance) int {
	siblings, err := o.steps.FindForWorkflow(completed.WorkflowCode, completed.EntityType, completed.EntityID)
	if err != nil {
		o.log.Error("cascade aborted: cannot load siblings",
			"workflowCode", completed.WorkflowCode, "entityId", completed.EntityID, "error", err)
		return 0
	}
	byKey := make(map[string]*domain.StepInstance, len(siblings))
	for i := range siblings {
		byKey[siblings[i].StepKey] = &siblings[i]
	}

	entity, err := o.entitySnapshot(completed.EntityType, completed.EntityID)
	if err != nil {
		o.log.Warn("cascade proceeding without entity data",
			"entityType", completed.EntityType, "entityId", completed.EntityID, "error", err)
		entity = map[string]any{}
	}

	started := 0
	for i := range siblings {
		sib := &siblings[i]
		if sib.Status != domain.StepPending || sib.TimerStatus != domain.TimerNotStarted {
			continue
		}
		if !slices.Contains(sib.DependsOnSteps, completed.StepKey) {
			continue
		}
		if !dependenciesSatisfied(sib, byKey) {
			continue
		}
		// Untimed dependents have nothing to start; they become eligible
		// for direct completion once their dependencies clear.
		if _, isNone := sib.Timer.(domain.NoTimer); isNone || sib.Timer == nil {
			continue
		}
		if def := o.reg.StepDefinition(sib.WorkflowCode, sib.StepKey); def != nil {
			if !EvaluateConditional(def.Conditional, entity) {
				continue
			}
		}
		if _, err := o.engine.Start(sib.ID, timer.StartParams{}); err != nil {
			o.log.Warn("cascade auto-start failed",
				"workflowCode", sib.WorkflowCode, "stepKey", sib.StepKey,
				"stepInstanceId", sib.ID, "error", err)
			continue
		}
		started++
	}
	return started
}

// StatusSummary aggregates the live state of every step attached to an
// entity.
type StatusSummary struct {
	EntityType string         `json:"entityType"`
	EntityID   int64          `json:"entityId"`
	Total      int            `json:"total"`
	Completed  int            `json:"completed"`
	Active     int            `json:"active"`
	Overdue    int            `json:"overdue"`
	Progress   float64        `json:"progress"`
	Steps      []*timer.State `json:"steps"`
}

// WorkflowStatus computes the live state of every step instance for an
// entity, across workflows, plus aggregate counts.
func (o *Orchestrator) WorkflowStatus(entityType string, entityID int64) (*StatusSummary, error) {
	instances, err := o.steps.FindForEntity(entityType, entityID)
	if err != nil {
		return nil, err
	}
	now := o.clock.Now()
	summary := &StatusSummary{EntityType: entityType, EntityID: entityID, Total: len(instances)}
	for i := range instances {
		si := &instances[i]
		st, err := timer.ComputeState(si, now, o.cal)
		if err != nil {
			return nil, fmt.Errorf("state for step %d: %w", si.ID, err)
		}
		summary.Steps = append(summary.Steps, st)
		switch si.Status {
		case domain.StepCompleted:
			summary.Completed++
		case domain.StepInProgress:
			summary.Active++
		}
		if st.IsOverdue {
			summary.Overdue++
		}
	}
	if summary.Total > 0 {
		summary.Progress = math.Round(float64(summary.Completed)/float64(summary.Total)*10000) / 100
	}
	return summary, nil
}

// StepsForWorkflow lists every instance of one workflow on an entity, in
// step order.
func (o *Orchestrator) StepsForWorkflow(workflowCode, entityType string, entityID int64) ([]domain.StepInstance, error) {
	return o.steps.FindForWorkflow(workflowCode, entityType, entityID)
}

// PendingSteps lists the instances still waiting to run.
func (o *Orchestrator) PendingSteps(workflowCode, entityType string, entityID int64) ([]domain.StepInstance, error) {
	all, err := o.steps.FindForWorkflow(workflowCode, entityType, entityID)
	if err != nil {
		return nil, err
	}
	pending := all[:0:0]
	for _, si := range all {
		if si.Status == domain.StepPending {
			pending = append(pending, si)
		}
	}
	return pending, nil
}

// StepState returns the live derived state for one step.
func (o *Orchestrator) StepState(id int64) (*timer.State, error) {
	return o.engine.State(id, o.cal)
}

// StepEvents returns the audit trail for one step, oldest first.
func (o *Orchestrator) StepEvents(id int64) ([]domain.TimerEvent, error) {
	if _, err := o.loadStep(id); err != nil {
		return nil, err
	}
	return o.events.FindByStepInstance(id)
}

func (o *Orchestrator) loadStep(id int64) (*domain.StepInstance, error) {
	si, err := o.steps.FindByID(id)
	if err != nil {
		return nil, err
	}
	if si == nil {
		return nil, fmt.Errorf("%w: id %d", timer.ErrStepNotFound, id)
	}
	return si, nil
}

func (o *Orchestrator) checkDependencies(si *domain.StepInstance) error {
	if len(si.DependsOnSteps) == 0 {
		return nil
	}
	siblings, err := o.steps.FindForWorkflow(si.WorkflowCode, si.EntityType, si.EntityID)
	if err != nil {
		return err
	}
	byKey := make(map[string]*domain.StepInstance, len(siblings))
	for i := range siblings {
		byKey[siblings[i].StepKey] = &siblings[i]
	}
	var unmet []string
	for _, dep := range si.DependsOnSteps {
		sib, ok := byKey[dep]
		if !ok || (sib.Status != domain.StepCompleted && sib.Status != domain.StepSkipped) {
			unmet = append(unmet, dep)
		}
	}
	if len(unmet) > 0 {
		return fmt.Errorf("%w: step %q waiting on %v", ErrDependencyNotMet, si.StepKey, unmet)
	}
	return nil
}

func dependenciesSatisfied(si *domain.StepInstance, byKey map[string]*domain.StepInstance) bool {
	for _, dep := range si.DependsOnSteps {
		sib, ok := byKey[dep]
		if !ok {
			return false
		}
		if sib.Status != domain.StepCompleted && sib.Status != domain.StepSkipped {
			return false
		}
	}
	return true
}

func (o *Orchestrator) entitySnapshot(entityType string, entityID int64) (map[string]any, error) {
	if o.provider == nil {
		return map[string]any{}, nil
	}
	data, err := o.provider.EntityData(entityType, entityID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

func mergeMetadata(base, extra map[string]any) map[string]any {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
