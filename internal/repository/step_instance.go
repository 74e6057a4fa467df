package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stepflow-io/stepflow/internal/core"
	"github.com/stepflow-io/stepflow/internal/domain"
	"github.com/stepflow-io/stepflow/internal/workflow"
)

// StepInstanceRepository persists step instances across the three
// supported dialects. All timer transitions go through UpdateGuarded so
// concurrent writers cannot double-apply a transition.
type StepInstanceRepository struct {
	db    *sql.DB
	clock core.Clock
}

const STEP_COLUMNS = ` id, workflow_code, entity_type, entity_id, step_key, step_name, step_order,
		assigned_to_user_id, assigned_role, status, timer_status, timer_config,
		allocated_time_ms, actual_time_ms, remaining_time_ms,
		total_paused_duration_ms, extension_duration_ms,
		actual_start_at, actual_end_at, paused_at, custom_deadline,
		depends_on_steps, can_run_in_parallel, is_optional,
		rejection_count, rejected_at, rejection_reason, metadata, created, modified `

func NewStepInstanceRepository(db *sql.DB, clock core.Clock) *StepInstanceRepository {
	return &StepInstanceRepository{db: db, clock: clock}
}

var _ workflow.StepRepo = (*StepInstanceRepository)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStepInstance(row rowScanner) (*domain.StepInstance, error) {
	var si domain.StepInstance
	var timerConfig []byte
	var dependsOn, metadata sql.NullString
	err := row.Scan(
		&si.ID,
		&si.WorkflowCode,
		&si.EntityType,
		&si.EntityID,
		&si.StepKey,
		&si.StepName,
		&si.StepOrder,
		&si.AssignedToUserID,
		&si.AssignedRole,
		&si.Status,
		&si.TimerStatus,
		&timerConfig,
		&si.AllocatedTimeMs,
		&si.ActualTimeMs,
		&si.RemainingTimeMs,
		&si.TotalPausedDurationMs,
		&si.ExtensionDurationMs,
		&si.ActualStartAt,
		&si.ActualEndAt,
		&si.PausedAt,
		&si.CustomDeadline,
		&dependsOn,
		&si.CanRunInParallel,
		&si.IsOptional,
		&si.RejectionCount,
		&si.RejectedAt,
		&si.RejectionReason,
		&metadata,
		&si.Created,
		&si.Modified,
	)
	if err != nil {
		return nil, err
	}
	si.Timer, err = domain.UnmarshalTimerConfig(timerConfig)
	if err != nil {
		return nil, fmt.Errorf("step %d: %w", si.ID, err)
	}
	if dependsOn.Valid && dependsOn.String != "" {
		if err := json.Unmarshal([]byte(dependsOn.String), &si.DependsOnSteps); err != nil {
			return nil, fmt.Errorf("step %d depends_on_steps: %w", si.ID, err)
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &si.Metadata); err != nil {
			return nil, fmt.Errorf("step %d metadata: %w", si.ID, err)
		}
	}
	return &si, nil
}

func encodeStepColumns(si *domain.StepInstance) (timerConfig, dependsOn string, metadata any, err error) {
	cfg, err := domain.MarshalTimerConfig(si.Timer)
	if err != nil {
		return "", "", nil, err
	}
	deps, err := json.Marshal(si.DependsOnSteps)
	if err != nil {
		return "", "", nil, err
	}
	var meta any
	if si.Metadata != nil {
		m, err := json.Marshal(si.Metadata)
		if err != nil {
			return "", "", nil, err
		}
		meta = string(m)
	}
	return string(cfg), string(deps), meta, nil
}

func (r *StepInstanceRepository) Save(si *domain.StepInstance) (int64, error) {
	timerConfig, dependsOn, metadata, err := encodeStepColumns(si)
	if err != nil {
		return 0, err
	}
	vals := []interface{}{
		si.WorkflowCode, si.EntityType, si.EntityID, si.StepKey, si.StepName, si.StepOrder,
		si.AssignedToUserID, si.AssignedRole, si.Status, si.TimerStatus, timerConfig,
		si.AllocatedTimeMs, si.ActualTimeMs, si.RemainingTimeMs,
		si.TotalPausedDurationMs, si.ExtensionDurationMs,
		formatDateInDatabaseNull(si.ActualStartAt), formatDateInDatabaseNull(si.ActualEndAt),
		formatDateInDatabaseNull(si.PausedAt), formatDateInDatabaseNull(si.CustomDeadline),
		dependsOn, si.CanRunInParallel, si.IsOptional,
		si.RejectionCount, formatDateInDatabaseNull(si.RejectedAt), si.RejectionReason,
		metadata, formatDateInDatabase(si.Created), formatDateInDatabase(si.Modified),
	}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	base := `INSERT INTO step_instances (
		workflow_code, entity_type, entity_id, step_key, step_name, step_order,
		assigned_to_user_id, assigned_role, status, timer_status, timer_config,
		allocated_time_ms, actual_time_ms, remaining_time_ms,
		total_paused_duration_ms, extension_duration_ms,
		actual_start_at, actual_end_at, paused_at, custom_deadline,
		depends_on_steps, can_run_in_parallel, is_optional,
		rejection_count, rejected_at, rejection_reason, metadata, created, modified
	) VALUES (` + strings.Join(pps, ", ") + `)`

	if supportsReturning() {
		query := base + " RETURNING id"
		err = r.db.QueryRow(query, vals...).Scan(&si.ID)
	} else {
		res, e := r.db.Exec(base, vals...)
		if e != nil {
			err = e
		} else {
			si.ID, err = res.LastInsertId()
		}
	}
	return si.ID, err
}

// FindByID returns nil, nil when no row exists.
func (r *StepInstanceRepository) FindByID(id int64) (*domain.StepInstance, error) {
	query := `
		SELECT ` + STEP_COLUMNS + `
		FROM step_instances WHERE id = ` + placeholder(1) + `
	`
	si, err := scanStepInstance(r.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return si, err
}

func (r *StepInstanceRepository) FindForEntity(entityType string, entityID int64) ([]domain.StepInstance, error) {
	query := `
		SELECT ` + STEP_COLUMNS + `
		FROM step_instances
		WHERE entity_type = ` + placeholder(1) + ` AND entity_id = ` + placeholder(2) + `
		ORDER BY workflow_code, step_order
	`
	return r.queryMany(query, entityType, entityID)
}

func (r *StepInstanceRepository) FindForWorkflow(workflowCode, entityType string, entityID int64) ([]domain.StepInstance, error) {
	query := `
		SELECT ` + STEP_COLUMNS + `
		FROM step_instances
		WHERE workflow_code = ` + placeholder(1) + `
		  AND entity_type = ` + placeholder(2) + `
		  AND entity_id = ` + placeholder(3) + `
		ORDER BY step_order
	`
	return r.queryMany(query, workflowCode, entityType, entityID)
}

func (r *StepInstanceRepository) queryMany(query string, args ...any) ([]domain.StepInstance, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StepInstance
	for rows.Next() {
		si, err := scanStepInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *si)
	}
	return out, rows.Err()
}

func (r *StepInstanceRepository) Exists(workflowCode, entityType string, entityID int64) (bool, error) {
	query := `
		SELECT COUNT(1) FROM step_instances
		WHERE workflow_code = ` + placeholder(1) + `
		  AND entity_type = ` + placeholder(2) + `
		  AND entity_id = ` + placeholder(3) + `
	`
	var count int
	if err := r.db.QueryRow(query, workflowCode, entityType, entityID).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// UpdateGuarded writes every mutable column in one statement, guarded by
// the timer statuses the caller observed at read time. Reports false
// when another writer changed the row first.
func (r *StepInstanceRepository) UpdateGuarded(si *domain.StepInstance, expect []domain.TimerStatus) (bool, error) {
	timerConfig, dependsOn, metadata, err := encodeStepColumns(si)
	if err != nil {
		return false, err
	}
	vals := []interface{}{
		si.AssignedToUserID, si.AssignedRole, si.Status, si.TimerStatus, timerConfig,
		si.AllocatedTimeMs, si.ActualTimeMs, si.RemainingTimeMs,
		si.TotalPausedDurationMs, si.ExtensionDurationMs,
		formatDateInDatabaseNull(si.ActualStartAt), formatDateInDatabaseNull(si.ActualEndAt),
		formatDateInDatabaseNull(si.PausedAt), formatDateInDatabaseNull(si.CustomDeadline),
		dependsOn, si.RejectionCount, formatDateInDatabaseNull(si.RejectedAt), si.RejectionReason,
		metadata,
	}
	sets := []string{
		"assigned_to_user_id", "assigned_role", "status", "timer_status", "timer_config",
		"allocated_time_ms", "actual_time_ms", "remaining_time_ms",
		"total_paused_duration_ms", "extension_duration_ms",
		"actual_start_at", "actual_end_at", "paused_at", "custom_deadline",
		"depends_on_steps", "rejection_count", "rejected_at", "rejection_reason",
		"metadata",
	}
	assignments := make([]string, len(sets))
	for i, col := range sets {
		assignments[i] = col + " = " + placeholder(i+1)
	}

	in := make([]string, len(expect))
	for i := range expect {
		in[i] = placeholder(len(vals) + 2 + i)
	}
	query := `
		UPDATE step_instances
		SET ` + strings.Join(assignments, ", ") + `, modified = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(len(vals)+1) + ` AND timer_status IN (` + strings.Join(in, ", ") + `)
	`
	args := append(vals, si.ID)
	for _, st := range expect {
		args = append(args, string(st))
	}
	result, err := r.db.Exec(query, args...)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}
