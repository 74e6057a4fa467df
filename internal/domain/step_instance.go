package domain

import (
	"database/sql"
	"encoding/json"
	"time"
)

// StepStatus is the business status of a step instance.
type StepStatus string

const (
	StepPending    StepStatus = "PENDING"
	StepInProgress StepStatus = "IN_PROGRESS"
	StepCompleted  StepStatus = "COMPLETED"
	StepSkipped    StepStatus = "SKIPPED"
	StepRejected   StepStatus = "REJECTED"
	StepOnHold     StepStatus = "ON_HOLD"
)

// TimerStatus is the lifecycle status of a step instance's timer.
type TimerStatus string

const (
	TimerNotStarted TimerStatus = "NOT_STARTED"
	TimerRunning    TimerStatus = "RUNNING"
	TimerPaused     TimerStatus = "PAUSED"
	TimerCompleted  TimerStatus = "COMPLETED"
	TimerOverdue    TimerStatus = "OVERDUE"
	TimerSkipped    TimerStatus = "SKIPPED"
	TimerCancelled  TimerStatus = "CANCELLED"
)

// Terminal reports whether the timer can no longer transition.
func (s TimerStatus) Terminal() bool {
	switch s {
	case TimerCompleted, TimerOverdue, TimerSkipped, TimerCancelled:
		return true
	}
	return false
}

// Active reports whether stop/extend/cancel are valid on a stored status.
func (s TimerStatus) Active() bool {
	switch s {
	case TimerRunning, TimerPaused, TimerOverdue:
		return true
	}
	return false
}

// StepInstance is the live per-entity occurrence of a step definition.
// One row exists per (workflow_code, entity_type, entity_id, step_key);
// rows are created eagerly when the workflow starts and never deleted.
type StepInstance struct {
	ID           int64  `json:"id"`
	WorkflowCode string `json:"workflowCode"`
	EntityType   string `json:"entityType"`
	EntityID     int64  `json:"entityId"`

	StepKey   string `json:"stepKey"`
	StepName  string `json:"stepName"`
	StepOrder int    `json:"stepOrder"`

	AssignedToUserID sql.NullInt64  `json:"assignedToUserId"`
	AssignedRole     sql.NullString `json:"assignedRole"`

	Status      StepStatus  `json:"status"`
	TimerStatus TimerStatus `json:"timerStatus"`

	Timer TimerConfig `json:"timerConfig"`

	AllocatedTimeMs       sql.NullInt64 `json:"allocatedTimeMs"`
	ActualTimeMs          sql.NullInt64 `json:"actualTimeMs"`
	RemainingTimeMs       sql.NullInt64 `json:"remainingTimeMs"`
	TotalPausedDurationMs int64         `json:"totalPausedDurationMs"`
	ExtensionDurationMs   int64         `json:"extensionDurationMs"`

	ActualStartAt  sql.NullTime `json:"actualStartAt"`
	ActualEndAt    sql.NullTime `json:"actualEndAt"`
	PausedAt       sql.NullTime `json:"pausedAt"`
	CustomDeadline sql.NullTime `json:"customDeadline"`

	DependsOnSteps   []string `json:"dependsOnSteps"`
	CanRunInParallel bool     `json:"canRunInParallel"`
	IsOptional       bool     `json:"isOptional"`

	RejectionCount  int            `json:"rejectionCount"`
	RejectedAt      sql.NullTime   `json:"rejectedAt"`
	RejectionReason sql.NullString `json:"rejectionReason"`

	Metadata map[string]any `json:"metadata"`

	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
}

// MarshalJSON encodes the timer config with its type discriminator so
// API payloads carry the same shape as the persisted column.
func (s StepInstance) MarshalJSON() ([]byte, error) {
	type alias StepInstance
	var raw json.RawMessage
	if s.Timer != nil {
		b, err := MarshalTimerConfig(s.Timer)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(struct {
		alias
		Timer json.RawMessage `json:"timerConfig,omitempty"`
	}{alias(s), raw})
}

func (s *StepInstance) UnmarshalJSON(data []byte) error {
	type alias StepInstance
	aux := struct {
		*alias
		Timer json.RawMessage `json:"timerConfig"`
	}{alias: (*alias)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Timer) > 0 && string(aux.Timer) != "null" {
		cfg, err := UnmarshalTimerConfig(aux.Timer)
		if err != nil {
			return err
		}
		s.Timer = cfg
	}
	return nil
}

// EffectiveAllocatedMs is the allocation including extensions. The
// allocated column already has extensions folded in when extended, so this
// exists for callers that only have the base allocation.
func (s *StepInstance) EffectiveAllocatedMs() (int64, bool) {
	if !s.AllocatedTimeMs.Valid {
		return 0, false
	}
	return s.AllocatedTimeMs.Int64, true
}
