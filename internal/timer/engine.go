package timer

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/stepflow-io/stepflow/internal/core"
	"github.com/stepflow-io/stepflow/internal/domain"
)

// StepRepo is the slice of step instance persistence the engine needs.
type StepRepo interface {
	FindByID(id int64) (*domain.StepInstance, error)
	// UpdateGuarded writes the instance only when the stored timer status
	// is still one of expect, reporting whether a row was changed.
	UpdateGuarded(si *domain.StepInstance, expect []domain.TimerStatus) (bool, error)
}

// EventRepo appends audit records.
type EventRepo interface {
	Save(e *domain.TimerEvent) (int64, error)
}

// Action carries who performed a transition and why.
type Action struct {
	UserID   *int64
	Reason   string
	Metadata map[string]any
}

// StartParams supplements Start for timer types that need runtime input.
type StartParams struct {
	Action
	// DurationHours is required for DYNAMIC timers and overrides the
	// configured duration for FIXED_DURATION ones.
	DurationHours *float64
	// Deadline is required for DEADLINE_BASED timers unless the instance
	// already carries one; NEGATIVE_COUNTDOWN falls back to the deadline
	// derived when the instance was created.
	Deadline         *time.Time
	AssignedToUserID *int64
}

// StopParams controls how a timer is closed out.
type StopParams struct {
	Action
	// CompletedAt backdates the completion; zero means now.
	CompletedAt *time.Time
	// Status is the step status written alongside the terminal timer
	// status. Zero value means COMPLETED.
	Status domain.StepStatus
}

// Engine owns every timer state transition. Each transition is a single
// guarded UPDATE against the expected previous timer status plus one
// audit event, so concurrent callers cannot double-apply a transition.
type Engine struct {
	steps  StepRepo
	events EventRepo
	clock  core.Clock
	log    *slog.Logger
}

func NewEngine(steps StepRepo, events EventRepo, clock core.Clock) *Engine {
	return &Engine{steps: steps, events: events, clock: clock, log: slog.Default()}
}

func (e *Engine) load(id int64) (*domain.StepInstance, error) {
	si, err := e.steps.FindByID(id)
	if err != nil {
		return nil, err
	}
	if si == nil {
		return nil, fmt.Errorf("%w: id %d", ErrStepNotFound, id)
	}
	return si, nil
}

// Start begins the countdown for a step instance. The instance moves to
// IN_PROGRESS / RUNNING and the allocation is fixed according to the
// timer type.
func (e *Engine) Start(id int64, p StartParams) (*domain.StepInstance, error) {
	si, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if _, isNone := si.Timer.(domain.NoTimer); isNone || si.Timer == nil {
		return nil, fmt.Errorf("%w: step %q", ErrNoTimer, si.StepKey)
	}
	if si.TimerStatus != domain.TimerNotStarted {
		return nil, fmt.Errorf("%w: cannot start from %s", ErrInvalidTransition, si.TimerStatus)
	}

	now := e.clock.Now()
	switch cfg := si.Timer.(type) {
	case domain.FixedDuration:
		hours := cfg.DurationHours
		if p.DurationHours != nil {
			hours = *p.DurationHours
		}
		if hours <= 0 {
			return nil, fmt.Errorf("%w: step %q", ErrMissingDuration, si.StepKey)
		}
		si.AllocatedTimeMs = sql.NullInt64{Int64: domain.HoursToMs(hours), Valid: true}
	case domain.Dynamic:
		if p.DurationHours == nil || *p.DurationHours <= 0 {
			return nil, fmt.Errorf("%w: dynamic step %q", ErrMissingDuration, si.StepKey)
		}
		si.AllocatedTimeMs = sql.NullInt64{Int64: domain.HoursToMs(*p.DurationHours), Valid: true}
	case domain.DeadlineBased:
		deadline, ok := pickDeadline(p.Deadline, si.CustomDeadline)
		if !ok {
			return nil, fmt.Errorf("%w: step %q", ErrMissingDeadline, si.StepKey)
		}
		si.CustomDeadline = sql.NullTime{Time: deadline, Valid: true}
		si.AllocatedTimeMs = sql.NullInt64{Int64: deadline.Sub(now).Milliseconds(), Valid: true}
	case domain.NegativeCountdown:
		deadline, ok := pickDeadline(p.Deadline, si.CustomDeadline)
		if !ok {
			return nil, fmt.Errorf("%w: countdown step %q", ErrMissingDeadline, si.StepKey)
		}
		si.CustomDeadline = sql.NullTime{Time: deadline, Valid: true}
		window := cfg.HoursBeforeDeadline
		if window < 0 {
			window = -window
		}
		si.AllocatedTimeMs = sql.NullInt64{Int64: domain.HoursToMs(window), Valid: true}
	}

	prev := si.TimerStatus
	si.Status = domain.StepInProgress
	si.TimerStatus = domain.TimerRunning
	si.ActualStartAt = sql.NullTime{Time: now, Valid: true}
	if p.AssignedToUserID != nil {
		si.AssignedToUserID = sql.NullInt64{Int64: *p.AssignedToUserID, Valid: true}
	}

	if err := e.apply(si, prev); err != nil {
		return nil, err
	}
	meta := mergeMeta(p.Metadata, map[string]any{"allocatedTimeMs": si.AllocatedTimeMs.Int64})
	e.record(si, domain.EventStart, prev, p.Action, nil, meta)
	return si, nil
}

// Pause freezes a running timer. Remaining time holds still until Resume.
func (e *Engine) Pause(id int64, a Action) (*domain.StepInstance, error) {
	si, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if si.TimerStatus != domain.TimerRunning {
		return nil, fmt.Errorf("%w: cannot pause from %s", ErrInvalidTransition, si.TimerStatus)
	}
	prev := si.TimerStatus
	si.TimerStatus = domain.TimerPaused
	si.PausedAt = sql.NullTime{Time: e.clock.Now(), Valid: true}
	if err := e.apply(si, prev); err != nil {
		return nil, err
	}
	e.record(si, domain.EventPause, prev, a, nil, a.Metadata)
	return si, nil
}

// Resume restarts a paused timer, accumulating the pause into the total
// and pushing any stored deadline out by the same amount so the pause is
// net-zero for the countdown.
func (e *Engine) Resume(id int64, a Action) (*domain.StepInstance, error) {
	si, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if si.TimerStatus != domain.TimerPaused {
		return nil, fmt.Errorf("%w: cannot resume from %s", ErrInvalidTransition, si.TimerStatus)
	}
	now := e.clock.Now()
	var pausedFor time.Duration
	if si.PausedAt.Valid {
		pausedFor = now.Sub(si.PausedAt.Time)
		if pausedFor < 0 {
			pausedFor = 0
		}
	}
	prev := si.TimerStatus
	si.TotalPausedDurationMs += pausedFor.Milliseconds()
	si.PausedAt = sql.NullTime{}
	if si.CustomDeadline.Valid {
		si.CustomDeadline = sql.NullTime{Time: si.CustomDeadline.Time.Add(pausedFor), Valid: true}
	}
	si.TimerStatus = domain.TimerRunning
	if err := e.apply(si, prev); err != nil {
		return nil, err
	}
	change := pausedFor.Milliseconds()
	e.record(si, domain.EventResume, prev, a, &change, a.Metadata)
	return si, nil
}

// Extend grants additional time. A timer that has drifted past its
// allocation is revived by the extra allocation; the stored status never
// needs fixing because overdue is derived at read time.
func (e *Engine) Extend(id int64, hours float64, a Action) (*domain.StepInstance, error) {
	if hours <= 0 {
		return nil, fmt.Errorf("%w: got %v hours", ErrNonPositiveExtension, hours)
	}
	si, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if stopped(si) {
		return nil, fmt.Errorf("%w: cannot extend from %s", ErrInvalidTransition, si.TimerStatus)
	}
	extMs := domain.HoursToMs(hours)
	prev := si.TimerStatus
	if prev == domain.TimerOverdue {
		si.TimerStatus = domain.TimerRunning
	}
	si.ExtensionDurationMs += extMs
	if si.AllocatedTimeMs.Valid {
		si.AllocatedTimeMs.Int64 += extMs
	} else {
		si.AllocatedTimeMs = sql.NullInt64{Int64: extMs, Valid: true}
	}
	if si.CustomDeadline.Valid {
		si.CustomDeadline = sql.NullTime{
			Time:  si.CustomDeadline.Time.Add(time.Duration(extMs) * time.Millisecond),
			Valid: true,
		}
	}
	if err := e.apply(si, prev); err != nil {
		return nil, err
	}
	e.record(si, domain.EventExtend, prev, a, &extMs, a.Metadata)
	return si, nil
}

// Stop closes out a timer. Actual and remaining time are fixed at this
// instant; overdue becomes a stored fact only now. A timer that never
// ran (NO_TIMER steps included) may still be stopped: the step closes
// out with no timing figures.
func (e *Engine) Stop(id int64, p StopParams) (*domain.StepInstance, error) {
	si, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if si.TimerStatus != domain.TimerNotStarted && stopped(si) {
		return nil, fmt.Errorf("%w: cannot stop from %s", ErrInvalidTransition, si.TimerStatus)
	}
	end := e.clock.Now()
	if p.CompletedAt != nil {
		end = *p.CompletedAt
	}
	prev := si.TimerStatus
	if prev == domain.TimerPaused && si.PausedAt.Valid {
		d := end.Sub(si.PausedAt.Time)
		if d > 0 {
			si.TotalPausedDurationMs += d.Milliseconds()
		}
		si.PausedAt = sql.NullTime{}
	}
	si.TimerStatus = domain.TimerCompleted
	meta := p.Metadata
	if si.ActualStartAt.Valid {
		actual := end.Sub(si.ActualStartAt.Time).Milliseconds() - si.TotalPausedDurationMs
		if actual < 0 {
			actual = 0
		}
		si.ActualTimeMs = sql.NullInt64{Int64: actual, Valid: true}
		if si.AllocatedTimeMs.Valid {
			remaining := si.AllocatedTimeMs.Int64 - actual
			si.RemainingTimeMs = sql.NullInt64{Int64: remaining, Valid: true}
			if remaining < 0 {
				si.TimerStatus = domain.TimerOverdue
			}
		}
		meta = mergeMeta(p.Metadata, map[string]any{"actualTimeMs": actual})
	}
	si.ActualEndAt = sql.NullTime{Time: end, Valid: true}
	si.Status = p.Status
	if si.Status == "" {
		si.Status = domain.StepCompleted
	}
	if err := e.apply(si, prev); err != nil {
		return nil, err
	}
	e.record(si, domain.EventComplete, prev, p.Action, nil, meta)
	return si, nil
}

// Cancel abandons a timer without recording completion figures beyond
// the time already spent. The step lands in the given status, ON_HOLD by
// default.
func (e *Engine) Cancel(id int64, status domain.StepStatus, a Action) (*domain.StepInstance, error) {
	si, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if stopped(si) {
		return nil, fmt.Errorf("%w: cannot cancel from %s", ErrInvalidTransition, si.TimerStatus)
	}
	now := e.clock.Now()
	prev := si.TimerStatus
	if prev == domain.TimerPaused && si.PausedAt.Valid {
		si.TotalPausedDurationMs += now.Sub(si.PausedAt.Time).Milliseconds()
		si.PausedAt = sql.NullTime{}
	}
	if si.ActualStartAt.Valid {
		actual := now.Sub(si.ActualStartAt.Time).Milliseconds() - si.TotalPausedDurationMs
		if actual < 0 {
			actual = 0
		}
		si.ActualTimeMs = sql.NullInt64{Int64: actual, Valid: true}
	}
	si.TimerStatus = domain.TimerCancelled
	si.ActualEndAt = sql.NullTime{Time: now, Valid: true}
	si.Status = status
	if si.Status == "" {
		si.Status = domain.StepOnHold
	}
	if err := e.apply(si, prev); err != nil {
		return nil, err
	}
	e.record(si, domain.EventCancel, prev, a, nil, a.Metadata)
	return si, nil
}

// Skip marks an optional step as skipped whether or not its timer ever
// ran. Optionality is the caller's check; the engine only refuses
// terminal timers.
func (e *Engine) Skip(id int64, a Action) (*domain.StepInstance, error) {
	si, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if si.TimerStatus.Terminal() {
		return nil, fmt.Errorf("%w: cannot skip from %s", ErrInvalidTransition, si.TimerStatus)
	}
	now := e.clock.Now()
	prev := si.TimerStatus
	si.TimerStatus = domain.TimerSkipped
	si.Status = domain.StepSkipped
	si.PausedAt = sql.NullTime{}
	if si.ActualStartAt.Valid {
		si.ActualEndAt = sql.NullTime{Time: now, Valid: true}
	}
	if err := e.apply(si, prev); err != nil {
		return nil, err
	}
	e.record(si, domain.EventSkip, prev, a, nil, a.Metadata)
	return si, nil
}

// RejectParams controls rejection bookkeeping.
type RejectParams struct {
	Action
	// ResetTimer clears all timing fields so the step can be restarted
	// from scratch after rework.
	ResetTimer bool
}

// Reject records a rejection. With ResetTimer the timer returns to
// NOT_STARTED with clean counters; without it the timing fields keep
// whatever state they had.
func (e *Engine) Reject(id int64, p RejectParams) (*domain.StepInstance, error) {
	si, err := e.load(id)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	prev := si.TimerStatus
	si.Status = domain.StepRejected
	si.RejectionCount++
	si.RejectedAt = sql.NullTime{Time: now, Valid: true}
	if p.Reason != "" {
		si.RejectionReason = sql.NullString{String: p.Reason, Valid: true}
	}
	if p.ResetTimer {
		si.TimerStatus = domain.TimerNotStarted
		si.ActualStartAt = sql.NullTime{}
		si.ActualEndAt = sql.NullTime{}
		si.PausedAt = sql.NullTime{}
		si.AllocatedTimeMs = sql.NullInt64{}
		si.ActualTimeMs = sql.NullInt64{}
		si.RemainingTimeMs = sql.NullInt64{}
		si.TotalPausedDurationMs = 0
		si.ExtensionDurationMs = 0
	}
	if err := e.apply(si, prev); err != nil {
		return nil, err
	}
	e.record(si, domain.EventReject, prev, p.Action, nil, p.Metadata)
	return si, nil
}

// State loads an instance and computes its current derived state.
func (e *Engine) State(id int64, cal BusinessCalendar) (*State, error) {
	si, err := e.load(id)
	if err != nil {
		return nil, err
	}
	return ComputeState(si, e.clock.Now(), cal)
}

func (e *Engine) apply(si *domain.StepInstance, expect domain.TimerStatus) error {
	si.Modified = e.clock.Now()
	ok, err := e.steps.UpdateGuarded(si, []domain.TimerStatus{expect})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: step %d changed concurrently", ErrInvalidTransition, si.ID)
	}
	return nil
}

func (e *Engine) record(si *domain.StepInstance, t domain.EventType, prev domain.TimerStatus, a Action, durChange *int64, meta map[string]any) {
	ev := &domain.TimerEvent{
		StepInstanceID: si.ID,
		EventType:      t,
		PreviousStatus: sql.NullString{String: string(prev), Valid: true},
		NewStatus:      string(si.TimerStatus),
		Metadata:       meta,
		CreatedAt:      e.clock.Now(),
	}
	if a.UserID != nil {
		ev.PerformedByUserID = sql.NullInt64{Int64: *a.UserID, Valid: true}
	}
	if a.Reason != "" {
		ev.Reason = sql.NullString{String: a.Reason, Valid: true}
	}
	if durChange != nil {
		ev.DurationChangeMs = sql.NullInt64{Int64: *durChange, Valid: true}
	}
	if _, err := e.events.Save(ev); err != nil {
		e.log.Error("failed to append timer event",
			"stepInstanceId", si.ID, "eventType", t, "error", err)
	}
}

// stopped reports whether no further stop/extend/cancel is possible. A
// stored OVERDUE without an end timestamp is still live (only older
// migrated rows carry it pre-stop) and may be stopped or extended.
func stopped(si *domain.StepInstance) bool {
	if si.TimerStatus == domain.TimerOverdue {
		return si.ActualEndAt.Valid
	}
	return !si.TimerStatus.Active()
}

func pickDeadline(override *time.Time, stored sql.NullTime) (time.Time, bool) {
	if override != nil {
		return *override, true
	}
	if stored.Valid {
		return stored.Time, true
	}
	return time.Time{}, false
}

func mergeMeta(base, extra map[string]any) map[string]any {
	if base == nil && extra == nil {
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
