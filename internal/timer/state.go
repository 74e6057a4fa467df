package timer

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/stepflow-io/stepflow/internal/calendar"
	"github.com/stepflow-io/stepflow/internal/domain"
)

// Color is the traffic-light indicator derived from timer progress.
type Color string

const (
	ColorGreen  Color = "GREEN"
	ColorYellow Color = "YELLOW"
	ColorRed    Color = "RED"
	ColorGrey   Color = "GREY"
)

// State is a point-in-time view of a step timer. It is derived, never
// stored: the same instance row yields different states as the clock
// advances.
type State struct {
	StepInstanceID      int64      `json:"stepInstanceId"`
	StepKey             string     `json:"stepKey"`
	StepName            string     `json:"stepName"`
	StepOrder           int        `json:"stepOrder"`
	Status              string     `json:"status"`
	TimerStatus         string     `json:"timerStatus"`
	ColorIndicator      Color      `json:"colorIndicator"`
	TotalAllocatedMs    *int64     `json:"totalAllocatedMs"`
	ElapsedMs           *int64     `json:"elapsedMs"`
	RemainingMs         *int64     `json:"remainingMs"`
	PausedDurationMs    int64      `json:"pausedDurationMs"`
	ExtensionDurationMs int64      `json:"extensionDurationMs"`
	StartedAt           *time.Time `json:"startedAt"`
	ScheduledEndAt      *time.Time `json:"scheduledEndAt"`
	ActualEndAt         *time.Time `json:"actualEndAt"`
	PercentageComplete  float64    `json:"percentageComplete"`
	PercentageOverdue   float64    `json:"percentageOverdue"`
	DisplayText         string     `json:"displayText"`
	IsOverdue           bool       `json:"isOverdue"`
	IsNegativeCountdown bool       `json:"isNegativeCountdown"`
}

// BusinessCalendar is the business-hour arithmetic ComputeState needs.
// *calendar.Calendar satisfies it.
type BusinessCalendar interface {
	BusinessHoursBetween(start, end time.Time) (time.Duration, error)
	AddBusinessHours(start time.Time, d time.Duration) (time.Time, error)
}

var _ BusinessCalendar = (*calendar.Calendar)(nil)

// ComputeState derives the current timer state for a step instance at
// the given instant. It performs no writes; overdue is a property of the
// returned state, the stored timer status is left untouched until the
// timer is stopped.
func ComputeState(si *domain.StepInstance, now time.Time, cal BusinessCalendar) (*State, error) {
	st := &State{
		StepInstanceID:      si.ID,
		StepKey:             si.StepKey,
		StepName:            si.StepName,
		StepOrder:           si.StepOrder,
		Status:              string(si.Status),
		TimerStatus:         string(si.TimerStatus),
		ColorIndicator:      ColorGrey,
		PausedDurationMs:    si.TotalPausedDurationMs,
		ExtensionDurationMs: si.ExtensionDurationMs,
		StartedAt:           nullTimePtr(si.ActualStartAt),
		ActualEndAt:         nullTimePtr(si.ActualEndAt),
		DisplayText:         "Not started",
	}

	switch cfg := si.Timer.(type) {
	case nil, domain.NoTimer:
		st.DisplayText = "N/A"
		return st, nil
	case domain.Dynamic:
		if si.TimerStatus == domain.TimerNotStarted {
			if !si.AllocatedTimeMs.Valid {
				st.DisplayText = "Waiting for duration input"
			}
			return st, nil
		}
		return computeElapsedBased(st, si, now, cal, cfg.BusinessDaysOnly, cfg.Thresholds)
	case domain.FixedDuration:
		if si.TimerStatus == domain.TimerNotStarted {
			return st, nil
		}
		return computeElapsedBased(st, si, now, cal, cfg.BusinessDaysOnly, cfg.Thresholds)
	case domain.DeadlineBased:
		if si.TimerStatus == domain.TimerNotStarted {
			return st, nil
		}
		return computeDeadlineBased(st, si, now, cfg.Thresholds)
	case domain.NegativeCountdown:
		st.IsNegativeCountdown = true
		if si.TimerStatus == domain.TimerNotStarted {
			return st, nil
		}
		return computeNegativeCountdown(st, si, now, cfg)
	default:
		return nil, fmt.Errorf("unsupported timer type %q", si.Timer.TimerType())
	}
}

// terminalState freezes the numbers recorded at stop time. The only
// recomputation is the deadline sanity check: rows migrated from older
// schemas can carry a deadline equal to the stop timestamp, in which
// case the remaining time is rebuilt from the allocation instead.
func terminalState(st *State, si *domain.StepInstance) *State {
	st.PercentageComplete = 100
	if si.AllocatedTimeMs.Valid {
		v := si.AllocatedTimeMs.Int64
		st.TotalAllocatedMs = &v
	}
	if si.ActualTimeMs.Valid {
		v := si.ActualTimeMs.Int64
		st.ElapsedMs = &v
	}

	var remaining *int64
	if si.CustomDeadline.Valid && si.ActualEndAt.Valid {
		diff := si.CustomDeadline.Time.Sub(si.ActualEndAt.Time).Milliseconds()
		if diff > -1000 && diff < 1000 && si.AllocatedTimeMs.Valid && si.ActualStartAt.Valid {
			end := si.ActualStartAt.Time.
				Add(time.Duration(si.AllocatedTimeMs.Int64) * time.Millisecond).
				Add(time.Duration(si.TotalPausedDurationMs) * time.Millisecond)
			diff = end.Sub(si.ActualEndAt.Time).Milliseconds()
		}
		remaining = &diff
		end := si.ActualEndAt.Time.Add(time.Duration(diff) * time.Millisecond)
		st.ScheduledEndAt = &end
	} else if si.RemainingTimeMs.Valid {
		v := si.RemainingTimeMs.Int64
		remaining = &v
	}
	st.RemainingMs = remaining

	if remaining != nil && *remaining < 0 {
		st.IsOverdue = true
		if si.AllocatedTimeMs.Valid && si.AllocatedTimeMs.Int64 > 0 {
			st.PercentageOverdue = float64(-*remaining) / float64(si.AllocatedTimeMs.Int64) * 100
		}
		st.DisplayText = fmt.Sprintf("Completed %s late", FormatDuration(-*remaining))
		if si.TimerStatus == domain.TimerOverdue {
			st.ColorIndicator = ColorRed
		}
	} else {
		st.DisplayText = "Completed on time"
		if si.TimerStatus == domain.TimerSkipped {
			st.DisplayText = "Skipped"
		}
		if si.TimerStatus == domain.TimerCancelled {
			st.DisplayText = "Cancelled"
		}
	}
	return st
}

func computeElapsedBased(st *State, si *domain.StepInstance, now time.Time, cal BusinessCalendar, businessDays bool, th domain.Thresholds) (*State, error) {
	if frozen(si) {
		return terminalState(st, si), nil
	}
	if !si.ActualStartAt.Valid {
		return st, nil
	}
	if !si.AllocatedTimeMs.Valid {
		st.DisplayText = "Waiting for duration input"
		return st, nil
	}
	start := si.ActualStartAt.Time
	total := si.AllocatedTimeMs.Int64
	st.TotalAllocatedMs = &total

	var elapsed int64
	if businessDays {
		d, err := cal.BusinessHoursBetween(start, now)
		if err != nil {
			return nil, err
		}
		elapsed = d.Milliseconds()
		end, err := cal.AddBusinessHours(start, time.Duration(total)*time.Millisecond)
		if err != nil {
			return nil, err
		}
		st.ScheduledEndAt = &end
	} else {
		paused := si.TotalPausedDurationMs
		if si.TimerStatus == domain.TimerPaused && si.PausedAt.Valid {
			paused += now.Sub(si.PausedAt.Time).Milliseconds()
		}
		elapsed = now.Sub(start).Milliseconds() - paused
		end := start.Add(time.Duration(total+paused) * time.Millisecond)
		st.ScheduledEndAt = &end
	}
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := total - elapsed
	st.ElapsedMs = &elapsed
	st.RemainingMs = &remaining
	fillProgress(st, si, elapsed, remaining, total, th)
	return st, nil
}

func computeDeadlineBased(st *State, si *domain.StepInstance, now time.Time, th domain.Thresholds) (*State, error) {
	if frozen(si) {
		return terminalState(st, si), nil
	}
	if !si.CustomDeadline.Valid || !si.ActualStartAt.Valid {
		return st, nil
	}
	deadline := si.CustomDeadline.Time
	if si.TimerStatus == domain.TimerPaused && si.PausedAt.Valid {
		// Deadline is pushed out on resume; while paused, project the
		// push so the countdown holds still.
		deadline = deadline.Add(now.Sub(si.PausedAt.Time))
	}
	start := si.ActualStartAt.Time
	total := deadline.Sub(start).Milliseconds()
	elapsed := now.Sub(start).Milliseconds()
	remaining := deadline.Sub(now).Milliseconds()
	st.TotalAllocatedMs = &total
	st.ElapsedMs = &elapsed
	st.RemainingMs = &remaining
	st.ScheduledEndAt = &deadline
	fillProgress(st, si, elapsed, remaining, total, th)
	return st, nil
}

func computeNegativeCountdown(st *State, si *domain.StepInstance, now time.Time, cfg domain.NegativeCountdown) (*State, error) {
	th := cfg.Thresholds
	if frozen(si) {
		return terminalState(st, si), nil
	}
	if !si.CustomDeadline.Valid {
		return st, nil
	}
	deadline := si.CustomDeadline.Time
	if si.TimerStatus == domain.TimerPaused && si.PausedAt.Valid {
		deadline = deadline.Add(now.Sub(si.PausedAt.Time))
	}
	window := time.Duration(math.Abs(cfg.HoursBeforeDeadline) * float64(time.Hour))
	trigger := deadline.Add(-window)
	total := window.Milliseconds()
	remaining := deadline.Sub(now).Milliseconds()
	st.TotalAllocatedMs = &total
	st.RemainingMs = &remaining
	st.ScheduledEndAt = &deadline

	switch {
	case now.Before(trigger):
		until := trigger.Sub(now).Milliseconds()
		st.PercentageComplete = 0
		st.ColorIndicator = ColorGreen
		st.DisplayText = fmt.Sprintf("%s until critical zone", FormatDuration(until))
	case remaining >= 0:
		sinceTrigger := now.Sub(trigger).Milliseconds()
		st.ElapsedMs = &sinceTrigger
		if total > 0 {
			st.PercentageComplete = math.Min(float64(sinceTrigger)/float64(total)*100, 100)
		}
		st.ColorIndicator = colorFor(st.PercentageComplete, th)
		st.DisplayText = fmt.Sprintf("%s until deadline (CRITICAL)", FormatDuration(remaining))
	default:
		overdueBy := -remaining
		st.ElapsedMs = &total
		st.PercentageComplete = 100
		if total > 0 {
			st.PercentageOverdue = float64(overdueBy) / float64(total) * 100
		}
		st.IsOverdue = true
		st.TimerStatus = string(domain.TimerOverdue)
		st.ColorIndicator = ColorRed
		st.DisplayText = fmt.Sprintf("Overdue by %s", FormatDuration(overdueBy))
	}
	return st, nil
}

// frozen reports whether the state is fixed at its stop-time values. A
// stored OVERDUE counts only once an end timestamp exists; without one
// the row predates the read-time overdue derivation and is still live.
func frozen(si *domain.StepInstance) bool {
	if si.TimerStatus == domain.TimerOverdue {
		return si.ActualEndAt.Valid
	}
	return si.TimerStatus.Terminal()
}

func fillProgress(st *State, si *domain.StepInstance, elapsed, remaining, total int64, th domain.Thresholds) {
	if total > 0 {
		st.PercentageComplete = math.Min(float64(elapsed)/float64(total)*100, 100)
	}
	if remaining < 0 {
		st.IsOverdue = true
		st.TimerStatus = string(domain.TimerOverdue)
		if total > 0 {
			st.PercentageOverdue = float64(-remaining) / float64(total) * 100
		}
		st.ColorIndicator = ColorRed
		st.DisplayText = fmt.Sprintf("%s overdue", FormatDuration(-remaining))
		return
	}
	st.ColorIndicator = colorFor(st.PercentageComplete, th)
	st.DisplayText = fmt.Sprintf("%s remaining", FormatDuration(remaining))
	if si.TimerStatus == domain.TimerPaused {
		st.DisplayText = fmt.Sprintf("%s remaining (paused)", FormatDuration(remaining))
	}
}

func colorFor(pct float64, th domain.Thresholds) Color {
	switch {
	case pct >= th.CriticalOrDefault():
		return ColorRed
	case pct >= th.WarningOrDefault():
		return ColorYellow
	default:
		return ColorGreen
	}
}

// FormatDuration renders a millisecond count as a compact day/hour/minute
// string, e.g. "2d 3h 5m". Sub-minute values render as "0m".
func FormatDuration(ms int64) string {
	if ms < 0 {
		ms = -ms
	}
	minutes := ms / int64(time.Minute/time.Millisecond)
	days := minutes / (24 * 60)
	hours := (minutes % (24 * 60)) / 60
	mins := minutes % 60

	out := ""
	if days > 0 {
		out += fmt.Sprintf("%dd ", days)
	}
	if hours > 0 || days > 0 {
		out += fmt.Sprintf("%dh ", hours)
	}
	out += fmt.Sprintf("%dm", mins)
	return out
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
