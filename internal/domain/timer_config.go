package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Timer type discriminators as stored in the timer_config JSON column.
const (
	TimerTypeFixedDuration     = "FIXED_DURATION"
	TimerTypeDeadlineBased     = "DEADLINE_BASED"
	TimerTypeNegativeCountdown = "NEGATIVE_COUNTDOWN"
	TimerTypeDynamic           = "DYNAMIC"
	TimerTypeNoTimer           = "NO_TIMER"
)

// Thresholds holds the progress percentages at which a running timer is
// flagged. Zero values mean "use defaults" (80 warning, 100 critical).
type Thresholds struct {
	WarningThreshold  float64 `json:"warningThreshold,omitempty"`
	CriticalThreshold float64 `json:"criticalThreshold,omitempty"`
}

func (t Thresholds) WarningOrDefault() float64 {
	if t.WarningThreshold > 0 {
		return t.WarningThreshold
	}
	return 80
}

func (t Thresholds) CriticalOrDefault() float64 {
	if t.CriticalThreshold > 0 {
		return t.CriticalThreshold
	}
	return 100
}

// TimerConfig is a closed variant describing how a step's allowed time is
// computed. The only implementations are FixedDuration, DeadlineBased,
// NegativeCountdown, Dynamic and NoTimer; code switching on the concrete
// type can therefore be exhaustive.
type TimerConfig interface {
	TimerType() string
	sealed()
}

// FixedDuration allocates durationHours of work from the moment the timer
// starts. With BusinessDaysOnly the scheduled end and elapsed time are
// measured via the business calendar instead of wall clock.
type FixedDuration struct {
	DurationHours    float64 `json:"durationHours"`
	BusinessDaysOnly bool    `json:"businessDaysOnly,omitempty"`
	Thresholds
}

// DeadlineBased counts down to an absolute deadline supplied when the step
// is started; the allocation is deadline minus start, computed once.
type DeadlineBased struct {
	Thresholds
}

// NegativeCountdown tracks a window before an entity deadline.
// HoursBeforeDeadline is negative (e.g. -72): the trigger point is
// deadline + HoursBeforeDeadline hours, and between trigger and deadline
// the step is in its critical zone.
type NegativeCountdown struct {
	HoursBeforeDeadline float64 `json:"hoursBeforeDeadline"`
	Thresholds
}

// Dynamic behaves like FixedDuration but the duration must be supplied at
// start time; there is no default.
type Dynamic struct {
	BusinessDaysOnly bool `json:"businessDaysOnly,omitempty"`
	Thresholds
}

// NoTimer marks a step that is tracked without any countdown.
type NoTimer struct{}

func (FixedDuration) TimerType() string     { return TimerTypeFixedDuration }
func (DeadlineBased) TimerType() string     { return TimerTypeDeadlineBased }
func (NegativeCountdown) TimerType() string { return TimerTypeNegativeCountdown }
func (Dynamic) TimerType() string           { return TimerTypeDynamic }
func (NoTimer) TimerType() string           { return TimerTypeNoTimer }

func (FixedDuration) sealed()     {}
func (DeadlineBased) sealed()     {}
func (NegativeCountdown) sealed() {}
func (Dynamic) sealed()           {}
func (NoTimer) sealed()           {}

// timerConfigJSON is the union row shape used for the persisted JSON column.
type timerConfigJSON struct {
	Type                string  `json:"type"`
	DurationHours       float64 `json:"durationHours,omitempty"`
	HoursBeforeDeadline float64 `json:"hoursBeforeDeadline,omitempty"`
	BusinessDaysOnly    bool    `json:"businessDaysOnly,omitempty"`
	WarningThreshold    float64 `json:"warningThreshold,omitempty"`
	CriticalThreshold   float64 `json:"criticalThreshold,omitempty"`
}

// MarshalTimerConfig encodes a TimerConfig with its type discriminator.
func MarshalTimerConfig(c TimerConfig) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("timer config is nil")
	}
	row := timerConfigJSON{Type: c.TimerType()}
	switch v := c.(type) {
	case FixedDuration:
		row.DurationHours = v.DurationHours
		row.BusinessDaysOnly = v.BusinessDaysOnly
		row.WarningThreshold = v.WarningThreshold
		row.CriticalThreshold = v.CriticalThreshold
	case DeadlineBased:
		row.WarningThreshold = v.WarningThreshold
		row.CriticalThreshold = v.CriticalThreshold
	case NegativeCountdown:
		row.HoursBeforeDeadline = v.HoursBeforeDeadline
		row.WarningThreshold = v.WarningThreshold
		row.CriticalThreshold = v.CriticalThreshold
	case Dynamic:
		row.BusinessDaysOnly = v.BusinessDaysOnly
		row.WarningThreshold = v.WarningThreshold
		row.CriticalThreshold = v.CriticalThreshold
	case NoTimer:
	default:
		return nil, fmt.Errorf("unknown timer config type %T", c)
	}
	return json.Marshal(row)
}

// UnmarshalTimerConfig decodes the persisted JSON column back into the
// concrete variant. Unknown discriminators are an error, not a fallthrough.
func UnmarshalTimerConfig(data []byte) (TimerConfig, error) {
	var row timerConfigJSON
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("timer config unmarshal: %w", err)
	}
	th := Thresholds{WarningThreshold: row.WarningThreshold, CriticalThreshold: row.CriticalThreshold}
	switch row.Type {
	case TimerTypeFixedDuration:
		return FixedDuration{DurationHours: row.DurationHours, BusinessDaysOnly: row.BusinessDaysOnly, Thresholds: th}, nil
	case TimerTypeDeadlineBased:
		return DeadlineBased{Thresholds: th}, nil
	case TimerTypeNegativeCountdown:
		return NegativeCountdown{HoursBeforeDeadline: row.HoursBeforeDeadline, Thresholds: th}, nil
	case TimerTypeDynamic:
		return Dynamic{BusinessDaysOnly: row.BusinessDaysOnly, Thresholds: th}, nil
	case TimerTypeNoTimer:
		return NoTimer{}, nil
	default:
		return nil, fmt.Errorf("unknown timer config type %q", row.Type)
	}
}

// HoursToMs converts fractional hours to milliseconds, the unit every
// persisted duration uses.
func HoursToMs(hours float64) int64 {
	return int64(hours * float64(time.Hour/time.Millisecond))
}
