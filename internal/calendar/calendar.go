package calendar

import (
	"fmt"
	"sync"
	"time"

	"github.com/stepflow-io/stepflow/internal/core"
)

// DayHours is the working window for one weekday, e.g. 10:00-18:30.
type DayHours struct {
	Start     string `json:"start"`
	End       string `json:"end"`
	IsWorking bool   `json:"isWorking"`
}

// WeekConfig maps each weekday to its working window.
type WeekConfig struct {
	Monday    DayHours `json:"monday"`
	Tuesday   DayHours `json:"tuesday"`
	Wednesday DayHours `json:"wednesday"`
	Thursday  DayHours `json:"thursday"`
	Friday    DayHours `json:"friday"`
	Saturday  DayHours `json:"saturday"`
	Sunday    DayHours `json:"sunday"`
}

func (w WeekConfig) forWeekday(d time.Weekday) DayHours {
	switch d {
	case time.Monday:
		return w.Monday
	case time.Tuesday:
		return w.Tuesday
	case time.Wednesday:
		return w.Wednesday
	case time.Thursday:
		return w.Thursday
	case time.Friday:
		return w.Friday
	case time.Saturday:
		return w.Saturday
	default:
		return w.Sunday
	}
}

// DefaultWeek mirrors the office hours used when no override is configured:
// Mon-Fri 10:00-18:30, Saturday a half day, Sunday off.
func DefaultWeek() WeekConfig {
	return WeekConfig{
		Monday:    DayHours{Start: "10:00", End: "18:30", IsWorking: true},
		Tuesday:   DayHours{Start: "10:00", End: "18:30", IsWorking: true},
		Wednesday: DayHours{Start: "10:00", End: "18:30", IsWorking: true},
		Thursday:  DayHours{Start: "10:00", End: "18:30", IsWorking: true},
		Friday:    DayHours{Start: "10:00", End: "18:30", IsWorking: true},
		Saturday:  DayHours{Start: "10:00", End: "17:30", IsWorking: true},
		Sunday:    DayHours{Start: "00:00", End: "00:00", IsWorking: false},
	}
}

// SettingsRepo loads the configured week and holiday dates.
type SettingsRepo interface {
	WorkingHours() (*WeekConfig, error)
	IsHoliday(date time.Time) (bool, error)
}

// Calendar answers business-hour arithmetic against the configured working
// week and holiday table. Results are derived from absolute timestamps so
// the calendar is safe to share between goroutines.
type Calendar struct {
	repo     SettingsRepo
	clock    core.Clock
	cacheTTL time.Duration

	mu           sync.Mutex
	week         *WeekConfig
	weekExpiry   time.Time
	holidayByDay map[string]bool
}

func New(repo SettingsRepo, clock core.Clock, cacheTTL time.Duration) *Calendar {
	return &Calendar{
		repo:         repo,
		clock:        clock,
		cacheTTL:     cacheTTL,
		holidayByDay: make(map[string]bool),
	}
}

func (c *Calendar) workingWeek() (WeekConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.week != nil && c.clock.Now().Before(c.weekExpiry) {
		return *c.week, nil
	}
	week, err := c.repo.WorkingHours()
	if err != nil {
		return WeekConfig{}, fmt.Errorf("load working hours: %w", err)
	}
	if week == nil {
		def := DefaultWeek()
		week = &def
	}
	c.week = week
	c.weekExpiry = c.clock.Now().Add(c.cacheTTL)
	return *week, nil
}

func (c *Calendar) isHoliday(date time.Time) (bool, error) {
	key := date.Format("2006-01-02")
	c.mu.Lock()
	if hit, ok := c.holidayByDay[key]; ok {
		c.mu.Unlock()
		return hit, nil
	}
	c.mu.Unlock()

	holiday, err := c.repo.IsHoliday(date)
	if err != nil {
		return false, fmt.Errorf("holiday lookup %s: %w", key, err)
	}
	c.mu.Lock()
	c.holidayByDay[key] = holiday
	c.mu.Unlock()
	return holiday, nil
}

// isWorkingDay excludes Sundays (Saturday is a half day) and holidays.
func (c *Calendar) isWorkingDay(date time.Time) (bool, error) {
	if date.Weekday() == time.Sunday {
		return false, nil
	}
	holiday, err := c.isHoliday(date)
	if err != nil {
		return false, err
	}
	return !holiday, nil
}

func dayWindow(date time.Time, hours DayHours) (time.Time, time.Time, error) {
	var sh, sm, eh, em int
	if _, err := fmt.Sscanf(hours.Start, "%d:%d", &sh, &sm); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("bad working hours start %q: %w", hours.Start, err)
	}
	if _, err := fmt.Sscanf(hours.End, "%d:%d", &eh, &em); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("bad working hours end %q: %w", hours.End, err)
	}
	start := time.Date(date.Year(), date.Month(), date.Day(), sh, sm, 0, 0, date.Location())
	end := time.Date(date.Year(), date.Month(), date.Day(), eh, em, 0, 0, date.Location())
	return start, end, nil
}

func startOfNextDay(t time.Time) time.Time {
	next := t.AddDate(0, 0, 1)
	return time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, t.Location())
}

// BusinessHoursBetween measures working time elapsed between start and end
// by summing each day's overlap with its working window.
func (c *Calendar) BusinessHoursBetween(start, end time.Time) (time.Duration, error) {
	if !end.After(start) {
		return 0, nil
	}
	week, err := c.workingWeek()
	if err != nil {
		return 0, err
	}

	var total time.Duration
	cursor := start
	for cursor.Before(end) {
		working, err := c.isWorkingDay(cursor)
		if err != nil {
			return 0, err
		}
		hours := week.forWeekday(cursor.Weekday())
		if working && hours.IsWorking {
			windowStart, windowEnd, err := dayWindow(cursor, hours)
			if err != nil {
				return 0, err
			}
			effectiveStart := cursor
			if windowStart.After(effectiveStart) {
				effectiveStart = windowStart
			}
			effectiveEnd := end
			if windowEnd.Before(effectiveEnd) {
				effectiveEnd = windowEnd
			}
			if effectiveStart.Before(effectiveEnd) {
				total += effectiveEnd.Sub(effectiveStart)
			}
		}
		cursor = startOfNextDay(cursor)
	}
	return total, nil
}

// AddBusinessHours walks forward from start until the given working
// duration has been consumed, skipping non-working days and the hours
// outside each day's window.
func (c *Calendar) AddBusinessHours(start time.Time, duration time.Duration) (time.Time, error) {
	week, err := c.workingWeek()
	if err != nil {
		return time.Time{}, err
	}

	remaining := duration
	cursor := start
	for remaining > 0 {
		working, err := c.isWorkingDay(cursor)
		if err != nil {
			return time.Time{}, err
		}
		hours := week.forWeekday(cursor.Weekday())
		if !working || !hours.IsWorking {
			cursor = startOfNextDay(cursor)
			continue
		}
		windowStart, windowEnd, err := dayWindow(cursor, hours)
		if err != nil {
			return time.Time{}, err
		}
		if cursor.Before(windowStart) {
			cursor = windowStart
		}
		available := windowEnd.Sub(cursor)
		if available <= 0 {
			cursor = startOfNextDay(cursor)
			continue
		}
		if remaining <= available {
			cursor = cursor.Add(remaining)
			remaining = 0
		} else {
			remaining -= available
			cursor = startOfNextDay(cursor)
		}
	}
	return cursor, nil
}
