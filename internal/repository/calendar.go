package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stepflow-io/stepflow/internal/calendar"
	"github.com/stepflow-io/stepflow/internal/core"
)

// CalendarRepository backs the business calendar: the working week is a
// JSON document in app_settings, holidays are individual dated rows.
type CalendarRepository struct {
	db    *sql.DB
	clock core.Clock
}

const workingHoursSettingKey = "working_hours"

func NewCalendarRepository(db *sql.DB, clock core.Clock) *CalendarRepository {
	return &CalendarRepository{db: db, clock: clock}
}

var _ calendar.SettingsRepo = (*CalendarRepository)(nil)

// WorkingHours loads the configured week, falling back to the default
// office hours when no setting row exists.
func (r *CalendarRepository) WorkingHours() (*calendar.WeekConfig, error) {
	query := `
		SELECT setting_value FROM app_settings WHERE setting_key = ` + placeholder(1) + `
	`
	var raw string
	err := r.db.QueryRow(query, workingHoursSettingKey).Scan(&raw)
	if err == sql.ErrNoRows {
		week := calendar.DefaultWeek()
		return &week, nil
	}
	if err != nil {
		return nil, err
	}
	var week calendar.WeekConfig
	if err := json.Unmarshal([]byte(raw), &week); err != nil {
		return nil, fmt.Errorf("working hours setting: %w", err)
	}
	return &week, nil
}

// IsHoliday reports whether the given date is a configured holiday.
func (r *CalendarRepository) IsHoliday(date time.Time) (bool, error) {
	query := `
		SELECT COUNT(1) FROM business_calendar
		WHERE calendar_date = ` + placeholder(1) + ` AND is_holiday = ` + placeholder(2) + `
	`
	var count int
	if err := r.db.QueryRow(query, date.Format("2006-01-02"), true).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// SaveHoliday upserts one calendar row; used by admin tooling and tests.
func (r *CalendarRepository) SaveHoliday(date time.Time, name string) error {
	del := `DELETE FROM business_calendar WHERE calendar_date = ` + placeholder(1)
	if _, err := r.db.Exec(del, date.Format("2006-01-02")); err != nil {
		return err
	}
	ins := `
		INSERT INTO business_calendar (calendar_date, name, is_holiday)
		VALUES (` + placeholder(1) + `, ` + placeholder(2) + `, ` + placeholder(3) + `)
	`
	_, err := r.db.Exec(ins, date.Format("2006-01-02"), name, true)
	return err
}
