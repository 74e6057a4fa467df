package domain

import "time"

// Holiday is one business-calendar row; Date carries no time-of-day.
type Holiday struct {
	ID        int64     `json:"id"`
	Date      time.Time `json:"date"`
	Name      string    `json:"name"`
	IsHoliday bool      `json:"isHoliday"`
}
