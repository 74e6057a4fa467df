package domain

import (
	"database/sql"
	"time"
)

// EventType enumerates the transitions recorded in the audit log.
type EventType string

const (
	EventStart    EventType = "START"
	EventPause    EventType = "PAUSE"
	EventResume   EventType = "RESUME"
	EventExtend   EventType = "EXTEND"
	EventComplete EventType = "COMPLETE"
	EventCancel   EventType = "CANCEL"
	EventSkip     EventType = "SKIP"
	EventReject   EventType = "REJECT"
)

// TimerEvent is one append-only audit record for a step instance timer
// transition. Rows are never updated or deleted; analytics replays them
// ordered by CreatedAt.
type TimerEvent struct {
	ID                int64          `json:"id"`
	StepInstanceID    int64          `json:"stepInstanceId"`
	EventType         EventType      `json:"eventType"`
	PreviousStatus    sql.NullString `json:"previousStatus"`
	NewStatus         string         `json:"newStatus"`
	PerformedByUserID sql.NullInt64  `json:"performedByUserId"`
	Reason            sql.NullString `json:"reason"`
	DurationChangeMs  sql.NullInt64  `json:"durationChangeMs"`
	Metadata          map[string]any `json:"metadata"`
	CreatedAt         time.Time      `json:"createdAt"`
}
