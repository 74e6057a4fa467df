package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stepflow-io/stepflow/internal/core"
	"github.com/stepflow-io/stepflow/internal/domain"
	"github.com/stepflow-io/stepflow/internal/timer"
	"github.com/stepflow-io/stepflow/internal/workflow"
)

// TimerEventRepository is the append-only audit log. Rows are inserted
// and read back in creation order; there is deliberately no update or
// delete.
type TimerEventRepository struct {
	db    *sql.DB
	clock core.Clock
}

const EVENT_COLUMNS = ` id, step_instance_id, event_type, previous_status, new_status,
		performed_by_user_id, reason, duration_change_ms, metadata, created_at `

func NewTimerEventRepository(db *sql.DB, clock core.Clock) *TimerEventRepository {
	return &TimerEventRepository{db: db, clock: clock}
}

var (
	_ timer.EventRepo    = (*TimerEventRepository)(nil)
	_ workflow.EventRepo = (*TimerEventRepository)(nil)
)

func (r *TimerEventRepository) Save(e *domain.TimerEvent) (int64, error) {
	var metadata any
	if e.Metadata != nil {
		m, err := json.Marshal(e.Metadata)
		if err != nil {
			return 0, err
		}
		metadata = string(m)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.clock.Now()
	}
	vals := []interface{}{
		e.StepInstanceID, e.EventType, e.PreviousStatus, e.NewStatus,
		e.PerformedByUserID, e.Reason, e.DurationChangeMs, metadata,
		formatDateInDatabase(e.CreatedAt),
	}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	base := `INSERT INTO timer_events (
		step_instance_id, event_type, previous_status, new_status,
		performed_by_user_id, reason, duration_change_ms, metadata, created_at
	) VALUES (` + strings.Join(pps, ", ") + `)`

	var err error
	if supportsReturning() {
		err = r.db.QueryRow(base+" RETURNING id", vals...).Scan(&e.ID)
	} else {
		res, e2 := r.db.Exec(base, vals...)
		if e2 != nil {
			err = e2
		} else {
			e.ID, err = res.LastInsertId()
		}
	}
	return e.ID, err
}

func (r *TimerEventRepository) FindByStepInstance(stepInstanceID int64) ([]domain.TimerEvent, error) {
	query := `
		SELECT ` + EVENT_COLUMNS + `
		FROM timer_events
		WHERE step_instance_id = ` + placeholder(1) + `
		ORDER BY created_at, id
	`
	rows, err := r.db.Query(query, stepInstanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TimerEvent
	for rows.Next() {
		var e domain.TimerEvent
		var metadata sql.NullString
		err := rows.Scan(
			&e.ID,
			&e.StepInstanceID,
			&e.EventType,
			&e.PreviousStatus,
			&e.NewStatus,
			&e.PerformedByUserID,
			&e.Reason,
			&e.DurationChangeMs,
			&metadata,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("event %d metadata: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
