package repository

import (
	"database/sql"
	"fmt"

	"github.com/stepflow-io/stepflow/internal/core"
	"github.com/stepflow-io/stepflow/internal/registry"
	"github.com/stepflow-io/stepflow/internal/workflow"
)

// EntityRepository resolves entity snapshots for conditional gating,
// deadline derivation and assignee derivation. Only the tender table
// lives in this schema; other entity types return an empty snapshot and
// their conditionals fall back to the permissive default.
type EntityRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewEntityRepository(db *sql.DB, clock core.Clock) *EntityRepository {
	return &EntityRepository{db: db, clock: clock}
}

var _ workflow.EntityProvider = (*EntityRepository)(nil)

func (r *EntityRepository) EntityData(entityType string, entityID int64) (map[string]any, error) {
	switch entityType {
	case registry.EntityTender:
		return r.tenderData(entityID)
	default:
		return map[string]any{}, nil
	}
}

func (r *EntityRepository) tenderData(id int64) (map[string]any, error) {
	query := `
		SELECT submission_deadline, emd_required, emd_type,
		       tender_executive_id, team_leader_id
		FROM tender_infos WHERE id = ` + placeholder(1) + `
	`
	var (
		deadline    sql.NullTime
		emdRequired bool
		emdType     sql.NullString
		execID      sql.NullInt64
		leadID      sql.NullInt64
	)
	err := r.db.QueryRow(query, id).Scan(&deadline, &emdRequired, &emdType, &execID, &leadID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("tender %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	data := map[string]any{
		"emdRequired": emdRequired,
	}
	if deadline.Valid {
		data[workflow.FieldSubmissionDeadline] = deadline.Time
	}
	if emdType.Valid {
		data["emdType"] = emdType.String
	}
	if execID.Valid {
		data[workflow.FieldTenderExecutiveID] = execID.Int64
	}
	if leadID.Valid {
		data[workflow.FieldTeamLeaderID] = leadID.Int64
	}
	return data, nil
}
