package workflow

import "time"

// EntityProvider supplies the entity snapshot consumed by conditional
// gating, deadline derivation and assignee derivation. The snapshot is
// opaque to the orchestrator except for a few well-known keys.
type EntityProvider interface {
	EntityData(entityType string, entityID int64) (map[string]any, error)
}

// Well-known entity snapshot keys.
const (
	FieldSubmissionDeadline = "submissionDeadline"
	FieldDueDate            = "dueDate"
	FieldTenderExecutiveID  = "tenderExecutiveId"
	FieldTeamLeaderID       = "teamLeaderId"
)

// entityDeadline extracts the due date used to pre-compute countdown
// deadlines. Both time.Time values and RFC 3339 strings are accepted.
func entityDeadline(entity map[string]any) (time.Time, bool) {
	for _, key := range []string{FieldSubmissionDeadline, FieldDueDate} {
		switch v := entity[key].(type) {
		case time.Time:
			return v, true
		case string:
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// assigneeForRole maps a step's assigned role onto the entity's staff
// fields. Unknown roles get no assignee.
func assigneeForRole(role string, entity map[string]any) (int64, bool) {
	var key string
	switch role {
	case "TE":
		key = FieldTenderExecutiveID
	case "TL":
		key = FieldTeamLeaderID
	default:
		return 0, false
	}
	switch v := entity[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}
