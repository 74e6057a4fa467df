package models

type StartWorkflowRequest struct {
	WorkflowCode string         `json:"workflowCode"`
	EntityType   string         `json:"entityType"`
	EntityID     int64          `json:"entityId"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}
