package models

import "time"

type StartStepRequest struct {
	UserID           *int64     `json:"userId,omitempty"`
	DurationHours    *float64   `json:"durationHours,omitempty"`
	Deadline         *time.Time `json:"deadline,omitempty"`
	AssignedToUserID *int64     `json:"assignedToUserId,omitempty"`
	Reason           string     `json:"reason,omitempty"`
}

type CompleteStepRequest struct {
	UserID      *int64     `json:"userId,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type PauseStepRequest struct {
	UserID *int64 `json:"userId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type ResumeStepRequest struct {
	UserID *int64 `json:"userId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type ExtendStepRequest struct {
	UserID         *int64  `json:"userId,omitempty"`
	ExtensionHours float64 `json:"extensionHours"`
	Reason         string  `json:"reason,omitempty"`
}

type RejectStepRequest struct {
	UserID     *int64 `json:"userId,omitempty"`
	Reason     string `json:"reason"`
	ResetTimer bool   `json:"resetTimer,omitempty"`
}

type SkipStepRequest struct {
	UserID *int64 `json:"userId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type CancelStepRequest struct {
	UserID *int64 `json:"userId,omitempty"`
	Reason string `json:"reason,omitempty"`
}
