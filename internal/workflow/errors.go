package workflow

import "errors"

var (
	// ErrWorkflowNotFound is returned when the registry has no definition
	// for the requested code.
	ErrWorkflowNotFound = errors.New("workflow definition not found")

	// ErrWorkflowAlreadyStarted is returned when step instances already
	// exist for the (workflow, entity) pair; workflows are started once.
	ErrWorkflowAlreadyStarted = errors.New("workflow already started for entity")

	// ErrEntityTypeMismatch is returned when the entity type does not
	// match the workflow definition's entity type.
	ErrEntityTypeMismatch = errors.New("entity type does not match workflow")

	// ErrDependencyNotMet is returned when a step is started before every
	// dependency has reached COMPLETED or SKIPPED.
	ErrDependencyNotMet = errors.New("step dependencies not met")

	// ErrStepNotOptional is returned when skip targets a step whose
	// definition is not optional.
	ErrStepNotOptional = errors.New("step is not optional")

	// ErrAlreadyCompleted is returned when complete targets a step that
	// already finished.
	ErrAlreadyCompleted = errors.New("step already completed")
)
