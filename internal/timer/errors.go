package timer

import "errors"

var (
	// ErrStepNotFound is returned when no step instance exists for an id.
	ErrStepNotFound = errors.New("step instance not found")

	// ErrNoTimer is returned when a lifecycle operation targets a step
	// whose definition carries no timer.
	ErrNoTimer = errors.New("step has no timer")

	// ErrInvalidTransition is returned when the stored timer status does
	// not allow the requested transition, including the case where a
	// concurrent writer changed the row between read and write.
	ErrInvalidTransition = errors.New("invalid timer transition")

	// ErrMissingDuration is returned when a FixedDuration or Dynamic timer
	// is started without a usable duration.
	ErrMissingDuration = errors.New("timer duration required")

	// ErrMissingDeadline is returned when a DeadlineBased or
	// NegativeCountdown timer is started without a deadline.
	ErrMissingDeadline = errors.New("timer deadline required")

	// ErrNonPositiveExtension is returned for extend calls with a zero or
	// negative duration.
	ErrNonPositiveExtension = errors.New("extension must be greater than zero")
)
