package workflow

import "errors"

var (
	// ErrNotFound covers unknown definitions, instances and steps.
	ErrNotFound = errors.New("workflow: not found")
	// ErrInvalidInput covers malformed parameters and definitions.
	ErrInvalidInput = errors.New("workflow: invalid input")
	// ErrForbidden means the actor lacks the capability tied to the current
	// step. It is a business outcome, never escalated past the caller, and
	// deliberately does not say which permission was missing.
	ErrForbidden = errors.New("workflow: forbidden")
	// ErrInvalidTransition means the instance is terminal or the targeted
	// step is no longer PENDING. Callers treat it as "already handled".
	ErrInvalidTransition = errors.New("workflow: invalid transition")
	// ErrDuplicateActiveInstance means the owner already has an instance in
	// progress. Callers must inspect the existing instance before retrying.
	ErrDuplicateActiveInstance = errors.New("workflow: duplicate active instance")
)
