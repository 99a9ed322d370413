package rbac

import "errors"

var (
	ErrNotFound     = errors.New("rbac: not found")
	ErrInvalidInput = errors.New("rbac: invalid input")
	ErrForbidden    = errors.New("rbac: forbidden")
)
