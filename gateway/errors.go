package gateway

import "github.com/teranos/quill/errors"

var (
	// ErrNoEnabledBackends is returned when every ranked backend belongs to a disabled provider family
	ErrNoEnabledBackends = errors.New("no enabled backends")

	// ErrAllBackendsExhausted is returned when every candidate backend failed
	ErrAllBackendsExhausted = errors.New("all backends exhausted")

	// ErrBackendFailure marks transport or provider errors from a single backend
	ErrBackendFailure = errors.New("backend failure")

	// ErrValidationFailure marks output that parsed but broke the stage contract
	ErrValidationFailure = errors.New("validation failure")

	// ErrRepairFailed marks a repair attempt whose output was still unusable
	ErrRepairFailed = errors.New("repair failed")
)
