package roiworker

import "codeberg.org/mutker/shotmon/internal/errors"

const (
	ErrInvalidConfig = errors.ErrorCode("roiworker_invalid_config")
	ErrScalarMissing = errors.ErrorCode("roiworker_scalar_missing")
)
