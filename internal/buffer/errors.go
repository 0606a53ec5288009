package buffer

import "codeberg.org/mutker/shotmon/internal/errors"

const (
	ErrAlreadyRegistered = errors.ErrorCode("buffer_series_already_registered")
	ErrUnknownSeries     = errors.ErrorCode("buffer_unknown_series")
	ErrInvalidCapacity   = errors.ErrorCode("buffer_invalid_capacity")
	ErrLengthMismatch    = errors.ErrorCode("buffer_length_mismatch")
)
