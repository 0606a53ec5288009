package binning

import "codeberg.org/mutker/shotmon/internal/errors"

const (
	ErrInvalidAxis    = errors.ErrorCode("binning_invalid_axis")
	ErrBinMismatch    = errors.ErrorCode("binning_bin_count_mismatch")
	ErrLengthMismatch = errors.ErrorCode("binning_length_mismatch")
)
