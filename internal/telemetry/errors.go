package telemetry

import "codeberg.org/mutker/shotmon/internal/errors"

const (
	// Configuration Errors
	ErrInvalidROI          = errors.ErrorCode("telemetry_invalid_roi")
	ErrInvalidMask         = errors.ErrorCode("telemetry_invalid_mask")
	ErrDetectorUnavailable = errors.ErrorCode("telemetry_detector_unavailable")

	// Fetch Errors
	ErrFetchFailed = errors.ErrorCode("telemetry_fetch_failed")
	ErrNoData      = errors.ErrorCode("telemetry_no_data")
	ErrFrameShape  = errors.ErrorCode("telemetry_frame_shape_mismatch")
)
