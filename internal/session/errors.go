package session

import "codeberg.org/mutker/shotmon/internal/errors"

const (
	ErrDetectorUnavailable = errors.ErrorCode("session_detector_unavailable")
	ErrUnknownSeries       = errors.ErrorCode("session_unknown_series")
	ErrSetupFailed         = errors.ErrorCode("session_setup_failed")
	ErrServeFailed         = errors.ErrorCode("session_serve_failed")
)
