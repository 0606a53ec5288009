package ingest

import "codeberg.org/mutker/shotmon/internal/errors"

const (
	ErrInvalidConfig = errors.ErrorCode("ingest_invalid_config")
	ErrInvalidState  = errors.ErrorCode("ingest_invalid_state")
	ErrStopped       = errors.ErrorCode("ingest_stopped")
)
