package render

import "codeberg.org/mutker/shotmon/internal/errors"

const (
	ErrPlotFailed  = errors.ErrorCode("render_plot_failed")
	ErrWriteFailed = errors.ErrorCode("render_write_failed")
)
