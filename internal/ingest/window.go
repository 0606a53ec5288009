package ingest

import "codeberg.org/mutker/shotmon/internal/telemetry"

// Window returns the half-open index range [lo, hi) to fetch when the
// newest index is newest. When a watermark is set the range never reaches
// back to it, so no shot is fetched twice.
func Window(newest telemetry.ShotIndex, grabSize int, watermark telemetry.ShotIndex, hasWatermark bool) (lo, hi telemetry.ShotIndex) {
	hi = newest
	lo = newest - telemetry.ShotIndex(grabSize)
	if hasWatermark && lo <= watermark {
		lo = watermark + 1
	}
	if hi < lo {
		hi = lo
	}

	return lo, hi
}

func indexRange(lo, hi telemetry.ShotIndex) []telemetry.ShotIndex {
	out := make([]telemetry.ShotIndex, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, i)
	}

	return out
}
