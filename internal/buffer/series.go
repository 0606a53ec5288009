package buffer

import (
	"codeberg.org/mutker/shotmon/internal/telemetry"
	"github.com/gammazero/deque"
)

// series is a fixed-capacity ring of values with the shot index of each.
// It is not safe for concurrent use; Store serializes access.
type series struct {
	capacity int
	values   deque.Deque[float64]
	indices  deque.Deque[telemetry.ShotIndex]
}

func newSeries(capacity int) *series {
	return &series{capacity: capacity}
}

func (s *series) push(value float64, index telemetry.ShotIndex) {
	if s.values.Len() == s.capacity {
		s.values.PopFront()
		s.indices.PopFront()
	}
	s.values.PushBack(value)
	s.indices.PushBack(index)
}

func (s *series) len() int {
	return s.values.Len()
}

// copyOut returns the contents oldest first.
func (s *series) copyOut() ([]float64, []telemetry.ShotIndex) {
	n := s.values.Len()
	values := make([]float64, n)
	indices := make([]telemetry.ShotIndex, n)
	for i := 0; i < n; i++ {
		values[i] = s.values.At(i)
		indices[i] = s.indices.At(i)
	}

	return values, indices
}
