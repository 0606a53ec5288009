package buffer

import (
	"fmt"
	"slices"
	"sync"

	"codeberg.org/mutker/shotmon/internal/errors"
	"codeberg.org/mutker/shotmon/internal/telemetry"
)

// Batch is an ordered run of values destined for one series.
type Batch struct {
	Name    string
	Values  []float64
	Indices []telemetry.ShotIndex
}

// Snapshot is a point-in-time copy of one series, oldest first.
type Snapshot struct {
	Name     string
	Capacity int
	Values   []float64
	Indices  []telemetry.ShotIndex
}

// Store maps series names to rolling buffers. One goroutine writes;
// any number may read. A batch, or a set of batches passed to Commit,
// becomes visible to readers all at once.
type Store struct {
	mu      sync.RWMutex
	series  map[string]*series
	commits uint64
}

func NewStore() *Store {
	return &Store{series: make(map[string]*series)}
}

// Register creates an empty series holding at most capacity values.
func (s *Store) Register(name string, capacity int) error {
	errFactory := errors.New()
	if capacity <= 0 {
		return errFactory.WithData(ErrInvalidCapacity, fmt.Sprintf("%s: %d", name, capacity))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.series[name]; ok {
		return errFactory.WithData(ErrAlreadyRegistered, name)
	}
	s.series[name] = newSeries(capacity)

	return nil
}

// AppendBatch appends values to name in order, evicting the oldest
// entries on overflow.
func (s *Store) AppendBatch(name string, values []float64, indices []telemetry.ShotIndex) error {
	return s.Commit(Batch{Name: name, Values: values, Indices: indices})
}

// Commit applies every batch under a single write lock. Nothing is
// applied if any batch is invalid.
func (s *Store) Commit(batches ...Batch) error {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range batches {
		if _, ok := s.series[b.Name]; !ok {
			return errFactory.WithData(ErrUnknownSeries, b.Name)
		}
		if len(b.Values) != len(b.Indices) {
			return errFactory.WithData(ErrLengthMismatch,
				fmt.Sprintf("%s: %d values, %d indices", b.Name, len(b.Values), len(b.Indices)))
		}
	}

	for _, b := range batches {
		ser := s.series[b.Name]
		// Only the newest capacity entries can survive.
		start := max(0, len(b.Values)-ser.capacity)
		for i := start; i < len(b.Values); i++ {
			ser.push(b.Values[i], b.Indices[i])
		}
	}
	s.commits++

	return nil
}

// Snapshot returns a copy of name's current contents.
func (s *Store) Snapshot(name string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.snapshotLocked(name)
}

// SnapshotMany copies several series under one read lock so they are
// mutually consistent.
func (s *Store) SnapshotMany(names ...string) (map[string]Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Snapshot, len(names))
	for _, name := range names {
		snap, err := s.snapshotLocked(name)
		if err != nil {
			return nil, err
		}
		out[name] = snap
	}

	return out, nil
}

func (s *Store) snapshotLocked(name string) (Snapshot, error) {
	ser, ok := s.series[name]
	if !ok {
		return Snapshot{}, errors.New().WithData(ErrUnknownSeries, name)
	}

	values, indices := ser.copyOut()

	return Snapshot{Name: name, Capacity: ser.capacity, Values: values, Indices: indices}, nil
}

// Keys lists registered series names in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.series))
	for k := range s.series {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	return keys
}

// Len returns the number of values held by name, or 0 if unknown.
func (s *Store) Len(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ser, ok := s.series[name]; ok {
		return ser.len()
	}

	return 0
}

// Commits returns the number of batches applied so far.
func (s *Store) Commits() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.commits
}

// Capacity returns the capacity name was registered with, or 0 if unknown.
func (s *Store) Capacity(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ser, ok := s.series[name]; ok {
		return ser.capacity
	}

	return 0
}
