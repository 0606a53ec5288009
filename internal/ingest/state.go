package ingest

import (
	"fmt"
	"time"

	"codeberg.org/mutker/shotmon/internal/telemetry"
)

type State int32

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "not started"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Status is a point-in-time summary of the loop.
type Status struct {
	State        State
	Epoch        telemetry.Epoch
	Watermark    telemetry.ShotIndex
	HasWatermark bool
	Ingested     uint64
	Cycles       uint64
	EmptyCycles  uint64
	FetchErrors  uint64
	LatencyP50   time.Duration
	LatencyP99   time.Duration
	LatencyMax   time.Duration
}

func (s Status) String() string {
	if !s.HasWatermark {
		return fmt.Sprintf("%s, %d shots ingested", s.State, s.Ingested)
	}

	return fmt.Sprintf("%s, %d shots ingested up to %d", s.State, s.Ingested, s.Watermark)
}
