package engine

import (
	"time"

	"github.com/roach88/peersync/internal/ir"
)

// EventKind identifies a transfer session transition.
type EventKind int

const (
	// EventStageStarted fires when a stage is first attempted or retried.
	EventStageStarted EventKind = iota + 1
	// EventStageCompleted fires when a stage completes.
	EventStageCompleted
	// EventStageErrored fires when a stage fails or no operation handled it.
	EventStageErrored
	// EventProgress fires when records_transferred advances.
	EventProgress
)

func (k EventKind) String() string {
	switch k {
	case EventStageStarted:
		return "stage_started"
	case EventStageCompleted:
		return "stage_completed"
	case EventStageErrored:
		return "stage_errored"
	case EventProgress:
		return "progress"
	}
	return "unknown"
}

// Event describes one transition of a transfer session.
type Event struct {
	Kind               EventKind
	Seq                int64
	At                 time.Time
	TransferSessionID  string
	SyncSessionID      string
	Direction          ir.Direction
	IsServer           bool
	Stage              ir.Stage
	Status             ir.Status
	RecordsTotal       int64
	RecordsTransferred int64
	Stats              MergeStats
	Err                error
}

// Observer receives events. Observers run synchronously on the session's
// goroutine and must not block.
type Observer func(Event)
