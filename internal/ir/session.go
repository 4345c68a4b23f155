package ir

import (
	"fmt"
	"time"
)

// Stage is a transfer session pipeline stage.
//
// Pipeline stages run strictly in declaration order; StageCompleted and
// StageErrored are terminal.
type Stage int

const (
	StageInitializing Stage = iota + 1
	StageSerializing
	StageQueuing
	StageTransferring
	StageDequeuing
	StageDeserializing
	StageCleanup
	StageCompleted
	StageErrored
)

var stageNames = map[Stage]string{
	StageInitializing:  "initializing",
	StageSerializing:   "serializing",
	StageQueuing:       "queuing",
	StageTransferring:  "transferring",
	StageDequeuing:     "dequeuing",
	StageDeserializing: "deserializing",
	StageCleanup:       "cleanup",
	StageCompleted:     "completed",
	StageErrored:       "errored",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// ParseStage is the inverse of Stage.String.
func ParseStage(name string) (Stage, error) {
	for s, n := range stageNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

// IsTerminal reports whether no further stage can follow s.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageErrored
}

// Next returns the stage following s. Cleanup is followed by Completed;
// terminal stages return themselves.
func (s Stage) Next() Stage {
	if s.IsTerminal() {
		return s
	}
	return s + 1
}

// PipelineStages lists the non-terminal stages in execution order.
func PipelineStages() []Stage {
	return []Stage{
		StageInitializing,
		StageSerializing,
		StageQueuing,
		StageTransferring,
		StageDequeuing,
		StageDeserializing,
		StageCleanup,
	}
}

// Status is the progress of the current stage.
type Status int

const (
	StatusPending Status = iota + 1
	StatusStarted
	StatusCompleted
	StatusErrored
)

var statusNames = map[Status]string{
	StatusPending:   "pending",
	StatusStarted:   "started",
	StatusCompleted: "completed",
	StatusErrored:   "errored",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

// Direction of a transfer session, seen from the initiating client.
type Direction string

const (
	DirectionPush Direction = "push"
	DirectionPull Direction = "pull"
)

// Valid reports whether d is push or pull.
func (d Direction) Valid() bool {
	return d == DirectionPush || d == DirectionPull
}

// SyncSession is the certificate-authenticated connection state between two
// instances. Transfer sessions run inside it.
type SyncSession struct {
	ID                  string     `json:"id"`
	Profile             string     `json:"profile"`
	IsServer            bool       `json:"is_server"`
	ClientCertificateID string     `json:"client_certificate_id"`
	ServerCertificateID string     `json:"server_certificate_id"`
	ClientInstanceID    InstanceID `json:"client_instance_id"`
	ServerInstanceID    InstanceID `json:"server_instance_id"`
	ConnectionPath      string     `json:"connection_path"`
	Capabilities        []string   `json:"capabilities"`
	Active              bool       `json:"active"`
	StartedAt           time.Time  `json:"started_at"`
	LastActivityAt      time.Time  `json:"last_activity_at"`
}

// HasCapability reports whether name was negotiated for the session.
func (s SyncSession) HasCapability(name string) bool {
	for _, c := range s.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// TransferSession is one directional data movement within a sync session.
//
// Both peers persist a row with the same ID. ClientFMC and ServerFMC hold the
// guaranteed FMCs exchanged during initialization (and refreshed by the
// sender after queuing).
type TransferSession struct {
	ID                 string    `json:"id"`
	SyncSessionID      string    `json:"sync_session_id"`
	Direction          Direction `json:"direction"`
	Filter             string    `json:"filter"`
	Stage              Stage     `json:"stage"`
	Status             Status    `json:"status"`
	RecordsTotal       int64     `json:"records_total"`
	RecordsTransferred int64     `json:"records_transferred"`
	ClientFMC          Counters  `json:"client_fmc"`
	ServerFMC          Counters  `json:"server_fmc"`
	Active             bool      `json:"active"`
	LastError          string    `json:"last_error,omitempty"`
	StartedAt          time.Time `json:"started_at"`
	LastActivityAt     time.Time `json:"last_activity_at"`
}

// IsPush reports whether the client sends data in this session.
func (t TransferSession) IsPush() bool {
	return t.Direction == DirectionPush
}
