package model

import (
	"fmt"
	"strings"
	"time"
)

// Type selects what the executor does with a job.
type Type string

const (
	TypeCreate     Type = "create"
	TypeDeploy     Type = "deploy"
	TypeDelete     Type = "delete"
	TypeStart      Type = "start"
	TypeStop       Type = "stop"
	TypeEnvRestart Type = "env-restart"
)

var types = []Type{TypeCreate, TypeDeploy, TypeDelete, TypeStart, TypeStop, TypeEnvRestart}

// Types returns the closed set of job types.
func Types() []Type {
	return append([]Type(nil), types...)
}

// ParseType returns ErrInvalidType for anything outside the closed set.
func ParseType(s string) (Type, error) {
	t := Type(strings.TrimSpace(s))
	for _, known := range types {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidType, s)
}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusDone        Status = "done"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// Terminal reports whether no further automatic transition happens.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusInterrupted:
		return true
	}
	return false
}

// Retryable reports whether a job in this status may be requeued.
func (s Status) Retryable() bool {
	return s == StatusFailed || s == StatusInterrupted
}

// Cancelable reports whether a job in this status may be removed.
func (s Status) Cancelable() bool {
	return s == StatusFailed || s == StatusInterrupted
}

// Job is the durable record of one unit of asynchronous work.
type Job struct {
	ID         string     `json:"id"`
	Type       Type       `json:"type"`
	Status     Status     `json:"status"`
	Owner      string     `json:"owner"`
	Meta       Meta       `json:"meta"`
	Output     *string    `json:"output,omitempty"`
	Error      *string    `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (j Job) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "id: %q, type: %s, status: %s, owner: %q, app: %s/%s",
		j.ID, j.Type, j.Status, j.Owner, j.Meta.Owner, j.Meta.App)
	if j.Error != nil {
		fmt.Fprintf(&sb, ", error: %q", *j.Error)
	}
	return sb.String()
}
