package dockerfacts

import (
	"strings"
)

// normalized container status
const (
	StatusRunning    = "running"
	StatusStopped    = "stopped"
	StatusPaused     = "paused"
	StatusRestarting = "restarting"
	StatusCreated    = "created"
	StatusRemoving   = "removing"
	StatusUnknown    = "unknown"
)

// NormalizeStatus maps the human status docker prints (Up 2 seconds,
// Exited (0) 3 hours ago, ...) or a bare engine state to a fixed set.
func NormalizeStatus(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case s == "":
		return StatusUnknown
	case strings.HasPrefix(s, "up"), s == "running":
		if strings.Contains(s, "(paused)") {
			return StatusPaused
		}
		return StatusRunning
	case s == "paused":
		return StatusPaused
	case strings.HasPrefix(s, "exited"), strings.HasPrefix(s, "dead"):
		return StatusStopped
	case strings.HasPrefix(s, "restarting"):
		return StatusRestarting
	case strings.HasPrefix(s, "created"):
		return StatusCreated
	case strings.HasPrefix(s, "removal"), strings.HasPrefix(s, "removing"):
		return StatusRemoving
	}
	return StatusUnknown
}
