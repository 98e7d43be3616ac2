package domain

import "time"

// ManagedProcess is a supervised external OS process tracked by logical
// name. Display 0 means the process has no display attached; virtual
// displays are numbered from the configured base (default 10), so 0 is
// never a valid session number here.
type ManagedProcess struct {
	Name       string    `json:"name"`
	Pid        int       `json:"pid"`
	Display    int       `json:"display,omitempty"`
	StreamPort int       `json:"stream_port,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}
