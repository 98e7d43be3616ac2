// Package sink provides EventSink plumbing shared by the concrete
// observer adapters.
package sink

import (
	"previz.stage/internal/core/domain"
	"previz.stage/internal/core/logger"
	"previz.stage/internal/core/ports"
)

// Multi fans an event out to every sink. Delivery stays best-effort:
// sinks swallow their own failures.
type Multi []ports.EventSink

func (m Multi) Emit(ev domain.Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ev)
		}
	}
}

// Logging mirrors events into the structured log at debug level.
type Logging struct{}

func (Logging) Emit(ev domain.Event) {
	logger.Debug("event", "type", ev.Type, "job_id", ev.JobID, "name", ev.Name, "status", ev.Status)
}
