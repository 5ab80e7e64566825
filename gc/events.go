package gc

import (
	"time"

	"github.com/containerd/log"
	"github.com/google/uuid"
)

// EventKind names a collector lifecycle event.
type EventKind string

const (
	EventCycleStart EventKind = "cycle-start"
	EventAtomicDone EventKind = "atomic-done"
	EventCycleEnd   EventKind = "cycle-end"
	EventModeChange EventKind = "mode-change"
	EventEmergency  EventKind = "emergency"
)

// Event is delivered to the sink attached with WithSink. Every event of one
// cycle carries the same CycleID.
type Event struct {
	CycleID     string
	Kind        EventKind
	Mode        Mode
	Phase       Phase
	TotalBytes  int64
	MarkedBytes int64
	Time        time.Time
}

func newCycleID() string {
	return uuid.New().String()
}

// emit publishes an event to the attached sink, if any. Sink failures are
// logged and otherwise ignored: observability must never break collection.
func (s *State) emit(kind EventKind) {
	if s.sink == nil {
		return
	}
	ev := Event{
		CycleID:     s.cycleID,
		Kind:        kind,
		Mode:        s.mode,
		Phase:       s.phase,
		TotalBytes:  s.totalBytes,
		MarkedBytes: s.markedBytes,
		Time:        s.clockSrc.Now(),
	}
	if err := s.sink.Write(ev); err != nil {
		log.L.WithError(err).Debug("gc: event sink write failed")
	}
}
