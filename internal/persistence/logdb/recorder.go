package logdb

import (
	"fmt"
	"log"
	"strings"
	"time"

	"blocklog.ai/internal/model"
)

// EntrySink accepts appended log entries. Store and journal.EntryLogger implement it.
type EntrySink interface {
	Append(model.LogEntry) error
}

// Recorder stamps entries once and fans them out to every sink, so the journal and the
// index agree on timestamps. Sink failures are logged and never surface to the caller.
type Recorder struct {
	sinks []EntrySink
	clock monoClock
	log   *log.Logger
}

func NewRecorder(logger *log.Logger, now func() time.Time, sinks ...EntrySink) *Recorder {
	r := &Recorder{clock: monoClock{now: now}, log: logger}
	for _, s := range sinks {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
	return r
}

// Record validates and stamps e, then appends it to every sink.
func (r *Recorder) Record(e model.LogEntry) (model.LogEntry, error) {
	if !e.Action.Valid() {
		return e, fmt.Errorf("invalid action %q", e.Action)
	}
	e.Action, _ = model.ParseAction(string(e.Action))
	if strings.TrimSpace(e.Location.World) == "" {
		return e, fmt.Errorf("missing world")
	}
	if e.Timestamp == 0 {
		e.Timestamp = r.clock.Stamp()
	}
	for _, s := range r.sinks {
		if err := s.Append(e); err != nil && r.log != nil {
			r.log.Printf("record entry sink=%T actor=%s action=%s err=%v", s, e.ActorID, e.Action, err)
		}
	}
	return e, nil
}
