// Package audit maintains the append-only, ordered record of every run
// transition, task outcome, and approval decision. Appends for one run are
// serialized behind a single writer lock that also assigns the monotonic
// sequence number, so the trail reconstructs a total order even when many
// workers report concurrently.
package audit

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultTailSize = 256

// Sink receives every appended event, in order. Implementations must not
// retain the slice backing Payload.
type Sink interface {
	Append(event Event) error
}

type Log struct {
	runID  string
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	seq      int64
	sinks    []Sink
	tail     []Event
	tailSize int
}

func NewLog(runID string, logger zerolog.Logger, sinks ...Sink) *Log {
	return &Log{
		runID:    runID,
		logger:   logger.With().Str("run_id", runID).Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		sinks:    sinks,
		tailSize: defaultTailSize,
	}
}

// SetClock overrides the event timestamp source. Test hook.
func (l *Log) SetClock(now func() time.Time) {
	if now != nil {
		l.now = now
	}
}

// Append assigns the next sequence number, stamps the event, and fans it out
// to every sink. Sink errors are logged and swallowed: the audit trail must
// never break the control path.
func (l *Log) Append(eventType, phase, taskID string, payload map[string]any) Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	event := Event{
		EventID: "evt-" + uuid.NewString(),
		RunID:   l.runID,
		Phase:   phase,
		TaskID:  taskID,
		Seq:     l.seq,
		TS:      l.now(),
		Type:    eventType,
		Payload: mustJSONRaw(payload),
	}
	l.tail = append(l.tail, event)
	if len(l.tail) > l.tailSize {
		l.tail = l.tail[len(l.tail)-l.tailSize:]
	}
	for _, sink := range l.sinks {
		if err := sink.Append(event); err != nil {
			l.logger.Error().Err(err).Str("event_type", eventType).Int64("seq", event.Seq).Msg("audit sink append failed")
		}
	}
	l.logger.Debug().Str("event_type", eventType).Str("task_id", taskID).Int64("seq", event.Seq).Msg("audit event")
	return event
}

// Tail returns up to limit most recent events, oldest first.
func (l *Log) Tail(limit int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	events := l.tail
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

func (l *Log) LastSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

func mustJSONRaw(v map[string]any) json.RawMessage {
	if len(v) == 0 {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
