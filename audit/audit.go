// Package audit provides sinks for routing and lifecycle events. The server
// only writes events; reading them back is the business of the sink.
package audit

import (
	"time"

	"go.uber.org/zap"

	"lanchat/models"
)

// Sink receives audit events. Record must not block for long and must be
// safe for concurrent use.
type Sink interface {
	Record(e models.AuditEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(e models.AuditEvent)

func (f SinkFunc) Record(e models.AuditEvent) { f(e) }

// Nop discards every event.
var Nop Sink = SinkFunc(func(models.AuditEvent) {})

// Log writes each event as a structured log entry.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	if log == nil {
		log = zap.NewNop()
	}
	return &Log{log: log.Named("audit")}
}

func (l *Log) Record(e models.AuditEvent) {
	fields := []zap.Field{zap.String("kind", string(e.Kind))}
	if e.User != "" {
		fields = append(fields, zap.String("user", e.User))
	}
	if e.Peer != "" {
		fields = append(fields, zap.String("peer", e.Peer))
	}
	if e.Detail != "" {
		fields = append(fields, zap.String("detail", e.Detail))
	}
	l.log.Info(e.Text(), fields...)
}

// EventStore persists events.
type EventStore interface {
	SaveEvent(e models.AuditEvent) error
}

// Store records events into an EventStore. Write failures are logged and
// otherwise ignored.
type Store struct {
	store EventStore
	log   *zap.Logger
}

func NewStore(store EventStore, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{store: store, log: log}
}

func (s *Store) Record(e models.AuditEvent) {
	if err := s.store.SaveEvent(e); err != nil {
		s.log.Warn("persist audit event", zap.String("kind", string(e.Kind)), zap.Error(err))
	}
}

// Multi fans an event out to every sink in order.
type Multi []Sink

func (m Multi) Record(e models.AuditEvent) {
	for _, s := range m {
		s.Record(e)
	}
}

// Stamped sets the event time when the caller left it zero.
func Stamped(sink Sink, now func() time.Time) Sink {
	if now == nil {
		now = time.Now
	}
	return SinkFunc(func(e models.AuditEvent) {
		if e.At.IsZero() {
			e.At = now()
		}
		sink.Record(e)
	})
}
