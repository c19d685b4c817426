// Package events carries control-plane observability events to the log, an
// in-memory ring for the API, and a RabbitMQ topic exchange.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

type Type string

const (
	TypeNodeRegistered    Type = "node.registered"
	TypeNodeDeregistered  Type = "node.deregistered"
	TypeHealthTransition  Type = "health.transition"
	TypeRoutingDecision   Type = "routing.decision"
	TypeJobAssigned       Type = "job.assigned"
	TypeJobFinished       Type = "job.finished"
	TypeCheckpointCommit  Type = "checkpoint.committed"
	TypeDurabilityWarning Type = "checkpoint.durability_warning"
	TypeFailover          Type = "failover.completed"
	TypeSLABreach         Type = "failover.sla_breach"
)

// Event is one observability record. Key is the node or job it concerns.
type Event struct {
	Type    Type      `json:"type"    yaml:"type"`
	Key     string    `json:"key"     yaml:"key"`
	At      time.Time `json:"at"      yaml:"at"`
	Payload any       `json:"payload" yaml:"payload"`
}

// Publisher delivers events. Delivery is best effort; callers log failures
// and carry on.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Emit publishes e and logs a failure instead of returning it.
func Emit(ctx context.Context, p Publisher, logger *slog.Logger, e Event) {
	if p == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if err := p.Publish(ctx, e); err != nil {
		logger.Warn("event publish failed", "type", e.Type, "key", e.Key, "error", err)
	}
}

// Multi fans an event out to several publishers.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes every event to a structured logger.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Publish(ctx context.Context, e Event) error {
	level := slog.LevelInfo
	if e.Type == TypeDurabilityWarning || e.Type == TypeSLABreach {
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, "event", "type", e.Type, "key", e.Key, "payload", e.Payload)
	return nil
}

// Recorder keeps the most recent events in a fixed-size ring.
type Recorder struct {
	mu    sync.Mutex
	buf   []Event
	next  int
	count int
}

func NewRecorder(size int) *Recorder {
	if size < 1 {
		size = 1
	}
	return &Recorder{buf: make([]Event, size)}
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	return nil
}

// Recent returns up to limit events, oldest first. A non-positive limit
// returns everything retained. When types are given only those are returned.
func (r *Recorder) Recent(limit int, types ...Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := make(map[Type]bool, len(types))
	for _, t := range types {
		want[t] = true
	}

	out := make([]Event, 0, r.count)
	start := (r.next - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < r.count; i++ {
		e := r.buf[(start+i)%len(r.buf)]
		if len(want) > 0 && !want[e.Type] {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
