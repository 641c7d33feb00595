// Package notify delivers advisory, fire-and-forget messages about till
// activity. Sinks never return errors and never affect control flow.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Level is the severity of an event.
type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelInfo    Level = "info"
)

// Event is one human-readable notification.
type Event struct {
	Level     Level
	Title     string
	Message   string
	SessionID string
	At        time.Time
}

// Sink receives events.
type Sink interface {
	Notify(ctx context.Context, e Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// Log writes events to the logger carried by the context.
type Log struct{}

func (Log) Notify(ctx context.Context, e Event) {
	lg := zctx.From(ctx)
	fields := []zap.Field{
		zap.String("level", string(e.Level)),
		zap.String("session", e.SessionID),
		zap.String("message", e.Message),
	}
	switch e.Level {
	case LevelError:
		lg.Warn(e.Title, fields...)
	default:
		lg.Info(e.Title, fields...)
	}
}

// Feed keeps the most recent events in memory so a till can poll them.
type Feed struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
}

// NewFeed creates a Feed holding at most size events.
func NewFeed(size int) *Feed {
	if size <= 0 {
		size = 1
	}
	return &Feed{events: make([]Event, size)}
}

func (f *Feed) Notify(_ context.Context, e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.events[f.next] = e
	f.next = (f.next + 1) % len(f.events)
	if f.next == 0 {
		f.full = true
	}
}

// Recent returns up to limit events for sessionID, newest first. An empty
// sessionID matches every event, and events without a session (repair
// updates) reach every till; limit <= 0 means no limit.
func (f *Feed) Recent(sessionID string, limit int) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.next
	if f.full {
		n = len(f.events)
	}

	out := make([]Event, 0, n)
	for i := 1; i <= n; i++ {
		e := f.events[(f.next-i+len(f.events))%len(f.events)]
		if sessionID != "" && e.SessionID != "" && e.SessionID != sessionID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

type multi []Sink

func (m multi) Notify(ctx context.Context, e Event) {
	for _, s := range m {
		s.Notify(ctx, e)
	}
}

// Multi fans an event out to every sink in order.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}
