package surface

import (
	"context"
	"sync"
	"time"

	"github.com/flowpbx/callbridge/internal/bridge"
	"github.com/flowpbx/callbridge/internal/session"
)

// EventKind names a report delivered to the device.
type EventKind string

const (
	EventIncoming           EventKind = "incoming"
	EventOutgoingConnecting EventKind = "outgoing_connecting"
	EventOutgoingConnected  EventKind = "outgoing_connected"
	EventUpdated            EventKind = "updated"
	EventEnded              EventKind = "ended"
	EventStartRequested     EventKind = "start_requested"
)

const defaultFeedSize = 512

// Event is one report for the device, numbered in publish order.
type Event struct {
	Seq         uint64             `json:"seq"`
	Kind        EventKind          `json:"kind"`
	Token       session.Token      `json:"token"`
	Update      *bridge.CallUpdate `json:"update,omitempty"`
	Silent      bool               `json:"silent,omitempty"`
	Reason      bridge.EndReason   `json:"reason,omitempty"`
	Destination string             `json:"destination,omitempty"`
	At          time.Time          `json:"at"`
}

// Feed keeps the most recent events and wakes long-polling readers when a
// new one is published.
type Feed struct {
	mu        sync.Mutex
	events    []Event
	size      int
	seq       uint64
	listeners []chan struct{}
	now       func() time.Time
}

// NewFeed creates a feed retaining up to size events. Zero selects a default.
func NewFeed(size int) *Feed {
	if size <= 0 {
		size = defaultFeedSize
	}
	return &Feed{size: size, now: time.Now}
}

// Publish assigns the next sequence number to e and stores it.
func (f *Feed) Publish(e Event) Event {
	f.mu.Lock()
	f.seq++
	e.Seq = f.seq
	if e.At.IsZero() {
		e.At = f.now()
	}
	f.events = append(f.events, e)
	if len(f.events) > f.size {
		f.events = append(f.events[:0], f.events[len(f.events)-f.size:]...)
	}
	chs := f.listeners
	f.listeners = nil
	f.mu.Unlock()

	for _, ch := range chs {
		close(ch)
	}
	return e
}

// Since returns retained events with a sequence number above after.
func (f *Feed) Since(after uint64) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sinceLocked(after)
}

func (f *Feed) sinceLocked(after uint64) []Event {
	var out []Event
	for _, e := range f.events {
		if e.Seq > after {
			out = append(out, e)
		}
	}
	return out
}

// Last returns the sequence number of the newest event.
func (f *Feed) Last() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq
}

// Wait blocks until an event above after exists or ctx is done.
func (f *Feed) Wait(ctx context.Context, after uint64) ([]Event, error) {
	for {
		f.mu.Lock()
		if out := f.sinceLocked(after); len(out) > 0 {
			f.mu.Unlock()
			return out, nil
		}
		ch := make(chan struct{})
		f.listeners = append(f.listeners, ch)
		f.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			f.unsubscribe(ch)
			return nil, ctx.Err()
		}
	}
}

func (f *Feed) unsubscribe(ch chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.listeners {
		if c == ch {
			f.listeners = append(f.listeners[:i], f.listeners[i+1:]...)
			return
		}
	}
}
