package trace

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestLogAppendOrder(t *testing.T) {
	l := NewLog()

	types := []EventType{EventReady, EventStart, EventLog, EventLog, EventDone}
	for i, typ := range types {
		l.Append(Event{Type: typ, Time: time.Now(), Message: fmt.Sprintf("m%d", i)})
	}

	snap := l.Snapshot()
	if len(snap) != len(types) {
		t.Fatalf("expected %d events, got %d", len(types), len(snap))
	}
	for i, typ := range types {
		if snap[i].Type != typ {
			t.Errorf("event %d: expected type %s, got %s", i, typ, snap[i].Type)
		}
	}
	if snap[2].Message != "m2" {
		t.Errorf("expected message 'm2', got '%s'", snap[2].Message)
	}
}

func TestLogMonotonicLength(t *testing.T) {
	l := NewLog()

	prev := 0
	for i := 0; i < 50; i++ {
		l.Append(Event{Type: EventLog})
		n := l.Len()
		if n < prev {
			t.Fatalf("length decreased from %d to %d", prev, n)
		}
		prev = n
	}
	if l.Len() != 50 {
		t.Errorf("expected 50 events, got %d", l.Len())
	}
}

func TestLogSnapshotIsolated(t *testing.T) {
	l := NewLog()
	l.Append(Event{Type: EventLog, Message: "original"})

	snap := l.Snapshot()
	snap[0].Message = "mutated"
	snap = append(snap, Event{Type: EventDone})

	if got := l.Snapshot()[0].Message; got != "original" {
		t.Errorf("expected 'original', got '%s'", got)
	}
	if l.Len() != 1 {
		t.Errorf("expected 1 event after snapshot mutation, got %d", l.Len())
	}
	_ = snap
}

func TestLogClear(t *testing.T) {
	l := NewLog()
	l.Append(Event{Type: EventReady})
	l.Append(Event{Type: EventDone})

	l.Clear()
	if l.Len() != 0 {
		t.Errorf("expected empty log after clear, got %d", l.Len())
	}
	if snap := l.Snapshot(); len(snap) != 0 {
		t.Errorf("expected empty snapshot after clear, got %d", len(snap))
	}

	// Usable again after clear
	l.Append(Event{Type: EventReady})
	if l.Len() != 1 {
		t.Errorf("expected 1 event, got %d", l.Len())
	}
}

func TestLogConcurrentReaders(t *testing.T) {
	l := NewLog()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			l.Append(Event{Type: EventLog})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = l.Snapshot()
			_ = l.Len()
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for concurrent access")
	}

	if l.Len() != 200 {
		t.Errorf("expected 200 events, got %d", l.Len())
	}
}

func TestEventTerminal(t *testing.T) {
	if !(Event{Type: EventDone}).Terminal() {
		t.Error("done event should be terminal")
	}
	for _, typ := range []EventType{EventReady, EventStart, EventLog, EventServerError, EventSummary, EventTransportError} {
		if (Event{Type: typ}).Terminal() {
			t.Errorf("%s event should not be terminal", typ)
		}
	}
}
