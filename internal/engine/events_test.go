package engine

import (
	"errors"
	"testing"

	"github.com/caminholabs/orienta/internal/persistence"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()

	for i, text := range []string{"primeiro", "segundo", "terceiro"} {
		ev := Event{Kind: EventMessage, TaskID: "t1", Parts: []Part{{Text: text}}}
		if i == 2 {
			ev = Event{Kind: EventStatusUpdate, TaskID: "t1", Final: true,
				Status: &Status{State: persistence.StateCompleted}}
		}
		if err := q.Publish(ev); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	events := q.Drain()
	if len(events) != 3 {
		t.Fatalf("drained %d events, want 3", len(events))
	}
	if events[0].Parts[0].Text != "primeiro" || events[1].Parts[0].Text != "segundo" {
		t.Fatalf("events out of order: %+v", events)
	}
	if !events[2].Final {
		t.Fatal("last event not final")
	}
}

func TestQueueRejectsAfterFinal(t *testing.T) {
	q := NewQueue()

	if err := q.Publish(Event{Kind: EventStatusUpdate, Final: true,
		Status: &Status{State: persistence.StateCanceled}}); err != nil {
		t.Fatalf("publish final: %v", err)
	}

	err := q.Publish(Event{Kind: EventMessage, Parts: []Part{{Text: "tarde demais"}}})
	if !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("err = %v, want ErrStreamClosed", err)
	}
	if !q.Closed() {
		t.Fatal("queue should report closed")
	}
}

func TestQueueExactlyOneFinal(t *testing.T) {
	q := NewQueue()
	_ = q.Publish(Event{Kind: EventMessage, Parts: []Part{{Text: "oi"}}})
	_ = q.Publish(Event{Kind: EventStatusUpdate, Final: true,
		Status: &Status{State: persistence.StateCompleted}})
	_ = q.Publish(Event{Kind: EventStatusUpdate, Final: true,
		Status: &Status{State: persistence.StateFailed}})

	finals := 0
	events := q.Drain()
	for _, ev := range events {
		if ev.Final {
			finals++
		}
	}
	if finals != 1 {
		t.Fatalf("final events = %d, want exactly 1", finals)
	}
	if !events[len(events)-1].Final {
		t.Fatal("final event is not last")
	}
}

func TestQueueChannelClosesAfterFinal(t *testing.T) {
	q := NewQueue()
	_ = q.Publish(Event{Kind: EventStatusUpdate, Final: true,
		Status: &Status{State: persistence.StateCompleted}})

	if _, ok := <-q.Events(); !ok {
		t.Fatal("expected the final event before close")
	}
	if _, ok := <-q.Events(); ok {
		t.Fatal("channel should be closed after final event")
	}
}
