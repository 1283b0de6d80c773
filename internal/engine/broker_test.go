package engine_test

import (
	"testing"

	"github.com/seantiz/lockstep/internal/engine"
	"github.com/seantiz/lockstep/internal/model"
)

func ev(runID string, seq int) model.Event {
	return model.Event{RunID: runID, Seq: seq, Type: model.EventDispatched, Partition: seq, Slot: 0}
}

func collect(ch <-chan model.Event) []model.Event {
	var got []model.Event
	for e := range ch {
		got = append(got, e)
	}
	return got
}

func TestEventBrokerSingleSubscriber(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("r1")
	defer unsub()

	for i := range 3 {
		b.Publish(ev("r1", i))
	}
	b.Close("r1")

	got := collect(ch)
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	for i, e := range got {
		if e.Seq != i {
			t.Errorf("event[%d].Seq = %d, want %d", i, e.Seq, i)
		}
	}
}

func TestEventBrokerMultipleSubscribers(t *testing.T) {
	b := engine.NewEventBroker()
	ch1, unsub1 := b.Subscribe("r1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("r1")
	defer unsub2()

	b.Publish(ev("r1", 7))
	b.Close("r1")

	for i, got := range [][]model.Event{collect(ch1), collect(ch2)} {
		if len(got) != 1 || got[0].Seq != 7 {
			t.Errorf("subscriber %d got %v, want one event with seq 7", i+1, got)
		}
	}
}

func TestEventBrokerTopicsAreIsolated(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("r1")
	defer unsub()

	b.Publish(ev("r2", 0))
	b.Close("r1")

	if got := collect(ch); len(got) != 0 {
		t.Errorf("r1 subscriber got %v from r2", got)
	}
}

func TestEventBrokerLateSubscriberGetsClosed(t *testing.T) {
	b := engine.NewEventBroker()
	b.Publish(ev("r1", 0))
	b.Close("r1")

	// Subscribe after Close: the channel is already closed.
	ch, unsub := b.Subscribe("r1")
	defer unsub()

	if _, ok := <-ch; ok {
		t.Error("late subscriber should get a closed channel")
	}
}

func TestEventBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("r1")
	unsub()

	b.Publish(ev("r1", 0))
	b.Close("r1")

	select {
	case e, ok := <-ch:
		if ok {
			t.Errorf("got unexpected event %+v after unsubscribe", e)
		}
	default:
	}
}

func TestEventBrokerSlowSubscriberDropsEvents(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("r1")
	defer unsub()

	// Publishing never blocks, however far behind the subscriber is.
	for i := range 1000 {
		b.Publish(ev("r1", i))
	}
	b.Close("r1")

	got := collect(ch)
	if len(got) == 0 || len(got) >= 1000 {
		t.Errorf("got %d events, want some but not all", len(got))
	}
	if got[0].Seq != 0 {
		t.Errorf("first event seq = %d, want 0", got[0].Seq)
	}
}

func TestEventBrokerPublishToUnknownRunIsNoop(t *testing.T) {
	b := engine.NewEventBroker()
	b.Publish(ev("nonexistent", 0))
	b.Close("nonexistent")
}
