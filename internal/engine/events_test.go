package engine_test

import (
	"testing"
	"time"

	"github.com/seantiz/campussim/internal/engine"
	"github.com/seantiz/campussim/internal/model"
)

func stateEvent(jobID string, s model.JobState) engine.Event {
	return engine.Event{JobID: jobID, Type: engine.EventState, State: s}
}

func drain(ch <-chan engine.Event) []engine.Event {
	var got []engine.Event
	for ev := range ch {
		got = append(got, ev)
	}
	return got
}

func TestEventBrokerSingleSubscriber(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("j1")
	defer unsub()

	states := []model.JobState{model.StateQueued, model.StateRunning, model.StateComplete}
	for _, s := range states {
		b.Publish(stateEvent("j1", s))
	}
	b.Close("j1")

	got := drain(ch)
	if len(got) != len(states) {
		t.Fatalf("got %d events, want %d", len(got), len(states))
	}
	for i, ev := range got {
		if ev.State != states[i] {
			t.Errorf("event[%d].State = %q, want %q", i, ev.State, states[i])
		}
	}
}

func TestEventBrokerMultipleSubscribers(t *testing.T) {
	b := engine.NewEventBroker()
	ch1, unsub1 := b.Subscribe("j1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("j1")
	defer unsub2()

	b.Publish(stateEvent("j1", model.StateRunning))
	b.Close("j1")

	for i, ch := range []<-chan engine.Event{ch1, ch2} {
		got := drain(ch)
		if len(got) != 1 || got[0].State != model.StateRunning {
			t.Errorf("subscriber %d got %v, want one running event", i+1, got)
		}
	}
}

func TestEventBrokerTopicsAreIsolated(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("j1")
	defer unsub()

	b.Publish(stateEvent("j2", model.StateRunning))
	b.Close("j1")

	if got := drain(ch); len(got) != 0 {
		t.Errorf("j1 subscriber got %v, want nothing", got)
	}
}

func TestEventBrokerLateSubscriberGetsClosed(t *testing.T) {
	b := engine.NewEventBroker()
	b.Publish(stateEvent("j1", model.StateError))
	b.Close("j1")

	ch, unsub := b.Subscribe("j1")
	defer unsub()

	if _, ok := <-ch; ok {
		t.Error("late subscriber should get a closed channel")
	}
}

func TestEventBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("j1")
	unsub()

	b.Publish(stateEvent("j1", model.StateRunning))
	b.Close("j1")

	select {
	case ev, ok := <-ch:
		if ok {
			t.Errorf("got unexpected event %+v after unsubscribe", ev)
		}
	default:
	}
}

func TestEventBrokerDropsForSlowSubscriber(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("j1")
	defer unsub()

	// Publishing far past the buffer must not block.
	for range 1000 {
		b.Publish(stateEvent("j1", model.StateRunning))
	}
	b.Close("j1")

	got := drain(ch)
	if len(got) == 0 || len(got) >= 1000 {
		t.Errorf("got %d events, want a bounded non-empty prefix", len(got))
	}
}

func TestEventBrokerDropsExpiredMarkers(t *testing.T) {
	b := engine.NewEventBroker(engine.WithMarkerTTL(time.Millisecond))
	for _, id := range []string{"j1", "j2", "j3"} {
		b.Close(id)
	}
	time.Sleep(10 * time.Millisecond)

	// Closing another job sweeps the expired markers.
	b.Close("j4")
	if got := b.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1 after expired markers are dropped", got)
	}
}

func TestEventBrokerKeepsFreshMarkers(t *testing.T) {
	b := engine.NewEventBroker()
	b.Close("j1")
	b.Close("j2")

	ch, unsub := b.Subscribe("j1")
	defer unsub()
	if _, ok := <-ch; ok {
		t.Error("subscriber to a recently closed job got an open channel")
	}
	if got := b.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
}

func TestEventBrokerUnsubscribeForgetsOpenTopic(t *testing.T) {
	b := engine.NewEventBroker()
	_, unsub := b.Subscribe("j1")
	if got := b.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}
	unsub()
	if got := b.Len(); got != 0 {
		t.Errorf("Len() = %d, want 0 after the last subscriber left", got)
	}
}
