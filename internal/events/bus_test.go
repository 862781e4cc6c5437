package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceAgent, Kind: KindTurnStart})
	b.Emit(SourceAgent, KindTurnStart, nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishFanOut(t *testing.T) {
	b := New()
	const n = 3
	subs := make([]<-chan Event, n)
	for i := range n {
		subs[i] = b.Subscribe(8)
		defer b.Unsubscribe(subs[i])
	}

	b.Publish(Event{
		Source: SourceAgent,
		Kind:   KindToolDone,
		Data:   map[string]any{"tool": "add_plant", "ok": true},
	})

	for i, ch := range subs {
		got := receive(t, ch)
		if got.Kind != KindToolDone || got.Data["tool"] != "add_plant" {
			t.Errorf("subscriber %d got %+v", i, got)
		}
		if got.Timestamp.IsZero() {
			t.Errorf("subscriber %d: publish should stamp a zero timestamp", i)
		}
	}
}

func TestEmit(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	before := time.Now()
	b.Emit(SourceAPI, KindCareRecorded, map[string]any{"plant_id": int64(2), "task": "watering"})

	got := receive(t, ch)
	if got.Source != SourceAPI || got.Kind != KindCareRecorded {
		t.Errorf("got %+v", got)
	}
	if got.Timestamp.Before(before) {
		t.Errorf("timestamp %v before emit", got.Timestamp)
	}
}

func TestDropOnFull(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Kind: KindTurnStart})
	b.Publish(Event{Kind: KindTurnComplete})

	if got := receive(t, ch); got.Kind != KindTurnStart {
		t.Errorf("got kind %q, want %q", got.Kind, KindTurnStart)
	}
	select {
	case evt := <-ch:
		t.Errorf("expected empty channel, got event %v", evt)
	default:
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch1 := b.Subscribe(4)
	ch2 := b.Subscribe(4)
	if got := b.SubscriberCount(); got != 2 {
		t.Errorf("count = %d, want 2", got)
	}

	b.Unsubscribe(ch1)
	b.Unsubscribe(ch1) // second call is a no-op
	if _, ok := <-ch1; ok {
		t.Error("expected channel to be closed after Unsubscribe")
	}
	if got := b.SubscriberCount(); got != 1 {
		t.Errorf("count = %d, want 1", got)
	}

	b.Unsubscribe(ch2)
	b.Publish(Event{Kind: KindTurnFailed})
}

func TestConcurrentPublish(t *testing.T) {
	b := New()
	ch := b.Subscribe(64)

	var drained sync.WaitGroup
	drained.Add(1)
	go func() {
		defer drained.Done()
		for range ch {
		}
	}()

	var pubs sync.WaitGroup
	for i := range 10 {
		pubs.Add(1)
		go func() {
			defer pubs.Done()
			for j := range 100 {
				b.Emit(SourceAgent, KindToolCall, map[string]any{"publisher": i, "seq": j})
			}
		}()
	}

	pubs.Wait()
	b.Unsubscribe(ch)
	drained.Wait()
}
