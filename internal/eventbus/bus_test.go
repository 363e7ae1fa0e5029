package eventbus

import (
	"sync"
	"testing"
)

func TestPublishInvokesHandlersInOrder(t *testing.T) {
	b := New(nil)

	var order []int
	b.Subscribe("x", func(payload interface{}) { order = append(order, 1) })
	b.Subscribe("x", func(payload interface{}) { order = append(order, 2) })
	b.Subscribe("x", func(payload interface{}) { order = append(order, 3) })

	b.Publish("x", nil)

	want := []int{1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("got %d invocations, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %d, want %d", i, order[i], want[i])
		}
	}
}

func TestPublishPassesPayloadToEveryHandler(t *testing.T) {
	b := New(nil)

	type payload struct{ n int }
	var got1, got2 payload
	b.Subscribe("x", func(p interface{}) { got1 = p.(payload) })
	b.Subscribe("x", func(p interface{}) { got2 = p.(payload) })

	b.Publish("x", payload{n: 42})

	if got1.n != 42 || got2.n != 42 {
		t.Errorf("payload not delivered to both handlers: got1=%v got2=%v", got1, got2)
	}
}

func TestHandlerPanicDoesNotStopRemainingHandlers(t *testing.T) {
	b := New(nil)

	ran := false
	b.Subscribe("x", func(payload interface{}) { panic("boom") })
	b.Subscribe("x", func(payload interface{}) { ran = true })

	b.Publish("x", nil) // must not panic out of Publish

	if !ran {
		t.Fatal("handler after a panicking handler must still run")
	}
}

func TestSubscribeOnceRemovedAfterFirstInvocation(t *testing.T) {
	b := New(nil)

	count := 0
	b.SubscribeOnce("x", func(payload interface{}) { count++ })

	b.Publish("x", nil)
	b.Publish("x", nil)

	if count != 1 {
		t.Errorf("SubscribeOnce handler invoked %d times, want 1", count)
	}
	if b.ListenerCount("x") != 0 {
		t.Errorf("ListenerCount after once-handler fires = %d, want 0", b.ListenerCount("x"))
	}
}

func TestUnsubscribeRemovesHandler(t *testing.T) {
	b := New(nil)

	count := 0
	id := b.Subscribe("x", func(payload interface{}) { count++ })
	b.Unsubscribe("x", id)

	b.Publish("x", nil)

	if count != 0 {
		t.Errorf("handler invoked after Unsubscribe, count = %d", count)
	}
}

func TestHistoryBoundedAndFilterable(t *testing.T) {
	b := New(nil)

	for i := 0; i < historyCap+10; i++ {
		b.Publish("a", i)
	}
	b.Publish("b", "other")

	all := b.History("", historyCap+50)
	if len(all) != historyCap {
		t.Errorf("history length = %d, want bounded to %d", len(all), historyCap)
	}

	filtered := b.History("b", 10)
	if len(filtered) != 1 {
		t.Fatalf("filtered history length = %d, want 1", len(filtered))
	}
	if filtered[0].Event != "b" {
		t.Errorf("filtered entry event = %q, want %q", filtered[0].Event, "b")
	}
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	b := New(nil)
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Subscribe("x", func(payload interface{}) {})
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish("x", nil)
		}()
	}
	wg.Wait()
}
