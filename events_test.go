package browserd

import (
	"strconv"
	"testing"
	"time"
)

// TestDispatcherPublishDropsOldestWhenBusSaturated covers property 6: once
// the bus is full, publish drops the oldest queued event rather than the
// newest, and the bus-level Dropped counter tracks it. d.Close() stops the
// fan-out goroutine first so nothing drains d.inbound behind the test's
// back, making the drop deterministic.
func TestDispatcherPublishDropsOldestWhenBusSaturated(t *testing.T) {
	d := NewDispatcher(WithBusCapacity(2))
	d.Close()

	d.publish(Event{Method: "a"})
	d.publish(Event{Method: "b"})
	d.publish(Event{Method: "c"})

	if got := d.Dropped(); got != 1 {
		t.Fatalf("want 1 dropped, got %d", got)
	}
	first := <-d.inbound
	if first.Method != "b" {
		t.Fatalf("want oldest event (a) dropped and b retained first, got %q", first.Method)
	}
	second := <-d.inbound
	if second.Method != "c" {
		t.Fatalf("want c retained second, got %q", second.Method)
	}
}

// TestDispatcherSubscriberDropsWithoutBlockingOtherWork covers property 6
// from the per-subscriber side: a subscriber that never drains its queue
// loses events once its own bounded channel fills, but delivery itself
// never blocks on that slow subscriber.
func TestDispatcherSubscriberDropsWithoutBlockingOtherWork(t *testing.T) {
	d := NewDispatcher(WithSubscriberCapacity(1))
	defer d.Close()
	sub := d.Subscribe(EventFilter{})
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			d.deliver(Event{Method: "m"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deliver blocked on a saturated subscriber queue")
	}

	if got := sub.Dropped(); got != 4 {
		t.Fatalf("want 4 dropped, got %d", got)
	}
	if got := len(sub.Events()); got != 1 {
		t.Fatalf("want 1 buffered event retained, got %d", got)
	}
}

// TestDispatcherFanOutDeliversInPublishOrderToEverySubscriber covers
// property 5: every live subscriber sees every matching event, in the
// order it was published, independent of the others.
func TestDispatcherFanOutDeliversInPublishOrderToEverySubscriber(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()

	const numSubs, numEvents = 3, 20
	subs := make([]*Subscription, numSubs)
	for i := range subs {
		subs[i] = d.Subscribe(EventFilter{})
		defer subs[i].Close()
	}
	for i := 0; i < numEvents; i++ {
		d.publish(Event{Method: strconv.Itoa(i)})
	}

	for si, sub := range subs {
		for i := 0; i < numEvents; i++ {
			select {
			case ev := <-sub.Events():
				if ev.Method != strconv.Itoa(i) {
					t.Fatalf("subscriber %d: position %d: got method %q, want %q", si, i, ev.Method, strconv.Itoa(i))
				}
			case <-time.After(time.Second):
				t.Fatalf("subscriber %d: timed out waiting for event %d", si, i)
			}
		}
	}
}

// TestDispatcherUnsubscribeStopsDelivery checks that a closed subscription
// is removed from the fan-out set rather than merely leaving a closed
// channel around to be sent on.
func TestDispatcherUnsubscribeStopsDelivery(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()
	sub := d.Subscribe(EventFilter{})
	sub.Close()

	if got := d.SubscriberCount(); got != 0 {
		t.Fatalf("want 0 subscribers after Close, got %d", got)
	}
	// A second Close must stay a no-op rather than double-closing the
	// channel.
	sub.Close()
}

// TestEventFilterMatchesByDomainOrMethod covers the Domains/Methods "either
// satisfies" filter semantics: a Network.* domain filter matches a
// Network event and rejects a Page event, and a filter with neither set
// matches everything.
func TestEventFilterMatchesByDomainOrMethod(t *testing.T) {
	domainFilter := EventFilter{Domains: []string{"Network"}}
	if !domainFilter.match(Event{Method: "Network.requestWillBeSent"}) {
		t.Fatal("want domain filter to match Network.*")
	}
	if domainFilter.match(Event{Method: "Page.loadEventFired"}) {
		t.Fatal("want domain filter to reject Page.*")
	}

	methodFilter := EventFilter{Methods: []string{"Page.loadEventFired"}}
	if !methodFilter.match(Event{Method: "Page.loadEventFired"}) {
		t.Fatal("want method filter to match its exact method")
	}
	if methodFilter.match(Event{Method: "Page.frameStoppedLoading"}) {
		t.Fatal("want method filter to reject a different method")
	}

	if !(EventFilter{}).match(Event{Method: "Anything.atAll"}) {
		t.Fatal("want the zero-value filter to match everything")
	}
}

func TestEventKindForMethodRoutesUnknownMethodAsRaw(t *testing.T) {
	if got := eventKindForMethod("Debugger.paused"); got != eventKindRaw {
		t.Fatalf("want eventKindRaw for an unmapped method, got %v", got)
	}
}
