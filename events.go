package browserd

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// EventKind tags the kind of a browser-emitted Event (§3 Data Model).
type EventKind string

// Recognized event kinds.
const (
	EventNavigationStarted   EventKind = "NavigationStarted"
	EventNavigationCompleted EventKind = "NavigationCompleted"
	EventLoadFired           EventKind = "LoadFired"
	EventDomContentLoaded    EventKind = "DomContentLoaded"
	EventConsoleMessage      EventKind = "ConsoleMessage"
	EventNetworkRequest      EventKind = "NetworkRequest"
	EventNetworkResponse     EventKind = "NetworkResponse"
	EventTargetCreated       EventKind = "TargetCreated"
	EventTargetDestroyed     EventKind = "TargetDestroyed"
	EventSessionError        EventKind = "SessionError"

	// eventKindRaw is used for any CDP method this module doesn't map to
	// a named kind; subscribers filtering by Methods still see it.
	eventKindRaw EventKind = "Raw"
)

// cdpMethodKinds maps the CDP wire methods this module understands to the
// Event kinds in §3. Methods not present here are delivered as eventKindRaw.
var cdpMethodKinds = map[string]EventKind{
	"Page.frameStartedLoading":    EventNavigationStarted,
	"Page.frameStoppedLoading":    EventNavigationCompleted,
	"Page.loadEventFired":         EventLoadFired,
	"Page.domContentEventFired":   EventDomContentLoaded,
	"Runtime.consoleAPICalled":    EventConsoleMessage,
	"Log.entryAdded":              EventConsoleMessage,
	"Network.requestWillBeSent":   EventNetworkRequest,
	"Network.responseReceived":    EventNetworkResponse,
	"Target.targetCreated":        EventTargetCreated,
	"Target.targetDestroyed":      EventTargetDestroyed,
	"Target.targetCrashed":        EventTargetDestroyed,
}

func eventKindForMethod(method string) EventKind {
	if kind, ok := cdpMethodKinds[method]; ok {
		return kind
	}
	return eventKindRaw
}

// monotonicNow returns a service-local monotonic timestamp (§3: "Timestamps
// are monotonic service-local"). time.Now carries Go's runtime monotonic
// reading until the Time value is stripped of it (e.g. by marshaling), so
// ordering comparisons via Before/After/Sub remain monotonic for the
// lifetime of the process.
func monotonicNow() time.Time {
	return time.Now()
}

// Event is a tagged value fanned out by the Dispatcher: a CDP-derived
// browser event, or a SessionError raised internally.
type Event struct {
	Kind      EventKind
	Method    string
	SessionID string
	PageID    string
	Payload   json.RawMessage
	Timestamp time.Time
}

// EventFilter selects which published events a subscriber receives. A zero
// value matches everything. Domains and Methods are both optional; when both
// are set an event need only satisfy one of them, letting a caller subscribe
// to "every Network.* event, plus this one Target method" in one filter.
type EventFilter struct {
	Methods   []string
	Domains   []string
	SessionID string
	PageID    string
}

func (f EventFilter) match(e Event) bool {
	if f.SessionID != "" && f.SessionID != e.SessionID {
		return false
	}
	if f.PageID != "" && f.PageID != e.PageID {
		return false
	}
	if len(f.Methods) == 0 && len(f.Domains) == 0 {
		return true
	}
	for _, m := range f.Methods {
		if m == e.Method {
			return true
		}
	}
	if len(f.Domains) > 0 {
		domain := methodDomain(e.Method)
		for _, d := range f.Domains {
			if d == domain {
				return true
			}
		}
	}
	return false
}

// DefaultBusCapacity is the default bound on the Dispatcher's inbound queue
// (§6 "event bus capacity").
const DefaultBusCapacity = 1000

// DefaultSubscriberCapacity is the default bound on each subscriber's
// forward queue (§6 "subscriber queue capacity").
const DefaultSubscriberCapacity = 256

// Dispatcher is a bounded fan-out pub/sub bus routing Events to many
// long-lived streaming subscribers (component C6). It is the single choke
// point with backpressure in this module (§5): publish never blocks. A
// saturated bus drops its oldest pending event; a saturated subscriber
// misses the event being delivered while the events already in its queue
// are kept.
type Dispatcher struct {
	inbound     chan Event
	subQueueCap int

	mu      sync.Mutex
	subs    map[uint64]*subscriberEntry
	nextSub uint64

	dropped uint64 // atomic: bus-level drop counter

	closed    chan struct{}
	closeOnce sync.Once
	doneRun   chan struct{}
}

type subscriberEntry struct {
	filter  EventFilter
	ch      chan Event
	dropped uint64 // atomic: per-subscriber drop counter
}

// DispatcherOption configures a Dispatcher at construction.
type DispatcherOption func(*Dispatcher)

// WithBusCapacity overrides DefaultBusCapacity.
func WithBusCapacity(n int) DispatcherOption {
	return func(d *Dispatcher) { d.inbound = make(chan Event, n) }
}

// WithSubscriberCapacity overrides DefaultSubscriberCapacity.
func WithSubscriberCapacity(n int) DispatcherOption {
	return func(d *Dispatcher) { d.subQueueCap = n }
}

// NewDispatcher constructs a Dispatcher and starts its fan-out goroutine.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		inbound:     make(chan Event, DefaultBusCapacity),
		subQueueCap: DefaultSubscriberCapacity,
		subs:        make(map[uint64]*subscriberEntry),
		closed:      make(chan struct{}),
		doneRun:     make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	go d.run()
	return d
}

// publish enqueues an event. If the bus is full, the oldest pending event
// is dropped and the bus-level Dropped counter is incremented; publish
// never blocks.
func (d *Dispatcher) publish(e Event) {
	select {
	case d.inbound <- e:
		return
	default:
	}
	select {
	case <-d.inbound:
		atomic.AddUint64(&d.dropped, 1)
	default:
	}
	select {
	case d.inbound <- e:
	default:
		atomic.AddUint64(&d.dropped, 1)
	}
}

// Dropped returns the number of events dropped for bus saturation.
func (d *Dispatcher) Dropped() uint64 {
	return atomic.LoadUint64(&d.dropped)
}

func (d *Dispatcher) run() {
	defer close(d.doneRun)
	for {
		select {
		case e := <-d.inbound:
			d.deliver(e)
		case <-d.closed:
			return
		}
	}
}

func (d *Dispatcher) deliver(e Event) {
	d.mu.Lock()
	entries := make([]*subscriberEntry, 0, len(d.subs))
	for _, s := range d.subs {
		entries = append(entries, s)
	}
	d.mu.Unlock()

	for _, s := range entries {
		if !s.filter.match(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			// Slow consumer: drop for this subscriber only, never stall
			// the others (§4.6, §5 backpressure policy).
			atomic.AddUint64(&s.dropped, 1)
		}
	}
}

// Subscription is a live registration returned by Subscribe. Events is the
// stream of matching Events; Close unsubscribes (idempotent).
type Subscription struct {
	id   uint64
	d    *Dispatcher
	entr *subscriberEntry
}

// Events returns the subscriber's event stream.
func (s *Subscription) Events() <-chan Event {
	return s.entr.ch
}

// Dropped returns the number of events dropped for this subscriber's own
// queue saturation.
func (s *Subscription) Dropped() uint64 {
	return atomic.LoadUint64(&s.entr.dropped)
}

// Close unsubscribes, idempotently.
func (s *Subscription) Close() {
	s.d.unsubscribe(s.id)
}

// Subscribe registers a subscriber with its own bounded forward queue.
func (d *Dispatcher) Subscribe(filter EventFilter) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextSub++
	id := d.nextSub
	entry := &subscriberEntry{
		filter: filter,
		ch:     make(chan Event, d.subQueueCap),
	}
	d.subs[id] = entry
	return &Subscription{id: id, d: d, entr: entry}
}

// unsubscribe removes a subscriber, idempotently.
func (d *Dispatcher) unsubscribe(id uint64) {
	d.mu.Lock()
	entry, ok := d.subs[id]
	if ok {
		delete(d.subs, id)
	}
	d.mu.Unlock()
	if ok {
		close(entry.ch)
	}
}

// Close tears the Dispatcher down: the fan-out goroutine stops, and every
// live subscriber's channel is closed so Stream consumers observe Closed.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.closed)
		<-d.doneRun
		d.mu.Lock()
		subs := d.subs
		d.subs = make(map[uint64]*subscriberEntry)
		d.mu.Unlock()
		for _, s := range subs {
			close(s.ch)
		}
	})
}

// SubscriberCount reports the number of live subscriptions, useful for
// tests asserting fan-out behavior.
func (d *Dispatcher) SubscriberCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// methodDomain returns the CDP domain prefix of a dotted method name
// ("Page.navigate" -> "Page"), used by EventFilter.match for Domains
// filtering.
func methodDomain(method string) string {
	if i := strings.IndexByte(method, '.'); i != -1 {
		return method[:i]
	}
	return method
}
