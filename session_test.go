package browserd

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

// newStubBrowser builds a Browser wired to an in-memory fakeTransport
// instead of a real dial, the same shortcut newTestClient takes in
// client_test.go: Manager registry tests care about id bookkeeping and
// lifecycle, not the CDP handshake, so the Client underneath never needs a
// live transport.
func newStubBrowser(t *testing.T, d *Dispatcher) *Browser {
	t.Helper()
	ft := newFakeTransport()
	c := NewClient("ws://fake", d)
	c.conn = ft
	c.state = int32(clientConnected)
	go c.readLoop()

	b := &Browser{
		id:           uuid.NewString(),
		client:       c,
		dispatcher:   d,
		pages:        make(map[string]*Page),
		sessionPages: make(map[string]*Page),
		logf:         defaultLogf,
		errf:         defaultErrf,
	}
	atomic.StoreInt32(&b.state, int32(stateActive))
	sweepCtx, cancel := context.WithCancel(context.Background())
	b.cancelSweep = cancel
	go b.sweepDetachedTargets(sweepCtx)

	t.Cleanup(func() { _ = b.Close() })
	return b
}

// attachStubPage registers a Page under b (and under m, if non-nil) the way
// Browser.attach/Manager.CreatePage bookkeeping does, without the
// CreateTarget/attachToTarget/enableDomains round trip attach() performs
// against a real browser. The registry invariants these tests check —
// uniqueness, lookup-after-close, cleanup reclamation — depend only on that
// bookkeeping, not on the wire handshake.
func attachStubPage(b *Browser, m *Manager) *Page {
	p := newPage(uuid.NewString(), b, "", "")
	atomic.StoreInt32(&p.state, int32(stateActive))

	b.mu.Lock()
	b.pages[p.id] = p
	b.mu.Unlock()
	b.refreshEmptyMarker()

	if m != nil {
		m.mu.Lock()
		m.pages[p.id] = pageEntry{browserID: b.id, page: p}
		m.mu.Unlock()
	}
	return p
}

// stubFactory returns a BrowserFactory producing stub Browsers, for
// installation via WithBrowserFactory.
func stubFactory(t *testing.T) BrowserFactory {
	return func(ctx context.Context, endpoint string, d *Dispatcher, opts ...BrowserOption) (*Browser, error) {
		return newStubBrowser(t, d), nil
	}
}

// TestManagerCreateBrowserIDsAreUnique covers property 1 (pairwise-distinct
// ids) on the browser side: ten CreateBrowser calls against the mock
// factory must never collide, and SessionCount must track the registry
// exactly.
func TestManagerCreateBrowserIDsAreUnique(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()
	m := NewManager(d, WithBrowserFactory(stubFactory(t)))

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		b, err := m.CreateBrowser(context.Background(), "ws://fake")
		if err != nil {
			t.Fatalf("create browser %d: %v", i, err)
		}
		if seen[b.ID()] {
			t.Fatalf("duplicate browser id %s", b.ID())
		}
		seen[b.ID()] = true
	}
	if got := m.SessionCount(); got != 10 {
		t.Fatalf("want 10 sessions, got %d", got)
	}
}

// TestManagerPageIDsAreUniqueAcrossConcurrentAttaches covers property 1 on
// the page side, mirroring spec scenario S5's ten-concurrent-creates shape:
// ten pages attached concurrently under one browser must all land distinct
// ids and all show up in both the browser's and the Manager's views.
func TestManagerPageIDsAreUniqueAcrossConcurrentAttaches(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()
	m := NewManager(d, WithBrowserFactory(stubFactory(t)))
	b, err := m.CreateBrowser(context.Background(), "ws://fake")
	if err != nil {
		t.Fatal(err)
	}

	const n = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	ids := make(map[string]bool)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			p := attachStubPage(b, m)
			mu.Lock()
			ids[p.ID()] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(ids) != n {
		t.Fatalf("want %d distinct page ids, got %d", n, len(ids))
	}
	if got := len(b.GetPages()); got != n {
		t.Fatalf("want %d pages on browser, got %d", n, got)
	}
	for id := range ids {
		if _, err := m.GetPage(id); err != nil {
			t.Fatalf("GetPage(%s): %v", id, err)
		}
	}
}

// TestManagerCreatePageIDsDistinctFromBrowserIDs covers property 1 across
// both id spaces at once: browser ids and page ids share no collisions,
// matching the spec's "all returned ids (browser and page) are pairwise
// distinct" phrasing rather than checking each space in isolation.
func TestManagerCreatePageIDsDistinctFromBrowserIDs(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()
	m := NewManager(d, WithBrowserFactory(stubFactory(t)))

	all := make(map[string]bool)
	for i := 0; i < 3; i++ {
		b, err := m.CreateBrowser(context.Background(), "ws://fake")
		if err != nil {
			t.Fatal(err)
		}
		if all[b.ID()] {
			t.Fatalf("duplicate id %s", b.ID())
		}
		all[b.ID()] = true

		for j := 0; j < 3; j++ {
			p := attachStubPage(b, m)
			if all[p.ID()] {
				t.Fatalf("duplicate id %s", p.ID())
			}
			all[p.ID()] = true
		}
	}
	if len(all) != 12 {
		t.Fatalf("want 12 distinct ids (3 browsers + 9 pages), got %d", len(all))
	}
}

// TestManagerCloseBrowserReclaimsItsPages covers property 2: after
// CloseBrowser, every page that was under it is either unreachable via
// GetPage or reports IsActive()==false.
func TestManagerCloseBrowserReclaimsItsPages(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()
	m := NewManager(d, WithBrowserFactory(stubFactory(t)))
	b, err := m.CreateBrowser(context.Background(), "ws://fake")
	if err != nil {
		t.Fatal(err)
	}
	pages := make([]*Page, 3)
	for i := range pages {
		pages[i] = attachStubPage(b, m)
	}

	if err := m.CloseBrowser(b.ID()); err != nil {
		t.Fatalf("close browser: %v", err)
	}

	if _, err := m.GetBrowser(b.ID()); err != ErrNotFound {
		t.Fatalf("want ErrNotFound for browser after close, got %v", err)
	}
	for _, p := range pages {
		if _, err := m.GetPage(p.ID()); err != nil && err != ErrNotFound {
			t.Fatalf("GetPage(%s) after browser close: %v", p.ID(), err)
		} else if err == nil && p.IsActive() {
			t.Fatalf("page %s still active after owning browser closed", p.ID())
		}
	}
}

// TestManagerCleanupWithNoLiveEntriesLeavesSessionCountZero covers property
// 3's trivial base case: Cleanup on an empty registry is a no-op.
func TestManagerCleanupWithNoLiveEntriesLeavesSessionCountZero(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()
	m := NewManager(d, WithBrowserFactory(stubFactory(t)))

	m.Cleanup(time.Millisecond)
	if got := m.SessionCount(); got != 0 {
		t.Fatalf("want 0 sessions, got %d", got)
	}
}

// TestManagerCleanupClosesIdleBrowser covers the idle-pages reclaim branch
// of Cleanup: a browser whose only page hasn't been touched inside the
// threshold gets closed and deregistered.
func TestManagerCleanupClosesIdleBrowser(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()
	m := NewManager(d, WithBrowserFactory(stubFactory(t)))
	b, err := m.CreateBrowser(context.Background(), "ws://fake")
	if err != nil {
		t.Fatal(err)
	}
	p := attachStubPage(b, m)
	p.lastTouch.Store(time.Now().Add(-time.Hour).UnixNano())

	m.Cleanup(time.Millisecond)

	if _, err := m.GetBrowser(b.ID()); err != ErrNotFound {
		t.Fatalf("want idle browser reclaimed, got %v", err)
	}
}

// TestManagerCleanupReclaimsEmptyIdleBrowser covers the zero-page reclaim
// branch: a Browser whose last Page has closed gets reclaimed once its
// empty marker is older than the threshold, exercising the fix to
// Browser.emptySince/refreshEmptyMarker that makes Cleanup's own doc
// comment true.
func TestManagerCleanupReclaimsEmptyIdleBrowser(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()
	m := NewManager(d, WithBrowserFactory(stubFactory(t)))
	b, err := m.CreateBrowser(context.Background(), "ws://fake")
	if err != nil {
		t.Fatal(err)
	}

	// A freshly stubbed Browser never goes through attach(), so it starts
	// with an unset empty marker; attach and then remove one page to force
	// a real empty-since timestamp the way production attach/Page.Close do.
	p := attachStubPage(b, m)
	b.mu.Lock()
	delete(b.pages, p.id)
	b.mu.Unlock()
	b.refreshEmptyMarker()

	if _, empty := b.EmptySince(); !empty {
		t.Fatal("want EmptySince to report empty after removing the only page")
	}

	time.Sleep(5 * time.Millisecond)
	m.Cleanup(time.Millisecond)

	if _, err := m.GetBrowser(b.ID()); err != ErrNotFound {
		t.Fatalf("want empty idle browser reclaimed, got %v", err)
	}
}

// TestManagerCleanupLeavesActiveBrowserAlone guards against an
// over-eager Cleanup: a browser whose only page was just attached (so is
// recently touched and has never gone empty) must survive a sweep.
func TestManagerCleanupLeavesActiveBrowserAlone(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()
	m := NewManager(d, WithBrowserFactory(stubFactory(t)))
	b, err := m.CreateBrowser(context.Background(), "ws://fake")
	if err != nil {
		t.Fatal(err)
	}
	attachStubPage(b, m)

	m.Cleanup(time.Hour)

	if _, err := m.GetBrowser(b.ID()); err != nil {
		t.Fatalf("want active browser to survive cleanup, got %v", err)
	}
}

// TestManagerMaxSessionsRejectsOverCap exercises the session-cap guard in
// CreateBrowser alongside the mock factory.
func TestManagerMaxSessionsRejectsOverCap(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()
	m := NewManager(d, WithBrowserFactory(stubFactory(t)), WithMaxSessions(1))

	if _, err := m.CreateBrowser(context.Background(), "ws://fake"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateBrowser(context.Background(), "ws://fake"); err != ErrResourceExhausted {
		t.Fatalf("want ErrResourceExhausted, got %v", err)
	}
	if got := m.SessionCount(); got != 1 {
		t.Fatalf("want 1 session after rejected create, got %d", got)
	}
}
