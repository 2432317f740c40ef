package browserd

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// DefaultMaxSessions is the default session cap: 0, meaning unbounded
// (§6 "session cap (default unbounded)"). A positive WithMaxSessions value
// makes CreateBrowser start returning ErrResourceExhausted once reached.
const DefaultMaxSessions = 0

// DefaultIdleThreshold is how long a Page may go untouched before cleanup
// considers it for collection (§6 "idle cleanup threshold").
const DefaultIdleThreshold = 5 * time.Minute

// DefaultCleanupPeriod is how often the background sweep in Manager runs
// when started via RunCleanup (§6 "cleanup period").
const DefaultCleanupPeriod = 5 * time.Minute

// BrowserFactory constructs a Browser against a CDP endpoint. Production
// code passes NewBrowser itself; tests substitute a fake, the way
// chromedp's pool.go takes an Allocator interface to avoid dialing a real
// browser in unit tests.
type BrowserFactory func(ctx context.Context, endpoint string, dispatcher *Dispatcher, opts ...BrowserOption) (*Browser, error)

// pageEntry indexes a Page under the Browser that owns it, so Manager can
// resolve a page id without asking every Browser (§3: "pages: PageId ->
// (BrowserId, Page) flattened index").
type pageEntry struct {
	browserID string
	page      *Page
}

// Manager is the Session Manager (component C5): the sole owner of the
// Browser registry, mediating every browser and page lookup by opaque id
// and reclaiming idle sessions in the background (§3 ownership model).
type Manager struct {
	factory         BrowserFactory
	dispatcher      *Dispatcher
	maxSessions     int
	defaultEndpoint string

	mu       sync.RWMutex
	browsers map[string]*Browser
	pages    map[string]pageEntry

	logf, errf LogFunc

	cancelCleanup context.CancelFunc
}

// ManagerOption configures a Manager at construction.
type ManagerOption func(*Manager)

// WithMaxSessions overrides DefaultMaxSessions.
func WithMaxSessions(n int) ManagerOption {
	return func(m *Manager) { m.maxSessions = n }
}

// WithManagerLogf sets the general logging sink.
func WithManagerLogf(f LogFunc) ManagerOption {
	return func(m *Manager) { m.logf = f }
}

// WithManagerErrorf sets the error logging sink.
func WithManagerErrorf(f LogFunc) ManagerOption {
	return func(m *Manager) { m.errf = f }
}

// WithBrowserFactory overrides the default NewBrowser-backed factory,
// primarily for tests.
func WithBrowserFactory(f BrowserFactory) ManagerOption {
	return func(m *Manager) { m.factory = f }
}

// WithDefaultEndpoint sets the CDP endpoint CreateBrowser dials when called
// with an empty endpoint string, wiring §6's configured "cdp endpoint"
// option through to the factory.
func WithDefaultEndpoint(endpoint string) ManagerOption {
	return func(m *Manager) { m.defaultEndpoint = endpoint }
}

// NewManager constructs a Manager sharing one Dispatcher across every
// Browser it creates, so a single event stream covers the whole session
// fleet (§4.5).
func NewManager(dispatcher *Dispatcher, opts ...ManagerOption) *Manager {
	m := &Manager{
		factory: func(ctx context.Context, endpoint string, d *Dispatcher, o ...BrowserOption) (*Browser, error) {
			return NewBrowser(ctx, endpoint, d, o...)
		},
		dispatcher:  dispatcher,
		maxSessions: DefaultMaxSessions,
		browsers:    make(map[string]*Browser),
		pages:       make(map[string]pageEntry),
		logf:        defaultLogf,
		errf:        defaultErrf,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// CreateBrowser dials endpoint and registers the resulting Browser, failing
// with ErrResourceExhausted once the configured session cap is reached
// (§4.5 create_browser).
func (m *Manager) CreateBrowser(ctx context.Context, endpoint string, opts ...BrowserOption) (*Browser, error) {
	if endpoint == "" {
		endpoint = m.defaultEndpoint
	}

	m.mu.Lock()
	if m.maxSessions > 0 && len(m.browsers) >= m.maxSessions {
		m.mu.Unlock()
		return nil, ErrResourceExhausted
	}
	m.mu.Unlock()

	b, err := m.factory(ctx, endpoint, m.dispatcher, opts...)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.maxSessions > 0 && len(m.browsers) >= m.maxSessions {
		m.mu.Unlock()
		_ = b.Close()
		return nil, ErrResourceExhausted
	}
	m.browsers[b.ID()] = b
	m.mu.Unlock()

	return b, nil
}

// GetBrowser resolves a Browser by id.
func (m *Manager) GetBrowser(id string) (*Browser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.browsers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

// GetPage resolves a Page by id, independent of which Browser owns it
// (§4.5 get_page).
func (m *Manager) GetPage(id string) (*Page, error) {
	m.mu.RLock()
	entry, ok := m.pages[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if !entry.page.IsActive() {
		m.mu.Lock()
		delete(m.pages, id)
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	return entry.page, nil
}

// CreatePage creates a new Page under browserID and indexes it for GetPage
// (§4.5 create_page).
func (m *Manager) CreatePage(ctx context.Context, browserID string) (*Page, error) {
	b, err := m.GetBrowser(browserID)
	if err != nil {
		return nil, err
	}
	p, err := b.NewPage(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.pages[p.ID()] = pageEntry{browserID: browserID, page: p}
	m.mu.Unlock()
	return p, nil
}

// BrowserSummary is one row of ListBrowsers output.
type BrowserSummary struct {
	ID        string
	PageCount int
}

// ListBrowsers returns a stable, id-sorted snapshot of the live registry
// (§4.5 list_browsers).
func (m *Manager) ListBrowsers() []BrowserSummary {
	m.mu.RLock()
	out := make([]BrowserSummary, 0, len(m.browsers))
	for id, b := range m.browsers {
		out = append(out, BrowserSummary{ID: id, PageCount: len(b.GetPages())})
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b BrowserSummary) bool { return a.ID < b.ID })
	return out
}

// CloseBrowser closes and deregisters a Browser, along with every Page the
// Manager had indexed under it (§4.5 close_browser).
func (m *Manager) CloseBrowser(id string) error {
	m.mu.Lock()
	b, ok := m.browsers[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.browsers, id)
	for pid, entry := range m.pages {
		if entry.browserID == id {
			delete(m.pages, pid)
		}
	}
	m.mu.Unlock()

	return b.Close()
}

// SessionCount reports the number of live Browsers (§4.5 session_count).
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.browsers)
}

// Cleanup closes every Browser whose Pages have all gone idle-threshold
// without activity, and removes Browsers with zero Pages for longer than
// threshold. Safe to call concurrently with CreateBrowser/CreatePage
// (§4.5 cleanup; grounded in the teacher's pool.go resource-reclaim loop).
func (m *Manager) Cleanup(threshold time.Duration) {
	if threshold <= 0 {
		threshold = DefaultIdleThreshold
	}
	cutoff := time.Now().Add(-threshold)

	m.mu.RLock()
	browsers := make([]*Browser, 0, len(m.browsers))
	for _, b := range m.browsers {
		browsers = append(browsers, b)
	}
	m.mu.RUnlock()

	for _, b := range browsers {
		pages := b.GetPages()
		if len(pages) == 0 {
			if since, empty := b.EmptySince(); empty && since.Before(cutoff) {
				m.logf("cleanup: closing empty browser %s (idle since %s)", b.ID(), since)
				_ = m.CloseBrowser(b.ID())
			}
			continue
		}
		allIdle := true
		for _, p := range pages {
			if p.LastTouch().After(cutoff) {
				allIdle = false
				break
			}
		}
		if allIdle {
			m.logf("cleanup: closing idle browser %s (%d idle pages)", b.ID(), len(pages))
			_ = m.CloseBrowser(b.ID())
		}
	}
}

// RunCleanup starts a background sweep calling Cleanup(threshold) every
// period, until ctx is cancelled.
func (m *Manager) RunCleanup(ctx context.Context, period, threshold time.Duration) {
	if period <= 0 {
		period = DefaultCleanupPeriod
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancelCleanup = cancel

	ticker := time.NewTicker(period)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Cleanup(threshold)
			}
		}
	}()
}

// StopCleanup cancels a running background sweep started by RunCleanup.
func (m *Manager) StopCleanup() {
	if m.cancelCleanup != nil {
		m.cancelCleanup()
	}
}

// Close closes every registered Browser, used for full shutdown.
func (m *Manager) Close() {
	m.StopCleanup()
	m.mu.Lock()
	browsers := make([]*Browser, 0, len(m.browsers))
	for _, b := range m.browsers {
		browsers = append(browsers, b)
	}
	m.browsers = make(map[string]*Browser)
	m.pages = make(map[string]pageEntry)
	m.mu.Unlock()

	for _, b := range browsers {
		_ = b.Close()
	}
}
