package browserd

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/google/uuid"
	"github.com/mailru/easyjson"
)

// entityState is shared by Browser and Page: both are {Active, Closed}
// per §3 Data Model.
type entityState int32

const (
	stateActive entityState = iota
	stateClosed
)

// Browser is the high-level handle over one CDP Client, owning its
// attached Page sessions exclusively (component C2). A Closed Browser
// rejects all operations, and all Pages under it become Closed atomically
// with it (§3 Invariant).
type Browser struct {
	id string

	client     *Client
	dispatcher *Dispatcher

	state int32 // atomic entityState

	mu           sync.RWMutex
	pages        map[string]*Page // page id -> Page
	sessionPages map[string]*Page // cdp session id -> Page, for event routing

	emptySince atomic.Int64 // unix nanos since pages went empty; 0 if non-empty

	logf, errf          LogFunc
	defaultDeadline     time.Duration
	defaultNavDeadline  time.Duration
	defaultEvalDeadline time.Duration

	cancelSweep context.CancelFunc
}

// BrowserOption configures a Browser at construction.
type BrowserOption func(*Browser)

// WithBrowserLogf sets the general logging sink.
func WithBrowserLogf(f LogFunc) BrowserOption {
	return func(b *Browser) { b.logf = f }
}

// WithBrowserErrorf sets the error logging sink.
func WithBrowserErrorf(f LogFunc) BrowserOption {
	return func(b *Browser) { b.errf = f }
}

// WithBrowserDefaultDeadline overrides DefaultRequestDeadline for every CDP
// call this Browser's Client issues without a context deadline of its own,
// wiring §6's "default request deadline" option through to the Client.
func WithBrowserDefaultDeadline(d time.Duration) BrowserOption {
	return func(b *Browser) { b.defaultDeadline = d }
}

// WithBrowserNavigationDeadline overrides DefaultNavigationDeadline for
// every Page attached under this Browser, wiring §6's "default navigation
// deadline" option through Manager/Config.
func WithBrowserNavigationDeadline(d time.Duration) BrowserOption {
	return func(b *Browser) { b.defaultNavDeadline = d }
}

// WithBrowserEvaluationDeadline overrides DefaultEvaluationDeadline for
// every Page attached under this Browser, wiring §6's "default request
// deadline" option (evaluation side) through Manager/Config.
func WithBrowserEvaluationDeadline(d time.Duration) BrowserOption {
	return func(b *Browser) { b.defaultEvalDeadline = d }
}

// navigationDeadline returns the configured navigation deadline, or the
// package default if the Browser wasn't given one.
func (b *Browser) navigationDeadline() time.Duration {
	if b.defaultNavDeadline > 0 {
		return b.defaultNavDeadline
	}
	return DefaultNavigationDeadline
}

// evaluationDeadline returns the configured evaluation deadline, or the
// package default if the Browser wasn't given one.
func (b *Browser) evaluationDeadline() time.Duration {
	if b.defaultEvalDeadline > 0 {
		return b.defaultEvalDeadline
	}
	return DefaultEvaluationDeadline
}

// NewBrowser connects a CDP Client to urlstr, enables the Target domain,
// discovers the default page target, and attaches to it, mirroring
// chromedp.NewBrowser's dial-then-enable-then-attach sequence (§4.2).
func NewBrowser(ctx context.Context, urlstr string, dispatcher *Dispatcher, opts ...BrowserOption) (*Browser, error) {
	b := &Browser{
		id:           uuid.NewString(),
		dispatcher:   dispatcher,
		pages:        make(map[string]*Page),
		sessionPages: make(map[string]*Page),
		logf:         defaultLogf,
		errf:         defaultErrf,
	}
	for _, o := range opts {
		o(b)
	}

	clientOpts := []ClientOption{WithClientLogf(b.logf), WithClientErrorf(b.errf)}
	if b.defaultDeadline > 0 {
		clientOpts = append(clientOpts, WithDefaultDeadline(b.defaultDeadline))
	}
	b.client = NewClient(urlstr, dispatcher, clientOpts...)
	if err := b.client.Connect(ctx); err != nil {
		return nil, err
	}
	atomic.StoreInt32(&b.state, int32(stateActive))

	if err := target.SetDiscoverTargets(true).Do(cdp.WithExecutor(ctx, b)); err != nil {
		return nil, err
	}

	infos, err := target.GetTargets().Do(cdp.WithExecutor(ctx, b))
	if err != nil {
		return nil, err
	}

	var pageTargetID target.ID
	for _, info := range infos {
		if info.Type == "page" {
			pageTargetID = info.TargetID
			break
		}
	}
	if pageTargetID == "" {
		pageTargetID, err = target.CreateTarget("about:blank").Do(cdp.WithExecutor(ctx, b))
		if err != nil {
			return nil, err
		}
	}

	if _, err := b.attach(ctx, pageTargetID, ""); err != nil {
		return nil, err
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	b.cancelSweep = cancel
	go b.sweepDetachedTargets(sweepCtx)

	return b, nil
}

// ID returns the Browser's opaque identity.
func (b *Browser) ID() string { return b.id }

// IsActive reports whether the Browser has not been closed.
func (b *Browser) IsActive() bool {
	return entityState(atomic.LoadInt32(&b.state)) == stateActive
}

// Execute implements cdp.Executor for browser-scoped (session-less) CDP
// commands, i.e. everything issued against the Target domain itself.
func (b *Browser) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	if !b.IsActive() {
		return ErrClosed
	}
	msg, err := b.client.SendRequest(ctx, cdproto.MethodType(method), params, "")
	if err != nil {
		return err
	}
	if res != nil && msg != nil {
		return easyjson.Unmarshal(msg.Result, res)
	}
	return nil
}

// attach issues Target.attachToTarget with flatten=true and wraps the
// resulting session in a Page. If pageID is empty a fresh one is minted;
// callers recreating a Page across a reattach pass the existing id.
func (b *Browser) attach(ctx context.Context, targetID target.ID, pageID string) (*Page, error) {
	sessionID, err := target.AttachToTarget(targetID).WithFlatten(true).Do(cdp.WithExecutor(ctx, b))
	if err != nil {
		return nil, err
	}

	if pageID == "" {
		pageID = uuid.NewString()
	}
	p := newPage(pageID, b, targetID, sessionID)

	if err := p.enableDomains(ctx); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.pages[pageID] = p
	b.sessionPages[string(sessionID)] = p
	b.mu.Unlock()
	b.refreshEmptyMarker()

	b.dispatcher.publish(Event{
		Kind:      EventTargetCreated,
		Method:    "Target.attachToTarget",
		SessionID: string(sessionID),
		PageID:    pageID,
		Timestamp: monotonicNow(),
	})

	return p, nil
}

// NewPage creates a fresh target and attaches to it (§4.2).
func (b *Browser) NewPage(ctx context.Context) (*Page, error) {
	if !b.IsActive() {
		return nil, ErrClosed
	}
	targetID, err := target.CreateTarget("about:blank").Do(cdp.WithExecutor(ctx, b))
	if err != nil {
		return nil, err
	}
	return b.attach(ctx, targetID, "")
}

// GetPages returns the currently attached Page handles.
func (b *Browser) GetPages() []*Page {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Page, 0, len(b.pages))
	for _, p := range b.pages {
		out = append(out, p)
	}
	return out
}

// GetPage looks a page up by id, scoped to this browser.
func (b *Browser) GetPage(id string) (*Page, error) {
	b.mu.RLock()
	p, ok := b.pages[id]
	b.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

// Close marks the Browser (and every Page under it) Closed and closes the
// CDP client. It issues no Target.detachFromTarget; the sessions end with
// the connection. Idempotent and never fails observably; internal failures
// are logged (§7 policy).
func (b *Browser) Close() error {
	if !atomic.CompareAndSwapInt32(&b.state, int32(stateActive), int32(stateClosed)) {
		return nil
	}
	if b.cancelSweep != nil {
		b.cancelSweep()
	}

	b.mu.Lock()
	pages := make([]*Page, 0, len(b.pages))
	for _, p := range b.pages {
		pages = append(pages, p)
	}
	b.mu.Unlock()

	for _, p := range pages {
		p.markClosed()
	}

	if err := b.client.Close(); err != nil {
		b.errf("browser %s: close: %v", b.id, err)
	}
	return nil
}

// sweepDetachedTargets listens for Target.detachedFromTarget and
// Target.targetDestroyed events and closes the corresponding Page, per
// §3's invariant that a Page closes "when the target detaches".
func (b *Browser) sweepDetachedTargets(ctx context.Context) {
	sub := b.dispatcher.Subscribe(EventFilter{
		Methods: []string{"Target.detachedFromTarget", "Target.targetDestroyed", "Target.targetCrashed"},
	})
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			// These Target events arrive on the browser-level connection;
			// the affected session and target ids are in the params.
			var v struct {
				SessionID string `json:"sessionId"`
				TargetID  string `json:"targetId"`
			}
			_ = json.Unmarshal(ev.Payload, &v)
			b.mu.Lock()
			p, found := b.sessionPages[v.SessionID]
			if !found && v.TargetID != "" {
				for _, cand := range b.pages {
					if string(cand.targetID) == v.TargetID {
						p, found = cand, true
						break
					}
				}
			}
			if found {
				delete(b.pages, p.ID())
				delete(b.sessionPages, string(p.sessionID))
			}
			b.mu.Unlock()
			if !found {
				continue
			}
			p.markClosed()
			b.refreshEmptyMarker()
		}
	}
}

// refreshEmptyMarker records when b's page set became empty, or clears the
// marker once it isn't, so Manager.Cleanup can tell a Browser that has gone
// empty apart from one that merely has idle Pages (§4.5 cleanup).
func (b *Browser) refreshEmptyMarker() {
	b.mu.RLock()
	empty := len(b.pages) == 0
	b.mu.RUnlock()
	if !empty {
		b.emptySince.Store(0)
		return
	}
	b.emptySince.CompareAndSwap(0, time.Now().UnixNano())
}

// EmptySince reports when this Browser last had zero attached Pages. The
// second return value is false if the Browser currently has at least one
// Page.
func (b *Browser) EmptySince() (time.Time, bool) {
	ns := b.emptySince.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// pageBySession resolves a Page by its CDP session id.
func (b *Browser) pageBySession(sessionID string) (*Page, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.sessionPages[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	return p, nil
}
