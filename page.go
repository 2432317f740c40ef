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
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
)

// DefaultNavigationDeadline is applied to navigate/reload when the caller's
// context carries no deadline of its own (§4.3).
const DefaultNavigationDeadline = 30 * time.Second

// DefaultEvaluationDeadline is applied to evaluate and the other
// synchronous page operations when the caller's context carries no
// deadline of its own (§4.3).
const DefaultEvaluationDeadline = 10 * time.Second

// DefaultPollInterval is the poll interval Element.WaitFor and
// Page.WaitForSelector use (§4.4).
const DefaultPollInterval = 100 * time.Millisecond

// Page is the per-target CDP session handle: domain enablement, navigation,
// evaluation, DOM queries, and screenshots (component C3). Its session id
// is stable from attach to close (§3 Invariant).
type Page struct {
	id       string
	browser  *Browser
	targetID target.ID
	sessionID target.SessionID

	state int32 // atomic entityState

	mu             sync.Mutex
	enabledDomains map[string]bool
	frameID        cdp.FrameID
	execContextID  runtime.ExecutionContextID
	elements       map[string]*Element

	lastTouch atomic.Int64 // unix nanos, for Session Manager idle sweep

	profile *Profile // bound stealth profile, applied on next navigation

	dialogHandler DialogHandler

	eventLoopDone chan struct{}
	stopEventLoop context.CancelFunc
}

func newPage(id string, b *Browser, targetID target.ID, sessionID target.SessionID) *Page {
	p := &Page{
		id:             id,
		browser:        b,
		targetID:       targetID,
		sessionID:      sessionID,
		enabledDomains: make(map[string]bool),
		elements:       make(map[string]*Element),
		eventLoopDone:  make(chan struct{}),
	}
	p.lastTouch.Store(time.Now().UnixNano())
	return p
}

// ID returns the Page's opaque identity, distinct from the CDP target id.
func (p *Page) ID() string { return p.id }

// BrowserID returns the owning Browser's id. The Page reaches its Browser
// through a direct *Browser pointer, not through an id lookup.
func (p *Page) BrowserID() string { return p.browser.id }

// IsActive reports whether the Page has not been closed.
func (p *Page) IsActive() bool {
	return entityState(atomic.LoadInt32(&p.state)) == stateActive && p.browser.IsActive()
}

func (p *Page) touch() {
	p.lastTouch.Store(time.Now().UnixNano())
}

// Execute implements cdp.Executor, scoping every command to this Page's
// CDP session id, the way chromedp.Target.Execute does.
func (p *Page) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	if !p.IsActive() {
		return ErrClosed
	}
	msg, err := p.browser.client.SendRequest(ctx, cdproto.MethodType(method), params, string(p.sessionID))
	if err != nil {
		return err
	}
	if res != nil && msg != nil {
		return easyjson.Unmarshal(msg.Result, res)
	}
	return nil
}

func (p *Page) exec(ctx context.Context) context.Context {
	return cdp.WithExecutor(ctx, p)
}

// enableDomains enables the Page, Runtime, DOM, Network, and Log domains,
// skipping any domain already recorded in enabledDomains (§4.3), then
// records the main frame id and starts the Page's event loop. Browser.attach
// calls it once per Page; a second call would start a second event loop.
func (p *Page) enableDomains(ctx context.Context) error {
	type enabler struct {
		domain string
		do     func(context.Context) error
	}
	enablers := []enabler{
		{"Page", func(c context.Context) error { return page.Enable().Do(p.exec(c)) }},
		{"Runtime", func(c context.Context) error { return runtime.Enable().Do(p.exec(c)) }},
		{"DOM", func(c context.Context) error { return dom.Enable().Do(p.exec(c)) }},
		{"Network", func(c context.Context) error { return network.Enable().Do(p.exec(c)) }},
		// Log.enable turns on Log.entryAdded, the other half of the
		// ConsoleMessage event kind alongside Runtime.consoleAPICalled
		// (SPEC_FULL.md "Console/log event capture").
		{"Log", func(c context.Context) error { return log.Enable().Do(p.exec(c)) }},
	}
	for _, e := range enablers {
		if err := p.ensureEnabled(ctx, e.domain, e.do); err != nil {
			return err
		}
	}

	tree, err := page.GetFrameTree().Do(p.exec(ctx))
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.frameID = tree.Frame.ID
	p.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	p.stopEventLoop = cancel
	go p.runEventLoop(loopCtx)

	return nil
}

// DialogHandler decides how to respond to a native JS dialog
// (alert/confirm/prompt/beforeunload): return accept=true to accept the
// dialog, optionally supplying promptText for a prompt() dialog, or
// accept=false to dismiss it. A nil handler leaves a dialog unhandled, which
// stalls the page's main thread; installing a handler afterwards does not
// resolve a dialog that is already open. This module doesn't auto-dismiss
// (SPEC_FULL.md "Dialog
// auto-dismissal hook" extension point, not a spec.md operation).
type DialogHandler func(message, dialogType string) (accept bool, promptText string)

// SetDialogHandler installs the callback invoked on
// Page.javascriptDialogOpening. Pass nil to remove it.
func (p *Page) SetDialogHandler(h DialogHandler) {
	p.mu.Lock()
	p.dialogHandler = h
	p.mu.Unlock()
}

// runEventLoop keeps the Page's execution-context bookkeeping current and
// dispatches native dialogs to the registered DialogHandler, for as long as
// loopCtx is live. It subscribes to the shared Dispatcher scoped to this
// Page's session id, the same pattern Browser.sweepDetachedTargets uses for
// target lifecycle events.
func (p *Page) runEventLoop(loopCtx context.Context) {
	defer close(p.eventLoopDone)

	sub := p.browser.dispatcher.Subscribe(EventFilter{
		SessionID: string(p.sessionID),
		Methods: []string{
			"Runtime.executionContextCreated",
			"Runtime.executionContextsCleared",
			"Runtime.executionContextDestroyed",
			"Page.javascriptDialogOpening",
		},
	})
	defer sub.Close()

	for {
		select {
		case <-loopCtx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			switch ev.Method {
			case "Runtime.executionContextCreated":
				p.onExecutionContextCreated(ev.Payload)
			case "Runtime.executionContextsCleared":
				p.mu.Lock()
				p.execContextID = 0
				p.mu.Unlock()
			case "Page.javascriptDialogOpening":
				p.onDialogOpening(loopCtx, ev.Payload)
			}
		}
	}
}

type executionContextCreatedPayload struct {
	Context struct {
		ID int64 `json:"id"`
	} `json:"context"`
}

// onExecutionContextCreated records the most recently created execution
// context so Evaluate can target the right JS realm after a navigation
// replaces the document's context (SPEC_FULL.md "Frame/execution-context
// bookkeeping per Page").
func (p *Page) onExecutionContextCreated(payload json.RawMessage) {
	var v executionContextCreatedPayload
	if err := json.Unmarshal(payload, &v); err != nil {
		return
	}
	p.mu.Lock()
	p.execContextID = runtime.ExecutionContextID(v.Context.ID)
	p.mu.Unlock()
}

type dialogOpeningPayload struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (p *Page) onDialogOpening(ctx context.Context, payload json.RawMessage) {
	p.mu.Lock()
	handler := p.dialogHandler
	p.mu.Unlock()
	if handler == nil {
		return
	}

	var v dialogOpeningPayload
	if err := json.Unmarshal(payload, &v); err != nil {
		p.browser.errf("page %s: decode dialog payload: %v", p.id, err)
		return
	}

	accept, promptText := handler(v.Message, v.Type)
	call := page.HandleJavaScriptDialog(accept)
	if promptText != "" {
		call = call.WithPromptText(promptText)
	}
	if err := call.Do(p.exec(ctx)); err != nil {
		p.browser.errf("page %s: handle dialog: %v", p.id, err)
	}
}

func (p *Page) ensureEnabled(ctx context.Context, domain string, do func(context.Context) error) error {
	p.mu.Lock()
	if p.enabledDomains[domain] {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := do(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	p.enabledDomains[domain] = true
	p.mu.Unlock()
	return nil
}

// NavigateResult is the result of Navigate/Reload (§4.3).
type NavigateResult struct {
	URL            string
	Status         string
	DocumentTitle  string
}

// NavigateOptions overrides navigate/reload defaults.
type NavigateOptions struct {
	Deadline time.Duration
	Referer  string
}

// Navigate issues Page.navigate and awaits Page.loadEventFired or
// Page.frameStoppedLoading up to the deadline (§4.3).
func (p *Page) Navigate(ctx context.Context, url string, opts *NavigateOptions) (*NavigateResult, error) {
	if !p.IsActive() {
		return nil, ErrClosed
	}
	defer p.touch()

	ctx, cancel := p.deadlineCtx(ctx, opts.deadline(p.browser.navigationDeadline()))
	defer cancel()

	sub := p.browser.dispatcher.Subscribe(EventFilter{
		SessionID: string(p.sessionID),
		Methods:   []string{"Page.loadEventFired", "Page.frameStoppedLoading"},
	})
	defer sub.Close()

	nav := page.Navigate(url)
	if opts != nil && opts.Referer != "" {
		nav = nav.WithReferrer(opts.Referer)
	}
	frameID, _, errText, err := nav.Do(p.exec(ctx))
	if err != nil {
		return nil, err
	}
	if errText != "" {
		return nil, &NavigationFailedError{Reason: errText}
	}
	p.mu.Lock()
	p.frameID = frameID
	p.mu.Unlock()

	select {
	case <-sub.Events():
	case <-ctx.Done():
		return nil, ErrTimeout
	}

	var title string
	res, err := p.Evaluate(ctx, "document.title", true)
	if err == nil && res.Kind == EvalString {
		title = res.Str
	}

	return &NavigateResult{URL: url, Status: "complete", DocumentTitle: title}, nil
}

// Reload issues Page.reload and awaits load the same way Navigate does.
func (p *Page) Reload(ctx context.Context, ignoreCache bool, opts *NavigateOptions) (*NavigateResult, error) {
	if !p.IsActive() {
		return nil, ErrClosed
	}
	defer p.touch()

	ctx, cancel := p.deadlineCtx(ctx, opts.deadline(p.browser.navigationDeadline()))
	defer cancel()

	sub := p.browser.dispatcher.Subscribe(EventFilter{
		SessionID: string(p.sessionID),
		Methods:   []string{"Page.loadEventFired", "Page.frameStoppedLoading"},
	})
	defer sub.Close()

	if err := page.Reload().WithIgnoreCache(ignoreCache).Do(p.exec(ctx)); err != nil {
		return nil, err
	}

	select {
	case <-sub.Events():
	case <-ctx.Done():
		return nil, ErrTimeout
	}

	return &NavigateResult{Status: "complete"}, nil
}

// SetContent replaces the main frame's document via Page.setDocumentContent.
func (p *Page) SetContent(ctx context.Context, html string) error {
	if !p.IsActive() {
		return ErrClosed
	}
	defer p.touch()
	ctx, cancel := p.deadlineCtx(ctx, p.browser.evaluationDeadline())
	defer cancel()

	p.mu.Lock()
	frameID := p.frameID
	p.mu.Unlock()

	return page.SetDocumentContent(frameID, html).Do(p.exec(ctx))
}

// GetContent returns the current document's outer HTML.
func (p *Page) GetContent(ctx context.Context) (string, error) {
	res, err := p.Evaluate(ctx, "document.documentElement.outerHTML", true)
	if err != nil {
		return "", err
	}
	return res.Str, nil
}

// EvalKind tags the shape of an Evaluate result (§4.3).
type EvalKind string

// Recognized evaluation result kinds.
const (
	EvalNull      EvalKind = "Null"
	EvalBool      EvalKind = "Bool"
	EvalNumber    EvalKind = "Number"
	EvalString    EvalKind = "String"
	EvalObject    EvalKind = "Object"
	EvalUndefined EvalKind = "Undefined"
)

// EvalResult is the tagged result of Evaluate.
type EvalResult struct {
	Kind     EvalKind
	Bool     bool
	Number   float64
	Str      string
	ObjectID string
}

// Evaluate runs expr via Runtime.evaluate. When returnByValue is false and
// the result is a JS object, the remote object id is captured in ObjectID
// rather than the value, mirroring §4.3.
func (p *Page) Evaluate(ctx context.Context, expr string, returnByValue bool) (*EvalResult, error) {
	if !p.IsActive() {
		return nil, ErrClosed
	}
	defer p.touch()
	ctx, cancel := p.deadlineCtx(ctx, p.browser.evaluationDeadline())
	defer cancel()

	call := runtime.Evaluate(expr).WithReturnByValue(returnByValue)
	p.mu.Lock()
	execCtxID := p.execContextID
	p.mu.Unlock()
	if execCtxID != 0 {
		call = call.WithContextID(execCtxID)
	}
	obj, exc, err := call.Do(p.exec(ctx))
	if err != nil {
		return nil, err
	}
	if exc != nil {
		return nil, &EvaluationError{Text: exceptionText(exc)}
	}
	return decodeRemoteObject(obj)
}

func decodeRemoteObject(obj *runtime.RemoteObject) (*EvalResult, error) {
	if obj == nil {
		return &EvalResult{Kind: EvalUndefined}, nil
	}
	switch obj.Type {
	case "undefined":
		return &EvalResult{Kind: EvalUndefined}, nil
	case "object", "function":
		if obj.ObjectID != "" {
			return &EvalResult{Kind: EvalObject, ObjectID: string(obj.ObjectID)}, nil
		}
		if len(obj.Value) == 0 || string(obj.Value) == "null" {
			return &EvalResult{Kind: EvalNull}, nil
		}
	}

	var v interface{}
	if len(obj.Value) > 0 {
		if err := json.Unmarshal(obj.Value, &v); err != nil {
			return nil, ErrDecode
		}
	}
	switch x := v.(type) {
	case nil:
		return &EvalResult{Kind: EvalNull}, nil
	case bool:
		return &EvalResult{Kind: EvalBool, Bool: x}, nil
	case float64:
		return &EvalResult{Kind: EvalNumber, Number: x}, nil
	case string:
		return &EvalResult{Kind: EvalString, Str: x}, nil
	default:
		return &EvalResult{Kind: EvalString, Str: string(obj.Value)}, nil
	}
}

func exceptionText(exc *runtime.ExceptionDetails) string {
	if exc == nil {
		return ""
	}
	if exc.Exception != nil && len(exc.Exception.Description) > 0 {
		return exc.Exception.Description
	}
	return exc.Text
}

// ScreenshotOptions controls Screenshot (§4.3).
type ScreenshotOptions struct {
	Format  string // "png" or "jpeg"
	Quality int
	ClipX, ClipY, ClipWidth, ClipHeight float64
	HasClip bool
}

// Screenshot captures the page via Page.captureScreenshot.
func (p *Page) Screenshot(ctx context.Context, opts *ScreenshotOptions) ([]byte, error) {
	if !p.IsActive() {
		return nil, ErrClosed
	}
	defer p.touch()
	ctx, cancel := p.deadlineCtx(ctx, p.browser.evaluationDeadline())
	defer cancel()

	shot := page.CaptureScreenshot()
	if opts != nil {
		if opts.Format != "" {
			shot = shot.WithFormat(page.CaptureScreenshotFormat(opts.Format))
		}
		if opts.Quality > 0 {
			shot = shot.WithQuality(int64(opts.Quality))
		}
		if opts.HasClip {
			shot = shot.WithClip(&page.Viewport{
				X: opts.ClipX, Y: opts.ClipY,
				Width: opts.ClipWidth, Height: opts.ClipHeight,
				Scale: 1,
			})
		}
	}
	return shot.Do(p.exec(ctx))
}

// SetViewport overrides device metrics via Emulation.setDeviceMetricsOverride.
func (p *Page) SetViewport(ctx context.Context, width, height int64, deviceScaleFactor float64) error {
	if !p.IsActive() {
		return ErrClosed
	}
	defer p.touch()
	ctx, cancel := p.deadlineCtx(ctx, p.browser.evaluationDeadline())
	defer cancel()

	return emulation.SetDeviceMetricsOverride(width, height, deviceScaleFactor, false).Do(p.exec(ctx))
}

// QuerySelector resolves a single element via
// document.querySelector(sel), returning ErrNotFound when nothing matches.
func (p *Page) QuerySelector(ctx context.Context, selector string) (*Element, error) {
	if !p.IsActive() {
		return nil, ErrClosed
	}
	defer p.touch()
	ctx, cancel := p.deadlineCtx(ctx, p.browser.evaluationDeadline())
	defer cancel()

	encoded, err := json.Marshal(selector)
	if err != nil {
		return nil, err
	}
	expr := fmt.Sprintf("document.querySelector(%s)", encoded)

	obj, exc, err := runtime.Evaluate(expr).WithReturnByValue(false).Do(p.exec(ctx))
	if err != nil {
		return nil, err
	}
	if exc != nil {
		return nil, &EvaluationError{Text: exceptionText(exc)}
	}
	if obj == nil || obj.ObjectID == "" {
		return nil, ErrNotFound
	}

	el := newElement(p, string(obj.ObjectID), selector)
	p.mu.Lock()
	p.elements[el.id] = el
	p.mu.Unlock()
	return el, nil
}

// WaitForSelector polls QuerySelector at DefaultPollInterval until it finds a
// match or ctx's deadline elapses, the same poll-until-found idiom chromedp's
// WaitVisible/WaitReady actions use over a raw query (§4.4).
func (p *Page) WaitForSelector(ctx context.Context, selector string) (*Element, error) {
	if !p.IsActive() {
		return nil, ErrClosed
	}
	ticker := time.NewTicker(DefaultPollInterval)
	defer ticker.Stop()

	for {
		el, err := p.QuerySelector(ctx, selector)
		if err == nil {
			return el, nil
		}
		if err != ErrNotFound {
			return nil, err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ErrTimeout
		}
	}
}

// Close closes the underlying target via Target.closeTarget. Idempotent.
func (p *Page) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.state, int32(stateActive), int32(stateClosed)) {
		return nil
	}
	if p.stopEventLoop != nil {
		p.stopEventLoop()
		<-p.eventLoopDone
	}
	_, err := target.CloseTarget(p.targetID).Do(cdp.WithExecutor(ctx, p.browser))
	if err != nil {
		p.browser.errf("page %s: close target: %v", p.id, err)
	}
	p.browser.mu.Lock()
	delete(p.browser.pages, p.id)
	delete(p.browser.sessionPages, string(p.sessionID))
	p.browser.mu.Unlock()
	p.browser.refreshEmptyMarker()
	return nil
}

// markClosed transitions the Page to Closed without touching the CDP
// target, used when the browser or the target itself is already gone.
func (p *Page) markClosed() {
	if atomic.CompareAndSwapInt32(&p.state, int32(stateActive), int32(stateClosed)) {
		if p.stopEventLoop != nil {
			p.stopEventLoop()
		}
	}
}

// LastTouch reports the last time an operation observed this Page active,
// used by the Session Manager's idle cleanup sweep.
func (p *Page) LastTouch() time.Time {
	return time.Unix(0, p.lastTouch.Load())
}

// Profile returns the stealth Profile currently bound to this Page, or nil
// if none has been applied (§3 Profile: "Bound to zero or more pages").
func (p *Page) Profile() *Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profile
}

// bindProfile records prof as this Page's bound profile, called by Applier
// once it has finished applying it.
func (p *Page) bindProfile(prof *Profile) {
	p.mu.Lock()
	p.profile = prof
	p.mu.Unlock()
}

func (p *Page) deadlineCtx(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (o *NavigateOptions) deadline(fallback time.Duration) time.Duration {
	if o == nil || o.Deadline == 0 {
		return fallback
	}
	return o.Deadline
}
