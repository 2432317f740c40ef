package browserd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/google/uuid"
)

// Element is a handle to one remote JS object backing a DOM node, scoped to
// the Page that produced it (component C4). An Element becomes stale when
// its remote object id is released by the renderer (e.g. across a
// navigation); stale operations return ErrStale (§3 Invariant).
type Element struct {
	id       string
	page     *Page
	objectID string
	selector string
}

func newElement(p *Page, objectID, selector string) *Element {
	return &Element{
		id:       uuid.NewString(),
		page:     p,
		objectID: objectID,
		selector: selector,
	}
}

// ID returns the Element's opaque identity.
func (e *Element) ID() string { return e.id }

// callOn invokes a JS function body against this element's remote object
// via Runtime.callFunctionOn, the same indirection chromedp's query/eval
// helpers use to operate on a bound node (§4.4).
func (e *Element) callOn(ctx context.Context, fnDecl string, args ...interface{}) (*runtime.RemoteObject, error) {
	if !e.page.IsActive() {
		return nil, ErrClosed
	}
	ctx, cancel := e.page.deadlineCtx(ctx, e.page.browser.evaluationDeadline())
	defer cancel()

	callArgs := make([]*runtime.CallArgument, 0, len(args))
	for _, a := range args {
		buf, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		callArgs = append(callArgs, &runtime.CallArgument{Value: buf})
	}

	obj, exc, err := runtime.CallFunctionOn(fnDecl).
		WithObjectID(objectIDOf(e.objectID)).
		WithArguments(callArgs).
		WithReturnByValue(true).
		Do(e.page.exec(ctx))
	if err != nil {
		if isStaleObjectErr(err) {
			return nil, ErrStale
		}
		return nil, err
	}
	if exc != nil {
		return nil, &EvaluationError{Text: exceptionText(exc)}
	}
	return obj, nil
}

func objectIDOf(s string) runtime.RemoteObjectID {
	return runtime.RemoteObjectID(s)
}

// isStaleObjectErr recognizes the CDP "could not find object with given id"
// family of protocol errors chromedp's query.go maps to a retry/stale
// condition.
func isStaleObjectErr(err error) bool {
	cerr, ok := err.(*CdpError)
	if !ok {
		return false
	}
	return cerr.Code == -32000
}

// boxCentroid returns the viewport-relative center point of the element's
// border box via DOM.getBoxModel, used to target the synthetic mouse event
// in Click (§4.4).
func (e *Element) boxCentroid(ctx context.Context) (x, y float64, err error) {
	model, err := dom.GetBoxModel().WithObjectID(objectIDOf(e.objectID)).Do(e.page.exec(ctx))
	if err != nil {
		if isStaleObjectErr(err) {
			return 0, 0, ErrStale
		}
		return 0, 0, err
	}
	quad := model.Border
	if len(quad) < 8 {
		return 0, 0, ErrNotInteractable
	}
	var sumX, sumY float64
	minX, maxX := quad[0], quad[0]
	minY, maxY := quad[1], quad[1]
	for i := 0; i < 8; i += 2 {
		sumX += quad[i]
		sumY += quad[i+1]
		if quad[i] < minX {
			minX = quad[i]
		}
		if quad[i] > maxX {
			maxX = quad[i]
		}
		if quad[i+1] < minY {
			minY = quad[i+1]
		}
		if quad[i+1] > maxY {
			maxY = quad[i+1]
		}
	}
	if maxX-minX == 0 || maxY-minY == 0 {
		return 0, 0, ErrNotInteractable
	}
	x, y = sumX/4, sumY/4
	return x, y, nil
}

// Click scrolls the element into view if needed and dispatches a synthetic
// mouse press/release at its centroid (§4.4).
func (e *Element) Click(ctx context.Context) error {
	if !e.page.IsActive() {
		return ErrClosed
	}
	defer e.page.touch()
	ctx, cancel := e.page.deadlineCtx(ctx, e.page.browser.evaluationDeadline())
	defer cancel()

	if _, err := e.callOn(ctx, `function() { this.scrollIntoViewIfNeeded(); }`); err != nil {
		return err
	}

	x, y, err := e.boxCentroid(ctx)
	if err != nil {
		return err
	}

	for _, typ := range []input.MouseType{input.MousePressed, input.MouseReleased} {
		err := input.DispatchMouseEvent(typ, x, y).
			WithButton(input.Left).
			WithClickCount(1).
			Do(e.page.exec(ctx))
		if err != nil {
			return err
		}
	}
	return nil
}

// Type focuses the element and dispatches a synthetic key event per code
// point, optionally pausing delayMs between characters (§4.4).
func (e *Element) Type(ctx context.Context, text string, delayMs int) error {
	if !e.page.IsActive() {
		return ErrClosed
	}
	defer e.page.touch()
	ctx, cancel := e.page.deadlineCtx(ctx, e.page.browser.evaluationDeadline())
	defer cancel()

	if _, err := e.callOn(ctx, `function() { this.focus(); }`); err != nil {
		return err
	}

	for i, r := range text {
		if delayMs > 0 && i > 0 {
			select {
			case <-time.After(time.Duration(delayMs) * time.Millisecond):
			case <-ctx.Done():
				return ErrTimeout
			}
		}
		k := keyFor(r)
		if err := dispatchKey(ctx, e.page, k); err != nil {
			return err
		}
	}
	return nil
}

// GetAttribute reads a single DOM attribute by name, returning ErrNotFound
// if the attribute is absent.
func (e *Element) GetAttribute(ctx context.Context, name string) (string, error) {
	encoded, _ := json.Marshal(name)
	obj, err := e.callOn(ctx, fmt.Sprintf(`function() { return this.getAttribute(%s); }`, encoded))
	if err != nil {
		return "", err
	}
	res, err := decodeRemoteObject(obj)
	if err != nil {
		return "", err
	}
	if res.Kind == EvalNull || res.Kind == EvalUndefined {
		return "", ErrNotFound
	}
	return res.Str, nil
}

// SetAttribute sets a single DOM attribute by name.
func (e *Element) SetAttribute(ctx context.Context, name, value string) error {
	nameEnc, _ := json.Marshal(name)
	valEnc, _ := json.Marshal(value)
	_, err := e.callOn(ctx, fmt.Sprintf(`function() { this.setAttribute(%s, %s); }`, nameEnc, valEnc))
	return err
}

// InnerText returns element.innerText.
func (e *Element) InnerText(ctx context.Context) (string, error) {
	obj, err := e.callOn(ctx, `function() { return this.innerText; }`)
	if err != nil {
		return "", err
	}
	res, err := decodeRemoteObject(obj)
	if err != nil {
		return "", err
	}
	return res.Str, nil
}

// InnerHTML returns element.innerHTML.
func (e *Element) InnerHTML(ctx context.Context) (string, error) {
	obj, err := e.callOn(ctx, `function() { return this.innerHTML; }`)
	if err != nil {
		return "", err
	}
	res, err := decodeRemoteObject(obj)
	if err != nil {
		return "", err
	}
	return res.Str, nil
}

// WaitFor polls a boolean predicate expression (evaluated with `this` bound
// to the element) at DefaultPollInterval until it returns true or timeout
// elapses (§4.4).
func (e *Element) WaitFor(ctx context.Context, predicateExpr string, timeout time.Duration) error {
	if !e.page.IsActive() {
		return ErrClosed
	}
	if timeout <= 0 {
		timeout = e.page.browser.evaluationDeadline()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fnDecl := fmt.Sprintf(`function() { return Boolean(%s); }`, predicateExpr)
	ticker := time.NewTicker(DefaultPollInterval)
	defer ticker.Stop()

	for {
		obj, err := e.callOn(ctx, fnDecl)
		if err == nil {
			res, decErr := decodeRemoteObject(obj)
			if decErr == nil && res.Kind == EvalBool && res.Bool {
				return nil
			}
		} else if err == ErrStale {
			return ErrStale
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ErrTimeout
		}
	}
}
