package browserd

import (
	"context"

	"github.com/chromedp/cdproto/input"
)

// key describes the input.DispatchKeyEvent fields needed to synthesize one
// keystroke, the same shape chromedp's generated kb.Keys table holds (see
// the teacher's kb/gen.go), but hand-built here for the small set of
// characters Element.Type needs rather than generated from a UIEvents spec.
type key struct {
	code      string
	key       string
	text      string
	windowsVK int64
	nativeVK  int64
}

var specialKeys = map[rune]key{
	'\b': {code: "Backspace", key: "Backspace", windowsVK: 8, nativeVK: 8},
	'\t': {code: "Tab", key: "Tab", text: "\t", windowsVK: 9, nativeVK: 9},
	'\n': {code: "Enter", key: "Enter", text: "\r", windowsVK: 13, nativeVK: 13},
	'\r': {code: "Enter", key: "Enter", text: "\r", windowsVK: 13, nativeVK: 13},
	0x1b: {code: "Escape", key: "Escape", windowsVK: 27, nativeVK: 27},
}

// keyFor resolves a rune to its key description: runes listed in
// specialKeys get that entry, and every other rune becomes a plain text
// keystroke.
func keyFor(r rune) key {
	if k, ok := specialKeys[r]; ok {
		return k
	}
	return key{
		code: "",
		key:  string(r),
		text: string(r),
	}
}

// dispatchKey sends a KeyDown carrying the key's text (RawKeyDown for keys
// with no text) followed by a KeyUp, scoped to p's session via p.exec. No
// separate Char event is sent; the KeyDown's text produces the character.
func dispatchKey(ctx context.Context, p *Page, k key) error {
	ctx2 := p.exec(ctx)

	down := input.DispatchKeyEvent(input.KeyDown)
	if k.text == "" {
		down = input.DispatchKeyEvent(input.KeyRawDown)
	}
	down = down.WithKey(k.key).WithCode(k.code).WithText(k.text).
		WithWindowsVirtualKeyCode(k.windowsVK).WithNativeVirtualKeyCode(k.nativeVK)
	if err := down.Do(ctx2); err != nil {
		return err
	}

	up := input.DispatchKeyEvent(input.KeyUp).
		WithKey(k.key).WithCode(k.code).
		WithWindowsVirtualKeyCode(k.windowsVK).WithNativeVirtualKeyCode(k.nativeVK)
	return up.Do(ctx2)
}
