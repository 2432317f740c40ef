package browserd

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"text/template"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
)

// Profile is a fingerprint/behavior surface applied to a Page before
// navigation, the stealth-injection counterpart to the driver profiles
// seen across the retrieved pack (grounded in the CrawlPilot chromedp
// driver's NewChromedpDriverWithProfile, generalized from launch-time
// flags to runtime CDP overrides so it applies to an already-attached
// Page rather than a freshly-launched browser process).
type Profile struct {
	UserAgent      string
	AcceptLanguage string
	Platform       string

	ScreenWidth, ScreenHeight int64
	DeviceScaleFactor         float64

	WebGLVendor, WebGLRenderer string

	// Toggles gate which init-script sections get emitted; a Profile with
	// every toggle false still overrides UA/viewport (cheap, CDP-native)
	// but injects nothing into the page's JS realm.
	MaskWebDriver  bool
	MaskWebGL      bool
	MaskCanvas     bool
	MaskAudio      bool
	MaskPlugins    bool
}

// Applier applies a Profile to Pages, tracking the identifier of the
// init-script it last injected per Page so reapplication is idempotent
// (component C7).
type Applier struct {
	logf, errf LogFunc

	mu         sync.Mutex
	lastScript map[*Page]page.ScriptIdentifier
}

// ApplierOption configures an Applier at construction.
type ApplierOption func(*Applier)

// WithApplierLogf sets the general logging sink.
func WithApplierLogf(f LogFunc) ApplierOption {
	return func(a *Applier) { a.logf = f }
}

// WithApplierErrorf sets the error logging sink.
func WithApplierErrorf(f LogFunc) ApplierOption {
	return func(a *Applier) { a.errf = f }
}

// NewApplier constructs an Applier.
func NewApplier(opts ...ApplierOption) *Applier {
	a := &Applier{
		logf:       defaultLogf,
		errf:       defaultErrf,
		lastScript: make(map[*Page]page.ScriptIdentifier),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Apply issues Network.setUserAgentOverride, Emulation.setDeviceMetricsOverride,
// and an init script templated from the Profile's toggles, removing any
// script this Applier previously injected into p first so repeated Apply
// calls never stack overrides (§ Stealth Injector).
func (a *Applier) Apply(ctx context.Context, p *Page, prof *Profile) error {
	if !p.IsActive() {
		return ErrClosed
	}
	if prof == nil {
		return nil
	}

	if prof.UserAgent != "" || prof.AcceptLanguage != "" || prof.Platform != "" {
		ua := network.SetUserAgentOverride(prof.UserAgent)
		if prof.AcceptLanguage != "" {
			ua = ua.WithAcceptLanguage(prof.AcceptLanguage)
		}
		if prof.Platform != "" {
			ua = ua.WithPlatform(prof.Platform)
		}
		if err := ua.Do(p.exec(ctx)); err != nil {
			return err
		}
	}

	if prof.ScreenWidth > 0 && prof.ScreenHeight > 0 {
		dsf := prof.DeviceScaleFactor
		if dsf == 0 {
			dsf = 1
		}
		if err := emulation.SetDeviceMetricsOverride(prof.ScreenWidth, prof.ScreenHeight, dsf, false).Do(p.exec(ctx)); err != nil {
			return err
		}
	}

	a.mu.Lock()
	prevID, hadPrev := a.lastScript[p]
	if hadPrev {
		delete(a.lastScript, p)
	}
	a.mu.Unlock()
	if hadPrev {
		if err := page.RemoveScriptToEvaluateOnNewDocument(prevID).Do(p.exec(ctx)); err != nil {
			a.errf("page %s: remove previous init script: %v", p.id, err)
		}
	}

	script, err := renderInitScript(prof)
	if err != nil {
		return err
	}
	if script == "" {
		p.bindProfile(prof)
		return nil
	}

	id, err := page.AddScriptToEvaluateOnNewDocument(script).Do(p.exec(ctx))
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.lastScript[p] = id
	a.mu.Unlock()
	p.bindProfile(prof)
	a.logf("page %s: applied profile (webdriver=%v webgl=%v canvas=%v audio=%v plugins=%v)",
		p.id, prof.MaskWebDriver, prof.MaskWebGL, prof.MaskCanvas, prof.MaskAudio, prof.MaskPlugins)
	return nil
}

// Forget drops any bookkeeping Apply kept for p. Page.Close does not call
// it; an entry for a closed Page stays until Forget is called for it.
func (a *Applier) Forget(p *Page) {
	a.mu.Lock()
	delete(a.lastScript, p)
	a.mu.Unlock()
}

var initScriptTmpl = template.Must(template.New("init").Parse(`
(() => {
{{- if .MaskWebDriver }}
  Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
{{- end }}
{{- if .MaskPlugins }}
  Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
  Object.defineProperty(navigator, 'languages', { get: () => ['{{ .AcceptLanguage }}'] });
{{- end }}
{{- if .MaskWebGL }}
  const getParameter = WebGLRenderingContext.prototype.getParameter;
  WebGLRenderingContext.prototype.getParameter = function(parameter) {
    if (parameter === 37445) { return '{{ .WebGLVendor }}'; }
    if (parameter === 37446) { return '{{ .WebGLRenderer }}'; }
    return getParameter.call(this, parameter);
  };
{{- end }}
{{- if .MaskCanvas }}
  const toDataURL = HTMLCanvasElement.prototype.toDataURL;
  HTMLCanvasElement.prototype.toDataURL = function(...args) {
    const ctx = this.getContext('2d');
    if (ctx) {
      const shift = (Math.random() - 0.5) * 0.0001;
      ctx.fillStyle = 'rgba(255,255,255,' + Math.abs(shift) + ')';
      ctx.fillRect(0, 0, 1, 1);
    }
    return toDataURL.apply(this, args);
  };
{{- end }}
{{- if .MaskAudio }}
  const createAnalyser = AudioContext.prototype.createAnalyser;
  AudioContext.prototype.createAnalyser = function() {
    const analyser = createAnalyser.call(this);
    const getFloatFrequencyData = analyser.getFloatFrequencyData;
    analyser.getFloatFrequencyData = function(array) {
      getFloatFrequencyData.call(this, array);
      for (let i = 0; i < array.length; i++) {
        array[i] += (Math.random() - 0.5) * 0.0001;
      }
    };
    return analyser;
  };
{{- end }}
})();
`))

// renderInitScript builds the page.addScriptToEvaluateOnNewDocument payload
// for prof, returning "" when no toggle is set (nothing to inject).
func renderInitScript(prof *Profile) (string, error) {
	if !prof.MaskWebDriver && !prof.MaskWebGL && !prof.MaskCanvas && !prof.MaskAudio && !prof.MaskPlugins {
		return "", nil
	}
	var buf bytes.Buffer
	if err := initScriptTmpl.Execute(&buf, prof); err != nil {
		return "", fmt.Errorf("render init script: %w", err)
	}
	return buf.String(), nil
}
