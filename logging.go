package browserd

import (
	"fmt"
	"log/slog"
)

// LogFunc is a printf-style logging sink, the same shape chromedp threads
// through Browser and TargetHandler as logf/errf.
type LogFunc func(string, ...interface{})

// slogLogf and slogErrf back the default LogFunc pair with log/slog,
// matching the structured-logging convention visible across the retrieved
// pack (e.g. joeychilson-websurfer's headless.Browser carries a
// *slog.Logger). chromedp itself defaults to the bare "log" package; this
// module upgrades that default without changing the logf/errf call shape
// any of the components use.
func slogLogf(logger *slog.Logger) LogFunc {
	return func(format string, args ...interface{}) {
		logger.Debug(sprintfLazy(format, args...))
	}
}

func slogErrf(logger *slog.Logger) LogFunc {
	return func(format string, args ...interface{}) {
		logger.Error(sprintfLazy(format, args...))
	}
}

func sprintfLazy(format string, args ...interface{}) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

// defaultLogf and defaultErrf are used by any component constructed without
// its own logf/errf options (WithClientLogf/WithClientErrorf,
// WithBrowserLogf/WithBrowserErrorf, and so on).
var (
	defaultLogf = slogLogf(slog.Default())
	defaultErrf = slogErrf(slog.Default())
)

