package browserd

import (
	"context"
	"time"
)

// DefaultHost is the bind address an embedding RPC server listens on when
// Config doesn't override it (§6).
const DefaultHost = "0.0.0.0"

// DefaultPort is the bind port an embedding RPC server listens on when
// Config doesn't override it (§6).
const DefaultPort = 50051

// DefaultCdpEndpoint is the CDP endpoint CreateBrowser dials when Config
// doesn't override it (§6).
const DefaultCdpEndpoint = "ws://localhost:9222"

// Config holds the recognized options (§6) this core reads from its
// caller. It is a plain struct, not a flag/env-parsing layer: loading it
// from a file, environment, or command line is the job of the RPC server
// that embeds this module, not the module itself.
type Config struct {
	// Host is the bind address the embedding RPC server listens on
	// (default DefaultHost). The core itself never binds a socket for
	// RPC traffic (Non-goal, §1); this field exists only so one Config
	// value carries every option named in §6.
	Host string

	// Port is the bind port the embedding RPC server listens on (default
	// DefaultPort).
	Port int

	// Endpoint is the CDP endpoint of an already-running browser (a
	// ws:// URL). The core never launches Chrome itself (Non-goal).
	Endpoint string

	// MaxSessions bounds concurrent Browsers (default DefaultMaxSessions).
	MaxSessions int

	// IdleThreshold is how long a Page may go untouched before Cleanup
	// considers its Browser reclaimable (default DefaultIdleThreshold).
	IdleThreshold time.Duration

	// CleanupPeriod is how often the background sweep runs when started
	// via Manager.RunCleanup (default DefaultCleanupPeriod).
	CleanupPeriod time.Duration

	// RequestDeadline bounds a single CDP round trip with no deadline of
	// its own (default DefaultRequestDeadline).
	RequestDeadline time.Duration

	// NavigationDeadline bounds navigate/reload (default
	// DefaultNavigationDeadline).
	NavigationDeadline time.Duration

	// EvaluationDeadline bounds evaluate and other synchronous page/element
	// operations (default DefaultEvaluationDeadline).
	EvaluationDeadline time.Duration

	// BusCapacity bounds the Dispatcher's inbound queue (default
	// DefaultBusCapacity).
	BusCapacity int

	// SubscriberCapacity bounds each Dispatcher subscriber's forward queue
	// (default DefaultSubscriberCapacity).
	SubscriberCapacity int
}

// WithDefaults returns a copy of c with every zero-valued field replaced by
// its documented default.
func (c Config) WithDefaults() Config {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Endpoint == "" {
		c.Endpoint = DefaultCdpEndpoint
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.IdleThreshold == 0 {
		c.IdleThreshold = DefaultIdleThreshold
	}
	if c.CleanupPeriod == 0 {
		c.CleanupPeriod = DefaultCleanupPeriod
	}
	if c.RequestDeadline == 0 {
		c.RequestDeadline = DefaultRequestDeadline
	}
	if c.NavigationDeadline == 0 {
		c.NavigationDeadline = DefaultNavigationDeadline
	}
	if c.EvaluationDeadline == 0 {
		c.EvaluationDeadline = DefaultEvaluationDeadline
	}
	if c.BusCapacity == 0 {
		c.BusCapacity = DefaultBusCapacity
	}
	if c.SubscriberCapacity == 0 {
		c.SubscriberCapacity = DefaultSubscriberCapacity
	}
	return c
}

// NewManagerFromConfig wires a Manager and its Dispatcher from a Config,
// the composition root an embedding RPC server calls once at startup.
func NewManagerFromConfig(c Config) (*Manager, *Dispatcher) {
	c = c.WithDefaults()
	dispatcher := NewDispatcher(
		WithBusCapacity(c.BusCapacity),
		WithSubscriberCapacity(c.SubscriberCapacity),
	)
	manager := NewManager(dispatcher,
		WithMaxSessions(c.MaxSessions),
		WithDefaultEndpoint(c.Endpoint),
		WithBrowserFactory(func(ctx context.Context, endpoint string, d *Dispatcher, opts ...BrowserOption) (*Browser, error) {
			defaults := []BrowserOption{
				WithBrowserDefaultDeadline(c.RequestDeadline),
				WithBrowserNavigationDeadline(c.NavigationDeadline),
				WithBrowserEvaluationDeadline(c.EvaluationDeadline),
			}
			return NewBrowser(ctx, endpoint, d, append(defaults, opts...)...)
		}),
	)
	return manager, dispatcher
}
