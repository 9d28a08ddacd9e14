package central

import (
	"log/slog"
	"time"

	"github.com/chaz8081/blecentral/internal/ble/ident"
)

// Options configures the engine.
type Options struct {
	ConnectTimeout time.Duration // adapter must confirm a connect within this bound (default 10s)

	BreakerMaxFailures uint32        // consecutive connect failures before connects are suppressed (default 5)
	BreakerCooldown    time.Duration // how long connects stay suppressed (default 30s)
	BackoffMax         time.Duration // cap of the retry-after hint (default 30s)

	ScanStartsPerWindow int           // scan starts allowed per ScanWindow (default 5)
	ScanWindow          time.Duration // default 30s
	// AutoScan starts scanning as soon as the adapter first reports powered-on.
	AutoScan bool

	EventBuffer int // per-subscriber event queue length (default 256)
	InboxSize   int // per-peripheral command and callback queue length (default 64)

	Logger *slog.Logger
	// IDs derives peripheral ids. A fresh random-keyed deriver is used when nil.
	IDs *ident.Deriver
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:      10 * time.Second,
		BreakerMaxFailures:  5,
		BreakerCooldown:     30 * time.Second,
		BackoffMax:          30 * time.Second,
		ScanStartsPerWindow: 5,
		ScanWindow:          30 * time.Second,
		AutoScan:            true,
		EventBuffer:         256,
		InboxSize:           64,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.BreakerMaxFailures == 0 {
		o.BreakerMaxFailures = def.BreakerMaxFailures
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = def.BreakerCooldown
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = def.BackoffMax
	}
	if o.ScanStartsPerWindow <= 0 {
		o.ScanStartsPerWindow = def.ScanStartsPerWindow
	}
	if o.ScanWindow <= 0 {
		o.ScanWindow = def.ScanWindow
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = def.EventBuffer
	}
	if o.InboxSize <= 0 {
		o.InboxSize = def.InboxSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// backoffDelay returns the retry delay after n consecutive failures
// (n >= 1), doubling from one second and capped at max.
func backoffDelay(failures int, max time.Duration) time.Duration {
	if failures <= 0 {
		return 0
	}
	shift := failures - 1
	// Past 2^30 seconds every realistic cap has long been reached.
	if shift > 30 {
		return max
	}
	delay := time.Duration(1<<uint(shift)) * time.Second
	if delay > max {
		return max
	}
	return delay
}
