package lockservice

import (
	"fmt"
	"os"
	"time"

	"github.com/marmos91/dittolock/pkg/blob"
)

// Default lock timing.
const (
	DefaultTTL           = 30 * time.Second
	DefaultWaitBudget    = 10 * time.Second
	DefaultRenewalMargin = 5 * time.Second
	DefaultPollInterval  = 100 * time.Millisecond
)

// Options configures a Coordinator. Zero values select the defaults above.
type Options struct {
	// DefaultTTL is how long a granted lock lives without renewal.
	DefaultTTL time.Duration

	// WaitBudget bounds how long an acquisition waits for a grant. A
	// negative value means a single attempt without waiting.
	WaitBudget time.Duration

	// RenewalMargin is how long before expiry the ExpiresSoon signal fires.
	// Margins not smaller than the TTL are clamped to half the TTL.
	RenewalMargin time.Duration

	// PollInterval paces acquisition retries against the record store.
	PollInterval time.Duration

	// Owner identifies this process in lock documents. Each Lock appends a
	// unique suffix, so two handles in one process never share an owner.
	// Defaults to "<hostname>:<pid>".
	Owner string
}

// withDefaults returns a copy of o with zero fields filled in.
func (o Options) withDefaults() Options {
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = DefaultTTL
	}
	if o.WaitBudget == 0 {
		o.WaitBudget = DefaultWaitBudget
	}
	if o.RenewalMargin <= 0 {
		o.RenewalMargin = DefaultRenewalMargin
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Owner == "" {
		o.Owner = defaultOwner()
	}
	return o
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// Signal is a passive notification raised by a held Lock.
type Signal int

const (
	// SignalExpiresSoon fires once per grant or renewal, RenewalMargin
	// before the lock expires. It is advisory.
	SignalExpiresSoon Signal = iota + 1

	// SignalExpired fires when the TTL elapsed without renewal or release.
	// The lock is no longer held when it is delivered.
	SignalExpired
)

func (s Signal) String() string {
	switch s {
	case SignalExpiresSoon:
		return "expires-soon"
	case SignalExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// LockOptions configures one Lock. Zero durations inherit the coordinator
// Options.
type LockOptions struct {
	TTL           time.Duration
	WaitBudget    time.Duration
	RenewalMargin time.Duration
	PollInterval  time.Duration

	// OnSignal receives passive signals. It is called from a timer goroutine
	// without any Lock mutex held and must not block for long.
	OnSignal func(Signal)
}

// resolve fills zero fields from the coordinator defaults.
func (o LockOptions) resolve(defaults Options) LockOptions {
	if o.TTL <= 0 {
		o.TTL = defaults.DefaultTTL
	}
	if o.WaitBudget == 0 {
		o.WaitBudget = defaults.WaitBudget
	}
	if o.RenewalMargin <= 0 {
		o.RenewalMargin = defaults.RenewalMargin
	}
	if o.RenewalMargin >= o.TTL {
		o.RenewalMargin = o.TTL / 2
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaults.PollInterval
	}
	return o
}

// Info is a snapshot of a granted holder entry.
type Info struct {
	FileID     blob.FileID
	Owner      string
	Mode       Mode
	AcquiredAt time.Time
	ExpiresAt  time.Time
	Renewals   int
}
