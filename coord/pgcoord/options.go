package pgcoord

import (
	"io"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// options configures the service (internal only).
type options struct {
	logger        *slog.Logger
	tableName     string
	sessionTTL    time.Duration
	renewInterval time.Duration
	reapInterval  time.Duration
	clock         clockwork.Clock
}

// defaultOptions returns sensible defaults.
func defaultOptions() options {
	return options{
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		tableName:     "hrfs",
		sessionTTL:    10 * time.Second,
		renewInterval: 3 * time.Second,
		reapInterval:  5 * time.Second,
		clock:         clockwork.NewRealClock(),
	}
}

// Option is a functional option for the service.
type Option func(*options)

// WithLogger sets the logger.
// If the logger is nil, a no-op logger is used.
// DEFAULT: A no-op logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
			return
		}

		o.logger = logger
	}
}

// WithTableName sets the prefix of the tables and the notification channel.
// DEFAULT: "hrfs"
func WithTableName(name string) Option {
	return func(o *options) {
		o.tableName = name
	}
}

// WithSessionTTL sets how long a session survives without renewal. Renewal
// runs at a third and expired sessions are reaped at half of it.
// DEFAULT: 10 seconds
func WithSessionTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.sessionTTL = ttl
		o.renewInterval = ttl / 3
		o.reapInterval = ttl / 2
	}
}

// WithClock sets the clock used for session expiry.
// DEFAULT: the real clock
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}
