package etcdcoord

import (
	"io"
	"log/slog"
	"time"
)

// options configures the service (internal only).
type options struct {
	logger      *slog.Logger
	namespace   string
	sessionTTL  time.Duration
	dialTimeout time.Duration
	username    string
	password    string
}

// defaultOptions returns sensible defaults.
func defaultOptions() options {
	return options{
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		namespace:   "hrfs/",
		sessionTTL:  10 * time.Second,
		dialTimeout: 5 * time.Second,
	}
}

// Option is a functional option for the service.
type Option func(*options)

// WithLogger sets the logger. Messages of the etcd client are forwarded to it.
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

// WithNamespace sets the key prefix all nodes are stored under.
// An empty namespace stores nodes at the top of the keyspace.
// DEFAULT: "hrfs/"
func WithNamespace(namespace string) Option {
	return func(o *options) {
		o.namespace = namespace
	}
}

// WithSessionTTL sets the TTL of the lease backing each session. etcd leases
// have a granularity of one second, shorter values are rounded up.
// DEFAULT: 10 seconds
func WithSessionTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.sessionTTL = ttl
	}
}

// WithDialTimeout bounds the initial connection to the cluster.
// DEFAULT: 5 seconds
func WithDialTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = timeout
	}
}

// WithCredentials sets the user and password for clusters with auth enabled.
// DEFAULT: none
func WithCredentials(username, password string) Option {
	return func(o *options) {
		o.username = username
		o.password = password
	}
}

// ttlSeconds converts the session TTL to the whole seconds a lease takes.
func (o options) ttlSeconds() int {
	var seconds = int((o.sessionTTL + time.Second - 1) / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}
