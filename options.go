package hrfsring

import (
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// options configures the lock, the watcher and the manager (internal only).
type options struct {
	logger          *slog.Logger
	retryInitial    time.Duration
	retryMax        time.Duration
	retryMaxElapsed time.Duration
	cleanupTimeout  time.Duration
	registerer      prometheus.Registerer
	listeners       []RingListener
}

// defaultOptions returns sensible defaults.
func defaultOptions() options {
	return options{
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		retryInitial:    50 * time.Millisecond,
		retryMax:        5 * time.Second,
		retryMaxElapsed: 0,
		cleanupTimeout:  5 * time.Second,
	}
}

func newOptions(opts []Option) options {
	var o = defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// newBackOff builds the retry policy for transient coordination failures.
func (o options) newBackOff() backoff.BackOff {
	var b = backoff.NewExponentialBackOff()
	b.InitialInterval = o.retryInitial
	b.MaxInterval = o.retryMax
	b.MaxElapsedTime = o.retryMaxElapsed
	b.RandomizationFactor = 0.2
	b.Multiplier = 2
	b.Reset()
	return b
}

// Option is a functional option for the lock, the watcher and the manager.
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

// WithRetryBackoff sets the exponential backoff used to retry transient
// coordination failures.
// A zero maxElapsed retries until the context ends or the session dies.
func WithRetryBackoff(initial, max, maxElapsed time.Duration) Option {
	return func(o *options) {
		o.retryInitial = initial
		o.retryMax = max
		o.retryMaxElapsed = maxElapsed
	}
}

// WithCleanupTimeout bounds the best-effort deletion of a lock node left
// behind by an abandoned Lock call.
func WithCleanupTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.cleanupTimeout = timeout
	}
}

// WithRegisterer registers the manager's metrics.
// DEFAULT: metrics are collected but not registered
func WithRegisterer(registerer prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = registerer
	}
}

// WithListener forwards ring updates and session loss seen by the manager
// to an additional listener, e.g. the storage node's rebalancer.
func WithListener(listener RingListener) Option {
	return func(o *options) {
		if listener != nil {
			o.listeners = append(o.listeners, listener)
		}
	}
}
