package verto

import "time"

// config holds the configuration for a Server
type config struct {
	port    int
	backlog int

	// Fairness budgets
	expireBudget int
	rehashBudget int

	// Connection management
	idleTimeout     time.Duration
	outboundSoftCap int

	// Large-aggregate destruction
	asyncThreshold int
	destroyWorkers int

	// Observability
	logger Logger
}

// defaultConfig returns a configuration with sensible defaults
func defaultConfig() *config {
	return &config{
		port:            1234,
		backlog:         128,
		expireBudget:    2000,
		rehashBudget:    128,
		idleTimeout:     5 * time.Minute,
		outboundSoftCap: 8 << 20,
		asyncThreshold:  1000,
		destroyWorkers:  4,
		logger:          &defaultLogger{},
	}
}

// Option represents a configuration option for a Server
type Option func(*config) error

// WithPort sets the TCP port to listen on. Zero picks an ephemeral port.
//
// Example:
//
//	WithPort(1234)
func WithPort(port int) Option {
	return func(c *config) error {
		if port < 0 || port > 65535 {
			return ErrInvalidConfig
		}
		c.port = port
		return nil
	}
}

// WithLogger sets a custom logger implementation
func WithLogger(logger Logger) Option {
	return func(c *config) error {
		if logger == nil {
			return ErrInvalidConfig
		}
		c.logger = logger
		return nil
	}
}

// WithExpireBudget bounds how many expired keys one event-loop tick may
// drain, so an expiration burst cannot starve I/O.
//
// Example:
//
//	WithExpireBudget(2000)
func WithExpireBudget(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return ErrInvalidConfig
		}
		c.expireBudget = n
		return nil
	}
}

// WithRehashBudget bounds how many hash-table buckets one keyspace
// operation may migrate during an incremental rehash.
func WithRehashBudget(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return ErrInvalidConfig
		}
		c.rehashBudget = n
		return nil
	}
}

// WithIdleTimeout closes connections idle for longer than the timeout.
// Zero disables idle reaping.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d < 0 {
			return ErrInvalidConfig
		}
		c.idleTimeout = d
		return nil
	}
}

// WithOutboundSoftCap suspends reads on a connection whose outbound buffer
// exceeds the cap, until the peer drains it below half.
func WithOutboundSoftCap(bytes int) Option {
	return func(c *config) error {
		if bytes <= 0 {
			return ErrInvalidConfig
		}
		c.outboundSoftCap = bytes
		return nil
	}
}

// WithAsyncDestroyThreshold sets the sorted-set size past which destruction
// is handed to a background worker. Zero destroys everything inline.
func WithAsyncDestroyThreshold(members int) Option {
	return func(c *config) error {
		if members < 0 {
			return ErrInvalidConfig
		}
		c.asyncThreshold = members
		return nil
	}
}

// WithDestroyWorkers sizes the background destruction pool.
func WithDestroyWorkers(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return ErrInvalidConfig
		}
		c.destroyWorkers = n
		return nil
	}
}

// WithBacklog sets the listen(2) backlog.
func WithBacklog(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return ErrInvalidConfig
		}
		c.backlog = n
		return nil
	}
}
