package examftp

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/gonzalop/examftp/internal/ratelimit"
)

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithTimeout sets the timeout for connecting and for each server reply.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		c.timeout = timeout
		return nil
	}
}

// WithIdleTimeout sets the maximum idle time before a PING keep-alive.
// The server drops sessions that stay silent for too long; a student client
// sitting through a long exam should set this below the server's idle limit.
//
// Example:
//
//	client, _ := examftp.Dial("10.0.0.5:2121",
//	    examftp.WithIdleTimeout(2*time.Minute),
//	)
func WithIdleTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		if timeout < 0 {
			return fmt.Errorf("idle timeout must not be negative")
		}
		c.idleTimeout = timeout
		return nil
	}
}

// WithLogger sets the logger for debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// WithDialer sets a custom dialer for control and data connections.
// The dialer's Timeout is overwritten by WithTimeout's value.
func WithDialer(dialer *net.Dialer) Option {
	return func(c *Client) error {
		if dialer == nil {
			return fmt.Errorf("dialer cannot be nil")
		}
		c.dialer = dialer
		return nil
	}
}

// WithBandwidthLimit caps data transfers to bytesPerSecond. Zero disables it.
func WithBandwidthLimit(bytesPerSecond int64) Option {
	return func(c *Client) error {
		c.limiter = ratelimit.New(bytesPerSecond)
		return nil
	}
}

// WithChunkSize sets the transfer chunk size. Values below 64 KiB are raised.
func WithChunkSize(n int) Option {
	return func(c *Client) error {
		c.chunkSize = n
		return nil
	}
}

// WithProgress registers a callback invoked after every transferred chunk.
func WithProgress(fn ProgressFunc) Option {
	return func(c *Client) error {
		c.progress = fn
		return nil
	}
}
