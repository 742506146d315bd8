package pollnet

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// options holds the configuration shared by a dispatcher and its connections.
type options struct {
	logger Logger
	poller Poller

	onMessage func(conn *Conn, message *Message) error
	// onError is called with every error that closes a connection.
	onError func(conn *Conn, err error)

	readChunkSize int           // bytes requested per read call
	maxReadLength int           // maximum size of a single message
	heartbeat     time.Duration // poller wait timeout, 0 waits indefinitely
	idleTimeout   time.Duration // close connections idle this long, 0 disables
	drainTimeout  time.Duration // how long a stopping server keeps serving open connections

	socketOptions SocketOptions
	registerer    prometheus.Registerer
}

// Option is a function that configures dispatcher and connection options.
type Option func(*options)

// ReadChunkSizeOption returns an Option that sets how many bytes one read
// readiness event may pull from the socket.
func ReadChunkSizeOption(size int) Option {
	return func(o *options) {
		o.readChunkSize = size
	}
}

// HeartbeatOption returns an Option that sets the heartbeat interval.
// The poller wakes at least this often even when no socket is ready.
func HeartbeatOption(heartbeat time.Duration) Option {
	return func(o *options) {
		o.heartbeat = heartbeat
	}
}

// IdleTimeoutOption returns an Option that closes connections which saw no
// I/O for the given duration.
func IdleTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = timeout
	}
}

// ShutdownTimeoutOption returns an Option that sets the graceful shutdown
// timeout. When a server's context is canceled it stops accepting and keeps
// serving open connections for up to this duration before closing them.
// Default is 0 (immediate shutdown).
func ShutdownTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.drainTimeout = timeout
	}
}

// MessageMaxSize returns an Option that sets the maximum message buffer size.
// Messages larger than this size cannot be received.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// OnErrorOption returns an Option that sets the error callback.
// The callback observes every error that closes a connection; the
// connection is closed regardless.
func OnErrorOption(cb func(*Conn, error)) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// OnMessageOption returns an Option that sets the message handler callback.
// This callback is required and is invoked once per connection with the
// decoded message. Calling Conn.Reply from it sends a response before the
// connection closes.
func OnMessageOption(cb func(*Conn, *Message) error) Option {
	return func(o *options) {
		o.onMessage = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// PollerOption returns an Option that replaces the platform poller.
func PollerOption(poller Poller) Option {
	return func(o *options) {
		o.poller = poller
	}
}

// SocketOption returns an Option that sets the options applied to
// listening and dialed sockets.
func SocketOption(opts SocketOptions) Option {
	return func(o *options) {
		o.socketOptions = opts
	}
}

// MetricsRegistryOption returns an Option that registers the connection
// metrics with r. Without it the metrics are collected but not registered.
func MetricsRegistryOption(r prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = r
	}
}
