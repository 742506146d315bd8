package pollnet

import (
	"context"
	"errors"
	"net"
)

// Server accepts TCP connections and serves one request per connection on a
// single dispatcher goroutine.
type Server struct {
	listener   Listener
	dispatcher *Dispatcher
	logger     Logger
	opts       *options
}

// New creates a server bound to the specified address. The message callback
// set with OnMessageOption answers requests through Conn.Reply.
// Returns an error if the address cannot be bound.
func New(addr *net.TCPAddr, opt ...Option) (*Server, error) {
	d, err := NewDispatcher(opt...)
	if err != nil {
		return nil, err
	}

	listener, err := Listen(addr, d.opts.socketOptions)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	if err := d.Listen(listener); err != nil {
		_ = listener.Close()
		_ = d.Close()
		return nil, err
	}

	return &Server{
		listener:   listener,
		dispatcher: d,
		logger:     d.logger,
		opts:       d.opts,
	}, nil
}

// Serve runs the event loop until the context is canceled or the poller
// fails. When the context is canceled it stops accepting new connections;
// if ShutdownTimeoutOption is set, open connections are served for up to
// that duration before being closed. Serve closes the server on return.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("server started", "addr", s.listener.Addr())
	defer s.Close()

	err := s.dispatcher.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		s.logger.Error("event loop failed", "error", err)
		return err
	}

	if s.opts.drainTimeout > 0 && s.dispatcher.Len() > 0 {
		s.logger.Info("graceful shutdown initiated", "timeout", s.opts.drainTimeout, "connections", s.dispatcher.Len())
		dctx, cancel := context.WithTimeout(context.Background(), s.opts.drainTimeout)
		if derr := s.dispatcher.Drain(dctx); derr != nil && !errors.Is(derr, context.DeadlineExceeded) {
			s.logger.Warn("drain failed", "error", derr)
		}
		cancel()
	}

	s.logger.Info("server stopped", "addr", s.listener.Addr())
	return err
}

// Close closes the listener and every connection. It must not be called
// while Serve is running; cancel Serve's context instead.
func (s *Server) Close() error {
	return s.dispatcher.Close()
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Len returns the number of open connections.
func (s *Server) Len() int {
	return s.dispatcher.Len()
}
