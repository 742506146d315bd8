package pollnet

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Dispatcher owns a poller and every socket registered with it. All socket
// work happens on a single goroutine; a failure on one connection closes
// that connection and nothing else.
type Dispatcher struct {
	poller   Poller
	listener Listener
	// conns maps descriptors to their connection. The listener's entry is nil.
	conns map[int]*Conn

	opts    *options
	logger  Logger
	metrics *connMetrics
	ready   []Readiness
	closed  bool
}

// NewDispatcher creates a dispatcher. OnMessageOption is required.
func NewDispatcher(opt ...Option) (*Dispatcher, error) {
	opts := &options{}
	for _, o := range opt {
		o(opts)
	}
	if err := checkOptions(opts); err != nil {
		return nil, err
	}

	metrics, err := newConnMetrics(opts.registerer)
	if err != nil {
		return nil, err
	}

	if opts.poller == nil {
		p, err := NewPoller()
		if err != nil {
			return nil, err
		}
		opts.poller = p
	}

	return &Dispatcher{
		poller:  opts.poller,
		conns:   make(map[int]*Conn),
		opts:    opts,
		logger:  opts.logger,
		metrics: metrics,
		ready:   make([]Readiness, 0, 128),
	}, nil
}

func checkOptions(opts *options) error {
	if opts.onMessage == nil {
		return ErrInvalidOnMessage
	}
	if opts.onError == nil {
		opts.onError = func(*Conn, error) {}
	}
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
	if opts.readChunkSize <= 0 {
		opts.readChunkSize = defaultReadChunkSize
	}
	if opts.maxReadLength <= 0 {
		opts.maxReadLength = defaultMaxPackageLength
	}
	if opts.idleTimeout > 0 {
		if half := opts.idleTimeout / 2; opts.heartbeat <= 0 || opts.heartbeat > half {
			opts.heartbeat = half
		}
	}
	return nil
}

// Listen registers l for read readiness. Accepted sockets become server
// connections waiting for a request.
func (d *Dispatcher) Listen(l Listener) error {
	if d.listener != nil {
		return ErrAlreadyListening
	}
	if err := d.poller.Add(l.Fd(), EventRead); err != nil {
		return errors.Wrap(err, "register listener")
	}
	d.listener = l
	d.conns[l.Fd()] = nil
	return nil
}

// Attach registers a connected socket. With a nil request the connection
// waits for a message and may Reply to it; otherwise it sends req first and
// then waits for the response.
func (d *Dispatcher) Attach(sock Socket, req *Request) (*Conn, error) {
	if d.closed {
		return nil, ErrConnectionClosed
	}

	c := newConn(sock, d, d.opts, d.metrics, req)
	events, role := EventRead, "server"
	if req != nil {
		events, role = EventRead|EventWrite, "client"
	}
	if err := d.poller.Add(sock.Fd(), events); err != nil {
		_ = sock.Close()
		return nil, errors.Wrapf(err, "register %s", c.addr)
	}
	c.interest = events
	d.conns[sock.Fd()] = c

	d.metrics.opened.WithLabelValues(role).Inc()
	d.metrics.active.Inc()
	d.logger.Info("connection opened", "addr", c.addr, "role", role)
	return c, nil
}

func (d *Dispatcher) modify(c *Conn, events Event) error {
	return d.poller.Modify(c.sock.Fd(), events)
}

func (d *Dispatcher) unregister(c *Conn) error {
	fd := c.sock.Fd()
	if d.conns[fd] != c {
		return nil
	}
	delete(d.conns, fd)
	d.metrics.active.Dec()
	return d.poller.Remove(fd)
}

// Len returns the number of registered connections, not counting the listener.
func (d *Dispatcher) Len() int {
	if d.listener != nil {
		return len(d.conns) - 1
	}
	return len(d.conns)
}

// Poll waits up to timeout for readiness and services every ready socket.
// A non-positive timeout waits until something is ready or Wakeup is called.
// Only poller failures are returned.
func (d *Dispatcher) Poll(timeout time.Duration) error {
	ready, err := d.poller.Wait(d.ready[:0], timeout)
	if err != nil {
		return errors.Wrap(err, "poll")
	}
	d.ready = ready

	for _, r := range ready {
		c, ok := d.conns[r.Fd]
		switch {
		case !ok:
			// closed earlier in this batch
		case c == nil:
			d.accept()
		default:
			d.serve(c, r.Events)
		}
	}

	d.reapIdle(time.Now())
	return nil
}

// accept takes one pending connection. The listener is level-triggered, so
// any others are reported again on the next Poll.
func (d *Dispatcher) accept() {
	sock, err := d.listener.Accept()
	if errors.Is(err, ErrWouldBlock) {
		return
	}
	if err != nil {
		d.logger.Error("accept error", "error", err)
		return
	}
	if _, err := d.Attach(sock, nil); err != nil {
		d.logger.Error("attach error", "addr", sock.RemoteAddr(), "error", err)
	}
}

func (d *Dispatcher) serve(c *Conn, events Event) {
	defer func() {
		if r := recover(); r != nil {
			d.fail(c, errors.Errorf("panic serving %s: %v", c.addr, r))
		}
	}()

	if err := c.HandleEvent(events); err != nil {
		d.fail(c, err)
	}
}

func (d *Dispatcher) fail(c *Conn, err error) {
	if errors.Is(err, ErrPeerClosed) {
		d.logger.Debug("peer closed", "addr", c.addr, "phase", c.phase)
	} else {
		d.logger.Error("connection error", "addr", c.addr, "phase", c.phase, "error", err)
	}
	d.opts.onError(c, err)
	c.shutdown(err)
}

func (d *Dispatcher) reapIdle(now time.Time) {
	if d.opts.idleTimeout <= 0 {
		return
	}
	for _, c := range d.conns {
		if c != nil && now.Sub(c.lastActive) > d.opts.idleTimeout {
			d.fail(c, ErrIdleTimeout)
		}
	}
}

// Run polls until ctx is canceled or the poller fails. It returns ctx.Err()
// after cancellation.
func (d *Dispatcher) Run(ctx context.Context) error {
	return d.run(ctx, false)
}

// run drives Poll from one goroutine while a second one turns context
// cancellation into a poller wakeup. With untilIdle set it also
// returns nil once no connection remains.
func (d *Dispatcher) run(ctx context.Context, untilIdle bool) error {
	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return d.poller.Wakeup()
		case <-done:
			return nil
		}
	})
	g.Go(func() error {
		defer close(done)
		for {
			if err := gctx.Err(); err != nil {
				return ctx.Err()
			}
			if untilIdle && d.Len() == 0 {
				return nil
			}
			if err := d.Poll(d.opts.heartbeat); err != nil {
				return err
			}
		}
	})

	return g.Wait()
}

// stopListening unregisters and closes the listener, if any.
func (d *Dispatcher) stopListening() {
	if d.listener == nil {
		return
	}
	fd := d.listener.Fd()
	delete(d.conns, fd)
	if err := d.poller.Remove(fd); err != nil {
		d.logger.Warn("unregister listener failed", "error", err)
	}
	if err := d.listener.Close(); err != nil {
		d.logger.Warn("listener close failed", "error", err)
	}
	d.listener = nil
}

// Drain stops accepting and keeps serving open connections until none
// remain or ctx is done.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.stopListening()
	return d.run(ctx, true)
}

// Close closes every connection, the listener and the poller.
// It must not be called while Run or Poll is in progress.
func (d *Dispatcher) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true

	for _, c := range d.conns {
		if c != nil {
			c.shutdown(ErrConnectionClosed)
		}
	}
	d.stopListening()
	return d.poller.Close()
}
