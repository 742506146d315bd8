package pollnet

import (
	"context"
	"net"
)

// Client opens connections that each send one request and read one
// response, all served by a single dispatcher goroutine.
type Client struct {
	dispatcher *Dispatcher
	logger     Logger
}

// NewClient creates a client. The callback set with OnMessageOption receives
// each response.
func NewClient(opt ...Option) (*Client, error) {
	d, err := NewDispatcher(opt...)
	if err != nil {
		return nil, err
	}
	return &Client{dispatcher: d, logger: d.logger}, nil
}

// Dial starts a non-blocking connect to addr and registers the connection
// with req queued for sending once the socket becomes writable.
func (c *Client) Dial(addr *net.TCPAddr, req *Request) (*Conn, error) {
	if req == nil {
		return nil, ErrNoRequest
	}
	sock, err := Dial(addr, c.dispatcher.opts.socketOptions)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("connecting", "addr", addr)
	return c.dispatcher.Attach(sock, req)
}

// Run serves the dialed connections until all of them have closed or ctx is
// canceled.
func (c *Client) Run(ctx context.Context) error {
	return c.dispatcher.run(ctx, true)
}

// Close closes every open connection and releases the poller.
func (c *Client) Close() error {
	return c.dispatcher.Close()
}

// Len returns the number of open connections.
func (c *Client) Len() int {
	return c.dispatcher.Len()
}
