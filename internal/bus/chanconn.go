package bus

import (
	"context"
	"sync"
)

// ChanConn is an in-process Conn backed by a buffered channel.
type ChanConn struct {
	socket Socket
	origin string
	out    chan Envelope

	closeOnce sync.Once
	done      chan struct{}
}

func NewChanConn(socket Socket, origin string, buffer int) *ChanConn {
	return &ChanConn{
		socket: socket,
		origin: origin,
		out:    make(chan Envelope, buffer),
		done:   make(chan struct{}),
	}
}

func (c *ChanConn) Socket() Socket        { return c.socket }
func (c *ChanConn) Origin() string        { return c.origin }
func (c *ChanConn) Done() <-chan struct{} { return c.done }
func (c *ChanConn) Out() <-chan Envelope  { return c.out }

func (c *ChanConn) Send(ctx context.Context, env Envelope) error {
	select {
	case <-c.done:
		return ErrSocketClosed
	default:
	}
	select {
	case c.out <- env:
		return nil
	case <-c.done:
		return ErrSocketClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *ChanConn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
