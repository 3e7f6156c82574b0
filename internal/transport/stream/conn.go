// Package stream carries catalog messages over a framed byte stream such as
// a Unix domain socket.
//
// A Conn is symmetric: the client uses it to send requests and receive
// events, and the simulator uses it to receive requests and send responses
// and events. The reader goroutine only routes responses to their waiters;
// group messages and lifecycle events are queued to a second goroutine that
// runs the handlers one at a time, in arrival order. A handler may therefore
// issue SendAndWait on the same Conn.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"bluetooth-hid/internal/hidmsg"
	"bluetooth-hid/internal/transport"
)

type result struct {
	msg hidmsg.Message
	err error
}

// Conn is a transport.Transport over one net.Conn.
type Conn struct {
	transport.Handlers
	transport.Lifecycle
	ids transport.IDSource

	conn net.Conn
	log  *slog.Logger

	wmu sync.Mutex // serializes frame writes

	mu       sync.Mutex
	awaiting map[uint32]chan result
	closed   bool
	err      error

	in *inbox

	cancel context.CancelFunc
	g      *errgroup.Group
	done   chan struct{}
}

var _ transport.Transport = (*Conn)(nil)

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.log = l
		}
	}
}

// New takes ownership of nc and starts reading from it.
func New(nc net.Conn, opts ...Option) *Conn {
	c := &Conn{
		conn:     nc,
		log:      slog.Default(),
		awaiting: make(map[uint32]chan result),
		in:       newInbox(),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("component", "stream", "remote", remoteName(nc))

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	c.cancel, c.g = cancel, g
	g.Go(func() error { return c.readLoop() })
	g.Go(func() error { return c.deliverLoop() })
	g.Go(func() error {
		<-gctx.Done()
		return c.conn.Close()
	})
	go func() {
		_ = g.Wait()
		close(c.done)
	}()
	return c
}

// Dial connects to the server at address and wraps the connection.
func Dial(ctx context.Context, network, address string, opts ...Option) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("stream: dial %s %s: %w", network, address, err)
	}
	return New(nc, opts...), nil
}

func remoteName(nc net.Conn) string {
	if a := nc.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

// Done is closed once the connection is down and the reader has exited.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the error that took the connection down, or nil while it is
// up or after a local Close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close shuts the connection down. Pending SendAndWait calls fail with
// transport.ErrClosed and undelivered messages are dropped. Close waits for
// the running handler to return, so it must not be called from a handler.
// Close is idempotent.
func (c *Conn) Close() error {
	c.shutdown(nil)
	<-c.done
	return nil
}

// shutdown marks the conn closed, fails every waiter, and stops the
// goroutines. It reports whether this call did the work.
func (c *Conn) shutdown(cause error) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.err = cause
	waiting := c.awaiting
	c.awaiting = nil
	c.mu.Unlock()

	for _, ch := range waiting {
		ch <- result{err: transport.ErrClosed}
	}
	if cause == nil {
		c.in.close(true)
	}
	c.cancel()
	return true
}

// NextMessageID implements transport.Transport.
func (c *Conn) NextMessageID() uint32 { return c.ids.Next() }

// Send implements transport.Transport.
func (c *Conn) Send(ctx context.Context, msg hidmsg.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	return c.write(ctx, msg)
}

func (c *Conn) write(ctx context.Context, msg hidmsg.Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	deadline, _ := ctx.Deadline()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := hidmsg.WriteMessage(c.conn, msg); err != nil {
		return fmt.Errorf("%w: %w", transport.ErrSendFailed, err)
	}
	return nil
}

// SendAndWait implements transport.Transport.
func (c *Conn) SendAndWait(ctx context.Context, msg hidmsg.Message, timeout time.Duration) (hidmsg.Message, error) {
	if err := ctx.Err(); err != nil {
		return hidmsg.Message{}, err
	}
	id := msg.Header.MessageID
	ch := make(chan result, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return hidmsg.Message{}, transport.ErrClosed
	}
	if _, dup := c.awaiting[id]; dup {
		c.mu.Unlock()
		return hidmsg.Message{}, fmt.Errorf("stream: message id %d already awaiting a reply", id)
	}
	c.awaiting[id] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.awaiting, id)
		c.mu.Unlock()
	}

	if err := c.write(ctx, msg); err != nil {
		forget()
		return hidmsg.Message{}, err
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case r := <-ch:
		return r.msg, r.err
	case <-expired:
		forget()
		return hidmsg.Message{}, fmt.Errorf("%w: %s after %s", transport.ErrTimeout, msg.Header.Function, timeout)
	case <-ctx.Done():
		forget()
		return hidmsg.Message{}, ctx.Err()
	}
}

func (c *Conn) readLoop() error {
	defer c.in.close(false)
	for {
		msg, err := hidmsg.ReadMessage(c.conn)
		if err != nil {
			if c.shutdown(err) {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					c.log.Info("peer closed connection")
				} else {
					c.log.Warn("read failed", "error", err)
				}
				c.in.push(func() { c.Publish(transport.ClientDeregistered) })
			}
			return nil
		}
		c.route(msg)
	}
}

// route hands a response to its waiter and queues everything else for the
// delivery goroutine.
func (c *Conn) route(msg hidmsg.Message) {
	if msg.Header.IsResponse() {
		c.mu.Lock()
		ch, ok := c.awaiting[msg.Header.MessageID]
		delete(c.awaiting, msg.Header.MessageID)
		c.mu.Unlock()
		if !ok {
			c.log.Debug("dropping unmatched response", "header", msg.Header.String())
			return
		}
		ch <- result{msg: msg}
		return
	}
	c.in.push(func() { c.dispatch(msg) })
}

func (c *Conn) deliverLoop() error {
	for {
		fn, ok := c.in.next()
		if !ok {
			return nil
		}
		fn()
	}
}

func (c *Conn) dispatch(msg hidmsg.Message) {
	if msg.Header.Group == hidmsg.GroupSystem {
		if ev, ok := transport.LifecycleFromFunction(msg.Header.Function); ok {
			c.Publish(ev)
			return
		}
	}

	h, ok := c.Lookup(msg.Header.Group)
	if !ok {
		c.log.Debug("no handler for group", "header", msg.Header.String())
		return
	}
	c.handleGuarded(h, msg)
}

func (c *Conn) handleGuarded(h transport.Handler, msg hidmsg.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("handler panicked", "header", msg.Header.String(), "panic", r)
		}
	}()
	h(msg)
}
