// Package natsbus carries catalog messages over NATS.
//
// Subjects are derived from a prefix (default "hidm"):
//
//	<prefix>.req.<group>   requests; the server replies on the inbox
//	<prefix>.evt.<group>   server events, one NATS message per frame
//	<prefix>.sys           lifecycle notifications (GroupSystem frames)
//
// Every NATS message body is one encoded hidmsg frame, header included.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"bluetooth-hid/internal/hidmsg"
	"bluetooth-hid/internal/transport"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "hidm"

type options struct {
	prefix        string
	name          string
	log           *slog.Logger
	connTimeout   time.Duration
	maxReconnects int
	reconnectWait time.Duration
}

// Option configures a Bus.
type Option func(*options)

// WithPrefix sets the subject prefix.
func WithPrefix(p string) Option {
	return func(o *options) {
		if p != "" {
			o.prefix = p
		}
	}
}

// WithName sets the NATS client name. The default is "hidm-client-<uuid>".
func WithName(n string) Option {
	return func(o *options) {
		if n != "" {
			o.name = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithReconnect sets the reconnect policy. Negative retries means forever.
func WithReconnect(retries int, wait time.Duration) Option {
	return func(o *options) {
		o.maxReconnects = retries
		o.reconnectWait = wait
	}
}

// WithConnectTimeout bounds the initial dial.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.connTimeout = d
		}
	}
}

// Subjects names the subjects used for one prefix.
type Subjects struct {
	Prefix string
}

// Request is the subject requests for group g are published on.
func (s Subjects) Request(g hidmsg.Group) string { return s.Prefix + ".req." + g.String() }

// Event is the subject events for group g are published on.
func (s Subjects) Event(g hidmsg.Group) string { return s.Prefix + ".evt." + g.String() }

// System is the lifecycle subject.
func (s Subjects) System() string { return s.Prefix + ".sys" }

// Bus is a transport.Transport over a NATS connection.
type Bus struct {
	transport.Handlers
	transport.Lifecycle
	ids transport.IDSource

	subjects Subjects
	nc       *nats.Conn
	log      *slog.Logger

	mu     sync.Mutex
	subs   map[hidmsg.Group]*nats.Subscription
	sys    *nats.Subscription
	closed bool
}

var _ transport.Transport = (*Bus)(nil)

// Connect dials the NATS server at url and subscribes to lifecycle
// notifications.
func Connect(ctx context.Context, url string, opts ...Option) (*Bus, error) {
	o := options{
		prefix:        DefaultPrefix,
		name:          "hidm-client-" + uuid.NewString(),
		log:           slog.Default(),
		connTimeout:   5 * time.Second,
		maxReconnects: 10,
		reconnectWait: time.Second,
	}
	for _, fn := range opts {
		fn(&o)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < o.connTimeout {
			o.connTimeout = d
		}
	}

	b := &Bus{
		subjects: Subjects{Prefix: o.prefix},
		log:      o.log.With("component", "natsbus", "client", o.name),
		subs:     make(map[hidmsg.Group]*nats.Subscription),
	}
	nc, err := nats.Connect(url,
		nats.Name(o.name),
		nats.Timeout(o.connTimeout),
		nats.MaxReconnects(o.maxReconnects),
		nats.ReconnectWait(o.reconnectWait),
		nats.DisconnectErrHandler(b.handleDisconnect),
		nats.ReconnectHandler(b.handleReconnect),
		nats.ClosedHandler(b.handleClosed),
	)
	if err != nil {
		return nil, fmt.Errorf("natsbus: connect %s: %w", url, err)
	}
	b.nc = nc

	sys, err := nc.Subscribe(b.subjects.System(), b.handleSystem)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natsbus: subscribe %s: %w", b.subjects.System(), err)
	}
	b.sys = sys
	b.log.Info("connected", "url", nc.ConnectedUrl())
	return b, nil
}

// Close drains subscriptions and closes the connection. It is idempotent.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subs = nil
	b.mu.Unlock()

	err := b.nc.Drain()
	if errors.Is(err, nats.ErrConnectionClosed) {
		err = nil
	}
	return err
}

// NextMessageID implements transport.Transport.
func (b *Bus) NextMessageID() uint32 { return b.ids.Next() }

// Send implements transport.Transport. Requests are published without a
// reply subject.
func (b *Bus) Send(ctx context.Context, msg hidmsg.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.isClosed() {
		return transport.ErrClosed
	}
	data, err := b.encode(msg)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(b.subjects.Request(msg.Header.Group), data); err != nil {
		return b.sendError(err)
	}
	return nil
}

// SendAndWait implements transport.Transport.
func (b *Bus) SendAndWait(ctx context.Context, msg hidmsg.Message, timeout time.Duration) (hidmsg.Message, error) {
	if b.isClosed() {
		return hidmsg.Message{}, transport.ErrClosed
	}
	data, err := b.encode(msg)
	if err != nil {
		return hidmsg.Message{}, err
	}
	rctx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		rctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	reply, err := b.nc.RequestWithContext(rctx, b.subjects.Request(msg.Header.Group), data)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return hidmsg.Message{}, cerr
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return hidmsg.Message{}, fmt.Errorf("%w: %s after %s", transport.ErrTimeout, msg.Header.Function, timeout)
		}
		return hidmsg.Message{}, b.sendError(err)
	}

	var rsp hidmsg.Message
	if err := rsp.UnmarshalBinary(reply.Data); err != nil {
		return hidmsg.Message{}, fmt.Errorf("natsbus: reply to %s: %w", msg.Header.Function, err)
	}
	if rsp.Header.MessageID != msg.Header.MessageID {
		return hidmsg.Message{}, fmt.Errorf("natsbus: reply id %d for request id %d", rsp.Header.MessageID, msg.Header.MessageID)
	}
	return rsp, nil
}

// RegisterGroupHandler implements transport.Transport. Events for the
// group are delivered on the subscription's goroutine, in publish order.
func (b *Bus) RegisterGroupHandler(g hidmsg.Group, h transport.Handler) error {
	if err := b.Handlers.RegisterGroupHandler(g, h); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.Handlers.UnregisterGroupHandler(g)
		return transport.ErrClosed
	}
	sub, err := b.nc.Subscribe(b.subjects.Event(g), func(m *nats.Msg) { b.handleEvent(g, m) })
	if err != nil {
		b.Handlers.UnregisterGroupHandler(g)
		return fmt.Errorf("natsbus: subscribe %s: %w", b.subjects.Event(g), err)
	}
	b.subs[g] = sub
	return nil
}

// UnregisterGroupHandler implements transport.Transport.
func (b *Bus) UnregisterGroupHandler(g hidmsg.Group) {
	b.mu.Lock()
	sub := b.subs[g]
	delete(b.subs, g)
	b.mu.Unlock()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			b.log.Warn("unsubscribe failed", "group", g.String(), "error", err)
		}
	}
	b.Handlers.UnregisterGroupHandler(g)
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bus) encode(msg hidmsg.Message) ([]byte, error) {
	data, err := msg.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrSendFailed, err)
	}
	return data, nil
}

func (b *Bus) sendError(err error) error {
	if errors.Is(err, nats.ErrConnectionClosed) {
		return transport.ErrClosed
	}
	return fmt.Errorf("%w: %w", transport.ErrSendFailed, err)
}

func (b *Bus) handleEvent(g hidmsg.Group, m *nats.Msg) {
	var msg hidmsg.Message
	if err := msg.UnmarshalBinary(m.Data); err != nil {
		b.log.Warn("dropping undecodable frame", "subject", m.Subject, "error", err)
		return
	}
	if msg.Header.Group != g {
		b.log.Debug("dropping frame for other group", "subject", m.Subject, "header", msg.Header.String())
		return
	}
	h, ok := b.Lookup(g)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("handler panicked", "header", msg.Header.String(), "panic", r)
		}
	}()
	h(msg)
}

func (b *Bus) handleSystem(m *nats.Msg) {
	var msg hidmsg.Message
	if err := msg.UnmarshalBinary(m.Data); err != nil {
		b.log.Warn("dropping undecodable system frame", "error", err)
		return
	}
	if msg.Header.Group != hidmsg.GroupSystem {
		return
	}
	if ev, ok := transport.LifecycleFromFunction(msg.Header.Function); ok {
		b.Publish(ev)
	}
}

func (b *Bus) handleDisconnect(_ *nats.Conn, err error) {
	if err != nil {
		b.log.Warn("disconnected", "error", err)
	}
}

func (b *Bus) handleReconnect(nc *nats.Conn) {
	b.log.Info("reconnected", "url", nc.ConnectedUrl())
}

// handleClosed fires once reconnects are exhausted or after Close. Only the
// former is a deregistration the client did not ask for.
func (b *Bus) handleClosed(*nats.Conn) {
	b.mu.Lock()
	local := b.closed
	b.closed = true
	b.mu.Unlock()
	if !local {
		b.log.Warn("connection closed")
		b.Publish(transport.ClientDeregistered)
	}
}
