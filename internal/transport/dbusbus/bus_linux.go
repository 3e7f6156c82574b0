//go:build linux

package dbusbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	dbus "github.com/godbus/dbus/v5"

	"bluetooth-hid/internal/hidmsg"
	"bluetooth-hid/internal/transport"
)

const (
	busService   = "org.freedesktop.DBus"
	busInterface = "org.freedesktop.DBus"
)

type options struct {
	address string // empty means the system bus
	session bool
	service string
	iface   string
	path    dbus.ObjectPath
	log     *slog.Logger
}

// Option configures a Bus.
type Option func(*options)

// WithAddress connects to the bus at addr instead of the system bus.
func WithAddress(addr string) Option { return func(o *options) { o.address = addr } }

// WithSessionBus connects to the session bus instead of the system bus.
func WithSessionBus() Option { return func(o *options) { o.session = true } }

// WithService overrides the manager's well-known name.
func WithService(name string) Option {
	return func(o *options) {
		if name != "" {
			o.service = name
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

// Bus is a transport.Transport over D-Bus.
type Bus struct {
	transport.Handlers
	transport.Lifecycle
	ids transport.IDSource

	conn    *dbus.Conn
	obj     dbus.BusObject
	service string
	iface   string
	log     *slog.Logger

	mu     sync.Mutex
	closed bool

	// cleanup functions to release resources in Close (executed once, in reverse order).
	cleanup []func()
}

var _ transport.Transport = (*Bus)(nil)

// Connect opens the bus and subscribes to the manager's signals.
func Connect(ctx context.Context, opts ...Option) (*Bus, error) {
	o := options{
		service: DefaultService,
		iface:   DefaultInterface,
		path:    DefaultPath,
		log:     slog.Default(),
	}
	for _, fn := range opts {
		fn(&o)
	}

	var (
		conn *dbus.Conn
		err  error
	)
	switch {
	case o.address != "":
		conn, err = dbus.Connect(o.address, dbus.WithContext(ctx))
	case o.session:
		conn, err = dbus.ConnectSessionBus(dbus.WithContext(ctx))
	default:
		conn, err = dbus.ConnectSystemBus(dbus.WithContext(ctx))
	}
	if err != nil {
		return nil, fmt.Errorf("dbusbus: connect bus: %w", err)
	}

	b := &Bus{
		conn:    conn,
		obj:     conn.Object(o.service, o.path),
		service: o.service,
		iface:   o.iface,
		log:     o.log.With("component", "dbusbus", "service", o.service),
	}
	// Close the bus last during cleanup.
	b.cleanup = append(b.cleanup, func() { _ = conn.Close() })

	managerSignals := []dbus.MatchOption{
		dbus.WithMatchObjectPath(o.path),
		dbus.WithMatchInterface(o.iface),
	}
	ownerSignals := []dbus.MatchOption{
		dbus.WithMatchSender(busService),
		dbus.WithMatchInterface(busInterface),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchOption("arg0", o.service),
	}
	for _, match := range [][]dbus.MatchOption{managerSignals, ownerSignals} {
		if err := conn.AddMatchSignal(match...); err != nil {
			b.Close()
			return nil, fmt.Errorf("dbusbus: AddMatchSignal: %w", err)
		}
		b.cleanup = append(b.cleanup, func() { _ = conn.RemoveMatchSignal(match...) })
	}

	// The signal channel is closed by conn.Close, which ends the loop.
	sigCh := make(chan *dbus.Signal, 64)
	conn.Signal(sigCh)
	go b.signalLoop(sigCh)
	return b, nil
}

// Close is safe for concurrent and redundant calls (idempotent).
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cleanup := b.cleanup
	b.cleanup = nil
	b.mu.Unlock()

	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}
	return nil
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// NextMessageID implements transport.Transport.
func (b *Bus) NextMessageID() uint32 { return b.ids.Next() }

// Send implements transport.Transport.
func (b *Bus) Send(ctx context.Context, msg hidmsg.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.isClosed() {
		return transport.ErrClosed
	}
	data, err := msg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("%w: %w", transport.ErrSendFailed, err)
	}
	call := b.obj.Go(b.iface+".Post", dbus.FlagNoReplyExpected, nil, data)
	if call.Err != nil {
		return fmt.Errorf("%w: Post: %w", transport.ErrSendFailed, call.Err)
	}
	return nil
}

// SendAndWait implements transport.Transport.
func (b *Bus) SendAndWait(ctx context.Context, msg hidmsg.Message, timeout time.Duration) (hidmsg.Message, error) {
	if b.isClosed() {
		return hidmsg.Message{}, transport.ErrClosed
	}
	data, err := msg.MarshalBinary()
	if err != nil {
		return hidmsg.Message{}, fmt.Errorf("%w: %w", transport.ErrSendFailed, err)
	}
	cctx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	var reply []byte
	call := b.obj.CallWithContext(cctx, b.iface+".Request", 0, data)
	if call.Err == nil {
		call.Err = call.Store(&reply)
	}
	if call.Err != nil {
		if err := ctx.Err(); err != nil {
			return hidmsg.Message{}, err
		}
		if errors.Is(call.Err, context.DeadlineExceeded) {
			return hidmsg.Message{}, fmt.Errorf("%w: %s after %s", transport.ErrTimeout, msg.Header.Function, timeout)
		}
		return hidmsg.Message{}, fmt.Errorf("%w: Request: %w", transport.ErrSendFailed, call.Err)
	}

	var rsp hidmsg.Message
	if err := rsp.UnmarshalBinary(reply); err != nil {
		return hidmsg.Message{}, fmt.Errorf("dbusbus: reply to %s: %w", msg.Header.Function, err)
	}
	return rsp, nil
}

func (b *Bus) signalLoop(ch <-chan *dbus.Signal) {
	for sig := range ch {
		if sig == nil {
			continue
		}
		if ev, ok := lifecycleFromSignal(sig, b.iface, b.service); ok {
			if ev == transport.ClientDeregistered {
				b.log.Warn("manager left the bus")
			}
			b.Publish(ev)
			continue
		}
		msg, ok, err := eventFromSignal(sig, b.iface)
		if err != nil {
			b.log.Warn("dropping undecodable event signal", "error", err)
			continue
		}
		if !ok {
			continue
		}
		h, ok := b.Lookup(msg.Header.Group)
		if !ok {
			continue
		}
		b.handleGuarded(h, msg)
	}
}

func (b *Bus) handleGuarded(h transport.Handler, msg hidmsg.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("handler panicked", "header", msg.Header.String(), "panic", r)
		}
	}()
	h(msg)
}

// lifecycleFromSignal maps Power and NameOwnerChanged signals.
func lifecycleFromSignal(sig *dbus.Signal, iface, service string) (transport.LifecycleEvent, bool) {
	switch sig.Name {
	case iface + ".Power":
		if len(sig.Body) < 1 {
			return 0, false
		}
		on, ok := sig.Body[0].(bool)
		if !ok {
			return 0, false
		}
		if on {
			return transport.PowerOn, true
		}
		return transport.PowerOff, true
	case busInterface + ".NameOwnerChanged":
		if len(sig.Body) < 3 {
			return 0, false
		}
		name, _ := sig.Body[0].(string)
		newOwner, _ := sig.Body[2].(string)
		if name == service && newOwner == "" {
			return transport.ClientDeregistered, true
		}
	}
	return 0, false
}

// eventFromSignal decodes an Event signal. ok is false for other signals.
func eventFromSignal(sig *dbus.Signal, iface string) (msg hidmsg.Message, ok bool, err error) {
	if sig.Name != iface+".Event" {
		return hidmsg.Message{}, false, nil
	}
	if len(sig.Body) < 1 {
		return hidmsg.Message{}, false, errors.New("dbusbus: Event signal without body")
	}
	data, isBytes := sig.Body[0].([]byte)
	if !isBytes {
		return hidmsg.Message{}, false, fmt.Errorf("dbusbus: Event signal body is %T", sig.Body[0])
	}
	if err := msg.UnmarshalBinary(data); err != nil {
		return hidmsg.Message{}, false, err
	}
	return msg, true, nil
}
