// Package transport defines the boundary between the HID client and the
// mechanism that carries framed messages to and from the server process.
//
// Implementations live in subpackages: stream (framed byte streams such as a
// Unix socket), natsbus (NATS subjects) and dbusbus (D-Bus). Each delivers
// inbound messages for a group to one registered handler, on a single
// delivery goroutine, in arrival order.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"bluetooth-hid/internal/hidmsg"
)

var (
	// ErrTimeout is returned by SendAndWait when no response arrives in time.
	ErrTimeout = errors.New("transport: response timeout")

	// ErrClosed is returned after the transport has been closed.
	ErrClosed = errors.New("transport: closed")

	// ErrSendFailed is returned when a message could not be handed to the peer.
	ErrSendFailed = errors.New("transport: send failed")

	// ErrHandlerExists is returned by RegisterGroupHandler when the group
	// already has a handler.
	ErrHandlerExists = errors.New("transport: group handler already registered")
)

// Handler receives one inbound message. It runs on the delivery goroutine and
// must not block it for long.
type Handler func(hidmsg.Message)

// LifecycleEvent is an out-of-band notification about the server or the
// local radio.
type LifecycleEvent int

const (
	PowerOn LifecycleEvent = iota + 1
	PowerOff
	// ClientDeregistered means the server dropped this client's registration.
	ClientDeregistered
)

func (e LifecycleEvent) String() string {
	switch e {
	case PowerOn:
		return "power_on"
	case PowerOff:
		return "power_off"
	case ClientDeregistered:
		return "client_deregistered"
	default:
		return "unknown"
	}
}

// LifecycleFromFunction maps a GroupSystem function to its lifecycle event.
func LifecycleFromFunction(fn hidmsg.Function) (LifecycleEvent, bool) {
	switch fn {
	case hidmsg.FuncPowerOn:
		return PowerOn, true
	case hidmsg.FuncPowerOff:
		return PowerOff, true
	case hidmsg.FuncClientDeregistered:
		return ClientDeregistered, true
	default:
		return 0, false
	}
}

// Transport sends requests to the server and delivers inbound messages.
type Transport interface {
	// Send hands msg to the peer without waiting for a response.
	Send(ctx context.Context, msg hidmsg.Message) error

	// SendAndWait sends msg and blocks until the response carrying the same
	// MessageID arrives, timeout elapses, or ctx is done.
	SendAndWait(ctx context.Context, msg hidmsg.Message, timeout time.Duration) (hidmsg.Message, error)

	// NextMessageID returns a process-wide unique correlation id.
	NextMessageID() uint32

	// RegisterGroupHandler routes inbound non-response messages of group to h.
	// Handlers run on one delivery goroutine in arrival order and may call
	// SendAndWait.
	RegisterGroupHandler(group hidmsg.Group, h Handler) error

	// UnregisterGroupHandler removes the handler for group, if any.
	UnregisterGroupHandler(group hidmsg.Group)

	// SubscribeLifecycle registers fn for lifecycle events. The returned
	// function cancels the subscription.
	SubscribeLifecycle(fn func(LifecycleEvent)) (cancel func())
}

// Lifecycle fans lifecycle events out to subscribers. Transports embed it.
type Lifecycle struct {
	mu   sync.Mutex
	next int
	subs map[int]func(LifecycleEvent)
}

// SubscribeLifecycle registers fn and returns its cancel function.
func (l *Lifecycle) SubscribeLifecycle(fn func(LifecycleEvent)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subs == nil {
		l.subs = make(map[int]func(LifecycleEvent))
	}
	id := l.next
	l.next++
	l.subs[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subs, id)
	}
}

// Publish calls every subscriber with ev, outside the lock.
func (l *Lifecycle) Publish(ev LifecycleEvent) {
	l.mu.Lock()
	fns := make([]func(LifecycleEvent), 0, len(l.subs))
	for _, fn := range l.subs {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Handlers is a group → handler table. Transports embed it.
type Handlers struct {
	mu sync.RWMutex
	m  map[hidmsg.Group]Handler
}

// RegisterGroupHandler implements Transport.
func (hs *Handlers) RegisterGroupHandler(group hidmsg.Group, h Handler) error {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.m == nil {
		hs.m = make(map[hidmsg.Group]Handler)
	}
	if _, ok := hs.m[group]; ok {
		return ErrHandlerExists
	}
	hs.m[group] = h
	return nil
}

// UnregisterGroupHandler implements Transport.
func (hs *Handlers) UnregisterGroupHandler(group hidmsg.Group) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	delete(hs.m, group)
}

// Lookup returns the handler for group.
func (hs *Handlers) Lookup(group hidmsg.Group) (Handler, bool) {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	h, ok := hs.m[group]
	return h, ok
}

// IDSource issues correlation ids, skipping zero.
type IDSource struct {
	mu   sync.Mutex
	last uint32
}

// Next returns the next id.
func (s *IDSource) Next() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last++
	if s.last == 0 {
		s.last = 1
	}
	return s.last
}
