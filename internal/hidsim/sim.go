// Package hidsim is an in-process HID profile manager server. It answers the
// request catalog over the stream transport, keeps a table of connected
// devices and emits the events a real manager would. It backs the demo's sim
// mode and the end-to-end tests.
package hidsim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"bluetooth-hid/internal/hidmsg"
	"bluetooth-hid/internal/transport/stream"
)

// Failure statuses the simulator answers with.
const (
	StatusMalformed    int32 = -100
	StatusNotPowered   int32 = -101
	StatusNotConnected int32 = -102
	StatusBadDataID    int32 = -103
	StatusBusy         int32 = -104
)

const firstDataID = 0x100

// Option configures a Sim.
type Option func(*Sim)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sim) {
		if l != nil {
			s.log = l
		}
	}
}

// WithConnectOutcome decides the ConnectionStatus reported for each outgoing
// connect. The default always succeeds.
func WithConnectOutcome(fn func(hidmsg.BDAddr) hidmsg.ConnectionStatus) Option {
	return func(s *Sim) {
		if fn != nil {
			s.outcome = fn
		}
	}
}

type reportKey struct {
	dev hidmsg.BDAddr
	typ hidmsg.ReportType
	id  uint8
}

type session struct {
	conn           *stream.Conn
	subscriptionID uint32 // zero until RegisterEvents
	dataID         uint32 // zero until RegisterDataEvents
}

// Sim is a simulated profile manager. All methods are safe for concurrent use.
type Sim struct {
	log     *slog.Logger
	outcome func(hidmsg.BDAddr) hidmsg.ConnectionStatus

	mu        sync.Mutex
	powered   bool
	nextSub   uint32
	nextData  uint32
	sessions  map[*session]struct{}
	connected map[hidmsg.BDAddr]bool
	incoming  hidmsg.IncomingConnectionFlags
	repeat    hidmsg.SetKeyboardRepeatRateRequest
	reports   map[reportKey][]byte
	protocol  map[hidmsg.BDAddr]hidmsg.Protocol
	idle      map[hidmsg.BDAddr]uint8
}

// New returns a powered simulator with no connected devices.
func New(opts ...Option) *Sim {
	s := &Sim{
		log:       slog.Default(),
		outcome:   func(hidmsg.BDAddr) hidmsg.ConnectionStatus { return hidmsg.ConnectionStatusSuccess },
		powered:   true,
		nextData:  firstDataID - 1,
		sessions:  make(map[*session]struct{}),
		connected: make(map[hidmsg.BDAddr]bool),
		reports:   make(map[reportKey][]byte),
		protocol:  make(map[hidmsg.BDAddr]hidmsg.Protocol),
		idle:      make(map[hidmsg.BDAddr]uint8),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("component", "hidsim")
	return s
}

// Serve accepts clients on ln until ctx is done. It closes ln and every
// client connection before returning. A canceled ctx is a clean shutdown
// and returns nil.
func (s *Sim) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("listening", "addr", ln.Addr().String())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			nc, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("hidsim: accept: %w", err)
			}
			s.Attach(nc)
		}
	})
	err := g.Wait()
	s.closeSessions()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// Attach serves one client connection. The session ends when the peer
// closes.
func (s *Sim) Attach(nc net.Conn) {
	sess := &session{conn: stream.New(nc, stream.WithLogger(s.log))}
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	_ = sess.conn.RegisterGroupHandler(hidmsg.GroupHID, func(m hidmsg.Message) { s.handle(sess, m) })
	go func() {
		<-sess.conn.Done()
		s.mu.Lock()
		delete(s.sessions, sess)
		sub := sess.subscriptionID
		s.mu.Unlock()
		s.log.Debug("session ended", "subscription_id", sub)
	}()
}

func (s *Sim) closeSessions() {
	s.mu.Lock()
	all := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.Unlock()
	for _, sess := range all {
		_ = sess.conn.Close()
	}
}

// Sessions returns the number of attached clients.
func (s *Sim) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Connected returns the connected devices in address order.
func (s *Sim) Connected() []hidmsg.BDAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedLocked()
}

func (s *Sim) connectedLocked() []hidmsg.BDAddr {
	out := make([]hidmsg.BDAddr, 0, len(s.connected))
	for dev := range s.connected {
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool { return string(out[i][:]) < string(out[j][:]) })
	return out
}

// PowerOff drops every device link and notifies every client.
func (s *Sim) PowerOff(ctx context.Context) {
	s.mu.Lock()
	s.powered = false
	clear(s.connected)
	s.mu.Unlock()
	s.system(ctx, hidmsg.FuncPowerOff)
}

// PowerOn notifies every client that the adapter is back.
func (s *Sim) PowerOn(ctx context.Context) {
	s.mu.Lock()
	s.powered = true
	s.mu.Unlock()
	s.system(ctx, hidmsg.FuncPowerOn)
}

// RequestConnection simulates an inbound connection attempt from dev.
func (s *Sim) RequestConnection(ctx context.Context, dev hidmsg.BDAddr) {
	s.Broadcast(ctx, &hidmsg.ConnectionRequestEvent{Device: dev})
}

// InputReport delivers an input report from dev to every data listener.
func (s *Sim) InputReport(ctx context.Context, dev hidmsg.BDAddr, data []byte) {
	s.Broadcast(ctx, &hidmsg.ReportDataEvent{Device: dev, Data: data})
}

// Broadcast sends ev to every client that registered for it: data-path
// events to data registrations, stamped with each client's data id, and
// everything else to event registrations.
func (s *Sim) Broadcast(ctx context.Context, ev hidmsg.Event) {
	s.mu.Lock()
	var targets []*session
	dataPath := isDataPath(ev.Function())
	for sess := range s.sessions {
		if (dataPath && sess.dataID != 0) || (!dataPath && sess.subscriptionID != 0) {
			targets = append(targets, sess)
		}
	}
	ids := make([]uint32, len(targets))
	for i, sess := range targets {
		ids[i] = sess.dataID
	}
	s.mu.Unlock()

	for i, sess := range targets {
		out := ev
		if dataPath {
			out = withDataID(ev, ids[i])
		}
		s.emitTo(ctx, sess, out)
	}
}

func (s *Sim) system(ctx context.Context, fn hidmsg.Function) {
	s.mu.Lock()
	all := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.Unlock()
	msg := hidmsg.Message{Header: hidmsg.Header{Group: hidmsg.GroupSystem, Function: fn}}
	for _, sess := range all {
		if err := sess.conn.Send(ctx, msg); err != nil {
			s.log.Warn("system notification failed", "function", fn.String(), "error", err)
		}
	}
}

func (s *Sim) emitTo(ctx context.Context, sess *session, ev hidmsg.Event) {
	msg, err := hidmsg.NewMessage(hidmsg.GroupHID, ev.Function(), 0, ev)
	if err == nil {
		err = sess.conn.Send(ctx, msg)
	}
	if err != nil {
		s.log.Warn("event send failed", "function", ev.Function().String(), "error", err)
	}
}

func isDataPath(fn hidmsg.Function) bool {
	return fn >= hidmsg.FuncReportDataReceived && fn <= hidmsg.FuncSetIdleConfirmation
}

func withDataID(ev hidmsg.Event, id uint32) hidmsg.Event {
	switch e := ev.(type) {
	case *hidmsg.ReportDataEvent:
		c := *e
		c.DataID = id
		return &c
	case *hidmsg.GetReportConfirmationEvent:
		c := *e
		c.DataID = id
		return &c
	case *hidmsg.SetReportConfirmationEvent:
		c := *e
		c.DataID = id
		return &c
	case *hidmsg.GetProtocolConfirmationEvent:
		c := *e
		c.DataID = id
		return &c
	case *hidmsg.SetProtocolConfirmationEvent:
		c := *e
		c.DataID = id
		return &c
	case *hidmsg.GetIdleConfirmationEvent:
		c := *e
		c.DataID = id
		return &c
	case *hidmsg.SetIdleConfirmationEvent:
		c := *e
		c.DataID = id
		return &c
	}
	return ev
}

// IncomingFlags returns the flags last set by ChangeIncomingConnectionFlags.
func (s *Sim) IncomingFlags() hidmsg.IncomingConnectionFlags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incoming
}

// RepeatRate returns the keyboard repeat delay and rate in milliseconds.
func (s *Sim) RepeatRate() (delayMS, rateMS uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repeat.DelayMS, s.repeat.RateMS
}
