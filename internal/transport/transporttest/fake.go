// Package transporttest provides an in-memory transport.Transport for tests.
//
// Requests are answered synchronously by per-function responders. Without a
// responder, a request gets a success response of its catalog type. Inbound
// messages are injected with Deliver, which runs the group handler on the
// calling goroutine, so the test plays the part of the delivery goroutine.
package transporttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bluetooth-hid/internal/hidmsg"
	"bluetooth-hid/internal/transport"
)

// Responder answers one request. Returning an error makes SendAndWait fail
// with it.
type Responder func(req hidmsg.Message) (hidmsg.Message, error)

// Transport is the fake. The zero value is not usable; call New.
type Transport struct {
	transport.Handlers
	transport.Lifecycle
	ids transport.IDSource

	mu         sync.Mutex
	sent       []hidmsg.Message
	responders map[hidmsg.Function]Responder
	sendErr    error
}

var _ transport.Transport = (*Transport)(nil)

// New returns a fake that answers every request with success.
func New() *Transport {
	return &Transport{responders: make(map[hidmsg.Function]Responder)}
}

// Respond installs r for requests with function fn.
func (t *Transport) Respond(fn hidmsg.Function, r Responder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responders[fn] = r
}

// RespondStatus makes requests with function fn answer with a status-only
// response carrying status.
func (t *Transport) RespondStatus(fn hidmsg.Function, status int32) {
	t.Respond(fn, func(req hidmsg.Message) (hidmsg.Message, error) {
		return req.Reply(&hidmsg.StatusResponse{Status: status})
	})
}

// RespondRaw makes requests with function fn answer with payload verbatim,
// bypassing the catalog.
func (t *Transport) RespondRaw(fn hidmsg.Function, payload []byte) {
	t.Respond(fn, func(req hidmsg.Message) (hidmsg.Message, error) {
		rsp, err := req.Reply(&hidmsg.StatusResponse{})
		if err != nil {
			return hidmsg.Message{}, err
		}
		rsp.Payload = payload
		rsp.Header.Length = uint32(len(payload))
		return rsp, nil
	})
}

// FailSends makes every subsequent send fail with err. A nil err clears it.
func (t *Transport) FailSends(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

// Sent returns a copy of every message handed to the transport.
func (t *Transport) Sent() []hidmsg.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]hidmsg.Message(nil), t.sent...)
}

// SentFunctions returns the functions of every sent message, in order.
func (t *Transport) SentFunctions() []hidmsg.Function {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]hidmsg.Function, len(t.sent))
	for i, m := range t.sent {
		out[i] = m.Header.Function
	}
	return out
}

// LastSent decodes the last sent message with function fn.
func (t *Transport) LastSent(fn hidmsg.Function) (hidmsg.Payload, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.sent) - 1; i >= 0; i-- {
		if t.sent[i].Header.Function == fn {
			p, err := hidmsg.Decode(t.sent[i])
			return p, err == nil
		}
	}
	return nil, false
}

func (t *Transport) record(msg hidmsg.Message) (Responder, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, msg)
	if t.sendErr != nil {
		return nil, t.sendErr
	}
	return t.responders[msg.Header.Function], nil
}

// Send implements transport.Transport.
func (t *Transport) Send(ctx context.Context, msg hidmsg.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.record(msg)
	return err
}

// SendAndWait implements transport.Transport. The timeout is ignored; a
// responder that wants to simulate one returns transport.ErrTimeout.
func (t *Transport) SendAndWait(ctx context.Context, msg hidmsg.Message, _ time.Duration) (hidmsg.Message, error) {
	if err := ctx.Err(); err != nil {
		return hidmsg.Message{}, err
	}
	r, err := t.record(msg)
	if err != nil {
		return hidmsg.Message{}, err
	}
	if r == nil {
		r = defaultResponder
	}
	return r(msg)
}

// NextMessageID implements transport.Transport.
func (t *Transport) NextMessageID() uint32 { return t.ids.Next() }

// Deliver runs the handler registered for msg's group. It reports whether a
// handler was found.
func (t *Transport) Deliver(msg hidmsg.Message) bool {
	h, ok := t.Lookup(msg.Header.Group)
	if !ok {
		return false
	}
	h(msg)
	return true
}

// DeliverEvent encodes ev as a GroupHID message and delivers it.
func (t *Transport) DeliverEvent(ev hidmsg.Event) error {
	msg, err := hidmsg.NewMessage(hidmsg.GroupHID, ev.Function(), 0, ev)
	if err != nil {
		return err
	}
	if !t.Deliver(msg) {
		return fmt.Errorf("transporttest: no handler for %s", hidmsg.GroupHID)
	}
	return nil
}

func defaultResponder(req hidmsg.Message) (hidmsg.Message, error) {
	switch req.Header.Function {
	case hidmsg.FuncRegisterEvents:
		return req.Reply(&hidmsg.RegisterEventsResponse{SubscriptionID: 1})
	case hidmsg.FuncRegisterDataEvents:
		return req.Reply(&hidmsg.RegisterDataEventsResponse{DataID: 0x100})
	case hidmsg.FuncQueryConnectedDevices:
		return req.Reply(&hidmsg.QueryConnectedDevicesResponse{})
	default:
		return req.Reply(&hidmsg.StatusResponse{})
	}
}
