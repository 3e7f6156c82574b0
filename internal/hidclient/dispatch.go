package hidclient

import (
	"bluetooth-hid/internal/hidmsg"
	"bluetooth-hid/internal/listener"
)

// Drop reasons recorded in metrics.
const (
	dropMalformed   = "malformed"
	dropUnexpected  = "unexpected"
	dropNoListener  = "no_listener"
	dropStaleDataID = "stale_data_id"
)

// handleMessage is the GroupHID handler. It runs on the transport's delivery
// goroutine. Registry state is read and updated under c.mu; listeners are
// invoked after it is released.
func (c *Client) handleMessage(msg hidmsg.Message) {
	fn := msg.Header.Function
	if fn.IsResponse() || !fn.IsEvent() {
		c.log.Warn("dropping non-event message", "header", msg.Header.String())
		c.metrics.RecordEventDropped(dropUnexpected)
		return
	}
	p, err := hidmsg.Decode(msg)
	if err != nil {
		c.log.Warn("dropping malformed event", "header", msg.Header.String(), "error", err)
		c.metrics.RecordEventDropped(dropMalformed)
		return
	}
	ev, ok := p.(hidmsg.Event)
	if !ok {
		c.metrics.RecordEventDropped(dropUnexpected)
		return
	}
	c.metrics.RecordEventReceived(fn.String())

	switch {
	case fn == hidmsg.FuncConnectionStatus:
		c.dispatchConnectionStatus(ev.(*hidmsg.ConnectionStatusEvent))
	case dataPathEvents[fn]:
		c.dispatchDataPath(ev)
	default:
		withData, known := fanOutEvents[fn]
		if !known {
			c.metrics.RecordEventDropped(dropUnexpected)
			return
		}
		c.dispatchFanOut(ev, withData)
	}
}

// dispatchConnectionStatus resolves the pending attempt for the event's
// device. The server correlates by address, so the first await for the
// device wins.
func (c *Client) dispatchConnectionStatus(ev *hidmsg.ConnectionStatusEvent) {
	c.mu.Lock()
	e, ok := c.events.FindDevice(ev.Device)
	if !ok {
		c.mu.Unlock()
		c.log.Debug("connection status with no pending attempt", "device", ev.Device.String(), "status", ev.Status.String())
		c.metrics.RecordEventDropped(dropNoListener)
		return
	}
	c.events.Remove(e.Handle)
	c.updateGaugesLocked()
	a := e.Await()
	posted := a.Complete(ev.Status)
	cb := e.Callback.onConnect
	c.mu.Unlock()

	if posted && !a.Blocking() && cb != nil {
		c.invoke("connection", func() { cb(ev.Device, ev.Status) })
	}
}

// dispatchDataPath delivers ev to the data listener, stamped with its local
// handle.
func (c *Client) dispatchDataPath(ev hidmsg.Event) {
	c.mu.Lock()
	e, ok := c.data.First(listener.KindDataPath)
	if !ok {
		c.mu.Unlock()
		c.metrics.RecordEventDropped(dropNoListener)
		return
	}
	d, _ := e.DataPath()
	h, cb := e.Handle, e.Callback.onEvent
	c.mu.Unlock()

	if id, ok := dataIDOf(ev); ok && id != d.ServerID {
		c.log.Warn("dropping data event for another registration", "data_id", id, "want", d.ServerID)
		c.metrics.RecordEventDropped(dropStaleDataID)
		return
	}
	stampDataID(ev, uint32(h))
	c.invoke("data", func() {
		cb(Event{Handle: h, Function: ev.Function(), Device: ev.Address(), Payload: ev})
	})
}

// dispatchFanOut delivers ev to a snapshot of every event listener, then to
// the data listener if withData.
func (c *Client) dispatchFanOut(ev hidmsg.Event, withData bool) {
	type target struct {
		handle Handle
		cb     EventCallback
	}

	c.mu.Lock()
	var targets []target
	for _, cb := range c.events.Snapshot(listener.KindEvent) {
		targets = append(targets, target{cb: cb.onEvent})
	}
	if withData {
		if e, ok := c.data.First(listener.KindDataPath); ok {
			targets = append(targets, target{handle: e.Handle, cb: e.Callback.onEvent})
		}
	}
	c.mu.Unlock()

	if len(targets) == 0 {
		c.metrics.RecordEventDropped(dropNoListener)
		return
	}
	for _, t := range targets {
		out := Event{Handle: t.handle, Function: ev.Function(), Device: ev.Address(), Payload: ev}
		c.invoke("event", func() { t.cb(out) })
	}
}

// invoke runs fn, recovering and logging a panic so the caller's dispatch
// pass continues.
func (c *Client) invoke(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("listener panicked", "kind", kind, "panic", r)
			c.metrics.RecordListenerPanic()
		}
	}()
	fn()
}

func dataIDOf(ev hidmsg.Event) (uint32, bool) {
	switch e := ev.(type) {
	case *hidmsg.ReportDataEvent:
		return e.DataID, true
	case *hidmsg.GetReportConfirmationEvent:
		return e.DataID, true
	case *hidmsg.SetReportConfirmationEvent:
		return e.DataID, true
	case *hidmsg.GetProtocolConfirmationEvent:
		return e.DataID, true
	case *hidmsg.SetProtocolConfirmationEvent:
		return e.DataID, true
	case *hidmsg.GetIdleConfirmationEvent:
		return e.DataID, true
	case *hidmsg.SetIdleConfirmationEvent:
		return e.DataID, true
	}
	return 0, false
}

func stampDataID(ev hidmsg.Event, id uint32) {
	switch e := ev.(type) {
	case *hidmsg.ReportDataEvent:
		e.DataID = id
	case *hidmsg.GetReportConfirmationEvent:
		e.DataID = id
	case *hidmsg.SetReportConfirmationEvent:
		e.DataID = id
	case *hidmsg.GetProtocolConfirmationEvent:
		e.DataID = id
	case *hidmsg.SetProtocolConfirmationEvent:
		e.DataID = id
	case *hidmsg.GetIdleConfirmationEvent:
		e.DataID = id
	case *hidmsg.SetIdleConfirmationEvent:
		e.DataID = id
	}
}
