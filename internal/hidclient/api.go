// Package hidclient is the client side of the HID profile manager.
//
// A Client turns local calls (connect a device, send a report, register for
// events) into requests to the profile manager server, correlates the
// responses, and fans server events out to local listeners.
//
// Thread-safety: every method is safe for concurrent use. Listener callbacks
// run on the transport's delivery goroutine with no Client lock held, so a
// callback may register or unregister listeners. A callback must not block
// waiting for another server event: delivery is single-threaded and the
// pipeline would stall.
package hidclient

import (
	"bluetooth-hid/internal/hidmsg"
	"bluetooth-hid/internal/listener"
)

// Handle identifies a registered listener.
type Handle = listener.Handle

// Event is one server notification as seen by a listener.
//
// Handle is the local handle of the receiving data listener for data-path
// events, and zero for events delivered to general event listeners. Payload
// is the decoded message; for data-path events its DataID field carries the
// local handle, never the server's registration id.
type Event struct {
	Handle   Handle
	Function hidmsg.Function
	Device   hidmsg.BDAddr
	Payload  hidmsg.Event
}

// EventCallback receives events. A panicking callback is recovered and logged;
// the remaining listeners still run.
type EventCallback func(Event)

// ConnectionCallback receives the outcome of an asynchronous Connect exactly
// once. A negative outcome, including a forced powered-off failure, arrives
// here as a status and never as an error.
type ConnectionCallback func(dev hidmsg.BDAddr, status hidmsg.ConnectionStatus)

// Which listeners see which events:
//
//   - ConnectionStatus resolves the pending Connect for its device. It is not
//     fanned out.
//   - ConnectionRequest, BootKeyboardKeyPress, BootKeyboardKeyRepeat and
//     BootMouse go to every event listener.
//   - Connected and Disconnected go to every event listener, then to the
//     data listener.
//   - ReportDataReceived and the GET/SET confirmations go to the data
//     listener only.
var (
	// fanOutEvents maps each fan-out function to whether the data listener
	// receives it too.
	fanOutEvents = map[hidmsg.Function]bool{
		hidmsg.FuncConnectionRequest:     false,
		hidmsg.FuncBootKeyboardKeyPress:  false,
		hidmsg.FuncBootKeyboardKeyRepeat: false,
		hidmsg.FuncBootMouse:             false,
		hidmsg.FuncConnected:             true,
		hidmsg.FuncDisconnected:          true,
	}

	dataPathEvents = map[hidmsg.Function]bool{
		hidmsg.FuncReportDataReceived:      true,
		hidmsg.FuncGetReportConfirmation:   true,
		hidmsg.FuncSetReportConfirmation:   true,
		hidmsg.FuncGetProtocolConfirmation: true,
		hidmsg.FuncSetProtocolConfirmation: true,
		hidmsg.FuncGetIdleConfirmation:     true,
		hidmsg.FuncSetIdleConfirmation:     true,
	}
)
