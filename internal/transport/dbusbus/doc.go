// Package dbusbus carries catalog messages over D-Bus and reads HID device
// inventory from BlueZ.
//
// The manager owns a well-known name (DefaultService) and exports one object
// implementing DefaultInterface:
//
//	Request(ay) -> ay   request frame in, response frame out
//	Post(ay)            fire-and-forget request frame
//	signal Event(ay)    event frame
//	signal Power(b)     adapter power changed
//
// Losing the manager's name owner is reported as a client deregistration.
// The transport is only available on Linux.
package dbusbus

const (
	DefaultService   = "org.hidm.Manager"
	DefaultInterface = "org.hidm.Manager1"
	DefaultPath      = "/org/hidm/Manager"
)
