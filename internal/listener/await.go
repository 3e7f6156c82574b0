package listener

import "bluetooth-hid/internal/hidmsg"

// ConnectionAwait is the binding of one outstanding connection attempt.
//
// A blocking await owns a one-shot channel that is closed when the outcome is
// posted. A non-blocking await has no channel; its entry's callback receives
// the outcome instead. Complete and Status must be called with the owning
// module's mutex held; Done may be waited on without it.
type ConnectionAwait struct {
	Device hidmsg.BDAddr

	done      chan struct{}
	completed bool
	status    hidmsg.ConnectionStatus
}

// NewBlockingAwait returns an await for dev whose waiter blocks on Done.
func NewBlockingAwait(dev hidmsg.BDAddr) *ConnectionAwait {
	return &ConnectionAwait{Device: dev, done: make(chan struct{})}
}

// NewCallbackAwait returns an await for dev resolved through a callback.
func NewCallbackAwait(dev hidmsg.BDAddr) *ConnectionAwait {
	return &ConnectionAwait{Device: dev}
}

func (a *ConnectionAwait) Kind() Kind { return KindConnectionAwait }

// Blocking reports whether a caller is waiting on Done.
func (a *ConnectionAwait) Blocking() bool { return a.done != nil }

// Done is closed once the outcome has been posted. It is nil for
// non-blocking awaits.
func (a *ConnectionAwait) Done() <-chan struct{} { return a.done }

// Complete stores status and wakes the waiter. Only the first call has any
// effect; it reports whether this call posted the outcome.
func (a *ConnectionAwait) Complete(status hidmsg.ConnectionStatus) bool {
	if a.completed {
		return false
	}
	a.completed = true
	a.status = status
	if a.done != nil {
		close(a.done)
	}
	return true
}

// Completed reports whether an outcome has been posted.
func (a *ConnectionAwait) Completed() bool { return a.completed }

// Status returns the posted outcome.
func (a *ConnectionAwait) Status() hidmsg.ConnectionStatus { return a.status }
