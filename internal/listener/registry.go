// Package listener keeps the table of locally registered listeners.
//
// Thread-safety: a Registry is not safe for concurrent use. The owning module
// serializes every call with its own mutex, and takes a Snapshot under that
// mutex before invoking callbacks with the mutex released.
package listener

import (
	"errors"
	"fmt"
	"slices"

	"bluetooth-hid/internal/hidmsg"
)

// Handle identifies a registered listener. Zero is never issued.
type Handle uint32

// handleLimit is the first value Issuer will not hand out; handles stay below
// the sign bit so they never read as negative result codes.
const handleLimit Handle = 0x80000000

// ErrDuplicateHandle is returned by Register when the issued handle is still
// held by a live entry.
var ErrDuplicateHandle = errors.New("listener: duplicate handle")

// Issuer hands out handles. A single Issuer may be shared by several
// registries so that handles are unique across all of them.
type Issuer struct {
	next Handle
}

// Next returns the next handle, wrapping from handleLimit-1 back to 1.
func (i *Issuer) Next() Handle {
	i.next++
	if i.next == 0 || i.next >= handleLimit {
		i.next = 1
	}
	return i.next
}

// Kind is the role of a registry entry.
type Kind int

const (
	KindEvent Kind = iota
	KindConnectionAwait
	KindDataPath
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindConnectionAwait:
		return "connection_await"
	case KindDataPath:
		return "data_path"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Binding carries the per-kind state of an entry. It is implemented only by
// EventBinding, *ConnectionAwait and DataPath.
type Binding interface {
	Kind() Kind
}

// EventBinding marks a general event listener.
type EventBinding struct{}

func (EventBinding) Kind() Kind { return KindEvent }

// DataPath marks the data-path listener. ServerID is the id the server
// assigned to this registration and is sent with every data-path request.
type DataPath struct {
	ServerID uint32
}

func (DataPath) Kind() Kind { return KindDataPath }

// Entry is one registered listener.
type Entry[F any] struct {
	Handle   Handle
	Binding  Binding
	Callback F
}

// Kind returns the kind of the entry's binding.
func (e *Entry[F]) Kind() Kind { return e.Binding.Kind() }

// Await returns the connection-await binding, or nil for other kinds.
func (e *Entry[F]) Await() *ConnectionAwait {
	a, _ := e.Binding.(*ConnectionAwait)
	return a
}

// DataPath returns the data-path binding and whether the entry has one.
func (e *Entry[F]) DataPath() (DataPath, bool) {
	d, ok := e.Binding.(DataPath)
	return d, ok
}

// Registry is an insertion-ordered table of entries.
type Registry[F any] struct {
	issuer  *Issuer
	entries []*Entry[F]
}

// New returns an empty registry drawing handles from issuer. A nil issuer
// gives the registry a private one.
func New[F any](issuer *Issuer) *Registry[F] {
	if issuer == nil {
		issuer = &Issuer{}
	}
	return &Registry[F]{issuer: issuer}
}

// Register appends a new entry and returns its handle.
func (r *Registry[F]) Register(b Binding, cb F) (Handle, error) {
	if b == nil {
		return 0, errors.New("listener: nil binding")
	}
	h := r.issuer.Next()
	if _, ok := r.Find(h); ok {
		return 0, fmt.Errorf("%w: %d", ErrDuplicateHandle, h)
	}
	r.entries = append(r.entries, &Entry[F]{Handle: h, Binding: b, Callback: cb})
	return h, nil
}

// Find returns the entry with handle h.
func (r *Registry[F]) Find(h Handle) (*Entry[F], bool) {
	for _, e := range r.entries {
		if e.Handle == h {
			return e, true
		}
	}
	return nil, false
}

// FindDevice returns the first connection-await entry for dev. The server
// correlates connection outcomes by address, not by handle.
func (r *Registry[F]) FindDevice(dev hidmsg.BDAddr) (*Entry[F], bool) {
	for _, e := range r.entries {
		if a := e.Await(); a != nil && a.Device == dev {
			return e, true
		}
	}
	return nil, false
}

// First returns the first entry of kind k.
func (r *Registry[F]) First(k Kind) (*Entry[F], bool) {
	for _, e := range r.entries {
		if e.Kind() == k {
			return e, true
		}
	}
	return nil, false
}

// Remove unlinks the entry with handle h and hands it to the caller.
func (r *Registry[F]) Remove(h Handle) (*Entry[F], bool) {
	i := slices.IndexFunc(r.entries, func(e *Entry[F]) bool { return e.Handle == h })
	if i < 0 {
		return nil, false
	}
	e := r.entries[i]
	r.entries = slices.Delete(r.entries, i, i+1)
	return e, true
}

// RemoveFunc unlinks every entry for which match returns true and returns
// them in insertion order.
func (r *Registry[F]) RemoveFunc(match func(*Entry[F]) bool) []*Entry[F] {
	var removed []*Entry[F]
	r.entries = slices.DeleteFunc(r.entries, func(e *Entry[F]) bool {
		if match(e) {
			removed = append(removed, e)
			return true
		}
		return false
	})
	return removed
}

// Snapshot copies, in insertion order, the callbacks of entries whose kind is
// one of kinds.
func (r *Registry[F]) Snapshot(kinds ...Kind) []F {
	out := make([]F, 0, len(r.entries))
	for _, e := range r.entries {
		if slices.Contains(kinds, e.Kind()) {
			out = append(out, e.Callback)
		}
	}
	return out
}

// Clear unlinks every entry. Blocking connection awaits are completed with
// ConnectionStatusFailureDevicePoweredOff so their waiters wake up. The
// removed entries are returned in insertion order.
func (r *Registry[F]) Clear() []*Entry[F] {
	removed := r.entries
	r.entries = nil
	for _, e := range removed {
		if a := e.Await(); a != nil && a.Blocking() {
			a.Complete(hidmsg.ConnectionStatusFailureDevicePoweredOff)
		}
	}
	return removed
}

// Len returns the number of entries.
func (r *Registry[F]) Len() int { return len(r.entries) }

// Count returns the number of entries of kind k.
func (r *Registry[F]) Count(k Kind) int {
	n := 0
	for _, e := range r.entries {
		if e.Kind() == k {
			n++
		}
	}
	return n
}
