package listener

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-hid/internal/hidmsg"
)

var (
	devA = hidmsg.BDAddr{0xAA, 0, 0, 0, 0, 1}
	devB = hidmsg.BDAddr{0xBB, 0, 0, 0, 0, 2}
)

func TestIssuer_UniqueNonZeroAndWraps(t *testing.T) {
	var i Issuer
	seen := make(map[Handle]bool)
	for n := 0; n < 1000; n++ {
		h := i.Next()
		require.NotZero(t, h)
		require.False(t, seen[h], "handle %d issued twice", h)
		seen[h] = true
	}

	i.next = handleLimit - 2
	assert.Equal(t, handleLimit-1, i.Next())
	assert.Equal(t, Handle(1), i.Next(), "wraps below the sign bit")
	assert.Equal(t, Handle(2), i.Next())
}

func TestRegistry_RegisterFindRemove(t *testing.T) {
	r := New[string](nil)

	h1, err := r.Register(EventBinding{}, "one")
	require.NoError(t, err)
	h2, err := r.Register(DataPath{ServerID: 77}, "data")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
	assert.Equal(t, 2, r.Len())

	e, ok := r.Find(h2)
	require.True(t, ok)
	d, ok := e.DataPath()
	require.True(t, ok)
	assert.Equal(t, uint32(77), d.ServerID)
	assert.Nil(t, e.Await())

	first, ok := r.First(KindDataPath)
	require.True(t, ok)
	assert.Equal(t, h2, first.Handle)

	removed, ok := r.Remove(h1)
	require.True(t, ok)
	assert.Equal(t, "one", removed.Callback)

	_, ok = r.Remove(h1)
	assert.False(t, ok, "second removal reports not found")
	_, ok = r.Find(h1)
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_RejectsDuplicateHandle(t *testing.T) {
	issuer := &Issuer{}
	r := New[int](issuer)
	h, err := r.Register(EventBinding{}, 1)
	require.NoError(t, err)

	// Rewind so the next issued handle collides with the live entry.
	issuer.next = h - 1
	_, err = r.Register(EventBinding{}, 2)
	assert.ErrorIs(t, err, ErrDuplicateHandle)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_SharedIssuerKeepsHandlesDistinct(t *testing.T) {
	issuer := &Issuer{}
	events := New[int](issuer)
	data := New[int](issuer)
	h1, _ := events.Register(EventBinding{}, 1)
	h2, _ := data.Register(DataPath{}, 2)
	h3, _ := events.Register(EventBinding{}, 3)
	assert.ElementsMatch(t, []Handle{1, 2, 3}, []Handle{h1, h2, h3})
}

func TestRegistry_FindDevice(t *testing.T) {
	r := New[string](nil)
	_, _ = r.Register(EventBinding{}, "listener")
	hA, _ := r.Register(NewCallbackAwait(devA), "await-a")
	hB, _ := r.Register(NewBlockingAwait(devB), "await-b")

	e, ok := r.FindDevice(devB)
	require.True(t, ok)
	assert.Equal(t, hB, e.Handle)
	assert.True(t, e.Await().Blocking())

	e, ok = r.FindDevice(devA)
	require.True(t, ok)
	assert.Equal(t, hA, e.Handle)
	assert.False(t, e.Await().Blocking())

	_, ok = r.FindDevice(hidmsg.BDAddr{1})
	assert.False(t, ok)
}

func TestRegistry_SnapshotInsertionOrder(t *testing.T) {
	r := New[string](nil)
	_, _ = r.Register(EventBinding{}, "a")
	_, _ = r.Register(NewCallbackAwait(devA), "await")
	hB, _ := r.Register(EventBinding{}, "b")
	_, _ = r.Register(EventBinding{}, "c")

	snap := r.Snapshot(KindEvent)
	assert.Equal(t, []string{"a", "b", "c"}, snap)

	// Mutating after the snapshot does not change it.
	r.Remove(hB)
	_, _ = r.Register(EventBinding{}, "d")
	assert.Equal(t, []string{"a", "b", "c"}, snap)
	assert.Equal(t, []string{"a", "c", "d"}, r.Snapshot(KindEvent))
	assert.Equal(t, []string{"a", "await", "c", "d"}, r.Snapshot(KindEvent, KindConnectionAwait))
	assert.Equal(t, 1, r.Count(KindConnectionAwait))
}

func TestRegistry_RemoveFunc(t *testing.T) {
	r := New[string](nil)
	_, _ = r.Register(EventBinding{}, "a")
	_, _ = r.Register(NewCallbackAwait(devA), "await-a")
	_, _ = r.Register(NewBlockingAwait(devB), "await-b")

	removed := r.RemoveFunc(func(e *Entry[string]) bool { return e.Kind() == KindConnectionAwait })
	require.Len(t, removed, 2)
	assert.Equal(t, "await-a", removed[0].Callback)
	assert.Equal(t, "await-b", removed[1].Callback)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_ClearWakesBlockingAwaits(t *testing.T) {
	r := New[func()](nil)
	blocking := NewBlockingAwait(devA)
	callback := NewCallbackAwait(devB)
	_, _ = r.Register(blocking, nil)
	_, _ = r.Register(callback, nil)
	_, _ = r.Register(EventBinding{}, nil)

	removed := r.Clear()
	assert.Len(t, removed, 3)
	assert.Zero(t, r.Len())

	select {
	case <-blocking.Done():
	default:
		t.Fatal("blocking await was not signaled")
	}
	assert.Equal(t, hidmsg.ConnectionStatusFailureDevicePoweredOff, blocking.Status())
	assert.False(t, callback.Completed(), "callback awaits are not completed by Clear")
}

func TestConnectionAwait_CompletesOnce(t *testing.T) {
	a := NewBlockingAwait(devA)
	assert.True(t, a.Complete(hidmsg.ConnectionStatusSuccess))
	assert.False(t, a.Complete(hidmsg.ConnectionStatusFailureDevicePoweredOff), "second completion is ignored")
	assert.Equal(t, hidmsg.ConnectionStatusSuccess, a.Status())
	<-a.Done()

	c := NewCallbackAwait(devB)
	assert.Nil(t, c.Done())
	assert.True(t, c.Complete(hidmsg.ConnectionStatusFailureRefused))
	assert.True(t, c.Completed())
}
