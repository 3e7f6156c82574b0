package hidclient

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-hid/internal/errs"
	"bluetooth-hid/internal/hidmsg"
	"bluetooth-hid/internal/listener"
	"bluetooth-hid/internal/metrics"
)

func gauge(m *metrics.Metrics, k listener.Kind) float64 {
	return testutil.ToFloat64(m.Listeners.WithLabelValues(k.String()))
}

func dropped(m *metrics.Metrics, reason string) float64 {
	return testutil.ToFloat64(m.EventsDropped.WithLabelValues(reason))
}

func TestFanOut_SnapshotOrderAndSelfUnregister(t *testing.T) {
	c, tr := newTestClient(t)

	var order []string
	var h2 Handle
	_, err := c.RegisterEventCallback(func(Event) { order = append(order, "l1") })
	require.NoError(t, err)
	h2, err = c.RegisterEventCallback(func(Event) {
		order = append(order, "l2")
		require.NoError(t, c.UnregisterEventCallback(h2))
		// Registered during the pass: not part of it.
		_, err := c.RegisterEventCallback(func(Event) { order = append(order, "late") })
		require.NoError(t, err)
	})
	require.NoError(t, err)
	_, err = c.RegisterEventCallback(func(Event) { order = append(order, "l3") })
	require.NoError(t, err)

	require.NoError(t, tr.DeliverEvent(&hidmsg.ConnectionRequestEvent{Device: devD}))
	assert.Equal(t, []string{"l1", "l2", "l3"}, order)

	order = nil
	require.NoError(t, tr.DeliverEvent(&hidmsg.DisconnectedEvent{Device: devD}))
	assert.Equal(t, []string{"l1", "l3", "late"}, order)
}

func TestFanOut_PanickingListenerIsIsolated(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	c, tr := newTestClient(t, WithMetrics(m))

	var got []hidmsg.Function
	_, err := c.RegisterEventCallback(func(Event) { panic("listener bug") })
	require.NoError(t, err)
	_, err = c.RegisterEventCallback(func(ev Event) { got = append(got, ev.Function) })
	require.NoError(t, err)

	require.NotPanics(t, func() {
		require.NoError(t, tr.DeliverEvent(&hidmsg.BootMouseEvent{Device: devD, CX: -3, CY: 4}))
	})
	assert.Equal(t, []hidmsg.Function{hidmsg.FuncBootMouse}, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ListenerPanics))
}

func TestFanOut_BootEventsSkipDataListener(t *testing.T) {
	c, tr := newTestClient(t)

	var events, data []hidmsg.Function
	_, err := c.RegisterEventCallback(func(ev Event) { events = append(events, ev.Function) })
	require.NoError(t, err)
	dh, err := c.RegisterDataEventCallback(context.Background(), func(ev Event) {
		data = append(data, ev.Function)
		assert.NotZero(t, ev.Handle)
	})
	require.NoError(t, err)
	require.NotZero(t, dh)

	require.NoError(t, tr.DeliverEvent(&hidmsg.BootKeyboardKeyPressEvent{Device: devD, KeyDown: true, Key: 0x04}))
	require.NoError(t, tr.DeliverEvent(&hidmsg.BootKeyboardKeyRepeatEvent{Device: devD, Key: 0x04}))
	require.NoError(t, tr.DeliverEvent(&hidmsg.ConnectedEvent{Device: devD}))

	assert.Equal(t, []hidmsg.Function{
		hidmsg.FuncBootKeyboardKeyPress,
		hidmsg.FuncBootKeyboardKeyRepeat,
		hidmsg.FuncConnected,
	}, events)
	assert.Equal(t, []hidmsg.Function{hidmsg.FuncConnected}, data)
}

func TestDataPath_StampsLocalHandle(t *testing.T) {
	c, tr := newTestClient(t)
	tr.Respond(hidmsg.FuncRegisterDataEvents, func(req hidmsg.Message) (hidmsg.Message, error) {
		return req.Reply(&hidmsg.RegisterDataEventsResponse{DataID: 0xBEEF})
	})

	var got []Event
	h, err := c.RegisterDataEventCallback(context.Background(), func(ev Event) { got = append(got, ev) })
	require.NoError(t, err)

	report := []byte{0xA1, 0x01, 0x00, 0x04}
	require.NoError(t, tr.DeliverEvent(&hidmsg.ReportDataEvent{DataID: 0xBEEF, Device: devD, Data: report}))

	require.Len(t, got, 1)
	assert.Equal(t, h, got[0].Handle)
	assert.Equal(t, devD, got[0].Device)
	p := got[0].Payload.(*hidmsg.ReportDataEvent)
	assert.Equal(t, uint32(h), p.DataID, "server id replaced by local handle")
	assert.Equal(t, report, p.Data)
}

func TestDataPath_DropsOtherRegistrations(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	c, tr := newTestClient(t, WithMetrics(m))

	called := false
	_, err := c.RegisterDataEventCallback(context.Background(), func(Event) { called = true })
	require.NoError(t, err)

	require.NoError(t, tr.DeliverEvent(&hidmsg.SetIdleConfirmationEvent{DataID: 0xDEAD, Device: devD}))
	assert.False(t, called)
	assert.Equal(t, 1.0, dropped(m, dropStaleDataID))
}

func TestDataPath_NoListenerDrops(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	_, tr := newTestClient(t, WithMetrics(m))

	require.NoError(t, tr.DeliverEvent(&hidmsg.GetProtocolConfirmationEvent{Device: devD, Protocol: hidmsg.ProtocolReport}))
	assert.Equal(t, 1.0, dropped(m, dropNoListener))
}

func TestDispatch_MalformedEventIsDropped(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	c, tr := newTestClient(t, WithMetrics(m))

	called := false
	_, err := c.RegisterEventCallback(func(Event) { called = true })
	require.NoError(t, err)

	// Header declares more payload than the message carries.
	msg, err := hidmsg.NewMessage(hidmsg.GroupHID, hidmsg.FuncConnected, 0, &hidmsg.ConnectedEvent{Device: devD})
	require.NoError(t, err)
	msg.Payload = msg.Payload[:2]
	require.True(t, tr.Deliver(msg))

	// Declares a 64-byte report but carries 2.
	short, err := hidmsg.NewMessage(hidmsg.GroupHID, hidmsg.FuncReportDataReceived, 0,
		&hidmsg.ReportDataEvent{Device: devD, Data: make([]byte, 64)})
	require.NoError(t, err)
	short.Payload = short.Payload[:hidmsg.ReportDataEventSize(2)]
	short.Header.Length = uint32(len(short.Payload))
	require.True(t, tr.Deliver(short))

	assert.False(t, called)
	assert.Equal(t, 2.0, dropped(m, dropMalformed))
}

func TestDispatch_IgnoresResponsesAndUnknownFunctions(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	_, tr := newTestClient(t, WithMetrics(m))

	rsp := hidmsg.Message{Header: hidmsg.Header{Group: hidmsg.GroupHID, Function: hidmsg.FuncConnect.Response()}}
	require.True(t, tr.Deliver(rsp))
	req := hidmsg.Message{Header: hidmsg.Header{Group: hidmsg.GroupHID, Function: hidmsg.FuncConnect}}
	require.True(t, tr.Deliver(req))

	assert.Equal(t, 2.0, dropped(m, dropUnexpected))
}

func TestDataSend_WithoutListenerDoesNotSend(t *testing.T) {
	c, tr := newTestClient(t)
	ctx := context.Background()
	sent := len(tr.Sent())

	err := c.SendGetReportRequest(ctx, 42, devD, GetReport{Type: hidmsg.ReportTypeInput, ReportID: 1})
	assert.ErrorIs(t, err, errs.ErrInvalidHandle)
	assert.Equal(t, errs.CodeInvalidHandle, errs.Code(err))

	for name, err := range map[string]error{
		"report":       c.SendReportData(ctx, 42, devD, []byte{1}),
		"set_report":   c.SendSetReportRequest(ctx, 42, devD, hidmsg.ReportTypeOutput, []byte{1}),
		"get_protocol": c.SendGetProtocolRequest(ctx, 42, devD),
		"set_protocol": c.SendSetProtocolRequest(ctx, 42, devD, hidmsg.ProtocolBoot),
		"get_idle":     c.SendGetIdleRequest(ctx, 42, devD),
		"set_idle":     c.SendSetIdleRequest(ctx, 42, devD, 0),
	} {
		assert.ErrorIs(t, err, errs.ErrInvalidHandle, name)
	}
	assert.Len(t, tr.Sent(), sent)
}

func TestDataSend_UsesServerRegistrationID(t *testing.T) {
	c, tr := newTestClient(t)
	ctx := context.Background()
	tr.Respond(hidmsg.FuncRegisterDataEvents, func(req hidmsg.Message) (hidmsg.Message, error) {
		return req.Reply(&hidmsg.RegisterDataEventsResponse{DataID: 77})
	})
	h, err := c.RegisterDataEventCallback(ctx, func(Event) {})
	require.NoError(t, err)

	require.NoError(t, c.SendReportData(ctx, h, devD, nil))
	p, ok := tr.LastSent(hidmsg.FuncSendReportData)
	require.True(t, ok)
	assert.Equal(t, &hidmsg.SendReportDataRequest{DataID: 77, Device: devD}, p)

	require.NoError(t, c.SendGetReportRequest(ctx, h, devD, GetReport{
		Size:       hidmsg.ReportSizeUseBufferSize,
		Type:       hidmsg.ReportTypeFeature,
		ReportID:   3,
		BufferSize: 16,
	}))
	p, _ = tr.LastSent(hidmsg.FuncSendGetReport)
	assert.Equal(t, &hidmsg.SendGetReportRequest{
		DataID: 77, Device: devD, Size: hidmsg.ReportSizeUseBufferSize,
		Type: hidmsg.ReportTypeFeature, ReportID: 3, BufferSize: 16,
	}, p)

	require.NoError(t, c.SendSetReportRequest(ctx, h, devD, hidmsg.ReportTypeOutput, []byte{0x01, 0x02}))
	require.NoError(t, c.SendGetProtocolRequest(ctx, h, devD))
	require.NoError(t, c.SendSetProtocolRequest(ctx, h, devD, hidmsg.ProtocolReport))
	require.NoError(t, c.SendGetIdleRequest(ctx, h, devD))
	require.NoError(t, c.SendSetIdleRequest(ctx, h, devD, 125))
	p, _ = tr.LastSent(hidmsg.FuncSendSetIdle)
	assert.Equal(t, &hidmsg.SendSetIdleRequest{DataID: 77, Device: devD, IdleRate: 125}, p)

	err = c.SendSetProtocolRequest(ctx, h, devD, hidmsg.Protocol(9))
	assert.True(t, errs.IsInvalid(err))
	err = c.SendReportData(ctx, h, hidmsg.BDAddr{}, nil)
	assert.Equal(t, errs.CodeInvalidParameter, errs.Code(err))
	err = c.SendReportData(ctx, h, devD, make([]byte, 1<<16))
	assert.Equal(t, errs.CodeInvalidParameter, errs.Code(err))
}

func TestDataListener_SingleRegistration(t *testing.T) {
	c, tr := newTestClient(t)
	ctx := context.Background()

	h, err := c.RegisterDataEventCallback(ctx, func(Event) {})
	require.NoError(t, err)
	_, err = c.RegisterDataEventCallback(ctx, func(Event) {})
	assert.ErrorIs(t, err, errs.ErrAlreadyRegistered)

	require.NoError(t, c.UnregisterDataEventCallback(ctx, h))
	p, ok := tr.LastSent(hidmsg.FuncUnregisterDataEvents)
	require.True(t, ok)
	assert.Equal(t, uint32(0x100), p.(*hidmsg.UnregisterDataEventsRequest).DataID)

	err = c.UnregisterDataEventCallback(ctx, h)
	assert.ErrorIs(t, err, errs.ErrInvalidHandle)

	_, err = c.RegisterDataEventCallback(ctx, func(Event) {})
	assert.NoError(t, err, "slot is free again")
}

func TestEventListener_UnregisterTwice(t *testing.T) {
	c, _ := newTestClient(t)
	h, err := c.RegisterEventCallback(func(Event) {})
	require.NoError(t, err)

	require.NoError(t, c.UnregisterEventCallback(h))
	assert.ErrorIs(t, c.UnregisterEventCallback(h), errs.ErrInvalidHandle)
	assert.ErrorIs(t, c.UnregisterEventCallback(0), errs.ErrInvalidHandle)
}

func TestHandles_UniqueAcrossRegistries(t *testing.T) {
	c, _ := newTestClient(t)
	h1, err := c.RegisterEventCallback(func(Event) {})
	require.NoError(t, err)
	h2, err := c.RegisterDataEventCallback(context.Background(), func(Event) {})
	require.NoError(t, err)
	h3, err := c.RegisterEventCallback(func(Event) {})
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
	assert.NotEqual(t, h2, h3)
	// A data handle is not an event handle.
	assert.ErrorIs(t, c.UnregisterEventCallback(h2), errs.ErrInvalidHandle)
}
