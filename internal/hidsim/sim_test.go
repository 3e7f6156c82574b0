package hidsim_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-hid/internal/errs"
	"bluetooth-hid/internal/hidclient"
	"bluetooth-hid/internal/hidmsg"
	"bluetooth-hid/internal/hidsim"
	"bluetooth-hid/internal/transport/stream"
)

var (
	keyboard = hidmsg.BDAddr{0x00, 0x1A, 0x7D, 0xDA, 0x71, 0x13}
	mouse    = hidmsg.BDAddr{0x00, 0x1A, 0x7D, 0xDA, 0x71, 0x14}
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func setup(t *testing.T, opts ...hidsim.Option) (*hidsim.Sim, *hidclient.Client) {
	t.Helper()
	sim := hidsim.New(append([]hidsim.Option{hidsim.WithLogger(quiet())}, opts...)...)
	a, b := net.Pipe()
	sim.Attach(b)
	conn := stream.New(a, stream.WithLogger(quiet()))
	c := hidclient.New(conn, hidclient.WithLogger(quiet()), hidclient.WithRequestTimeout(2*time.Second))
	require.NoError(t, c.Init(context.Background()))
	t.Cleanup(func() {
		_ = c.Shutdown(context.Background())
		_ = conn.Close()
	})
	return sim, c
}

// listen registers an event listener feeding a buffered channel.
func listen(t *testing.T, c *hidclient.Client) <-chan hidclient.Event {
	t.Helper()
	ch := make(chan hidclient.Event, 16)
	_, err := c.RegisterEventCallback(func(ev hidclient.Event) { ch <- ev })
	require.NoError(t, err)
	return ch
}

// next waits for the next event with function fn, skipping others.
func next(t *testing.T, ch <-chan hidclient.Event, fn hidmsg.Function) hidclient.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Function == fn {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", fn)
			return hidclient.Event{}
		}
	}
}

func TestEndToEnd_ConnectAndWait(t *testing.T) {
	sim, c := setup(t)
	ctx := context.Background()
	events := listen(t, c)

	st, err := c.ConnectAndWait(ctx, keyboard, hidmsg.ConnectionFlagParseBoot)
	require.NoError(t, err)
	assert.Equal(t, hidmsg.ConnectionStatusSuccess, st)

	ev := next(t, events, hidmsg.FuncConnected)
	assert.Equal(t, keyboard, ev.Device)
	assert.Equal(t, []hidmsg.BDAddr{keyboard}, sim.Connected())

	devs, total, err := c.QueryConnectedDevices(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, []hidmsg.BDAddr{keyboard}, devs)

	require.NoError(t, c.Disconnect(ctx, keyboard, 0))
	ev = next(t, events, hidmsg.FuncDisconnected)
	assert.Equal(t, keyboard, ev.Device)
	assert.Empty(t, sim.Connected())
}

func TestEndToEnd_RefusedConnectIsAStatus(t *testing.T) {
	sim, c := setup(t, hidsim.WithConnectOutcome(func(hidmsg.BDAddr) hidmsg.ConnectionStatus {
		return hidmsg.ConnectionStatusFailureRefused
	}))

	st, err := c.ConnectAndWait(context.Background(), keyboard, 0)
	require.NoError(t, err)
	assert.Equal(t, hidmsg.ConnectionStatusFailureRefused, st)
	assert.Empty(t, sim.Connected())
}

func TestEndToEnd_AsyncConnectCallback(t *testing.T) {
	_, c := setup(t)
	got := make(chan hidmsg.ConnectionStatus, 1)
	require.NoError(t, c.Connect(context.Background(), mouse, 0, func(dev hidmsg.BDAddr, st hidmsg.ConnectionStatus) {
		if dev == mouse {
			got <- st
		}
	}))
	select {
	case st := <-got:
		assert.Equal(t, hidmsg.ConnectionStatusSuccess, st)
	case <-time.After(2 * time.Second):
		t.Fatal("connect callback not invoked")
	}
}

func TestEndToEnd_ServerStatusPassesThrough(t *testing.T) {
	_, c := setup(t)

	err := c.Disconnect(context.Background(), keyboard, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrServerFailure)
	assert.Equal(t, int(hidsim.StatusNotConnected), errs.Code(err))
}

func TestEndToEnd_DataPath(t *testing.T) {
	sim, c := setup(t)
	ctx := context.Background()

	_, err := c.ConnectAndWait(ctx, keyboard, 0)
	require.NoError(t, err)

	data := make(chan hidclient.Event, 16)
	h, err := c.RegisterDataEventCallback(ctx, func(ev hidclient.Event) { data <- ev })
	require.NoError(t, err)

	require.NoError(t, c.SendSetReportRequest(ctx, h, keyboard, hidmsg.ReportTypeFeature, []byte{5, 0xAA}))
	ev := next(t, data, hidmsg.FuncSetReportConfirmation)
	assert.Equal(t, h, ev.Handle)
	set := ev.Payload.(*hidmsg.SetReportConfirmationEvent)
	assert.Equal(t, uint32(h), set.DataID, "listener sees its local handle")
	assert.Equal(t, hidmsg.ResultSuccessful, set.Status)

	require.NoError(t, c.SendGetReportRequest(ctx, h, keyboard, hidclient.GetReport{
		Type:     hidmsg.ReportTypeFeature,
		ReportID: 5,
	}))
	get := next(t, data, hidmsg.FuncGetReportConfirmation).Payload.(*hidmsg.GetReportConfirmationEvent)
	assert.Equal(t, hidmsg.ResultData, get.Status)
	assert.Equal(t, []byte{5, 0xAA}, get.Data)

	require.NoError(t, c.SendSetProtocolRequest(ctx, h, keyboard, hidmsg.ProtocolBoot))
	next(t, data, hidmsg.FuncSetProtocolConfirmation)
	require.NoError(t, c.SendGetProtocolRequest(ctx, h, keyboard))
	proto := next(t, data, hidmsg.FuncGetProtocolConfirmation).Payload.(*hidmsg.GetProtocolConfirmationEvent)
	assert.Equal(t, hidmsg.ProtocolBoot, proto.Protocol)

	require.NoError(t, c.SendSetIdleRequest(ctx, h, keyboard, 12))
	next(t, data, hidmsg.FuncSetIdleConfirmation)
	require.NoError(t, c.SendGetIdleRequest(ctx, h, keyboard))
	idle := next(t, data, hidmsg.FuncGetIdleConfirmation).Payload.(*hidmsg.GetIdleConfirmationEvent)
	assert.Equal(t, uint8(12), idle.IdleRate)

	require.NoError(t, c.SendReportData(ctx, h, keyboard, []byte{0x01}))

	sim.InputReport(ctx, keyboard, []byte{1, 2, 3})
	in := next(t, data, hidmsg.FuncReportDataReceived)
	assert.Equal(t, keyboard, in.Device)
	assert.Equal(t, []byte{1, 2, 3}, in.Payload.(*hidmsg.ReportDataEvent).Data)

	require.NoError(t, c.UnregisterDataEventCallback(ctx, h))
	err = c.SendReportData(ctx, h, keyboard, []byte{0x01})
	assert.ErrorIs(t, err, errs.ErrInvalidHandle)
}

func TestEndToEnd_DataPathRequiresConnectedDevice(t *testing.T) {
	_, c := setup(t)
	ctx := context.Background()

	h, err := c.RegisterDataEventCallback(ctx, func(hidclient.Event) {})
	require.NoError(t, err)
	err = c.SendGetIdleRequest(ctx, h, mouse)
	assert.Equal(t, int(hidsim.StatusNotConnected), errs.Code(err))
}

func TestEndToEnd_IncomingConnection(t *testing.T) {
	sim, c := setup(t)
	ctx := context.Background()
	events := listen(t, c)

	sim.RequestConnection(ctx, mouse)
	ev := next(t, events, hidmsg.FuncConnectionRequest)
	assert.Equal(t, mouse, ev.Device)

	require.NoError(t, c.RespondToConnectionRequest(ctx, mouse, true, hidmsg.IncomingConnectionFlagParseBoot))
	next(t, events, hidmsg.FuncConnected)
	assert.Equal(t, []hidmsg.BDAddr{mouse}, sim.Connected())
}

func TestEndToEnd_AnswerConnectionRequestFromCallback(t *testing.T) {
	sim, c := setup(t)
	ctx := context.Background()
	events := listen(t, c)

	answered := make(chan error, 1)
	_, err := c.RegisterEventCallback(func(ev hidclient.Event) {
		if ev.Function == hidmsg.FuncConnectionRequest {
			answered <- c.RespondToConnectionRequest(ctx, ev.Device, true, 0)
		}
	})
	require.NoError(t, err)

	start := time.Now()
	sim.RequestConnection(ctx, mouse)
	select {
	case err := <-answered:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("callback never returned")
	}
	assert.Less(t, time.Since(start), time.Second, "answered without waiting for the request timeout")

	ev := next(t, events, hidmsg.FuncConnected)
	assert.Equal(t, mouse, ev.Device)
	assert.Equal(t, []hidmsg.BDAddr{mouse}, sim.Connected())
}

func TestEndToEnd_DataListenerUnregistersItself(t *testing.T) {
	sim, c := setup(t)
	ctx := context.Background()

	_, err := c.ConnectAndWait(ctx, keyboard, 0)
	require.NoError(t, err)

	unregistered := make(chan error, 1)
	h, err := c.RegisterDataEventCallback(ctx, func(ev hidclient.Event) {
		if ev.Function == hidmsg.FuncReportDataReceived {
			unregistered <- c.UnregisterDataEventCallback(ctx, ev.Handle)
		}
	})
	require.NoError(t, err)

	start := time.Now()
	sim.InputReport(ctx, keyboard, []byte{1})
	select {
	case err := <-unregistered:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("callback never returned")
	}
	assert.Less(t, time.Since(start), time.Second)

	err = c.SendReportData(ctx, h, keyboard, []byte{0x01})
	assert.ErrorIs(t, err, errs.ErrInvalidHandle)

	// A new data listener can register once the old one is gone.
	_, err = c.RegisterDataEventCallback(ctx, func(hidclient.Event) {})
	assert.NoError(t, err)
}

func TestEndToEnd_PowerCycle(t *testing.T) {
	sim, c := setup(t)
	ctx := context.Background()

	_, err := c.ConnectAndWait(ctx, keyboard, 0)
	require.NoError(t, err)

	sim.PowerOff(ctx)
	require.Eventually(t, func() bool { return !c.Powered() }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, sim.Connected())

	err = c.Connect(ctx, keyboard, 0, nil)
	assert.Equal(t, int(hidsim.StatusNotPowered), errs.Code(err))

	sim.PowerOn(ctx)
	require.Eventually(t, c.Powered, 2*time.Second, 5*time.Millisecond)
	st, err := c.ConnectAndWait(ctx, keyboard, 0)
	require.NoError(t, err)
	assert.Equal(t, hidmsg.ConnectionStatusSuccess, st)
}

func TestServe_UnixSocket(t *testing.T) {
	sim := hidsim.New(hidsim.WithLogger(quiet()))
	ln, err := net.Listen("unix", filepath.Join(t.TempDir(), "hidm.sock"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- sim.Serve(ctx, ln) }()

	conn, err := stream.Dial(ctx, "unix", ln.Addr().String(), stream.WithLogger(quiet()))
	require.NoError(t, err)
	c := hidclient.New(conn, hidclient.WithLogger(quiet()))
	require.NoError(t, c.Init(ctx))
	require.Eventually(t, func() bool { return sim.Sessions() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.ChangeIncomingConnectionFlags(ctx, hidmsg.IncomingConnectionFlagRequireEncryption))
	assert.Equal(t, hidmsg.IncomingConnectionFlagRequireEncryption, sim.IncomingFlags())

	require.NoError(t, c.SetKeyboardRepeatRate(ctx, 500*time.Millisecond, 40*time.Millisecond))
	delay, rate := sim.RepeatRate()
	assert.Equal(t, uint32(500), delay)
	assert.Equal(t, uint32(40), rate)

	require.NoError(t, c.Shutdown(ctx))
	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	<-conn.Done()
	assert.Eventually(t, func() bool { return sim.Sessions() == 0 }, 2*time.Second, 5*time.Millisecond)
}
