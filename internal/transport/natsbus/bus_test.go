package natsbus

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"bluetooth-hid/internal/hidmsg"
	"bluetooth-hid/internal/transport"
)

func TestSubjects(t *testing.T) {
	s := Subjects{Prefix: "lab"}
	assert.Equal(t, "lab.req.hid", s.Request(hidmsg.GroupHID))
	assert.Equal(t, "lab.evt.hid", s.Event(hidmsg.GroupHID))
	assert.Equal(t, "lab.sys", s.System())
}

func startNATS(ctx context.Context, t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping NATS integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForListeningPort("4222/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "4222")
	require.NoError(t, err)
	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func publishFrame(t *testing.T, nc *nats.Conn, subject string, msg hidmsg.Message) {
	t.Helper()
	data, err := msg.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, nc.Publish(subject, data))
	require.NoError(t, nc.Flush())
}

func TestIntegration_Bus(t *testing.T) {
	ctx := context.Background()
	url := startNATS(ctx, t)
	subjects := Subjects{Prefix: DefaultPrefix}

	// The peer plays the manager: answer every request with status 3.
	peer, err := nats.Connect(url)
	require.NoError(t, err)
	defer peer.Close()
	_, err = peer.Subscribe(subjects.Request(hidmsg.GroupHID), func(m *nats.Msg) {
		var req hidmsg.Message
		if req.UnmarshalBinary(m.Data) != nil || m.Reply == "" {
			return
		}
		rsp, err := req.Reply(&hidmsg.StatusResponse{Status: 3})
		if err != nil {
			return
		}
		data, _ := rsp.MarshalBinary()
		_ = m.Respond(data)
	})
	require.NoError(t, err)
	require.NoError(t, peer.Flush())

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus, err := Connect(ctx, url, WithLogger(quiet))
	require.NoError(t, err)
	defer bus.Close()

	t.Run("request reply", func(t *testing.T) {
		req, err := hidmsg.NewMessage(hidmsg.GroupHID, hidmsg.FuncDisconnect, bus.NextMessageID(),
			&hidmsg.DisconnectRequest{Device: hidmsg.BDAddr{1, 2, 3, 4, 5, 6}})
		require.NoError(t, err)
		rsp, err := bus.SendAndWait(ctx, req, 2*time.Second)
		require.NoError(t, err)
		p, err := hidmsg.Decode(rsp)
		require.NoError(t, err)
		assert.Equal(t, int32(3), p.(*hidmsg.StatusResponse).Status)
	})

	t.Run("events", func(t *testing.T) {
		got := make(chan hidmsg.Function, 1)
		require.NoError(t, bus.RegisterGroupHandler(hidmsg.GroupHID, func(m hidmsg.Message) { got <- m.Header.Function }))
		defer bus.UnregisterGroupHandler(hidmsg.GroupHID)
		require.NoError(t, bus.nc.Flush())

		ev, err := hidmsg.NewMessage(hidmsg.GroupHID, hidmsg.FuncConnected, 0, &hidmsg.ConnectedEvent{})
		require.NoError(t, err)
		publishFrame(t, peer, subjects.Event(hidmsg.GroupHID), ev)

		select {
		case fn := <-got:
			assert.Equal(t, hidmsg.FuncConnected, fn)
		case <-time.After(2 * time.Second):
			t.Fatal("event not delivered")
		}
	})

	t.Run("lifecycle", func(t *testing.T) {
		got := make(chan transport.LifecycleEvent, 1)
		cancel := bus.SubscribeLifecycle(func(ev transport.LifecycleEvent) { got <- ev })
		defer cancel()

		publishFrame(t, peer, subjects.System(), hidmsg.Message{
			Header: hidmsg.Header{Group: hidmsg.GroupSystem, Function: hidmsg.FuncPowerOff},
		})
		select {
		case ev := <-got:
			assert.Equal(t, transport.PowerOff, ev)
		case <-time.After(2 * time.Second):
			t.Fatal("lifecycle event not delivered")
		}
	})
}

func TestIntegration_NoResponderIsSendFailure(t *testing.T) {
	ctx := context.Background()
	url := startNATS(ctx, t)

	bus, err := Connect(ctx, url, WithPrefix("empty"), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	defer bus.Close()

	req, err := hidmsg.NewMessage(hidmsg.GroupHID, hidmsg.FuncRegisterEvents, bus.NextMessageID(), &hidmsg.RegisterEventsRequest{})
	require.NoError(t, err)
	_, err = bus.SendAndWait(ctx, req, time.Second)
	assert.ErrorIs(t, err, transport.ErrSendFailed)

	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Send(ctx, req), transport.ErrClosed)
}
