package hidclient

import (
	"context"
	"fmt"
	"math"
	"time"

	"bluetooth-hid/internal/errs"
	"bluetooth-hid/internal/hidmsg"
	"bluetooth-hid/internal/listener"
)

func invalid(op, format string, args ...any) error {
	return errs.Invalid(op, errs.CodeInvalidParameter, fmt.Errorf("%w: "+format, append([]any{errs.ErrInvalidParameter}, args...)...))
}

func (c *Client) requireInitialized(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkInitializedLocked(op)
}

// exec runs a request whose only result is a status.
func (c *Client) exec(ctx context.Context, op string, req hidmsg.Request) error {
	if err := c.requireInitialized(op); err != nil {
		return err
	}
	_, err := c.roundTrip(ctx, op, req)
	return err
}

// Connect starts a connection attempt to dev. When cb is non-nil it is
// invoked exactly once with the outcome. Only one attempt per device may be
// pending.
func (c *Client) Connect(ctx context.Context, dev hidmsg.BDAddr, flags hidmsg.ConnectionFlags, cb ConnectionCallback) error {
	const op = "hidclient.Connect"
	if dev.IsZero() {
		return invalid(op, "zero device address")
	}
	if cb == nil {
		return c.exec(ctx, op, &hidmsg.ConnectRequest{Device: dev, Flags: flags})
	}
	h, err := c.registerAwait(op, listener.NewCallbackAwait(dev), callback{onConnect: cb})
	if err != nil {
		return err
	}
	if _, err := c.roundTrip(ctx, op, &hidmsg.ConnectRequest{Device: dev, Flags: flags}); err != nil {
		c.removeAwait(h)
		return err
	}
	return nil
}

// ConnectAndWait connects to dev and blocks until the outcome arrives. A
// negative outcome is returned as a status with a nil error. Shutdown or a
// power-off while waiting yields ConnectionStatusFailureDevicePoweredOff.
// The wait itself is bounded only by ctx.
func (c *Client) ConnectAndWait(ctx context.Context, dev hidmsg.BDAddr, flags hidmsg.ConnectionFlags) (hidmsg.ConnectionStatus, error) {
	const op = "hidclient.ConnectAndWait"
	if dev.IsZero() {
		return hidmsg.ConnectionStatusFailureUnknown, invalid(op, "zero device address")
	}
	// The await is registered before the request goes out so the outcome
	// cannot arrive ahead of it.
	await := listener.NewBlockingAwait(dev)
	h, err := c.registerAwait(op, await, callback{})
	if err != nil {
		return hidmsg.ConnectionStatusFailureUnknown, err
	}
	if _, err := c.roundTrip(ctx, op, &hidmsg.ConnectRequest{Device: dev, Flags: flags}); err != nil {
		c.removeAwait(h)
		return hidmsg.ConnectionStatusFailureUnknown, err
	}

	select {
	case <-await.Done():
	case <-ctx.Done():
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.events.Remove(h); ok {
		c.updateGaugesLocked()
	}
	if await.Completed() {
		return await.Status(), nil
	}
	return hidmsg.ConnectionStatusFailureUnknown, transportError(op, ctx.Err())
}

func (c *Client) registerAwait(op string, a *listener.ConnectionAwait, cb callback) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkInitializedLocked(op); err != nil {
		return 0, err
	}
	if _, busy := c.events.FindDevice(a.Device); busy {
		return 0, errs.Invalid(op, errs.CodeAlreadyRegistered,
			fmt.Errorf("%w: connection to %s already pending", errs.ErrAlreadyRegistered, a.Device))
	}
	h, err := c.events.Register(a, cb)
	if err != nil {
		return 0, errs.Invalid(op, errs.CodeAlreadyRegistered, fmt.Errorf("%w: %w", errs.ErrAlreadyRegistered, err))
	}
	c.updateGaugesLocked()
	return h, nil
}

func (c *Client) removeAwait(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.events.Remove(h); ok {
		c.updateGaugesLocked()
	}
}

// Disconnect drops the link to dev.
func (c *Client) Disconnect(ctx context.Context, dev hidmsg.BDAddr, flags hidmsg.DisconnectFlags) error {
	const op = "hidclient.Disconnect"
	if dev.IsZero() {
		return invalid(op, "zero device address")
	}
	return c.exec(ctx, op, &hidmsg.DisconnectRequest{Device: dev, Flags: flags})
}

// RespondToConnectionRequest accepts or rejects an inbound connection
// announced by a ConnectionRequest event.
func (c *Client) RespondToConnectionRequest(ctx context.Context, dev hidmsg.BDAddr, accept bool, flags hidmsg.IncomingConnectionFlags) error {
	const op = "hidclient.RespondToConnectionRequest"
	if dev.IsZero() {
		return invalid(op, "zero device address")
	}
	return c.exec(ctx, op, &hidmsg.ConnectionRequestResponseRequest{Device: dev, Accept: accept, Flags: flags})
}

// QueryConnectedDevices returns at most limit connected devices and the
// server's total count, which may be larger.
func (c *Client) QueryConnectedDevices(ctx context.Context, limit int) ([]hidmsg.BDAddr, int, error) {
	const op = "hidclient.QueryConnectedDevices"
	if limit < 0 || uint64(limit) > math.MaxUint32 {
		return nil, 0, invalid(op, "device limit %d out of range", limit)
	}
	if err := c.requireInitialized(op); err != nil {
		return nil, 0, err
	}
	rsp, err := c.roundTrip(ctx, op, &hidmsg.QueryConnectedDevicesRequest{MaxDevices: uint32(limit)})
	if err != nil {
		return nil, 0, err
	}
	r := rsp.(*hidmsg.QueryConnectedDevicesResponse)
	devs := r.Devices
	if len(devs) > limit {
		devs = devs[:limit]
	}
	return devs, int(r.TotalDevices), nil
}

// ChangeIncomingConnectionFlags sets how the server treats inbound
// connections.
func (c *Client) ChangeIncomingConnectionFlags(ctx context.Context, flags hidmsg.IncomingConnectionFlags) error {
	return c.exec(ctx, "hidclient.ChangeIncomingConnectionFlags", &hidmsg.ChangeIncomingConnectionFlagsRequest{Flags: flags})
}

// SetKeyboardRepeatRate configures the key repeat the server simulates for
// boot-protocol keyboards. A zero rate disables repeat.
func (c *Client) SetKeyboardRepeatRate(ctx context.Context, delay, rate time.Duration) error {
	const op = "hidclient.SetKeyboardRepeatRate"
	if delay < 0 || rate < 0 || delay.Milliseconds() > math.MaxUint32 || rate.Milliseconds() > math.MaxUint32 {
		return invalid(op, "repeat delay %s rate %s out of range", delay, rate)
	}
	return c.exec(ctx, op, &hidmsg.SetKeyboardRepeatRateRequest{
		DelayMS: uint32(delay.Milliseconds()),
		RateMS:  uint32(rate.Milliseconds()),
	})
}

// RegisterEventCallback adds a general event listener. It is purely local.
func (c *Client) RegisterEventCallback(cb EventCallback) (Handle, error) {
	const op = "hidclient.RegisterEventCallback"
	if cb == nil {
		return 0, invalid(op, "nil callback")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkInitializedLocked(op); err != nil {
		return 0, err
	}
	h, err := c.events.Register(listener.EventBinding{}, callback{onEvent: cb})
	if err != nil {
		return 0, errs.Invalid(op, errs.CodeAlreadyRegistered, fmt.Errorf("%w: %w", errs.ErrAlreadyRegistered, err))
	}
	c.updateGaugesLocked()
	return h, nil
}

// UnregisterEventCallback removes a general event listener. A second call
// with the same handle fails with errs.ErrInvalidHandle.
func (c *Client) UnregisterEventCallback(h Handle) error {
	const op = "hidclient.UnregisterEventCallback"
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkInitializedLocked(op); err != nil {
		return err
	}
	e, ok := c.events.Find(h)
	if !ok || e.Kind() != listener.KindEvent {
		return errs.Invalid(op, errs.CodeInvalidHandle, errs.ErrInvalidHandle)
	}
	c.events.Remove(h)
	c.updateGaugesLocked()
	return nil
}

// RegisterDataEventCallback claims the single data-path registration on the
// server. The returned handle addresses every data-path send.
func (c *Client) RegisterDataEventCallback(ctx context.Context, cb EventCallback) (Handle, error) {
	const op = "hidclient.RegisterDataEventCallback"
	if cb == nil {
		return 0, invalid(op, "nil callback")
	}
	c.mu.Lock()
	if err := c.checkInitializedLocked(op); err != nil {
		c.mu.Unlock()
		return 0, err
	}
	if c.dataPending || c.data.Len() > 0 {
		c.mu.Unlock()
		return 0, errs.Invalid(op, errs.CodeAlreadyRegistered, errs.ErrAlreadyRegistered)
	}
	c.dataPending = true
	c.mu.Unlock()

	rsp, err := c.roundTrip(ctx, op, &hidmsg.RegisterDataEventsRequest{})

	c.mu.Lock()
	c.dataPending = false
	if err != nil {
		c.mu.Unlock()
		return 0, err
	}
	dataID := rsp.(*hidmsg.RegisterDataEventsResponse).DataID
	if !c.initialized {
		// Shut down while the request was in flight.
		c.mu.Unlock()
		_ = c.send(ctx, op, &hidmsg.UnregisterDataEventsRequest{DataID: dataID})
		return 0, errs.Invalid(op, errs.CodeNotInitialized, errs.ErrNotInitialized)
	}
	h, err := c.data.Register(listener.DataPath{ServerID: dataID}, callback{onEvent: cb})
	if err == nil {
		c.updateGaugesLocked()
	}
	c.mu.Unlock()
	if err != nil {
		return 0, errs.Invalid(op, errs.CodeAlreadyRegistered, fmt.Errorf("%w: %w", errs.ErrAlreadyRegistered, err))
	}
	c.log.Debug("data listener registered", "handle", h, "data_id", dataID)
	return h, nil
}

// UnregisterDataEventCallback releases the data-path registration. The local
// entry is removed even when the server request fails.
func (c *Client) UnregisterDataEventCallback(ctx context.Context, h Handle) error {
	const op = "hidclient.UnregisterDataEventCallback"
	c.mu.Lock()
	if err := c.checkInitializedLocked(op); err != nil {
		c.mu.Unlock()
		return err
	}
	e, ok := c.data.Remove(h)
	if !ok {
		c.mu.Unlock()
		return errs.Invalid(op, errs.CodeInvalidHandle, errs.ErrInvalidHandle)
	}
	c.updateGaugesLocked()
	c.mu.Unlock()

	d, _ := e.DataPath()
	_, err := c.roundTrip(ctx, op, &hidmsg.UnregisterDataEventsRequest{DataID: d.ServerID})
	return err
}

// dataID resolves a data-path handle to the server registration id.
func (c *Client) dataID(op string, h Handle, dev hidmsg.BDAddr) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkInitializedLocked(op); err != nil {
		return 0, err
	}
	e, ok := c.data.Find(h)
	if !ok {
		return 0, errs.Invalid(op, errs.CodeInvalidHandle, errs.ErrInvalidHandle)
	}
	if dev.IsZero() {
		return 0, invalid(op, "zero device address")
	}
	d, _ := e.DataPath()
	return d.ServerID, nil
}

func checkReportLen(op string, n, size int) error {
	if n > math.MaxUint16 || size > hidmsg.MaxPayloadSize {
		return invalid(op, "report of %d bytes too large", n)
	}
	return nil
}

// SendReportData sends an output report to dev. An empty report is valid.
func (c *Client) SendReportData(ctx context.Context, h Handle, dev hidmsg.BDAddr, data []byte) error {
	const op = "hidclient.SendReportData"
	id, err := c.dataID(op, h, dev)
	if err != nil {
		return err
	}
	if err := checkReportLen(op, len(data), hidmsg.SendReportDataRequestSize(len(data))); err != nil {
		return err
	}
	_, err = c.roundTrip(ctx, op, &hidmsg.SendReportDataRequest{DataID: id, Device: dev, Data: data})
	return err
}

// GetReport describes a GET_REPORT transaction.
type GetReport struct {
	Size       hidmsg.ReportSize
	Type       hidmsg.ReportType
	ReportID   uint8
	BufferSize uint16
}

// SendGetReportRequest starts a GET_REPORT transaction. The report arrives
// as a GetReportConfirmation event on the data listener.
func (c *Client) SendGetReportRequest(ctx context.Context, h Handle, dev hidmsg.BDAddr, r GetReport) error {
	const op = "hidclient.SendGetReportRequest"
	id, err := c.dataID(op, h, dev)
	if err != nil {
		return err
	}
	_, err = c.roundTrip(ctx, op, &hidmsg.SendGetReportRequest{
		DataID:     id,
		Device:     dev,
		Size:       r.Size,
		Type:       r.Type,
		ReportID:   r.ReportID,
		BufferSize: r.BufferSize,
	})
	return err
}

// SendSetReportRequest starts a SET_REPORT transaction.
func (c *Client) SendSetReportRequest(ctx context.Context, h Handle, dev hidmsg.BDAddr, typ hidmsg.ReportType, data []byte) error {
	const op = "hidclient.SendSetReportRequest"
	id, err := c.dataID(op, h, dev)
	if err != nil {
		return err
	}
	if err := checkReportLen(op, len(data), hidmsg.SendSetReportRequestSize(len(data))); err != nil {
		return err
	}
	_, err = c.roundTrip(ctx, op, &hidmsg.SendSetReportRequest{DataID: id, Device: dev, Type: typ, Data: data})
	return err
}

// SendGetProtocolRequest starts a GET_PROTOCOL transaction.
func (c *Client) SendGetProtocolRequest(ctx context.Context, h Handle, dev hidmsg.BDAddr) error {
	const op = "hidclient.SendGetProtocolRequest"
	id, err := c.dataID(op, h, dev)
	if err != nil {
		return err
	}
	_, err = c.roundTrip(ctx, op, &hidmsg.SendGetProtocolRequest{DataID: id, Device: dev})
	return err
}

// SendSetProtocolRequest starts a SET_PROTOCOL transaction.
func (c *Client) SendSetProtocolRequest(ctx context.Context, h Handle, dev hidmsg.BDAddr, p hidmsg.Protocol) error {
	const op = "hidclient.SendSetProtocolRequest"
	if p != hidmsg.ProtocolBoot && p != hidmsg.ProtocolReport {
		return invalid(op, "unknown protocol %d", p)
	}
	id, err := c.dataID(op, h, dev)
	if err != nil {
		return err
	}
	_, err = c.roundTrip(ctx, op, &hidmsg.SendSetProtocolRequest{DataID: id, Device: dev, Protocol: p})
	return err
}

// SendGetIdleRequest starts a GET_IDLE transaction.
func (c *Client) SendGetIdleRequest(ctx context.Context, h Handle, dev hidmsg.BDAddr) error {
	const op = "hidclient.SendGetIdleRequest"
	id, err := c.dataID(op, h, dev)
	if err != nil {
		return err
	}
	_, err = c.roundTrip(ctx, op, &hidmsg.SendGetIdleRequest{DataID: id, Device: dev})
	return err
}

// SendSetIdleRequest starts a SET_IDLE transaction. The idle rate is in
// units of 4 ms; zero means report only on change.
func (c *Client) SendSetIdleRequest(ctx context.Context, h Handle, dev hidmsg.BDAddr, idleRate uint8) error {
	const op = "hidclient.SendSetIdleRequest"
	id, err := c.dataID(op, h, dev)
	if err != nil {
		return err
	}
	_, err = c.roundTrip(ctx, op, &hidmsg.SendSetIdleRequest{DataID: id, Device: dev, IdleRate: idleRate})
	return err
}
