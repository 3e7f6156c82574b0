package hidmsg

// RegisterEventsRequest subscribes the client to HID events. The server
// answers with the subscription id used to unsubscribe.
type RegisterEventsRequest struct{}

func (r *RegisterEventsRequest) Function() Function             { return FuncRegisterEvents }
func (r *RegisterEventsRequest) MarshalBinary() ([]byte, error) { return []byte{}, nil }
func (r *RegisterEventsRequest) UnmarshalBinary([]byte) error   { return nil }

type RegisterEventsResponse struct {
	Status         int32
	SubscriptionID uint32
}

func (r *RegisterEventsResponse) StatusCode() int32              { return r.Status }
func (r *RegisterEventsResponse) MarshalBinary() ([]byte, error) { return marshalFixed(r) }
func (r *RegisterEventsResponse) UnmarshalBinary(b []byte) error {
	return unmarshalFixed(FuncRegisterEvents.Response(), b, r)
}

// UnregisterEventsRequest is fire-and-forget; it has no response.
type UnregisterEventsRequest struct {
	SubscriptionID uint32
}

func (r *UnregisterEventsRequest) Function() Function             { return FuncUnregisterEvents }
func (r *UnregisterEventsRequest) MarshalBinary() ([]byte, error) { return marshalFixed(r) }
func (r *UnregisterEventsRequest) UnmarshalBinary(b []byte) error {
	return unmarshalFixed(FuncUnregisterEvents, b, r)
}

// RegisterDataEventsRequest claims the single data-path registration.
type RegisterDataEventsRequest struct{}

func (r *RegisterDataEventsRequest) Function() Function             { return FuncRegisterDataEvents }
func (r *RegisterDataEventsRequest) MarshalBinary() ([]byte, error) { return []byte{}, nil }
func (r *RegisterDataEventsRequest) UnmarshalBinary([]byte) error   { return nil }

type RegisterDataEventsResponse struct {
	Status int32
	DataID uint32
}

func (r *RegisterDataEventsResponse) StatusCode() int32              { return r.Status }
func (r *RegisterDataEventsResponse) MarshalBinary() ([]byte, error) { return marshalFixed(r) }
func (r *RegisterDataEventsResponse) UnmarshalBinary(b []byte) error {
	return unmarshalFixed(FuncRegisterDataEvents.Response(), b, r)
}

type UnregisterDataEventsRequest struct {
	DataID uint32
}

func (r *UnregisterDataEventsRequest) Function() Function             { return FuncUnregisterDataEvents }
func (r *UnregisterDataEventsRequest) MarshalBinary() ([]byte, error) { return marshalFixed(r) }
func (r *UnregisterDataEventsRequest) UnmarshalBinary(b []byte) error {
	return unmarshalFixed(FuncUnregisterDataEvents, b, r)
}

type ConnectRequest struct {
	Device BDAddr
	Flags  ConnectionFlags
}

func (r *ConnectRequest) Function() Function             { return FuncConnect }
func (r *ConnectRequest) MarshalBinary() ([]byte, error) { return marshalFixed(r) }
func (r *ConnectRequest) UnmarshalBinary(b []byte) error { return unmarshalFixed(FuncConnect, b, r) }

type DisconnectRequest struct {
	Device BDAddr
	Flags  DisconnectFlags
}

func (r *DisconnectRequest) Function() Function             { return FuncDisconnect }
func (r *DisconnectRequest) MarshalBinary() ([]byte, error) { return marshalFixed(r) }
func (r *DisconnectRequest) UnmarshalBinary(b []byte) error { return unmarshalFixed(FuncDisconnect, b, r) }

// ConnectionRequestResponseRequest accepts or rejects an inbound connection.
type ConnectionRequestResponseRequest struct {
	Device BDAddr
	Accept bool
	Flags  IncomingConnectionFlags
}

func (r *ConnectionRequestResponseRequest) Function() Function {
	return FuncConnectionRequestResponse
}
func (r *ConnectionRequestResponseRequest) MarshalBinary() ([]byte, error) { return marshalFixed(r) }
func (r *ConnectionRequestResponseRequest) UnmarshalBinary(b []byte) error {
	return unmarshalFixed(FuncConnectionRequestResponse, b, r)
}

type QueryConnectedDevicesRequest struct {
	MaxDevices uint32
}

func (r *QueryConnectedDevicesRequest) Function() Function             { return FuncQueryConnectedDevices }
func (r *QueryConnectedDevicesRequest) MarshalBinary() ([]byte, error) { return marshalFixed(r) }
func (r *QueryConnectedDevicesRequest) UnmarshalBinary(b []byte) error {
	return unmarshalFixed(FuncQueryConnectedDevices, b, r)
}

type ChangeIncomingConnectionFlagsRequest struct {
	Flags IncomingConnectionFlags
}

func (r *ChangeIncomingConnectionFlagsRequest) Function() Function {
	return FuncChangeIncomingConnectionFlags
}
func (r *ChangeIncomingConnectionFlagsRequest) MarshalBinary() ([]byte, error) {
	return marshalFixed(r)
}
func (r *ChangeIncomingConnectionFlagsRequest) UnmarshalBinary(b []byte) error {
	return unmarshalFixed(FuncChangeIncomingConnectionFlags, b, r)
}

// SetKeyboardRepeatRateRequest configures the simulated key repeat the
// server generates for boot-protocol keyboards.
type SetKeyboardRepeatRateRequest struct {
	DelayMS uint32
	RateMS  uint32
}

func (r *SetKeyboardRepeatRateRequest) Function() Function             { return FuncSetKeyboardRepeatRate }
func (r *SetKeyboardRepeatRateRequest) MarshalBinary() ([]byte, error) { return marshalFixed(r) }
func (r *SetKeyboardRepeatRateRequest) UnmarshalBinary(b []byte) error {
	return unmarshalFixed(FuncSetKeyboardRepeatRate, b, r)
}

type sendReportDataPrefix struct {
	DataID uint32
	Device BDAddr
	Length uint16
}

// SendReportDataRequest carries an output report to a device.
type SendReportDataRequest struct {
	DataID uint32
	Device BDAddr
	Data   []byte
}

// SendReportDataRequestSize returns the encoded size of a SendReportDataRequest
// carrying n report bytes.
func SendReportDataRequestSize(n int) int { return sizeOf(&sendReportDataPrefix{}) + n }

func (r *SendReportDataRequest) Function() Function { return FuncSendReportData }

func (r *SendReportDataRequest) MarshalBinary() ([]byte, error) {
	b, err := marshalFixed(&sendReportDataPrefix{DataID: r.DataID, Device: r.Device, Length: uint16(len(r.Data))})
	if err != nil {
		return nil, err
	}
	return append(b, r.Data...), nil
}

func (r *SendReportDataRequest) UnmarshalBinary(b []byte) error {
	var p sendReportDataPrefix
	if err := unmarshalFixed(FuncSendReportData, b, &p); err != nil {
		return err
	}
	data, err := tail(FuncSendReportData, b, &p, int(p.Length), 1)
	if err != nil {
		return err
	}
	r.DataID, r.Device = p.DataID, p.Device
	r.Data = append([]byte(nil), data...)
	return nil
}

type SendGetReportRequest struct {
	DataID     uint32
	Device     BDAddr
	Size       ReportSize
	Type       ReportType
	ReportID   uint8
	BufferSize uint16
}

func (r *SendGetReportRequest) Function() Function             { return FuncSendGetReport }
func (r *SendGetReportRequest) MarshalBinary() ([]byte, error) { return marshalFixed(r) }
func (r *SendGetReportRequest) UnmarshalBinary(b []byte) error {
	return unmarshalFixed(FuncSendGetReport, b, r)
}

type sendSetReportPrefix struct {
	DataID uint32
	Device BDAddr
	Type   ReportType
	Length uint16
}

type SendSetReportRequest struct {
	DataID uint32
	Device BDAddr
	Type   ReportType
	Data   []byte
}

// SendSetReportRequestSize returns the encoded size of a SendSetReportRequest
// carrying n report bytes.
func SendSetReportRequestSize(n int) int { return sizeOf(&sendSetReportPrefix{}) + n }

func (r *SendSetReportRequest) Function() Function { return FuncSendSetReport }

func (r *SendSetReportRequest) MarshalBinary() ([]byte, error) {
	b, err := marshalFixed(&sendSetReportPrefix{
		DataID: r.DataID,
		Device: r.Device,
		Type:   r.Type,
		Length: uint16(len(r.Data)),
	})
	if err != nil {
		return nil, err
	}
	return append(b, r.Data...), nil
}

func (r *SendSetReportRequest) UnmarshalBinary(b []byte) error {
	var p sendSetReportPrefix
	if err := unmarshalFixed(FuncSendSetReport, b, &p); err != nil {
		return err
	}
	data, err := tail(FuncSendSetReport, b, &p, int(p.Length), 1)
	if err != nil {
		return err
	}
	r.DataID, r.Device, r.Type = p.DataID, p.Device, p.Type
	r.Data = append([]byte(nil), data...)
	return nil
}

type SendGetProtocolRequest struct {
	DataID uint32
	Device BDAddr
}

func (r *SendGetProtocolRequest) Function() Function             { return FuncSendGetProtocol }
func (r *SendGetProtocolRequest) MarshalBinary() ([]byte, error) { return marshalFixed(r) }
func (r *SendGetProtocolRequest) UnmarshalBinary(b []byte) error {
	return unmarshalFixed(FuncSendGetProtocol, b, r)
}

type SendSetProtocolRequest struct {
	DataID   uint32
	Device   BDAddr
	Protocol Protocol
}

func (r *SendSetProtocolRequest) Function() Function             { return FuncSendSetProtocol }
func (r *SendSetProtocolRequest) MarshalBinary() ([]byte, error) { return marshalFixed(r) }
func (r *SendSetProtocolRequest) UnmarshalBinary(b []byte) error {
	return unmarshalFixed(FuncSendSetProtocol, b, r)
}

type SendGetIdleRequest struct {
	DataID uint32
	Device BDAddr
}

func (r *SendGetIdleRequest) Function() Function             { return FuncSendGetIdle }
func (r *SendGetIdleRequest) MarshalBinary() ([]byte, error) { return marshalFixed(r) }
func (r *SendGetIdleRequest) UnmarshalBinary(b []byte) error {
	return unmarshalFixed(FuncSendGetIdle, b, r)
}

type SendSetIdleRequest struct {
	DataID   uint32
	Device   BDAddr
	IdleRate uint8
}

func (r *SendSetIdleRequest) Function() Function             { return FuncSendSetIdle }
func (r *SendSetIdleRequest) MarshalBinary() ([]byte, error) { return marshalFixed(r) }
func (r *SendSetIdleRequest) UnmarshalBinary(b []byte) error {
	return unmarshalFixed(FuncSendSetIdle, b, r)
}

type queryConnectedDevicesPrefix struct {
	Status       int32
	TotalDevices uint32
	Count        uint32
}

// QueryConnectedDevicesResponse lists at most the requested number of
// connected devices. TotalDevices is the server's full count.
type QueryConnectedDevicesResponse struct {
	Status       int32
	TotalDevices uint32
	Devices      []BDAddr
}

// QueryConnectedDevicesResponseSize returns the encoded size of a response
// listing n devices.
func QueryConnectedDevicesResponseSize(n int) int {
	return sizeOf(&queryConnectedDevicesPrefix{}) + n*len(BDAddr{})
}

func (r *QueryConnectedDevicesResponse) StatusCode() int32 { return r.Status }

func (r *QueryConnectedDevicesResponse) MarshalBinary() ([]byte, error) {
	b, err := marshalFixed(&queryConnectedDevicesPrefix{
		Status:       r.Status,
		TotalDevices: r.TotalDevices,
		Count:        uint32(len(r.Devices)),
	})
	if err != nil {
		return nil, err
	}
	for _, d := range r.Devices {
		b = append(b, d[:]...)
	}
	return b, nil
}

func (r *QueryConnectedDevicesResponse) UnmarshalBinary(b []byte) error {
	fn := FuncQueryConnectedDevices.Response()
	var p queryConnectedDevicesPrefix
	if err := unmarshalFixed(fn, b, &p); err != nil {
		return err
	}
	if p.Count > MaxPayloadSize {
		return &SizeError{Function: fn, Have: len(b), Need: QueryConnectedDevicesResponseSize(int(p.Count))}
	}
	list, err := tail(fn, b, &p, int(p.Count), len(BDAddr{}))
	if err != nil {
		return err
	}
	r.Status, r.TotalDevices = p.Status, p.TotalDevices
	r.Devices = make([]BDAddr, p.Count)
	for i := range r.Devices {
		copy(r.Devices[i][:], list[i*len(BDAddr{}):])
	}
	return nil
}
