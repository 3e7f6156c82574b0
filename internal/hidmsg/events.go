package hidmsg

// ConnectionRequestEvent asks the client to accept or reject an inbound
// connection from Device.
type ConnectionRequestEvent struct {
	Device BDAddr
}

func (e *ConnectionRequestEvent) Function() Function             { return FuncConnectionRequest }
func (e *ConnectionRequestEvent) Address() BDAddr                { return e.Device }
func (e *ConnectionRequestEvent) MarshalBinary() ([]byte, error) { return marshalFixed(e) }
func (e *ConnectionRequestEvent) UnmarshalBinary(b []byte) error {
	return unmarshalFixed(FuncConnectionRequest, b, e)
}

type ConnectedEvent struct {
	Device BDAddr
}

func (e *ConnectedEvent) Function() Function             { return FuncConnected }
func (e *ConnectedEvent) Address() BDAddr                { return e.Device }
func (e *ConnectedEvent) MarshalBinary() ([]byte, error) { return marshalFixed(e) }
func (e *ConnectedEvent) UnmarshalBinary(b []byte) error { return unmarshalFixed(FuncConnected, b, e) }

// ConnectionStatusEvent resolves an outgoing connection attempt. The server
// correlates it with the attempt by device address only.
type ConnectionStatusEvent struct {
	Device BDAddr
	Status ConnectionStatus
}

func (e *ConnectionStatusEvent) Function() Function             { return FuncConnectionStatus }
func (e *ConnectionStatusEvent) Address() BDAddr                { return e.Device }
func (e *ConnectionStatusEvent) MarshalBinary() ([]byte, error) { return marshalFixed(e) }
func (e *ConnectionStatusEvent) UnmarshalBinary(b []byte) error {
	return unmarshalFixed(FuncConnectionStatus, b, e)
}

type DisconnectedEvent struct {
	Device BDAddr
}

func (e *DisconnectedEvent) Function() Function             { return FuncDisconnected }
func (e *DisconnectedEvent) Address() BDAddr                { return e.Device }
func (e *DisconnectedEvent) MarshalBinary() ([]byte, error) { return marshalFixed(e) }
func (e *DisconnectedEvent) UnmarshalBinary(b []byte) error {
	return unmarshalFixed(FuncDisconnected, b, e)
}

type BootKeyboardKeyPressEvent struct {
	Device    BDAddr
	KeyDown   bool
	Modifiers uint8
	Key       uint8
}

func (e *BootKeyboardKeyPressEvent) Function() Function             { return FuncBootKeyboardKeyPress }
func (e *BootKeyboardKeyPressEvent) Address() BDAddr                { return e.Device }
func (e *BootKeyboardKeyPressEvent) MarshalBinary() ([]byte, error) { return marshalFixed(e) }
func (e *BootKeyboardKeyPressEvent) UnmarshalBinary(b []byte) error {
	return unmarshalFixed(FuncBootKeyboardKeyPress, b, e)
}

type BootKeyboardKeyRepeatEvent struct {
	Device    BDAddr
	Modifiers uint8
	Key       uint8
}

func (e *BootKeyboardKeyRepeatEvent) Function() Function             { return FuncBootKeyboardKeyRepeat }
func (e *BootKeyboardKeyRepeatEvent) Address() BDAddr                { return e.Device }
func (e *BootKeyboardKeyRepeatEvent) MarshalBinary() ([]byte, error) { return marshalFixed(e) }
func (e *BootKeyboardKeyRepeatEvent) UnmarshalBinary(b []byte) error {
	return unmarshalFixed(FuncBootKeyboardKeyRepeat, b, e)
}

type BootMouseEvent struct {
	Device  BDAddr
	CX      int8
	CY      int8
	Buttons uint8
	Wheel   int8
}

func (e *BootMouseEvent) Function() Function             { return FuncBootMouse }
func (e *BootMouseEvent) Address() BDAddr                { return e.Device }
func (e *BootMouseEvent) MarshalBinary() ([]byte, error) { return marshalFixed(e) }
func (e *BootMouseEvent) UnmarshalBinary(b []byte) error { return unmarshalFixed(FuncBootMouse, b, e) }

type reportDataPrefix struct {
	DataID uint32
	Device BDAddr
	Length uint16
}

// ReportDataEvent carries an input report received from Device. DataID is
// the server-side data registration id.
type ReportDataEvent struct {
	DataID uint32
	Device BDAddr
	Data   []byte
}

// ReportDataEventSize returns the encoded size of a ReportDataEvent carrying
// n report bytes.
func ReportDataEventSize(n int) int { return sizeOf(&reportDataPrefix{}) + n }

func (e *ReportDataEvent) Function() Function { return FuncReportDataReceived }
func (e *ReportDataEvent) Address() BDAddr    { return e.Device }

func (e *ReportDataEvent) MarshalBinary() ([]byte, error) {
	b, err := marshalFixed(&reportDataPrefix{DataID: e.DataID, Device: e.Device, Length: uint16(len(e.Data))})
	if err != nil {
		return nil, err
	}
	return append(b, e.Data...), nil
}

func (e *ReportDataEvent) UnmarshalBinary(b []byte) error {
	var p reportDataPrefix
	if err := unmarshalFixed(FuncReportDataReceived, b, &p); err != nil {
		return err
	}
	data, err := tail(FuncReportDataReceived, b, &p, int(p.Length), 1)
	if err != nil {
		return err
	}
	e.DataID, e.Device = p.DataID, p.Device
	e.Data = append([]byte(nil), data...)
	return nil
}

type getReportConfirmationPrefix struct {
	DataID     uint32
	Device     BDAddr
	Status     ResultType
	ReportType ReportType
	Length     uint16
}

type GetReportConfirmationEvent struct {
	DataID     uint32
	Device     BDAddr
	Status     ResultType
	ReportType ReportType
	Data       []byte
}

// GetReportConfirmationEventSize returns the encoded size of a
// GetReportConfirmationEvent carrying n report bytes.
func GetReportConfirmationEventSize(n int) int { return sizeOf(&getReportConfirmationPrefix{}) + n }

func (e *GetReportConfirmationEvent) Function() Function { return FuncGetReportConfirmation }
func (e *GetReportConfirmationEvent) Address() BDAddr    { return e.Device }

func (e *GetReportConfirmationEvent) MarshalBinary() ([]byte, error) {
	b, err := marshalFixed(&getReportConfirmationPrefix{
		DataID:     e.DataID,
		Device:     e.Device,
		Status:     e.Status,
		ReportType: e.ReportType,
		Length:     uint16(len(e.Data)),
	})
	if err != nil {
		return nil, err
	}
	return append(b, e.Data...), nil
}

func (e *GetReportConfirmationEvent) UnmarshalBinary(b []byte) error {
	var p getReportConfirmationPrefix
	if err := unmarshalFixed(FuncGetReportConfirmation, b, &p); err != nil {
		return err
	}
	data, err := tail(FuncGetReportConfirmation, b, &p, int(p.Length), 1)
	if err != nil {
		return err
	}
	e.DataID, e.Device, e.Status, e.ReportType = p.DataID, p.Device, p.Status, p.ReportType
	e.Data = append([]byte(nil), data...)
	return nil
}

type SetReportConfirmationEvent struct {
	DataID uint32
	Device BDAddr
	Status ResultType
}

func (e *SetReportConfirmationEvent) Function() Function             { return FuncSetReportConfirmation }
func (e *SetReportConfirmationEvent) Address() BDAddr                { return e.Device }
func (e *SetReportConfirmationEvent) MarshalBinary() ([]byte, error) { return marshalFixed(e) }
func (e *SetReportConfirmationEvent) UnmarshalBinary(b []byte) error {
	return unmarshalFixed(FuncSetReportConfirmation, b, e)
}

type GetProtocolConfirmationEvent struct {
	DataID   uint32
	Device   BDAddr
	Status   ResultType
	Protocol Protocol
}

func (e *GetProtocolConfirmationEvent) Function() Function             { return FuncGetProtocolConfirmation }
func (e *GetProtocolConfirmationEvent) Address() BDAddr                { return e.Device }
func (e *GetProtocolConfirmationEvent) MarshalBinary() ([]byte, error) { return marshalFixed(e) }
func (e *GetProtocolConfirmationEvent) UnmarshalBinary(b []byte) error {
	return unmarshalFixed(FuncGetProtocolConfirmation, b, e)
}

type SetProtocolConfirmationEvent struct {
	DataID uint32
	Device BDAddr
	Status ResultType
}

func (e *SetProtocolConfirmationEvent) Function() Function             { return FuncSetProtocolConfirmation }
func (e *SetProtocolConfirmationEvent) Address() BDAddr                { return e.Device }
func (e *SetProtocolConfirmationEvent) MarshalBinary() ([]byte, error) { return marshalFixed(e) }
func (e *SetProtocolConfirmationEvent) UnmarshalBinary(b []byte) error {
	return unmarshalFixed(FuncSetProtocolConfirmation, b, e)
}

type GetIdleConfirmationEvent struct {
	DataID   uint32
	Device   BDAddr
	Status   ResultType
	IdleRate uint8
}

func (e *GetIdleConfirmationEvent) Function() Function             { return FuncGetIdleConfirmation }
func (e *GetIdleConfirmationEvent) Address() BDAddr                { return e.Device }
func (e *GetIdleConfirmationEvent) MarshalBinary() ([]byte, error) { return marshalFixed(e) }
func (e *GetIdleConfirmationEvent) UnmarshalBinary(b []byte) error {
	return unmarshalFixed(FuncGetIdleConfirmation, b, e)
}

type SetIdleConfirmationEvent struct {
	DataID uint32
	Device BDAddr
	Status ResultType
}

func (e *SetIdleConfirmationEvent) Function() Function             { return FuncSetIdleConfirmation }
func (e *SetIdleConfirmationEvent) Address() BDAddr                { return e.Device }
func (e *SetIdleConfirmationEvent) MarshalBinary() ([]byte, error) { return marshalFixed(e) }
func (e *SetIdleConfirmationEvent) UnmarshalBinary(b []byte) error {
	return unmarshalFixed(FuncSetIdleConfirmation, b, e)
}
