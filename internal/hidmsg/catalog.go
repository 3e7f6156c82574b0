package hidmsg

import (
	"errors"
	"fmt"
)

// Group is the coarse routing key: which manager a message belongs to.
type Group uint16

const (
	// GroupSystem carries transport lifecycle notifications.
	GroupSystem Group = 0x0001
	// GroupHID carries HID manager requests, responses and events.
	GroupHID Group = 0x0011
)

func (g Group) String() string {
	switch g {
	case GroupSystem:
		return "system"
	case GroupHID:
		return "hid"
	default:
		return fmt.Sprintf("group(0x%04x)", uint16(g))
	}
}

// Function is the fine routing key within a group.
type Function uint16

// ResponseBit is set on the function of every response.
const ResponseBit Function = 0x8000

// IsResponse reports whether f carries the response bit.
func (f Function) IsResponse() bool { return f&ResponseBit != 0 }

// Response returns the response function paired with request function f.
func (f Function) Response() Function { return f | ResponseBit }

// Request strips the response bit.
func (f Function) Request() Function { return f &^ ResponseBit }

// IsEvent reports whether f is a server-originated notification.
func (f Function) IsEvent() bool {
	r := f.Request()
	return r >= FuncConnectionRequest && r < ResponseBit
}

// Request/response functions. Each has exactly one request payload type and,
// except for FuncUnregisterEvents, exactly one response payload type.
const (
	FuncRegisterEvents Function = 0x0001 + iota
	FuncUnregisterEvents
	FuncRegisterDataEvents
	FuncUnregisterDataEvents
	FuncConnect
	FuncDisconnect
	FuncConnectionRequestResponse
	FuncQueryConnectedDevices
	FuncChangeIncomingConnectionFlags
	FuncSetKeyboardRepeatRate
	FuncSendReportData
	FuncSendGetReport
	FuncSendSetReport
	FuncSendGetProtocol
	FuncSendSetProtocol
	FuncSendGetIdle
	FuncSendSetIdle
)

// Asynchronous HID events. This range never overlaps request functions.
const (
	FuncConnectionRequest Function = 0x1001 + iota
	FuncConnected
	FuncConnectionStatus
	FuncDisconnected
	FuncBootKeyboardKeyPress
	FuncBootKeyboardKeyRepeat
	FuncBootMouse
	FuncReportDataReceived
	FuncGetReportConfirmation
	FuncSetReportConfirmation
	FuncGetProtocolConfirmation
	FuncSetProtocolConfirmation
	FuncGetIdleConfirmation
	FuncSetIdleConfirmation
)

// GroupSystem functions. Payloads are empty.
const (
	FuncPowerOn Function = 0x2001 + iota
	FuncPowerOff
	FuncClientDeregistered
)

var functionNames = map[Function]string{
	FuncRegisterEvents:                "register_events",
	FuncUnregisterEvents:              "unregister_events",
	FuncRegisterDataEvents:            "register_data_events",
	FuncUnregisterDataEvents:          "unregister_data_events",
	FuncConnect:                       "connect",
	FuncDisconnect:                    "disconnect",
	FuncConnectionRequestResponse:     "connection_request_response",
	FuncQueryConnectedDevices:         "query_connected_devices",
	FuncChangeIncomingConnectionFlags: "change_incoming_connection_flags",
	FuncSetKeyboardRepeatRate:         "set_keyboard_repeat_rate",
	FuncSendReportData:                "send_report_data",
	FuncSendGetReport:                 "send_get_report",
	FuncSendSetReport:                 "send_set_report",
	FuncSendGetProtocol:               "send_get_protocol",
	FuncSendSetProtocol:               "send_set_protocol",
	FuncSendGetIdle:                   "send_get_idle",
	FuncSendSetIdle:                   "send_set_idle",

	FuncConnectionRequest:       "connection_request",
	FuncConnected:               "connected",
	FuncConnectionStatus:        "connection_status",
	FuncDisconnected:            "disconnected",
	FuncBootKeyboardKeyPress:    "boot_keyboard_key_press",
	FuncBootKeyboardKeyRepeat:   "boot_keyboard_key_repeat",
	FuncBootMouse:               "boot_mouse",
	FuncReportDataReceived:      "report_data_received",
	FuncGetReportConfirmation:   "get_report_confirmation",
	FuncSetReportConfirmation:   "set_report_confirmation",
	FuncGetProtocolConfirmation: "get_protocol_confirmation",
	FuncSetProtocolConfirmation: "set_protocol_confirmation",
	FuncGetIdleConfirmation:     "get_idle_confirmation",
	FuncSetIdleConfirmation:     "set_idle_confirmation",

	FuncPowerOn:            "power_on",
	FuncPowerOff:           "power_off",
	FuncClientDeregistered: "client_deregistered",
}

func (f Function) String() string {
	name, ok := functionNames[f.Request()]
	if !ok {
		name = fmt.Sprintf("func(0x%04x)", uint16(f.Request()))
	}
	if f.IsResponse() {
		return name + "_response"
	}
	return name
}

// FireAndForget reports whether requests with function f are sent without
// waiting for a response.
func (f Function) FireAndForget() bool {
	return f.Request() == FuncUnregisterEvents
}

type catalogKey struct {
	group Group
	fn    Function
}

// catalog maps every (group, function) pair with a payload to its constructor.
var catalog = map[catalogKey]func() Payload{
	{GroupHID, FuncRegisterEvents}:                           func() Payload { return new(RegisterEventsRequest) },
	{GroupHID, FuncRegisterEvents.Response()}:                func() Payload { return new(RegisterEventsResponse) },
	{GroupHID, FuncUnregisterEvents}:                         func() Payload { return new(UnregisterEventsRequest) },
	{GroupHID, FuncRegisterDataEvents}:                       func() Payload { return new(RegisterDataEventsRequest) },
	{GroupHID, FuncRegisterDataEvents.Response()}:            func() Payload { return new(RegisterDataEventsResponse) },
	{GroupHID, FuncUnregisterDataEvents}:                     func() Payload { return new(UnregisterDataEventsRequest) },
	{GroupHID, FuncUnregisterDataEvents.Response()}:          func() Payload { return new(StatusResponse) },
	{GroupHID, FuncConnect}:                                  func() Payload { return new(ConnectRequest) },
	{GroupHID, FuncConnect.Response()}:                       func() Payload { return new(StatusResponse) },
	{GroupHID, FuncDisconnect}:                               func() Payload { return new(DisconnectRequest) },
	{GroupHID, FuncDisconnect.Response()}:                    func() Payload { return new(StatusResponse) },
	{GroupHID, FuncConnectionRequestResponse}:                func() Payload { return new(ConnectionRequestResponseRequest) },
	{GroupHID, FuncConnectionRequestResponse.Response()}:     func() Payload { return new(StatusResponse) },
	{GroupHID, FuncQueryConnectedDevices}:                    func() Payload { return new(QueryConnectedDevicesRequest) },
	{GroupHID, FuncQueryConnectedDevices.Response()}:         func() Payload { return new(QueryConnectedDevicesResponse) },
	{GroupHID, FuncChangeIncomingConnectionFlags}:            func() Payload { return new(ChangeIncomingConnectionFlagsRequest) },
	{GroupHID, FuncChangeIncomingConnectionFlags.Response()}: func() Payload { return new(StatusResponse) },
	{GroupHID, FuncSetKeyboardRepeatRate}:                    func() Payload { return new(SetKeyboardRepeatRateRequest) },
	{GroupHID, FuncSetKeyboardRepeatRate.Response()}:         func() Payload { return new(StatusResponse) },
	{GroupHID, FuncSendReportData}:                           func() Payload { return new(SendReportDataRequest) },
	{GroupHID, FuncSendReportData.Response()}:                func() Payload { return new(StatusResponse) },
	{GroupHID, FuncSendGetReport}:                            func() Payload { return new(SendGetReportRequest) },
	{GroupHID, FuncSendGetReport.Response()}:                 func() Payload { return new(StatusResponse) },
	{GroupHID, FuncSendSetReport}:                            func() Payload { return new(SendSetReportRequest) },
	{GroupHID, FuncSendSetReport.Response()}:                 func() Payload { return new(StatusResponse) },
	{GroupHID, FuncSendGetProtocol}:                          func() Payload { return new(SendGetProtocolRequest) },
	{GroupHID, FuncSendGetProtocol.Response()}:               func() Payload { return new(StatusResponse) },
	{GroupHID, FuncSendSetProtocol}:                          func() Payload { return new(SendSetProtocolRequest) },
	{GroupHID, FuncSendSetProtocol.Response()}:               func() Payload { return new(StatusResponse) },
	{GroupHID, FuncSendGetIdle}:                              func() Payload { return new(SendGetIdleRequest) },
	{GroupHID, FuncSendGetIdle.Response()}:                   func() Payload { return new(StatusResponse) },
	{GroupHID, FuncSendSetIdle}:                              func() Payload { return new(SendSetIdleRequest) },
	{GroupHID, FuncSendSetIdle.Response()}:                   func() Payload { return new(StatusResponse) },

	{GroupHID, FuncConnectionRequest}:       func() Payload { return new(ConnectionRequestEvent) },
	{GroupHID, FuncConnected}:               func() Payload { return new(ConnectedEvent) },
	{GroupHID, FuncConnectionStatus}:        func() Payload { return new(ConnectionStatusEvent) },
	{GroupHID, FuncDisconnected}:            func() Payload { return new(DisconnectedEvent) },
	{GroupHID, FuncBootKeyboardKeyPress}:    func() Payload { return new(BootKeyboardKeyPressEvent) },
	{GroupHID, FuncBootKeyboardKeyRepeat}:   func() Payload { return new(BootKeyboardKeyRepeatEvent) },
	{GroupHID, FuncBootMouse}:               func() Payload { return new(BootMouseEvent) },
	{GroupHID, FuncReportDataReceived}:      func() Payload { return new(ReportDataEvent) },
	{GroupHID, FuncGetReportConfirmation}:   func() Payload { return new(GetReportConfirmationEvent) },
	{GroupHID, FuncSetReportConfirmation}:   func() Payload { return new(SetReportConfirmationEvent) },
	{GroupHID, FuncGetProtocolConfirmation}: func() Payload { return new(GetProtocolConfirmationEvent) },
	{GroupHID, FuncSetProtocolConfirmation}: func() Payload { return new(SetProtocolConfirmationEvent) },
	{GroupHID, FuncGetIdleConfirmation}:     func() Payload { return new(GetIdleConfirmationEvent) },
	{GroupHID, FuncSetIdleConfirmation}:     func() Payload { return new(SetIdleConfirmationEvent) },
}

// Decode maps m to its typed payload and validates its size. The header's
// declared length is authoritative: a payload longer than declared is
// truncated, one shorter is rejected.
func Decode(m Message) (Payload, error) {
	ctor, ok := catalog[catalogKey{m.Header.Group, m.Header.Function}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownFunction, m.Header.Group, m.Header.Function)
	}
	payload := m.Payload
	if int(m.Header.Length) > len(payload) {
		return nil, &SizeError{Function: m.Header.Function, Have: len(payload), Need: int(m.Header.Length)}
	}
	payload = payload[:m.Header.Length]
	p := ctor()
	if err := p.UnmarshalBinary(payload); err != nil {
		var se *SizeError
		if errors.As(err, &se) {
			se.Function = m.Header.Function
		}
		return nil, err
	}
	return p, nil
}
