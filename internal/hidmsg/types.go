package hidmsg

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// BDAddr is a Bluetooth device address, stored in display order.
type BDAddr [6]byte

// IsZero reports whether a is the all-zero address.
func (a BDAddr) IsZero() bool { return a == BDAddr{} }

func (a BDAddr) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// ParseBDAddr parses "AA:BB:CC:DD:EE:FF" (or '-'/'_' separated) addresses.
func ParseBDAddr(s string) (BDAddr, error) {
	var a BDAddr
	s = strings.NewReplacer("-", ":", "_", ":").Replace(strings.TrimSpace(s))
	parts := strings.Split(s, ":")
	if len(parts) != len(a) {
		return a, fmt.Errorf("hidmsg: invalid device address %q", s)
	}
	for i, p := range parts {
		b, err := hex.DecodeString(p)
		if err != nil || len(b) != 1 {
			return BDAddr{}, fmt.Errorf("hidmsg: invalid device address %q", s)
		}
		a[i] = b[0]
	}
	return a, nil
}

// Status codes carried by responses. Zero is success; negative values are
// server-side error codes passed through to the caller.
const StatusSuccess int32 = 0

// ConnectionStatus is the outcome of a connection attempt.
type ConnectionStatus uint32

const (
	ConnectionStatusSuccess ConnectionStatus = iota
	ConnectionStatusFailureTimeout
	ConnectionStatusFailureRefused
	ConnectionStatusFailureSecurity
	ConnectionStatusFailureDevicePoweredOff
	ConnectionStatusFailureUnknown
)

func (s ConnectionStatus) String() string {
	switch s {
	case ConnectionStatusSuccess:
		return "success"
	case ConnectionStatusFailureTimeout:
		return "failure_timeout"
	case ConnectionStatusFailureRefused:
		return "failure_refused"
	case ConnectionStatusFailureSecurity:
		return "failure_security"
	case ConnectionStatusFailureDevicePoweredOff:
		return "failure_device_powered_off"
	default:
		return "failure_unknown"
	}
}

// ConnectionFlags modify an outgoing connection attempt.
type ConnectionFlags uint32

const (
	ConnectionFlagRequireAuthentication ConnectionFlags = 1 << iota
	ConnectionFlagRequireEncryption
	ConnectionFlagReportModeParsing
	ConnectionFlagParseBoot
)

// DisconnectFlags modify a disconnect request.
type DisconnectFlags uint32

const (
	// DisconnectFlagVirtualCableUnplug sends a virtual cable unplug before
	// dropping the link.
	DisconnectFlagVirtualCableUnplug DisconnectFlags = 1 << iota
)

// IncomingConnectionFlags select how the server treats inbound connections.
type IncomingConnectionFlags uint32

const (
	IncomingConnectionFlagRequireAuthorization IncomingConnectionFlags = 1 << iota
	IncomingConnectionFlagRequireAuthentication
	IncomingConnectionFlagRequireEncryption
	IncomingConnectionFlagReportModeParsing
	IncomingConnectionFlagParseBoot
)

// ReportType identifies the HID report kind.
type ReportType uint8

const (
	ReportTypeOther ReportType = iota
	ReportTypeInput
	ReportTypeOutput
	ReportTypeFeature
)

func (t ReportType) String() string {
	switch t {
	case ReportTypeInput:
		return "input"
	case ReportTypeOutput:
		return "output"
	case ReportTypeFeature:
		return "feature"
	default:
		return "other"
	}
}

// ReportSize selects whether a GET_REPORT asks for the whole report or a
// buffer-size bounded prefix.
type ReportSize uint8

const (
	ReportSizeSizeOfReport ReportSize = iota
	ReportSizeUseBufferSize
)

// Protocol is the HID protocol mode.
type Protocol uint8

const (
	ProtocolBoot Protocol = iota
	ProtocolReport
)

// ResultType is the handshake result of a GET/SET transaction.
type ResultType uint8

const (
	ResultSuccessful ResultType = iota
	ResultNotReady
	ResultErrInvalidReportID
	ResultErrUnsupportedRequest
	ResultErrInvalidParameter
	ResultErrUnknown
	ResultErrFatal
	ResultData
)

func (r ResultType) String() string {
	switch r {
	case ResultSuccessful:
		return "successful"
	case ResultNotReady:
		return "not_ready"
	case ResultErrInvalidReportID:
		return "invalid_report_id"
	case ResultErrUnsupportedRequest:
		return "unsupported_request"
	case ResultErrInvalidParameter:
		return "invalid_parameter"
	case ResultErrFatal:
		return "fatal"
	case ResultData:
		return "data"
	default:
		return "unknown"
	}
}
