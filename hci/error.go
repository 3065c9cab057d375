package hci

import "fmt"

// ErrCommand is an HCI status code [Vol 2, Part D, 1.3].
type ErrCommand byte

const (
	ErrUnknownCommand       ErrCommand = 0x01
	ErrConnID               ErrCommand = 0x02
	ErrHardware             ErrCommand = 0x03
	ErrPageTimeout          ErrCommand = 0x04
	ErrAuth                 ErrCommand = 0x05
	ErrPINMissing           ErrCommand = 0x06
	ErrMemory               ErrCommand = 0x07
	ErrConnTimeout          ErrCommand = 0x08
	ErrConnLimit            ErrCommand = 0x09
	ErrACLConnExists        ErrCommand = 0x0B
	ErrDisallowed           ErrCommand = 0x0C
	ErrLimitedResources     ErrCommand = 0x0D
	ErrUnsupportedParams    ErrCommand = 0x11
	ErrInvalidHCIParams     ErrCommand = 0x12
	ErrRemoteUser           ErrCommand = 0x13
	ErrLocalHost            ErrCommand = 0x16
	ErrUnspecified          ErrCommand = 0x1F
	ErrControllerBusy       ErrCommand = 0x3A
	ErrUnacceptableConnIntv ErrCommand = 0x3B
	ErrAdvTimeout           ErrCommand = 0x3C
	ErrConnFailedToEstablsh ErrCommand = 0x3E
)

var errCmd = map[ErrCommand]string{
	0x00: "success",
	0x01: "unknown HCI command",
	0x02: "unknown connection identifier",
	0x03: "hardware failure",
	0x04: "page timeout",
	0x05: "authentication failure",
	0x06: "PIN or key missing",
	0x07: "memory capacity exceeded",
	0x08: "connection timeout",
	0x09: "connection limit exceeded",
	0x0B: "ACL connection already exists",
	0x0C: "command disallowed",
	0x0D: "connection rejected due to limited resources",
	0x11: "unsupported feature or parameter value",
	0x12: "invalid HCI command parameters",
	0x13: "remote user terminated connection",
	0x16: "connection terminated by local host",
	0x1F: "unspecified error",
	0x3A: "controller busy",
	0x3B: "unacceptable connection parameters",
	0x3C: "directed advertising timeout",
	0x3E: "connection failed to be established",
}

func (e ErrCommand) Error() string {
	if s, ok := errCmd[e]; ok {
		return s
	}
	return fmt.Sprintf("reserved error code 0x%02X", byte(e))
}
