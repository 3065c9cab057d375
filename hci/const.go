package hci

// PacketKind is the HCI packet indicator, the first byte of an H4 frame.
type PacketKind uint8

// HCI Packet types
const (
	PacketKindCmd      PacketKind = 0x01
	PacketKindACLData  PacketKind = 0x02
	PacketKindSyncData PacketKind = 0x03
	PacketKindEvent    PacketKind = 0x04
	PacketKindISOData  PacketKind = 0x05
	PacketKindVendor   PacketKind = 0xFF
)

func (k PacketKind) String() string {
	switch k {
	case PacketKindCmd:
		return "cmd"
	case PacketKindACLData:
		return "acl"
	case PacketKindSyncData:
		return "sync"
	case PacketKindEvent:
		return "event"
	case PacketKindISOData:
		return "iso"
	case PacketKindVendor:
		return "vendor"
	default:
		return "unknown"
	}
}

// Packet boundary flags of HCI ACL Data Packet [Vol 2, Part E, 5.4.2].
const (
	PbfHostToControllerStart = 0x00 // Start of a non-automatically-flushable from host to controller.
	PbfContinuing            = 0x01 // Continuing fragment.
	PbfControllerToHostStart = 0x02 // Start of a non-automatically-flushable from controller to host.
	PbfCompleteL2CAPPDU      = 0x03 // A automatically flushable complete PDU. (Not used in LE-U).
)

const (
	CmdHeaderSize  = 3 // opcode, parameter length
	EvtHeaderSize  = 2 // code, parameter length
	ACLHeaderSize  = 4 // handle and flags, data length
	ISOHeaderSize  = 4 // handle and flags, data length
	SyncHeaderSize = 3 // handle and flags, data length

	// MaxACLDataLen is the largest ACL payload the controller is built for.
	MaxACLDataLen = 255
	// MaxEvtParamsLen is the largest event parameter block.
	MaxEvtParamsLen = 255

	// ReadBufferSize holds one controller to host packet, event or ACL.
	ReadBufferSize = ACLHeaderSize + MaxACLDataLen
)

const (
	RoleMaster = 0x00
	RoleSlave  = 0x01
)
