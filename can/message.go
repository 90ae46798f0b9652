package can

import "encoding/binary"

// Message is a single outbound CAN frame's worth of payload, already
// associated with the command/positioner/uid that will be encoded into its
// arbitration id. Messages are plain value records; there is deliberately
// no Message base-class hierarchy (spec.md §9) — the Command-to-frames
// conversion is table-driven off CommandSpec.Payload.
type Message struct {
	CommandID    CommandID
	PositionerID uint32
	UID          uint32
	Data         [8]byte
	DataLen      int
}

// Reply is a decoded inbound frame, matched back to the Command awaiting it
// by (command_id, positioner_id, uid).
type Reply struct {
	CommandID      CommandID
	PositionerID   uint32
	UID            uint32
	ResponseCode   ResponseCode
	Data           []byte
	InterfaceIndex int
	BusIndex       int
}

// EncodeTwoInt32 packs two little-endian signed 32-bit values into a
// Message payload, used for GOTO_ABSOLUTE_POSITION, SET_SPEED, and
// SET_CURRENT style commands (spec.md §6: "multi-byte integers are little-
// endian").
func EncodeTwoInt32(a, b int32) [8]byte {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(a))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(b))
	return buf
}

// DecodeTwoInt32 is the inverse of EncodeTwoInt32.
func DecodeTwoInt32(data []byte) (a, b int32, ok bool) {
	if len(data) < 8 {
		return 0, 0, false
	}
	a = int32(binary.LittleEndian.Uint32(data[0:4]))
	b = int32(binary.LittleEndian.Uint32(data[4:8]))
	return a, b, true
}

// DecodeStatusWord decodes a 32-bit little-endian status bitmask reply.
func DecodeStatusWord(data []byte) (uint32, bool) {
	if len(data) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(data[0:4]), true
}

// FirmwareVersion is the decoded (major, minor, patch) reply to
// GET_FIRMWARE_VERSION. Minor == 0x80 indicates the positioner answered
// from its bootloader rather than application firmware.
type FirmwareVersion struct {
	Major, Minor, Patch byte
}

// IsBootloader reports whether this version triple indicates bootloader
// mode per spec.md §3.
func (v FirmwareVersion) IsBootloader() bool {
	return v.Minor == 0x80
}

// DecodeFirmwareVersion decodes the 3-byte firmware version reply.
func DecodeFirmwareVersion(data []byte) (FirmwareVersion, bool) {
	if len(data) < 3 {
		return FirmwareVersion{}, false
	}
	return FirmwareVersion{Major: data[0], Minor: data[1], Patch: data[2]}, true
}

// Frame is the wire-level unit exchanged with a BusInterface: an
// arbitration id (already packed by an IdentifierCodec) plus up to 8 data
// bytes, tagged with which physical interface/bus it arrived on or should
// be sent on.
type Frame struct {
	ArbitrationID  uint32
	Data           []byte
	InterfaceIndex int
	BusIndex       int
}
