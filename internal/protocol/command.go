package protocol

import "fmt"

// Relay opcodes. The first value of every decoded frame is one of these,
// carried either as a bare byte or in the low byte of a 64-bit command word.
const (
	OpHello         = 0x0C // board asks server to acknowledge it is alive
	OpHelloReply    = 0xC0 // liveness acknowledgment (both directions)
	OpRegister      = 0x80 // board registers identity / answers token challenge
	OpOTAStart      = 0xAB // admin starts an OTA push to a board
	OpOTABlock      = 0xAC // board requests the next OTA data block
	OpOTAProgress   = 0xAE // server reports transfer progress to the admin
	OpFindDevices   = 0xAF // user broadcast asking owned boards to identify
	OpCommand       = 0xBB // forward a command frame verbatim to a board
	OpFindResponse  = 0xFA // board self-description routed back to the asker
	OpLog           = 0xFB // board log/response line routed to an admin or waiter
)

// Header flag bits of a 64-bit command word (bits 63-56).
const (
	FlagNeedsConfirm = 0x40 // sender requests an acknowledgment for this frame
	FlagIsConfirm    = 0x20 // this frame acknowledges an earlier message
	MaskTargetPos    = 0x18 // reserved: index of the target id inside the frame
)

// CommandWord is the unpacked form of a wide (64-bit) command. The packed
// layout, most significant bits first:
//
//	[63-56] header flags
//	[55-24] message id
//	[23-8]  reserved
//	[7-0]   opcode
//
// The message id is zero on the originating request and filled in by the
// server before the frame is forwarded; a confirmation frame carries the id
// of the message it acknowledges in the same bit range.
type CommandWord struct {
	Opcode    byte
	Flags     byte
	MessageID uint32
	Reserved  uint16
}

// UnpackCommandWord splits a raw 64-bit command into its fields.
func UnpackCommandWord(raw uint64) CommandWord {
	return CommandWord{
		Opcode:    byte(raw),
		Flags:     byte(raw >> 56),
		MessageID: uint32(raw >> 24),
		Reserved:  uint16(raw >> 8),
	}
}

// Pack reassembles the 64-bit wire form.
func (w CommandWord) Pack() uint64 {
	return uint64(w.Flags)<<56 |
		uint64(w.MessageID)<<24 |
		uint64(w.Reserved)<<8 |
		uint64(w.Opcode)
}

// NeedsConfirm reports whether the sender asked for an acknowledgment.
func (w CommandWord) NeedsConfirm() bool {
	return w.Flags&FlagNeedsConfirm != 0
}

// IsConfirm reports whether this word acknowledges an earlier message.
func (w CommandWord) IsConfirm() bool {
	return w.Flags&FlagIsConfirm != 0
}

// TargetPosition returns the reserved target-id position bits. Always zero
// with current firmware.
func (w CommandWord) TargetPosition() int {
	return int(w.Flags&MaskTargetPos) >> 3
}

func (w CommandWord) String() string {
	return fmt.Sprintf("CommandWord{op=0x%02X, flags=0x%02X, msg_id=0x%08X}",
		w.Opcode, w.Flags, w.MessageID)
}

// OpcodeName returns a human-readable name for an opcode
func OpcodeName(op byte) string {
	switch op {
	case OpHello:
		return "Hello"
	case OpHelloReply:
		return "HelloReply"
	case OpRegister:
		return "Register"
	case OpOTAStart:
		return "OTAStart"
	case OpOTABlock:
		return "OTABlock"
	case OpOTAProgress:
		return "OTAProgress"
	case OpFindDevices:
		return "FindDevices"
	case OpCommand:
		return "Command"
	case OpFindResponse:
		return "FindResponse"
	case OpLog:
		return "Log"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", op)
	}
}
