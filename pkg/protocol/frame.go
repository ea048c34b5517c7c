// Package protocol implements the two wire formats spoken by picomotor
// controllers: the ASCII command syntax used by the 8742 family, and the
// checksummed 9-byte binary framing used by binary-protocol hardware and
// the simulator.
package protocol

import (
	"encoding/binary"

	"picomotor-host/pkg/errors"
)

// FrameLen is the fixed size of every binary message and reply.
const FrameLen = 9

// Instruction codes.
const (
	InstrStop         = 3
	InstrMoveTo       = 4
	InstrSetAxisParam = 5
	InstrGetAxisParam = 6
	InstrGetIO        = 15
	InstrGetFirmware  = 136
)

// Move types for InstrMoveTo.
const (
	MoveAbsolute   = 0
	MoveRelative   = 1
	MoveCoordinate = 2
)

// Axis parameter indexes.
const (
	ParamTargetPos     = 0
	ParamActualPos     = 1
	ParamMaxSpeed      = 4
	ParamAccel         = 5
	ParamTargetReached = 8
	ParamPulseDiv      = 154
)

// Reply status codes.
const (
	StatusOK          = 100
	StatusBadChecksum = 1
	StatusBadInstr    = 2
	StatusBadType     = 3
	StatusBadValue    = 4
)

// Frame is one host-to-device binary message.
// Layout: target(1) instruction(1) type(1) axis(1) value(4, big-endian
// signed) checksum(1, sum of the preceding bytes modulo 256).
type Frame struct {
	Target      uint8
	Instruction uint8
	Type        uint8
	Axis        uint8
	Value       int32
}

// Checksum returns the sum modulo 256 of b.
func Checksum(b []byte) uint8 {
	var sum uint8
	for _, c := range b {
		sum += c
	}
	return sum
}

// Encode serializes the frame, appending the checksum byte.
func (f Frame) Encode() []byte {
	out := make([]byte, FrameLen)
	out[0] = f.Target
	out[1] = f.Instruction
	out[2] = f.Type
	out[3] = f.Axis
	binary.BigEndian.PutUint32(out[4:8], uint32(f.Value))
	out[8] = Checksum(out[:8])
	return out
}

// DecodeFrame parses and verifies one binary message.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) != FrameLen {
		return Frame{}, errors.Malformed("frame length %d, want %d", len(b), FrameLen)
	}
	if got, want := b[8], Checksum(b[:8]); got != want {
		return Frame{}, errors.Checksum("frame checksum 0x%02x, want 0x%02x", got, want)
	}
	return Frame{
		Target:      b[0],
		Instruction: b[1],
		Type:        b[2],
		Axis:        b[3],
		Value:       int32(binary.BigEndian.Uint32(b[4:8])),
	}, nil
}

// Reply is one device-to-host binary message. It mirrors the request frame
// layout with a status code in place of the move/parameter type.
type Reply struct {
	ReplyAddr   uint8
	ModuleAddr  uint8
	Status      uint8
	Instruction uint8
	Value       int32
}

// OK reports whether the reply carries a success status.
func (r Reply) OK() bool {
	return r.Status == StatusOK
}

// Encode serializes the reply, appending the checksum byte.
func (r Reply) Encode() []byte {
	out := make([]byte, FrameLen)
	out[0] = r.ReplyAddr
	out[1] = r.ModuleAddr
	out[2] = r.Status
	out[3] = r.Instruction
	binary.BigEndian.PutUint32(out[4:8], uint32(r.Value))
	out[8] = Checksum(out[:8])
	return out
}

// DecodeReply parses and verifies one binary reply.
func DecodeReply(b []byte) (Reply, error) {
	if len(b) != FrameLen {
		return Reply{}, errors.Malformed("reply length %d, want %d", len(b), FrameLen)
	}
	if got, want := b[8], Checksum(b[:8]); got != want {
		return Reply{}, errors.Checksum("reply checksum 0x%02x, want 0x%02x", got, want)
	}
	return Reply{
		ReplyAddr:   b[0],
		ModuleAddr:  b[1],
		Status:      b[2],
		Instruction: b[3],
		Value:       int32(binary.BigEndian.Uint32(b[4:8])),
	}, nil
}

// StatusError converts a non-OK reply status into a typed error.
func StatusError(r Reply) error {
	switch r.Status {
	case StatusOK:
		return nil
	case StatusBadChecksum:
		return errors.Checksum("device rejected frame checksum")
	case StatusBadInstr:
		return errors.Unsupported("device rejected instruction %d", r.Instruction)
	case StatusBadType:
		return errors.Unsupported("device rejected type for instruction %d", r.Instruction)
	case StatusBadValue:
		return errors.Hardware(int(r.Status), "invalid value or axis")
	default:
		return errors.Hardware(int(r.Status), "unexpected reply status")
	}
}
