package comms

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mlsorensen/godesk"
)

// Decoder decodes notifications coming from the desk.
type Decoder struct {
	// CollisionFeature is the status sub-header a firmware uses to report its
	// anti-collision sensor. Reports on it decode as CollisionEvent instead of
	// FeatureValue. Zero means the firmware has no such report.
	CollisionFeature godesk.FeatureID
}

// Decode decodes a notification with the default Decoder, which knows no
// collision report.
func Decode(data []byte) Notification {
	return Decoder{}.Decode(data)
}

// Decode never fails: anything without a known header, or too short for its
// header, comes back as Unrecognized.
//
// Two layouts carry the height. Movement notifications (98 98) are little-endian,
// status responses (F2 F2 01 03) are big-endian. Which one a desk sends depends
// on its firmware, so both are always accepted.
func (d Decoder) Decode(data []byte) Notification {
	if len(data) < MinNotificationLen {
		return unrecognized(data)
	}

	switch {
	case data[0] == MovementPrefix && data[1] == MovementPrefix:
		raw := binary.LittleEndian.Uint16(data[4:6])
		return HeightUpdate{Height: HeightFromRaw(raw), Source: SourceMovement}

	case data[0] == StatusPrefix && data[1] == StatusPrefix:
		return d.decodeStatus(data)
	}

	return unrecognized(data)
}

// decodeStatus handles the F2 F2 <sub> <len> family.
func (d Decoder) decodeStatus(data []byte) Notification {
	sub, length := data[2], data[3]

	switch {
	case sub == RespHeight && length == 0x03:
		raw := binary.BigEndian.Uint16(data[4:6])
		return HeightUpdate{Height: HeightFromRaw(raw), Source: SourceStatusResponse}

	case sub == RespLimitStatus && length == 0x01:
		return LimitStatus{
			UpperSet: data[4]&0x01 != 0,
			LowerSet: data[4]&0x10 != 0,
		}

	case (sub == RespUpperLimit || sub == RespLowerLimit) && length == 0x02:
		kind := godesk.LimitUpper
		if sub == RespLowerLimit {
			kind = godesk.LimitLower
		}
		raw := binary.BigEndian.Uint16(data[4:6])
		return LimitValue{Kind: kind, Height: HeightFromRaw(raw)}

	case d.CollisionFeature != 0 && sub == byte(d.CollisionFeature) && length == 0x01:
		return CollisionEvent{Active: data[4] != 0}

	case length == 0x01:
		return FeatureValue{Feature: godesk.FeatureID(sub), Raw: data[4]}
	}

	return unrecognized(data)
}

func unrecognized(data []byte) Unrecognized {
	raw := make([]byte, len(data))
	copy(raw, data)
	return Unrecognized{Raw: raw}
}

// Frame is a parsed command frame.
type Frame struct {
	Opcode  byte
	Payload []byte
}

// ParseFrame validates a command frame (preamble, length, checksum and terminator)
// and returns its opcode and payload. It is the inverse of EncodeFrame.
func ParseFrame(data []byte) (Frame, error) {
	if len(data) < 6 {
		return Frame{}, errors.New("frame too short")
	}
	if data[0] != CommandPrefix || data[1] != CommandPrefix {
		return Frame{}, fmt.Errorf("bad preamble % X", data[:2])
	}

	payloadLen := int(data[3])
	expected := payloadLen + 6
	if len(data) != expected {
		return Frame{}, fmt.Errorf("frame length mismatch: expected %d bytes, got %d", expected, len(data))
	}
	if data[len(data)-1] != FrameTerminal {
		return Frame{}, fmt.Errorf("bad terminator 0x%02X", data[len(data)-1])
	}

	opcode := data[2]
	payload := append([]byte(nil), data[4:4+payloadLen]...)
	if cs := Checksum(opcode, payload); cs != data[len(data)-2] {
		return Frame{}, fmt.Errorf("checksum mismatch: expected 0x%02X, got 0x%02X", cs, data[len(data)-2])
	}

	return Frame{Opcode: opcode, Payload: payload}, nil
}
