package comms

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/mlsorensen/godesk"
)

// reservedIDs cannot be used as feature ids: they are command opcodes or
// response sub-headers with a meaning of their own.
var reservedIDs = map[byte]bool{
	OpMoveUp: true, OpMoveDown: true, OpMemory1: true, OpMemory2: true,
	OpGetStatus: true, OpQueryLimits: true, OpMoveToHeight: true,
	OpSetUpper: true, OpSetLower: true, OpClearLimits: true, OpMemory3: true,
	OpMemory4: true, OpStop: true, OpHandshake: true,
	RespLimitStatus: true,
}

// Encode frames a command: F1 F1 <opcode> <len> <payload...> <checksum> 7E.
// Invalid parameters fail with godesk.ErrInvalidArgument and produce no bytes.
func Encode(cmd Command) ([]byte, error) {
	payload, err := cmd.payload()
	if err != nil {
		return nil, err
	}
	return EncodeFrame(cmd.Opcode(), payload), nil
}

// EncodeFrame frames an opcode and payload without any validation.
func EncodeFrame(opcode byte, payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+6)
	frame = append(frame, CommandPrefix, CommandPrefix, opcode, byte(len(payload)))
	frame = append(frame, payload...)
	frame = append(frame, Checksum(opcode, payload), FrameTerminal)
	return frame
}

// Checksum is (opcode + len + sum(payload)) & 0xFF.
func Checksum(opcode byte, payload []byte) byte {
	sum := opcode + byte(len(payload))
	for _, b := range payload {
		sum += b
	}
	return sum
}

// HeightRaw converts centimeters to the wire unit (tenths of a centimeter).
func HeightRaw(heightCM float64) (uint16, error) {
	if math.IsNaN(heightCM) || math.IsInf(heightCM, 0) {
		return 0, fmt.Errorf("%w: height %v", godesk.ErrInvalidArgument, heightCM)
	}
	raw := math.Round(heightCM * 10)
	if raw < 0 || raw > math.MaxUint16 {
		return 0, fmt.Errorf("%w: height %.1f cm does not fit the wire format", godesk.ErrInvalidArgument, heightCM)
	}
	return uint16(raw), nil
}

// HeightFromRaw converts the wire unit back to centimeters.
func HeightFromRaw(raw uint16) float64 {
	return float64(raw) / 10
}

func heightPayload(heightCM float64) ([]byte, error) {
	raw, err := HeightRaw(heightCM)
	if err != nil {
		return nil, err
	}
	return binary.BigEndian.AppendUint16(nil, raw), nil
}

func checkFeature(id godesk.FeatureID) error {
	if reservedIDs[byte(id)] {
		return fmt.Errorf("%w: feature id 0x%02X is reserved", godesk.ErrInvalidArgument, uint8(id))
	}
	return nil
}

func (Handshake) payload() ([]byte, error)   { return nil, nil }
func (MoveUp) payload() ([]byte, error)      { return nil, nil }
func (MoveDown) payload() ([]byte, error)    { return nil, nil }
func (Stop) payload() ([]byte, error)        { return nil, nil }
func (GetStatus) payload() ([]byte, error)   { return nil, nil }
func (QueryLimits) payload() ([]byte, error) { return nil, nil }
func (ClearLimits) payload() ([]byte, error) { return nil, nil }

func (c MoveToPreset) payload() ([]byte, error) {
	if c.Slot < 1 || c.Slot > 4 {
		return nil, fmt.Errorf("%w: preset slot %d outside 1-4", godesk.ErrInvalidArgument, c.Slot)
	}
	return nil, nil
}

func (c MoveToHeight) payload() ([]byte, error) { return heightPayload(c.Height) }

func (c SetLimit) payload() ([]byte, error) {
	if c.Kind != godesk.LimitUpper && c.Kind != godesk.LimitLower {
		return nil, fmt.Errorf("%w: limit kind %d", godesk.ErrInvalidArgument, c.Kind)
	}
	return heightPayload(c.Height)
}

func (c SetFeature) payload() ([]byte, error) {
	if err := checkFeature(c.Feature); err != nil {
		return nil, err
	}
	return []byte{c.Value}, nil
}

func (c QueryFeature) payload() ([]byte, error) {
	if err := checkFeature(c.Feature); err != nil {
		return nil, err
	}
	return nil, nil
}
