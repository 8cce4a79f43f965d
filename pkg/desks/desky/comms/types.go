package comms

import (
	"fmt"

	"github.com/mlsorensen/godesk"
)

// Constants for the communication protocol.
const (
	// CommandPrefix is repeated twice at the start of every command frame.
	CommandPrefix byte = 0xF1
	// FrameTerminal ends every command frame.
	FrameTerminal byte = 0x7E

	// MovementPrefix is repeated twice at the start of height notifications sent while moving.
	MovementPrefix byte = 0x98
	// StatusPrefix is repeated twice at the start of every query response.
	StatusPrefix byte = 0xF2

	// MinNotificationLen is the shortest notification any header can be decoded from.
	MinNotificationLen = 6
)

// Command opcodes.
const (
	OpMoveUp       byte = 0x01
	OpMoveDown     byte = 0x02
	OpMemory1      byte = 0x05
	OpMemory2      byte = 0x06
	OpGetStatus    byte = 0x07
	OpQueryLimits  byte = 0x0C
	OpMoveToHeight byte = 0x1B
	OpSetUpper     byte = 0x21
	OpSetLower     byte = 0x22
	OpClearLimits  byte = 0x23
	OpMemory3      byte = 0x27
	OpMemory4      byte = 0x28
	OpStop         byte = 0x2B
	OpHandshake    byte = 0xFE
)

// Response sub-headers, the two bytes following F2 F2.
const (
	RespHeight      byte = 0x01
	RespLimitStatus byte = 0x20
	RespUpperLimit  byte = 0x21
	RespLowerLimit  byte = 0x22
)

// Known device capabilities. Each id is both the query/set opcode and the
// response sub-header of the value.
const (
	FeatureVibration          godesk.FeatureID = 0xB2
	FeatureVibrationIntensity godesk.FeatureID = 0xB3
	FeatureLightColor         godesk.FeatureID = 0xB4
	FeatureBrightness         godesk.FeatureID = 0xB5
	FeatureLighting           godesk.FeatureID = 0xB6
	FeatureLock               godesk.FeatureID = 0x1D
)

// KnownFeatures are queried when the session reconciles device state.
var KnownFeatures = []godesk.FeatureID{
	FeatureVibration,
	FeatureVibrationIntensity,
	FeatureLightColor,
	FeatureBrightness,
	FeatureLighting,
	FeatureLock,
}

// FeatureName returns a readable name for known features.
func FeatureName(id godesk.FeatureID) string {
	switch id {
	case FeatureVibration:
		return "vibration"
	case FeatureVibrationIntensity:
		return "vibration_intensity"
	case FeatureLightColor:
		return "light_color"
	case FeatureBrightness:
		return "brightness"
	case FeatureLighting:
		return "lighting"
	case FeatureLock:
		return "lock"
	default:
		return fmt.Sprintf("feature_0x%02X", uint8(id))
	}
}

// Light colors reported and accepted by FeatureLightColor.
const (
	LightWhite  uint8 = 1
	LightRed    uint8 = 2
	LightGreen  uint8 = 3
	LightBlue   uint8 = 4
	LightYellow uint8 = 5
	LightParty  uint8 = 6
	LightOff    uint8 = 7
)

// --- Commands ---

// Command is anything that can be framed and written to the desk.
type Command interface {
	Opcode() byte
	payload() ([]byte, error)
}

type Handshake struct{}
type MoveUp struct{}
type MoveDown struct{}
type Stop struct{}

// GetStatus asks for a height status response.
type GetStatus struct{}

// QueryLimits asks for the limit status bitmask and the limit heights.
type QueryLimits struct{}
type ClearLimits struct{}

// MoveToPreset recalls a memory slot, 1 to 4.
type MoveToPreset struct {
	Slot int
}

// MoveToHeight moves to an absolute height in centimeters.
type MoveToHeight struct {
	Height float64
}

// SetLimit stores a height limit in centimeters.
type SetLimit struct {
	Kind   godesk.LimitKind
	Height float64
}

type SetFeature struct {
	Feature godesk.FeatureID
	Value   uint8
}

type QueryFeature struct {
	Feature godesk.FeatureID
}

func (Handshake) Opcode() byte   { return OpHandshake }
func (MoveUp) Opcode() byte      { return OpMoveUp }
func (MoveDown) Opcode() byte    { return OpMoveDown }
func (Stop) Opcode() byte        { return OpStop }
func (GetStatus) Opcode() byte   { return OpGetStatus }
func (QueryLimits) Opcode() byte { return OpQueryLimits }
func (ClearLimits) Opcode() byte { return OpClearLimits }

func (c MoveToPreset) Opcode() byte {
	switch c.Slot {
	case 1:
		return OpMemory1
	case 2:
		return OpMemory2
	case 3:
		return OpMemory3
	case 4:
		return OpMemory4
	}
	return 0
}

func (MoveToHeight) Opcode() byte { return OpMoveToHeight }

func (c SetLimit) Opcode() byte {
	if c.Kind == godesk.LimitLower {
		return OpSetLower
	}
	return OpSetUpper
}

func (c SetFeature) Opcode() byte   { return byte(c.Feature) }
func (c QueryFeature) Opcode() byte { return byte(c.Feature) }

func (Handshake) String() string      { return "handshake" }
func (MoveUp) String() string         { return "move up" }
func (MoveDown) String() string       { return "move down" }
func (Stop) String() string           { return "stop" }
func (GetStatus) String() string      { return "get status" }
func (QueryLimits) String() string    { return "query limits" }
func (ClearLimits) String() string    { return "clear limits" }
func (c MoveToPreset) String() string { return fmt.Sprintf("preset %d", c.Slot) }
func (c MoveToHeight) String() string { return fmt.Sprintf("move to %.1f cm", c.Height) }
func (c SetLimit) String() string     { return fmt.Sprintf("set %s limit %.1f cm", c.Kind, c.Height) }
func (c SetFeature) String() string {
	return fmt.Sprintf("set %s = %d", FeatureName(c.Feature), c.Value)
}
func (c QueryFeature) String() string { return fmt.Sprintf("query %s", FeatureName(c.Feature)) }

// --- Notifications ---

// Notification is the interface for all decoded notifications.
type Notification interface {
	isNotification()
}

// Source tells which of the two height layouts a HeightUpdate came from.
type Source uint8

const (
	SourceMovement       Source = iota // 98 98, little-endian
	SourceStatusResponse               // F2 F2 01 03, big-endian
)

func (s Source) String() string {
	switch s {
	case SourceMovement:
		return "movement"
	case SourceStatusResponse:
		return "status"
	default:
		return fmt.Sprintf("unknown (%d)", s)
	}
}

// HeightUpdate reports the current height in centimeters.
type HeightUpdate struct {
	Height float64
	Source Source
}

// CollisionEvent reports the anti-collision sensor state.
type CollisionEvent struct {
	Active bool
}

// FeatureValue is the last reported raw value of a device capability.
type FeatureValue struct {
	Feature godesk.FeatureID
	Raw     uint8
}

// LimitValue reports one stored height limit in centimeters.
type LimitValue struct {
	Kind   godesk.LimitKind
	Height float64
}

// LimitStatus reports which limits are currently set.
type LimitStatus struct {
	UpperSet bool
	LowerSet bool
}

// Unrecognized holds any notification without a known header, or too short for its header.
type Unrecognized struct {
	Raw []byte
}

func (HeightUpdate) isNotification()   {}
func (CollisionEvent) isNotification() {}
func (FeatureValue) isNotification()   {}
func (LimitValue) isNotification()     {}
func (LimitStatus) isNotification()    {}
func (Unrecognized) isNotification()   {}
