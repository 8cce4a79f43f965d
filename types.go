package godesk

import (
	"fmt"
	"maps"
	"time"
)

// Direction is the inferred movement of the desk surface.
type Direction uint8

const (
	DirectionIdle    Direction = iota
	DirectionOpening           // moving up
	DirectionClosing           // moving down
)

func (d Direction) String() string {
	switch d {
	case DirectionIdle:
		return "idle"
	case DirectionOpening:
		return "opening"
	case DirectionClosing:
		return "closing"
	default:
		return fmt.Sprintf("unknown (%d)", d)
	}
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Phase is the connection lifecycle state of a desk session.
type Phase uint8

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseHandshaking
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseHandshaking:
		return "handshaking"
	case PhaseReady:
		return "ready"
	default:
		return fmt.Sprintf("unknown (%d)", p)
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// PhaseChange is published whenever a session moves between phases.
type PhaseChange struct {
	From   Phase  `json:"from"`
	To     Phase  `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// LimitKind selects the upper or lower height limit.
type LimitKind uint8

const (
	LimitUpper LimitKind = iota
	LimitLower
)

func (k LimitKind) String() string {
	switch k {
	case LimitUpper:
		return "upper"
	case LimitLower:
		return "lower"
	default:
		return fmt.Sprintf("unknown (%d)", k)
	}
}

// ParseLimitKind accepts "upper" or "lower".
func ParseLimitKind(s string) (LimitKind, error) {
	switch s {
	case "upper":
		return LimitUpper, nil
	case "lower":
		return LimitLower, nil
	}
	return 0, fmt.Errorf("%w: unknown limit kind %q", ErrInvalidArgument, s)
}

// FeatureID identifies a device capability queried or set through a generic id/value pair.
type FeatureID uint8

// DeviceInfo holds what the desk reports through the standard Device Information service.
type DeviceInfo struct {
	Manufacturer     string `json:"manufacturer,omitempty"`
	Model            string `json:"model,omitempty"`
	Serial           string `json:"serial,omitempty"`
	HardwareRevision string `json:"hardware_revision,omitempty"`
	FirmwareRevision string `json:"firmware_revision,omitempty"`
	SoftwareRevision string `json:"software_revision,omitempty"`
}

// Snapshot is the latest known aggregate desk state. A Snapshot handed out by a
// session is a copy; the values behind its pointers are never modified.
type Snapshot struct {
	Height         *float64            `json:"height_cm"`
	PreviousHeight *float64            `json:"previous_height_cm"`
	Target         *float64            `json:"target_height_cm"`
	UpperLimit     *float64            `json:"upper_limit_cm"`
	LowerLimit     *float64            `json:"lower_limit_cm"`
	Direction      Direction           `json:"direction"`
	Collision      bool                `json:"collision"`
	Features       map[FeatureID]uint8 `json:"features"`
	Phase          Phase               `json:"phase"`
	Info           DeviceInfo          `json:"info"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// Clone returns a copy that shares nothing mutable with s.
func (s Snapshot) Clone() Snapshot {
	c := s
	c.Features = maps.Clone(s.Features)
	if c.Features == nil {
		c.Features = make(map[FeatureID]uint8)
	}
	return c
}

// Available reports whether the desk can currently be controlled.
func (s Snapshot) Available() bool {
	return s.Phase == PhaseReady
}

// Moving reports whether the desk is believed to be in motion.
func (s Snapshot) Moving() bool {
	return s.Direction != DirectionIdle
}

// Float returns a pointer to a copy of v, for populating Snapshot fields.
func Float(v float64) *float64 {
	return &v
}
