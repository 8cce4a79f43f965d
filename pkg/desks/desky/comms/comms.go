// Package comms provides communication details for Desky desk controllers:
// GATT identifiers, command framing and notification decoding.
package comms

import "tinygo.org/x/bluetooth"

var (
	DeskyServiceUUID     = bluetooth.New16BitUUID(0x1800)
	DeskyCommandCharUUID = bluetooth.New16BitUUID(0x2A00)
	DeskyNotifyCharUUID  = bluetooth.New16BitUUID(0x2A01)
)

// Device Information service (0x180A) and the string characteristics read from it.
var (
	DeviceInfoServiceUUID    = bluetooth.New16BitUUID(0x180A)
	ManufacturerNameCharUUID = bluetooth.New16BitUUID(0x2A29)
	ModelNumberCharUUID      = bluetooth.New16BitUUID(0x2A24)
	SerialNumberCharUUID     = bluetooth.New16BitUUID(0x2A25)
	HardwareRevisionCharUUID = bluetooth.New16BitUUID(0x2A27)
	FirmwareRevisionCharUUID = bluetooth.New16BitUUID(0x2A26)
	SoftwareRevisionCharUUID = bluetooth.New16BitUUID(0x2A28)
)

var (
	HandshakeCommand = mustEncode(Handshake{})
	StopCommand      = mustEncode(Stop{})
	GetStatusCommand = mustEncode(GetStatus{})
)

func mustEncode(cmd Command) []byte {
	frame, err := Encode(cmd)
	if err != nil {
		panic(err)
	}
	return frame
}
