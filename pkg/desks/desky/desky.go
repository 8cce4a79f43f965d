// Package desky implements godesk.Desk for desks with a Desky Bluetooth controller.
package desky

import (
	"github.com/mlsorensen/godesk"
)

func init() {
	godesk.Register("Desky", New)
}

// New creates a session for a scanned Desky desk, connected over BLE.
func New(device *godesk.FoundDevice, cfg godesk.Config) (godesk.Desk, error) {
	return NewSession(device, NewBLELink(device.Address), cfg)
}
