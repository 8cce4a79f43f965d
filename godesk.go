package godesk

import (
	"context"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Desk is the generic interface for a Bluetooth standing desk.
// Implementations of this interface will handle communication with a specific controller.
type Desk interface {
	// Connect establishes a connection to the desk and performs whatever handshake
	// the controller needs before it will honor movement commands. Once Connect has
	// been called the implementation keeps trying to reconnect after link loss until
	// Disconnect is called.
	Connect(ctx context.Context) error

	// Disconnect tears the session down. Polling and reconnection stop immediately.
	Disconnect() error

	// Snapshot returns a point-in-time copy of the last known desk state.
	Snapshot() Snapshot

	// Subscribe returns a channel receiving every new snapshot, and a func to stop
	// receiving. Slow readers miss intermediate snapshots, never the latest one.
	Subscribe() (<-chan Snapshot, func())

	// SubscribePhases returns a channel receiving connection phase changes.
	SubscribePhases() (<-chan PhaseChange, func())

	MoveUp(ctx context.Context) error
	MoveDown(ctx context.Context) error

	// Stop halts movement. It is permitted in every phase except Disconnected.
	Stop(ctx context.Context) error

	// MoveToPreset recalls one of the memory slots (1-4).
	MoveToPreset(ctx context.Context, slot int) error

	// MoveToHeight moves the desk to an absolute height in centimeters.
	MoveToHeight(ctx context.Context, heightCM float64) error

	// MoveToPosition moves the desk to a 0-100 position within the configured range.
	MoveToPosition(ctx context.Context, position int) error

	SetLimit(ctx context.Context, kind LimitKind, heightCM float64) error
	ClearLimits(ctx context.Context) error

	// SetFeature writes a raw value for a device capability (lighting, vibration...).
	SetFeature(ctx context.Context, feature FeatureID, value uint8) error

	// QueryFeature asks the desk to report a device capability. The answer arrives
	// as a snapshot update.
	QueryFeature(ctx context.Context, feature FeatureID) error

	DeviceName() string
	DisplayName() string
}

// --- Implementation Registry ---

// Factory is a function that creates a new instance of a Desk.
type Factory func(device *FoundDevice, cfg Config) (Desk, error)

var (
	registry = make(map[string]Factory)
	regLock  = sync.RWMutex{}
)

// Register makes a desk implementation available by its device name prefix.
// This function should be called from the init() function of the implementation's package.
// For example, an implementation for a "Desky" controller would register with the prefix "Desky".
func Register(namePrefix string, factory Factory) {
	regLock.Lock()
	defer regLock.Unlock()

	if _, found := registry[namePrefix]; found {
		log.Warnf("desk implementation for prefix '%s' is being overwritten", namePrefix)
	}
	registry[namePrefix] = factory
}

// NewDeskForDevice finds a registered factory for the given device name and
// creates a new Desk instance. It matches based on the prefix, longest prefix first.
// Example: A device named "Desky-4F2A" would match a registered "Desky" prefix.
func NewDeskForDevice(device *FoundDevice, cfg Config) (Desk, error) {
	regLock.RLock()
	defer regLock.RUnlock()

	var (
		best    string
		factory Factory
	)
	for prefix, f := range registry {
		if strings.HasPrefix(device.Name, prefix) && len(prefix) > len(best) {
			best, factory = prefix, f
		}
	}
	if factory == nil {
		return nil, fmt.Errorf("no implementation found for device '%s'", device.Name)
	}
	return factory(device, cfg)
}

// RegisteredPrefixes returns the name prefixes of every registered implementation.
func RegisteredPrefixes() []string {
	regLock.RLock()
	defer regLock.RUnlock()
	keys := make([]string, 0, len(registry))
	for k := range registry {
		keys = append(keys, k)
	}
	return keys
}
