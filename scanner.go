package godesk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"
)

// FoundDevice is a desk seen while scanning.
type FoundDevice struct {
	Name    string
	ID      string
	RSSI    int
	Address bluetooth.Address
}

// BTAdapter is the adapter every BLE desk implementation connects through.
var BTAdapter = bluetooth.DefaultAdapter

var (
	enableMu sync.Mutex
	enabled  bool
)

// TryEnableAdapter enables the default adapter once. A failed attempt is retried on the next call.
func TryEnableAdapter() error {
	enableMu.Lock()
	defer enableMu.Unlock()
	if enabled {
		return nil
	}
	log.Println("Enabling Bluetooth adapter...")
	if err := BTAdapter.Enable(); err != nil {
		return fmt.Errorf("failed to enable bluetooth adapter: %w", err)
	}
	enabled = true
	return nil
}

// ScanStream returns a channel that streams FoundDevice as they are discovered
// and stops scanning when the context is canceled.
func ScanStream(ctx context.Context, customPrefixes ...string) (<-chan FoundDevice, error) {
	if err := TryEnableAdapter(); err != nil {
		return nil, err
	}
	prefixesToScan := getPrefixes(customPrefixes...)
	if len(prefixesToScan) == 0 {
		return nil, errors.New("no implementations registered and no custom prefixes provided")
	}

	deviceChan := make(chan FoundDevice)

	go func() {
		defer close(deviceChan)

		log.Printf("Starting BLE scan for devices with prefixes: %v...", prefixesToScan)

		handler := func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			dev, ok := matchResult(result, prefixesToScan)
			if !ok {
				return
			}
			select {
			case deviceChan <- dev:
			case <-ctx.Done():
			}
		}

		scanDone := make(chan error, 1)
		go func() { scanDone <- BTAdapter.Scan(handler) }()

		select {
		case err := <-scanDone:
			if err != nil {
				log.Printf("Error starting scan: %v", err)
			}
			return
		case <-ctx.Done():
		}

		if err := BTAdapter.StopScan(); err != nil {
			log.Printf("Error stopping scan: %v", err)
		}
		<-scanDone
	}()

	return deviceChan, nil
}

// Scan finds any bluetooth devices with given string prefixes in their name, blocks for duration
func Scan(duration time.Duration, customPrefixes ...string) ([]FoundDevice, error) {
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	devices, err := ScanStream(ctx, customPrefixes...)
	if err != nil {
		return nil, err
	}

	foundDevices := make(map[string]FoundDevice)
	for dev := range devices {
		log.Printf("    --> Found a match! Device: %s", dev.Name)
		foundDevices[dev.ID] = dev
	}

	results := make([]FoundDevice, 0, len(foundDevices))
	for _, device := range foundDevices {
		results = append(results, device)
	}

	log.Printf("Scan processing finished. Found %d unique matching device(s).", len(results))
	return results, nil
}

// ScanForOne blocks until the first device matching one of the prefixes is found, or the timeout passes.
func ScanForOne(timeout time.Duration, customPrefixes ...string) (*FoundDevice, error) {
	return scanFirst(timeout, func(FoundDevice) bool { return true }, customPrefixes...)
}

// ScanForAddress blocks until the device with the given address is seen, or the timeout passes.
func ScanForAddress(timeout time.Duration, address string, customPrefixes ...string) (*FoundDevice, error) {
	return scanFirst(timeout, func(d FoundDevice) bool {
		return strings.EqualFold(d.ID, address)
	}, customPrefixes...)
}

func scanFirst(timeout time.Duration, match func(FoundDevice) bool, customPrefixes ...string) (*FoundDevice, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	devices, err := ScanStream(ctx, customPrefixes...)
	if err != nil {
		return nil, err
	}
	for dev := range devices {
		if match(dev) {
			cancel()
			// drain so the scan goroutine can finish
			for range devices {
			}
			return &dev, nil
		}
	}
	return nil, fmt.Errorf("no matching device found within %s", timeout)
}

func matchResult(result bluetooth.ScanResult, prefixes []string) (FoundDevice, bool) {
	name := result.LocalName()
	if name == "" {
		return FoundDevice{}, false // Ignore packets without a name.
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(name, prefix) {
			return FoundDevice{
				Name:    name,
				ID:      result.Address.String(),
				RSSI:    int(result.RSSI),
				Address: result.Address,
			}, true
		}
	}
	return FoundDevice{}, false
}

// getPrefixes helper function, provide prefixes in addition to registered desk prefixes
func getPrefixes(customPrefixes ...string) []string {
	if len(customPrefixes) > 0 {
		return customPrefixes
	}
	return RegisteredPrefixes()
}
