package desky

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/mlsorensen/godesk"
	"github.com/mlsorensen/godesk/pkg/desks/desky/comms"
)

var (
	_ godesk.Link       = (*BLELink)(nil)
	_ godesk.InfoReader = (*BLELink)(nil)
)

// BLELink is a godesk.Link over the Desky GATT service.
type BLELink struct {
	address bluetooth.Address

	mu         sync.Mutex
	open       bool
	btDevice   bluetooth.Device
	writeChar  bluetooth.DeviceCharacteristic
	notifyChar bluetooth.DeviceCharacteristic
	onLost     func()
}

func NewBLELink(address bluetooth.Address) *BLELink {
	return &BLELink{address: address}
}

// The adapter has a single connect handler, so links register here by address.
var (
	handlerOnce sync.Once
	linksMu     sync.Mutex
	links       = make(map[string]*BLELink)
)

func installConnectHandler() {
	handlerOnce.Do(func() {
		godesk.BTAdapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if connected {
				return
			}
			linksMu.Lock()
			l := links[strings.ToUpper(device.Address.String())]
			linksMu.Unlock()
			if l != nil {
				l.lost()
			}
		})
	})
}

func (l *BLELink) key() string {
	return strings.ToUpper(l.address.String())
}

func (l *BLELink) Open(ctx context.Context) error {
	if err := godesk.TryEnableAdapter(); err != nil {
		return err
	}
	installConnectHandler()

	type result struct {
		device bluetooth.Device
		err    error
	}
	done := make(chan result, 1)
	go func() {
		d, err := godesk.BTAdapter.Connect(l.address, bluetooth.ConnectionParams{
			MaxInterval: bluetooth.Duration(1000),
			MinInterval: bluetooth.Duration(10),
		})
		done <- result{d, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		// the connect may still complete; drop it when it does
		go func() {
			if r := <-done; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		return ctx.Err()
	}
	if res.err != nil {
		return res.err
	}

	l.mu.Lock()
	l.btDevice = res.device
	l.mu.Unlock()

	if err := l.setupCharacteristics(); err != nil {
		_ = res.device.Disconnect()
		return err
	}

	l.mu.Lock()
	l.open = true
	l.mu.Unlock()

	linksMu.Lock()
	links[l.key()] = l
	linksMu.Unlock()
	return nil
}

func (l *BLELink) setupCharacteristics() error {
	log.Println("Discovering services...")
	services, err := l.btDevice.DiscoverServices([]bluetooth.UUID{comms.DeskyServiceUUID})
	if err != nil {
		return fmt.Errorf("could not discover services: %w", err)
	}
	if len(services) == 0 {
		return errors.New("could not find the Desky BT service")
	}

	var foundWrite, foundNotify bool
	for _, service := range services {
		chars, err := service.DiscoverCharacteristics([]bluetooth.UUID{
			comms.DeskyCommandCharUUID,
			comms.DeskyNotifyCharUUID,
		})
		if err != nil {
			return fmt.Errorf("could not discover characteristics: %w", err)
		}
		for _, char := range chars {
			switch char.UUID() {
			case comms.DeskyCommandCharUUID:
				l.writeChar, foundWrite = char, true
			case comms.DeskyNotifyCharUUID:
				l.notifyChar, foundNotify = char, true
			}
		}
	}
	if !foundWrite || !foundNotify {
		return errors.New("desk is missing the command or notify characteristic")
	}

	log.Println("Successfully set up characteristics.")
	return nil
}

func (l *BLELink) Subscribe(fn func([]byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.open {
		return errors.New("link not open")
	}
	if err := l.notifyChar.EnableNotifications(fn); err != nil {
		return fmt.Errorf("failed to enable notifications: %w", err)
	}
	return nil
}

func (l *BLELink) Write(ctx context.Context, frame []byte) error {
	l.mu.Lock()
	if !l.open {
		l.mu.Unlock()
		return errors.New("link not open")
	}
	char := l.writeChar
	l.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := char.WriteWithoutResponse(frame)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *BLELink) Close() error {
	l.mu.Lock()
	wasOpen := l.open
	l.open = false
	device := l.btDevice
	l.mu.Unlock()

	linksMu.Lock()
	if links[l.key()] == l {
		delete(links, l.key())
	}
	linksMu.Unlock()

	if !wasOpen {
		return nil
	}
	return device.Disconnect()
}

func (l *BLELink) OnDisconnect(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onLost = fn
}

func (l *BLELink) lost() {
	l.mu.Lock()
	wasOpen := l.open
	l.open = false
	fn := l.onLost
	l.mu.Unlock()

	if wasOpen && fn != nil {
		fn()
	}
}

// ReadDeviceInfo reads the Device Information service. Characteristics the
// desk does not expose are left empty.
func (l *BLELink) ReadDeviceInfo(ctx context.Context) (godesk.DeviceInfo, error) {
	l.mu.Lock()
	if !l.open {
		l.mu.Unlock()
		return godesk.DeviceInfo{}, errors.New("link not open")
	}
	device := l.btDevice
	l.mu.Unlock()

	var info godesk.DeviceInfo
	fields := map[bluetooth.UUID]*string{
		comms.ManufacturerNameCharUUID: &info.Manufacturer,
		comms.ModelNumberCharUUID:      &info.Model,
		comms.SerialNumberCharUUID:     &info.Serial,
		comms.HardwareRevisionCharUUID: &info.HardwareRevision,
		comms.FirmwareRevisionCharUUID: &info.FirmwareRevision,
		comms.SoftwareRevisionCharUUID: &info.SoftwareRevision,
	}

	done := make(chan error, 1)
	go func() {
		services, err := device.DiscoverServices([]bluetooth.UUID{comms.DeviceInfoServiceUUID})
		if err != nil {
			done <- fmt.Errorf("could not discover device information service: %w", err)
			return
		}
		for _, service := range services {
			chars, err := service.DiscoverCharacteristics(nil)
			if err != nil {
				done <- fmt.Errorf("could not discover device information characteristics: %w", err)
				return
			}
			for _, char := range chars {
				dst, ok := fields[char.UUID()]
				if !ok {
					continue
				}
				buf := make([]byte, 64)
				n, err := char.Read(buf)
				if err != nil {
					log.Debugf("reading %s: %v", char.UUID().String(), err)
					continue
				}
				*dst = strings.TrimRight(string(buf[:n]), "\x00")
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		return info, err
	case <-ctx.Done():
		return godesk.DeviceInfo{}, ctx.Err()
	}
}
