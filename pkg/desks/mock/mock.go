// Package mock provides a simulated Desky controller behind the godesk.Link interface.
// It is intended for development and testing purposes when a physical desk is not available.
package mock

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mlsorensen/godesk"
	"github.com/mlsorensen/godesk/pkg/desks/desky"
	"github.com/mlsorensen/godesk/pkg/desks/desky/comms"
)

// This init function registers the mock desk with the central registry.
// To use it, you must explicitly import this package.
func init() {
	// Register with a distinct name, "MOCK", so it can be requested specifically.
	godesk.Register("MOCK", New)
}

// This line is the compile-time check. It will fail to compile if
// *Firmware ever stops satisfying the godesk.Link interface.
var (
	_ godesk.Link       = (*Firmware)(nil)
	_ godesk.InfoReader = (*Firmware)(nil)
)

// ErrInjected is returned by operations failed on purpose.
var ErrInjected = errors.New("mock: injected failure")

// Layout selects how the simulated desk reports its height while moving.
type Layout uint8

const (
	// LayoutMovement sends 98 98 frames (little-endian) while moving.
	LayoutMovement Layout = iota
	// LayoutStatus sends F2 F2 01 03 frames (big-endian) while moving.
	LayoutStatus
	// LayoutAlternate switches between the two on every update.
	LayoutAlternate
)

// Option configures a Firmware.
type Option func(*Firmware)

func WithHeight(cm float64) Option {
	return func(f *Firmware) { f.height = cm }
}

func WithLayout(l Layout) Option {
	return func(f *Firmware) { f.layout = l }
}

// WithMotion sets how far the desk travels per tick.
func WithMotion(tick time.Duration, cmPerTick float64) Option {
	return func(f *Firmware) {
		f.tick = tick
		f.speed = cmPerTick
	}
}

// WithPreset stores a memory slot height.
func WithPreset(slot int, cm float64) Option {
	return func(f *Firmware) { f.presets[slot] = cm }
}

// Firmware simulates a Desky controller. Commands written to it are parsed
// and acted upon; notifications come back through the subscribed callback.
type Firmware struct {
	mu sync.Mutex

	open       bool
	handshaken bool
	notify     func([]byte)
	onLost     func()
	cancel     context.CancelFunc

	height    float64
	direction int
	target    *float64
	upper     *float64
	lower     *float64
	features  map[godesk.FeatureID]uint8
	presets   map[int]float64
	collision bool

	layout    Layout
	alternate bool
	tick      time.Duration
	speed     float64
	min, max  float64

	failOpen      int
	failNextWrite bool
	opens         int
	writes        [][]byte
}

// NewFirmware creates a simulated desk, idle at 75 cm.
func NewFirmware(opts ...Option) *Firmware {
	f := &Firmware{
		height: 75.0,
		features: map[godesk.FeatureID]uint8{
			comms.FeatureVibration:          0,
			comms.FeatureVibrationIntensity: 2,
			comms.FeatureLightColor:         comms.LightWhite,
			comms.FeatureBrightness:         80,
			comms.FeatureLighting:           1,
			comms.FeatureLock:               0,
		},
		presets: make(map[int]float64),
		tick:    100 * time.Millisecond,
		speed:   1.0,
		min:     godesk.DefaultMinHeight,
		max:     godesk.DefaultMaxHeight,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// New creates a desk session on top of a fresh simulator.
func New(device *godesk.FoundDevice, cfg godesk.Config) (godesk.Desk, error) {
	return desky.NewSession(device, NewFirmware(), cfg, desky.WithDisplayName("Mock Desk"))
}

func (f *Firmware) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.opens++
	if f.failOpen > 0 {
		f.failOpen--
		return fmt.Errorf("%w: open", ErrInjected)
	}
	if f.open {
		return nil
	}

	log.Println("MOCK: Connecting...")
	f.open = true
	f.handshaken = false

	simCtx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go f.simulate(simCtx)

	log.Println("MOCK: Connected successfully.")
	return nil
}

func (f *Firmware) Subscribe(fn func([]byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return errors.New("mock: link not open")
	}
	f.notify = fn
	return nil
}

func (f *Firmware) OnDisconnect(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onLost = fn
}

func (f *Firmware) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeLocked()
	return nil
}

func (f *Firmware) closeLocked() {
	if !f.open {
		return
	}
	log.Println("MOCK: Disconnecting...")
	f.open = false
	f.handshaken = false
	f.notify = nil
	f.direction = 0
	f.target = nil
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
}

func (f *Firmware) Write(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	if !f.open {
		f.mu.Unlock()
		return errors.New("mock: link not open")
	}
	if f.failNextWrite {
		f.failNextWrite = false
		f.mu.Unlock()
		return fmt.Errorf("%w: write", ErrInjected)
	}

	parsed, err := comms.ParseFrame(frame)
	if err != nil {
		f.mu.Unlock()
		return fmt.Errorf("mock: rejected frame % X: %w", frame, err)
	}
	f.writes = append(f.writes, append([]byte(nil), frame...))

	out := f.handle(parsed)
	notify := f.notify
	f.mu.Unlock()

	deliver(notify, out)
	return nil
}

// handle acts on one command and returns the notifications it produces. Must be called with mu held.
func (f *Firmware) handle(fr comms.Frame) [][]byte {
	if fr.Opcode == comms.OpHandshake {
		f.handshaken = true
		return nil
	}
	// the real controller ignores everything before the handshake
	if !f.handshaken {
		return nil
	}

	switch fr.Opcode {
	case comms.OpMoveUp:
		f.target, f.direction = nil, 1
	case comms.OpMoveDown:
		f.target, f.direction = nil, -1
	case comms.OpStop:
		f.target, f.direction = nil, 0
	case comms.OpMemory1, comms.OpMemory2, comms.OpMemory3, comms.OpMemory4:
		if h, ok := f.presets[slotFor(fr.Opcode)]; ok {
			f.seek(h)
		}
	case comms.OpMoveToHeight:
		if len(fr.Payload) == 2 {
			f.seek(comms.HeightFromRaw(binary.BigEndian.Uint16(fr.Payload)))
		}
	case comms.OpGetStatus:
		return [][]byte{f.statusHeight()}
	case comms.OpQueryLimits:
		return f.limits()
	case comms.OpSetUpper, comms.OpSetLower:
		if len(fr.Payload) == 2 {
			h := comms.HeightFromRaw(binary.BigEndian.Uint16(fr.Payload))
			if fr.Opcode == comms.OpSetUpper {
				f.upper = &h
			} else {
				f.lower = &h
			}
		}
	case comms.OpClearLimits:
		f.upper, f.lower = nil, nil
	default:
		id := godesk.FeatureID(fr.Opcode)
		switch len(fr.Payload) {
		case 0:
			if v, ok := f.features[id]; ok {
				return [][]byte{statusFrame(fr.Opcode, []byte{v})}
			}
		case 1:
			f.features[id] = fr.Payload[0]
			return [][]byte{statusFrame(fr.Opcode, fr.Payload)}
		}
	}
	return nil
}

func slotFor(op byte) int {
	switch op {
	case comms.OpMemory1:
		return 1
	case comms.OpMemory2:
		return 2
	case comms.OpMemory3:
		return 3
	default:
		return 4
	}
}

func (f *Firmware) seek(h float64) {
	h = math.Max(f.min, math.Min(f.max, h))
	f.target = &h
	switch {
	case h > f.height:
		f.direction = 1
	case h < f.height:
		f.direction = -1
	default:
		f.direction = 0
		f.target = nil
	}
}

// simulate moves the desk while the link is open.
func (f *Firmware) simulate(ctx context.Context) {
	defer log.Println("MOCK: Simulation stopped.")

	ticker := time.NewTicker(f.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.mu.Lock()
			out := f.step()
			notify := f.notify
			f.mu.Unlock()
			deliver(notify, out)
		}
	}
}

// step advances the motion by one tick. Must be called with mu held.
func (f *Firmware) step() [][]byte {
	if f.direction == 0 || f.collision {
		return nil
	}

	next := f.height + float64(f.direction)*f.speed
	if f.target != nil {
		t := *f.target
		if (f.direction > 0 && next >= t) || (f.direction < 0 && next <= t) {
			next = t
			f.target = nil
			f.direction = 0
		}
	}
	if next >= f.max || next <= f.min {
		next = math.Max(f.min, math.Min(f.max, next))
		f.direction = 0
		f.target = nil
	}
	f.height = math.Round(next*10) / 10

	return [][]byte{f.movingHeight()}
}

func (f *Firmware) movingHeight() []byte {
	useStatus := f.layout == LayoutStatus
	if f.layout == LayoutAlternate {
		f.alternate = !f.alternate
		useStatus = f.alternate
	}
	if useStatus {
		return f.statusHeight()
	}
	raw, _ := comms.HeightRaw(f.height)
	frame := []byte{comms.MovementPrefix, comms.MovementPrefix, 0x00, 0x00}
	return binary.LittleEndian.AppendUint16(frame, raw)
}

func (f *Firmware) statusHeight() []byte {
	raw, _ := comms.HeightRaw(f.height)
	return statusFrame(comms.RespHeight, append(binary.BigEndian.AppendUint16(nil, raw), 0x00))
}

func (f *Firmware) limits() [][]byte {
	var mask byte
	var out [][]byte
	if f.upper != nil {
		mask |= 0x01
		out = append(out, f.limitFrame(comms.RespUpperLimit, *f.upper))
	}
	if f.lower != nil {
		mask |= 0x10
		out = append(out, f.limitFrame(comms.RespLowerLimit, *f.lower))
	}
	return append([][]byte{statusFrame(comms.RespLimitStatus, []byte{mask})}, out...)
}

func (f *Firmware) limitFrame(sub byte, h float64) []byte {
	raw, _ := comms.HeightRaw(h)
	return statusFrame(sub, binary.BigEndian.AppendUint16(nil, raw))
}

// statusFrame builds F2 F2 <sub> <len> <payload> <checksum> 7E.
func statusFrame(sub byte, payload []byte) []byte {
	frame := []byte{comms.StatusPrefix, comms.StatusPrefix, sub, byte(len(payload))}
	frame = append(frame, payload...)
	return append(frame, comms.Checksum(sub, payload), comms.FrameTerminal)
}

func deliver(notify func([]byte), frames [][]byte) {
	if notify == nil {
		return
	}
	for _, fr := range frames {
		notify(fr)
	}
}

// ReadDeviceInfo returns fixed identification strings.
func (f *Firmware) ReadDeviceInfo(ctx context.Context) (godesk.DeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return godesk.DeviceInfo{}, errors.New("mock: link not open")
	}
	return godesk.DeviceInfo{
		Manufacturer:     "Desky",
		Model:            "Mock Desk",
		Serial:           "MOCK-0001",
		FirmwareRevision: "1.0.0",
	}, nil
}

// --- Failure injection and inspection ---

// FailOpen makes the next n Open calls fail.
func (f *Firmware) FailOpen(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOpen = n
}

// FailNextWrite makes the next Write fail.
func (f *Firmware) FailNextWrite() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNextWrite = true
}

// DropLink simulates the transport losing the connection.
func (f *Firmware) DropLink() {
	f.mu.Lock()
	wasOpen := f.open
	f.closeLocked()
	onLost := f.onLost
	f.mu.Unlock()

	if wasOpen && onLost != nil {
		onLost()
	}
}

// CollisionReport is the status report id the simulated sensor uses. Sessions
// only read it as a collision with Config.CollisionFeature set to it.
const CollisionReport godesk.FeatureID = 0x0A

// Collide activates the anti-collision sensor: the desk halts and reports it.
func (f *Firmware) Collide() {
	f.mu.Lock()
	f.collision = true
	f.direction = 0
	f.target = nil
	notify := f.notify
	f.mu.Unlock()
	deliver(notify, [][]byte{statusFrame(byte(CollisionReport), []byte{0x01})})
}

// ClearCollision lets the desk move again.
func (f *Firmware) ClearCollision() {
	f.mu.Lock()
	f.collision = false
	notify := f.notify
	f.mu.Unlock()
	deliver(notify, [][]byte{statusFrame(byte(CollisionReport), []byte{0x00})})
}

// Inject delivers a raw notification as if the desk had sent it.
func (f *Firmware) Inject(frame []byte) {
	f.mu.Lock()
	notify := f.notify
	f.mu.Unlock()
	deliver(notify, [][]byte{frame})
}

// Height returns the simulated height.
func (f *Firmware) Height() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.height
}

// Moving reports whether the simulated desk is in motion.
func (f *Firmware) Moving() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.direction != 0
}

// Opens returns how many times Open has been called.
func (f *Firmware) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// Writes returns a copy of every accepted frame, in order.
func (f *Firmware) Writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	for i, w := range f.writes {
		out[i] = append([]byte(nil), w...)
	}
	return out
}
