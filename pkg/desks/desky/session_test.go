package desky

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mlsorensen/godesk"
	"github.com/mlsorensen/godesk/pkg/desks/desky/comms"
)

type mockLink struct {
	mock.Mock

	mu     sync.Mutex
	notify func([]byte)
	lost   func()
	writes [][]byte
}

func (m *mockLink) Open(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockLink) Subscribe(fn func([]byte)) error {
	m.mu.Lock()
	m.notify = fn
	m.mu.Unlock()
	return m.Called().Error(0)
}

func (m *mockLink) Write(ctx context.Context, frame []byte) error {
	err := m.Called(frame).Error(0)
	if err == nil {
		m.mu.Lock()
		m.writes = append(m.writes, append([]byte(nil), frame...))
		m.mu.Unlock()
	}
	return err
}

func (m *mockLink) Close() error {
	return m.Called().Error(0)
}

func (m *mockLink) OnDisconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost = fn
}

func (m *mockLink) deliver(frame []byte) {
	m.mu.Lock()
	fn := m.notify
	m.mu.Unlock()
	fn(frame)
}

func (m *mockLink) written() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.writes...)
}

func (m *mockLink) wrote(frame []byte) bool {
	for _, w := range m.written() {
		if bytes.Equal(w, frame) {
			return true
		}
	}
	return false
}

func testConfig() godesk.Config {
	cfg := godesk.DefaultConfig()
	cfg.PollInterval = time.Hour
	cfg.ReconnectInterval = time.Hour
	cfg.ReconcileEvery = 0
	return cfg
}

func newTestSession(t *testing.T, link *mockLink, cfg godesk.Config) *Session {
	t.Helper()
	s, err := NewSession(&godesk.FoundDevice{Name: "Desky-TEST", ID: "AA:BB:CC:DD:EE:FF"}, link, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Disconnect() })
	return s
}

// healthyLink accepts everything.
func healthyLink() *mockLink {
	l := &mockLink{}
	l.On("Open", mock.Anything).Return(nil)
	l.On("Subscribe").Return(nil)
	l.On("Close").Return(nil)
	return l
}

// readySession connects and waits for the initial status query.
func readySession(t *testing.T, link *mockLink, cfg godesk.Config) *Session {
	t.Helper()
	link.On("Write", mock.Anything).Return(nil)
	s := newTestSession(t, link, cfg)
	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, func() bool { return link.wrote(comms.GetStatusCommand) }, time.Second, 5*time.Millisecond)
	return s
}

func frameOf(t *testing.T, cmd comms.Command) []byte {
	t.Helper()
	frame, err := comms.Encode(cmd)
	require.NoError(t, err)
	return frame
}

func TestNewSessionRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MinHeight = 140
	_, err := NewSession(&godesk.FoundDevice{Name: "Desky"}, &mockLink{}, cfg)
	assert.ErrorIs(t, err, godesk.ErrInvalidArgument)
}

func TestConnectReachesReady(t *testing.T) {
	link := healthyLink()
	s := newTestSession(t, link, testConfig())
	link.On("Write", mock.Anything).Return(nil)

	phases, cancel := s.SubscribePhases()
	defer cancel()

	require.NoError(t, s.Connect(context.Background()))
	assert.True(t, s.Snapshot().Available())
	assert.Equal(t, comms.HandshakeCommand, link.written()[0])

	want := []godesk.PhaseChange{
		{From: godesk.PhaseDisconnected, To: godesk.PhaseConnecting, Reason: "connect"},
		{From: godesk.PhaseConnecting, To: godesk.PhaseHandshaking, Reason: "link open"},
		{From: godesk.PhaseHandshaking, To: godesk.PhaseReady, Reason: "handshake complete"},
	}
	for _, w := range want {
		assert.Equal(t, w, <-phases)
	}

	// connecting again while ready is a no-op
	require.NoError(t, s.Connect(context.Background()))
	link.AssertNumberOfCalls(t, "Open", 1)
}

func TestConnectOpenFailure(t *testing.T) {
	link := &mockLink{}
	link.On("Open", mock.Anything).Return(errors.New("out of range"))
	link.On("Close").Return(nil)
	s := newTestSession(t, link, testConfig())

	err := s.Connect(context.Background())
	assert.ErrorIs(t, err, godesk.ErrConnectionFailed)
	assert.Equal(t, godesk.PhaseDisconnected, s.Snapshot().Phase)
	link.AssertNotCalled(t, "Subscribe")
}

func TestConnectHandshakeFailure(t *testing.T) {
	link := healthyLink()
	link.On("Write", comms.HandshakeCommand).Return(errors.New("gatt write"))
	s := newTestSession(t, link, testConfig())

	phases, cancel := s.SubscribePhases()
	defer cancel()

	err := s.Connect(context.Background())
	assert.ErrorIs(t, err, godesk.ErrHandshakeFailed)
	assert.Equal(t, godesk.PhaseDisconnected, s.Snapshot().Phase)

	var seen []godesk.Phase
	for range 3 {
		seen = append(seen, (<-phases).To)
	}
	assert.Equal(t, []godesk.Phase{godesk.PhaseConnecting, godesk.PhaseHandshaking, godesk.PhaseDisconnected}, seen)
}

func TestSendNotReady(t *testing.T) {
	link := &mockLink{}
	s := newTestSession(t, link, testConfig())
	link.On("Close").Return(nil)
	ctx := context.Background()

	// disconnected: nothing goes out, not even a stop
	assert.ErrorIs(t, s.MoveUp(ctx), godesk.ErrNotReady)
	assert.ErrorIs(t, s.MoveToHeight(ctx, 80), godesk.ErrNotReady)
	assert.ErrorIs(t, s.Stop(ctx), godesk.ErrNotReady)
	assert.ErrorIs(t, s.PollStatus(ctx), godesk.ErrNotReady)
	link.AssertNotCalled(t, "Write", mock.Anything)
}

func TestStopAllowedBeforeReady(t *testing.T) {
	link := &mockLink{}
	link.On("Write", comms.StopCommand).Return(nil)
	link.On("Close").Return(nil)
	s := newTestSession(t, link, testConfig())
	ctx := context.Background()

	for _, p := range []godesk.Phase{godesk.PhaseConnecting, godesk.PhaseHandshaking} {
		_, err := s.state.Transition(p, "test")
		require.NoError(t, err)

		assert.NoError(t, s.Stop(ctx), "stop while %s", p)
		assert.ErrorIs(t, s.MoveDown(ctx), godesk.ErrNotReady, "move while %s", p)
		assert.ErrorIs(t, s.SetFeature(ctx, comms.FeatureLightColor, comms.LightRed), godesk.ErrNotReady)
	}
	link.AssertNumberOfCalls(t, "Write", 2)
}

func TestInvalidArgumentWritesNothing(t *testing.T) {
	link := healthyLink()
	s := readySession(t, link, testConfig())
	ctx := context.Background()
	before := len(link.written())

	assert.ErrorIs(t, s.MoveToHeight(ctx, 200), godesk.ErrInvalidArgument)
	assert.ErrorIs(t, s.MoveToHeight(ctx, 59.9), godesk.ErrInvalidArgument)
	assert.ErrorIs(t, s.MoveToPreset(ctx, 0), godesk.ErrInvalidArgument)
	assert.ErrorIs(t, s.MoveToPreset(ctx, 5), godesk.ErrInvalidArgument)
	assert.ErrorIs(t, s.MoveToPosition(ctx, 101), godesk.ErrInvalidArgument)
	assert.ErrorIs(t, s.SetLimit(ctx, godesk.LimitUpper, 131), godesk.ErrInvalidArgument)
	assert.ErrorIs(t, s.SetFeature(ctx, godesk.FeatureID(comms.OpMoveUp), 1), godesk.ErrInvalidArgument)

	assert.Len(t, link.written(), before)
	assert.Nil(t, s.Snapshot().Target)
}

func TestMoveCommandsSetIntent(t *testing.T) {
	link := healthyLink()
	cfg := testConfig()
	cfg.Presets = map[int]float64{1: 110}
	s := readySession(t, link, cfg)
	ctx := context.Background()

	require.NoError(t, s.MoveToHeight(ctx, 85))
	assert.Equal(t, 85.0, *s.Snapshot().Target)
	assert.Equal(t, frameOf(t, comms.MoveToHeight{Height: 85}), link.written()[len(link.written())-1])

	require.NoError(t, s.MoveToPreset(ctx, 1))
	assert.Equal(t, 110.0, *s.Snapshot().Target)

	require.NoError(t, s.MoveToPreset(ctx, 2))
	assert.Nil(t, s.Snapshot().Target)

	require.NoError(t, s.MoveUp(ctx))
	assert.Equal(t, godesk.DirectionOpening, s.Snapshot().Direction)

	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, godesk.DirectionIdle, s.Snapshot().Direction)

	// 50 of 60-130 is 95 cm
	require.NoError(t, s.MoveToPosition(ctx, 50))
	assert.Equal(t, 95.0, *s.Snapshot().Target)
}

func TestNotificationsReachSubscribers(t *testing.T) {
	link := healthyLink()
	s := readySession(t, link, testConfig())

	updates, cancel := s.Subscribe()
	defer cancel()

	link.deliver([]byte{0x98, 0x98, 0x00, 0x00, 0x52, 0x03})

	require.Eventually(t, func() bool {
		for {
			select {
			case snap := <-updates:
				if snap.Height != nil && *snap.Height == 85.0 {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)
}

func TestDecodeAnomaliesAreAbsorbed(t *testing.T) {
	link := healthyLink()
	s := readySession(t, link, testConfig())

	link.deliver([]byte{0x01, 0x02})
	link.deliver([]byte{0xF2, 0xF2, 0x99, 0x07, 0x00, 0x00})

	assert.Equal(t, uint64(2), s.DecodeAnomalies())
	assert.Equal(t, godesk.PhaseReady, s.Snapshot().Phase)
}

func TestCollisionStops(t *testing.T) {
	link := healthyLink()
	cfg := testConfig()
	cfg.CollisionFeature = 0x0A
	s := readySession(t, link, cfg)
	require.NoError(t, s.MoveToHeight(context.Background(), 120))

	link.deliver([]byte{0xF2, 0xF2, 0x0A, 0x01, 0x01, 0x0C, 0x7E})

	require.Eventually(t, func() bool { return link.wrote(comms.StopCommand) }, time.Second, 5*time.Millisecond)
	snap := s.Snapshot()
	assert.True(t, snap.Collision)
	assert.Nil(t, snap.Target)
}

func TestFeature0AIsPlainFeatureByDefault(t *testing.T) {
	link := healthyLink()
	s := readySession(t, link, testConfig())
	require.NoError(t, s.MoveToHeight(context.Background(), 120))

	link.deliver([]byte{0xF2, 0xF2, 0x0A, 0x01, 0x05, 0x10, 0x7E})

	snap := s.Snapshot()
	assert.Equal(t, uint8(5), snap.Features[0x0A])
	assert.False(t, snap.Collision)
	require.NotNil(t, snap.Target)
	assert.Equal(t, 120.0, *snap.Target)
	assert.Never(t, func() bool { return link.wrote(comms.StopCommand) }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestNotificationsAfterTeardownAreDropped(t *testing.T) {
	link := healthyLink()
	s := readySession(t, link, testConfig())
	require.NoError(t, s.Disconnect())

	updates, stop := s.Subscribe()
	defer stop()

	link.deliver([]byte{0x98, 0x98, 0x00, 0x00, 0x52, 0x03})
	link.deliver([]byte{0xF2, 0xF2, 0xB4, 0x01, 0x03, 0xB8, 0x7E})

	snap := s.Snapshot()
	assert.Nil(t, snap.Height)
	assert.Empty(t, snap.Features)
	assert.Empty(t, updates)
	assert.Zero(t, s.DecodeAnomalies())
}

func TestSubscribersEndOnLatestSnapshot(t *testing.T) {
	link := healthyLink()
	s := readySession(t, link, testConfig())
	updates, stop := s.Subscribe()
	defer stop()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				raw := uint16(700 + w*50 + i)
				link.deliver([]byte{0x98, 0x98, 0x00, 0x00, byte(raw), byte(raw >> 8)})
			}
		}(w)
	}
	wg.Wait()

	var last godesk.Snapshot
	for len(updates) > 0 {
		last = <-updates
	}
	require.NotNil(t, last.Height)
	assert.Equal(t, *s.Snapshot().Height, *last.Height)
}

func TestArrivalStopsOnce(t *testing.T) {
	link := healthyLink()
	s := readySession(t, link, testConfig())
	require.NoError(t, s.MoveToHeight(context.Background(), 74))

	for _, raw := range []uint16{700, 720, 740} {
		link.deliver([]byte{0x98, 0x98, 0x00, 0x00, byte(raw), byte(raw >> 8)})
	}

	require.Eventually(t, func() bool { return link.wrote(comms.StopCommand) }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	stops := 0
	for _, w := range link.written() {
		if bytes.Equal(w, comms.StopCommand) {
			stops++
		}
	}
	assert.Equal(t, 1, stops)
	assert.Nil(t, s.Snapshot().Target)
}

func TestLimitPolicy(t *testing.T) {
	ctx := context.Background()
	lower := []byte{0xF2, 0xF2, 0x22, 0x02, 0x03, 0x20, 0x47, 0x7E} // 80.0 cm

	strict := testConfig()
	strict.LimitPolicy = godesk.LimitPolicyStrict
	link := healthyLink()
	s := readySession(t, link, strict)
	link.deliver(lower)

	assert.ErrorIs(t, s.SetLimit(ctx, godesk.LimitUpper, 70), godesk.ErrInvalidArgument)
	require.NoError(t, s.SetLimit(ctx, godesk.LimitUpper, 120))
	assert.Equal(t, 120.0, *s.Snapshot().UpperLimit)

	relaxed := healthyLink()
	s = readySession(t, relaxed, testConfig())
	relaxed.deliver(lower)
	assert.NoError(t, s.SetLimit(ctx, godesk.LimitUpper, 70))

	require.NoError(t, s.ClearLimits(ctx))
	assert.Nil(t, s.Snapshot().UpperLimit)
	assert.Nil(t, s.Snapshot().LowerLimit)
}

func TestPollReconciles(t *testing.T) {
	link := healthyLink()
	cfg := testConfig()
	cfg.ReconcileEvery = 2
	s := readySession(t, link, cfg)
	ctx := context.Background()

	// handshake, status, limits and every known feature
	initial := 3 + len(comms.KnownFeatures)
	require.Eventually(t, func() bool { return len(link.written()) == initial }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.PollStatus(ctx))
	assert.Len(t, link.written(), initial+1)

	require.NoError(t, s.PollStatus(ctx))
	got := link.written()[initial:]
	require.Len(t, got, 3+len(comms.KnownFeatures))
	assert.Equal(t, comms.GetStatusCommand, got[0])
	assert.Equal(t, comms.GetStatusCommand, got[1])
	assert.Equal(t, frameOf(t, comms.QueryLimits{}), got[2])
	assert.Equal(t, frameOf(t, comms.QueryFeature{Feature: comms.KnownFeatures[0]}), got[3])
}

func TestWriteFailureReconnects(t *testing.T) {
	link := healthyLink()
	link.On("Write", frameOf(t, comms.MoveUp{})).Return(errors.New("gatt write")).Once()
	cfg := testConfig()
	cfg.ReconnectInterval = 300 * time.Millisecond
	s := readySession(t, link, cfg)

	phases, stop := s.SubscribePhases()
	defer stop()

	failed := time.Now()
	err := s.MoveUp(context.Background())
	assert.ErrorIs(t, err, godesk.ErrWriteFailed)

	// within one backoff interval, without calling Connect again
	var ready time.Duration
	deadline := time.After(cfg.ReconnectInterval)
	for ready == 0 {
		select {
		case pc := <-phases:
			if pc.To == godesk.PhaseReady {
				ready = time.Since(failed)
			}
		case <-deadline:
			require.FailNow(t, "not back to Ready within one reconnect interval")
		}
	}
	assert.Less(t, ready, cfg.ReconnectInterval)
	link.AssertNumberOfCalls(t, "Open", 2)

	// the failed command was not retried
	moves := 0
	for _, w := range link.written() {
		if bytes.Equal(w, frameOf(t, comms.MoveUp{})) {
			moves++
		}
	}
	assert.Zero(t, moves)
}

func TestLinkLossReconnects(t *testing.T) {
	link := healthyLink()
	cfg := testConfig()
	cfg.ReconnectInterval = 50 * time.Millisecond
	s := readySession(t, link, cfg)
	link.deliver([]byte{0x98, 0x98, 0x00, 0x00, 0x52, 0x03})

	link.mu.Lock()
	lost := link.lost
	link.mu.Unlock()
	lost()

	snap := s.Snapshot()
	assert.False(t, snap.Available())
	require.NotNil(t, snap.Height)
	assert.Equal(t, 85.0, *snap.Height)

	require.Eventually(t, func() bool { return s.Snapshot().Available() }, time.Second, 10*time.Millisecond)
}

func TestDisconnectTearsDown(t *testing.T) {
	link := healthyLink()
	cfg := testConfig()
	cfg.ReconnectInterval = 20 * time.Millisecond
	s := readySession(t, link, cfg)
	link.deliver([]byte{0x98, 0x98, 0x00, 0x00, 0x52, 0x03})

	require.NoError(t, s.Disconnect())

	snap := s.Snapshot()
	assert.Equal(t, godesk.PhaseDisconnected, snap.Phase)
	assert.Nil(t, snap.Height)
	assert.ErrorIs(t, s.MoveUp(context.Background()), godesk.ErrNotReady)

	// no reconnection after teardown
	time.Sleep(100 * time.Millisecond)
	link.AssertNumberOfCalls(t, "Open", 1)
}
