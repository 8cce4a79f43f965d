package mock

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlsorensen/godesk"
	"github.com/mlsorensen/godesk/pkg/desks/desky"
	"github.com/mlsorensen/godesk/pkg/desks/desky/comms"
)

func testConfig() godesk.Config {
	cfg := godesk.DefaultConfig()
	cfg.PollInterval = 20 * time.Millisecond
	cfg.ReconnectInterval = 50 * time.Millisecond
	cfg.ReconcileEvery = 5
	return cfg
}

func connect(t *testing.T, fw *Firmware, cfg godesk.Config) *desky.Session {
	t.Helper()
	s, err := desky.NewSession(&godesk.FoundDevice{Name: "MOCK-1", ID: "00:00:00:00:00:01"}, fw, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Disconnect() })
	require.NoError(t, s.Connect(context.Background()))
	return s
}

func heightIs(s *desky.Session, want float64) func() bool {
	return func() bool {
		snap := s.Snapshot()
		return snap.Height != nil && *snap.Height == want
	}
}

func TestRegistered(t *testing.T) {
	d, err := godesk.NewDeskForDevice(&godesk.FoundDevice{Name: "MOCK-desk"}, testConfig())
	require.NoError(t, err)
	assert.Equal(t, "Mock Desk", d.DisplayName())
	assert.Equal(t, "MOCK-desk", d.DeviceName())
}

func TestFirmwareIgnoresCommandsBeforeHandshake(t *testing.T) {
	fw := NewFirmware(WithHeight(80))
	require.NoError(t, fw.Open(context.Background()))
	defer fw.Close()

	up, err := comms.Encode(comms.MoveUp{})
	require.NoError(t, err)
	require.NoError(t, fw.Write(context.Background(), up))
	assert.False(t, fw.Moving())

	assert.Error(t, fw.Write(context.Background(), []byte{0xF1, 0xF1, 0x01, 0x00, 0x00, 0x7E}))
}

func TestInitialStateAndDeviceInfo(t *testing.T) {
	fw := NewFirmware(WithHeight(80))
	s := connect(t, fw, testConfig())

	require.Eventually(t, heightIs(s, 80), time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return s.Snapshot().Info.Model != "" }, time.Second, 10*time.Millisecond)

	snap := s.Snapshot()
	assert.Equal(t, "Desky", snap.Info.Manufacturer)
	assert.Equal(t, comms.LightWhite, snap.Features[comms.FeatureLightColor])
	assert.Nil(t, snap.UpperLimit)
	assert.Nil(t, snap.LowerLimit)
}

func TestMoveToHeightBothLayouts(t *testing.T) {
	for _, layout := range []Layout{LayoutMovement, LayoutStatus, LayoutAlternate} {
		t.Run("layout", func(t *testing.T) {
			fw := NewFirmware(WithHeight(70), WithLayout(layout), WithMotion(10*time.Millisecond, 1.0))
			s := connect(t, fw, testConfig())
			require.Eventually(t, heightIs(s, 70), time.Second, 10*time.Millisecond)

			require.NoError(t, s.MoveToHeight(context.Background(), 76.5))
			require.Eventually(t, heightIs(s, 76.5), 2*time.Second, 10*time.Millisecond)
			require.Eventually(t, func() bool { return s.Snapshot().Target == nil }, time.Second, 10*time.Millisecond)
			assert.False(t, fw.Moving())
		})
	}
}

func TestPresetWithKnownHeight(t *testing.T) {
	fw := NewFirmware(WithHeight(100), WithPreset(2, 95), WithMotion(10*time.Millisecond, 1.0))
	cfg := testConfig()
	cfg.Presets = map[int]float64{2: 95}
	s := connect(t, fw, cfg)
	require.Eventually(t, heightIs(s, 100), time.Second, 10*time.Millisecond)

	require.NoError(t, s.MoveToPreset(context.Background(), 2))
	assert.Equal(t, 95.0, *s.Snapshot().Target)

	require.Eventually(t, heightIs(s, 95), 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return s.Snapshot().Target == nil }, time.Second, 10*time.Millisecond)
}

func TestLimitsRoundTrip(t *testing.T) {
	fw := NewFirmware()
	cfg := testConfig()
	cfg.ReconcileEvery = 1
	s := connect(t, fw, cfg)
	ctx := context.Background()
	require.Eventually(t, func() bool { return s.Snapshot().Available() }, time.Second, 10*time.Millisecond)

	require.NoError(t, s.SetLimit(ctx, godesk.LimitUpper, 120))
	require.NoError(t, s.SetLimit(ctx, godesk.LimitLower, 65.5))
	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.UpperLimit != nil && snap.LowerLimit != nil && *snap.LowerLimit == 65.5
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, s.ClearLimits(ctx))
	// the next reconcile reports no limits and keeps them cleared
	time.Sleep(100 * time.Millisecond)
	assert.Nil(t, s.Snapshot().UpperLimit)
	assert.Nil(t, s.Snapshot().LowerLimit)
}

func TestFeatureSet(t *testing.T) {
	fw := NewFirmware()
	s := connect(t, fw, testConfig())

	require.NoError(t, s.SetFeature(context.Background(), comms.FeatureLightColor, comms.LightBlue))
	require.Eventually(t, func() bool {
		return s.Snapshot().Features[comms.FeatureLightColor] == comms.LightBlue
	}, time.Second, 10*time.Millisecond)
}

func TestCollisionHaltsMovement(t *testing.T) {
	fw := NewFirmware(WithHeight(70), WithMotion(10*time.Millisecond, 0.2))
	cfg := testConfig()
	cfg.CollisionFeature = CollisionReport
	s := connect(t, fw, cfg)

	require.NoError(t, s.MoveToHeight(context.Background(), 120))
	require.Eventually(t, func() bool { return s.Snapshot().Moving() }, time.Second, 5*time.Millisecond)

	before := len(fw.Writes())
	fw.Collide()

	snap := s.Snapshot()
	assert.True(t, snap.Collision)
	assert.Nil(t, snap.Target)
	require.Eventually(t, func() bool {
		for _, w := range fw.Writes()[before:] {
			if bytes.Equal(w, comms.StopCommand) {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
	assert.False(t, fw.Moving())
}

func TestReconnectAfterWriteFailure(t *testing.T) {
	fw := NewFirmware()
	cfg := testConfig()
	cfg.PollInterval = time.Hour
	s := connect(t, fw, cfg)
	// let the initial queries finish so the injected failure hits our command
	require.Eventually(t, func() bool { return s.Snapshot().Info.Model != "" }, time.Second, 5*time.Millisecond)

	fw.FailNextWrite()
	err := s.MoveUp(context.Background())
	require.ErrorIs(t, err, godesk.ErrWriteFailed)
	assert.False(t, s.Snapshot().Available())

	require.Eventually(t, func() bool { return s.Snapshot().Available() }, 4*cfg.ReconnectInterval, 5*time.Millisecond)
	assert.Equal(t, 2, fw.Opens())
}

func TestReconnectAfterLinkDrop(t *testing.T) {
	fw := NewFirmware()
	cfg := testConfig()
	s := connect(t, fw, cfg)

	phases, cancel := s.SubscribePhases()
	defer cancel()

	fw.FailOpen(2)
	fw.DropLink()

	assert.Equal(t, godesk.PhaseDisconnected, (<-phases).To)
	require.Eventually(t, func() bool { return s.Snapshot().Available() }, 2*time.Second, 10*time.Millisecond)
	// the two failed attempts and the one that worked
	assert.Equal(t, 4, fw.Opens())
}

func TestConnectRetriesAfterOpenFailure(t *testing.T) {
	fw := NewFirmware()
	fw.FailOpen(1)

	s, err := desky.NewSession(&godesk.FoundDevice{Name: "MOCK-1"}, fw, testConfig())
	require.NoError(t, err)
	defer s.Disconnect()

	err = s.Connect(context.Background())
	require.ErrorIs(t, err, godesk.ErrConnectionFailed)

	require.Eventually(t, func() bool { return s.Snapshot().Available() }, time.Second, 10*time.Millisecond)
}
