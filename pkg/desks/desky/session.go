package desky

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/mlsorensen/godesk"
	"github.com/mlsorensen/godesk/pkg/desks/desky/comms"
)

// This line is the compile-time check. It will fail to compile if
// *Session ever stops satisfying the godesk.Desk interface.
var _ godesk.Desk = (*Session)(nil)

// errTornDown is returned for writes whose session was torn down while they were in flight.
var errTornDown = fmt.Errorf("%w: session torn down", godesk.ErrNotReady)

// Option customizes a Session.
type Option func(*Session)

// WithDisplayName overrides the name returned by DisplayName.
func WithDisplayName(name string) Option {
	return func(s *Session) { s.displayName = name }
}

// Session drives one desk over one Link: connection lifecycle, handshake,
// command writes, status polling and reconnection.
type Session struct {
	name        string
	address     string
	displayName string
	cfg         godesk.Config
	link        godesk.Link
	state       *State
	decoder     comms.Decoder
	log         *log.Entry

	snapshots *godesk.Feed[godesk.Snapshot]
	phases    *godesk.Feed[godesk.PhaseChange]

	// writeMu keeps a single write in flight.
	writeMu sync.Mutex
	// connectMu keeps a single connection attempt running.
	connectMu sync.Mutex

	mu         sync.Mutex
	active     bool
	generation uint64
	ctx        context.Context
	cancel     context.CancelFunc

	// reconnectCh carries whether the next attempt waits an interval first.
	reconnectCh chan bool
	stopCh      chan StopReason

	polls     atomic.Int64
	anomalies atomic.Uint64
}

// NewSession creates a session for the desk reachable through link. The link
// is owned by the session from now on.
func NewSession(device *godesk.FoundDevice, link godesk.Link, cfg godesk.Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", godesk.ErrInvalidArgument, err)
	}

	s := &Session{
		name:        device.Name,
		address:     device.ID,
		displayName: "Desky standing desk",
		cfg:         cfg,
		link:        link,
		state:       NewState(cfg),
		decoder:     comms.Decoder{CollisionFeature: cfg.CollisionFeature},
		snapshots:   godesk.NewFeed[godesk.Snapshot](4),
		phases:      godesk.NewFeed[godesk.PhaseChange](8),
		ctx:         context.Background(),
		reconnectCh: make(chan bool, 1),
		stopCh:      make(chan StopReason, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.state.Observe(s.snapshots.Publish, s.phases.Publish)
	s.log = log.WithFields(log.Fields{
		"desk":    s.name,
		"session": uuid.NewString(),
	})

	link.OnDisconnect(s.handleLinkLoss)
	return s, nil
}

func (s *Session) DeviceName() string {
	return s.name
}

func (s *Session) DisplayName() string {
	return s.displayName
}

func (s *Session) Snapshot() godesk.Snapshot {
	return s.state.Snapshot()
}

func (s *Session) Subscribe() (<-chan godesk.Snapshot, func()) {
	return s.snapshots.Subscribe()
}

func (s *Session) SubscribePhases() (<-chan godesk.PhaseChange, func()) {
	return s.phases.Subscribe()
}

// DecodeAnomalies returns how many notifications were received but not applied.
func (s *Session) DecodeAnomalies() uint64 {
	return s.anomalies.Load()
}

// Connect drives the session to Ready. On failure the session stays
// Disconnected and keeps retrying in the background until Disconnect.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if !s.active {
		s.active = true
		s.ctx, s.cancel = context.WithCancel(context.Background())
		go s.reconnectLoop(s.ctx)
		go s.stopWorker(s.ctx)
		go s.pollLoop(s.ctx)
	}
	gen := s.generation
	s.mu.Unlock()

	err := s.connectOnce(ctx, gen)
	if err != nil {
		// this attempt just failed, so the retry waits an interval
		s.scheduleReconnect(true)
	}
	return err
}

// Disconnect tears the session down. Polling and reconnection stop, and the
// snapshot starts over empty.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	s.active = false
	s.generation++
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	// anything still queued belonged to the old connection
	select {
	case <-s.stopCh:
	default:
	}
	select {
	case <-s.reconnectCh:
	default:
	}

	err := s.link.Close()

	s.state.Reset()
	s.log.Println("session torn down")
	return err
}

// stale reports whether the session was torn down since gen was read.
func (s *Session) stale(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation != gen
}

func (s *Session) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) currentGeneration() (uint64, context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation, s.ctx
}

func (s *Session) connectOnce(ctx context.Context, gen uint64) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	if !s.isActive() || s.stale(gen) {
		return errTornDown
	}
	if s.state.Phase() == godesk.PhaseReady {
		return nil
	}

	logger := s.log.WithField("attempt", uuid.NewString())

	if err := s.transition(godesk.PhaseConnecting, "connect"); err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	logger.Printf("connecting to %s", s.address)
	if err := s.link.Open(cctx); err != nil {
		s.abandon("open failed")
		logger.Warnf("could not open link: %v", err)
		return fmt.Errorf("%w: %v", godesk.ErrConnectionFailed, err)
	}

	logger.Println("setting up notifications")
	if err := s.link.Subscribe(s.OnNotification); err != nil {
		s.abandon("subscribe failed")
		return fmt.Errorf("%w: %v", godesk.ErrConnectionFailed, err)
	}
	if err := s.transition(godesk.PhaseHandshaking, "link open"); err != nil {
		// the link dropped while we were subscribing
		s.abandon("link lost while connecting")
		return fmt.Errorf("%w: %v", godesk.ErrConnectionFailed, err)
	}

	logger.Println("initiating handshake")
	if err := s.writeFrame(cctx, gen, comms.HandshakeCommand); err != nil {
		s.abandon("handshake failed")
		return fmt.Errorf("%w: %v", godesk.ErrHandshakeFailed, err)
	}
	if err := s.transition(godesk.PhaseReady, "handshake complete"); err != nil {
		s.abandon("link lost during handshake")
		return fmt.Errorf("%w: %v", godesk.ErrHandshakeFailed, err)
	}

	logger.Println("desk ready")
	go s.afterReady(gen)
	return nil
}

// afterReady fetches the initial state. Failures only get logged; the poll
// loop catches up later.
func (s *Session) afterReady(gen uint64) {
	_, ctx := s.currentGeneration()

	if err := s.Send(ctx, comms.GetStatus{}); err != nil {
		s.log.Warnf("initial status query failed: %v", err)
		return
	}
	if s.cfg.ReconcileEvery > 0 {
		if err := s.Reconcile(ctx); err != nil {
			s.log.Warnf("initial reconcile failed: %v", err)
			return
		}
	}

	reader, ok := s.link.(godesk.InfoReader)
	if !ok {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	info, err := reader.ReadDeviceInfo(rctx)
	if err != nil {
		s.log.Warnf("could not read device information: %v", err)
		return
	}
	if s.stale(gen) {
		return
	}
	s.state.Update(func(next *godesk.Snapshot) {
		next.Info = info
	})
	s.log.WithFields(log.Fields{
		"manufacturer": info.Manufacturer,
		"model":        info.Model,
		"firmware":     info.FirmwareRevision,
	}).Info("read device information")
}

func (s *Session) transition(to godesk.Phase, reason string) error {
	change, err := s.state.Transition(to, reason)
	if err != nil {
		return err
	}
	s.log.Debugf("phase %s -> %s (%s)", change.From, change.To, reason)
	return nil
}

// abandon closes the link after a failed connection attempt.
func (s *Session) abandon(reason string) {
	_ = s.link.Close()
	s.markLost(reason)
}

func (s *Session) markLost(reason string) {
	if _, ok := s.state.LinkLost(reason); !ok {
		return
	}
	s.log.Warnf("desk unavailable: %s", reason)
}

// fail drops a working link and schedules a reconnect.
func (s *Session) fail(reason string) {
	_ = s.link.Close()
	s.markLost(reason)
	s.triggerReconnect()
}

// handleLinkLoss is registered with the link and runs on the transport's path.
func (s *Session) handleLinkLoss() {
	s.markLost("link lost")
	s.triggerReconnect()
}

// triggerReconnect signals that a working link was lost and reconnection
// should start right away.
func (s *Session) triggerReconnect() {
	s.scheduleReconnect(false)
}

func (s *Session) scheduleReconnect(wait bool) {
	if !s.isActive() {
		return
	}
	select {
	case s.reconnectCh <- wait:
	default:
		// Already pending
	}
}

func (s *Session) reconnectLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case wait := <-s.reconnectCh:
			s.attemptReconnect(ctx, wait)
		}
	}
}

// attemptReconnect tries until the desk is Ready or the session is torn down,
// waiting one interval between failed attempts.
func (s *Session) attemptReconnect(ctx context.Context, wait bool) {
	for attempt := 1; ; attempt++ {
		if s.state.Phase() == godesk.PhaseReady {
			return
		}

		if wait {
			s.log.Infof("reconnecting in %s (attempt %d)", s.cfg.ReconnectInterval, attempt)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.ReconnectInterval):
			}
		} else {
			s.log.Infof("reconnecting (attempt %d)", attempt)
		}
		wait = true

		gen, _ := s.currentGeneration()
		err := s.connectOnce(ctx, gen)
		if err == nil {
			return
		}
		if errors.Is(err, errTornDown) {
			return
		}
		s.log.Warnf("reconnect attempt %d failed: %v", attempt, err)
	}
}

func (s *Session) stopWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-s.stopCh:
			if err := s.Send(ctx, comms.Stop{}); err != nil {
				s.log.Warnf("stop after %s failed: %v", reason, err)
				continue
			}
			s.log.Infof("stopped desk (%s)", reason)
		}
	}
}

func (s *Session) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.pollDue() {
				continue
			}
			if err := s.PollStatus(ctx); err != nil {
				s.log.Warnf("status poll failed: %v", err)
			}
		}
	}
}

// pollDue skips polls while the desk is pushing heights on its own. A status
// response between two movement updates would repeat the last height and read
// as the desk having stopped.
func (s *Session) pollDue() bool {
	snap := s.state.Snapshot()
	if snap.Phase != godesk.PhaseReady {
		return false
	}
	return !snap.Moving() || time.Since(snap.UpdatedAt) >= s.cfg.PollInterval
}

// PollStatus asks for the current height. Every ReconcileEvery polls it also
// queries the limits and every known feature.
func (s *Session) PollStatus(ctx context.Context) error {
	if phase := s.state.Phase(); phase != godesk.PhaseReady {
		return fmt.Errorf("%w: poll while %s", godesk.ErrNotReady, phase)
	}
	if err := s.Send(ctx, comms.GetStatus{}); err != nil {
		return err
	}
	n := s.polls.Add(1)
	if s.cfg.ReconcileEvery > 0 && n%int64(s.cfg.ReconcileEvery) == 0 {
		return s.Reconcile(ctx)
	}
	return nil
}

// Reconcile queries the limits and every known feature. Their answers arrive as notifications.
func (s *Session) Reconcile(ctx context.Context) error {
	if err := s.Send(ctx, comms.QueryLimits{}); err != nil {
		return err
	}
	for _, f := range comms.KnownFeatures {
		if err := s.Send(ctx, comms.QueryFeature{Feature: f}); err != nil {
			return err
		}
	}
	return nil
}

// OnNotification is fed every notification the link delivers. It only
// touches local state and never blocks on the transport.
func (s *Session) OnNotification(data []byte) {
	eff := s.state.Apply(s.decoder.Decode(data))

	if eff.Anomaly != nil {
		s.anomalies.Add(1)
		s.log.Debugf("ignoring notification: %v", eff.Anomaly)
	}
	if eff.Stop != StopNone {
		if eff.Stop == StopCollision {
			s.log.Warn("collision detected, stopping desk")
		}
		select {
		case s.stopCh <- eff.Stop:
		default:
			// a stop is already queued
		}
	}
}

// Send encodes and writes one command. Commands other than Stop need Ready;
// Stop only needs a link. A failed write drops the link and is not retried.
func (s *Session) Send(ctx context.Context, cmd comms.Command) error {
	frame, err := comms.Encode(cmd)
	if err != nil {
		return err
	}

	snap := s.state.Snapshot()
	if err := s.validate(cmd, snap); err != nil {
		return err
	}
	if err := checkPhase(cmd, snap.Phase); err != nil {
		return err
	}

	gen, _ := s.currentGeneration()
	undo := s.intend(cmd)

	if err := s.writeFrame(ctx, gen, frame); err != nil {
		if errors.Is(err, errTornDown) {
			return err
		}
		undo()
		s.fail(fmt.Sprintf("write failed: %v", err))
		return fmt.Errorf("%w: %v: %v", godesk.ErrWriteFailed, cmd, err)
	}

	s.log.Debugf("sent %v: % X", cmd, frame)
	s.confirm(cmd)
	return nil
}

func (s *Session) writeFrame(ctx context.Context, gen uint64, frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.stale(gen) {
		return errTornDown
	}

	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	err := s.link.Write(wctx, frame)

	// a teardown while writing discards the result
	if s.stale(gen) {
		return errTornDown
	}
	return err
}

func checkPhase(cmd comms.Command, phase godesk.Phase) error {
	if _, ok := cmd.(comms.Stop); ok {
		if phase == godesk.PhaseDisconnected {
			return fmt.Errorf("%w: stop while disconnected", godesk.ErrNotReady)
		}
		return nil
	}
	if phase != godesk.PhaseReady {
		return fmt.Errorf("%w: %v while %s", godesk.ErrNotReady, cmd, phase)
	}
	return nil
}

// validate applies the checks that need configuration or known state.
func (s *Session) validate(cmd comms.Command, snap godesk.Snapshot) error {
	switch c := cmd.(type) {
	case comms.MoveToHeight:
		if !s.cfg.InRange(c.Height) {
			return fmt.Errorf("%w: height %.1f cm outside %.1f-%.1f", godesk.ErrInvalidArgument, c.Height, s.cfg.MinHeight, s.cfg.MaxHeight)
		}
	case comms.SetLimit:
		if !s.cfg.InRange(c.Height) {
			return fmt.Errorf("%w: %s limit %.1f cm outside %.1f-%.1f", godesk.ErrInvalidArgument, c.Kind, c.Height, s.cfg.MinHeight, s.cfg.MaxHeight)
		}
		if s.cfg.LimitPolicy != godesk.LimitPolicyStrict {
			return nil
		}
		if c.Kind == godesk.LimitUpper && snap.LowerLimit != nil && c.Height < *snap.LowerLimit {
			return fmt.Errorf("%w: upper limit %.1f cm below lower limit %.1f cm", godesk.ErrInvalidArgument, c.Height, *snap.LowerLimit)
		}
		if c.Kind == godesk.LimitLower && snap.UpperLimit != nil && c.Height > *snap.UpperLimit {
			return fmt.Errorf("%w: lower limit %.1f cm above upper limit %.1f cm", godesk.ErrInvalidArgument, c.Height, *snap.UpperLimit)
		}
	}
	return nil
}

// intend records what a movement command is expected to do, before it is
// written. The returned func restores the previous movement state.
func (s *Session) intend(cmd comms.Command) func() {
	var apply func(next *godesk.Snapshot)

	switch c := cmd.(type) {
	case comms.MoveToHeight:
		apply = func(next *godesk.Snapshot) { next.Target = godesk.Float(c.Height) }
	case comms.MoveToPreset:
		apply = func(next *godesk.Snapshot) {
			next.Target = nil
			if h, ok := s.cfg.Presets[c.Slot]; ok {
				next.Target = godesk.Float(h)
			}
		}
	case comms.MoveUp:
		apply = func(next *godesk.Snapshot) {
			next.Target = nil
			next.Direction = godesk.DirectionOpening
		}
	case comms.MoveDown:
		apply = func(next *godesk.Snapshot) {
			next.Target = nil
			next.Direction = godesk.DirectionClosing
		}
	case comms.Stop:
		apply = func(next *godesk.Snapshot) {
			next.Target = nil
			next.Direction = godesk.DirectionIdle
		}
	default:
		return func() {}
	}

	var (
		prevTarget    *float64
		prevDirection godesk.Direction
	)
	s.state.Update(func(next *godesk.Snapshot) {
		prevTarget, prevDirection = next.Target, next.Direction
		apply(next)
	})

	return func() {
		s.state.Update(func(next *godesk.Snapshot) {
			next.Target = prevTarget
			next.Direction = prevDirection
		})
	}
}

// confirm records settings the desk accepted. Later query responses overwrite them.
func (s *Session) confirm(cmd comms.Command) {
	var apply func(next *godesk.Snapshot)

	switch c := cmd.(type) {
	case comms.SetLimit:
		apply = func(next *godesk.Snapshot) {
			if c.Kind == godesk.LimitUpper {
				next.UpperLimit = godesk.Float(c.Height)
			} else {
				next.LowerLimit = godesk.Float(c.Height)
			}
		}
	case comms.ClearLimits:
		apply = func(next *godesk.Snapshot) {
			next.UpperLimit = nil
			next.LowerLimit = nil
		}
	case comms.SetFeature:
		apply = func(next *godesk.Snapshot) { next.Features[c.Feature] = c.Value }
	default:
		return
	}
	s.state.Update(apply)
}

func (s *Session) MoveUp(ctx context.Context) error {
	return s.Send(ctx, comms.MoveUp{})
}

func (s *Session) MoveDown(ctx context.Context) error {
	return s.Send(ctx, comms.MoveDown{})
}

func (s *Session) Stop(ctx context.Context) error {
	return s.Send(ctx, comms.Stop{})
}

func (s *Session) MoveToPreset(ctx context.Context, slot int) error {
	return s.Send(ctx, comms.MoveToPreset{Slot: slot})
}

func (s *Session) MoveToHeight(ctx context.Context, heightCM float64) error {
	return s.Send(ctx, comms.MoveToHeight{Height: heightCM})
}

func (s *Session) MoveToPosition(ctx context.Context, position int) error {
	h, err := s.cfg.HeightForPosition(position)
	if err != nil {
		return err
	}
	return s.MoveToHeight(ctx, h)
}

func (s *Session) SetLimit(ctx context.Context, kind godesk.LimitKind, heightCM float64) error {
	return s.Send(ctx, comms.SetLimit{Kind: kind, Height: heightCM})
}

func (s *Session) ClearLimits(ctx context.Context) error {
	return s.Send(ctx, comms.ClearLimits{})
}

func (s *Session) SetFeature(ctx context.Context, feature godesk.FeatureID, value uint8) error {
	return s.Send(ctx, comms.SetFeature{Feature: feature, Value: value})
}

func (s *Session) QueryFeature(ctx context.Context, feature godesk.FeatureID) error {
	return s.Send(ctx, comms.QueryFeature{Feature: feature})
}
