package desky

import (
	"fmt"
	"sync"
	"time"

	"github.com/mlsorensen/godesk"
	"github.com/mlsorensen/godesk/pkg/desks/desky/comms"
)

// StopReason tells why applying a notification requires a Stop command.
type StopReason uint8

const (
	StopNone StopReason = iota
	StopCollision
	StopArrived
)

func (r StopReason) String() string {
	switch r {
	case StopNone:
		return "none"
	case StopCollision:
		return "collision"
	case StopArrived:
		return "arrived"
	default:
		return fmt.Sprintf("unknown (%d)", r)
	}
}

// Effect is the outcome of applying one notification.
type Effect struct {
	Changed  bool
	Stop     StopReason
	Anomaly  error
	Snapshot godesk.Snapshot
}

var transitions = map[godesk.Phase][]godesk.Phase{
	godesk.PhaseDisconnected: {godesk.PhaseConnecting},
	godesk.PhaseConnecting:   {godesk.PhaseHandshaking, godesk.PhaseDisconnected},
	godesk.PhaseHandshaking:  {godesk.PhaseReady, godesk.PhaseDisconnected},
	godesk.PhaseReady:        {godesk.PhaseDisconnected},
}

// CanTransition reports whether the connection lifecycle allows from -> to.
func CanTransition(from, to godesk.Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// State owns the snapshot of one session. Every change builds a new snapshot
// and swaps it in under mu, so readers never see a half-applied update.
// Observers are called with mu held, in the order changes were made.
type State struct {
	mu   sync.Mutex
	snap godesk.Snapshot
	cfg  godesk.Config
	now  func() time.Time

	onSnapshot func(godesk.Snapshot)
	onPhase    func(godesk.PhaseChange)
}

func NewState(cfg godesk.Config) *State {
	s := &State{cfg: cfg, now: time.Now}
	s.snap = s.fresh()
	return s
}

// Observe registers the change observers. They must not block or call back into s.
func (s *State) Observe(onSnapshot func(godesk.Snapshot), onPhase func(godesk.PhaseChange)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSnapshot, s.onPhase = onSnapshot, onPhase
}

func (s *State) publish(snap godesk.Snapshot) {
	if s.onSnapshot != nil {
		s.onSnapshot(snap)
	}
}

func (s *State) publishPhase(change godesk.PhaseChange) {
	if s.onPhase != nil {
		s.onPhase(change)
	}
}

func (s *State) fresh() godesk.Snapshot {
	return godesk.Snapshot{
		Features:  make(map[godesk.FeatureID]uint8),
		Phase:     godesk.PhaseDisconnected,
		UpdatedAt: s.now(),
	}
}

// Snapshot returns a copy of the current snapshot.
func (s *State) Snapshot() godesk.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Clone()
}

func (s *State) Phase() godesk.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Phase
}

// Update applies fn to a copy of the snapshot and stores the result.
func (s *State) Update(fn func(next *godesk.Snapshot)) godesk.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swap(fn)
}

// swap must be called with mu held.
func (s *State) swap(fn func(next *godesk.Snapshot)) godesk.Snapshot {
	next := s.snap.Clone()
	fn(&next)
	next.UpdatedAt = s.now()
	s.snap = next
	s.publish(next.Clone())
	return next.Clone()
}

// Transition moves the session to another phase.
func (s *State) Transition(to godesk.Phase, reason string) (godesk.PhaseChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.snap.Phase
	if !CanTransition(from, to) {
		return godesk.PhaseChange{}, fmt.Errorf("%w: %s -> %s", godesk.ErrInvalidTransition, from, to)
	}
	s.swap(func(next *godesk.Snapshot) {
		next.Phase = to
		if to == godesk.PhaseDisconnected {
			next.Direction = godesk.DirectionIdle
			next.Target = nil
		}
	})
	change := godesk.PhaseChange{From: from, To: to, Reason: reason}
	s.publishPhase(change)
	return change, nil
}

// LinkLost keeps the last known values but marks the desk disconnected and
// forgets any movement in progress. ok is false when already disconnected.
func (s *State) LinkLost(reason string) (change godesk.PhaseChange, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.snap.Phase
	if from == godesk.PhaseDisconnected {
		return godesk.PhaseChange{}, false
	}
	s.swap(func(next *godesk.Snapshot) {
		next.Phase = godesk.PhaseDisconnected
		next.Direction = godesk.DirectionIdle
		next.Target = nil
	})
	change = godesk.PhaseChange{From: from, To: godesk.PhaseDisconnected, Reason: reason}
	s.publishPhase(change)
	return change, true
}

// Reset discards everything and starts over with an empty snapshot.
func (s *State) Reset() godesk.PhaseChange {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.snap.Phase
	s.snap = s.fresh()
	change := godesk.PhaseChange{From: from, To: godesk.PhaseDisconnected, Reason: "teardown"}
	if from != godesk.PhaseDisconnected {
		s.publishPhase(change)
	}
	s.publish(s.snap.Clone())
	return change
}

// Apply folds one decoded notification into the snapshot. Notifications
// arriving while disconnected belong to a link that is gone and are dropped.
func (s *State) Apply(n comms.Notification) Effect {
	s.mu.Lock()
	defer s.mu.Unlock()

	var eff Effect
	if s.snap.Phase == godesk.PhaseDisconnected {
		eff.Snapshot = s.snap.Clone()
		return eff
	}

	switch p := n.(type) {
	case comms.HeightUpdate:
		if !s.cfg.InRange(p.Height) {
			eff.Anomaly = fmt.Errorf("%w: height %.1f cm outside %.1f-%.1f", godesk.ErrDecodeAnomaly, p.Height, s.cfg.MinHeight, s.cfg.MaxHeight)
			break
		}
		eff.Snapshot = s.swap(func(next *godesk.Snapshot) {
			obs := Observation{
				Height:    p.Height,
				Target:    next.Target,
				Direction: next.Direction,
			}
			if next.Height != nil {
				obs.Previous, obs.HasPrevious = *next.Height, true
			}
			d := Track(obs)

			next.PreviousHeight = next.Height
			next.Height = godesk.Float(p.Height)
			next.Direction = d.Direction
			if d.ClearTarget {
				next.Target = nil
			}
			if d.Stop {
				eff.Stop = StopArrived
			}
		})
		eff.Changed = true

	case comms.CollisionEvent:
		eff.Snapshot = s.swap(func(next *godesk.Snapshot) {
			next.Collision = p.Active
			if p.Active {
				next.Target = nil
				next.Direction = godesk.DirectionIdle
			}
		})
		if p.Active {
			eff.Stop = StopCollision
		}
		eff.Changed = true

	case comms.LimitValue:
		eff.Snapshot = s.swap(func(next *godesk.Snapshot) {
			switch p.Kind {
			case godesk.LimitUpper:
				next.UpperLimit = godesk.Float(p.Height)
			case godesk.LimitLower:
				next.LowerLimit = godesk.Float(p.Height)
			}
		})
		eff.Changed = true

	case comms.LimitStatus:
		eff.Snapshot = s.swap(func(next *godesk.Snapshot) {
			if !p.UpperSet {
				next.UpperLimit = nil
			}
			if !p.LowerSet {
				next.LowerLimit = nil
			}
		})
		eff.Changed = true

	case comms.FeatureValue:
		eff.Snapshot = s.swap(func(next *godesk.Snapshot) {
			next.Features[p.Feature] = p.Raw
		})
		eff.Changed = true

	case comms.Unrecognized:
		eff.Anomaly = fmt.Errorf("%w: unrecognized notification % X", godesk.ErrDecodeAnomaly, p.Raw)

	default:
		eff.Anomaly = fmt.Errorf("%w: unhandled notification %T", godesk.ErrDecodeAnomaly, n)
	}

	if !eff.Changed {
		eff.Snapshot = s.snap.Clone()
	}
	return eff
}
