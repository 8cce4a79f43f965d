package desky

import (
	"math"

	"github.com/mlsorensen/godesk"
)

// ArrivalTolerance is how close to the target a height must be to count as arrived.
const ArrivalTolerance = 0.1

// Observation is one height update together with what was known before it.
type Observation struct {
	Previous    float64
	HasPrevious bool
	Height      float64
	Target      *float64
	Direction   godesk.Direction
}

// Decision is what the tracker concluded from an Observation.
type Decision struct {
	Direction godesk.Direction
	// Stop means a Stop command must be sent.
	Stop bool
	// ClearTarget means the pending target has been reached or abandoned.
	ClearTarget bool
}

// Track infers the movement direction and decides whether a pending target
// has been reached. It keeps no state of its own.
func Track(o Observation) Decision {
	d := Decision{Direction: o.Direction}

	stalled := false
	if o.HasPrevious {
		switch {
		case o.Height > o.Previous:
			d.Direction = godesk.DirectionOpening
		case o.Height < o.Previous:
			d.Direction = godesk.DirectionClosing
		case o.Direction != godesk.DirectionIdle:
			// same height twice while moving: the desk stopped on its own
			stalled = true
			d.Direction = godesk.DirectionIdle
		}
	}

	if o.Target == nil {
		return d
	}

	// small epsilon so 73.9 vs 74.0 counts as within a tenth
	if math.Abs(o.Height-*o.Target) <= ArrivalTolerance+1e-9 || stalled {
		d.Stop = true
		d.ClearTarget = true
		d.Direction = godesk.DirectionIdle
	}
	return d
}
