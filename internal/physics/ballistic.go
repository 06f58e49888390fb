package physics

import "gridsim.dev/internal/geom"

// Ballistic is the built-in engine used by tests and the sandbox runner:
// semi-implicit Euler under constant gravity, no collision response
// except an absorbing floor. Real deployments plug in a full engine
// behind the same Adapter interface.
type Ballistic struct {
	Gravity geom.Vec3
	FloorY  float64
	// Restitution applied when an object hits the floor; 0 parks it.
	Restitution float64
}

func NewBallistic() *Ballistic {
	return &Ballistic{Gravity: geom.Vec3{Y: -9.81}, FloorY: -1e9}
}

func (e *Ballistic) Step(objects []Object, dt float64) ([]Object, []Crossing, error) {
	updated := make([]Object, len(objects))
	var crossings []Crossing
	for i, o := range objects {
		if o.Sleeping {
			updated[i] = o
			continue
		}
		from := o.Pos
		o.LinVel = o.LinVel.Add(e.Gravity.Scale(dt))
		o.Pos = o.Pos.Add(o.LinVel.Scale(dt))
		if o.Pos.Y < e.FloorY {
			o.Pos.Y = e.FloorY
			if e.Restitution > 0 {
				o.LinVel.Y = -o.LinVel.Y * e.Restitution
			} else {
				o.LinVel = geom.Vec3{}
				o.Sleeping = true
			}
		}
		updated[i] = o
		if o.Pos != from {
			crossings = append(crossings, Crossing{ObjectID: o.ID, From: from, To: o.Pos})
		}
	}
	return updated, crossings, nil
}
