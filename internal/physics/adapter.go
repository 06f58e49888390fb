// Package physics defines the engine adapter boundary. The coordination
// layer treats the engine as opaque: it hands over the owned object set
// and a time delta, and gets back updated transforms plus movement events
// it resolves against the cached region map.
package physics

import (
	"gridsim.dev/internal/geom"
	"gridsim.dev/internal/protocol"
)

type Object struct {
	ID       string
	Pos      geom.Vec3
	Rot      [4]float64
	LinVel   geom.Vec3
	AngVel   geom.Vec3
	Sleeping bool
}

// Crossing reports an object that moved during a step. The runner decides
// whether the movement crossed a region boundary; the engine has no
// notion of regions.
type Crossing struct {
	ObjectID string
	From     geom.Vec3
	To       geom.Vec3
}

type Adapter interface {
	Step(objects []Object, dt float64) ([]Object, []Crossing, error)
}

func (o Object) State() protocol.ObjectState {
	return protocol.ObjectState{
		ObjectID: o.ID,
		Position: [3]float64{o.Pos.X, o.Pos.Y, o.Pos.Z},
		Rotation: o.Rot,
		LinVel:   [3]float64{o.LinVel.X, o.LinVel.Y, o.LinVel.Z},
		AngVel:   [3]float64{o.AngVel.X, o.AngVel.Y, o.AngVel.Z},
		Sleeping: o.Sleeping,
	}
}

func FromState(s protocol.ObjectState) Object {
	rot := s.Rotation
	if rot == ([4]float64{}) {
		rot = [4]float64{0, 0, 0, 1}
	}
	return Object{
		ID:       s.ObjectID,
		Pos:      geom.Vec3{X: s.Position[0], Y: s.Position[1], Z: s.Position[2]},
		Rot:      rot,
		LinVel:   geom.Vec3{X: s.LinVel[0], Y: s.LinVel[1], Z: s.LinVel[2]},
		AngVel:   geom.Vec3{X: s.AngVel[0], Y: s.AngVel[1], Z: s.AngVel[2]},
		Sleeping: s.Sleeping,
	}
}
