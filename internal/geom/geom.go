package geom

import "math"

type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{v.X * s, v.Y * s, v.Z * s}
}

func (v Vec3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// AABB is an axis-aligned box. Min-inclusive, max-exclusive, so that
// adjacent boxes tile space without overlap.
type AABB struct {
	Mins Vec3 `json:"mins"`
	Maxs Vec3 `json:"maxs"`
}

func (b AABB) Contains(p Vec3) bool {
	return p.X >= b.Mins.X && p.X < b.Maxs.X &&
		p.Y >= b.Mins.Y && p.Y < b.Maxs.Y &&
		p.Z >= b.Mins.Z && p.Z < b.Maxs.Z
}

func (b AABB) Intersects(o AABB) bool {
	return b.Mins.X < o.Maxs.X && o.Mins.X < b.Maxs.X &&
		b.Mins.Y < o.Maxs.Y && o.Mins.Y < b.Maxs.Y &&
		b.Mins.Z < o.Maxs.Z && o.Mins.Z < b.Maxs.Z
}

func (b AABB) Center() Vec3 {
	return Vec3{
		X: (b.Mins.X + b.Maxs.X) / 2,
		Y: (b.Mins.Y + b.Maxs.Y) / 2,
		Z: (b.Mins.Z + b.Maxs.Z) / 2,
	}
}
