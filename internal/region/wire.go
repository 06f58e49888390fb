package region

import (
	"gridsim.dev/internal/geom"
	"gridsim.dev/internal/protocol"
)

func boundsToWire(b geom.AABB) protocol.BoundsRef {
	return protocol.BoundsRef{
		Mins: [3]float64{b.Mins.X, b.Mins.Y, b.Mins.Z},
		Maxs: [3]float64{b.Maxs.X, b.Maxs.Y, b.Maxs.Z},
	}
}

func boundsFromWire(b protocol.BoundsRef) geom.AABB {
	return geom.AABB{
		Mins: geom.Vec3{X: b.Mins[0], Y: b.Mins[1], Z: b.Mins[2]},
		Maxs: geom.Vec3{X: b.Maxs[0], Y: b.Maxs[1], Z: b.Maxs[2]},
	}
}

func (m Map) ToWire() protocol.RegionMapMsg {
	msg := protocol.RegionMapMsg{
		Kind:            protocol.KindRegionMap,
		ProtocolVersion: protocol.Version,
		Version:         m.version,
		CellSize:        m.cellSize,
		Domain:          boundsToWire(m.domain),
	}
	for _, r := range m.Regions() {
		msg.Regions = append(msg.Regions, protocol.RegionRef{
			ID:     string(r.ID),
			Bounds: boundsToWire(r.Bounds),
			Owner:  r.Owner,
		})
	}
	return msg
}

func FromWire(msg protocol.RegionMapMsg) Map {
	regions := make([]Region, 0, len(msg.Regions))
	for _, r := range msg.Regions {
		regions = append(regions, Region{
			ID:     ID(r.ID),
			Bounds: boundsFromWire(r.Bounds),
			Owner:  r.Owner,
		})
	}
	return NewMap(msg.Version, msg.CellSize, boundsFromWire(msg.Domain), regions)
}
