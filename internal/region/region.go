package region

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"gridsim.dev/internal/geom"
)

// ID names a grid cell by its integer coordinates, "x_y_z".
type ID string

type Cell struct {
	X, Y, Z int64
}

func (c Cell) ID() ID {
	return ID(fmt.Sprintf("%d_%d_%d", c.X, c.Y, c.Z))
}

func ParseID(id ID) (Cell, bool) {
	parts := strings.Split(string(id), "_")
	if len(parts) != 3 {
		return Cell{}, false
	}
	var out [3]int64
	for i, p := range parts {
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return Cell{}, false
		}
		out[i] = v
	}
	return Cell{X: out[0], Y: out[1], Z: out[2]}, true
}

type Region struct {
	ID     ID
	Bounds geom.AABB
	Owner  string // RunnerID; empty when unassigned
}

// Map is an immutable, versioned snapshot of the domain decomposition.
// The manager is the sole writer; mutation produces a new snapshot with a
// bumped version. Runners compare versions to detect staleness.
type Map struct {
	version  uint64
	cellSize float64
	domain   geom.AABB
	regions  map[ID]Region
}

func NewMap(version uint64, cellSize float64, domain geom.AABB, regions []Region) Map {
	byID := make(map[ID]Region, len(regions))
	for _, r := range regions {
		byID[r.ID] = r
	}
	return Map{version: version, cellSize: cellSize, domain: domain, regions: byID}
}

// Build enumerates the grid cells covering the domain. All regions start
// unassigned.
func Build(version uint64, cellSize float64, domain geom.AABB) Map {
	if cellSize <= 0 {
		cellSize = DefaultCellSize
	}
	lo := cellOf(domain.Mins, cellSize)
	// The max corner is exclusive; nudge inward so an exactly-aligned
	// domain does not produce an extra empty layer of cells.
	hi := cellOf(geom.Vec3{
		X: math.Nextafter(domain.Maxs.X, math.Inf(-1)),
		Y: math.Nextafter(domain.Maxs.Y, math.Inf(-1)),
		Z: math.Nextafter(domain.Maxs.Z, math.Inf(-1)),
	}, cellSize)

	var regions []Region
	for x := lo.X; x <= hi.X; x++ {
		for y := lo.Y; y <= hi.Y; y++ {
			for z := lo.Z; z <= hi.Z; z++ {
				c := Cell{X: x, Y: y, Z: z}
				regions = append(regions, Region{ID: c.ID(), Bounds: cellBounds(c, cellSize)})
			}
		}
	}
	return NewMap(version, cellSize, domain, regions)
}

const DefaultCellSize = 100

// CellSizeFor picks a grid step so the domain decomposes into roughly
// targetRegions cells.
func CellSizeFor(domain geom.AABB, targetRegions int) float64 {
	if targetRegions <= 0 {
		return DefaultCellSize
	}
	ext := domain.Maxs.Sub(domain.Mins)
	vol := ext.X * ext.Y * ext.Z
	if vol <= 0 {
		return DefaultCellSize
	}
	return math.Cbrt(vol / float64(targetRegions))
}

func cellOf(p geom.Vec3, cellSize float64) Cell {
	return Cell{
		X: int64(math.Floor(p.X / cellSize)),
		Y: int64(math.Floor(p.Y / cellSize)),
		Z: int64(math.Floor(p.Z / cellSize)),
	}
}

func cellBounds(c Cell, cellSize float64) geom.AABB {
	mins := geom.Vec3{
		X: float64(c.X) * cellSize,
		Y: float64(c.Y) * cellSize,
		Z: float64(c.Z) * cellSize,
	}
	return geom.AABB{Mins: mins, Maxs: mins.Add(geom.Vec3{X: cellSize, Y: cellSize, Z: cellSize})}
}

func (m Map) Version() uint64   { return m.version }
func (m Map) CellSize() float64 { return m.cellSize }
func (m Map) Domain() geom.AABB { return m.domain }
func (m Map) Len() int          { return len(m.regions) }

// RegionFor maps a position to exactly one region. Positions outside the
// domain clamp to the nearest covering cell, so the lookup is total: an
// object drifting past the domain edge still has a well-defined owner.
func (m Map) RegionFor(p geom.Vec3) ID {
	q := m.clamp(p)
	return cellOf(q, m.cellSize).ID()
}

func (m Map) clamp(p geom.Vec3) geom.Vec3 {
	clampAxis := func(v, lo, hi float64) float64 {
		if v < lo {
			return lo
		}
		if v >= hi {
			return math.Nextafter(hi, math.Inf(-1))
		}
		return v
	}
	return geom.Vec3{
		X: clampAxis(p.X, m.domain.Mins.X, m.domain.Maxs.X),
		Y: clampAxis(p.Y, m.domain.Mins.Y, m.domain.Maxs.Y),
		Z: clampAxis(p.Z, m.domain.Mins.Z, m.domain.Maxs.Z),
	}
}

func (m Map) Lookup(id ID) (Region, bool) {
	r, ok := m.regions[id]
	return r, ok
}

func (m Map) Owner(id ID) string {
	return m.regions[id].Owner
}

// NeighborsOf returns the adjacent cells present in the map (up to 26).
func (m Map) NeighborsOf(id ID) []ID {
	c, ok := ParseID(id)
	if !ok {
		return nil
	}
	var out []ID
	for i := int64(-1); i <= 1; i++ {
		for j := int64(-1); j <= 1; j++ {
			for k := int64(-1); k <= 1; k++ {
				if i == 0 && j == 0 && k == 0 {
					continue
				}
				n := Cell{X: c.X + i, Y: c.Y + j, Z: c.Z + k}.ID()
				if _, ok := m.regions[n]; ok {
					out = append(out, n)
				}
			}
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// Regions returns the regions in stable (ID) order.
func (m Map) Regions() []Region {
	out := make([]Region, 0, len(m.regions))
	for _, r := range m.regions {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OwnedBy returns the IDs of regions owned by the given runner, in stable
// order.
func (m Map) OwnedBy(runnerID string) []ID {
	var out []ID
	for id, r := range m.regions {
		if r.Owner == runnerID {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// WithOwners produces the next snapshot with the given ownership applied.
// Regions absent from the assignment keep their current owner.
func (m Map) WithOwners(assign map[ID]string) Map {
	next := make(map[ID]Region, len(m.regions))
	for id, r := range m.regions {
		if owner, ok := assign[id]; ok {
			r.Owner = owner
		}
		next[id] = r
	}
	return Map{version: m.version + 1, cellSize: m.cellSize, domain: m.domain, regions: next}
}

// Repartition rebuilds the decomposition at a new grid step. Each new
// region inherits the owner of the old region covering its center, so
// every position keeps resolving to exactly one (owned where possible)
// region across the change.
func (m Map) Repartition(cellSize float64) Map {
	next := Build(m.version+1, cellSize, m.domain)
	assign := make(map[ID]string, len(next.regions))
	for id, r := range next.regions {
		assign[id] = m.regions[m.RegionFor(r.Bounds.Center())].Owner
	}
	return next.withSameVersionOwners(assign)
}

func (m Map) withSameVersionOwners(assign map[ID]string) Map {
	for id, owner := range assign {
		r := m.regions[id]
		r.Owner = owner
		m.regions[id] = r
	}
	return m
}
