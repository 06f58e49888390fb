package manager

import (
	"sort"

	"gridsim.dev/internal/region"
)

// Rebalance recomputes region ownership: live owners keep their regions
// (minimal movement), orphaned regions go to the least-loaded live runner,
// then counts are evened out until they differ by at most one. The walk
// order is deterministic, so a second call with no membership change is a
// no-op. Returns the resulting map and whether ownership changed.
func (m *Manager) Rebalance() (region.Map, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.liveIDsLocked()
	if len(live) == 0 {
		m.balancedRev = m.membershipRev
		return m.regions, false
	}
	isLive := map[string]bool{}
	for _, id := range live {
		isLive[id] = true
	}

	owned := map[string][]region.ID{}
	for _, id := range live {
		owned[id] = nil
	}
	var orphans []region.ID
	for _, r := range m.regions.Regions() {
		if r.Owner != "" && isLive[r.Owner] {
			owned[r.Owner] = append(owned[r.Owner], r.ID)
		} else {
			orphans = append(orphans, r.ID)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i] < orphans[j] })

	leastLoaded := func() string {
		best := ""
		for _, id := range live {
			if best == "" || len(owned[id]) < len(owned[best]) {
				best = id
			}
		}
		return best
	}
	mostLoaded := func() string {
		best := ""
		for _, id := range live {
			if best == "" || len(owned[id]) > len(owned[best]) {
				best = id
			}
		}
		return best
	}

	for _, rid := range orphans {
		id := leastLoaded()
		owned[id] = append(owned[id], rid)
	}

	// Even out: move the highest region ID from the heaviest runner to the
	// lightest until loads differ by at most one.
	for {
		lo, hi := leastLoaded(), mostLoaded()
		if len(owned[hi])-len(owned[lo]) <= 1 {
			break
		}
		regs := owned[hi]
		sort.Slice(regs, func(i, j int) bool { return regs[i] < regs[j] })
		moved := regs[len(regs)-1]
		owned[hi] = regs[:len(regs)-1]
		owned[lo] = append(owned[lo], moved)
	}

	assign := map[region.ID]string{}
	changed := false
	for id, regs := range owned {
		for _, rid := range regs {
			assign[rid] = id
			if m.regions.Owner(rid) != id {
				changed = true
			}
		}
	}
	if changed {
		m.regions = m.regions.WithOwners(assign)
		m.log.Printf("rebalance: map v%d across %d runners (%d regions)", m.regions.Version(), len(live), m.regions.Len())
	}
	m.balancedRev = m.membershipRev
	return m.regions, changed
}

// NeedsRebalance reports whether membership changed since the last
// rebalance.
func (m *Manager) NeedsRebalance() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.membershipRev != m.balancedRev
}

// Repartition swaps the decomposition grid step and reassigns ownership
// by coverage, then rebalances. Objects stranded by the change migrate
// lazily once runners see the new snapshot.
func (m *Manager) Repartition(cellSize float64) region.Map {
	m.mu.Lock()
	m.regions = m.regions.Repartition(cellSize)
	m.mu.Unlock()
	out, _ := m.Rebalance()
	return out
}
