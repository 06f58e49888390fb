package manager

import (
	"sort"
	"time"

	"gridsim.dev/internal/protocol"
)

// barrier tracks which runners still owe an ack for the current tick.
type barrier struct {
	tick    uint64
	pending map[string]struct{}
	done    chan struct{}
}

func newBarrier(tick uint64, runners []string) *barrier {
	b := &barrier{tick: tick, pending: map[string]struct{}{}, done: make(chan struct{})}
	for _, id := range runners {
		b.pending[id] = struct{}{}
	}
	if len(b.pending) == 0 {
		close(b.done)
	}
	return b
}

func (b *barrier) ack(id string, tick uint64) {
	if b == nil || tick != b.tick {
		return
	}
	if _, ok := b.pending[id]; !ok {
		return
	}
	delete(b.pending, id)
	if len(b.pending) == 0 {
		close(b.done)
	}
}

func (b *barrier) outstanding() []string {
	out := make([]string, 0, len(b.pending))
	for id := range b.pending {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// AckTick records a runner's completion of the given tick.
func (m *Manager) AckTick(id string, tick uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runners[id]; ok {
		if tick > r.LastAckTick {
			r.LastAckTick = tick
		}
	}
	if m.barrier != nil {
		m.barrier.ack(id, tick)
	}
}

// AdvanceTick publishes the next tick signal and blocks until every live
// runner acknowledges it or the barrier timeout elapses. Stragglers are
// marked Degraded; enough consecutive misses escalate to Unreachable.
// Liveness wins over strict lock-step: the tick always advances.
func (m *Manager) AdvanceTick(publish func(protocol.TickAdvanceMsg) error) (uint64, []string, error) {
	m.mu.Lock()
	m.tick++
	tick := m.tick
	live := m.liveIDsLocked()
	b := newBarrier(tick, live)
	m.barrier = b
	m.mu.Unlock()

	msg := protocol.TickAdvanceMsg{
		Kind:            protocol.KindTickAdvance,
		ProtocolVersion: protocol.Version,
		Tick:            tick,
		Dt:              m.cfg.Dt,
	}
	if publish != nil {
		if err := publish(msg); err != nil {
			return tick, nil, err
		}
	}

	timer := time.NewTimer(m.cfg.TickTimeout)
	defer timer.Stop()
	select {
	case <-b.done:
	case <-timer.C:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	stragglers := b.outstanding()
	m.barrier = nil
	for _, id := range live {
		r, ok := m.runners[id]
		if !ok {
			continue
		}
		missed := false
		for _, s := range stragglers {
			if s == id {
				missed = true
				break
			}
		}
		if !missed {
			r.MissedBarriers = 0
			if r.Status == StatusDegraded {
				r.Status = StatusLive
			}
			continue
		}
		r.MissedBarriers++
		if r.MissedBarriers >= m.cfg.MissedBarrierLimit {
			if r.Status != StatusUnreachable {
				r.Status = StatusUnreachable
				m.stripOwnerLocked(id)
				m.membershipRev++
				m.log.Printf("runner %s unreachable (%d missed barriers)", id, r.MissedBarriers)
			}
		} else {
			r.Status = StatusDegraded
		}
	}
	return tick, stragglers, nil
}
