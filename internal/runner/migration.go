package runner

import (
	"fmt"

	"github.com/google/uuid"

	"gridsim.dev/internal/physics"
	"gridsim.dev/internal/protocol"
)

// MigrationState is the explicit per-ticket state machine. Happy path:
// Detected -> Sent -> Acknowledged -> Committed. On silence the ticket
// goes Sent -> TimedOut -> Retried (bounded), then Failed, which is
// escalated to the manager as an anomaly.
type MigrationState int

const (
	MigrationDetected MigrationState = iota
	MigrationSent
	MigrationAcknowledged
	MigrationCommitted
	MigrationTimedOut
	MigrationRetried
	MigrationFailed
)

func (s MigrationState) String() string {
	switch s {
	case MigrationDetected:
		return "DETECTED"
	case MigrationSent:
		return "SENT"
	case MigrationAcknowledged:
		return "ACKNOWLEDGED"
	case MigrationCommitted:
		return "COMMITTED"
	case MigrationTimedOut:
		return "TIMED_OUT"
	case MigrationRetried:
		return "RETRIED"
	case MigrationFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("MigrationState(%d)", int(s))
	}
}

type outboundTicket struct {
	msg      protocol.MigrationTicketMsg
	state    MigrationState
	sentTick uint64
	attempts int
}

// migrationTable holds every outbound ticket still in flight. At most one
// ticket exists per object: an object is either in the active set or in
// exactly one outstanding ticket, never both, never neither.
type migrationTable struct {
	retryTicks  int
	maxAttempts int

	byTicket map[string]*outboundTicket
	byObject map[string]string // object ID -> ticket ID
}

func newMigrationTable(retryTicks, maxAttempts int) *migrationTable {
	if retryTicks <= 0 {
		retryTicks = 10
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &migrationTable{
		retryTicks:  retryTicks,
		maxAttempts: maxAttempts,
		byTicket:    map[string]*outboundTicket{},
		byObject:    map[string]string{},
	}
}

// detect opens a ticket for an object leaving the local active set. The
// caller must have removed the object from the active set already.
func (t *migrationTable) detect(obj physics.Object, from, to, destRegion string, tick uint64) (*outboundTicket, error) {
	if existing, ok := t.byObject[obj.ID]; ok {
		return nil, fmt.Errorf("object %s already in flight on ticket %s", obj.ID, existing)
	}
	ot := &outboundTicket{
		msg: protocol.MigrationTicketMsg{
			Kind:            protocol.KindMigration,
			ProtocolVersion: protocol.Version,
			TicketID:        uuid.NewString(),
			From:            from,
			To:              to,
			Region:          destRegion,
			IssuedTick:      tick,
			Object:          obj.State(),
		},
		state: MigrationDetected,
	}
	t.byTicket[ot.msg.TicketID] = ot
	t.byObject[obj.ID] = ot.msg.TicketID
	return ot, nil
}

func (t *migrationTable) markSent(ticketID string, tick uint64) {
	ot, ok := t.byTicket[ticketID]
	if !ok {
		return
	}
	if ot.state == MigrationDetected || ot.state == MigrationTimedOut {
		if ot.state == MigrationTimedOut {
			ot.state = MigrationRetried
		} else {
			ot.state = MigrationSent
		}
	}
	ot.sentTick = tick
	ot.attempts++
}

// onAck acknowledges and commits the ticket: the destination durably
// holds the object, so the source may discard its copy. The ack is the
// commit trigger; nothing happens between the two states on the source
// side. Returns false for unknown tickets (stale or duplicate acks).
func (t *migrationTable) onAck(ticketID string) bool {
	ot, ok := t.byTicket[ticketID]
	if !ok {
		return false
	}
	ot.state = MigrationAcknowledged
	t.commit(ot)
	return true
}

func (t *migrationTable) commit(ot *outboundTicket) {
	ot.state = MigrationCommitted
	delete(t.byObject, ot.msg.Object.ObjectID)
	delete(t.byTicket, ot.msg.TicketID)
}

// due returns tickets whose ack window expired this tick, transitioning
// them to TimedOut. Tickets over the attempt budget are removed and
// returned separately as failures for anomaly escalation.
func (t *migrationTable) due(tick uint64) (retry []*outboundTicket, failed []*outboundTicket) {
	for id, ot := range t.byTicket {
		if ot.state == MigrationCommitted {
			continue
		}
		if ot.attempts == 0 {
			retry = append(retry, ot) // detected but never sent
			continue
		}
		if tick < ot.sentTick+uint64(t.retryTicks) {
			continue
		}
		ot.state = MigrationTimedOut
		if ot.attempts >= t.maxAttempts {
			ot.state = MigrationFailed
			delete(t.byTicket, id)
			delete(t.byObject, ot.msg.Object.ObjectID)
			failed = append(failed, ot)
			continue
		}
		retry = append(retry, ot)
	}
	return retry, failed
}

func (t *migrationTable) inFlight() int { return len(t.byTicket) }

func (t *migrationTable) hasObject(objectID string) bool {
	_, ok := t.byObject[objectID]
	return ok
}
