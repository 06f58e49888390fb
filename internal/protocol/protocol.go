package protocol

import "encoding/json"

const Version = "1.0"

// Envelope kinds.
const (
	KindRegister     = "REGISTER"
	KindWelcome      = "WELCOME"
	KindDeregister   = "DEREGISTER"
	KindHeartbeat    = "HEARTBEAT"
	KindRegionMap    = "REGION_MAP"
	KindTickAdvance  = "TICK_ADVANCE"
	KindTickAck      = "TICK_ACK"
	KindMigration    = "MIGRATION_TICKET"
	KindMigrationAck = "MIGRATION_ACK"
	KindAnomaly      = "ANOMALY"
)

// Envelope lets us route unknown JSON messages by kind.
type Envelope struct {
	Kind            string `json:"kind"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(b, &e)
	return e, err
}

// Control-plane topics. Migration traffic is data-plane and uses one
// inbound topic per runner.
const (
	TopicRegionMap   = "region-map"
	TopicHeartbeat   = "heartbeat"
	TopicTickAdvance = "tick-advance"
	TopicTickAck     = "tick-ack"
	TopicRegistry    = "registry"
	TopicAnomaly     = "anomaly"
)

func MigrationTopic(runnerID string) string { return "migrations/" + runnerID }

// ManagerID is the reserved sender ID used when the manager itself
// originates migration tickets (initial object placement, forced moves).
const ManagerID = "manager"
