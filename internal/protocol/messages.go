package protocol

// REGISTER (runner -> manager)
type RegisterMsg struct {
	Kind            string       `json:"kind"`
	ProtocolVersion string       `json:"protocol_version"`
	RunnerID        string       `json:"runner_id,omitempty"` // set on re-registration after restart
	ReplyTo         string       `json:"reply_to"`            // topic for the WELCOME
	Capabilities    Capabilities `json:"capabilities"`
}

type Capabilities struct {
	MaxObjects int    `json:"max_objects,omitempty"`
	Engine     string `json:"engine,omitempty"`
}

// WELCOME (manager -> runner)
type WelcomeMsg struct {
	Kind            string       `json:"kind"`
	ProtocolVersion string       `json:"protocol_version"`
	RunnerID        string       `json:"runner_id"`
	CurrentTick     uint64       `json:"current_tick"`
	RegionMap       RegionMapMsg `json:"region_map"`
	Code            string       `json:"code,omitempty"` // set when registration was refused
	Message         string       `json:"message,omitempty"`
}

// DEREGISTER (runner -> manager): sent after the runner has evacuated all
// owned objects.
type DeregisterMsg struct {
	Kind            string `json:"kind"`
	ProtocolVersion string `json:"protocol_version"`
	RunnerID        string `json:"runner_id"`
}

// HEARTBEAT (runner -> manager)
type HeartbeatMsg struct {
	Kind            string `json:"kind"`
	ProtocolVersion string `json:"protocol_version"`
	RunnerID        string `json:"runner_id"`
	Tick            uint64 `json:"tick"`
	Load            int    `json:"load"` // objects currently simulated
	InFlight        int    `json:"in_flight,omitempty"`
	MapVersion      uint64 `json:"map_version"`
}

// REGION_MAP (manager -> all runners): a complete versioned snapshot.
// Runners replace their cached copy wholesale; there are no deltas.
type RegionMapMsg struct {
	Kind            string      `json:"kind"`
	ProtocolVersion string      `json:"protocol_version"`
	Version         uint64      `json:"version"`
	CellSize        float64     `json:"cell_size"`
	Domain          BoundsRef   `json:"domain"`
	Regions         []RegionRef `json:"regions"`
}

type BoundsRef struct {
	Mins [3]float64 `json:"mins"`
	Maxs [3]float64 `json:"maxs"`
}

type RegionRef struct {
	ID     string    `json:"id"`
	Bounds BoundsRef `json:"bounds"`
	Owner  string    `json:"owner,omitempty"` // empty when unassigned
}

// TICK_ADVANCE (manager -> all runners)
type TickAdvanceMsg struct {
	Kind            string  `json:"kind"`
	ProtocolVersion string  `json:"protocol_version"`
	Tick            uint64  `json:"tick"`
	Dt              float64 `json:"dt"`
}

// TICK_ACK (runner -> manager)
type TickAckMsg struct {
	Kind            string `json:"kind"`
	ProtocolVersion string `json:"protocol_version"`
	RunnerID        string `json:"runner_id"`
	Tick            uint64 `json:"tick"`
}

// ObjectState is the serialized physics state carried by a migration
// ticket. It is opaque to the manager.
type ObjectState struct {
	ObjectID string     `json:"object_id"`
	Position [3]float64 `json:"position"`
	Rotation [4]float64 `json:"rotation"` // quaternion, identity when unused
	LinVel   [3]float64 `json:"linvel"`
	AngVel   [3]float64 `json:"angvel"`
	Sleeping bool       `json:"sleeping,omitempty"`
}

// MIGRATION_TICKET (runner -> runner, via the destination's inbound topic)
type MigrationTicketMsg struct {
	Kind            string      `json:"kind"`
	ProtocolVersion string      `json:"protocol_version"`
	TicketID        string      `json:"ticket_id"`
	From            string      `json:"from"`
	To              string      `json:"to"`
	Region          string      `json:"region"` // destination region
	IssuedTick      uint64      `json:"issued_tick"`
	Attempt         int         `json:"attempt"`
	Object          ObjectState `json:"object"`
}

// MIGRATION_ACK (runner -> runner)
type MigrationAckMsg struct {
	Kind            string `json:"kind"`
	ProtocolVersion string `json:"protocol_version"`
	TicketID        string `json:"ticket_id"`
	ObjectID        string `json:"object_id"`
	From            string `json:"from"` // acking runner
	Accepted        bool   `json:"accepted"`
	Code            string `json:"code,omitempty"`
}

// ANOMALY (runner -> manager): a retry budget ran out. Never dropped
// silently; the manager journals these for the operator.
type AnomalyMsg struct {
	Kind            string `json:"kind"`
	ProtocolVersion string `json:"protocol_version"`
	RunnerID        string `json:"runner_id"`
	Code            string `json:"code"`
	ObjectID        string `json:"object_id,omitempty"`
	TicketID        string `json:"ticket_id,omitempty"`
	Tick            uint64 `json:"tick"`
	Detail          string `json:"detail,omitempty"`
}
