package protocol

const (
	// Registration/membership.
	ErrDuplicateRegistration = "E_DUPLICATE_REGISTRATION"
	ErrUnknownRunner         = "E_UNKNOWN_RUNNER"
	ErrUnreachable           = "E_UNREACHABLE"

	// Migration.
	ErrMigrationTimeout = "E_MIGRATION_TIMEOUT"
	ErrDuplicateTicket  = "E_DUPLICATE_TICKET"
	ErrObjectStuck      = "E_OBJECT_STUCK"

	// Region map.
	ErrRepartitionConflict = "E_REPARTITION_CONFLICT"
	ErrStaleRegionMap      = "E_STALE_REGION_MAP"

	// Protocol/transport.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrInternal        = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrDuplicateRegistration: {},
	ErrUnknownRunner:         {},
	ErrUnreachable:           {},
	ErrMigrationTimeout:      {},
	ErrDuplicateTicket:       {},
	ErrObjectStuck:           {},
	ErrRepartitionConflict:   {},
	ErrStaleRegionMap:        {},
	ErrProtoBadRequest:       {},
	ErrInternal:              {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
