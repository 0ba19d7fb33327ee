package registry

import "github.com/google/uuid"

// EventKind enumerates registry notifications.
type EventKind int

const (
	EventParticipantJoined EventKind = iota
	EventParticipantLeft
	EventConferenceCancelled
	EventTopologyChanged
	EventEndpointAttached
)

func (k EventKind) String() string {
	switch k {
	case EventParticipantJoined:
		return "participant-joined"
	case EventParticipantLeft:
		return "participant-left"
	case EventConferenceCancelled:
		return "conference-cancelled"
	case EventTopologyChanged:
		return "topology-changed"
	case EventEndpointAttached:
		return "endpoint-attached"
	default:
		return "unknown"
	}
}

// Event notifies subscribers of a membership, endpoint, or topology
// change. Events are emitted in mutation order.
type Event struct {
	Kind         EventKind
	ConferenceID string
	ClientID     uuid.UUID   // subject of joined/left/attached, initiator of cancelled
	Members      []uuid.UUID // cancelled: membership at cancellation time
	Topology     Topology    // topology-changed: new topology
	Previous     Topology    // topology-changed: prior topology
}
