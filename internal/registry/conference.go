package registry

import (
	"net"
	"time"

	"github.com/google/uuid"
)

// Topology is a conference's current media-plane mode.
type Topology int

const (
	TopologyIdle Topology = iota
	TopologyP2P
	TopologyRelay
)

func (t Topology) String() string {
	switch t {
	case TopologyIdle:
		return "idle"
	case TopologyP2P:
		return "p2p"
	case TopologyRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// Role distinguishes the conference creator from ordinary members.
type Role int

const (
	RoleCreator Role = iota
	RoleMember
)

func (r Role) String() string {
	if r == RoleCreator {
		return "creator"
	}
	return "member"
}

// JoinStatus is the outcome of a join attempt.
type JoinStatus int

const (
	Joined    JoinStatus = iota
	AlreadyIn            // already a member of this conference
	InAnother            // enrolled in a different conference
	NotFound             // no such conference
)

func (s JoinStatus) String() string {
	switch s {
	case Joined:
		return "joined"
	case AlreadyIn:
		return "already in"
	case InAnother:
		return "in another conference"
	case NotFound:
		return "not found"
	default:
		return "unknown"
	}
}

// conference is the registry-private record of one live conference.
// Creator identity never changes for the life of the conference.
type conference struct {
	id       string
	creator  uuid.UUID
	members  []*member // join order
	topology Topology
	created  time.Time
}

type member struct {
	id       uuid.UUID
	role     Role
	endpoint *net.UDPAddr // nil until the client registers its media address
	joinedAt time.Time
}

func (c *conference) find(id uuid.UUID) *member {
	for _, m := range c.members {
		if m.id == id {
			return m
		}
	}
	return nil
}

func (c *conference) remove(id uuid.UUID) bool {
	for i, m := range c.members {
		if m.id == id {
			c.members = append(c.members[:i], c.members[i+1:]...)
			return true
		}
	}
	return false
}

func (c *conference) memberIDs(exclude uuid.UUID) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(c.members))
	for _, m := range c.members {
		if m.id == exclude {
			continue
		}
		ids = append(ids, m.id)
	}
	return ids
}

// ParticipantInfo is a read-only copy of one participant's state.
type ParticipantInfo struct {
	ClientID uuid.UUID
	Role     Role
	Endpoint *net.UDPAddr
	JoinedAt time.Time
}

// ConferenceInfo is a point-in-time snapshot of one conference.
type ConferenceInfo struct {
	ID           string
	Creator      uuid.UUID
	Topology     Topology
	Participants []ParticipantInfo
	CreatedAt    time.Time
}

// AttachedEndpoints counts participants that have registered a media
// address.
func (ci ConferenceInfo) AttachedEndpoints() int {
	n := 0
	for _, p := range ci.Participants {
		if p.Endpoint != nil {
			n++
		}
	}
	return n
}
