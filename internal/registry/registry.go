// Package registry holds the authoritative conference membership state:
// which clients are enrolled where, their roles, their media endpoints,
// and each conference's current topology. All other components hold
// client ids and look state up here on demand.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound reports an unknown conference id.
	ErrNotFound = errors.New("conference not found")

	// ErrNotCreator reports a cancel attempt by a non-creator.
	ErrNotCreator = errors.New("only the creator may cancel")

	// ErrNotParticipant reports an operation on a conference the client
	// is not enrolled in.
	ErrNotParticipant = errors.New("client is not a participant")

	// ErrAlreadyInConference reports a create attempt by a client that is
	// already enrolled somewhere.
	ErrAlreadyInConference = errors.New("client already in a conference")

	// ErrConferenceLimit reports exhaustion of the conference id space.
	ErrConferenceLimit = errors.New("conference id space exhausted")
)

// maxConferenceNumber bounds auto-numbered ids so "m-<n>" fits the
// 4-byte conference id field of the media header.
const maxConferenceNumber = 99

// eventBuffer is the capacity of the subscriber event channel.
const eventBuffer = 256

// Registry is the authoritative conference/participant store. A single
// RWMutex guards the conference map and the client index; mutations per
// conference are therefore serialized and events observed by subscribers
// are linearized.
type Registry struct {
	logger *slog.Logger

	mu          sync.RWMutex
	conferences map[string]*conference
	byClient    map[uuid.UUID]string

	events     chan Event
	eventDrops atomic.Uint64
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		logger:      logger.With("subsystem", "registry"),
		conferences: make(map[string]*conference),
		byClient:    make(map[uuid.UUID]string),
		events:      make(chan Event, eventBuffer),
	}
}

// Events returns the notification channel consumed by the topology
// controller. Sends never block: when the buffer is full the event is
// dropped and counted, and the consumer recovers from current state on
// the next event.
func (r *Registry) Events() <-chan Event { return r.events }

// emit delivers ev to the subscriber without blocking. Callers hold r.mu,
// which keeps emission order equal to mutation order.
func (r *Registry) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		r.eventDrops.Add(1)
		r.logger.Warn("event channel full, dropping event",
			"kind", ev.Kind.String(), "conference", ev.ConferenceID)
	}
}

// CreateConference allocates the lowest free auto-numbered conference id
// and enrolls the creator as its first participant. A client may create
// only while not enrolled anywhere.
func (r *Registry) CreateConference(creator uuid.UUID) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byClient[creator]; ok {
		return "", fmt.Errorf("%w: %s", ErrAlreadyInConference, prev)
	}

	id, ok := r.nextConferenceID()
	if !ok {
		return "", ErrConferenceLimit
	}

	now := time.Now()
	c := &conference{
		id:      id,
		creator: creator,
		members: []*member{{id: creator, role: RoleCreator, joinedAt: now}},
		created: now,
	}
	r.conferences[id] = c
	r.byClient[creator] = id

	r.logger.Info("conference created", "conference", id, "creator", creator)
	r.emit(Event{Kind: EventParticipantJoined, ConferenceID: id, ClientID: creator})
	return id, nil
}

// nextConferenceID returns the lowest unused "m-<n>" id. Freed numbers
// are reused so ids stay within the wire field width. Caller holds r.mu.
func (r *Registry) nextConferenceID() (string, bool) {
	for n := 1; n <= maxConferenceNumber; n++ {
		id := "m-" + strconv.Itoa(n)
		if _, ok := r.conferences[id]; !ok {
			return id, true
		}
	}
	return "", false
}

// Join enrolls client in the conference. On Joined and AlreadyIn the
// returned slice is the membership in join order; on InAnother the
// returned string names the conference the client is already in.
func (r *Registry) Join(conferenceID string, client uuid.UUID) (JoinStatus, string, []uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conferences[conferenceID]
	if !ok {
		return NotFound, "", nil
	}
	if prev, enrolled := r.byClient[client]; enrolled {
		if prev == conferenceID {
			return AlreadyIn, prev, c.memberIDs(uuid.Nil)
		}
		return InAnother, prev, nil
	}

	c.members = append(c.members, &member{id: client, role: RoleMember, joinedAt: time.Now()})
	r.byClient[client] = conferenceID

	r.logger.Info("participant joined",
		"conference", conferenceID, "client", client, "members", len(c.members))
	r.emit(Event{Kind: EventParticipantJoined, ConferenceID: conferenceID, ClientID: client})
	return Joined, conferenceID, c.memberIDs(uuid.Nil)
}

// Exit removes client from the conference. Exiting a conference the
// client is not in, or one that no longer exists, is a no-op, so repeated
// exits are harmless. The last member leaving destroys the conference.
func (r *Registry) Exit(conferenceID string, client uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(conferenceID, client)
}

// RemoveEverywhere removes client from whatever conference it is in, as
// part of the session-close cascade. The conference survives even when
// the departing client is its creator; only an explicit cancel destroys
// a non-empty conference.
func (r *Registry) RemoveEverywhere(client uuid.UUID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conferenceID, ok := r.byClient[client]
	if !ok {
		return "", false
	}
	return conferenceID, r.removeLocked(conferenceID, client)
}

// removeLocked removes client from conferenceID, destroying the
// conference when it empties. Caller holds r.mu.
func (r *Registry) removeLocked(conferenceID string, client uuid.UUID) bool {
	c, ok := r.conferences[conferenceID]
	if !ok || r.byClient[client] != conferenceID {
		return false
	}
	if !c.remove(client) {
		return false
	}
	delete(r.byClient, client)

	r.logger.Info("participant left",
		"conference", conferenceID, "client", client, "members", len(c.members))
	if len(c.members) == 0 {
		delete(r.conferences, conferenceID)
		r.logger.Info("conference destroyed", "conference", conferenceID)
	}
	r.emit(Event{Kind: EventParticipantLeft, ConferenceID: conferenceID, ClientID: client})
	return true
}

// Cancel destroys the conference on behalf of its creator and returns the
// membership at cancellation time so the caller can notify everyone,
// including the initiator.
func (r *Registry) Cancel(conferenceID string, by uuid.UUID) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conferences[conferenceID]
	if !ok {
		return nil, ErrNotFound
	}
	if c.creator != by {
		return nil, ErrNotCreator
	}

	members := c.memberIDs(uuid.Nil)
	for _, id := range members {
		delete(r.byClient, id)
	}
	delete(r.conferences, conferenceID)

	r.logger.Info("conference cancelled",
		"conference", conferenceID, "by", by, "members", len(members))
	r.emit(Event{Kind: EventConferenceCancelled, ConferenceID: conferenceID, ClientID: by, Members: members})
	return members, nil
}

// AttachEndpoint records the client's media address. Media datagrams from
// a client are dropped until its endpoint is attached.
func (r *Registry) AttachEndpoint(conferenceID string, client uuid.UUID, addr *net.UDPAddr) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conferences[conferenceID]
	if !ok {
		return ErrNotFound
	}
	m := c.find(client)
	if m == nil {
		return ErrNotParticipant
	}
	m.endpoint = addr

	r.logger.Info("endpoint attached",
		"conference", conferenceID, "client", client, "addr", addr.String())
	r.emit(Event{Kind: EventEndpointAttached, ConferenceID: conferenceID, ClientID: client})
	return nil
}

// SetTopology records the topology decided by the controller. The
// registry is the only mutator of conference topology; an actual change
// emits EventTopologyChanged.
func (r *Registry) SetTopology(conferenceID string, topo Topology) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conferences[conferenceID]
	if !ok || c.topology == topo {
		return
	}
	prev := c.topology
	c.topology = topo

	r.logger.Info("topology changed",
		"conference", conferenceID, "from", prev.String(), "to", topo.String())
	r.emit(Event{Kind: EventTopologyChanged, ConferenceID: conferenceID, Topology: topo, Previous: prev})
}

// ConferenceOf returns the conference the client is currently enrolled in.
func (r *Registry) ConferenceOf(client uuid.UUID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byClient[client]
	return id, ok
}

// RouteInfo is the per-datagram lookup result for the media relay.
type RouteInfo struct {
	ConferenceID     string
	Topology         Topology
	EndpointAttached bool
}

// Route resolves a media sender for ingress dispatch.
func (r *Registry) Route(sender uuid.UUID) (RouteInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conferenceID, ok := r.byClient[sender]
	if !ok {
		return RouteInfo{}, false
	}
	c := r.conferences[conferenceID]
	m := c.find(sender)
	return RouteInfo{
		ConferenceID:     conferenceID,
		Topology:         c.topology,
		EndpointAttached: m != nil && m.endpoint != nil,
	}, true
}

// MemberIDs returns the conference membership in join order, without
// exclude when it is a member. A zero exclude returns everyone.
func (r *Registry) MemberIDs(conferenceID string, exclude uuid.UUID) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conferences[conferenceID]
	if !ok {
		return nil
	}
	return c.memberIDs(exclude)
}

// Snapshot copies the current state of one conference.
func (r *Registry) Snapshot(conferenceID string) (ConferenceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conferences[conferenceID]
	if !ok {
		return ConferenceInfo{}, false
	}
	return snapshotLocked(c), true
}

// List snapshots every live conference, oldest first.
func (r *Registry) List() []ConferenceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ConferenceInfo, 0, len(r.conferences))
	for _, c := range r.conferences {
		out = append(out, snapshotLocked(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func snapshotLocked(c *conference) ConferenceInfo {
	info := ConferenceInfo{
		ID:           c.id,
		Creator:      c.creator,
		Topology:     c.topology,
		Participants: make([]ParticipantInfo, 0, len(c.members)),
		CreatedAt:    c.created,
	}
	for _, m := range c.members {
		info.Participants = append(info.Participants, ParticipantInfo{
			ClientID: m.id,
			Role:     m.role,
			Endpoint: m.endpoint,
			JoinedAt: m.joinedAt,
		})
	}
	return info
}

// Stats reports current gauges for the metrics collector.
func (r *Registry) Stats() (conferences, participants int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conferences), len(r.byClient)
}

// EventDrops reports how many events were discarded because the
// subscriber channel was full.
func (r *Registry) EventDrops() uint64 {
	return r.eventDrops.Load()
}
