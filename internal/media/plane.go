package media

import (
	"net"

	"github.com/google/uuid"
)

// Plane bundles the media components behind the two operations the
// control plane performs on them: binding a client's egress endpoint at
// registration time and tearing down a departed client's state.
type Plane struct {
	Egress    *Egress
	Assembler *Assembler
	Relay     *Relay
	Tasks     *TaskManager
}

// Bind allocates (or refreshes) the client's egress socket aimed at
// remote and returns the local port it sends from.
func (p *Plane) Bind(client uuid.UUID, remote *net.UDPAddr) (int, error) {
	return p.Egress.Bind(client, remote)
}

// DetachClient releases every media resource held for client.
// conferenceID names the conference the client was in; empty skips the
// per-conference task cleanup.
func (p *Plane) DetachClient(client uuid.UUID, conferenceID string) {
	p.Egress.Release(client)
	p.Assembler.DropSender(client)
	p.Relay.DropSender(client)
	if conferenceID != "" {
		p.Tasks.DropSender(conferenceID, client)
	}
}
