// Package topology decides each conference's media mode. A single
// goroutine consumes registry events, recomputes the affected
// conference's desired topology, and issues the switchover directives
// once the registry confirms the change.
package topology

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/meshconf/meshconf/internal/registry"
)

// Directives delivers topology directives to clients over the control
// plane.
type Directives interface {
	// SendP2PAddress tells a client its peer's media address.
	SendP2PAddress(to, peer uuid.UUID, addr *net.UDPAddr)
	// SendStopP2P tells a client to tear down its direct media path
	// and send through the relay instead.
	SendStopP2P(to uuid.UUID)
}

// RelayControl starts and stops per-conference composite tasks.
type RelayControl interface {
	StartTask(ctx context.Context, conferenceID string)
	StopTask(conferenceID string)
}

// modeQueue buffers composite override flips so they are applied on the
// controller goroutine like every other evaluation.
const modeQueue = 4

// Controller owns the topology of every conference. The registry stays
// the single mutator of conference state; the controller is the single
// decider, so directive ordering follows event ordering.
type Controller struct {
	reg    *registry.Registry
	dir    Directives
	relay  RelayControl
	logger *slog.Logger

	force       atomic.Bool // written only by the run goroutine
	transitions atomic.Uint64

	modeCh chan bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewController wires the controller to the registry it decides for and
// the planes it directs.
func NewController(reg *registry.Registry, dir Directives, relay RelayControl, logger *slog.Logger) *Controller {
	return &Controller{
		reg:    reg,
		dir:    dir,
		relay:  relay,
		logger: logger.With("subsystem", "topology"),
		modeCh: make(chan bool, modeQueue),
		done:   make(chan struct{}),
	}
}

// Start launches the decision loop. It runs until Stop is called or ctx
// is cancelled.
func (c *Controller) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop terminates the decision loop and waits for it to finish. No
// directives are issued after Stop returns.
func (c *Controller) Stop() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.wg.Wait()
}

// ForceComposite flips the server-wide composite override. The flip is
// applied on the controller goroutine; every conference is re-evaluated
// so running relays pick up the new mode.
func (c *Controller) ForceComposite(on bool) {
	select {
	case c.modeCh <- on:
	case <-c.done:
	}
}

// Forced reports whether the composite override is active.
func (c *Controller) Forced() bool { return c.force.Load() }

// Transitions returns the number of topology changes applied so far.
func (c *Controller) Transitions() uint64 { return c.transitions.Load() }

func (c *Controller) run(ctx context.Context) {
	defer c.wg.Done()

	events := c.reg.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case on := <-c.modeCh:
			c.applyMode(ctx, on)
		case ev := <-events:
			c.handle(ctx, ev)
		}
	}
}

func (c *Controller) handle(ctx context.Context, ev registry.Event) {
	switch ev.Kind {
	case registry.EventParticipantJoined, registry.EventParticipantLeft, registry.EventEndpointAttached:
		c.evaluate(ev.ConferenceID)
	case registry.EventConferenceCancelled:
		c.relay.StopTask(ev.ConferenceID)
	case registry.EventTopologyChanged:
		c.transition(ctx, ev)
	}
}

// evaluate recomputes one conference's desired topology and records it.
// An actual change comes back as a topology-changed event.
func (c *Controller) evaluate(conferenceID string) {
	info, ok := c.reg.Snapshot(conferenceID)
	if !ok {
		// Destroyed between the event and now.
		c.relay.StopTask(conferenceID)
		return
	}
	c.reg.SetTopology(conferenceID, decide(info))
}

// decide maps a conference snapshot to its topology. Two participants
// run p2p once both have media addresses; three or more run through the
// relay regardless of attachment; anything less idles.
func decide(info registry.ConferenceInfo) registry.Topology {
	switch n := len(info.Participants); {
	case n >= 3:
		return registry.TopologyRelay
	case n == 2 && info.AttachedEndpoints() == 2:
		return registry.TopologyP2P
	default:
		return registry.TopologyIdle
	}
}

// transition issues the directives for a topology change the registry
// has already recorded.
func (c *Controller) transition(ctx context.Context, ev registry.Event) {
	c.transitions.Add(1)

	info, ok := c.reg.Snapshot(ev.ConferenceID)
	if !ok {
		c.relay.StopTask(ev.ConferenceID)
		return
	}

	switch ev.Topology {
	case registry.TopologyP2P:
		if ev.Previous == registry.TopologyRelay {
			c.relay.StopTask(ev.ConferenceID)
		}
		c.announceP2P(info)

	case registry.TopologyRelay:
		for _, p := range info.Participants {
			c.dir.SendStopP2P(p.ClientID)
		}
		if c.force.Load() {
			c.relay.StartTask(ctx, ev.ConferenceID)
		}

	case registry.TopologyIdle:
		c.relay.StopTask(ev.ConferenceID)
		for _, p := range info.Participants {
			c.dir.SendStopP2P(p.ClientID)
		}
	}
}

// announceP2P exchanges the two participants' media addresses: each side
// learns the other's identity and endpoint.
func (c *Controller) announceP2P(info registry.ConferenceInfo) {
	if len(info.Participants) != 2 {
		return
	}
	a, b := info.Participants[0], info.Participants[1]
	if a.Endpoint == nil || b.Endpoint == nil {
		return
	}
	c.dir.SendP2PAddress(a.ClientID, b.ClientID, b.Endpoint)
	c.dir.SendP2PAddress(b.ClientID, a.ClientID, a.Endpoint)
	c.logger.Info("p2p pairing announced",
		"conference", info.ID, "a", a.ClientID, "b", b.ClientID)
}

// applyMode flips the composite override and reconciles every running
// relay conference with the new mode.
func (c *Controller) applyMode(ctx context.Context, on bool) {
	if c.force.Swap(on) == on {
		return
	}
	c.logger.Info("composite override changed", "force", on)

	for _, info := range c.reg.List() {
		if info.Topology != registry.TopologyRelay {
			continue
		}
		if on {
			c.relay.StartTask(ctx, info.ID)
		} else {
			c.relay.StopTask(info.ID)
		}
	}
}
