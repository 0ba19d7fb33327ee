package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/meshconf/meshconf/internal/packet"
	"github.com/meshconf/meshconf/internal/registry"
)

// maxIngressDatagram is the ingress read buffer size. Video fragments
// stay within packet.MaxDatagram; whole audio frames are larger and
// reach the socket already reassembled by the IP layer.
const maxIngressDatagram = 64 * 1024

// readTimeout is the read deadline for the ingress loop. This allows
// the goroutine to periodically check the stopped flag.
const readTimeout = 100 * time.Millisecond

// Directory resolves media senders against conference state. Implemented
// by the registry.
type Directory interface {
	Route(sender uuid.UUID) (registry.RouteInfo, bool)
	MemberIDs(conferenceID string, exclude uuid.UUID) []uuid.UUID
}

// Relay is the media-plane front door: a single UDP ingress socket
// whose datagrams are validated against the registry and dispatched by
// the sender's conference topology.
//
// Relay conferences get their video reassembled; completed frames go to
// the conference's composite task when one is running, otherwise they
// are re-fragmented under the original sender identity and fanned out.
// Audio feeds the task's mixer in composite mode and is forwarded
// verbatim in passthrough. Traffic from p2p conferences is dropped, as
// are datagrams that fail validation.
type Relay struct {
	port    int
	sockBuf int
	logger  *slog.Logger

	dir       Directory
	assembler *Assembler
	egress    *Egress
	tasks     *TaskManager

	conn    *net.UDPConn
	stopped atomic.Bool
	wg      sync.WaitGroup

	// p2pNoted suppresses repeat logging for flows arriving at the
	// relay while their conference is p2p.
	mu       sync.Mutex
	p2pNoted map[streamKey]struct{}

	received      atomic.Uint64
	receivedBytes atomic.Uint64
	forwarded     atomic.Uint64

	dropMalformed  atomic.Uint64
	dropUnknown    atomic.Uint64
	dropMismatched atomic.Uint64
	dropUnattached atomic.Uint64
	dropP2P        atomic.Uint64
}

// NewRelay creates the media ingress listening on port. sockBuf is the
// kernel receive buffer size requested for the socket.
func NewRelay(port, sockBuf int, dir Directory, assembler *Assembler, egress *Egress, tasks *TaskManager, logger *slog.Logger) *Relay {
	return &Relay{
		port:      port,
		sockBuf:   sockBuf,
		logger:    logger.With("subsystem", "media-relay"),
		dir:       dir,
		assembler: assembler,
		egress:    egress,
		tasks:     tasks,
		p2pNoted:  make(map[streamKey]struct{}),
	}
}

// Start binds the ingress socket and launches the read loop.
func (r *Relay) Start(ctx context.Context) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: r.port})
	if err != nil {
		return fmt.Errorf("binding media ingress port %d: %w", r.port, err)
	}
	if err := conn.SetReadBuffer(r.sockBuf); err != nil {
		r.logger.Warn("setting ingress socket buffer",
			"port", r.port,
			"error", err,
		)
	}
	r.conn = conn

	r.wg.Add(1)
	go r.readLoop(ctx)

	r.logger.Info("media ingress started",
		"port", conn.LocalAddr().(*net.UDPAddr).Port,
		"socket_buffer", r.sockBuf,
	)
	return nil
}

// Stop terminates the read loop and closes the ingress socket.
func (r *Relay) Stop() {
	r.stopped.Store(true)
	if r.conn != nil {
		r.conn.Close()
	}
	r.wg.Wait()

	s := r.Stats()
	r.logger.Info("media ingress stopped",
		"received", s.Received,
		"forwarded", s.Forwarded,
		"dropped_malformed", s.Drops.Malformed,
		"dropped_unknown", s.Drops.Unknown,
		"dropped_p2p", s.Drops.P2P,
	)
}

// Port returns the bound ingress port.
func (r *Relay) Port() int {
	if r.conn == nil {
		return r.port
	}
	return r.conn.LocalAddr().(*net.UDPAddr).Port
}

func (r *Relay) readLoop(ctx context.Context) {
	defer r.wg.Done()

	buf := make([]byte, maxIngressDatagram)
	for {
		if r.stopped.Load() || ctx.Err() != nil {
			return
		}

		r.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if r.stopped.Load() {
				return
			}
			// Timeout is expected; loop to re-check the stopped flag.
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			r.logger.Debug("ingress read error", "error", err)
			continue
		}

		r.received.Add(1)
		r.receivedBytes.Add(uint64(n))
		r.handle(buf[:n])
	}
}

// handle validates one datagram and dispatches it by topology. The
// buffer is reused by the read loop; anything retained must be copied.
func (r *Relay) handle(b []byte) {
	hdr, payload, err := packet.Parse(b)
	if err != nil {
		r.dropMalformed.Add(1)
		r.logger.Debug("malformed datagram dropped",
			"bytes", len(b),
			"error", err,
		)
		return
	}

	ri, ok := r.dir.Route(hdr.ClientID)
	if !ok {
		r.dropUnknown.Add(1)
		return
	}
	if hdr.ConferenceID != ri.ConferenceID {
		// Stale header after the sender moved conferences.
		r.dropMismatched.Add(1)
		r.logger.Debug("conference mismatch",
			"client", hdr.ClientID,
			"header_conference", hdr.ConferenceID,
			"actual_conference", ri.ConferenceID,
		)
		return
	}
	if !ri.EndpointAttached {
		r.dropUnattached.Add(1)
		return
	}
	if ri.Topology == registry.TopologyP2P {
		r.dropP2P.Add(1)
		r.noteP2PFlow(hdr)
		return
	}

	switch hdr.PayloadType {
	case packet.PayloadVideo:
		r.handleVideo(hdr, ri, payload)
	case packet.PayloadAudio:
		r.handleAudio(hdr, ri, b)
	}
}

// noteP2PFlow logs the first datagram of each flow that arrives while
// its conference is p2p; clients keep streaming briefly after the
// switchover and per-datagram logging would flood.
func (r *Relay) noteP2PFlow(hdr packet.Header) {
	key := streamKey{client: hdr.ClientID, conference: hdr.ConferenceID}

	r.mu.Lock()
	_, seen := r.p2pNoted[key]
	if !seen {
		r.p2pNoted[key] = struct{}{}
	}
	r.mu.Unlock()

	if !seen {
		r.logger.Info("dropping relay traffic from p2p conference",
			"client", hdr.ClientID,
			"conference", hdr.ConferenceID,
		)
	}
}

func (r *Relay) handleVideo(hdr packet.Header, ri registry.RouteInfo, payload []byte) {
	frame, salvaged, _ := r.assembler.Ingest(hdr, payload)

	task, composite := r.tasks.Get(ri.ConferenceID)

	if salvaged != nil {
		if composite {
			task.IngestVideoFrame(hdr.ClientID, salvaged.Payload)
		} else {
			r.forwardFrame(salvaged.Key, salvaged.Payload)
		}
	}
	if frame != nil {
		if composite {
			task.IngestVideoFrame(hdr.ClientID, frame)
		} else {
			r.forwardFrame(hdr.Key(), frame)
		}
	}
}

func (r *Relay) handleAudio(hdr packet.Header, ri registry.RouteInfo, raw []byte) {
	if task, composite := r.tasks.Get(ri.ConferenceID); composite {
		frame, _, res := r.assembler.Ingest(hdr, raw[packet.HeaderSize:])
		if res != IngestComplete {
			return
		}
		task.IngestAudio(hdr.ClientID, frame)
		return
	}

	// Passthrough: forward the datagram as received, copied out of the
	// shared read buffer.
	d := append([]byte(nil), raw...)
	for _, member := range r.dir.MemberIDs(ri.ConferenceID, hdr.ClientID) {
		if r.egress.Send(member, d) {
			r.forwarded.Add(1)
		}
	}
}

// forwardFrame re-fragments a completed frame under its original sender
// identity and fans it out to every other participant.
func (r *Relay) forwardFrame(key packet.FrameKey, frame []byte) {
	datagrams, err := packet.Fragment(packet.PayloadVideo, key.ClientID, key.ConferenceID, key.Timestamp, frame)
	if err != nil {
		r.logger.Warn("fragmenting forwarded frame",
			"client", key.ClientID,
			"bytes", len(frame),
			"error", err,
		)
		return
	}

	for _, member := range r.dir.MemberIDs(key.ConferenceID, key.ClientID) {
		for _, d := range datagrams {
			if r.egress.Send(member, d) {
				r.forwarded.Add(1)
			}
		}
	}
}

// DropSender clears per-flow relay state for a departed client.
func (r *Relay) DropSender(client uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key := range r.p2pNoted {
		if key.client == client {
			delete(r.p2pNoted, key)
		}
	}
}

// RelayDrops counts ingress datagrams discarded, by cause.
type RelayDrops struct {
	Malformed  uint64
	Unknown    uint64
	Mismatched uint64
	Unattached uint64
	P2P        uint64
}

// RelayStats is a snapshot of ingress counters.
type RelayStats struct {
	Received      uint64
	ReceivedBytes uint64
	Forwarded     uint64
	Drops         RelayDrops
}

// Stats returns current ingress counters.
func (r *Relay) Stats() RelayStats {
	return RelayStats{
		Received:      r.received.Load(),
		ReceivedBytes: r.receivedBytes.Load(),
		Forwarded:     r.forwarded.Load(),
		Drops: RelayDrops{
			Malformed:  r.dropMalformed.Load(),
			Unknown:    r.dropUnknown.Load(),
			Mismatched: r.dropMismatched.Load(),
			Unattached: r.dropUnattached.Load(),
			P2P:        r.dropP2P.Load(),
		},
	}
}
