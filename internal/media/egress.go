package media

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// egressQueueSize is the capacity of the per-endpoint datagram queue.
// Fan-out never blocks on a slow receiver: a full queue drops the
// datagram and counts it.
const egressQueueSize = 256

// atomicAddr provides thread-safe storage for a UDP address. A client
// that re-registers its media endpoint swaps the address without
// touching the socket or its writer.
type atomicAddr struct {
	v atomic.Pointer[net.UDPAddr]
}

func newAtomicAddr(addr *net.UDPAddr) *atomicAddr {
	a := &atomicAddr{}
	a.v.Store(addr)
	return a
}

func (a *atomicAddr) load() *net.UDPAddr {
	return a.v.Load()
}

// update atomically replaces the stored address and returns true if it changed.
func (a *atomicAddr) update(addr *net.UDPAddr) bool {
	old := a.v.Load()
	if old != nil && old.IP.Equal(addr.IP) && old.Port == addr.Port {
		return false
	}
	a.v.Store(addr)
	return true
}

// endpoint is one participant's send socket and its writer state.
type endpoint struct {
	client uuid.UUID
	conn   *net.UDPConn
	port   int
	remote *atomicAddr

	queue chan []byte
	done  chan struct{}
}

// Egress owns the per-participant UDP send sockets. Each registered
// participant gets its own socket, bound by scanning upward from a
// configured start port so ports held by other processes are skipped,
// plus a writer goroutine fed by a bounded queue.
//
// Datagrams handed to Send must not be modified afterwards; the same
// slice may sit in several queues during fan-out.
type Egress struct {
	startPort int
	sockBuf   int
	logger    *slog.Logger

	mu        sync.RWMutex
	endpoints map[uuid.UUID]*endpoint
	allocated map[int]struct{} // ports bound by live endpoints
	nextPort  int

	wg sync.WaitGroup

	sent      atomic.Uint64
	sentBytes atomic.Uint64
	dropped   atomic.Uint64
}

// NewEgress creates an egress socket manager. Sockets are bound on
// demand starting at startPort; sockBuf is the kernel send buffer size
// requested per socket.
func NewEgress(startPort, sockBuf int, logger *slog.Logger) *Egress {
	l := logger.With("subsystem", "media-egress")
	l.Info("egress socket manager initialized",
		"start_port", startPort,
		"socket_buffer", sockBuf,
	)
	return &Egress{
		startPort: startPort,
		sockBuf:   sockBuf,
		logger:    l,
		endpoints: make(map[uuid.UUID]*endpoint),
		allocated: make(map[int]struct{}),
		nextPort:  startPort,
	}
}

// Bind allocates a send socket for the client aimed at remote and
// returns the bound local port. Binding an already-bound client updates
// its remote address and returns the existing port, so re-registration
// after an address change is cheap.
func (e *Egress) Bind(client uuid.UUID, remote *net.UDPAddr) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ep, ok := e.endpoints[client]; ok {
		if ep.remote.update(remote) {
			e.logger.Info("egress remote updated",
				"client", client,
				"remote", remote.String(),
			)
		}
		return ep.port, nil
	}

	conn, port, err := e.bindNext()
	if err != nil {
		return 0, err
	}
	if err := conn.SetWriteBuffer(e.sockBuf); err != nil {
		e.logger.Warn("setting egress socket buffer",
			"port", port,
			"error", err,
		)
	}

	ep := &endpoint{
		client: client,
		conn:   conn,
		port:   port,
		remote: newAtomicAddr(remote),
		queue:  make(chan []byte, egressQueueSize),
		done:   make(chan struct{}),
	}
	e.endpoints[client] = ep

	e.wg.Add(1)
	go e.writer(ep)

	e.logger.Info("egress socket bound",
		"client", client,
		"port", port,
		"remote", remote.String(),
	)
	return port, nil
}

// bindNext scans from nextPort for a bindable port, wrapping at the top
// of the port space. Caller holds e.mu.
func (e *Egress) bindNext() (*net.UDPConn, int, error) {
	startPort := e.nextPort
	for {
		port := e.nextPort

		// Advance nextPort for the next allocation (wrap around).
		e.nextPort++
		if e.nextPort > 65535 {
			e.nextPort = e.startPort
		}

		if _, taken := e.allocated[port]; taken {
			if e.nextPort == startPort {
				return nil, 0, fmt.Errorf("no egress ports available above %d", e.startPort)
			}
			continue
		}

		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
		if err != nil {
			e.logger.Debug("egress port bind failed, trying next",
				"port", port,
				"error", err,
			)
			// Port might be in use by another process; skip it.
			if e.nextPort == startPort {
				return nil, 0, fmt.Errorf("no bindable egress ports above %d", e.startPort)
			}
			continue
		}

		e.allocated[port] = struct{}{}
		return conn, port, nil
	}
}

// Send queues one datagram for delivery to the client's endpoint. It
// never blocks: a full queue drops the datagram. Returns false when the
// client has no bound endpoint or the datagram was dropped.
func (e *Egress) Send(client uuid.UUID, datagram []byte) bool {
	e.mu.RLock()
	ep, ok := e.endpoints[client]
	e.mu.RUnlock()

	if !ok {
		return false
	}

	select {
	case ep.queue <- datagram:
		return true
	default:
		e.dropped.Add(1)
		return false
	}
}

// Bound reports whether the client currently has an egress socket.
func (e *Egress) Bound(client uuid.UUID) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.endpoints[client]
	return ok
}

// Release closes the client's send socket and discards anything still
// queued. Releasing an unbound client is a no-op.
func (e *Egress) Release(client uuid.UUID) {
	e.mu.Lock()
	ep, ok := e.endpoints[client]
	if ok {
		delete(e.endpoints, client)
		delete(e.allocated, ep.port)
	}
	e.mu.Unlock()

	if !ok {
		return
	}

	close(ep.done)
	ep.conn.Close()

	e.logger.Info("egress socket released",
		"client", client,
		"port", ep.port,
	)
}

// Drain releases every endpoint and waits for the writers to finish.
// Used during graceful shutdown.
func (e *Egress) Drain() {
	e.mu.Lock()
	eps := make([]*endpoint, 0, len(e.endpoints))
	for _, ep := range e.endpoints {
		eps = append(eps, ep)
	}
	e.endpoints = make(map[uuid.UUID]*endpoint)
	e.allocated = make(map[int]struct{})
	e.mu.Unlock()

	for _, ep := range eps {
		close(ep.done)
		ep.conn.Close()
	}
	e.wg.Wait()

	if len(eps) > 0 {
		e.logger.Info("drained all egress sockets", "count", len(eps))
	}
}

// writer drains the endpoint's queue onto its socket until released.
func (e *Egress) writer(ep *endpoint) {
	defer e.wg.Done()

	for {
		select {
		case <-ep.done:
			return
		case d := <-ep.queue:
			if _, err := ep.conn.WriteToUDP(d, ep.remote.load()); err != nil {
				select {
				case <-ep.done:
					return
				default:
				}
				e.logger.Debug("egress write error",
					"client", ep.client,
					"error", err,
				)
				continue
			}
			e.sent.Add(1)
			e.sentBytes.Add(uint64(len(d)))
		}
	}
}

// EgressStats is a snapshot of egress counters.
type EgressStats struct {
	Endpoints int
	Sent      uint64
	SentBytes uint64
	Dropped   uint64
}

// Stats returns current egress counters.
func (e *Egress) Stats() EgressStats {
	e.mu.RLock()
	endpoints := len(e.endpoints)
	e.mu.RUnlock()

	return EgressStats{
		Endpoints: endpoints,
		Sent:      e.sent.Load(),
		SentBytes: e.sentBytes.Load(),
		Dropped:   e.dropped.Load(),
	}
}
