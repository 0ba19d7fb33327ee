package media

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/meshconf/meshconf/internal/packet"
)

// IngestResult classifies the outcome of feeding one fragment to the
// assembler.
type IngestResult int

const (
	IngestComplete IngestResult = iota
	IngestPartial
	IngestRejected
)

func (r IngestResult) String() string {
	switch r {
	case IngestComplete:
		return "complete"
	case IngestPartial:
		return "partial"
	case IngestRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// salvageThreshold is the fraction of fragments a superseded partial must
// hold to be delivered instead of discarded.
const salvageThreshold = 0.8

// streamKey identifies one sender's fragment stream within a conference.
type streamKey struct {
	client     uuid.UUID
	conference string
}

// assembly is the frame-in-flight for one stream.
type assembly struct {
	key       packet.FrameKey
	total     int
	fragments map[int][]byte // sequence → payload copy
	size      int
	created   time.Time
}

func (a *assembly) complete() bool { return len(a.fragments) == a.total }

// join concatenates the payloads in sequence order. Missing sequences
// contribute nothing, which is how superseded partials are delivered.
func (a *assembly) join() []byte {
	out := make([]byte, 0, a.size)
	for seq := 1; seq <= a.total; seq++ {
		out = append(out, a.fragments[seq]...)
	}
	return out
}

// Assembler reconstructs frames from datagram fragments, keeping one
// frame in flight per (sender, conference) stream. Completed frames are
// returned from Ingest in arrival-completion order, which is not
// necessarily timestamp order. A background sweeper purges assemblies
// older than the TTL.
type Assembler struct {
	logger *slog.Logger
	ttl    time.Duration

	mu      sync.Mutex
	streams map[streamKey]*assembly

	timeouts  atomic.Uint64 // assemblies purged by the sweeper
	rejects   atomic.Uint64 // fragments refused by validation
	discarded atomic.Uint64 // superseded partials below the salvage threshold
	salvaged  atomic.Uint64 // superseded partials delivered anyway

	done chan struct{}
}

// NewAssembler creates an assembler whose partial frames expire after ttl.
func NewAssembler(ttl time.Duration, logger *slog.Logger) *Assembler {
	return &Assembler{
		logger:  logger.With("subsystem", "assembler"),
		ttl:     ttl,
		streams: make(map[streamKey]*assembly),
	}
}

// Start launches the TTL sweeper. It runs until Stop is called or ctx is
// cancelled.
func (a *Assembler) Start(ctx context.Context) {
	a.done = make(chan struct{})
	go a.sweepLoop(ctx)
}

// Stop terminates the sweeper and waits for it to finish.
func (a *Assembler) Stop() {
	if a.done != nil {
		select {
		case <-a.done:
		default:
			close(a.done)
		}
	}
}

func (a *Assembler) sweepLoop(ctx context.Context) {
	// Sweep at half the TTL so expiry lands within one period of the
	// deadline, bounded to keep the ticker sane for extreme TTLs.
	interval := a.ttl / 2
	if interval > time.Second {
		interval = time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case <-ticker.C:
			a.sweep(time.Now())
		}
	}
}

// sweep purges assemblies created before now-ttl.
func (a *Assembler) sweep(now time.Time) {
	deadline := now.Add(-a.ttl)

	a.mu.Lock()
	defer a.mu.Unlock()

	for key, asm := range a.streams {
		if asm.created.After(deadline) {
			continue
		}
		delete(a.streams, key)
		a.timeouts.Add(1)
		a.logger.Warn("partial frame expired",
			"client", key.client,
			"conference", key.conference,
			"have", len(asm.fragments),
			"total", asm.total,
		)
	}
}

// Salvage is a superseded partial delivered ahead of its successor. It
// carries its own frame key because it belongs to an older frame than
// the fragment that forced it out.
type Salvage struct {
	Key     packet.FrameKey
	Payload []byte
}

// Ingest feeds one fragment into the sender's stream.
//
// frame is the completed frame when this fragment finishes it. salvaged
// is a prior partial that this fragment superseded and that held enough
// fragments to deliver; when both are returned, salvaged is the older
// frame. res reports how the ingested fragment itself was handled.
func (a *Assembler) Ingest(hdr packet.Header, payload []byte) (frame []byte, salvaged *Salvage, res IngestResult) {
	if hdr.TotalFragments == 0 {
		a.rejects.Add(1)
		return nil, nil, IngestRejected
	}
	if hdr.SequenceNumber > hdr.TotalFragments {
		a.rejects.Add(1)
		return nil, nil, IngestRejected
	}
	if hdr.SequenceNumber == 0 {
		// Audio uses sequence 0 for its single fragment; video never does.
		if hdr.PayloadType != packet.PayloadAudio || hdr.TotalFragments != 1 {
			a.rejects.Add(1)
			return nil, nil, IngestRejected
		}
		return append([]byte(nil), payload...), nil, IngestComplete
	}

	key := streamKey{client: hdr.ClientID, conference: hdr.ConferenceID}

	a.mu.Lock()
	defer a.mu.Unlock()

	asm := a.streams[key]
	if asm != nil && asm.key != hdr.Key() {
		// A fragment from a different frame finalizes the one in flight.
		salvaged = a.finalizeLocked(key, asm)
		asm = nil
	}
	if asm == nil {
		asm = &assembly{
			key:       hdr.Key(),
			total:     int(hdr.TotalFragments),
			fragments: make(map[int][]byte, hdr.TotalFragments),
			created:   time.Now(),
		}
		a.streams[key] = asm
	}

	seq := int(hdr.SequenceNumber)
	if prev, dup := asm.fragments[seq]; dup {
		if len(prev) != len(payload) {
			a.rejects.Add(1)
			return nil, salvaged, IngestRejected
		}
		// Identical duplicate: accepted, no state change, no second
		// completion.
		return nil, salvaged, IngestPartial
	}

	asm.fragments[seq] = append([]byte(nil), payload...)
	asm.size += len(payload)

	if !asm.complete() {
		return nil, salvaged, IngestPartial
	}

	delete(a.streams, key)
	return asm.join(), salvaged, IngestComplete
}

// finalizeLocked applies the supersede policy to a partial: deliver it
// when at least 80% of its fragments arrived, otherwise discard. Caller
// holds a.mu.
func (a *Assembler) finalizeLocked(key streamKey, asm *assembly) *Salvage {
	delete(a.streams, key)

	if float64(len(asm.fragments)) < salvageThreshold*float64(asm.total) {
		a.discarded.Add(1)
		a.logger.Debug("partial frame discarded",
			"client", key.client,
			"conference", key.conference,
			"have", len(asm.fragments),
			"total", asm.total,
		)
		return nil
	}

	a.salvaged.Add(1)
	a.logger.Debug("partial frame salvaged",
		"client", key.client,
		"conference", key.conference,
		"have", len(asm.fragments),
		"total", asm.total,
	)
	return &Salvage{Key: asm.key, Payload: asm.join()}
}

// DropSender clears all assembly state belonging to a departed sender.
func (a *Assembler) DropSender(client uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for key := range a.streams {
		if key.client == client {
			delete(a.streams, key)
		}
	}
}

// AssemblerStats is a snapshot of assembler counters.
type AssemblerStats struct {
	Active    int
	Timeouts  uint64
	Rejects   uint64
	Discarded uint64
	Salvaged  uint64
}

// Stats returns current assembler counters.
func (a *Assembler) Stats() AssemblerStats {
	a.mu.Lock()
	active := len(a.streams)
	a.mu.Unlock()

	return AssemblerStats{
		Active:    active,
		Timeouts:  a.timeouts.Load(),
		Rejects:   a.rejects.Load(),
		Discarded: a.discarded.Load(),
		Salvaged:  a.salvaged.Load(),
	}
}
