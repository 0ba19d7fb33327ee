package media

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// audioRing keeps the most recent PCM frames from one sender. Pushing
// onto a full ring evicts the oldest frame, so a sender that outpaces
// the mix never grows the buffer.
type audioRing struct {
	frames [][]int16
	head   int // index of the oldest frame
	count  int
}

func newAudioRing(capacity int) *audioRing {
	return &audioRing{frames: make([][]int16, capacity)}
}

// push appends a frame, evicting the oldest when full. Reports whether
// an eviction happened.
func (r *audioRing) push(frame []int16) bool {
	evicted := false
	if r.count == len(r.frames) {
		r.frames[r.head] = nil
		r.head = (r.head + 1) % len(r.frames)
		r.count--
		evicted = true
	}
	r.frames[(r.head+r.count)%len(r.frames)] = frame
	r.count++
	return evicted
}

// pop removes and returns the oldest frame, or nil when empty.
func (r *audioRing) pop() []int16 {
	if r.count == 0 {
		return nil
	}
	f := r.frames[r.head]
	r.frames[r.head] = nil
	r.head = (r.head + 1) % len(r.frames)
	r.count--
	return f
}

// Mixer implements N-way audio mixing for a relay conference.
//
// Each sender's decoded PCM frames queue in a bounded ring. A mix pops
// the oldest frame from every sender that has one, sums them into
// 32-bit accumulators, clamps to the 16-bit range, and re-encodes. The
// mix includes every contributing sender, so all participants hear the
// same composite, their own audio included.
//
// Mixing is arrival-driven: the conference task pushes each decoded
// audio frame and immediately asks for a mix, so output pacing follows
// the senders' own frame rate.
type Mixer struct {
	frameSamples int
	ringFrames   int
	logger       *slog.Logger

	mu      sync.Mutex
	senders map[uuid.UUID]*audioRing

	mixes   atomic.Uint64
	evicted atomic.Uint64
}

// NewMixer creates a mixer producing frames of frameSamples int16
// samples, buffering at most ringFrames frames per sender.
func NewMixer(frameSamples, ringFrames int, logger *slog.Logger) *Mixer {
	return &Mixer{
		frameSamples: frameSamples,
		ringFrames:   ringFrames,
		logger:       logger.With("subsystem", "audio-mixer"),
		senders:      make(map[uuid.UUID]*audioRing),
	}
}

// Push decodes one little-endian 16-bit PCM payload and queues it on
// the sender's ring. Payloads are normalized to the mixer's frame size:
// longer ones are truncated, shorter ones zero-filled.
func (m *Mixer) Push(sender uuid.UUID, payload []byte) {
	frame := make([]int16, m.frameSamples)
	samples := len(payload) / 2
	if samples > m.frameSamples {
		samples = m.frameSamples
	}
	for i := 0; i < samples; i++ {
		frame[i] = int16(binary.LittleEndian.Uint16(payload[2*i:]))
	}

	m.mu.Lock()
	r, ok := m.senders[sender]
	if !ok {
		r = newAudioRing(m.ringFrames)
		m.senders[sender] = r
		m.logger.Debug("audio sender added", "client", sender)
	}
	if r.push(frame) {
		m.evicted.Add(1)
	}
	m.mu.Unlock()
}

// Mix pops the oldest queued frame from every sender, sums them, and
// returns the clamped result as a little-endian 16-bit PCM payload.
// Returns false when no sender had audio queued.
func (m *Mixer) Mix() ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var acc []int32
	for _, r := range m.senders {
		f := r.pop()
		if f == nil {
			continue
		}
		if acc == nil {
			acc = make([]int32, m.frameSamples)
		}
		for i, s := range f {
			acc[i] += int32(s)
		}
	}
	if acc == nil {
		return nil, false
	}

	out := make([]byte, 2*m.frameSamples)
	for i, s := range acc {
		if s > 32767 {
			s = 32767
		} else if s < -32768 {
			s = -32768
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(s)))
	}

	m.mixes.Add(1)
	return out, true
}

// DropSender discards the sender's ring. Queued frames are lost.
func (m *Mixer) DropSender(sender uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.senders[sender]; ok {
		delete(m.senders, sender)
		m.logger.Debug("audio sender dropped", "client", sender)
	}
}

// SenderCount returns the number of senders with an active ring.
func (m *Mixer) SenderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.senders)
}

// MixerStats is a snapshot of mixer counters.
type MixerStats struct {
	Senders int
	Mixes   uint64
	Evicted uint64
}

// Stats returns current mixer counters.
func (m *Mixer) Stats() MixerStats {
	m.mu.Lock()
	senders := len(m.senders)
	m.mu.Unlock()

	return MixerStats{
		Senders: senders,
		Mixes:   m.mixes.Load(),
		Evicted: m.evicted.Load(),
	}
}
