package media

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshconf/meshconf/internal/packet"
)

// TaskConfig carries the tunables for per-conference composite tasks.
type TaskConfig struct {
	CellWidth         int
	CellHeight        int
	JPEGQuality       int
	CompositeInterval time.Duration
	AudioFrameSamples int
	AudioRingFrames   int
}

// MemberFunc resolves a conference's current membership. The task
// manager calls it on every fan-out, so composed output always follows
// the live member list.
type MemberFunc func(conferenceID string) []uuid.UUID

// Task is one conference's server-side composite pipeline: a compositor
// and a mixer whose output is emitted under a synthetic server identity
// so receivers treat the server like any other sender.
type Task struct {
	ConferenceID string
	ServerID     uuid.UUID

	compositor *Compositor
	mixer      *Mixer

	egress  *Egress
	members MemberFunc
	logger  *slog.Logger
}

// IngestVideoFrame installs a sender's reassembled JPEG frame into the
// conference grid. Undecodable frames are counted and skipped.
func (t *Task) IngestVideoFrame(sender uuid.UUID, frame []byte) {
	// Compositor logs and counts the failure; the previous frame stays.
	_ = t.compositor.Update(sender, frame)
}

// IngestAudio queues a sender's PCM payload and emits a fresh mix to
// every member. Mixing rides the arrival rate: each ingested frame
// produces at most one mixed frame.
func (t *Task) IngestAudio(sender uuid.UUID, payload []byte) {
	t.mixer.Push(sender, payload)

	mixed, ok := t.mixer.Mix()
	if !ok {
		return
	}

	d, err := packet.Marshal(packet.Header{
		PayloadType:    packet.PayloadAudio,
		ClientID:       t.ServerID,
		ConferenceID:   t.ConferenceID,
		SequenceNumber: 0,
		TotalFragments: 1,
		Timestamp:      time.Now().UnixMilli(),
	}, mixed)
	if err != nil {
		t.logger.Warn("marshaling mixed audio", "conference", t.ConferenceID, "error", err)
		return
	}
	t.fanOut([][]byte{d})
}

// emitComposite fragments one composed JPEG under the server identity
// and fans it out. Runs on the compositor's compose goroutine.
func (t *Task) emitComposite(frame []byte) {
	datagrams, err := packet.Fragment(packet.PayloadVideo, t.ServerID, t.ConferenceID, time.Now().UnixMilli(), frame)
	if err != nil {
		t.logger.Warn("fragmenting composite frame",
			"conference", t.ConferenceID,
			"bytes", len(frame),
			"error", err,
		)
		return
	}
	t.fanOut(datagrams)
}

// fanOut queues datagrams for every conference member. Composite and
// mixed output goes to all members, senders included, so everyone sees
// the same grid and hears the same mix.
func (t *Task) fanOut(datagrams [][]byte) {
	for _, member := range t.members(t.ConferenceID) {
		for _, d := range datagrams {
			t.egress.Send(member, d)
		}
	}
}

// DropSender clears a departed participant's compositor slot and audio
// ring.
func (t *Task) DropSender(client uuid.UUID) {
	t.compositor.DropSender(client)
	t.mixer.DropSender(client)
}

// Stats exposes the task's pipeline counters.
func (t *Task) Stats() (CompositorStats, MixerStats) {
	return t.compositor.Stats(), t.mixer.Stats()
}

// TaskManager owns the live composite tasks, one per conference in
// composite mode. Tasks are created when the topology controller turns
// compositing on for a conference and destroyed when it turns it off or
// the conference ends.
type TaskManager struct {
	cfg     TaskConfig
	egress  *Egress
	members MemberFunc
	logger  *slog.Logger

	mu    sync.Mutex
	tasks map[string]*Task
}

// NewTaskManager creates a task manager using egress for delivery and
// members for fan-out targeting.
func NewTaskManager(cfg TaskConfig, egress *Egress, members MemberFunc, logger *slog.Logger) *TaskManager {
	return &TaskManager{
		cfg:     cfg,
		egress:  egress,
		members: members,
		logger:  logger.With("subsystem", "task-manager"),
		tasks:   make(map[string]*Task),
	}
}

// StartTask creates and starts the composite task for a conference.
// Starting an already-running task is a no-op.
func (tm *TaskManager) StartTask(ctx context.Context, conferenceID string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if _, ok := tm.tasks[conferenceID]; ok {
		return
	}

	t := &Task{
		ConferenceID: conferenceID,
		ServerID:     uuid.New(),
		mixer:        NewMixer(tm.cfg.AudioFrameSamples, tm.cfg.AudioRingFrames, tm.logger),
		egress:       tm.egress,
		members:      tm.members,
		logger:       tm.logger,
	}
	t.compositor = NewCompositor(
		tm.cfg.CellWidth, tm.cfg.CellHeight, tm.cfg.JPEGQuality,
		tm.cfg.CompositeInterval, t.emitComposite, tm.logger,
	)
	tm.tasks[conferenceID] = t
	t.compositor.Start(ctx)

	tm.logger.Info("composite task started",
		"conference", conferenceID,
		"server_id", t.ServerID,
	)
}

// StopTask stops and removes a conference's composite task. Stopping an
// absent task is a no-op.
func (tm *TaskManager) StopTask(conferenceID string) {
	tm.mu.Lock()
	t, ok := tm.tasks[conferenceID]
	if ok {
		delete(tm.tasks, conferenceID)
	}
	tm.mu.Unlock()

	if !ok {
		return
	}

	t.compositor.Stop()
	tm.logger.Info("composite task stopped", "conference", conferenceID)
}

// Get returns the running task for a conference, if any.
func (tm *TaskManager) Get(conferenceID string) (*Task, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	t, ok := tm.tasks[conferenceID]
	return t, ok
}

// DropSender clears a departed participant's state from its
// conference's task, if one is running.
func (tm *TaskManager) DropSender(conferenceID string, client uuid.UUID) {
	if t, ok := tm.Get(conferenceID); ok {
		t.DropSender(client)
	}
}

// ActiveTasks returns the number of running composite tasks.
func (tm *TaskManager) ActiveTasks() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.tasks)
}

// ReleaseAll stops every running task. Used during shutdown.
func (tm *TaskManager) ReleaseAll() {
	tm.mu.Lock()
	tasks := make([]*Task, 0, len(tm.tasks))
	for _, t := range tm.tasks {
		tasks = append(tasks, t)
	}
	tm.tasks = make(map[string]*Task)
	tm.mu.Unlock()

	for _, t := range tasks {
		t.compositor.Stop()
	}

	if len(tasks) > 0 {
		tm.logger.Info("all composite tasks released", "count", len(tasks))
	}
}
