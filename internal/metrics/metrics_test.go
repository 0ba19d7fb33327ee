package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meshconf/meshconf/internal/control"
	"github.com/meshconf/meshconf/internal/media"
)

type fakeSessions struct{ st control.HubStats }

func (f fakeSessions) Stats() control.HubStats { return f.st }

type fakeConferences struct {
	conferences, participants int
	drops                     uint64
}

func (f fakeConferences) Stats() (int, int)  { return f.conferences, f.participants }
func (f fakeConferences) EventDrops() uint64 { return f.drops }

type fakeRelay struct{ st media.RelayStats }

func (f fakeRelay) Stats() media.RelayStats { return f.st }

type fakeAssembler struct{ st media.AssemblerStats }

func (f fakeAssembler) Stats() media.AssemblerStats { return f.st }

type fakeEgress struct{ st media.EgressStats }

func (f fakeEgress) Stats() media.EgressStats { return f.st }

type fakeTasks struct{ n int }

func (f fakeTasks) ActiveTasks() int { return f.n }

type fakeTopology struct {
	forced      bool
	transitions uint64
}

func (f fakeTopology) Forced() bool        { return f.forced }
func (f fakeTopology) Transitions() uint64 { return f.transitions }

func collect(t *testing.T, c *Collector) []prometheus.Metric {
	t.Helper()
	ch := make(chan prometheus.Metric, 64)
	c.Collect(ch)
	close(ch)
	var out []prometheus.Metric
	for m := range ch {
		out = append(out, m)
	}
	return out
}

func TestCollectorEmitsAllMetrics(t *testing.T) {
	c := NewCollector(
		fakeSessions{control.HubStats{Active: 3, Accepted: 10, Ended: 7}},
		fakeConferences{conferences: 2, participants: 5, drops: 1},
		fakeRelay{media.RelayStats{Received: 100, ReceivedBytes: 5000, Forwarded: 90}},
		fakeAssembler{media.AssemblerStats{Active: 4, Timeouts: 2}},
		fakeEgress{media.EgressStats{Endpoints: 5, Sent: 88}},
		fakeTasks{n: 1},
		fakeTopology{forced: true, transitions: 6},
		time.Now().Add(-time.Minute),
	)

	// Every descriptor announced by Describe must be emitted by Collect.
	descCh := make(chan *prometheus.Desc, 64)
	c.Describe(descCh)
	close(descCh)
	descs := 0
	for range descCh {
		descs++
	}

	metrics := collect(t, c)
	// The drops descriptor fans out into one metric per cause label.
	wantMetrics := descs + 4
	if len(metrics) != wantMetrics {
		t.Fatalf("expected %d metrics, got %d", wantMetrics, len(metrics))
	}
}

func TestCollectorNilProvidersEmitUptimeOnly(t *testing.T) {
	c := NewCollector(nil, nil, nil, nil, nil, nil, nil, time.Now())

	metrics := collect(t, c)
	if len(metrics) != 1 {
		t.Fatalf("expected only the uptime metric, got %d metrics", len(metrics))
	}
}

func TestCollectorRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(
		fakeSessions{}, fakeConferences{}, fakeRelay{}, fakeAssembler{},
		fakeEgress{}, fakeTasks{}, fakeTopology{}, time.Now(),
	)
	if err := reg.Register(c); err != nil {
		t.Fatalf("failed to register collector: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"meshconf_sessions_active",
		"meshconf_conferences_active",
		"meshconf_media_datagrams_received_total",
		"meshconf_media_drops_total",
		"meshconf_assemblies_active",
		"meshconf_egress_datagrams_sent_total",
		"meshconf_composite_tasks_active",
		"meshconf_forced_composite",
		"meshconf_uptime_seconds",
	} {
		if !names[want] {
			t.Errorf("expected metric family %q in gather output", want)
		}
	}
}
