package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meshconf/meshconf/internal/control"
	"github.com/meshconf/meshconf/internal/media"
)

// SessionStatsProvider exposes control session counters.
type SessionStatsProvider interface {
	Stats() control.HubStats
}

// ConferenceStatsProvider exposes registry occupancy and event-channel
// loss counters.
type ConferenceStatsProvider interface {
	Stats() (conferences, participants int)
	EventDrops() uint64
}

// RelayStatsProvider exposes UDP ingress counters.
type RelayStatsProvider interface {
	Stats() media.RelayStats
}

// AssemblerStatsProvider exposes frame reassembly counters.
type AssemblerStatsProvider interface {
	Stats() media.AssemblerStats
}

// EgressStatsProvider exposes per-participant send socket counters.
type EgressStatsProvider interface {
	Stats() media.EgressStats
}

// CompositeTaskCounter exposes the number of running composite tasks.
type CompositeTaskCounter interface {
	ActiveTasks() int
}

// TopologyStatsProvider exposes the forced-composite switch and the
// running count of topology transitions.
type TopologyStatsProvider interface {
	Forced() bool
	Transitions() uint64
}

// Collector is a prometheus.Collector that gathers relay metrics at scrape time.
type Collector struct {
	sessions    SessionStatsProvider
	conferences ConferenceStatsProvider
	relay       RelayStatsProvider
	assembler   AssemblerStatsProvider
	egress      EgressStatsProvider
	tasks       CompositeTaskCounter
	topology    TopologyStatsProvider
	startTime   time.Time

	// Metric descriptors.
	sessionsActiveDesc      *prometheus.Desc
	sessionsAcceptedDesc    *prometheus.Desc
	sessionsEndedDesc       *prometheus.Desc
	conferencesDesc         *prometheus.Desc
	participantsDesc        *prometheus.Desc
	eventDropsDesc          *prometheus.Desc
	ingressDatagramsDesc    *prometheus.Desc
	ingressBytesDesc        *prometheus.Desc
	forwardedDesc           *prometheus.Desc
	ingressDropsDesc        *prometheus.Desc
	assembliesActiveDesc    *prometheus.Desc
	assemblyTimeoutsDesc    *prometheus.Desc
	assemblyRejectsDesc     *prometheus.Desc
	assemblyDiscardedDesc   *prometheus.Desc
	assemblySalvagedDesc    *prometheus.Desc
	egressEndpointsDesc     *prometheus.Desc
	egressDatagramsDesc     *prometheus.Desc
	egressBytesDesc         *prometheus.Desc
	egressDropsDesc         *prometheus.Desc
	compositeTasksDesc      *prometheus.Desc
	forcedCompositeDesc     *prometheus.Desc
	topologyTransitionsDesc *prometheus.Desc
	uptimeDesc              *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	sessions SessionStatsProvider,
	conferences ConferenceStatsProvider,
	relay RelayStatsProvider,
	assembler AssemblerStatsProvider,
	egress EgressStatsProvider,
	tasks CompositeTaskCounter,
	topology TopologyStatsProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		sessions:    sessions,
		conferences: conferences,
		relay:       relay,
		assembler:   assembler,
		egress:      egress,
		tasks:       tasks,
		topology:    topology,
		startTime:   startTime,

		sessionsActiveDesc: prometheus.NewDesc(
			"meshconf_sessions_active",
			"Number of currently open control sessions",
			nil, nil,
		),
		sessionsAcceptedDesc: prometheus.NewDesc(
			"meshconf_sessions_accepted_total",
			"Total control sessions accepted since start",
			nil, nil,
		),
		sessionsEndedDesc: prometheus.NewDesc(
			"meshconf_sessions_ended_total",
			"Total control sessions closed since start",
			nil, nil,
		),
		conferencesDesc: prometheus.NewDesc(
			"meshconf_conferences_active",
			"Number of conferences currently registered",
			nil, nil,
		),
		participantsDesc: prometheus.NewDesc(
			"meshconf_participants_active",
			"Number of participants across all conferences",
			nil, nil,
		),
		eventDropsDesc: prometheus.NewDesc(
			"meshconf_registry_event_drops_total",
			"Registry events discarded because the event channel was full",
			nil, nil,
		),
		ingressDatagramsDesc: prometheus.NewDesc(
			"meshconf_media_datagrams_received_total",
			"Total media datagrams read from the UDP ingress socket",
			nil, nil,
		),
		ingressBytesDesc: prometheus.NewDesc(
			"meshconf_media_bytes_received_total",
			"Total media bytes read from the UDP ingress socket",
			nil, nil,
		),
		forwardedDesc: prometheus.NewDesc(
			"meshconf_media_datagrams_forwarded_total",
			"Total media datagrams handed to egress for relay",
			nil, nil,
		),
		ingressDropsDesc: prometheus.NewDesc(
			"meshconf_media_drops_total",
			"Media datagrams dropped at ingress, by cause",
			[]string{"cause"}, nil,
		),
		assembliesActiveDesc: prometheus.NewDesc(
			"meshconf_assemblies_active",
			"Partial frame assemblies currently buffered",
			nil, nil,
		),
		assemblyTimeoutsDesc: prometheus.NewDesc(
			"meshconf_assembly_timeouts_total",
			"Partial frame assemblies purged after exceeding the reassembly TTL",
			nil, nil,
		),
		assemblyRejectsDesc: prometheus.NewDesc(
			"meshconf_assembly_rejects_total",
			"Fragments rejected during reassembly (bad index or conflicting totals)",
			nil, nil,
		),
		assemblyDiscardedDesc: prometheus.NewDesc(
			"meshconf_assembly_discarded_total",
			"Incomplete frames discarded when superseded by a newer frame",
			nil, nil,
		),
		assemblySalvagedDesc: prometheus.NewDesc(
			"meshconf_assembly_salvaged_total",
			"Nearly complete frames forwarded despite missing fragments",
			nil, nil,
		),
		egressEndpointsDesc: prometheus.NewDesc(
			"meshconf_egress_endpoints",
			"Per-participant egress sockets currently bound",
			nil, nil,
		),
		egressDatagramsDesc: prometheus.NewDesc(
			"meshconf_egress_datagrams_sent_total",
			"Total datagrams written to participant endpoints",
			nil, nil,
		),
		egressBytesDesc: prometheus.NewDesc(
			"meshconf_egress_bytes_sent_total",
			"Total bytes written to participant endpoints",
			nil, nil,
		),
		egressDropsDesc: prometheus.NewDesc(
			"meshconf_egress_drops_total",
			"Datagrams dropped because an egress send queue was full",
			nil, nil,
		),
		compositeTasksDesc: prometheus.NewDesc(
			"meshconf_composite_tasks_active",
			"Conferences currently served by a compositing task",
			nil, nil,
		),
		forcedCompositeDesc: prometheus.NewDesc(
			"meshconf_forced_composite",
			"Whether forced-composite mode is on (1) or off (0)",
			nil, nil,
		),
		topologyTransitionsDesc: prometheus.NewDesc(
			"meshconf_topology_transitions_total",
			"Total topology transitions applied across all conferences",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"meshconf_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionsActiveDesc
	ch <- c.sessionsAcceptedDesc
	ch <- c.sessionsEndedDesc
	ch <- c.conferencesDesc
	ch <- c.participantsDesc
	ch <- c.eventDropsDesc
	ch <- c.ingressDatagramsDesc
	ch <- c.ingressBytesDesc
	ch <- c.forwardedDesc
	ch <- c.ingressDropsDesc
	ch <- c.assembliesActiveDesc
	ch <- c.assemblyTimeoutsDesc
	ch <- c.assemblyRejectsDesc
	ch <- c.assemblyDiscardedDesc
	ch <- c.assemblySalvagedDesc
	ch <- c.egressEndpointsDesc
	ch <- c.egressDatagramsDesc
	ch <- c.egressBytesDesc
	ch <- c.egressDropsDesc
	ch <- c.compositeTasksDesc
	ch <- c.forcedCompositeDesc
	ch <- c.topologyTransitionsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.sessions != nil {
		st := c.sessions.Stats()
		ch <- prometheus.MustNewConstMetric(
			c.sessionsActiveDesc, prometheus.GaugeValue, float64(st.Active),
		)
		ch <- prometheus.MustNewConstMetric(
			c.sessionsAcceptedDesc, prometheus.CounterValue, float64(st.Accepted),
		)
		ch <- prometheus.MustNewConstMetric(
			c.sessionsEndedDesc, prometheus.CounterValue, float64(st.Ended),
		)
	}

	if c.conferences != nil {
		confs, parts := c.conferences.Stats()
		ch <- prometheus.MustNewConstMetric(
			c.conferencesDesc, prometheus.GaugeValue, float64(confs),
		)
		ch <- prometheus.MustNewConstMetric(
			c.participantsDesc, prometheus.GaugeValue, float64(parts),
		)
		ch <- prometheus.MustNewConstMetric(
			c.eventDropsDesc, prometheus.CounterValue, float64(c.conferences.EventDrops()),
		)
	}

	if c.relay != nil {
		st := c.relay.Stats()
		ch <- prometheus.MustNewConstMetric(
			c.ingressDatagramsDesc, prometheus.CounterValue, float64(st.Received),
		)
		ch <- prometheus.MustNewConstMetric(
			c.ingressBytesDesc, prometheus.CounterValue, float64(st.ReceivedBytes),
		)
		ch <- prometheus.MustNewConstMetric(
			c.forwardedDesc, prometheus.CounterValue, float64(st.Forwarded),
		)
		for cause, n := range map[string]uint64{
			"malformed":           st.Drops.Malformed,
			"unknown_sender":      st.Drops.Unknown,
			"conference_mismatch": st.Drops.Mismatched,
			"unattached":          st.Drops.Unattached,
			"p2p":                 st.Drops.P2P,
		} {
			ch <- prometheus.MustNewConstMetric(
				c.ingressDropsDesc, prometheus.CounterValue, float64(n), cause,
			)
		}
	}

	if c.assembler != nil {
		st := c.assembler.Stats()
		ch <- prometheus.MustNewConstMetric(
			c.assembliesActiveDesc, prometheus.GaugeValue, float64(st.Active),
		)
		ch <- prometheus.MustNewConstMetric(
			c.assemblyTimeoutsDesc, prometheus.CounterValue, float64(st.Timeouts),
		)
		ch <- prometheus.MustNewConstMetric(
			c.assemblyRejectsDesc, prometheus.CounterValue, float64(st.Rejects),
		)
		ch <- prometheus.MustNewConstMetric(
			c.assemblyDiscardedDesc, prometheus.CounterValue, float64(st.Discarded),
		)
		ch <- prometheus.MustNewConstMetric(
			c.assemblySalvagedDesc, prometheus.CounterValue, float64(st.Salvaged),
		)
	}

	if c.egress != nil {
		st := c.egress.Stats()
		ch <- prometheus.MustNewConstMetric(
			c.egressEndpointsDesc, prometheus.GaugeValue, float64(st.Endpoints),
		)
		ch <- prometheus.MustNewConstMetric(
			c.egressDatagramsDesc, prometheus.CounterValue, float64(st.Sent),
		)
		ch <- prometheus.MustNewConstMetric(
			c.egressBytesDesc, prometheus.CounterValue, float64(st.SentBytes),
		)
		ch <- prometheus.MustNewConstMetric(
			c.egressDropsDesc, prometheus.CounterValue, float64(st.Dropped),
		)
	}

	if c.tasks != nil {
		ch <- prometheus.MustNewConstMetric(
			c.compositeTasksDesc, prometheus.GaugeValue, float64(c.tasks.ActiveTasks()),
		)
	}

	if c.topology != nil {
		forced := 0.0
		if c.topology.Forced() {
			forced = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.forcedCompositeDesc, prometheus.GaugeValue, forced,
		)
		ch <- prometheus.MustNewConstMetric(
			c.topologyTransitionsDesc, prometheus.CounterValue, float64(c.topology.Transitions()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
