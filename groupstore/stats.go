package groupstore

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Stats holds the store's metrics. A nil *Stats disables collection. The
// registerer is injected so embedders control which registry the metrics land in.
type Stats struct {
	registerer            prometheus.Registerer
	PartitionLoadDuration prometheus.Histogram
	GroupsLoaded          prometheus.Counter
	OffsetCommits         prometheus.Counter
	OffsetsExpired        prometheus.Counter
	GroupsRemoved         prometheus.Counter
}

func NewStats(registerer prometheus.Registerer) *Stats {
	s := &Stats{
		registerer: registerer,
		PartitionLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "group_store_partition_load_duration_seconds",
			Help:    "Time taken to replay one coordinator log partition",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		GroupsLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "group_store_groups_loaded_total",
			Help: "Number of groups materialized by partition loads",
		}),
		OffsetCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "group_store_offset_commits_total",
			Help: "Number of offsets committed and acknowledged",
		}),
		OffsetsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "group_store_offsets_expired_total",
			Help: "Number of offsets removed by the expiry sweep",
		}),
		GroupsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "group_store_groups_removed_total",
			Help: "Number of idle groups removed by the expiry sweep",
		}),
	}
	registerer.MustRegister(s.PartitionLoadDuration, s.GroupsLoaded, s.OffsetCommits, s.OffsetsExpired,
		s.GroupsRemoved)
	return s
}

func (s *Stats) Unregister() {
	s.registerer.Unregister(s.PartitionLoadDuration)
	s.registerer.Unregister(s.GroupsLoaded)
	s.registerer.Unregister(s.OffsetCommits)
	s.registerer.Unregister(s.OffsetsExpired)
	s.registerer.Unregister(s.GroupsRemoved)
}
