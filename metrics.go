package lineup

import (
	"github.com/prometheus/client_golang/prometheus"
)

// counters for the sync core. a nil registry disables collection, so the
// library never forces a metrics dependency on the host. every increment
// method is safe on a nil receiver because components constructed outside
// a syncer carry no metrics at all.
type syncMetrics struct {
	refreshes     prometheus.Counter
	refreshErrors prometheus.Counter
	mutations     prometheus.Counter
	rollbacks     prometheus.Counter
	conflicts     prometheus.Counter
	reconnects    prometheus.Counter
	pushUpdates   prometheus.Counter
}

func newSyncMetrics(registry prometheus.Registerer) *syncMetrics {
	if registry == nil {
		return nil
	}
	metrics := &syncMetrics{
		refreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lineup_roster_refreshes_total",
			Help: "Roster refresh requests issued.",
		}),
		refreshErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lineup_roster_refresh_errors_total",
			Help: "Roster refreshes that exhausted their retries.",
		}),
		mutations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lineup_mutations_total",
			Help: "User initiated mutations performed.",
		}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lineup_mutation_rollbacks_total",
			Help: "Optimistic updates rolled back after a failed mutation.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lineup_edit_conflicts_total",
			Help: "Concurrent edits detected while a field was being edited.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lineup_push_reconnects_total",
			Help: "Push channel reconnect attempts.",
		}),
		pushUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lineup_push_record_updates_total",
			Help: "Record update broadcasts received on the push channel.",
		}),
	}
	registry.MustRegister(
		metrics.refreshes,
		metrics.refreshErrors,
		metrics.mutations,
		metrics.rollbacks,
		metrics.conflicts,
		metrics.reconnects,
		metrics.pushUpdates,
	)
	return metrics
}

func (self *syncMetrics) IncRefreshes() {
	if self == nil {
		return
	}
	self.refreshes.Inc()
}

func (self *syncMetrics) IncRefreshErrors() {
	if self == nil {
		return
	}
	self.refreshErrors.Inc()
}

func (self *syncMetrics) IncMutations() {
	if self == nil {
		return
	}
	self.mutations.Inc()
}

func (self *syncMetrics) IncRollbacks() {
	if self == nil {
		return
	}
	self.rollbacks.Inc()
}

func (self *syncMetrics) IncConflicts() {
	if self == nil {
		return
	}
	self.conflicts.Inc()
}

func (self *syncMetrics) IncReconnects() {
	if self == nil {
		return
	}
	self.reconnects.Inc()
}

func (self *syncMetrics) IncPushUpdates() {
	if self == nil {
		return
	}
	self.pushUpdates.Inc()
}
