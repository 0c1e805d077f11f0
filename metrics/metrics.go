package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// KeeperMetrics tracks the publishing loop. One instance per process.
type KeeperMetrics struct {
	sealedEpochCount   prometheus.Counter
	publishedRootCount prometheus.Counter
	retryCount         prometheus.Counter
	tickErrorCount     prometheus.Counter
	compoundedCount    prometheus.Counter
	lastSuccessfulTick prometheus.Gauge
	evictionRiskGauge  prometheus.Gauge
	latestSealedEpoch  prometheus.Gauge
	unpublishedBacklog prometheus.Gauge
}

func NewKeeperMetrics(namespace string) *KeeperMetrics {
	m := KeeperMetrics{
		sealedEpochCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_sealed_epoch_count", namespace),
			Help: "The total number of sealed epochs",
		}),
		publishedRootCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_published_root_count", namespace),
			Help: "The total number of roots published to the ledger",
		}),
		retryCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_ledger_retry_count", namespace),
			Help: "The total number of retried ledger calls",
		}),
		tickErrorCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_tick_error_count", namespace),
			Help: "The total number of keeper ticks that ended with an error",
		}),
		compoundedCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_compounded_position_count", namespace),
			Help: "The total number of compounded vault positions",
		}),
		lastSuccessfulTick: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_last_successful_tick_timestamp", namespace),
			Help: "Unix timestamp of the last fully successful keeper tick",
		}),
		evictionRiskGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_eviction_risk_slots", namespace),
			Help: "Ring slots nearing eviction that still hold unclaimed leaves",
		}),
		latestSealedEpoch: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_latest_sealed_epoch", namespace),
			Help: "The latest sealed epoch number",
		}),
		unpublishedBacklog: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_unpublished_epoch_backlog", namespace),
			Help: "Sealed epochs waiting to be published",
		}),
	}
	return &m
}

func (m *KeeperMetrics) IncSealedEpochs() {
	m.sealedEpochCount.Inc()
}

func (m *KeeperMetrics) IncPublishedRoots() {
	m.publishedRootCount.Inc()
}

func (m *KeeperMetrics) IncRetries() {
	m.retryCount.Inc()
}

func (m *KeeperMetrics) IncTickErrors() {
	m.tickErrorCount.Inc()
}

func (m *KeeperMetrics) IncCompoundedPositions() {
	m.compoundedCount.Inc()
}

func (m *KeeperMetrics) SetLastSuccessfulTick(t time.Time) {
	m.lastSuccessfulTick.Set(float64(t.Unix()))
}

func (m *KeeperMetrics) SetEvictionRiskSlots(count int) {
	m.evictionRiskGauge.Set(float64(count))
}

func (m *KeeperMetrics) SetLatestSealedEpoch(epoch uint64) {
	m.latestSealedEpoch.Set(float64(epoch))
}

func (m *KeeperMetrics) SetUnpublishedBacklog(count int) {
	m.unpublishedBacklog.Set(float64(count))
}

// ConsumeMetrics tracks participation event ingestion.
type ConsumeMetrics struct {
	consumedEventCount prometheus.Counter
	lateEventCount     prometheus.Counter
	deferredEventCount prometheus.Counter
	latestEventEpoch   prometheus.Gauge
}

func NewConsumeMetrics(namespace string) *ConsumeMetrics {
	m := ConsumeMetrics{
		consumedEventCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_consumed_event_count", namespace),
			Help: "The total number of consumed participation events",
		}),
		lateEventCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_late_event_count", namespace),
			Help: "The total number of events that arrived after their epoch was sealed",
		}),
		deferredEventCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_deferred_event_count", namespace),
			Help: "The total number of late events re-keyed to the next open epoch",
		}),
		latestEventEpoch: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_latest_event_epoch", namespace),
			Help: "The epoch of the latest consumed participation event",
		}),
	}
	return &m
}

func (m *ConsumeMetrics) IncConsumedEvents() {
	m.consumedEventCount.Inc()
}

func (m *ConsumeMetrics) IncLateEvents() {
	m.lateEventCount.Inc()
}

func (m *ConsumeMetrics) IncDeferredEvents() {
	m.deferredEventCount.Inc()
}

func (m *ConsumeMetrics) SetLatestEventEpoch(epoch uint64) {
	m.latestEventEpoch.Set(float64(epoch))
}
