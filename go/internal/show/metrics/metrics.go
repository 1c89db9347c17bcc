// Package metrics exposes Prometheus instrumentation for the show engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	heartbeatCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livecue",
		Subsystem: "clock",
		Name:      "heartbeats_total",
		Help:      "Heartbeats received, labeled by whether they were applied or ignored as stale.",
	}, []string{"result"})

	driftGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "livecue",
		Subsystem: "clock",
		Name:      "drift_correction_seconds",
		Help:      "Clamped drift correction applied on the most recent heartbeat.",
	})

	offlineGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "livecue",
		Subsystem: "clock",
		Name:      "offline",
		Help:      "1 while the show clock is running on the local fallback.",
	})

	cueCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livecue",
		Subsystem: "cues",
		Name:      "ingested_total",
		Help:      "Cues received from show control, labeled by ingestion result.",
	}, []string{"result"})

	submissionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livecue",
		Subsystem: "submissions",
		Name:      "total",
		Help:      "Audience submissions, labeled by response kind and outcome.",
	}, []string{"kind", "outcome"})

	backlogGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "livecue",
		Subsystem: "backlog",
		Name:      "depth",
		Help:      "Queued actions waiting for delivery.",
	})

	drainCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livecue",
		Subsystem: "backlog",
		Name:      "drain_items_total",
		Help:      "Queued actions replayed during drains, labeled by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(heartbeatCounter, driftGauge, offlineGauge, cueCounter, submissionCounter, backlogGauge, drainCounter)
}

// RecordHeartbeat counts a heartbeat by result ("applied", "stale").
func RecordHeartbeat(result string) {
	heartbeatCounter.WithLabelValues(result).Inc()
}

// SetDrift records the drift correction currently applied.
func SetDrift(d time.Duration) {
	driftGauge.Set(d.Seconds())
}

// SetOffline flips the offline gauge.
func SetOffline(offline bool) {
	if offline {
		offlineGauge.Set(1)
		return
	}
	offlineGauge.Set(0)
}

// RecordCue counts an ingested cue by result ("accepted", "rejected", "duplicate").
func RecordCue(result string) {
	cueCounter.WithLabelValues(result).Inc()
}

// RecordSubmission counts a submission by kind and outcome.
func RecordSubmission(kind, outcome string) {
	submissionCounter.WithLabelValues(kind, outcome).Inc()
}

// SetBacklogDepth updates the backlog depth gauge.
func SetBacklogDepth(n int) {
	backlogGauge.Set(float64(n))
}

// RecordDrainItem counts one replayed queued action by result.
func RecordDrainItem(result string) {
	drainCounter.WithLabelValues(result).Inc()
}
