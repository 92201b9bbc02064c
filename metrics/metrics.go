// Package metrics prometheus instrumentation of the queue synchronization subsystem
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "queuesync"

var (
	channelConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_connected",
			Help:      "Whether the event channel is currently connected",
		},
	)

	channelTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_transitions_total",
			Help:      "Event channel connection transitions",
		},
		[]string{"transport", "transition"},
	)

	ackOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ack_outcomes_total",
			Help:      "Outcome of acknowledgable sends on the event channel",
		},
		[]string{"event", "outcome"},
	)

	actionOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_outcomes_total",
			Help:      "Outcome of advance / skip actions",
		},
		[]string{"command", "path", "outcome"},
	)

	actionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Duration of advance / skip actions",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"command"},
	)

	snapshotFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_fetches_total",
			Help:      "Queue snapshot fetches",
		},
		[]string{"status"},
	)

	watchedScopes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watched_scopes",
			Help:      "Number of scopes with a joined room",
		},
	)

	activeViewers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_viewers",
			Help:      "Number of mounted viewers",
		},
	)
)

// Connection transitions
const (
	TransitionConnected    = "connected"
	TransitionDisconnected = "disconnected"
	TransitionDialFailed   = "dial_failed"
)

// TrackConnection record an event channel connection transition
func TrackConnection(transport, transition string) {
	channelTransitions.WithLabelValues(transport, transition).Inc()
	switch transition {
	case TransitionConnected:
		channelConnected.Set(1)
	case TransitionDisconnected:
		channelConnected.Set(0)
	}
}

// TrackAck record the outcome of an acknowledgable send
func TrackAck(event, outcome string) {
	ackOutcomes.WithLabelValues(event, outcome).Inc()
}

// TrackAction record the outcome of an advance / skip action
func TrackAction(command, path, outcome string, duration time.Duration) {
	actionOutcomes.WithLabelValues(command, path, outcome).Inc()
	actionDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// TrackSnapshotFetch record a snapshot fetch
func TrackSnapshotFetch(success bool) {
	if success {
		snapshotFetches.WithLabelValues("success").Inc()
	} else {
		snapshotFetches.WithLabelValues("failure").Inc()
	}
}

// SetWatchedScopes record the number of joined scopes
func SetWatchedScopes(count int) {
	watchedScopes.Set(float64(count))
}

// AddViewers adjust the number of mounted viewers
func AddViewers(delta int) {
	activeViewers.Add(float64(delta))
}
