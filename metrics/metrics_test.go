package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTrackers(t *testing.T) {
	assert := assert.New(t)

	// Case 0: connection transitions drive the gauge
	{
		TrackConnection("websocket", TransitionConnected)
		assert.Equal(1.0, testutil.ToFloat64(channelConnected))
		TrackConnection("websocket", TransitionDisconnected)
		assert.Equal(0.0, testutil.ToFloat64(channelConnected))
		TrackConnection("websocket", TransitionDialFailed)
		assert.Equal(0.0, testutil.ToFloat64(channelConnected))
		assert.Equal(
			1.0,
			testutil.ToFloat64(channelTransitions.WithLabelValues("websocket", TransitionDialFailed)),
		)
	}

	// Case 1: counters
	{
		before := testutil.ToFloat64(ackOutcomes.WithLabelValues("queue:advance", "timeout"))
		TrackAck("queue:advance", "timeout")
		assert.Equal(
			before+1, testutil.ToFloat64(ackOutcomes.WithLabelValues("queue:advance", "timeout")),
		)

		before = testutil.ToFloat64(snapshotFetches.WithLabelValues("failure"))
		TrackSnapshotFetch(false)
		assert.Equal(before+1, testutil.ToFloat64(snapshotFetches.WithLabelValues("failure")))

		TrackAction("advance", "rest", "CONFIRMED", time.Millisecond*20)
		assert.Equal(
			1.0,
			testutil.ToFloat64(actionOutcomes.WithLabelValues("advance", "rest", "CONFIRMED")),
		)
	}

	// Case 2: gauges
	{
		SetWatchedScopes(3)
		assert.Equal(3.0, testutil.ToFloat64(watchedScopes))
		AddViewers(2)
		AddViewers(-1)
		assert.Equal(1.0, testutil.ToFloat64(activeViewers))
	}
}
