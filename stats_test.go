package vmi

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsSnapshot(t *testing.T) {
	var s Stats
	s.recordPublished()
	s.recordPublished()
	s.recordResponse(10 * time.Millisecond)
	s.recordResponse(30 * time.Millisecond)
	s.recordTimeout()
	s.recordDetached()
	s.recordCanceled()
	s.recordDrop()
	s.recordProtocolViolation()
	s.recordPassThrough()
	s.recordUnsupported()
	s.recordQuery()

	snap := s.Snapshot()
	assert.Equal(t, uint64(2), snap.EventsPublished)
	assert.Equal(t, uint64(2), snap.ResponsesReceived)
	assert.Equal(t, uint64((20 * time.Millisecond).Nanoseconds()), snap.AvgResponseTimeNs)
	assert.Equal(t, uint64(1), snap.Timeouts)
	assert.Equal(t, uint64(1), snap.Detached)
	assert.Equal(t, uint64(1), snap.Canceled)
	assert.Equal(t, uint64(1), snap.Drops)
	assert.Equal(t, uint64(1), snap.ProtocolViolations)
	assert.Equal(t, uint64(1), snap.QueriesServed)

	out, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"events_published":2`)

	s.Reset()
	assert.Equal(t, StatsSnapshot{}, s.Snapshot())
}

func TestStatsCollector(t *testing.T) {
	var s Stats
	s.recordPublished()
	s.recordPublished()
	s.recordPublished()
	s.recordTimeout()

	c := NewStatsCollector("vmi", &s)
	assert.Equal(t, len(statsMetrics)+1, testutil.CollectAndCount(c))

	expected := `
# HELP vmi_events_published_total Events published to the client.
# TYPE vmi_events_published_total counter
vmi_events_published_total 3
# HELP vmi_timeouts_total Events resolved by the timeout action.
# TYPE vmi_timeouts_total counter
vmi_timeouts_total 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"vmi_events_published_total", "vmi_timeouts_total"))

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, len(statsMetrics)+1)
}
