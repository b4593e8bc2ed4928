package tclock

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFinite(t *testing.T) {
	assert.Equal(t, 1.5, finite(1.5))
	assert.Equal(t, 0.0, finite(math.NaN()))
	assert.Equal(t, 0.0, finite(math.Inf(-1)))
}

func TestTelemetryPublisherDrops(t *testing.T) {
	p := NewTelemetryPublisher(1)
	p.Publish(&Snapshot{Cycle: 1})
	p.Publish(&Snapshot{Cycle: 2})
	p.Publish(&Snapshot{Cycle: 3})
	assert.Equal(t, int64(2), p.Dropped())
	s := <-p.snapshots
	assert.Equal(t, 1, s.Cycle, "the oldest queued snapshot is kept")
}

func TestSnapshotJSON(t *testing.T) {
	run := newProcessRun(t)
	n := run.lock.SamplesPerCycle()
	res := run.process([][]float64{peakedTrace(n, 1000, 3000), peakedTrace(n, 2000)}, run.lock.ConfiguredLoopTime())
	snap := run.snapshot(res)
	require.Len(t, snap.Channels, 2)
	assert.Equal(t, "cavity", snap.Channels[0].Name)
	assert.Equal(t, "laser1", snap.Channels[1].Name)
	assert.True(t, snap.Channels[1].Found)

	b, err := json.Marshal(snap)
	require.NoError(t, err)
	var back Snapshot
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, snap.Channels[1].PeakTimesMs, back.Channels[1].PeakTimesMs)
}
