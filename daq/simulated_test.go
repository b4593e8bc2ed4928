package daq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type simRig struct {
	dev     *SimDevice
	input   InputTask
	scan    ScanTask
	output  OutputTask
	counter Task
	line    LineTask
}

func openRig(t *testing.T, config SimConfig, nsamp int) *simRig {
	t.Helper()
	clock := ClockConfig{Terminal: "/Dev1/PFI13", SampleRate: 400000, SamplesPerCycle: nsamp}
	r := &simRig{dev: NewSimDevice(config)}
	var err error
	r.input, err = r.dev.OpenInput([]AnalogChannel{
		{Name: "Dev1/ai0", Min: -2, Max: 5},
		{Name: "Dev1/ai1", Min: -2, Max: 5},
	}, clock)
	require.NoError(t, err)
	r.scan, err = r.dev.OpenScanOutput(AnalogChannel{Name: "Dev1/ao0", Min: -5, Max: 5}, clock)
	require.NoError(t, err)
	r.output, err = r.dev.OpenOnDemandOutput([]AnalogChannel{{Name: "Dev1/ao1", Min: -5, Max: 5}})
	require.NoError(t, err)
	r.counter, err = r.dev.OpenCounter(CounterConfig{Counter: "Dev1/ctr0", TriggerTerminal: "/Dev1/PFI8", ClockConfig: clock})
	require.NoError(t, err)
	r.line, err = r.dev.OpenTriggerLine("Dev1/port0/line0")
	require.NoError(t, err)
	for _, task := range []Task{r.input, r.scan, r.output, r.counter, r.line} {
		require.NoError(t, task.Start())
	}
	return r
}

func ramp(n int, from, to float64) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = from + (to-from)*float64(i)/float64(n-1)
	}
	return v
}

func argmax(x []float64) int {
	best := 0
	for i, v := range x {
		if v > x[best] {
			best = i
		}
	}
	return best
}

func TestSimTransmission(t *testing.T) {
	config := SimConfig{Resonances: []SimResonance{
		{Center: 0.5, FSR: 10, Width: 0.02, Amplitude: 1},
		{Center: 1.5, FSR: 10, Width: 0.02, Amplitude: 1, Coupling: -0.1},
	}}
	r := openRig(t, config, 2001)
	scan := ramp(2001, 2, 0) // 1 mV per sample
	require.NoError(t, r.scan.Write(scan, false))
	require.NoError(t, r.line.Pulse())
	data, err := r.input.Read(2001, time.Second)
	require.NoError(t, err)
	require.Len(t, data, 2)
	assert.Equal(t, 1500, argmax(data[0]))
	assert.Equal(t, 500, argmax(data[1]))
	assert.InDelta(t, 1.0, data[0][1500], 1e-9)

	// Two volts on the piezo move the laser resonance down by 0.2 V of scan, which is later in the ramp.
	require.NoError(t, r.output.Write([]float64{2}))
	require.NoError(t, r.scan.Write(scan, false))
	require.NoError(t, r.line.Pulse())
	data, err = r.input.Read(2001, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1500, argmax(data[0]))
	assert.Equal(t, 700, argmax(data[1]))
	assert.Equal(t, []float64{2}, r.dev.PiezoVoltages())
	assert.Equal(t, 2, r.dev.Bursts())
}

func TestSimUnderrun(t *testing.T) {
	r := openRig(t, SimConfig{UnderrunEvery: 2}, 100)
	scan := ramp(100, 1, 0)
	require.NoError(t, r.scan.Write(scan, false))
	err := r.scan.Write(scan, false)
	assert.True(t, IsUnderrun(err), "second write should fail, got %v", err)

	// The task stays in error until aborted.
	assert.True(t, IsUnderrun(r.scan.Write(scan, true)))
	require.NoError(t, r.scan.Abort())
	require.NoError(t, r.scan.Write(scan, true))
	assert.Equal(t, 1, r.dev.Underruns())

	// A burst with nothing queued is also an underrun.
	require.NoError(t, r.line.Pulse())
	require.NoError(t, r.line.Pulse())
	assert.Equal(t, 2, r.dev.Underruns())
	assert.True(t, IsUnderrun(r.scan.Write(scan, false)))
}

func TestSimTimeoutAndFault(t *testing.T) {
	r := openRig(t, SimConfig{FailAfterReads: 1}, 10)
	_, err := r.input.Read(10, 20*time.Millisecond)
	assert.True(t, IsTimeout(err), "read without a trigger should time out, got %v", err)
	_, err = r.input.Read(10, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrSimulatedFault)
}

func TestSimRangeChecks(t *testing.T) {
	r := openRig(t, SimConfig{}, 10)
	assert.Error(t, r.output.Write([]float64{5.5}))
	assert.Error(t, r.output.Write([]float64{1, 2}))
	assert.Error(t, r.scan.Write(ramp(10, 6, 0), false))
	assert.NoError(t, r.scan.Write(ramp(10, 5, -5), false))
}

func TestSimClose(t *testing.T) {
	r := openRig(t, SimConfig{}, 10)
	assert.Equal(t, 5, r.dev.OpenTasks())

	done := make(chan error)
	go func() {
		_, err := r.input.Read(10, 5*time.Second)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	for _, task := range []Task{r.line, r.counter, r.output, r.scan, r.input} {
		assert.NoError(t, task.Close())
	}
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Error("Close did not interrupt a blocked read")
	}
	assert.Equal(t, 0, r.dev.OpenTasks())
	assert.Equal(t, []string{"line", "counter", "output", "scan", "input"}, r.dev.CloseOrder())

	// Closing twice is harmless, and a closed device can be opened again.
	assert.NoError(t, r.input.Close())
	assert.Equal(t, 0, r.dev.OpenTasks())
	_, err := r.dev.OpenTriggerLine("Dev1/port0/line0")
	assert.NoError(t, err)
	assert.Error(t, r.line.Pulse())
}

func TestRegistry(t *testing.T) {
	dev, err := Open("sim")
	require.NoError(t, err)
	assert.Equal(t, "sim", dev.Name())
	assert.Contains(t, Devices(), "sim")
	_, err = Open("no such device")
	assert.Error(t, err)
}
