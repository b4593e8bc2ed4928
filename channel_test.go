package tclock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func TestPIDGainsEffective(t *testing.T) {
	g := PIDGains{Kp: 2, Ki: 3, Kd: 4, KiMultiplier: 10, KpOn: true, KiOn: true}
	kp, ki, kd := g.Effective()
	assert.Equal(t, 2.0, kp, "a zero multiplier counts as 1")
	assert.Equal(t, 30.0, ki)
	assert.Equal(t, 0.0, kd, "a disabled gain is zero")
}

func TestChannelValidate(t *testing.T) {
	_, cavity, lasers := testLockSetup()
	require.NoError(t, cavity.Validate())

	tests := []struct {
		name   string
		modify func(*ChannelConfig)
	}{
		{"no input", func(c *ChannelConfig) { c.InputChannel = "" }},
		{"no output", func(c *ChannelConfig) { c.OutputChannel = "" }},
		{"negative width", func(c *ChannelConfig) { c.PeakWidth = -1 }},
		{"negative limit", func(c *ChannelConfig) { c.Limit = -0.1 }},
		{"empty range", func(c *ChannelConfig) { c.OutputMin, c.OutputMax = 1, 1 }},
		{"offset out of range", func(c *ChannelConfig) { c.Offset = 6 }},
		{"zero wavenumber", func(c *ChannelConfig) { c.Wavenumber = 0 }},
	}
	for _, tc := range tests {
		c := lasers[0]
		tc.modify(&c.ChannelConfig)
		assert.Error(t, c.Validate(), tc.name)
	}

	l := lasers[0]
	l.FreqSource = "Global"
	require.NoError(t, l.Validate())
	assert.Equal(t, ExternalSource, l.FreqSource)
	l.FreqSource = "sideways"
	assert.Error(t, l.Validate())
}

func TestParseFrequencySource(t *testing.T) {
	for in, want := range map[string]FrequencySource{
		"":         LocalSource,
		"local":    LocalSource,
		" LOCAL ":  LocalSource,
		"external": ExternalSource,
		"global":   ExternalSource,
		"Remote":   ExternalSource,
	} {
		got, err := ParseFrequencySource(in)
		assert.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFrequencySource("nowhere")
	assert.Error(t, err)
}

func TestEffectiveSetpoint(t *testing.T) {
	l := LaserConfig{LocalFreqMHz: 100, FreqSource: LocalSource}
	assert.Equal(t, 100.0, l.EffectiveSetpoint(200, true))
	l.FreqSource = ExternalSource
	assert.Equal(t, 200.0, l.EffectiveSetpoint(200, true))
	assert.Equal(t, 100.0, l.EffectiveSetpoint(0, false), "until a remote value arrives, use the local one")
}

func TestValidateChannels(t *testing.T) {
	lc, cavity, lasers := testLockSetup()
	require.NoError(t, validateChannels(&lc, &cavity, lasers))
	require.NoError(t, validateChannels(&lc, &cavity, nil))

	dup := append([]LaserConfig(nil), lasers...)
	dup = append(dup, lasers[0])
	dup[1].Name = "laser2"
	assert.Error(t, validateChannels(&lc, &cavity, dup), "two lasers on one input")
	dup[1].InputChannel = "Dev1/ai2"
	assert.Error(t, validateChannels(&lc, &cavity, dup), "two lasers on one output")
	dup[1].OutputChannel = "Dev1/ao2"
	assert.NoError(t, validateChannels(&lc, &cavity, dup))
	dup[1].OutputChannel = cavity.OutputChannel
	assert.Error(t, validateChannels(&lc, &cavity, dup), "a laser on the cavity output")

	narrow := cavity
	narrow.OutputMin, narrow.OutputMax = 0, 1.5
	assert.Error(t, validateChannels(&lc, &narrow, lasers))
}

func TestLockConfig(t *testing.T) {
	lc := DefaultLockConfig()
	require.NoError(t, lc.Validate())
	assert.Equal(t, 2000, lc.ScanSamples())
	assert.Equal(t, 0, lc.RampUpSamples())
	assert.Equal(t, 2000, lc.SamplesPerCycle())
	assert.Equal(t, 100, lc.IgnoreSamples())
	assert.InDelta(t, 0.005, lc.ConfiguredLoopTime(), 1e-15)

	w := lc.ScanWaveform()
	require.Len(t, w, 2000)
	assert.Equal(t, 2.0, w[0])
	assert.Equal(t, 0.0, w[len(w)-1])
	for i := 1; i < len(w); i++ {
		if w[i] > w[i-1] {
			t.Fatalf("scan ramp rises at sample %d", i)
		}
	}

	lc.RampUpTimeMs = 1
	require.NoError(t, lc.Validate())
	assert.Equal(t, 2400, lc.SamplesPerCycle())
	assert.InDelta(t, 0.006, lc.ConfiguredLoopTime(), 1e-15)
	w = lc.ScanWaveform()
	require.Len(t, w, 2400)
	assert.Equal(t, 0.0, w[0])
	assert.Equal(t, 2.0, w[399])
	assert.Equal(t, 2.0, w[400])
	assert.Equal(t, 0.0, w[2399])
	assert.Equal(t, 0.0, floats.Min(w))
	assert.Equal(t, 2.0, floats.Max(w))

	bad := []func(*LockConfig){
		func(c *LockConfig) { c.SampleRate = 0 },
		func(c *LockConfig) { c.ScanTimeMs = 0 },
		func(c *LockConfig) { c.ScanIgnoreMs = 10 },
		func(c *LockConfig) { c.RMSLength = 0 },
		func(c *LockConfig) { c.DisplayEvery = 0 },
		func(c *LockConfig) { c.Averages = 0 },
		func(c *LockConfig) { c.Hardware.Device = "" },
		func(c *LockConfig) { c.CavityFSRMHz = -1 },
	}
	for i, modify := range bad {
		c := DefaultLockConfig()
		modify(&c)
		assert.Error(t, c.Validate(), "case %d", i)
	}

	a, b := DefaultLockConfig(), DefaultLockConfig()
	b.LockCriteriaMHz = 10
	assert.True(t, a.sameScan(&b))
	b.ScanAmplitude = 1
	assert.False(t, a.sameScan(&b))
}
