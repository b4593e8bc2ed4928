package tclock

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// PIDGains holds the gains of one channel's feedback law. Each gain is multiplied
// by its multiplier and by its enable flag. A zero multiplier counts as 1, so
// configurations that never set multipliers use the gains as written.
type PIDGains struct {
	Kp           float64
	Ki           float64
	Kd           float64
	KpMultiplier float64
	KiMultiplier float64
	KdMultiplier float64
	KpOn         bool
	KiOn         bool
	KdOn         bool
}

func scaledGain(gain, multiplier float64, on bool) float64 {
	if !on {
		return 0
	}
	if multiplier == 0 {
		multiplier = 1
	}
	return gain * multiplier
}

// Effective returns the proportional, integral and derivative gains actually applied.
func (g PIDGains) Effective() (kp, ki, kd float64) {
	return scaledGain(g.Kp, g.KpMultiplier, g.KpOn),
		scaledGain(g.Ki, g.KiMultiplier, g.KiOn),
		scaledGain(g.Kd, g.KdMultiplier, g.KdOn)
}

// ChannelConfig holds the settings shared by the cavity channel and every laser channel.
type ChannelConfig struct {
	Name          string
	InputChannel  string  // photodiode input, e.g. "Dev1/ai0"
	OutputChannel string  // piezo output, e.g. "Dev1/ao0"
	PeakHeight    float64 // V
	PeakWidth     float64 // samples, measured at half prominence
	Gains         PIDGains
	Offset        float64 // V added to the feedback to form the output
	Limit         float64 // largest feedback change per cycle, V
	OutputMin     float64 // V
	OutputMax     float64 // V
	Wavenumber    float64 // cm^-1 of the light seen on InputChannel
}

// Validate checks the settings that do not depend on any other channel.
func (c *ChannelConfig) Validate() error {
	switch {
	case c.InputChannel == "":
		return fmt.Errorf("channel %q has no input channel", c.Name)
	case c.OutputChannel == "":
		return fmt.Errorf("channel %q has no output channel", c.Name)
	case c.PeakWidth < 0:
		return fmt.Errorf("channel %q peak width %g is negative", c.Name, c.PeakWidth)
	case !(c.Limit >= 0) || math.IsInf(c.Limit, 0):
		return fmt.Errorf("channel %q limit %g must be finite and non-negative", c.Name, c.Limit)
	case !(c.OutputMin < c.OutputMax):
		return fmt.Errorf("channel %q output range [%g, %g] is empty", c.Name, c.OutputMin, c.OutputMax)
	case c.Offset < c.OutputMin || c.Offset > c.OutputMax:
		return fmt.Errorf("channel %q offset %g V is outside its output range [%g, %g]",
			c.Name, c.Offset, c.OutputMin, c.OutputMax)
	case !(c.Wavenumber > 0):
		return fmt.Errorf("channel %q wavenumber %g must be positive", c.Name, c.Wavenumber)
	}
	return nil
}

// sameHardware reports whether two configurations use the same physical channels and ranges.
func (c *ChannelConfig) sameHardware(other *ChannelConfig) bool {
	return c.InputChannel == other.InputChannel && c.OutputChannel == other.OutputChannel &&
		c.OutputMin == other.OutputMin && c.OutputMax == other.OutputMax
}

// clipOutput limits v to the channel's output range.
func (c *ChannelConfig) clipOutput(v float64) float64 {
	return math.Min(math.Max(v, c.OutputMin), c.OutputMax)
}

// CavityConfig configures the reference channel, whose scan is locked so that the
// first reference peak sits at SetpointMs.
type CavityConfig struct {
	ChannelConfig `mapstructure:",squash" yaml:",inline"`
	SetpointMs    float64
}

// Validate checks the cavity settings.
func (c *CavityConfig) Validate() error {
	return c.ChannelConfig.Validate()
}

// FrequencySource says where a laser's frequency setpoint comes from.
type FrequencySource string

// The frequency sources.
const (
	LocalSource    FrequencySource = "local"
	ExternalSource FrequencySource = "external"
)

// ParseFrequencySource accepts "local", "external" or "global" (a synonym for external), in any case.
func ParseFrequencySource(s string) (FrequencySource, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "local":
		return LocalSource, nil
	case "external", "global", "remote":
		return ExternalSource, nil
	}
	return "", fmt.Errorf("frequency source %q is not local or external", s)
}

// LaserConfig configures one locked laser.
type LaserConfig struct {
	ChannelConfig `mapstructure:",squash" yaml:",inline"`
	Label         string
	LocalFreqMHz  float64
	FreqSource    FrequencySource
}

// Validate checks the laser settings and normalizes FreqSource.
func (c *LaserConfig) Validate() error {
	if err := c.ChannelConfig.Validate(); err != nil {
		return err
	}
	if math.IsNaN(c.LocalFreqMHz) || math.IsInf(c.LocalFreqMHz, 0) {
		return fmt.Errorf("laser %q local frequency is not finite", c.Name)
	}
	src, err := ParseFrequencySource(string(c.FreqSource))
	if err != nil {
		return fmt.Errorf("laser %q: %w", c.Name, err)
	}
	c.FreqSource = src
	return nil
}

// EffectiveSetpoint returns the frequency the laser is locked to: the local value,
// unless the source is external and an external value has been received.
func (c *LaserConfig) EffectiveSetpoint(external float64, haveExternal bool) float64 {
	if c.FreqSource == ExternalSource && haveExternal {
		return external
	}
	return c.LocalFreqMHz
}

// validateChannels checks a full set of channels against each other and the scan.
func validateChannels(lc *LockConfig, cavity *CavityConfig, lasers []LaserConfig) error {
	if err := cavity.Validate(); err != nil {
		return err
	}
	if span := cavity.OutputMax - cavity.OutputMin; span < lc.ScanAmplitude {
		return fmt.Errorf("cavity output range %g V cannot hold the %g V scan", span, lc.ScanAmplitude)
	}
	inputs := map[string]bool{cavity.InputChannel: true}
	outputs := map[string]bool{cavity.OutputChannel: true}
	for i := range lasers {
		if err := lasers[i].Validate(); err != nil {
			return err
		}
		if inputs[lasers[i].InputChannel] || outputs[lasers[i].OutputChannel] {
			return fmt.Errorf("laser %q shares a physical channel with another channel", lasers[i].Name)
		}
		inputs[lasers[i].InputChannel] = true
		outputs[lasers[i].OutputChannel] = true
	}
	if len(lasers) > math.MaxUint16+1 {
		return errors.New("too many lasers to address with the remote setpoint protocol")
	}
	return nil
}
