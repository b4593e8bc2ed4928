package tclock

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
)

// HardwareConfig names the DAQ device and the resources shared by all channels.
type HardwareConfig struct {
	Device          string  // "sim" or "nidaqmx"
	ClockCounter    string  // counter generating the sample clock, e.g. "Dev1/ctr0"
	ClockTerminal   string  // terminal carrying the sample clock, e.g. "/Dev1/PFI13"
	TriggerLine     string  // digital line retriggering the counter, e.g. "Dev1/port0/line0"
	TriggerTerminal string  // terminal the trigger line is wired to, e.g. "/Dev1/PFI8"
	InputMin        float64 // V, range of every photodiode input
	InputMax        float64 // V
}

// LockConfig holds the settings shared by every channel of the lock.
type LockConfig struct {
	ScanAmplitude    float64 // V of cavity scan
	ScanTimeMs       float64 // duration of the scan ramp
	RampUpTimeMs     float64 // duration of the optional rising segment before the ramp
	ScanIgnoreMs     float64 // leading part of every trace excluded from peak finding
	SampleRate       float64 // Hz
	CavityFSRMHz     float64 // frequency spanned by the two reference peaks
	LockCriteriaMHz  float64 // lock status threshold on error RMS and magnitude
	RMSLength        int     // errors in the rolling window behind the lock status
	DisplayEvery     int     // publish telemetry every this many cycles
	Averages         int     // acquisitions averaged per cycle
	RemoveBaseline   bool    // subtract each trace's mean before peak finding
	MeasuredLoopTime bool    // use measured cycle time in the PID instead of the scan duration
	ReadTimeoutSec   float64
	Hardware         HardwareConfig
}

// DefaultLockConfig returns settings that lock the default simulated device.
func DefaultLockConfig() LockConfig {
	return LockConfig{
		ScanAmplitude:   2.0,
		ScanTimeMs:      5.0,
		ScanIgnoreMs:    0.25,
		SampleRate:      400000,
		CavityFSRMHz:    1500,
		LockCriteriaMHz: 2,
		RMSLength:       100,
		DisplayEvery:    5,
		Averages:        1,
		ReadTimeoutSec:  10,
		Hardware: HardwareConfig{
			Device:          "sim",
			ClockCounter:    "Dev1/ctr0",
			ClockTerminal:   "/Dev1/PFI13",
			TriggerLine:     "Dev1/port0/line0",
			TriggerTerminal: "/Dev1/PFI8",
			InputMin:        -2,
			InputMax:        5,
		},
	}
}

func msToSamples(ms, rate float64) int {
	return int(math.Round(ms / 1000 * rate))
}

// ScanSamples is the length of the falling scan ramp.
func (c *LockConfig) ScanSamples() int {
	return msToSamples(c.ScanTimeMs, c.SampleRate)
}

// RampUpSamples is the length of the rising segment before the scan ramp.
func (c *LockConfig) RampUpSamples() int {
	return msToSamples(c.RampUpTimeMs, c.SampleRate)
}

// SamplesPerCycle is the number of samples acquired per channel per trigger.
func (c *LockConfig) SamplesPerCycle() int {
	return c.RampUpSamples() + c.ScanSamples()
}

// IgnoreSamples is the number of leading samples excluded from peak finding.
func (c *LockConfig) IgnoreSamples() int {
	return msToSamples(c.ScanIgnoreMs, c.SampleRate)
}

// ConfiguredLoopTime is the loop time, in seconds, assumed by the PID: the scan
// plus ramp-up duration.
func (c *LockConfig) ConfiguredLoopTime() float64 {
	return (c.ScanTimeMs + c.RampUpTimeMs) / 1000
}

// ReadTimeout is how long one hardware read may take before the lock fails.
func (c *LockConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSec * float64(time.Second))
}

// Validate checks the settings for consistency.
func (c *LockConfig) Validate() error {
	switch {
	case !(c.SampleRate > 0):
		return fmt.Errorf("sample rate %g Hz must be positive", c.SampleRate)
	case !(c.ScanTimeMs > 0):
		return fmt.Errorf("scan time %g ms must be positive", c.ScanTimeMs)
	case c.RampUpTimeMs < 0:
		return fmt.Errorf("ramp-up time %g ms is negative", c.RampUpTimeMs)
	case c.ScanSamples() < 2:
		return fmt.Errorf("scan of %g ms at %g Hz is shorter than 2 samples", c.ScanTimeMs, c.SampleRate)
	case c.RampUpTimeMs > 0 && c.RampUpSamples() < 2:
		return fmt.Errorf("ramp-up of %g ms at %g Hz is shorter than 2 samples", c.RampUpTimeMs, c.SampleRate)
	case c.ScanIgnoreMs < 0 || c.IgnoreSamples() > c.SamplesPerCycle()-3:
		return fmt.Errorf("scan ignore %g ms leaves too little of the %g ms cycle",
			c.ScanIgnoreMs, c.ScanTimeMs+c.RampUpTimeMs)
	case !(c.ScanAmplitude >= 0):
		return fmt.Errorf("scan amplitude %g V is negative", c.ScanAmplitude)
	case !(c.CavityFSRMHz > 0):
		return fmt.Errorf("cavity FSR %g MHz must be positive", c.CavityFSRMHz)
	case c.LockCriteriaMHz < 0:
		return fmt.Errorf("lock criteria %g MHz is negative", c.LockCriteriaMHz)
	case c.RMSLength < 1:
		return fmt.Errorf("RMS length %d must be at least 1", c.RMSLength)
	case c.DisplayEvery < 1:
		return fmt.Errorf("display decimation %d must be at least 1", c.DisplayEvery)
	case c.Averages < 1:
		return fmt.Errorf("averages %d must be at least 1", c.Averages)
	case !(c.ReadTimeoutSec > 0):
		return fmt.Errorf("read timeout %g s must be positive", c.ReadTimeoutSec)
	case c.Hardware.Device == "":
		return fmt.Errorf("no DAQ device is named")
	case !(c.Hardware.InputMin < c.Hardware.InputMax):
		return fmt.Errorf("input range [%g, %g] is empty", c.Hardware.InputMin, c.Hardware.InputMax)
	}
	return nil
}

// sameScan reports whether two configurations produce the same waveform on the
// same hardware, so one can replace the other while the lock runs.
func (c *LockConfig) sameScan(other *LockConfig) bool {
	return c.ScanAmplitude == other.ScanAmplitude && c.ScanTimeMs == other.ScanTimeMs &&
		c.RampUpTimeMs == other.RampUpTimeMs && c.SampleRate == other.SampleRate &&
		c.ReadTimeoutSec == other.ReadTimeoutSec && c.Hardware == other.Hardware
}

// ScanWaveform returns one cycle of the cavity scan without the cavity output added:
// an optional rise from 0 to ScanAmplitude, then the ramp from ScanAmplitude down to 0.
func (c *LockConfig) ScanWaveform() []float64 {
	nup := c.RampUpSamples()
	w := make([]float64, nup+c.ScanSamples())
	if nup > 0 {
		floats.Span(w[:nup], 0, c.ScanAmplitude)
	}
	floats.Span(w[nup:], c.ScanAmplitude, 0)
	// Span's end points carry rounding error; the clipping bounds rely on exact ones.
	if nup > 0 {
		w[nup-1] = c.ScanAmplitude
	}
	if len(w) > nup {
		w[len(w)-1] = 0
	}
	return w
}
