// Package daq describes the hardware tasks a transfer-cavity lock needs: a clocked
// multi-channel analog input, a clocked analog output for the cavity scan, an
// on-demand analog output for the laser piezos, a retriggerable counter that
// serves as the shared sample clock, and a digital line that retriggers it.
//
// Devices are opened by name through Open. The "sim" device is always available;
// the "nidaqmx" device is compiled in with the nidaqmx build tag.
package daq

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Sentinel errors returned (possibly wrapped) by tasks of every device.
var (
	// ErrUnderrun means a clocked output ran out of samples before new ones were written.
	ErrUnderrun = errors.New("output buffer underrun")
	// ErrTimeout means a read did not complete within its timeout.
	ErrTimeout = errors.New("read timed out")
	// ErrClosed means the task was already closed.
	ErrClosed = errors.New("task is closed")
)

// IsUnderrun reports whether err is (or wraps) ErrUnderrun.
func IsUnderrun(err error) bool {
	return errors.Is(err, ErrUnderrun)
}

// IsTimeout reports whether err is (or wraps) ErrTimeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// AnalogChannel names one physical analog channel and its voltage range.
type AnalogChannel struct {
	Name string
	Min  float64
	Max  float64
}

// ClockConfig is the sample clock shared by the scan output and the input.
type ClockConfig struct {
	Terminal        string  // terminal the counter output is routed to
	SampleRate      float64 // Hz
	SamplesPerCycle int     // samples produced by one counter burst
}

// CounterConfig configures the counter that generates one clock burst per trigger.
type CounterConfig struct {
	Counter         string // e.g. "Dev1/ctr0"
	TriggerTerminal string // terminal wired to the trigger line
	ClockConfig
}

// Task is the lifecycle shared by every hardware task.
type Task interface {
	Start() error
	Close() error
}

// InputTask acquires all of its channels on the shared clock.
type InputTask interface {
	Task
	// Read blocks until nsamp samples per channel are available, then returns
	// them channel by channel. It returns an error wrapping ErrTimeout if that
	// takes longer than timeout.
	Read(nsamp int, timeout time.Duration) ([][]float64, error)
}

// ScanTask writes a clocked waveform that is never regenerated: every sample is
// output once, so a fresh waveform must be written before each burst.
type ScanTask interface {
	Task
	// Write queues one burst worth of samples. If autoStart is true, a stopped
	// task is started after the write. A write after an underrun returns an
	// error wrapping ErrUnderrun until the task is aborted.
	Write(samples []float64, autoStart bool) error
	// Abort stops the task and discards any queued samples and error state.
	Abort() error
}

// OutputTask sets static voltages, one per channel, when written.
type OutputTask interface {
	Task
	Write(values []float64) error
}

// LineTask drives a digital line.
type LineTask interface {
	Task
	// Pulse drives the line high then low, producing one rising edge.
	Pulse() error
}

// Device opens the tasks of one DAQ device.
type Device interface {
	Name() string
	OpenInput(channels []AnalogChannel, clock ClockConfig) (InputTask, error)
	OpenScanOutput(channel AnalogChannel, clock ClockConfig) (ScanTask, error)
	OpenOnDemandOutput(channels []AnalogChannel) (OutputTask, error)
	OpenCounter(config CounterConfig) (Task, error)
	OpenTriggerLine(line string) (LineTask, error)
}

// Opener creates a Device.
type Opener func() (Device, error)

var (
	registryMu sync.Mutex
	registry   = make(map[string]Opener)
)

// Register makes a device available to Open under the given name.
func Register(name string, open Opener) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = open
}

// Open returns the device registered under name.
func Open(name string) (Device, error) {
	registryMu.Lock()
	open, ok := registry[name]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("daq device %q is not known (have %v)", name, Devices())
	}
	return open()
}

// Devices lists the registered device names.
func Devices() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register("sim", func() (Device, error) {
		config := DefaultSimConfig()
		config.Realtime = true
		return NewSimDevice(config), nil
	})
}
