package daq

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// ErrSimulatedFault is returned by a SimDevice read once its configured read budget is used up.
var ErrSimulatedFault = errors.New("simulated device fault")

// SimResonance describes the transmission of one laser through the scanned cavity, as
// seen on one input channel. Resonances repeat every FSR volts of scan voltage.
type SimResonance struct {
	Center    float64 // scan voltage of one resonance order
	FSR       float64 // scan voltage between adjacent orders
	Width     float64 // full width at half maximum, in scan volts
	Amplitude float64 // peak transmission, in volts
	Coupling  float64 // resonance shift in scan volts per volt on the matching piezo output
	Drift     float64 // resonance shift in scan volts per clock burst
}

// SimConfig configures a SimDevice.
// Resonances[0] is seen on the first input channel (the reference laser); Resonances[k]
// for k>0 is seen on input channel k and is tuned by on-demand output channel k-1.
type SimConfig struct {
	Resonances     []SimResonance
	Noise          float64 // rms of white noise added to every input sample, in volts
	Seed           int64
	Realtime       bool // if true, reads return no sooner than the burst would finish on hardware
	UnderrunEvery  int  // every n-th regular scan write fails with an underrun (0 = never)
	FailAfterReads int  // reads after which every read fails with ErrSimulatedFault (0 = never)
}

// DefaultSimConfig returns a reference laser and two lasers, suitable for a 2 V scan.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Resonances: []SimResonance{
			{Center: 0.3, FSR: 1.0, Width: 0.02, Amplitude: 1.0},
			{Center: 0.55, FSR: 1.2, Width: 0.02, Amplitude: 0.8, Coupling: -0.05},
			{Center: 0.7, FSR: 0.9, Width: 0.02, Amplitude: 0.8, Coupling: -0.05},
		},
		Noise: 0.005,
		Seed:  1,
	}
}

// SimDevice is a software transfer cavity: scanning the cavity voltage sweeps each
// laser's transmission through its resonances, which move with the laser piezo voltages.
type SimDevice struct {
	config SimConfig
	rng    *rand.Rand

	mu      sync.Mutex
	input   *simInput
	scan    *simScan
	output  *simOutput
	counter *simCounter
	line    *simLine
	nopen   int
	closed  []string

	bursts    int
	reads     int
	writes    int
	underruns int
}

// NewSimDevice creates a SimDevice with the given configuration.
func NewSimDevice(config SimConfig) *SimDevice {
	return &SimDevice{
		config: config,
		rng:    rand.New(rand.NewSource(config.Seed)),
	}
}

// Name returns "sim".
func (d *SimDevice) Name() string {
	return "sim"
}

// OpenTasks returns the number of tasks opened but not yet closed.
func (d *SimDevice) OpenTasks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nopen
}

// CloseOrder returns the names of closed tasks in the order they were closed.
func (d *SimDevice) CloseOrder() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.closed...)
}

// Bursts returns the number of clock bursts generated so far.
func (d *SimDevice) Bursts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bursts
}

// Underruns returns the number of underruns the scan output has suffered.
func (d *SimDevice) Underruns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.underruns
}

// PiezoVoltages returns the last values written to the on-demand output.
func (d *SimDevice) PiezoVoltages() []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.output == nil {
		return nil
	}
	return append([]float64{}, d.output.values...)
}

// LastScan returns the waveform consumed by the most recent burst.
func (d *SimDevice) LastScan() []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scan == nil {
		return nil
	}
	return append([]float64{}, d.scan.last...)
}

// simTask holds the lifecycle shared by all simulated tasks. Its fields are
// guarded by the device lock.
type simTask struct {
	dev     *SimDevice
	name    string
	started bool
	closed  bool
}

func (d *SimDevice) newTask(name string) simTask {
	d.nopen++
	return simTask{dev: d, name: name}
}

func (t *simTask) Start() error {
	t.dev.mu.Lock()
	defer t.dev.mu.Unlock()
	if t.closed {
		return fmt.Errorf("start %s: %w", t.name, ErrClosed)
	}
	t.started = true
	return nil
}

// close must be called with the device lock held.
func (t *simTask) close() bool {
	if t.closed {
		return false
	}
	t.closed = true
	t.started = false
	t.dev.nopen--
	t.dev.closed = append(t.dev.closed, t.name)
	return true
}

func checkRange(ch AnalogChannel, v float64) error {
	if v < ch.Min || v > ch.Max || math.IsNaN(v) {
		return fmt.Errorf("value %g V is outside the range [%g, %g] V of %s", v, ch.Min, ch.Max, ch.Name)
	}
	return nil
}

type simBurst struct {
	data [][]float64
	due  time.Time
}

type simInput struct {
	simTask
	channels []AnalogChannel
	clock    ClockConfig
	bursts   chan simBurst
	done     chan struct{}
}

// OpenInput opens the simulated analog input. Channels beyond the configured resonances read noise only.
func (d *SimDevice) OpenInput(channels []AnalogChannel, clock ClockConfig) (InputTask, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.input != nil && !d.input.closed {
		return nil, errors.New("sim device already has an open input task")
	}
	if len(channels) == 0 {
		return nil, errors.New("input task needs at least one channel")
	}
	d.input = &simInput{
		simTask:  d.newTask("input"),
		channels: channels,
		clock:    clock,
		bursts:   make(chan simBurst, 4),
		done:     make(chan struct{}),
	}
	return d.input, nil
}

func (in *simInput) Read(nsamp int, timeout time.Duration) ([][]float64, error) {
	d := in.dev
	d.mu.Lock()
	if in.closed {
		d.mu.Unlock()
		return nil, fmt.Errorf("read: %w", ErrClosed)
	}
	if !in.started {
		d.mu.Unlock()
		return nil, errors.New("read: input task is not started")
	}
	d.reads++
	if d.config.FailAfterReads > 0 && d.reads > d.config.FailAfterReads {
		d.mu.Unlock()
		return nil, fmt.Errorf("read %d: %w", d.reads, ErrSimulatedFault)
	}
	d.mu.Unlock()

	select {
	case <-in.done:
		return nil, fmt.Errorf("read: %w", ErrClosed)
	case <-time.After(timeout):
		return nil, fmt.Errorf("read %d samples after %v: %w", nsamp, timeout, ErrTimeout)
	case b := <-in.bursts:
		if got := len(b.data[0]); got != nsamp {
			return nil, fmt.Errorf("read %d samples per channel, but the clock burst is %d long", nsamp, got)
		}
		if wait := time.Until(b.due); wait > 0 {
			time.Sleep(wait)
		}
		return b.data, nil
	}
}

func (in *simInput) Close() error {
	in.dev.mu.Lock()
	defer in.dev.mu.Unlock()
	if in.close() {
		close(in.done)
	}
	return nil
}

type simScan struct {
	simTask
	channel  AnalogChannel
	clock    ClockConfig
	pending  []float64
	last     []float64
	underrun bool
}

// OpenScanOutput opens the simulated cavity scan output.
func (d *SimDevice) OpenScanOutput(channel AnalogChannel, clock ClockConfig) (ScanTask, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scan != nil && !d.scan.closed {
		return nil, errors.New("sim device already has an open scan task")
	}
	d.scan = &simScan{simTask: d.newTask("scan"), channel: channel, clock: clock}
	return d.scan, nil
}

func (s *simScan) Write(samples []float64, autoStart bool) error {
	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.closed {
		return fmt.Errorf("scan write: %w", ErrClosed)
	}
	if s.underrun {
		return fmt.Errorf("scan write: %w", ErrUnderrun)
	}
	for _, v := range samples {
		if err := checkRange(s.channel, v); err != nil {
			return fmt.Errorf("scan write: %w", err)
		}
	}
	if !autoStart {
		d.writes++
		if every := d.config.UnderrunEvery; every > 0 && d.writes%every == 0 {
			s.underrun = true
			d.underruns++
			return fmt.Errorf("scan write %d: %w", d.writes, ErrUnderrun)
		}
	}
	s.pending = append([]float64{}, samples...)
	if autoStart {
		s.started = true
	}
	return nil
}

func (s *simScan) Abort() error {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	if s.closed {
		return fmt.Errorf("scan abort: %w", ErrClosed)
	}
	s.pending = nil
	s.underrun = false
	s.started = false
	return nil
}

func (s *simScan) Close() error {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	s.close()
	return nil
}

// waveform returns the scan voltages of the next burst of length n and
// must be called with the device lock held.
func (s *simScan) waveform(n int) []float64 {
	v := make([]float64, n)
	hold := 0.0
	if len(s.last) > 0 {
		hold = s.last[len(s.last)-1]
	}
	if !s.started {
		for i := range v {
			v[i] = hold
		}
		return v
	}
	if s.pending == nil {
		s.underrun = true
		s.dev.underruns++
		for i := range v {
			v[i] = hold
		}
		return v
	}
	for i := range v {
		if i < len(s.pending) {
			v[i] = s.pending[i]
		} else {
			v[i] = s.pending[len(s.pending)-1]
		}
	}
	s.last = s.pending
	s.pending = nil
	return v
}

type simOutput struct {
	simTask
	channels []AnalogChannel
	values   []float64
}

// OpenOnDemandOutput opens the simulated laser piezo outputs.
func (d *SimDevice) OpenOnDemandOutput(channels []AnalogChannel) (OutputTask, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.output != nil && !d.output.closed {
		return nil, errors.New("sim device already has an open on-demand output task")
	}
	d.output = &simOutput{
		simTask:  d.newTask("output"),
		channels: channels,
		values:   make([]float64, len(channels)),
	}
	return d.output, nil
}

func (o *simOutput) Write(values []float64) error {
	o.dev.mu.Lock()
	defer o.dev.mu.Unlock()
	if o.closed {
		return fmt.Errorf("output write: %w", ErrClosed)
	}
	if len(values) != len(o.channels) {
		return fmt.Errorf("output write of %d values to %d channels", len(values), len(o.channels))
	}
	for i, v := range values {
		if err := checkRange(o.channels[i], v); err != nil {
			return fmt.Errorf("output write: %w", err)
		}
	}
	copy(o.values, values)
	return nil
}

func (o *simOutput) Close() error {
	o.dev.mu.Lock()
	defer o.dev.mu.Unlock()
	o.close()
	return nil
}

type simCounter struct {
	simTask
	config CounterConfig
}

// OpenCounter opens the simulated sample clock.
func (d *SimDevice) OpenCounter(config CounterConfig) (Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.counter != nil && !d.counter.closed {
		return nil, errors.New("sim device already has an open counter task")
	}
	if config.SamplesPerCycle <= 0 || config.SampleRate <= 0 {
		return nil, fmt.Errorf("counter needs a positive burst length and rate, have %d samples at %g Hz",
			config.SamplesPerCycle, config.SampleRate)
	}
	d.counter = &simCounter{simTask: d.newTask("counter"), config: config}
	return d.counter, nil
}

func (c *simCounter) Close() error {
	c.dev.mu.Lock()
	defer c.dev.mu.Unlock()
	c.close()
	return nil
}

type simLine struct {
	simTask
	line string
}

// OpenTriggerLine opens the simulated digital trigger line.
func (d *SimDevice) OpenTriggerLine(line string) (LineTask, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.line != nil && !d.line.closed {
		return nil, errors.New("sim device already has an open trigger line")
	}
	d.line = &simLine{simTask: d.newTask("line"), line: line}
	return d.line, nil
}

// Pulse fires the counter, if it is running, which clocks one burst through the
// scan output and the input.
func (l *simLine) Pulse() error {
	d := l.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if l.closed {
		return fmt.Errorf("pulse: %w", ErrClosed)
	}
	if !l.started {
		return errors.New("pulse: trigger line is not started")
	}
	if d.counter == nil || !d.counter.started {
		return nil
	}
	n := d.counter.config.SamplesPerCycle
	var scanV []float64
	if d.scan != nil && !d.scan.closed {
		scanV = d.scan.waveform(n)
	} else {
		scanV = make([]float64, n)
	}
	d.bursts++
	if d.input == nil || !d.input.started {
		return nil
	}
	burst := simBurst{data: d.transmission(scanV)}
	if d.config.Realtime {
		burst.due = time.Now().Add(time.Duration(float64(n) / d.counter.config.SampleRate * float64(time.Second)))
	}
	select {
	case d.input.bursts <- burst:
	default:
		// Input buffer overflow: the burst is lost and the next read waits for a fresh one.
	}
	return nil
}

func (l *simLine) Close() error {
	l.dev.mu.Lock()
	defer l.dev.mu.Unlock()
	l.close()
	return nil
}

// transmission computes what each input channel sees during one burst of the given
// scan voltages. It must be called with the device lock held.
func (d *SimDevice) transmission(scanV []float64) [][]float64 {
	nchan := len(d.input.channels)
	data := make([][]float64, nchan)
	for c := range data {
		trace := make([]float64, len(scanV))
		if c < len(d.config.Resonances) {
			r := d.config.Resonances[c]
			center := r.Center + r.Drift*float64(d.bursts)
			if c > 0 && d.output != nil && c-1 < len(d.output.values) {
				center += r.Coupling * d.output.values[c-1]
			}
			for i, v := range scanV {
				trace[i] = r.at(v, center)
			}
		}
		if d.config.Noise > 0 {
			for i := range trace {
				trace[i] += d.config.Noise * d.rng.NormFloat64()
			}
		}
		data[c] = trace
	}
	return data
}

// at returns the transmitted power at scan voltage v with one order centered on center.
// Only the nearest order contributes.
func (r SimResonance) at(v, center float64) float64 {
	if r.FSR <= 0 || r.Width <= 0 {
		return 0
	}
	phase := (v - center) / r.FSR
	dv := (phase - math.Round(phase)) * r.FSR
	x := 2 * dv / r.Width
	return r.Amplitude / (1 + x*x)
}
